package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/mmo-client/internal/vec"
)

// runLocalStoreSuite проверяет контракт LocalStore для любой реализации.
func runLocalStoreSuite(t *testing.T, store LocalStore) {
	// Пустое хранилище
	_, err := store.GuestIdentity()
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.LastPosition()
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Credential()
	assert.ErrorIs(t, err, ErrNotFound)

	// Гостевой идентификатор
	require.NoError(t, store.SetGuestIdentity("guest-123"))
	id, err := store.GuestIdentity()
	require.NoError(t, err)
	assert.Equal(t, "guest-123", id)

	// Позиция
	saved := &SavedPosition{
		Position:  vec.Vec3Float{X: 1.5, Y: 0, Z: -2.25},
		RotationY: 1.57,
	}
	require.NoError(t, store.SetLastPosition(saved))
	got, err := store.LastPosition()
	require.NoError(t, err)
	assert.Equal(t, saved.Position, got.Position)
	assert.Equal(t, saved.RotationY, got.RotationY)

	// Учётные данные
	require.NoError(t, store.SetCredential("token-abc"))
	cred, err := store.Credential()
	require.NoError(t, err)
	assert.Equal(t, "token-abc", cred)

	// Значения очищаются независимо друг от друга
	require.NoError(t, store.ClearCredential())
	_, err = store.Credential()
	assert.ErrorIs(t, err, ErrNotFound)

	id, err = store.GuestIdentity()
	require.NoError(t, err)
	assert.Equal(t, "guest-123", id)

	_, err = store.LastPosition()
	require.NoError(t, err)

	require.NoError(t, store.ClearGuestIdentity())
	_, err = store.GuestIdentity()
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.ClearLastPosition())
	_, err = store.LastPosition()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	runLocalStoreSuite(t, store)
}

func TestBadgerStore(t *testing.T) {
	store, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	runLocalStoreSuite(t, store)
}

func TestBadgerStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBadgerStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.SetGuestIdentity("guest-persist"))
	require.NoError(t, store.Close())

	reopened, err := NewBadgerStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	id, err := reopened.GuestIdentity()
	require.NoError(t, err)
	assert.Equal(t, "guest-persist", id)
}
