package roster

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/mmo-client/internal/protocol"
	"github.com/annel0/mmo-client/internal/vec"
)

// fakeConn управляемый контракт соединения для тестов сверки.
type fakeConn struct {
	mu            sync.Mutex
	playerID      string
	serverIDs     []string
	reconcileErr  error
	refetchCalled int
}

func (f *fakeConn) PlayerID() string { return f.playerID }

func (f *fakeConn) ReconcileRoster(ctx context.Context, localIDs []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reconcileErr != nil {
		return nil, f.reconcileErr
	}
	return f.serverIDs, nil
}

func (f *fakeConn) RequestFullRoster(ctx context.Context) error {
	f.mu.Lock()
	f.refetchCalled++
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) refetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refetchCalled
}

func player(id string) protocol.PlayerInfo {
	return protocol.PlayerInfo{ID: id, Name: "name-" + id}
}

func sortedIDs(r *Reconciler) []string {
	ids := r.IDs()
	sort.Strings(ids)
	return ids
}

func TestInitialRosterExcludesSelf(t *testing.T) {
	conn := &fakeConn{playerID: "self"}
	r := NewReconciler(conn, nil, Options{})

	r.ApplyInitialRoster([]protocol.PlayerInfo{
		player("self"), player("P1"), player("P2"),
	})

	assert.Equal(t, []string{"P1", "P2"}, sortedIDs(r))
	assert.False(t, r.Has("self"))

	// Собственная запись доступна как стартовая позиция
	spawn, ok := r.SelfSpawn()
	require.True(t, ok)
	assert.Equal(t, "self", spawn.ID)
}

func TestJoinReplacesExistingEntry(t *testing.T) {
	conn := &fakeConn{playerID: "self"}
	r := NewReconciler(conn, nil, Options{})

	r.ApplyJoin(protocol.PlayerInfo{ID: "P1", Name: "old"})
	r.ApplyJoin(protocol.PlayerInfo{ID: "P1", Name: "new"})

	assert.Equal(t, 1, r.Len())
	p, ok := r.Snapshot("P1")
	require.True(t, ok)
	assert.Equal(t, "new", p.Name)
}

func TestLeaveIsIdempotent(t *testing.T) {
	conn := &fakeConn{playerID: "self"}
	r := NewReconciler(conn, nil, Options{})
	r.ApplyInitialRoster([]protocol.PlayerInfo{player("P1"), player("P2")})

	r.ApplyLeave("P2")
	after := sortedIDs(r)
	r.ApplyLeave("P2")

	assert.Equal(t, []string{"P1"}, after)
	assert.Equal(t, after, sortedIDs(r))
}

func TestReconcileConvergesToServerSet(t *testing.T) {
	conn := &fakeConn{playerID: "self", serverIDs: []string{"A", "B", "C"}}
	r := NewReconciler(conn, nil, Options{})

	// Заведомо рассогласованное локальное состояние
	r.ApplyInitialRoster([]protocol.PlayerInfo{player("A"), player("X"), player("Y")})

	require.NoError(t, r.Reconcile(context.Background()))

	// Лишние записи удалены
	assert.Equal(t, []string{"A"}, sortedIDs(r))
	// Отсутствующие локально вызвали перезагрузку состава
	assert.Equal(t, 1, conn.refetches())

	// Сервер присылает полный состав — локальный набор сходится
	r.ApplyInitialRoster([]protocol.PlayerInfo{player("A"), player("B"), player("C")})
	assert.Equal(t, []string{"A", "B", "C"}, sortedIDs(r))
}

func TestReconcileNoRefetchWhenSuperset(t *testing.T) {
	conn := &fakeConn{playerID: "self", serverIDs: []string{"A"}}
	r := NewReconciler(conn, nil, Options{})
	r.ApplyInitialRoster([]protocol.PlayerInfo{player("A"), player("B")})

	require.NoError(t, r.Reconcile(context.Background()))

	assert.Equal(t, []string{"A"}, sortedIDs(r))
	assert.Equal(t, 0, conn.refetches())
}

func TestStaleMarkedThenRemovedOnlyByReconcile(t *testing.T) {
	conn := &fakeConn{playerID: "self", serverIDs: []string{"P1", "P2"}}
	r := NewReconciler(conn, nil, Options{StaleTimeout: 30 * time.Second})

	base := time.Now()
	r.now = func() time.Time { return base }
	r.ApplyInitialRoster([]protocol.PlayerInfo{player("P1"), player("P2")})

	// P1 обновляется, P2 молчит дольше таймаута
	r.now = func() time.Time { return base.Add(40 * time.Second) }
	require.True(t, r.Touch("P1", vec.Vec3Float{X: 1}, 0))
	r.sweepStale()

	p2, ok := r.Snapshot("P2")
	require.True(t, ok)
	assert.False(t, p2.StaleSince.IsZero(), "P2 должен быть помечен устаревшим")
	p1, _ := r.Snapshot("P1")
	assert.True(t, p1.StaleSince.IsZero())

	// Пока сервер подтверждает присутствие — запись живёт
	require.NoError(t, r.Reconcile(context.Background()))
	assert.True(t, r.Has("P2"))

	// Сервер перестал перечислять P2 — только теперь запись удаляется
	conn.mu.Lock()
	conn.serverIDs = []string{"P1"}
	conn.mu.Unlock()
	require.NoError(t, r.Reconcile(context.Background()))
	assert.False(t, r.Has("P2"))
}

func TestTouchClearsStaleMark(t *testing.T) {
	conn := &fakeConn{playerID: "self", serverIDs: []string{"P1"}}
	r := NewReconciler(conn, nil, Options{StaleTimeout: 30 * time.Second})

	base := time.Now()
	r.now = func() time.Time { return base }
	r.ApplyInitialRoster([]protocol.PlayerInfo{player("P1")})

	r.now = func() time.Time { return base.Add(time.Minute) }
	r.sweepStale()
	p, _ := r.Snapshot("P1")
	require.False(t, p.StaleSince.IsZero())

	require.True(t, r.Touch("P1", vec.Vec3Float{X: 2, Z: 3}, 1.1))
	p, _ = r.Snapshot("P1")
	assert.True(t, p.StaleSince.IsZero())
	assert.Equal(t, vec.Vec3Float{X: 2, Z: 3}, p.Position)
	assert.Equal(t, 1.1, p.RotationY)
}

func TestRepairDropsUnbackedEntries(t *testing.T) {
	conn := &fakeConn{playerID: "self", serverIDs: []string{"P1"}}
	r := NewReconciler(conn, nil, Options{})
	r.ApplyInitialRoster([]protocol.PlayerInfo{player("P1"), player("P2")})

	rendered := map[string]struct{}{
		"P1":    {},
		"ghost": {}, // представление без записи
	}
	report := r.Repair(rendered)

	assert.Equal(t, []string{"P2"}, report.Dropped)
	assert.Equal(t, []string{"ghost"}, report.Orphaned)
	assert.Equal(t, []string{"P1"}, sortedIDs(r))
}

func TestTouchUnknownPlayer(t *testing.T) {
	conn := &fakeConn{playerID: "self"}
	r := NewReconciler(conn, nil, Options{})

	assert.False(t, r.Touch("nobody", vec.Vec3Float{}, 0))
	assert.False(t, r.UpdateMotion("nobody", vec.Vec3Float{}, vec.Vec3Float{}))
}
