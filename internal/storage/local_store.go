package storage

import (
	"errors"

	"github.com/annel0/mmo-client/internal/vec"
)

// ErrNotFound возвращается, когда запрошенное значение отсутствует в хранилище.
var ErrNotFound = errors.New("storage: not found")

// SavedPosition последняя подтверждённая позиция собственного игрока.
// Сохраняется, чтобы после перезагрузки страницы или переподключения
// клиент мог продолжить с того же места.
type SavedPosition struct {
	Position  vec.Vec3Float `json:"position"`
	RotationY float64       `json:"rotationY"`
}

// LocalStore хранит локальное состояние клиента между сессиями:
// гостевой идентификатор, последнюю подтверждённую позицию и учётные
// данные. Каждое значение читается и очищается независимо.
//
// Использование:
//
//	store, err := NewBadgerStore("data/client")
//	id, err := store.GuestIdentity()
//	err = store.SetGuestIdentity(uuid.NewString())
type LocalStore interface {
	// GuestIdentity возвращает сохранённый гостевой идентификатор.
	// Возвращает ErrNotFound, если идентификатор не создавался.
	GuestIdentity() (string, error)

	// SetGuestIdentity сохраняет гостевой идентификатор.
	SetGuestIdentity(id string) error

	// ClearGuestIdentity удаляет гостевой идентификатор.
	// Вызывается только по явному действию пользователя.
	ClearGuestIdentity() error

	// LastPosition возвращает последнюю подтверждённую позицию.
	LastPosition() (*SavedPosition, error)

	// SetLastPosition сохраняет последнюю подтверждённую позицию.
	SetLastPosition(pos *SavedPosition) error

	// ClearLastPosition удаляет сохранённую позицию.
	ClearLastPosition() error

	// Credential возвращает сохранённый токен аутентификации.
	Credential() (string, error)

	// SetCredential сохраняет токен аутентификации.
	SetCredential(token string) error

	// ClearCredential удаляет токен аутентификации.
	ClearCredential() error

	// Close закрывает хранилище.
	Close() error
}
