package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v3"
)

// Ключи локального состояния.
const (
	keyGuestIdentity = "guest_identity"
	keyLastPosition  = "last_position"
	keyCredential    = "credential"
)

// BadgerStore реализует LocalStore поверх встраиваемой базы Badger.
// База живёт в каталоге данных клиента и переживает перезапуски.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore открывает (или создаёт) базу в указанном каталоге.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // Badger пишет слишком шумно; логируем сами

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть локальное хранилище: %w", err)
	}

	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("чтение %s: %w", key, err)
	}
	return value, nil
}

func (s *BadgerStore) set(key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("запись %s: %w", key, err)
	}
	return nil
}

func (s *BadgerStore) delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("удаление %s: %w", key, err)
	}
	return nil
}

// GuestIdentity возвращает сохранённый гостевой идентификатор.
func (s *BadgerStore) GuestIdentity() (string, error) {
	data, err := s.get(keyGuestIdentity)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SetGuestIdentity сохраняет гостевой идентификатор.
func (s *BadgerStore) SetGuestIdentity(id string) error {
	return s.set(keyGuestIdentity, []byte(id))
}

// ClearGuestIdentity удаляет гостевой идентификатор.
func (s *BadgerStore) ClearGuestIdentity() error {
	return s.delete(keyGuestIdentity)
}

// LastPosition возвращает последнюю подтверждённую позицию.
func (s *BadgerStore) LastPosition() (*SavedPosition, error) {
	data, err := s.get(keyLastPosition)
	if err != nil {
		return nil, err
	}
	var pos SavedPosition
	if err := json.Unmarshal(data, &pos); err != nil {
		return nil, fmt.Errorf("разбор сохранённой позиции: %w", err)
	}
	return &pos, nil
}

// SetLastPosition сохраняет последнюю подтверждённую позицию.
func (s *BadgerStore) SetLastPosition(pos *SavedPosition) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("сериализация позиции: %w", err)
	}
	return s.set(keyLastPosition, data)
}

// ClearLastPosition удаляет сохранённую позицию.
func (s *BadgerStore) ClearLastPosition() error {
	return s.delete(keyLastPosition)
}

// Credential возвращает сохранённый токен аутентификации.
func (s *BadgerStore) Credential() (string, error) {
	data, err := s.get(keyCredential)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SetCredential сохраняет токен аутентификации.
func (s *BadgerStore) SetCredential(token string) error {
	return s.set(keyCredential, []byte(token))
}

// ClearCredential удаляет токен аутентификации.
func (s *BadgerStore) ClearCredential() error {
	return s.delete(keyCredential)
}

// Close закрывает базу.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
