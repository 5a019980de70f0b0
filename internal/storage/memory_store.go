package storage

import "sync"

// MemoryStore реализует LocalStore в памяти.
// Используется в тестах и во встраиваниях без файловой системы.
type MemoryStore struct {
	mu         sync.RWMutex
	guestID    string
	hasGuestID bool
	position   *SavedPosition
	credential string
	hasCred    bool
}

// NewMemoryStore создаёт пустое хранилище в памяти.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// GuestIdentity возвращает сохранённый гостевой идентификатор.
func (s *MemoryStore) GuestIdentity() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasGuestID {
		return "", ErrNotFound
	}
	return s.guestID, nil
}

// SetGuestIdentity сохраняет гостевой идентификатор.
func (s *MemoryStore) SetGuestIdentity(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guestID = id
	s.hasGuestID = true
	return nil
}

// ClearGuestIdentity удаляет гостевой идентификатор.
func (s *MemoryStore) ClearGuestIdentity() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guestID = ""
	s.hasGuestID = false
	return nil
}

// LastPosition возвращает последнюю подтверждённую позицию.
func (s *MemoryStore) LastPosition() (*SavedPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.position == nil {
		return nil, ErrNotFound
	}
	copy := *s.position
	return &copy, nil
}

// SetLastPosition сохраняет последнюю подтверждённую позицию.
func (s *MemoryStore) SetLastPosition(pos *SavedPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := *pos
	s.position = &copy
	return nil
}

// ClearLastPosition удаляет сохранённую позицию.
func (s *MemoryStore) ClearLastPosition() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = nil
	return nil
}

// Credential возвращает сохранённый токен аутентификации.
func (s *MemoryStore) Credential() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasCred {
		return "", ErrNotFound
	}
	return s.credential, nil
}

// SetCredential сохраняет токен аутентификации.
func (s *MemoryStore) SetCredential(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credential = token
	s.hasCred = true
	return nil
}

// ClearCredential удаляет токен аутентификации.
func (s *MemoryStore) ClearCredential() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credential = ""
	s.hasCred = false
	return nil
}

// Close ничего не делает для хранилища в памяти.
func (s *MemoryStore) Close() error {
	return nil
}
