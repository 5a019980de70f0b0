package connection

import "time"

// State представляет состояние жизненного цикла соединения.
type State int

const (
	// StateDisconnected соединение отсутствует, переподключение не ведётся.
	StateDisconnected State = iota
	// StateConnecting идёт установка соединения.
	StateConnecting
	// StateConnected соединение установлено и аутентифицировано.
	StateConnected
	// StateReconnecting соединение потеряно, идёт переподключение с backoff.
	StateReconnecting
	// StateFailed попытки исчерпаны или аутентификация отклонена.
	// Терминальное состояние: выход только через внешний re-auth флоу.
	StateFailed
)

// String возвращает строковое представление состояния
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status снимок состояния соединения для внешних наблюдателей.
type Status struct {
	State         State
	Attempt       int       // Номер текущей попытки переподключения
	LastConnected time.Time // Время последнего успешного подключения
	LastError     error     // Последняя ошибка
	PlayerID      string    // Идентификатор, выданный сервером
	RTT           time.Duration
}
