package connection

import "time"

// Типы событий топика connection.
const (
	EventConnected    = "Connected"
	EventDisconnected = "Disconnected"
	EventReconnecting = "Reconnecting"
	EventFailed       = "Failed"
)

// ConnectedEvent публикуется при успешном подключении.
type ConnectedEvent struct {
	PlayerID string
	GuestID  string
	Resumed  bool // true, если это переподключение, а не первый вход
}

// DisconnectedEvent публикуется при потере соединения.
type DisconnectedEvent struct {
	Reason string
}

// ReconnectingEvent публикуется перед каждой попыткой переподключения.
type ReconnectingEvent struct {
	Attempt int
	Delay   time.Duration
}

// FailedEvent публикуется при переходе в терминальное состояние.
type FailedEvent struct {
	Reason string
	Auth   bool // true — отказ аутентификации, retry бесполезен
}
