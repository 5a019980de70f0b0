// Package network предоставляет унифицированный интерфейс для сетевых каналов
package network

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Ошибки канала.
var (
	// ErrNotConnected операция требует установленного соединения.
	ErrNotConnected = errors.New("network: not connected")
	// ErrChannelClosed канал закрыт и не может быть переиспользован.
	ErrChannelClosed = errors.New("network: channel closed")
)

// ChannelType определяет тип канала связи
type ChannelType int

const (
	ChannelWebSocket ChannelType = iota
	ChannelKCP
	ChannelTCP
)

// String возвращает строковое представление типа канала
func (t ChannelType) String() string {
	switch t {
	case ChannelWebSocket:
		return "websocket"
	case ChannelKCP:
		return "kcp"
	case ChannelTCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// ParseChannelType разбирает тип канала из конфигурации.
func ParseChannelType(s string) (ChannelType, error) {
	switch s {
	case "", "websocket", "ws":
		return ChannelWebSocket, nil
	case "kcp":
		return ChannelKCP, nil
	case "tcp":
		return ChannelTCP, nil
	default:
		return ChannelWebSocket, fmt.Errorf("network: unknown channel type %q", s)
	}
}

// ConnectionStats содержит статистику соединения
type ConnectionStats struct {
	RTT             time.Duration // Round-trip time
	PacketsSent     uint64        // Отправлено пакетов
	PacketsReceived uint64        // Получено пакетов
	BytesSent       uint64        // Отправлено байт
	BytesReceived   uint64        // Получено байт
	LastActivity    time.Time     // Последняя активность
	Connected       bool          // Статус соединения
	RemoteAddr      string        // Адрес удалённого узла
}

// NetChannel представляет унифицированный интерфейс для сетевого канала.
// Канал переносит готовые кадры протокола; кодирование и декодирование
// сообщений — ответственность владельца канала.
//
// Обработчики OnMessage/OnDisconnect должны быть установлены до Connect.
// OnMessage вызывается последовательно из одной горутины чтения,
// в порядке прихода кадров.
type NetChannel interface {
	// Connect устанавливает соединение с указанным адресом.
	Connect(ctx context.Context, addr string) error

	// Send отправляет кадр. Блокируется при заполненном буфере отправки
	// до освобождения места или отмены контекста.
	Send(ctx context.Context, data []byte) error

	// Close закрывает соединение и останавливает внутренние горутины.
	Close() error

	// IsConnected сообщает текущий статус соединения.
	IsConnected() bool

	// RemoteAddr возвращает адрес удалённого узла.
	RemoteAddr() string

	// Stats возвращает статистику соединения.
	Stats() ConnectionStats

	// RTT возвращает оценку round-trip time.
	RTT() time.Duration

	// OnMessage устанавливает обработчик входящих кадров.
	OnMessage(handler func(data []byte))

	// OnDisconnect устанавливает обработчик разрыва соединения.
	// err == nil означает штатное закрытие по инициативе клиента.
	OnDisconnect(handler func(err error))
}

// ChannelConfig содержит конфигурацию канала
type ChannelConfig struct {
	Type       ChannelType
	BufferSize int           // Размер буферов отправки/приёма (кадров)
	Timeout    time.Duration // Таймаут установки соединения и записи
	KeepAlive  time.Duration // Интервал ping/keep-alive
}

// DefaultChannelConfig возвращает конфигурацию канала по умолчанию
func DefaultChannelConfig(channelType ChannelType) *ChannelConfig {
	return &ChannelConfig{
		Type:       channelType,
		BufferSize: 256,
		Timeout:    10 * time.Second,
		KeepAlive:  15 * time.Second,
	}
}

// CreateChannel создаёт канал указанного типа.
func CreateChannel(config *ChannelConfig) (NetChannel, error) {
	switch config.Type {
	case ChannelWebSocket:
		return NewWSChannel(config), nil
	case ChannelKCP:
		return NewKCPChannel(config), nil
	case ChannelTCP:
		return NewTCPChannel(config), nil
	default:
		return nil, fmt.Errorf("network: unsupported channel type %v", config.Type)
	}
}
