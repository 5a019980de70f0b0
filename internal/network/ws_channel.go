package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/annel0/mmo-client/internal/logging"
)

// WSChannel реализует NetChannel поверх WebSocket.
// Это основной канал для браузерного эндпоинта игрового сервера.
type WSChannel struct {
	config *ChannelConfig

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	closed    bool

	stats ConnectionStats
	rtt   time.Duration

	onMessage    func([]byte)
	onDisconnect func(error)

	sendBuffer chan []byte
	quit       chan struct{}
	wg         sync.WaitGroup
}

// NewWSChannel создаёт WebSocket канал с указанной конфигурацией.
func NewWSChannel(config *ChannelConfig) *WSChannel {
	return &WSChannel{
		config:     config,
		sendBuffer: make(chan []byte, config.BufferSize),
		quit:       make(chan struct{}),
	}
}

// OnMessage устанавливает обработчик входящих кадров.
func (c *WSChannel) OnMessage(handler func([]byte)) {
	c.mu.Lock()
	c.onMessage = handler
	c.mu.Unlock()
}

// OnDisconnect устанавливает обработчик разрыва соединения.
func (c *WSChannel) OnDisconnect(handler func(error)) {
	c.mu.Lock()
	c.onDisconnect = handler
	c.mu.Unlock()
}

// Connect устанавливает WebSocket соединение.
func (c *WSChannel) Connect(ctx context.Context, addr string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: c.config.Timeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}

	conn, _, err := dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("websocket dial %s: %w", addr, err)
	}

	conn.SetPongHandler(func(appData string) error {
		c.handlePong(appData)
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.stats.Connected = true
	c.stats.RemoteAddr = conn.RemoteAddr().String()
	c.stats.LastActivity = time.Now()
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()

	logging.Debug("WSChannel: соединение установлено с %s", conn.RemoteAddr())
	return nil
}

// Send ставит кадр в очередь отправки.
func (c *WSChannel) Send(ctx context.Context, data []byte) error {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	select {
	case c.sendBuffer <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		return ErrChannelClosed
	}
}

// readLoop читает кадры и передаёт их обработчику в порядке прихода.
func (c *WSChannel) readLoop() {
	defer c.wg.Done()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(err)
			return
		}

		c.mu.Lock()
		c.stats.PacketsReceived++
		c.stats.BytesReceived += uint64(len(data))
		c.stats.LastActivity = time.Now()
		handler := c.onMessage
		c.mu.Unlock()

		if handler != nil {
			handler(data)
		}
	}
}

// writeLoop отправляет кадры из буфера и периодические ping.
func (c *WSChannel) writeLoop() {
	defer c.wg.Done()

	pingTicker := time.NewTicker(c.config.KeepAlive)
	defer pingTicker.Stop()

	for {
		select {
		case data := <-c.sendBuffer:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.Timeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.handleDisconnect(err)
				return
			}
			c.mu.Lock()
			c.stats.PacketsSent++
			c.stats.BytesSent += uint64(len(data))
			c.stats.LastActivity = time.Now()
			c.mu.Unlock()

		case <-pingTicker.C:
			// RTT измеряется по отметке времени в payload ping
			payload := fmt.Sprintf("%d", time.Now().UnixNano())
			c.conn.SetWriteDeadline(time.Now().Add(c.config.Timeout))
			if err := c.conn.WriteControl(websocket.PingMessage, []byte(payload), time.Now().Add(c.config.Timeout)); err != nil {
				c.handleDisconnect(err)
				return
			}

		case <-c.quit:
			return
		}
	}
}

func (c *WSChannel) handlePong(appData string) {
	var sentNano int64
	if _, err := fmt.Sscanf(appData, "%d", &sentNano); err != nil {
		return
	}
	rtt := time.Since(time.Unix(0, sentNano))
	c.mu.Lock()
	c.rtt = rtt
	c.stats.RTT = rtt
	c.stats.LastActivity = time.Now()
	c.mu.Unlock()
}

func (c *WSChannel) handleDisconnect(err error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.stats.Connected = false
	closed := c.closed
	handler := c.onDisconnect
	c.mu.Unlock()

	if closed {
		// Штатное закрытие по инициативе клиента
		err = nil
	}
	if handler != nil {
		handler(err)
	}
}

// Close закрывает соединение.
func (c *WSChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	close(c.quit)
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
	c.wg.Wait()
	return nil
}

// IsConnected сообщает статус соединения.
func (c *WSChannel) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// RemoteAddr возвращает адрес удалённого узла.
func (c *WSChannel) RemoteAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats.RemoteAddr
}

// Stats возвращает статистику соединения.
func (c *WSChannel) Stats() ConnectionStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// RTT возвращает оценку round-trip time.
func (c *WSChannel) RTT() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rtt
}
