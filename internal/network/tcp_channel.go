package network

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/annel0/mmo-client/internal/logging"
)

// TCPChannel реализует NetChannel поверх сырого TCP.
// Резервный канал для окружений, где UDP заблокирован, а WebSocket
// избыточен. Кадры передаются с 4-байтовым префиксом длины (big-endian),
// тем же форматом, что и KCP канал.
type TCPChannel struct {
	config *ChannelConfig

	mu        sync.RWMutex
	conn      net.Conn
	connected bool
	closed    bool

	stats ConnectionStats

	onMessage    func([]byte)
	onDisconnect func(error)

	sendBuffer chan []byte
	quit       chan struct{}
	wg         sync.WaitGroup
}

// NewTCPChannel создаёт TCP канал с указанной конфигурацией.
func NewTCPChannel(config *ChannelConfig) *TCPChannel {
	return &TCPChannel{
		config:     config,
		sendBuffer: make(chan []byte, config.BufferSize),
		quit:       make(chan struct{}),
	}
}

// OnMessage устанавливает обработчик входящих кадров.
func (c *TCPChannel) OnMessage(handler func([]byte)) {
	c.mu.Lock()
	c.onMessage = handler
	c.mu.Unlock()
}

// OnDisconnect устанавливает обработчик разрыва соединения.
func (c *TCPChannel) OnDisconnect(handler func(error)) {
	c.mu.Lock()
	c.onDisconnect = handler
	c.mu.Unlock()
}

// Connect устанавливает TCP соединение.
func (c *TCPChannel) Connect(ctx context.Context, addr string) error {
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

	dialer := net.Dialer{Timeout: c.config.Timeout, KeepAlive: c.config.KeepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("tcp dial %s: %w", addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

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

	logging.Debug("TCPChannel: соединение установлено с %s", conn.RemoteAddr())
	return nil
}

// Send ставит кадр в очередь отправки.
func (c *TCPChannel) Send(ctx context.Context, data []byte) error {
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

func (c *TCPChannel) readLoop() {
	defer c.wg.Done()

	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(c.conn, header); err != nil {
			c.handleDisconnect(err)
			return
		}

		size := binary.BigEndian.Uint32(header)
		if size == 0 || size > maxFrameSize {
			c.handleDisconnect(fmt.Errorf("tcp: invalid frame size %d", size))
			return
		}

		data := make([]byte, size)
		if _, err := io.ReadFull(c.conn, data); err != nil {
			c.handleDisconnect(err)
			return
		}

		c.mu.Lock()
		c.stats.PacketsReceived++
		c.stats.BytesReceived += uint64(len(data)) + 4
		c.stats.LastActivity = time.Now()
		handler := c.onMessage
		c.mu.Unlock()

		if handler != nil {
			handler(data)
		}
	}
}

func (c *TCPChannel) writeLoop() {
	defer c.wg.Done()

	header := make([]byte, 4)
	for {
		select {
		case data := <-c.sendBuffer:
			binary.BigEndian.PutUint32(header, uint32(len(data)))
			c.conn.SetWriteDeadline(time.Now().Add(c.config.Timeout))
			if _, err := c.conn.Write(header); err != nil {
				c.handleDisconnect(err)
				return
			}
			if _, err := c.conn.Write(data); err != nil {
				c.handleDisconnect(err)
				return
			}
			c.mu.Lock()
			c.stats.PacketsSent++
			c.stats.BytesSent += uint64(len(data)) + 4
			c.stats.LastActivity = time.Now()
			c.mu.Unlock()

		case <-c.quit:
			return
		}
	}
}

func (c *TCPChannel) handleDisconnect(err error) {
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
		err = nil
	}
	if handler != nil {
		handler(err)
	}
}

// Close закрывает соединение.
func (c *TCPChannel) Close() error {
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
		conn.Close()
	}
	c.wg.Wait()
	return nil
}

// IsConnected сообщает статус соединения.
func (c *TCPChannel) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// RemoteAddr возвращает адрес удалённого узла.
func (c *TCPChannel) RemoteAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats.RemoteAddr
}

// Stats возвращает статистику соединения.
func (c *TCPChannel) Stats() ConnectionStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// RTT возвращает оценку round-trip time. Для сырого TCP собственного
// ping-механизма нет, RTT оценивается уровнем соединения по heartbeat.
func (c *TCPChannel) RTT() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats.RTT
}
