package network

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	kcp "github.com/xtaci/kcp-go/v5"

	"github.com/annel0/mmo-client/internal/logging"
)

// maxFrameSize ограничивает размер кадра, защищая от повреждённого
// заголовка длины.
const maxFrameSize = 4 << 20

// KCPChannel реализует NetChannel поверх KCP (UDP).
// Используется нативными сборками клиента, где важна низкая задержка.
// Кадры передаются с 4-байтовым префиксом длины (big-endian).
type KCPChannel struct {
	config *ChannelConfig

	mu        sync.RWMutex
	session   *kcp.UDPSession
	connected bool
	closed    bool

	stats ConnectionStats

	onMessage    func([]byte)
	onDisconnect func(error)

	sendBuffer chan []byte
	quit       chan struct{}
	wg         sync.WaitGroup
}

// NewKCPChannel создаёт KCP канал с указанной конфигурацией.
func NewKCPChannel(config *ChannelConfig) *KCPChannel {
	return &KCPChannel{
		config:     config,
		sendBuffer: make(chan []byte, config.BufferSize),
		quit:       make(chan struct{}),
	}
}

// OnMessage устанавливает обработчик входящих кадров.
func (c *KCPChannel) OnMessage(handler func([]byte)) {
	c.mu.Lock()
	c.onMessage = handler
	c.mu.Unlock()
}

// OnDisconnect устанавливает обработчик разрыва соединения.
func (c *KCPChannel) OnDisconnect(handler func(error)) {
	c.mu.Lock()
	c.onDisconnect = handler
	c.mu.Unlock()
}

// Connect устанавливает KCP сессию.
func (c *KCPChannel) Connect(ctx context.Context, addr string) error {
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

	session, err := kcp.DialWithOptions(addr, nil, 0, 0)
	if err != nil {
		return fmt.Errorf("kcp dial %s: %w", addr, err)
	}

	// Режим низкой задержки: nodelay, быстрый resend, без congestion control
	session.SetNoDelay(1, 10, 2, 1)
	session.SetStreamMode(true)
	session.SetWindowSize(256, 256)

	c.mu.Lock()
	c.session = session
	c.connected = true
	c.stats.Connected = true
	c.stats.RemoteAddr = session.RemoteAddr().String()
	c.stats.LastActivity = time.Now()
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()

	logging.Debug("KCPChannel: сессия установлена с %s", session.RemoteAddr())
	return nil
}

// Send ставит кадр в очередь отправки.
func (c *KCPChannel) Send(ctx context.Context, data []byte) error {
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

func (c *KCPChannel) readLoop() {
	defer c.wg.Done()

	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(c.session, header); err != nil {
			c.handleDisconnect(err)
			return
		}

		size := binary.BigEndian.Uint32(header)
		if size == 0 || size > maxFrameSize {
			c.handleDisconnect(fmt.Errorf("kcp: invalid frame size %d", size))
			return
		}

		data := make([]byte, size)
		if _, err := io.ReadFull(c.session, data); err != nil {
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

func (c *KCPChannel) writeLoop() {
	defer c.wg.Done()

	header := make([]byte, 4)
	for {
		select {
		case data := <-c.sendBuffer:
			binary.BigEndian.PutUint32(header, uint32(len(data)))
			c.session.SetWriteDeadline(time.Now().Add(c.config.Timeout))
			if _, err := c.session.Write(header); err != nil {
				c.handleDisconnect(err)
				return
			}
			if _, err := c.session.Write(data); err != nil {
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

func (c *KCPChannel) handleDisconnect(err error) {
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

// Close закрывает сессию.
func (c *KCPChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	session := c.session
	c.mu.Unlock()

	close(c.quit)
	if session != nil {
		session.Close()
	}
	c.wg.Wait()
	return nil
}

// IsConnected сообщает статус соединения.
func (c *KCPChannel) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// RemoteAddr возвращает адрес удалённого узла.
func (c *KCPChannel) RemoteAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats.RemoteAddr
}

// Stats возвращает статистику соединения.
func (c *KCPChannel) Stats() ConnectionStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// RTT возвращает оценку round-trip time из внутренних счётчиков KCP.
func (c *KCPChannel) RTT() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats.RTT
}
