package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/annel0/mmo-client/internal/auth"
	"github.com/annel0/mmo-client/internal/eventbus"
	"github.com/annel0/mmo-client/internal/logging"
	"github.com/annel0/mmo-client/internal/network"
	"github.com/annel0/mmo-client/internal/observability"
	"github.com/annel0/mmo-client/internal/protocol"
	"github.com/annel0/mmo-client/internal/storage"
	"github.com/annel0/mmo-client/internal/util"
	"github.com/annel0/mmo-client/internal/vec"
)

// Options настройки менеджера соединения.
type Options struct {
	Addr           string
	ChannelType    network.ChannelType
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	MaxAttempts    int
	ConnectTimeout time.Duration
	Heartbeat      time.Duration
	PlayerName     string
}

// MessageHandler обрабатывает входящее сообщение протокола.
// Обработчики вызываются последовательно из горутины чтения канала,
// в порядке прихода сообщений — мутации состояния внутри обработчика
// не пересекаются с другими обработчиками.
type MessageHandler func(msg *protocol.Message)

// ChannelFactory создаёт сетевой канал. Подменяется в тестах.
type ChannelFactory func(cfg *network.ChannelConfig) (network.NetChannel, error)

// Manager владеет жизненным циклом realtime-соединения: аутентификация,
// переподключение с backoff, сохранение гостевого идентификатора.
// Все остальные компоненты ядра получают входящие сообщения через
// RegisterHandler и отправляют исходящие через Send.
type Manager struct {
	opts    Options
	codec   *protocol.Codec
	store   storage.LocalStore
	bus     eventbus.EventBus
	factory ChannelFactory

	mu            sync.Mutex
	state         State
	attempt       int
	lastConnected time.Time
	lastErr       error
	playerID      string
	guestID       string
	creds         *auth.Credentials
	channel       network.NetChannel
	reconnectTask *util.Task
	heartbeatTask *util.Task
	closed        bool
	everConnected bool
	authCh        chan *protocol.AuthResponse

	handlersMu  sync.RWMutex
	handlers    map[protocol.MsgType][]MessageHandler
	anyHandlers []MessageHandler

	pendingMu        sync.Mutex
	pendingReconcile map[string]chan []string
	pendingTx        map[string]func(*protocol.TransactionResult)
}

// NewManager создаёт менеджер соединения.
func NewManager(opts Options, store storage.LocalStore, bus eventbus.EventBus) *Manager {
	return &Manager{
		opts:             opts,
		codec:            protocol.NewCodec(),
		store:            store,
		bus:              bus,
		factory:          network.CreateChannel,
		state:            StateDisconnected,
		handlers:         make(map[protocol.MsgType][]MessageHandler),
		pendingReconcile: make(map[string]chan []string),
		pendingTx:        make(map[string]func(*protocol.TransactionResult)),
	}
}

// SetChannelFactory подменяет фабрику каналов (для тестов).
func (m *Manager) SetChannelFactory(f ChannelFactory) {
	m.mu.Lock()
	m.factory = f
	m.mu.Unlock()
}

// RegisterHandler подписывает обработчик на сообщения указанного типа.
// Регистрация допускается только до Connect.
func (m *Manager) RegisterHandler(msgType protocol.MsgType, h MessageHandler) {
	m.handlersMu.Lock()
	m.handlers[msgType] = append(m.handlers[msgType], h)
	m.handlersMu.Unlock()
}

// RegisterAnyHandler подписывает обработчик на все входящие сообщения.
func (m *Manager) RegisterAnyHandler(h MessageHandler) {
	m.handlersMu.Lock()
	m.anyHandlers = append(m.anyHandlers, h)
	m.handlersMu.Unlock()
}

// Status возвращает снимок состояния соединения.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		State:         m.state,
		Attempt:       m.attempt,
		LastConnected: m.lastConnected,
		LastError:     m.lastErr,
		PlayerID:      m.playerID,
	}
	if m.channel != nil {
		st.RTT = m.channel.RTT()
	}
	return st
}

// PlayerID возвращает идентификатор собственного игрока,
// выданный сервером при аутентификации.
func (m *Manager) PlayerID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playerID
}

// GuestIdentity возвращает текущий гостевой идентификатор.
func (m *Manager) GuestIdentity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.guestID
}

// ClearGuestIdentity удаляет гостевой идентификатор.
// Вызывается только по явному действию пользователя.
func (m *Manager) ClearGuestIdentity() error {
	m.mu.Lock()
	m.guestID = ""
	m.mu.Unlock()
	return m.store.ClearGuestIdentity()
}

// Connect устанавливает соединение. Идемпотентен: вызов в состояниях
// Connecting/Connected ничего не делает. Вызов в Reconnecting трактуется
// как ручное переподключение и сбрасывает backoff. Транзиентная ошибка
// первой попытки возвращается вызывающему, при этом переподключение
// продолжается в фоне.
func (m *Manager) Connect(ctx context.Context, creds *auth.Credentials) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}

	// Ручное переподключение сбрасывает backoff
	if m.reconnectTask != nil {
		m.reconnectTask.Cancel()
		m.reconnectTask = nil
	}
	m.attempt = 0

	if err := creds.Validate(); err != nil {
		// Заведомо негодный токен: сразу Failed, попытка не расходуется
		m.state = StateFailed
		m.lastErr = err
		m.mu.Unlock()
		m.publish(EventFailed, &FailedEvent{Reason: err.Error(), Auth: true})
		return &AuthError{Reason: err.Error()}
	}

	m.creds = creds
	if creds.IsGuest() {
		if creds.GuestSessionID != "" {
			m.guestID = creds.GuestSessionID
		} else if id, err := m.store.GuestIdentity(); err == nil {
			m.guestID = id
		}
	}

	m.state = StateConnecting
	m.mu.Unlock()

	return m.attemptOnce(ctx)
}

// attemptOnce выполняет одну попытку подключения и разруливает её исход.
func (m *Manager) attemptOnce(ctx context.Context) error {
	err := m.dialAndAuth(ctx)
	if err == nil {
		return nil
	}

	if IsAuthError(err) {
		m.mu.Lock()
		m.state = StateFailed
		m.lastErr = err
		m.mu.Unlock()
		m.publish(EventFailed, &FailedEvent{Reason: err.Error(), Auth: true})
		return err
	}

	// Транзиентная ошибка: запускаем backoff
	m.scheduleReconnect(err)
	return err
}

// dialAndAuth создаёт канал, подключается и проходит аутентификацию.
func (m *Manager) dialAndAuth(ctx context.Context) (err error) {
	ctx, span := otel.Tracer("mmo-client/connection").Start(ctx, "dial-and-auth",
		trace.WithAttributes(
			attribute.String("net.peer.addr", m.opts.Addr),
			attribute.String("channel.type", m.opts.ChannelType.String()),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	m.mu.Lock()
	factory := m.factory
	chCfg := network.DefaultChannelConfig(m.opts.ChannelType)
	chCfg.Timeout = m.opts.ConnectTimeout
	chCfg.KeepAlive = m.opts.Heartbeat
	authCh := make(chan *protocol.AuthResponse, 1)
	m.authCh = authCh
	m.mu.Unlock()

	channel, err := factory(chCfg)
	if err != nil {
		return &ConnectionError{Op: "create-channel", Err: err}
	}

	channel.OnMessage(m.handleFrame)
	channel.OnDisconnect(func(err error) { m.handleChannelDisconnect(channel, err) })

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	if err := channel.Connect(dialCtx, m.opts.Addr); err != nil {
		return &ConnectionError{Op: "dial", Err: err}
	}

	m.mu.Lock()
	m.channel = channel
	creds := m.creds
	guestID := m.guestID
	m.mu.Unlock()

	// Аутентификация
	req := &protocol.AuthRequest{Name: m.opts.PlayerName}
	if creds.Name != "" {
		req.Name = creds.Name
	}
	if creds.IsGuest() {
		req.GuestSessionID = guestID
	} else {
		req.Token = creds.Token
	}
	if err := m.send(dialCtx, protocol.MsgAuth, req); err != nil {
		channel.Close()
		return &ConnectionError{Op: "auth-send", Err: err}
	}

	select {
	case resp := <-authCh:
		if !resp.Success {
			channel.Close()
			return &AuthError{Reason: resp.Message}
		}
		m.finalizeConnect(resp)
		return nil
	case <-dialCtx.Done():
		channel.Close()
		return &ConnectionError{Op: "auth-wait", Err: dialCtx.Err()}
	}
}

// finalizeConnect фиксирует успешное подключение.
func (m *Manager) finalizeConnect(resp *protocol.AuthResponse) {
	m.mu.Lock()
	m.state = StateConnected
	m.attempt = 0
	m.lastConnected = time.Now()
	m.lastErr = nil
	m.playerID = resp.PlayerID
	resumed := m.everConnected
	m.everConnected = true

	// Гостевой идентификатор создаётся при первом успешном подключении
	// и далее не меняется.
	if m.creds.IsGuest() && m.guestID == "" {
		m.guestID = uuid.NewString()
		if err := m.store.SetGuestIdentity(m.guestID); err != nil {
			logging.Warn("ConnectionManager: не удалось сохранить гостевой идентификатор: %v", err)
		}
	}
	if !m.creds.IsGuest() {
		if err := m.store.SetCredential(m.creds.Token); err != nil {
			logging.Warn("ConnectionManager: не удалось сохранить учётные данные: %v", err)
		}
	}
	guestID := m.guestID

	if m.heartbeatTask != nil {
		m.heartbeatTask.Cancel()
	}
	if m.opts.Heartbeat > 0 {
		m.heartbeatTask = util.Every(m.opts.Heartbeat, m.sendHeartbeat)
	}
	m.mu.Unlock()

	observability.RecordConnected()
	logging.Info("✅ ConnectionManager: подключено, playerID=%s", resp.PlayerID)
	m.publish(EventConnected, &ConnectedEvent{PlayerID: resp.PlayerID, GuestID: guestID, Resumed: resumed})
}

// handleChannelDisconnect реагирует на разрыв соединения.
func (m *Manager) handleChannelDisconnect(ch network.NetChannel, err error) {
	m.mu.Lock()
	if m.channel != ch {
		// Событие от вытесненного канала
		m.mu.Unlock()
		return
	}
	m.channel = nil
	if m.heartbeatTask != nil {
		m.heartbeatTask.Cancel()
		m.heartbeatTask = nil
	}
	if m.closed || m.state == StateDisconnected || err == nil {
		// Штатное закрытие
		m.mu.Unlock()
		return
	}
	wasConnected := m.state == StateConnected
	m.lastErr = err
	m.mu.Unlock()

	if wasConnected {
		logging.Warn("⚠️ ConnectionManager: соединение потеряно: %v", err)
		m.publish(EventDisconnected, &DisconnectedEvent{Reason: err.Error()})
	}
	m.scheduleReconnect(err)
}

// scheduleReconnect планирует следующую попытку с линейно растущей задержкой.
func (m *Manager) scheduleReconnect(cause error) {
	m.mu.Lock()
	if m.closed || m.state == StateFailed {
		m.mu.Unlock()
		return
	}
	if m.state == StateReconnecting && m.reconnectTask != nil {
		// Попытка уже запланирована: обрыв посреди рукопожатия приводит
		// сюда дважды — из обработчика разрыва канала и из провалившейся
		// попытки. Один сбой расходует одну попытку.
		m.mu.Unlock()
		return
	}

	m.attempt++
	if m.attempt > m.opts.MaxAttempts {
		m.state = StateFailed
		m.lastErr = ErrAttemptsExhausted
		m.mu.Unlock()
		logging.Error("❌ ConnectionManager: попытки переподключения исчерпаны (%d)", m.opts.MaxAttempts)
		m.publish(EventFailed, &FailedEvent{Reason: ErrAttemptsExhausted.Error()})
		return
	}

	m.state = StateReconnecting
	delay := m.opts.BackoffBase * time.Duration(m.attempt)
	if delay > m.opts.BackoffMax {
		delay = m.opts.BackoffMax
	}
	attempt := m.attempt

	if m.reconnectTask != nil {
		m.reconnectTask.Cancel()
	}
	m.reconnectTask = util.After(delay, m.runReconnectAttempt)
	m.mu.Unlock()

	observability.RecordReconnectAttempt()
	logging.Info("🔄 ConnectionManager: попытка %d через %v (%v)", attempt, delay, cause)
	m.publish(EventReconnecting, &ReconnectingEvent{Attempt: attempt, Delay: delay})
}

// runReconnectAttempt выполняется задачей backoff.
func (m *Manager) runReconnectAttempt() {
	m.mu.Lock()
	if m.closed || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	m.mu.Unlock()

	_ = m.attemptOnce(context.Background())
}

// Disconnect разрывает соединение и отменяет переподключение.
// Безопасен для повторных вызовов.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.reconnectTask != nil {
		m.reconnectTask.Cancel()
		m.reconnectTask = nil
	}
	if m.heartbeatTask != nil {
		m.heartbeatTask.Cancel()
		m.heartbeatTask = nil
	}
	channel := m.channel
	m.channel = nil
	wasConnected := m.state == StateConnected
	m.state = StateDisconnected
	m.attempt = 0
	m.mu.Unlock()

	if channel != nil {
		channel.Close()
	}
	if wasConnected {
		m.publish(EventDisconnected, &DisconnectedEvent{Reason: "client disconnect"})
	}
}

// Close останавливает менеджер окончательно.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.Disconnect()
}

// Send отправляет сообщение серверу.
func (m *Manager) Send(ctx context.Context, msgType protocol.MsgType, payload interface{}) error {
	return m.send(ctx, msgType, payload)
}

func (m *Manager) send(ctx context.Context, msgType protocol.MsgType, payload interface{}) error {
	m.mu.Lock()
	channel := m.channel
	m.mu.Unlock()

	if channel == nil {
		return &ConnectionError{Op: "send", Err: network.ErrNotConnected}
	}

	data, err := m.codec.Encode(msgType, payload)
	if err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	if err := channel.Send(ctx, data); err != nil {
		return &ConnectionError{Op: "send", Err: err}
	}
	observability.RecordMessageOut(string(msgType))
	return nil
}

func (m *Manager) sendHeartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.send(ctx, protocol.MsgPing, nil); err != nil {
		logging.Debug("ConnectionManager: heartbeat не отправлен: %v", err)
	}
}

// PersistPosition сохраняет последнюю подтверждённую позицию локально,
// чтобы продолжить с неё после перезагрузки страницы.
func (m *Manager) PersistPosition(pos vec.Vec3Float, rotationY float64) {
	saved := &storage.SavedPosition{Position: pos, RotationY: rotationY}
	if err := m.store.SetLastPosition(saved); err != nil {
		logging.Warn("ConnectionManager: не удалось сохранить позицию: %v", err)
	}
}

// LastSavedPosition возвращает сохранённую позицию, если она есть.
func (m *Manager) LastSavedPosition() (*storage.SavedPosition, bool) {
	saved, err := m.store.LastPosition()
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logging.Warn("ConnectionManager: чтение сохранённой позиции: %v", err)
		}
		return nil, false
	}
	return saved, true
}

// ReconcileRoster отправляет локальный набор ID и ожидает авторитетный
// набор от сервера.
func (m *Manager) ReconcileRoster(ctx context.Context, localIDs []string) ([]string, error) {
	requestID := uuid.NewString()
	respCh := make(chan []string, 1)

	m.pendingMu.Lock()
	m.pendingReconcile[requestID] = respCh
	m.pendingMu.Unlock()

	defer func() {
		m.pendingMu.Lock()
		delete(m.pendingReconcile, requestID)
		m.pendingMu.Unlock()
	}()

	req := &protocol.ReconcileRequest{RequestID: requestID, LocalIDs: localIDs}
	if err := m.send(ctx, protocol.MsgReconcileRoster, req); err != nil {
		return nil, err
	}

	select {
	case serverIDs := <-respCh:
		return serverIDs, nil
	case <-ctx.Done():
		return nil, &ConnectionError{Op: "reconcile-wait", Err: ctx.Err()}
	}
}

// RequestFullRoster запрашивает полный состав игроков.
func (m *Manager) RequestFullRoster(ctx context.Context) error {
	return m.send(ctx, protocol.MsgRequestFullRoster, nil)
}

// StartTransaction запускает длительную транзакцию и регистрирует
// callback на её итог. Возвращает идентификатор транзакции.
func (m *Manager) StartTransaction(ctx context.Context, recipeID string, txContext map[string]string, cb func(*protocol.TransactionResult)) (string, error) {
	txID := uuid.NewString()

	m.pendingMu.Lock()
	m.pendingTx[txID] = cb
	m.pendingMu.Unlock()

	req := &protocol.TransactionStart{TransactionID: txID, RecipeID: recipeID, Context: txContext}
	if err := m.send(ctx, protocol.MsgTransactionStart, req); err != nil {
		m.pendingMu.Lock()
		delete(m.pendingTx, txID)
		m.pendingMu.Unlock()
		return "", err
	}
	return txID, nil
}

// CancelTransactionCallback снимает callback транзакции.
// Вызывается при вытеснении сессии взаимодействия более новой.
func (m *Manager) CancelTransactionCallback(txID string) {
	m.pendingMu.Lock()
	delete(m.pendingTx, txID)
	m.pendingMu.Unlock()
}

// handleFrame разбирает входящий кадр и раздаёт его обработчикам.
// Вызывается последовательно из горутины чтения канала: обработчики
// выполняются до конца, прежде чем будет разобран следующий кадр.
func (m *Manager) handleFrame(raw []byte) {
	msg, err := m.codec.Decode(raw)
	if err != nil {
		// Сообщение отбрасывается, цикл обработки продолжается
		logging.LogProtocolError(m.opts.Addr, err, raw)
		observability.RecordProtocolError()
		return
	}
	observability.RecordMessageIn(string(msg.Type))

	switch msg.Type {
	case protocol.MsgAuthResponse:
		var resp protocol.AuthResponse
		if err := protocol.UnmarshalData(msg, &resp); err != nil {
			logging.LogProtocolError(m.opts.Addr, err, raw)
			return
		}
		m.mu.Lock()
		authCh := m.authCh
		m.mu.Unlock()
		if authCh != nil {
			select {
			case authCh <- &resp:
			default:
			}
		}
		return

	case protocol.MsgPong:
		return

	case protocol.MsgReconcileResponse:
		var resp protocol.ReconcileResponse
		if err := protocol.UnmarshalData(msg, &resp); err != nil {
			logging.LogProtocolError(m.opts.Addr, err, raw)
			return
		}
		m.pendingMu.Lock()
		respCh, ok := m.pendingReconcile[resp.RequestID]
		m.pendingMu.Unlock()
		if ok {
			select {
			case respCh <- resp.ServerIDs:
			default:
			}
		}
		return

	case protocol.MsgTransactionResult:
		var result protocol.TransactionResult
		if err := protocol.UnmarshalData(msg, &result); err != nil {
			logging.LogProtocolError(m.opts.Addr, err, raw)
			return
		}
		m.pendingMu.Lock()
		cb, ok := m.pendingTx[result.TransactionID]
		delete(m.pendingTx, result.TransactionID)
		m.pendingMu.Unlock()
		if ok {
			cb(&result)
		}
		return
	}

	// Прикладные сообщения раздаются подписчикам в порядке прихода
	m.handlersMu.RLock()
	typed := m.handlers[msg.Type]
	anyHandlers := m.anyHandlers
	m.handlersMu.RUnlock()

	for _, h := range typed {
		h(msg)
	}
	for _, h := range anyHandlers {
		h(msg)
	}
}

// publish отправляет событие в топик connection.
func (m *Manager) publish(eventType string, payload interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev := eventbus.NewEnvelope("connection", eventbus.TopicConnection, eventType, payload)
	if err := m.bus.Publish(ctx, ev); err != nil {
		logging.Debug("ConnectionManager: событие %s не опубликовано: %v", eventType, err)
	}
}
