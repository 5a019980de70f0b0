package interact

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/annel0/mmo-client/internal/connection"
	"github.com/annel0/mmo-client/internal/eventbus"
	"github.com/annel0/mmo-client/internal/logging"
	"github.com/annel0/mmo-client/internal/observability"
	"github.com/annel0/mmo-client/internal/protocol"
	"github.com/annel0/mmo-client/internal/util"
)

// Типы событий топика interaction.
const (
	EventSessionStarted = "SessionStarted"
	EventNodeChanged    = "NodeChanged"
	EventSessionEnded   = "SessionEnded"
	EventNotification   = "Notification"
)

// SessionStartedEvent публикуется при начале сессии взаимодействия.
type SessionStartedEvent struct {
	SessionID string
	TargetID  string
}

// NodeChangedEvent публикуется при каждой смене или мутации узла.
type NodeChangedEvent struct {
	SessionID string
	NodeID    string
	Text      string
	Responses []string
}

// SessionEndedEvent публикуется при завершении сессии.
type SessionEndedEvent struct {
	SessionID string
	Reason    string
}

// NotificationEvent транзиентное уведомление для UI.
type NotificationEvent struct {
	Text  string
	Level string // info | error
}

// Session живое состояние обмена с одной целью.
// В системе существует не более одной сессии одновременно.
type Session struct {
	ID            string // идентичность сессии, отсекает устаревшие сигналы
	TargetID      string
	CurrentNodeID string
	Scratch       map[string]string

	nodes      map[string]*Node
	prevNodeID string // узел до запуска транзакции, для отката при отказе
}

// TxConn контракт транзакций менеджера соединения.
type TxConn interface {
	StartTransaction(ctx context.Context, recipeID string, txContext map[string]string, cb func(*protocol.TransactionResult)) (string, error)
	CancelTransactionCallback(txID string)
}

// HandlerRegistry регистрация обработчиков входящих сообщений.
type HandlerRegistry interface {
	RegisterHandler(msgType protocol.MsgType, h connection.MessageHandler)
}

// TransactionNodes узлы, через которые проходит длительная транзакция.
type TransactionNodes struct {
	Pending  string // узел ожидания; его текст мутируется прогрессом
	Complete string // терминальный узел успеха
	Retry    string // узел повтора после ошибки
}

// Options настройки машины взаимодействий.
type Options struct {
	FarewellPhrases []string      // фразы, безусловно завершающие сессию
	ErrorRetryDelay time.Duration // пауза перед возвратом к узлу повтора
}

func (o *Options) withDefaults() Options {
	out := *o
	if len(out.FarewellPhrases) == 0 {
		out.FarewellPhrases = []string{"Goodbye", "Farewell", "Bye", "До встречи", "Прощай"}
	}
	if out.ErrorRetryDelay <= 0 {
		out.ErrorRetryDelay = 2 * time.Second
	}
	return out
}

// pendingTx длительная транзакция, привязанная к сессии.
type pendingTx struct {
	txID      string
	sessionID string
	nodes     TransactionNodes
}

// Machine машина взаимодействий: обход графа диалога, глобальный
// инвариант единственной сессии, длительные транзакции с
// прогрессом/завершением/ошибкой.
type Machine struct {
	conn TxConn
	bus  eventbus.EventBus
	opts Options

	mu        sync.Mutex
	graphs    map[string]*DialogueGraph
	session   *Session
	pending   *pendingTx
	retryTask *util.Task
}

// NewMachine создаёт машину взаимодействий.
func NewMachine(conn TxConn, bus eventbus.EventBus, opts Options) *Machine {
	return &Machine{
		conn:   conn,
		bus:    bus,
		opts:   opts.withDefaults(),
		graphs: make(map[string]*DialogueGraph),
	}
}

// RegisterGraph регистрирует граф диалога цели.
func (m *Machine) RegisterGraph(targetID string, g *DialogueGraph) {
	m.mu.Lock()
	m.graphs[targetID] = g
	m.mu.Unlock()
}

// Bind подписывает машину на сигналы транзакций.
func (m *Machine) Bind(reg HandlerRegistry) {
	reg.RegisterHandler(protocol.MsgTransactionProgress, func(msg *protocol.Message) {
		var p protocol.TransactionProgress
		if err := protocol.UnmarshalData(msg, &p); err != nil {
			logging.Warn("InteractionStateMachine: битый transaction_progress: %v", err)
			return
		}
		m.applyProgress(p.TransactionID, p.Progress)
	})
	reg.RegisterHandler(protocol.MsgTransactionComplete, func(msg *protocol.Message) {
		var c protocol.TransactionComplete
		if err := protocol.UnmarshalData(msg, &c); err != nil {
			logging.Warn("InteractionStateMachine: битый transaction_complete: %v", err)
			return
		}
		m.applyComplete(c.TransactionID, c.ResultCount)
	})
	reg.RegisterHandler(protocol.MsgTransactionError, func(msg *protocol.Message) {
		var e protocol.TransactionError
		if err := protocol.UnmarshalData(msg, &e); err != nil {
			logging.Warn("InteractionStateMachine: битый transaction_error: %v", err)
			return
		}
		m.applyError(e.TransactionID, e.Message)
	})
}

// StartInteraction начинает сессию с целью. Активная сессия другой цели
// завершается, её отложенные слушатели снимаются.
func (m *Machine) StartInteraction(targetID string) error {
	m.mu.Lock()
	graph, ok := m.graphs[targetID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("interact: нет графа диалога для цели %s", targetID)
	}

	m.EndSession("superseded")

	session := &Session{
		ID:            uuid.NewString(),
		TargetID:      targetID,
		CurrentNodeID: graph.StartNodeID,
		Scratch:       make(map[string]string),
		nodes:         graph.cloneNodes(),
	}

	m.mu.Lock()
	m.session = session
	m.mu.Unlock()

	observability.SetInteractionActive(true)
	logging.Info("InteractionStateMachine: сессия %s с целью %s", session.ID, targetID)
	m.publish(eventbus.TopicInteraction, EventSessionStarted, &SessionStartedEvent{
		SessionID: session.ID,
		TargetID:  targetID,
	})
	m.publishNode(session)
	return nil
}

// EndSession завершает активную сессию, если она есть. Отложенные
// слушатели транзакций и таймер повтора снимаются.
func (m *Machine) EndSession(reason string) {
	m.mu.Lock()
	session := m.session
	m.session = nil
	pending := m.pending
	m.pending = nil
	retry := m.retryTask
	m.retryTask = nil
	m.mu.Unlock()

	if retry != nil {
		retry.Cancel()
	}
	if pending != nil {
		m.conn.CancelTransactionCallback(pending.txID)
	}
	if session == nil {
		return
	}

	observability.SetInteractionActive(false)
	logging.Debug("InteractionStateMachine: сессия %s завершена (%s)", session.ID, reason)
	m.publish(eventbus.TopicInteraction, EventSessionEnded, &SessionEndedEvent{
		SessionID: session.ID,
		Reason:    reason,
	})
}

// SelectResponse выбирает вариант ответа в текущем узле: выполняет его
// действие и переходит дальше. Прощальная фраза завершает сессию
// независимо от настроенного перехода.
func (m *Machine) SelectResponse(index int) error {
	m.mu.Lock()
	session := m.session
	if session == nil {
		m.mu.Unlock()
		return fmt.Errorf("interact: нет активной сессии")
	}
	node, ok := session.nodes[session.CurrentNodeID]
	if !ok || index < 0 || index >= len(node.Responses) {
		m.mu.Unlock()
		return fmt.Errorf("interact: нет варианта %d в узле %s", index, session.CurrentNodeID)
	}
	resp := node.Responses[index]
	nodeBefore := session.CurrentNodeID
	m.mu.Unlock()

	if resp.Action != nil {
		if err := resp.Action(&ActionContext{Machine: m, Session: session}); err != nil {
			// Клиентская проверка не прошла: остаёмся на месте
			m.notify(err.Error(), "error")
			return nil
		}
	}

	// Прощание сильнее настроенного перехода
	if m.isFarewell(resp.Text) {
		m.EndSession("farewell")
		return nil
	}

	m.mu.Lock()
	if m.session != session || session.CurrentNodeID != nodeBefore {
		// Действие уже перевело сессию (например, в узел ожидания)
		// либо завершило её
		m.mu.Unlock()
		return nil
	}
	if resp.NextNodeID == "" {
		m.mu.Unlock()
		m.EndSession("dialogue-end")
		return nil
	}
	if _, ok := session.nodes[resp.NextNodeID]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("interact: переход в несуществующий узел %s", resp.NextNodeID)
	}
	session.CurrentNodeID = resp.NextNodeID
	m.mu.Unlock()

	m.publishNode(session)
	return nil
}

// BeginTransaction запускает длительную транзакцию из действия варианта
// ответа: сессия переходит в узел ожидания, итог привязывается к
// идентичности сессии.
func (m *Machine) BeginTransaction(recipeID string, txContext map[string]string, nodes TransactionNodes) error {
	m.mu.Lock()
	session := m.session
	if session == nil {
		m.mu.Unlock()
		return fmt.Errorf("interact: транзакция без активной сессии")
	}
	if _, ok := session.nodes[nodes.Pending]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("interact: нет узла ожидания %s", nodes.Pending)
	}
	sessionID := session.ID
	session.prevNodeID = session.CurrentNodeID
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	txID, err := m.conn.StartTransaction(ctx, recipeID, txContext, func(result *protocol.TransactionResult) {
		m.handleResult(sessionID, result)
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.session != session {
		// Сессию вытеснили, пока запрос был в полёте
		m.mu.Unlock()
		m.conn.CancelTransactionCallback(txID)
		return nil
	}
	m.pending = &pendingTx{txID: txID, sessionID: sessionID, nodes: nodes}
	session.CurrentNodeID = nodes.Pending
	m.mu.Unlock()

	m.publishNode(session)
	return nil
}

// handleResult обрабатывает немедленный итог транзакции. Отказ сервера
// возвращает сессию к узлу до запроса, оптимистичные эффекты не применяются.
func (m *Machine) handleResult(sessionID string, result *protocol.TransactionResult) {
	if result.Success {
		return // успех приходит сигналами progress/complete
	}

	m.mu.Lock()
	session := m.session
	if session == nil || session.ID != sessionID {
		m.mu.Unlock()
		return // устаревший сигнал завершившейся сессии
	}
	m.pending = nil
	session.CurrentNodeID = session.prevNodeID
	m.mu.Unlock()

	logging.Info("InteractionStateMachine: транзакция отклонена: %s", result.Error)
	m.notify(result.Error, "error")
	m.publishNode(session)
}

// applyProgress мутирует текст узла ожидания на месте, идентичность
// узла не меняется.
func (m *Machine) applyProgress(txID string, progress float64) {
	m.mu.Lock()
	session, pending := m.matchPendingLocked(txID)
	if session == nil {
		m.mu.Unlock()
		return
	}
	node := session.nodes[pending.nodes.Pending]
	if node.TextTemplate != "" {
		node.Text = fmt.Sprintf(node.TextTemplate, progress*100)
	} else {
		node.Text = fmt.Sprintf("%.0f%%", progress*100)
	}
	m.mu.Unlock()

	m.publishNode(session)
}

// applyComplete переводит сессию в терминальный узел успеха,
// параметризуя его текст числом результата.
func (m *Machine) applyComplete(txID string, resultCount int) {
	m.mu.Lock()
	session, pending := m.matchPendingLocked(txID)
	if session == nil {
		m.mu.Unlock()
		return
	}
	m.pending = nil
	session.CurrentNodeID = pending.nodes.Complete
	if node, ok := session.nodes[pending.nodes.Complete]; ok && node.TextTemplate != "" {
		node.Text = fmt.Sprintf(node.TextTemplate, resultCount)
	}
	m.mu.Unlock()

	m.publishNode(session)
}

// applyError уведомляет об ошибке и после паузы возвращает сессию
// к узлу повтора. Возврат отменяется, если сессию успели вытеснить.
func (m *Machine) applyError(txID string, message string) {
	m.mu.Lock()
	session, pending := m.matchPendingLocked(txID)
	if session == nil {
		m.mu.Unlock()
		return
	}
	m.pending = nil
	sessionID := session.ID
	retryNode := pending.nodes.Retry

	if m.retryTask != nil {
		m.retryTask.Cancel()
	}
	m.retryTask = util.After(m.opts.ErrorRetryDelay, func() {
		m.returnToRetry(sessionID, retryNode)
	})
	m.mu.Unlock()

	m.notify(message, "error")
}

func (m *Machine) returnToRetry(sessionID, retryNode string) {
	m.mu.Lock()
	session := m.session
	if session == nil || session.ID != sessionID {
		m.mu.Unlock()
		return
	}
	if _, ok := session.nodes[retryNode]; !ok {
		m.mu.Unlock()
		return
	}
	session.CurrentNodeID = retryNode
	m.mu.Unlock()

	m.publishNode(session)
}

// matchPendingLocked сопоставляет сигнал транзакции с живой сессией.
// Вызывается под m.mu.
func (m *Machine) matchPendingLocked(txID string) (*Session, *pendingTx) {
	if m.pending == nil || m.pending.txID != txID {
		return nil, nil
	}
	if m.session == nil || m.session.ID != m.pending.sessionID {
		return nil, nil
	}
	return m.session, m.pending
}

// CurrentNode возвращает копию текущего узла активной сессии.
func (m *Machine) CurrentNode() (Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Node{}, false
	}
	node, ok := m.session.nodes[m.session.CurrentNodeID]
	if !ok {
		return Node{}, false
	}
	return *node, true
}

// ActiveTarget возвращает цель активной сессии.
func (m *Machine) ActiveTarget() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return "", false
	}
	return m.session.TargetID, true
}

// Close завершает активную сессию.
func (m *Machine) Close() {
	m.EndSession("teardown")
}

func (m *Machine) isFarewell(text string) bool {
	for _, phrase := range m.opts.FarewellPhrases {
		if strings.EqualFold(strings.TrimSpace(text), phrase) {
			return true
		}
	}
	return false
}

func (m *Machine) publishNode(session *Session) {
	m.mu.Lock()
	if m.session != session {
		m.mu.Unlock()
		return
	}
	node, ok := session.nodes[session.CurrentNodeID]
	if !ok {
		m.mu.Unlock()
		return
	}
	texts := make([]string, len(node.Responses))
	for i, r := range node.Responses {
		texts[i] = r.Text
	}
	ev := &NodeChangedEvent{
		SessionID: session.ID,
		NodeID:    node.ID,
		Text:      node.Text,
		Responses: texts,
	}
	m.mu.Unlock()

	m.publish(eventbus.TopicInteraction, EventNodeChanged, ev)
}

func (m *Machine) notify(text, level string) {
	m.publish(eventbus.TopicNotification, EventNotification, &NotificationEvent{Text: text, Level: level})
}

func (m *Machine) publish(topic eventbus.Topic, eventType string, payload interface{}) {
	if m.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev := eventbus.NewEnvelope("interact", topic, eventType, payload)
	if err := m.bus.Publish(ctx, ev); err != nil {
		logging.Debug("InteractionStateMachine: событие %s не опубликовано: %v", eventType, err)
	}
}
