package interact

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/mmo-client/internal/eventbus"
	"github.com/annel0/mmo-client/internal/protocol"
)

// fakeTx собирает запущенные и отменённые транзакции.
type fakeTx struct {
	mu        sync.Mutex
	nextID    int
	started   []string // recipeID
	callbacks map[string]func(*protocol.TransactionResult)
	cancelled []string
	startErr  error
}

func newFakeTx() *fakeTx {
	return &fakeTx{callbacks: make(map[string]func(*protocol.TransactionResult))}
}

func (f *fakeTx) StartTransaction(ctx context.Context, recipeID string, txContext map[string]string, cb func(*protocol.TransactionResult)) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.nextID++
	txID := fmt.Sprintf("tx-%d", f.nextID)
	f.started = append(f.started, recipeID)
	f.callbacks[txID] = cb
	return txID, nil
}

func (f *fakeTx) CancelTransactionCallback(txID string) {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, txID)
	delete(f.callbacks, txID)
	f.mu.Unlock()
}

func (f *fakeTx) deliver(txID string, result *protocol.TransactionResult) bool {
	f.mu.Lock()
	cb, ok := f.callbacks[txID]
	f.mu.Unlock()
	if ok {
		cb(result)
	}
	return ok
}

func craftGraph() *DialogueGraph {
	return &DialogueGraph{
		StartNodeID: "default",
		Nodes: map[string]*Node{
			"default": {
				ID:   "default",
				Text: "Чем могу помочь?",
				Responses: []Response{
					{Text: "Покажи варианты", NextNodeID: "options"},
					{Text: "Goodbye", NextNodeID: "options"}, // прощание сильнее перехода
				},
			},
			"options": {
				ID:   "options",
				Text: "Что будем делать?",
				Responses: []Response{
					{Text: "Скрафти доску", Action: func(ctx *ActionContext) error {
						return ctx.Machine.BeginTransaction("recipe-plank", nil, TransactionNodes{
							Pending:  "crafting",
							Complete: "done",
							Retry:    "options",
						})
					}},
					{Text: "Назад", NextNodeID: "default"},
					{Text: "Ничего"}, // без перехода — конец диалога
				},
			},
			"crafting": {
				ID:           "crafting",
				Text:         "Работаю...",
				TextTemplate: "Работаю... %.0f%%",
			},
			"done": {
				ID:           "done",
				Text:         "Готово!",
				TextTemplate: "Готово: %d шт.",
				Responses: []Response{
					{Text: "Спасибо"},
				},
			},
		},
	}
}

func newTestMachine(t *testing.T, bus eventbus.EventBus) (*Machine, *fakeTx) {
	t.Helper()
	tx := newFakeTx()
	m := NewMachine(tx, bus, Options{ErrorRetryDelay: 20 * time.Millisecond})
	m.RegisterGraph("npc-smith", craftGraph())
	m.RegisterGraph("npc-elder", craftGraph())
	t.Cleanup(m.Close)
	return m, tx
}

func currentNodeID(t *testing.T, m *Machine) string {
	t.Helper()
	node, ok := m.CurrentNode()
	require.True(t, ok, "ожидалась активная сессия")
	return node.ID
}

func TestStartAtDesignatedNode(t *testing.T) {
	m, _ := newTestMachine(t, nil)
	require.NoError(t, m.StartInteraction("npc-smith"))
	assert.Equal(t, "default", currentNodeID(t, m))
}

func TestUnknownTargetRejected(t *testing.T) {
	m, _ := newTestMachine(t, nil)
	assert.Error(t, m.StartInteraction("nobody"))
	_, ok := m.CurrentNode()
	assert.False(t, ok)
}

func TestResponseTransition(t *testing.T) {
	m, _ := newTestMachine(t, nil)
	require.NoError(t, m.StartInteraction("npc-smith"))

	require.NoError(t, m.SelectResponse(0))
	assert.Equal(t, "options", currentNodeID(t, m))

	require.NoError(t, m.SelectResponse(1))
	assert.Equal(t, "default", currentNodeID(t, m))
}

func TestFarewellOverridesConfiguredTransition(t *testing.T) {
	m, _ := newTestMachine(t, nil)
	require.NoError(t, m.StartInteraction("npc-smith"))

	// Ответ "Goodbye" указывает NextNodeID, но прощание завершает сессию
	require.NoError(t, m.SelectResponse(1))

	_, ok := m.CurrentNode()
	assert.False(t, ok, "сессия должна завершиться")
}

func TestResponseWithoutTransitionEndsSession(t *testing.T) {
	m, _ := newTestMachine(t, nil)
	require.NoError(t, m.StartInteraction("npc-smith"))
	require.NoError(t, m.SelectResponse(0))

	require.NoError(t, m.SelectResponse(2)) // "Ничего"

	_, ok := m.CurrentNode()
	assert.False(t, ok)
}

func TestSingleActiveSession(t *testing.T) {
	m, tx := newTestMachine(t, nil)
	require.NoError(t, m.StartInteraction("npc-smith"))
	require.NoError(t, m.SelectResponse(0))
	require.NoError(t, m.SelectResponse(0)) // запускает транзакцию

	// Вторая цель вытесняет первую; слушатели первой снимаются
	require.NoError(t, m.StartInteraction("npc-elder"))

	target, ok := m.ActiveTarget()
	require.True(t, ok)
	assert.Equal(t, "npc-elder", target)

	tx.mu.Lock()
	defer tx.mu.Unlock()
	assert.Equal(t, []string{"tx-1"}, tx.cancelled)
}

func TestTransactionMovesToPendingNode(t *testing.T) {
	m, tx := newTestMachine(t, nil)
	require.NoError(t, m.StartInteraction("npc-smith"))
	require.NoError(t, m.SelectResponse(0))

	require.NoError(t, m.SelectResponse(0))

	assert.Equal(t, "crafting", currentNodeID(t, m))
	tx.mu.Lock()
	defer tx.mu.Unlock()
	assert.Equal(t, []string{"recipe-plank"}, tx.started)
}

func TestProgressMutatesTextInPlace(t *testing.T) {
	m, _ := newTestMachine(t, nil)
	require.NoError(t, m.StartInteraction("npc-smith"))
	require.NoError(t, m.SelectResponse(0))
	require.NoError(t, m.SelectResponse(0))

	m.applyProgress("tx-1", 0.4)

	node, ok := m.CurrentNode()
	require.True(t, ok)
	assert.Equal(t, "crafting", node.ID, "идентичность узла не меняется")
	assert.Equal(t, "Работаю... 40%", node.Text)

	// Зарегистрированный граф не затронут мутацией живой сессии
	assert.Equal(t, "Работаю...", craftGraph().Nodes["crafting"].Text)
}

func TestCompleteParameterizesResultCount(t *testing.T) {
	m, _ := newTestMachine(t, nil)
	require.NoError(t, m.StartInteraction("npc-smith"))
	require.NoError(t, m.SelectResponse(0))
	require.NoError(t, m.SelectResponse(0))

	m.applyComplete("tx-1", 3)

	node, ok := m.CurrentNode()
	require.True(t, ok)
	assert.Equal(t, "done", node.ID)
	assert.Equal(t, "Готово: 3 шт.", node.Text)
}

func TestErrorReturnsToRetryNodeAfterDelay(t *testing.T) {
	m, _ := newTestMachine(t, nil)
	require.NoError(t, m.StartInteraction("npc-smith"))
	require.NoError(t, m.SelectResponse(0))
	require.NoError(t, m.SelectResponse(0))

	m.applyError("tx-1", "furnace is cold")

	// До истечения паузы сессия остаётся в узле ожидания
	assert.Equal(t, "crafting", currentNodeID(t, m))

	require.Eventually(t, func() bool {
		node, ok := m.CurrentNode()
		return ok && node.ID == "options"
	}, time.Second, 5*time.Millisecond)
}

func TestRejectedTransactionRestoresPriorNode(t *testing.T) {
	bus := eventbus.NewMemoryBus(16)
	defer bus.Close()
	m, tx := newTestMachine(t, bus)

	notified := make(chan *NotificationEvent, 1)
	bus.Subscribe(context.Background(), eventbus.Filter{Types: []string{EventNotification}},
		func(ctx context.Context, ev *eventbus.Envelope) {
			notified <- ev.Payload.(*NotificationEvent)
		})

	require.NoError(t, m.StartInteraction("npc-smith"))
	require.NoError(t, m.SelectResponse(0))
	require.NoError(t, m.SelectResponse(0))
	require.Equal(t, "crafting", currentNodeID(t, m))

	require.True(t, tx.deliver("tx-1", &protocol.TransactionResult{
		Success: false,
		Error:   "missing materials",
	}))

	// Сессия вернулась к узлу до запроса
	assert.Equal(t, "options", currentNodeID(t, m))

	select {
	case n := <-notified:
		assert.Equal(t, "missing materials", n.Text)
		assert.Equal(t, "error", n.Level)
	case <-time.After(time.Second):
		t.Fatal("уведомление об отказе не пришло")
	}
}

func TestStaleSignalsIgnoredAfterSessionEnd(t *testing.T) {
	m, _ := newTestMachine(t, nil)
	require.NoError(t, m.StartInteraction("npc-smith"))
	require.NoError(t, m.SelectResponse(0))
	require.NoError(t, m.SelectResponse(0))

	m.EndSession("user-close")

	// Хвост завершённой транзакции не трогает новую сессию
	require.NoError(t, m.StartInteraction("npc-smith"))
	m.applyProgress("tx-1", 0.9)
	m.applyComplete("tx-1", 5)

	assert.Equal(t, "default", currentNodeID(t, m))
}

func TestStaleErrorDoesNotRevertNewSession(t *testing.T) {
	m, _ := newTestMachine(t, nil)
	require.NoError(t, m.StartInteraction("npc-smith"))
	require.NoError(t, m.SelectResponse(0))
	require.NoError(t, m.SelectResponse(0))

	m.applyError("tx-1", "boom")
	// Сессию вытеснили до истечения паузы повтора
	require.NoError(t, m.StartInteraction("npc-elder"))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, "default", currentNodeID(t, m))
}

func TestFailedClientCheckStaysOnNode(t *testing.T) {
	bus := eventbus.NewMemoryBus(16)
	defer bus.Close()
	tx := newFakeTx()
	m := NewMachine(tx, bus, Options{})
	defer m.Close()

	m.RegisterGraph("npc", &DialogueGraph{
		StartNodeID: "default",
		Nodes: map[string]*Node{
			"default": {
				ID: "default",
				Responses: []Response{
					{Text: "Рубить", NextNodeID: "default", Action: func(ctx *ActionContext) error {
						return fmt.Errorf("требуется уровень 5")
					}},
				},
			},
		},
	})

	require.NoError(t, m.StartInteraction("npc"))
	require.NoError(t, m.SelectResponse(0))

	assert.Equal(t, "default", currentNodeID(t, m))
}

func TestScratchSurvivesTransitions(t *testing.T) {
	m, _ := newTestMachine(t, nil)

	m.RegisterGraph("npc", &DialogueGraph{
		StartNodeID: "a",
		Nodes: map[string]*Node{
			"a": {ID: "a", Responses: []Response{
				{Text: "Запомни", NextNodeID: "b", Action: func(ctx *ActionContext) error {
					ctx.Session.Scratch["choice"] = "oak"
					return nil
				}},
			}},
			"b": {ID: "b", Responses: []Response{{Text: "Дальше"}}},
		},
	})

	require.NoError(t, m.StartInteraction("npc"))
	require.NoError(t, m.SelectResponse(0))

	m.mu.Lock()
	choice := m.session.Scratch["choice"]
	m.mu.Unlock()
	assert.Equal(t, "oak", choice)
}
