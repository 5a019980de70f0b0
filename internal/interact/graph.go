package interact

// ActionContext передаётся действию варианта ответа.
type ActionContext struct {
	Machine *Machine
	Session *Session
}

// ActionFunc побочное действие варианта ответа: мутация scratch-данных
// сессии или запрос к серверу. Возвращённая ошибка трактуется как
// клиентская проверка непригодности: переход не выполняется, игроку
// показывается транзиентное уведомление. Проверка только справочная —
// финальное слово за ответом сервера.
type ActionFunc func(ctx *ActionContext) error

// Response вариант ответа в узле диалога.
type Response struct {
	Text       string
	NextNodeID string // пустой — сессия завершается после выбора
	Action     ActionFunc
}

// Node узел диалога. Text может мутироваться на месте (прогресс
// транзакции) без смены идентичности узла. TextTemplate — шаблон
// для параметризации текста (например, числом результата крафта).
type Node struct {
	ID           string
	Text         string
	TextTemplate string
	Responses    []Response
}

// DialogueGraph граф диалога одной цели: узлы и стартовый узел.
// Структура неизменяемая после регистрации; машина работает с
// копией узлов на каждую сессию.
type DialogueGraph struct {
	StartNodeID string
	Nodes       map[string]*Node
}

// cloneNodes возвращает глубокую копию узлов: текст живой сессии
// мутируется, не задевая зарегистрированный граф.
func (g *DialogueGraph) cloneNodes() map[string]*Node {
	out := make(map[string]*Node, len(g.Nodes))
	for id, node := range g.Nodes {
		copied := *node
		copied.Responses = make([]Response, len(node.Responses))
		copy(copied.Responses, node.Responses)
		out[id] = &copied
	}
	return out
}
