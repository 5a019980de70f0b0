package app

import (
	"context"
	"time"

	"github.com/annel0/mmo-client/internal/eventbus"
	"github.com/annel0/mmo-client/internal/logging"
	"github.com/annel0/mmo-client/internal/protocol"
)

// EventChatMessage входящее сообщение чата от другого игрока или системы.
const EventChatMessage = "ChatMessage"

// ChatMessageEvent полезная нагрузка события чата.
type ChatMessageEvent struct {
	Sender    string
	Text      string
	Timestamp int64
}

// bindChat подписывает ядро на входящие сообщения чата и транслирует
// их в топик chat шины событий.
func (c *Core) bindChat() {
	c.manager.RegisterHandler(protocol.MsgChatMessage, c.handleChatFrame)
}

func (c *Core) handleChatFrame(msg *protocol.Message) {
	var cm protocol.ChatMessage
	if err := protocol.UnmarshalData(msg, &cm); err != nil {
		logging.Warn("Core: битый chat_message: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev := eventbus.NewEnvelope("core", eventbus.TopicChat, EventChatMessage, &ChatMessageEvent{
		Sender:    cm.Sender,
		Text:      cm.Text,
		Timestamp: cm.Timestamp,
	})
	if err := c.bus.Publish(ctx, ev); err != nil {
		logging.Debug("Core: событие %s не опубликовано: %v", EventChatMessage, err)
	}
}
