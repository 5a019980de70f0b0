package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
)

// ErrMalformedMessage возвращается при невозможности разобрать входящее
// сообщение. Такие сообщения отбрасываются, цикл обработки не прерывается.
var ErrMalformedMessage = errors.New("protocol: malformed message")

// Envelope транспортный конверт сообщения.
// Полезная нагрузка либо в Data (обычный JSON), либо в Zdata
// (gzip, base64 при JSON-кодировании), если включена компрессия
// и сериализованный размер превысил порог.
type Envelope struct {
	Type      MsgType         `json:"type"`
	Timestamp int64           `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
	Zdata     []byte          `json:"zdata,omitempty"`
}

// Message разобранное входящее сообщение с уже распакованной нагрузкой.
type Message struct {
	Type      MsgType
	Timestamp int64
	Data      json.RawMessage
}

// Codec кодирует и декодирует сообщения протокола.
// Компрессия применяется только к нагрузкам крупнее порога —
// снимки мира и полный состав игроков; позиционные сообщения
// всегда идут без компрессии.
type Codec struct {
	CompressEnabled   bool
	CompressThreshold int // байт; 0 — значение по умолчанию
}

const defaultCompressThreshold = 1024

// NewCodec создаёт кодек с настройками по умолчанию.
func NewCodec() *Codec {
	return &Codec{CompressEnabled: true, CompressThreshold: defaultCompressThreshold}
}

// Encode сериализует сообщение в транспортный конверт.
func (c *Codec) Encode(msgType MsgType, payload interface{}) ([]byte, error) {
	env := Envelope{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", msgType, err)
		}

		threshold := c.CompressThreshold
		if threshold <= 0 {
			threshold = defaultCompressThreshold
		}

		if c.CompressEnabled && len(data) > threshold {
			var buf bytes.Buffer
			gz := gzip.NewWriter(&buf)
			if _, err := gz.Write(data); err != nil {
				return nil, fmt.Errorf("encode %s: gzip: %w", msgType, err)
			}
			if err := gz.Close(); err != nil {
				return nil, fmt.Errorf("encode %s: gzip: %w", msgType, err)
			}
			env.Zdata = buf.Bytes()
		} else {
			env.Data = data
		}
	}

	return json.Marshal(&env)
}

// Decode разбирает транспортный конверт и распаковывает нагрузку.
func (c *Codec) Decode(raw []byte) (*Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Type == MsgUnknown {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}

	msg := &Message{Type: env.Type, Timestamp: env.Timestamp, Data: env.Data}

	if len(env.Zdata) > 0 {
		gz, err := gzip.NewReader(bytes.NewReader(env.Zdata))
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrMalformedMessage, err)
		}
		defer gz.Close()

		data, err := io.ReadAll(gz)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrMalformedMessage, err)
		}
		msg.Data = data
	}

	return msg, nil
}

// UnmarshalData разбирает нагрузку сообщения в типизированную структуру.
func UnmarshalData(msg *Message, out interface{}) error {
	if len(msg.Data) == 0 {
		return fmt.Errorf("%w: empty payload for %s", ErrMalformedMessage, msg.Type)
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("%w: payload of %s: %v", ErrMalformedMessage, msg.Type, err)
	}
	return nil
}
