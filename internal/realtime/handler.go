package realtime

import (
	"encoding/json"

	"github.com/p-blackswan/chatlink/internal/logging"
)

// Frame types understood by the transport itself.
const (
	TypePing = "ping"
	TypePong = "pong"
)

var pingFrame = []byte(`{"type":"ping"}`)

type envelope struct {
	Type string `json:"type"`
}

// MessageHandler parses inbound frames. Heartbeat replies are consumed; every
// other well-formed JSON frame is forwarded verbatim.
type MessageHandler struct {
	logger *logging.Logger
	onPong func()
}

// NewMessageHandler creates a handler. onPong is invoked for every pong frame
// and may be nil.
func NewMessageHandler(logger *logging.Logger, onPong func()) *MessageHandler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &MessageHandler{logger: logger.With("message_handler"), onPong: onPong}
}

// HandleMessage reports whether raw was forwarded to callback. Malformed
// frames are logged and dropped.
func (h *MessageHandler) HandleMessage(raw []byte, callback func(json.RawMessage)) bool {
	if !json.Valid(raw) {
		h.logger.Warn("dropping malformed frame", map[string]any{"size": len(raw)})
		return false
	}

	var env envelope
	// Non-object payloads (arrays, scalars) have no type and are forwarded.
	_ = json.Unmarshal(raw, &env)

	if env.Type == TypePong {
		if h.onPong != nil {
			h.onPong()
		}
		return false
	}

	if callback == nil {
		return false
	}
	msg := make(json.RawMessage, len(raw))
	copy(msg, raw)
	callback(msg)
	return true
}
