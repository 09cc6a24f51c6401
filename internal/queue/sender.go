package queue

import (
	"context"
	"encoding/json"

	perrors "github.com/p-blackswan/chatlink/internal/errors"
)

// Transport is the part of a connection the queue writes through.
type Transport interface {
	IsOpen() bool
	SendRaw(data []byte) bool
}

// TransportSender delivers queued messages over a live connection.
type TransportSender struct {
	transport Transport
}

func NewTransportSender(t Transport) *TransportSender {
	return &TransportSender{transport: t}
}

// Send fails with ErrNotConnected, which is retryable, while the connection
// is down.
func (s *TransportSender) Send(ctx context.Context, msg json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.transport.IsOpen() || !s.transport.SendRaw(msg) {
		return perrors.ErrNotConnected
	}
	return nil
}
