package broker

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/devcircle/internal/auth"
	"github.com/MarcoPoloResearchLab/devcircle/internal/protocol"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const writeTimeout = 10 * time.Second

// ServeWebSocket runs one accepted websocket for identity until the peer goes
// away, ctx is cancelled or the broker stops. The identity must already be
// authenticated; the broker never trusts identity claims carried in events.
func (b *Broker) ServeWebSocket(ctx context.Context, socket *websocket.Conn, identity auth.Identity) error {
	conn, err := b.Connect(ctx, identity)
	if err != nil {
		socket.Close(websocket.StatusInternalError, "connection registration failed")
		return err
	}
	defer b.Disconnect(conn)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go b.writePump(ctx, cancel, socket, conn)

	for {
		var envelope protocol.Envelope
		if err := wsjson.Read(ctx, socket, &envelope); err != nil {
			if isNormalClosure(err) || ctx.Err() != nil {
				return nil
			}
			b.logger.Debug("websocket read ended",
				zap.String("connection_id", conn.id),
				zap.Error(err))
			return nil
		}
		command, err := protocol.ParseCommand(envelope)
		if err != nil {
			b.logger.Debug("rejected inbound event",
				zap.String("connection_id", conn.id),
				zap.String("event", envelope.Event),
				zap.Error(err))
			if errors.Is(err, protocol.ErrUnknownCommand) {
				conn.deliverError(errUnsupportedCommand)
			} else {
				conn.deliverError(errMalformedCommand)
			}
			continue
		}
		b.Handle(ctx, conn, command)
	}
}

func (b *Broker) writePump(ctx context.Context, cancel context.CancelFunc, socket *websocket.Conn, conn *Connection) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			socket.Close(websocket.StatusNormalClosure, "")
			return
		case <-conn.Done():
			socket.Close(websocket.StatusGoingAway, "broker shutting down")
			return
		case envelope := <-conn.outbound:
			writeCtx, done := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, socket, envelope)
			done()
			if err != nil {
				b.logger.Debug("websocket write failed",
					zap.String("connection_id", conn.id),
					zap.Error(err))
				return
			}
		}
	}
}

func isNormalClosure(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	default:
		return false
	}
}
