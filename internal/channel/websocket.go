package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongDelay      = 60 * time.Second
	pingPeriod     = (pongDelay * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 32
)

var (
	ErrClosed       = errors.New("connection closed")
	ErrSlowConsumer = errors.New("send buffer full")
)

// WSConn is a websocket push connection. Outbound frames are written by a
// single writer goroutine; inbound frames are handed to the Serve callback.
type WSConn struct {
	id        string
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

func NewWSConn(ws *websocket.Conn, logger *zap.Logger) *WSConn {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &WSConn{
		id:     id,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: logger.With(zap.String("conn", id)),
	}
}

func (c *WSConn) ID() string {
	return c.id
}

func (c *WSConn) Send(frame Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		// A client that cannot keep up is disconnected rather than buffered without bound.
		_ = c.Close()
		return ErrSlowConsumer
	}
}

func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// Serve runs the connection until the peer goes away, ctx ends, or Close is
// called. Each inbound frame is handled on its own goroutine with a context
// that is cancelled when the connection ends. Serve returns once every
// handler has finished.
func (c *WSConn) Serve(ctx context.Context, onFrame func(context.Context, Frame)) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		_ = c.Close()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(ctx)
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongDelay))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongDelay))
	})

	for {
		var frame Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		wg.Add(1)
		go func(frame Frame) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("push handler panic", zap.Any("panic", r), zap.String("event", frame.Event))
				}
			}()
			onFrame(ctx, frame)
		}(frame)
	}
}

func (c *WSConn) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.closeGracefully()
			_ = c.Close()
			return
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				// Expected when the other end goes away.
				c.logger.Debug("failed to write ping", zap.Error(err))
				_ = c.Close()
				return
			}
		}
	}
}

func (c *WSConn) closeGracefully() {
	select {
	case <-c.done:
		return
	default:
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}
