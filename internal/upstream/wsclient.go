package upstream

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"rpcfanout/internal/jsonrpc"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsPingInterval     = 30 * time.Second
)

// wsConn is one WebSocket connection owned by a single session. Calls are
// strictly sequential: a frame is written, then frames are read until the
// reply with the matching id arrives.
type wsConn struct {
	status         *Status
	messageTimeout time.Duration
	logger         zerolog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	frames chan []byte
	done   chan struct{}
	err    error

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// dialWS connects to url and starts the reader and keepalive goroutines
func dialWS(ctx context.Context, url string, u *Upstream) (*wsConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect WebSocket: %w", err)
	}

	c := &wsConn{
		status:         u.status,
		messageTimeout: u.messageTimeout,
		logger:         u.logger,
		conn:           conn,
		frames:         make(chan []byte, 16),
		done:           make(chan struct{}),
	}
	c.setPongHandler()

	c.logger.Debug().Msg("WebSocket session connected")
	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

func (c *wsConn) readTimeout() time.Duration {
	if c.messageTimeout <= 0 {
		return 60 * time.Second
	}
	return c.messageTimeout
}

func (c *wsConn) setPongHandler() {
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.readTimeout()))
	})
}

func (c *wsConn) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(wsWriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug().Err(err).Msg("ping write failed")
				return
			}
		}
	}
}

func (c *wsConn) readLoop() {
	defer c.wg.Done()
	for {
		c.conn.SetReadDeadline(time.Now().Add(c.readTimeout()))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		select {
		case c.frames <- data:
		case <-c.done:
			return
		}
	}
}

// fail marks the connection broken and wakes any waiting exchange
func (c *wsConn) fail(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		c.conn.Close()
	})
}

// Broken reports whether the connection can no longer be used
func (c *wsConn) Broken() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close closes the connection and waits for its goroutines
func (c *wsConn) Close() {
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.fail(ErrConnectionClosed)
	c.wg.Wait()
	c.logger.Debug().Msg("WebSocket session closed")
}

// exchange writes payload and returns the first frame accepted by match.
// Frames that do not match are replies to calls abandoned earlier and are dropped.
func (c *wsConn) exchange(ctx context.Context, payload []byte, calls uint64, match func([]byte) bool) ([]byte, error) {
	if c.Broken() {
		return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, c.err)
	}

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	err := c.conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.fail(err)
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	c.status.IncrementRequestCountBy(calls)

	var timeout <-chan time.Time
	if c.messageTimeout > 0 {
		timer := time.NewTimer(c.messageTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case data := <-c.frames:
			if match(data) {
				return data, nil
			}
			c.logger.Debug().Int("len", len(data)).Msg("dropping unmatched WebSocket frame")
		case <-c.done:
			return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, c.err)
		case <-timeout:
			return nil, ErrResponseTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// SendRequest sends one request and waits for the reply carrying its id
func (c *wsConn) SendRequest(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	payload, err := req.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	want := req.ID.String()
	var resp *jsonrpc.Response
	_, err = c.exchange(ctx, payload, 1, func(data []byte) bool {
		r, perr := jsonrpc.ParseResponse(data)
		if perr != nil || r.ID.String() != want {
			return false
		}
		resp = r
		return true
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// SendBatch sends requests as one array frame and waits for the array reply.
// A lone error object is treated as a rejection of the whole batch.
func (c *wsConn) SendBatch(ctx context.Context, requests []*jsonrpc.Request) ([]*jsonrpc.Response, error) {
	payload, err := jsonrpc.MarshalBatchRequest(requests)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch request: %w", err)
	}

	ids := make(map[string]bool, len(requests))
	for _, req := range requests {
		ids[req.ID.String()] = true
	}

	data, err := c.exchange(ctx, payload, uint64(len(requests)), func(data []byte) bool {
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			responses, _, perr := jsonrpc.ParseBatchResponse(trimmed)
			if perr != nil {
				return false
			}
			for _, r := range responses {
				if r != nil && ids[r.ID.String()] {
					return true
				}
			}
			return len(responses) == 0
		}
		r, perr := jsonrpc.ParseResponse(trimmed)
		return perr == nil && r.HasError() && (r.ID.IsNull() || ids[r.ID.String()])
	})
	if err != nil {
		return nil, err
	}
	return parseBatchReply(data)
}
