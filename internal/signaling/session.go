package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tkreindler/BlazorChat/internal/metrics"
	"github.com/tkreindler/BlazorChat/internal/protocol"
	"github.com/tkreindler/BlazorChat/internal/ratelimit"
	"github.com/tkreindler/BlazorChat/internal/registry"
)

const wsWriteWait = 5 * time.Second

var errNotRegistered = errors.New("signaling: connection has not registered a user")

// wsSession is one signaling connection. It implements registry.Conn.
//
// Only the writer goroutine calls WriteMessage; pings and close frames go
// through WriteControl, which gorilla allows concurrently with other writes.
type wsSession struct {
	srv     *Server
	id      string
	conn    *websocket.Conn
	log     *slog.Logger
	out     *outbox
	limiter *ratelimit.Limiter

	writerDone chan struct{}
	done       chan struct{}

	closing     atomic.Bool
	closeOnce   sync.Once
	closeMu     sync.Mutex
	closeCode   int
	closeReason string
}

func (wss *wsSession) ID() string { return wss.id }

// Send queues frame for the writer goroutine. It never blocks.
func (wss *wsSession) Send(frame []byte) bool {
	if wss.closing.Load() {
		return false
	}
	if !wss.out.Enqueue(frame) {
		if !wss.closing.Load() {
			wss.srv.metrics.Inc(metrics.DeliveryDroppedQueueFull)
			wss.log.Warn("signal_ws_queue_full", "frame_bytes", len(frame))
		}
		return false
	}
	return true
}

func (wss *wsSession) run(ctx context.Context) {
	connected := false
	defer func() {
		if connected {
			wss.srv.cfg.Registry.Unregister(wss.id)
			wss.log.Info("signal_ws_disconnected")
		}
		wss.shutdown(0, "")
		<-wss.writerDone
		close(wss.done)
		_ = wss.conn.Close()
	}()

	go wss.writeLoop()
	go wss.pingLoop(wss.srv.pingInterval())

	idle := wss.srv.idleTimeout()
	wss.conn.SetReadLimit(wss.srv.maxMessageBytes())
	_ = wss.conn.SetReadDeadline(time.Now().Add(idle))
	wss.conn.SetPongHandler(func(string) error {
		return wss.conn.SetReadDeadline(time.Now().Add(idle))
	})

	if err := wss.srv.cfg.Registry.Connect(wss); err != nil {
		if errors.Is(err, registry.ErrTooManyConnections) {
			wss.fail(protocol.CodeTooManyConns, "too many connections", websocket.CloseTryAgainLater, "too many connections")
			return
		}
		wss.fail(protocol.CodeInternal, err.Error(), websocket.CloseInternalServerErr, "internal error")
		return
	}
	connected = true
	wss.log.Info("signal_ws_connected")

	for {
		msgType, data, err := wss.conn.ReadMessage()
		if err != nil {
			switch {
			case isTimeout(err):
				wss.log.Info("signal_ws_idle_timeout")
				wss.shutdown(websocket.CloseNormalClosure, "idle timeout")
			case errors.Is(err, websocket.ErrReadLimit):
				// gorilla has already sent CloseMessageTooBig.
				wss.srv.metrics.Inc(metrics.BadMessage)
				wss.log.Warn("signal_ws_message_too_large")
			}
			return
		}
		_ = wss.conn.SetReadDeadline(time.Now().Add(idle))

		// Rate limit after reading so the client still observes the close
		// code instead of a reset caused by unread data.
		if !wss.limiter.Allow() {
			wss.srv.metrics.Inc(metrics.RateLimited)
			wss.log.Warn("signal_ws_rate_limited")
			wss.fail(protocol.CodeRateLimited, "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			wss.srv.metrics.Inc(metrics.BadMessage)
			wss.fail(protocol.CodeBadMessage, "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		req, err := protocol.ParseRequest(data)
		if errors.Is(err, protocol.ErrMalformed) {
			wss.srv.metrics.Inc(metrics.BadMessage)
			wss.log.Warn("signal_ws_bad_message", "err", err)
			wss.fail(protocol.CodeBadMessage, err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}
		if err == nil {
			err = wss.dispatch(ctx, req)
		}
		wss.reply(req.ID, err)
	}
}

func (wss *wsSession) dispatch(ctx context.Context, req protocol.Request) error {
	relay := wss.srv.relay
	if req.Type == protocol.TypeRegisterUser {
		return relay.RegisterUser(ctx, wss.id, req.Identity, req.DisplayName)
	}

	caller := req.Caller
	if caller == uuid.Nil {
		id, ok := wss.srv.cfg.Registry.IdentityOf(wss.id)
		if !ok {
			return errNotRegistered
		}
		caller = id
	}

	switch req.Type {
	case protocol.TypeCall:
		return relay.Call(ctx, caller, req.Target)
	case protocol.TypeAcceptCall:
		return relay.AcceptCall(ctx, caller, req.Target)
	case protocol.TypeSendRtcData:
		return relay.SendRtcData(ctx, caller, req.Target, req.Kind, req.Payload)
	}
	// ParseRequest only returns the types handled above.
	return errors.New("signaling: unhandled request type " + string(req.Type))
}

// reply answers a request. With an id the client always gets a completion;
// without one only failures are reported.
func (wss *wsSession) reply(id *uint64, err error) {
	if err == nil {
		if id != nil {
			wss.Send(protocol.Completion(*id, nil))
		}
		return
	}

	code := errorCode(err)
	if code == protocol.CodeInternal {
		wss.log.Error("signal_request_failed", "err", err)
	}
	if id != nil {
		wss.Send(protocol.Completion(*id, &protocol.ErrorBody{Code: code, Message: err.Error()}))
		return
	}
	wss.Send(protocol.Error(code, err.Error()))
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownTarget):
		return protocol.CodeUnknownTarget
	case errors.Is(err, errNotRegistered):
		return protocol.CodeNotRegistered
	case errors.Is(err, registry.ErrNotConnected):
		return protocol.CodeNotConnected
	case errors.Is(err, protocol.ErrInvalidRequest):
		return protocol.CodeBadRequest
	default:
		return protocol.CodeInternal
	}
}

// fail sends an error message and then closes the connection with the given
// close code once the queue has drained.
func (wss *wsSession) fail(code, message string, closeCode int, closeReason string) {
	wss.Send(protocol.Error(code, message))
	wss.shutdown(closeCode, closeReason)
}

// shutdown stops accepting frames. The writer flushes what is queued, sends
// a close frame (unless closeCode is 0) and closes the connection. Only the
// first call has any effect.
func (wss *wsSession) shutdown(closeCode int, closeReason string) {
	wss.closeOnce.Do(func() {
		wss.closeMu.Lock()
		wss.closeCode = closeCode
		wss.closeReason = closeReason
		wss.closeMu.Unlock()
		wss.closing.Store(true)
		wss.out.Close()
	})
}

func (wss *wsSession) writeLoop() {
	defer close(wss.writerDone)

	for {
		frame, ok := wss.out.Dequeue()
		if !ok {
			break
		}
		_ = wss.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := wss.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			wss.closing.Store(true)
			wss.out.Discard()
			_ = wss.conn.Close()
			return
		}
	}

	wss.closeMu.Lock()
	code, reason := wss.closeCode, wss.closeReason
	wss.closeMu.Unlock()
	if code != 0 {
		writeClose(wss.conn, code, reason)
	}
	_ = wss.conn.Close()
}

func (wss *wsSession) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-wss.done:
			return
		case <-ticker.C:
			if err := wss.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
