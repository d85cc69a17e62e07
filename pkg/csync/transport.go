package csync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// transportState is one of the Transport lifecycle stages.
type transportState int

const (
	stateIdle transportState = iota
	stateConnecting
	stateOpen
	stateClosing
)

func (s transportState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// responseCallback is invoked once with the matching response envelope, or
// with an error if the connection failed before a response arrived.
type responseCallback func(envelope, error)

// transport owns the single full-duplex connection an App uses, correlating
// requests to responses by closure id and dispatching unsolicited `data`
// messages to the scheduler's delivery path.
type transport struct {
	opts   Options
	logger channelLogger
	metrics *Metrics

	// onConnect is invoked after a successful connectResponse, so the
	// scheduler can replay operations currently in the started state.
	onConnect func()
	// onData is invoked for every unsolicited `data` message.
	onData func(Value)

	mu           sync.Mutex
	state        transportState
	conn         *websocket.Conn
	sessionID    string
	authProvider string
	token        string
	pending      map[string]responseCallback
	connectCB    responseCallback
	lastConnect  envelope
	writeCh      chan []byte
	stopReader   chan struct{}

	limiter *rate.Limiter
	backoff backoff.BackOff

	// sendOverride, when set, intercepts send() in place of the real
	// connection. Tests use it to drive the scheduler's request/response
	// handling without dialing a socket.
	sendOverride func(closure string, request []byte, cb responseCallback)
}

func newTransport(opts Options, logger channelLogger, metrics *Metrics, onConnect func(), onData func(Value)) *transport {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // unbounded: the user controls termination via Unauth

	return &transport{
		opts:      opts,
		logger:    logger,
		metrics:   metrics,
		onConnect: onConnect,
		onData:    onData,
		state:     stateIdle,
		pending:   make(map[string]responseCallback),
		limiter:   rate.NewLimiter(rate.Limit(5), 10),
		backoff:   b,
	}
}

// dialURL builds the /connect URL with sessionId, authProvider and token
// query parameters, per the wire protocol. It is a pure function of its
// arguments so the credentials actually dialed with are whatever was most
// recently passed to startSession, never a value captured at construction
// time.
func (t *transport) dialURL(sessionID, authProvider, token string) string {
	scheme := "ws"
	if t.opts.UseSSL {
		scheme = "wss"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   fmt.Sprintf("%s:%d", t.opts.Host, t.opts.Port),
		Path:   "/connect",
	}
	q := u.Query()
	q.Set("sessionId", sessionID)
	if authProvider != "" {
		q.Set("authProvider", authProvider)
	}
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// startSession records provider/token for the next dial, opens the
// connection if not already in session, and invokes callback exactly once
// with the connectResponse envelope, or an error.
func (t *transport) startSession(authProvider, token string, callback responseCallback) {
	t.mu.Lock()
	t.authProvider = authProvider
	t.token = token
	if t.state == stateOpen {
		env := t.lastConnect
		t.mu.Unlock()
		callback(env, nil)
		return
	}
	t.sessionID = uuid.NewString()
	t.connectCB = callback
	t.mu.Unlock()

	t.connect()
}

// connect dials the transport, rate-limited and paced by exponential
// backoff across repeated attempts triggered by send-while-disconnected.
func (t *transport) connect() {
	t.mu.Lock()
	if t.state == stateConnecting || t.state == stateOpen {
		t.mu.Unlock()
		return
	}
	t.state = stateConnecting
	sessionID := t.sessionID
	authProvider := t.authProvider
	token := t.token
	t.mu.Unlock()
	t.metrics.setTransportState(stateConnecting)

	if err := t.limiter.Wait(context.Background()); err != nil {
		t.logger.Warn("reconnect rate limiter wait failed", "error", err)
	}

	dialer := websocket.DefaultDialer
	conn, _, err := dialer.Dial(t.dialURL(sessionID, authProvider, token), nil)
	if err != nil {
		t.logger.Warn("dial failed, will retry with backoff", "error", err)
		t.mu.Lock()
		t.state = stateIdle
		t.mu.Unlock()
		t.metrics.setTransportState(stateIdle)
		t.metrics.reconnect()
		delay := t.backoff.NextBackOff()
		if delay == backoff.Stop {
			delay = 30 * time.Second
		}
		time.AfterFunc(delay, t.connect)
		return
	}

	t.mu.Lock()
	t.conn = conn
	t.writeCh = make(chan []byte, 256)
	t.stopReader = make(chan struct{})
	t.mu.Unlock()

	go t.writePump()
	go t.readPump()
}

// endSession clears the session id and closes the connection.
func (t *transport) endSession() {
	t.mu.Lock()
	t.state = stateClosing
	conn := t.conn
	t.sessionID = ""
	t.conn = nil
	t.mu.Unlock()
	t.metrics.setTransportState(stateClosing)

	if conn != nil {
		_ = conn.Close()
	}

	t.mu.Lock()
	t.state = stateIdle
	t.mu.Unlock()
	t.metrics.setTransportState(stateIdle)
}

// send transmits request, registering responseCallback against its closure.
// If the transport is not connected, it triggers connect() and returns
// without sending; the Operation layer drives retry via its own timeout.
func (t *transport) send(closure string, request []byte, cb responseCallback) {
	if t.sendOverride != nil {
		t.sendOverride(closure, request, cb)
		return
	}

	t.mu.Lock()
	open := t.state == stateOpen
	if open {
		t.pending[closure] = cb
	}
	ch := t.writeCh
	t.mu.Unlock()

	if !open {
		t.connect()
		return
	}

	select {
	case ch <- request:
	default:
		t.logger.Warn("write channel full, dropping send", "closure", closure)
	}
}

func (t *transport) writePump() {
	t.mu.Lock()
	ch := t.writeCh
	conn := t.conn
	t.mu.Unlock()

	for msg := range ch {
		if conn == nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			t.logger.Warn("write failed", "error", err)
			return
		}
	}
}

func (t *transport) readPump() {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.logger.Warn("read failed, connection closing", "error", err)
			t.handleDisconnect()
			return
		}
		t.handleMessage(raw)
	}
}

func (t *transport) handleDisconnect() {
	t.mu.Lock()
	if t.conn != nil {
		close(t.writeCh)
	}
	t.conn = nil
	t.state = stateIdle
	t.mu.Unlock()
	t.metrics.setTransportState(stateIdle)
	// In-flight operations are not cleared here; their own timeouts drive
	// reconnect-and-resend once the transport reopens.
}

func (t *transport) handleMessage(raw []byte) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		t.logger.Error("malformed inbound message", "error", err)
		return
	}

	if env.Closure != "" {
		t.mu.Lock()
		cb, ok := t.pending[env.Closure]
		if ok {
			delete(t.pending, env.Closure)
		}
		t.mu.Unlock()
		if ok {
			cb(env, nil)
			return
		}
	}

	switch env.Kind {
	case kindData:
		var p valuePayload
		if err := decodePayload(env.Payload, &p); err != nil {
			t.logger.Error("malformed data payload", "error", err)
			return
		}
		t.onData(p.toValue())
	case kindConnectResponse:
		t.completeConnect(env, nil)
	case kindError:
		t.completeConnect(env, NewError(CodeInternalError, "server returned error during connect"))
	default:
		t.logger.Warn("unknown inbound kind, ignoring", "kind", env.Kind)
	}
}

func (t *transport) completeConnect(env envelope, err error) {
	t.mu.Lock()
	cb := t.connectCB
	t.connectCB = nil
	if err == nil {
		t.state = stateOpen
		t.lastConnect = env
		t.backoff.Reset()
	}
	t.mu.Unlock()

	if err == nil {
		t.metrics.setTransportState(stateOpen)
		if t.onConnect != nil {
			t.onConnect()
		}
	}

	if cb != nil {
		cb(env, err)
	}
}

func decodePayload(raw []byte, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return NewError(CodeInternalError, "malformed payload").WithCause(err)
	}
	return nil
}
