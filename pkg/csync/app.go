package csync

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"sync"
	"time"
)

// App is a single authenticated (or pre-authentication) session against a
// csync server: one Transport connection, one Scheduler, one listener
// registry. Every exported method is safe for concurrent use.
type App struct {
	opts    Options
	logger  *slog.Logger
	metrics *Metrics
	sched   *scheduler

	mu       sync.Mutex
	authData *AuthData
}

// AuthData is the identity the server assigned this session on a successful
// Authenticate call.
type AuthData struct {
	UUID    string
	UID     string
	Expires int64
}

// Connect validates opts and constructs an App. It does not dial anything;
// the first Authenticate call opens the Transport session.
func Connect(opts Options) (*App, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	logger := newAppLogger(opts.Log)

	var metrics *Metrics
	if opts.Metrics.Enabled {
		metrics = NewMetrics("csync")
	}

	a := &App{
		opts:    opts,
		logger:  logger,
		metrics: metrics,
	}
	a.sched = newScheduler(opts, logger, metrics)
	return a, nil
}

type authResult struct {
	data AuthData
	err  error
}

// Authenticate opens (or reuses) the Transport session under provider/token
// and returns the identity the server assigned it. Calling Authenticate again
// after Unauth starts a fresh session.
func (a *App) Authenticate(ctx context.Context, provider, token string) (AuthData, error) {
	a.mu.Lock()
	a.opts.AuthProvider = provider
	a.opts.Token = token
	a.mu.Unlock()

	a.sched.endDrain()

	result := make(chan authResult, 1)
	a.sched.tr.startSession(provider, token, func(env envelope, err error) {
		if err != nil {
			result <- authResult{err: err}
			return
		}
		var p connectResponsePayload
		if derr := decodePayload(env.Payload, &p); derr != nil {
			result <- authResult{err: derr}
			return
		}
		auth := AuthData{UUID: p.UUID, UID: p.UID, Expires: p.Expires}
		a.mu.Lock()
		a.authData = &auth
		a.mu.Unlock()
		result <- authResult{data: auth}
	})

	select {
	case r := <-result:
		return r.data, r.err
	case <-ctx.Done():
		return AuthData{}, ctx.Err()
	}
}

// Unauth removes every listener (enqueuing the matching unsubscribes),
// drains the operation queue to empty, clears the session's identity, token
// and cached ACLs, and ends the Transport session. No new operation may be
// enqueued while draining.
func (a *App) Unauth(ctx context.Context) error {
	a.sched.removeAllListeners()
	a.sched.beginDrain()

	if err := a.sched.waitDrained(ctx); err != nil {
		return err
	}

	a.sched.tr.endSession()

	a.sched.schedMu.Lock()
	a.sched.acls = nil
	a.sched.schedMu.Unlock()

	a.mu.Lock()
	a.authData = nil
	a.opts.Token = ""
	a.opts.AuthProvider = ""
	a.mu.Unlock()

	return nil
}

// Key builds a Key bound to this App from its dotted string form.
func (a *App) Key(s string) *Key {
	k := NewKey(s)
	k.app = a
	return k
}

// KeyFromComponents builds a Key bound to this App from path components.
func (a *App) KeyFromComponents(components []string) *Key {
	k := NewKeyFromComponents(components)
	k.app = a
	return k
}

// GetAcls fetches (and caches) the ACL catalog the server recognizes.
func (a *App) GetAcls(ctx context.Context) ([]string, error) {
	result := make(chan error, 1)
	op := &operation{kind: opGetAcls, timeout: a.opts.OperationTimeout}
	op.finalize = func(err error) { result <- err }

	if err := a.sched.enqueue(op); err != nil {
		return nil, err
	}

	select {
	case err := <-result:
		if err != nil {
			return nil, err
		}
		return a.sched.snapshotACLs(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type writeConfig struct {
	acl *string
}

// WriteOption customizes a single Key.Write call.
type WriteOption func(*writeConfig)

// WithACL assigns the ACL to use when this write creates a new key; it is
// ignored when the key already exists under a different ACL.
func WithACL(acl ACL) WriteOption {
	return func(c *writeConfig) {
		s := string(acl)
		c.acl = &s
	}
}

func (a *App) write(ctx context.Context, key *Key, data any, deletePath bool, opts ...WriteOption) error {
	if err := key.Err(); err != nil {
		return err
	}
	if !deletePath && key.IsPattern() {
		return NewError(CodeInvalidRequest, "write requires a concrete key")
	}

	var cfg writeConfig
	for _, o := range opts {
		o(&cfg)
	}

	var payload *string
	if !deletePath {
		p, err := serializeData(data)
		if err != nil {
			return err
		}
		payload = p
	}

	cts := a.sched.nextCTS(time.Now)

	result := make(chan error, 1)
	op := &operation{
		kind:      opPublish,
		key:       key,
		timeout:   a.opts.OperationTimeout,
		pubData:   payload,
		pubDelete: deletePath,
		pubACL:    cfg.acl,
		pubCTS:    cts,
	}
	op.finalize = func(err error) { result <- err }

	if err := a.sched.enqueue(op); err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *App) listen(key *Key, fn ListenerFunc) error {
	return a.sched.addListener(key, fn)
}

func (a *App) unlisten(key *Key) {
	a.sched.removeListener(key)
}

// serializeData renders data into the opaque wire string Publish carries: a
// string passes through verbatim, a struct/map/slice/array/pointer is JSON
// encoded, anything else (bare numbers, bools) is rejected since the server
// has no way to distinguish an opaque primitive from malformed JSON.
func serializeData(data any) (*string, error) {
	if data == nil {
		return nil, nil
	}
	if s, ok := data.(string); ok {
		return &s, nil
	}

	switch reflect.ValueOf(data).Kind() {
	case reflect.Struct, reflect.Map, reflect.Slice, reflect.Array, reflect.Ptr:
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, NewError(CodeInvalidRequest, "failed to serialize data").WithCause(err)
		}
		s := string(raw)
		return &s, nil
	default:
		return nil, NewError(CodeInvalidRequest, "data must be a string or a serializable structured value")
	}
}
