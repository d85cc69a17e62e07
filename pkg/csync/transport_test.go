package csync

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T, opts Options) *transport {
	t.Helper()
	base := slog.New(slog.NewTextHandler(io.Discard, nil))
	logger := newChannelLogger(base, "transport", "transport", false)
	return newTransport(opts.withDefaults(), logger, nil, nil, nil)
}

func TestTransport_DialURL_PlainNoCredentials(t *testing.T) {
	tr := newTestTransport(t, Options{Host: "example.org", Port: 8080})
	u := tr.dialURL("sess-1", "", "")
	assert.Equal(t, "ws://example.org:8080/connect?sessionId=sess-1", u)
}

func TestTransport_DialURL_UsesWSSWhenSSLEnabled(t *testing.T) {
	tr := newTestTransport(t, Options{Host: "example.org", Port: 443, UseSSL: true})
	u := tr.dialURL("sess-1", "", "")
	assert.Equal(t, "wss://example.org:443/connect?sessionId=sess-1", u)
}

func TestTransport_DialURL_IncludesProviderAndToken(t *testing.T) {
	tr := newTestTransport(t, Options{Host: "example.org", Port: 8080})
	u := tr.dialURL("sess-1", "google", "tok-abc")
	assert.Equal(t, "ws://example.org:8080/connect?authProvider=google&sessionId=sess-1&token=tok-abc", u)
}

// TestTransport_DialURL_ReflectsCredentialsPassedAtCallTime guards the bug
// where dialURL read a value captured once at construction: a second call
// with different credentials must produce a different URL.
func TestTransport_DialURL_ReflectsCredentialsPassedAtCallTime(t *testing.T) {
	tr := newTestTransport(t, Options{Host: "example.org", Port: 8080})

	first := tr.dialURL("sess-1", "google", "tok-1")
	second := tr.dialURL("sess-1", "apple", "tok-2")

	assert.Contains(t, first, "authProvider=google")
	assert.Contains(t, first, "token=tok-1")
	assert.Contains(t, second, "authProvider=apple")
	assert.Contains(t, second, "token=tok-2")
}

// TestTransport_StartSession_ReuseOpenSessionReplaysLastConnectEnvelope guards
// the bug where re-calling startSession on an already-open transport invoked
// the callback with an empty envelope, which fails to decode as a
// connectResponsePayload downstream in App.Authenticate.
func TestTransport_StartSession_ReuseOpenSessionReplaysLastConnectEnvelope(t *testing.T) {
	tr := newTestTransport(t, Options{Host: "example.org", Port: 8080})

	payload, err := encodeEnvelope(kindConnectResponse, connectResponsePayload{UUID: "u1", UID: "user-1", Expires: 99}, "")
	require.NoError(t, err)
	env, err := decodeEnvelope(payload)
	require.NoError(t, err)

	tr.mu.Lock()
	tr.state = stateOpen
	tr.lastConnect = env
	tr.mu.Unlock()

	var got envelope
	var gotErr error
	done := make(chan struct{})
	tr.startSession("google", "tok-2", func(e envelope, err error) {
		got = e
		gotErr = err
		close(done)
	})
	<-done

	require.NoError(t, gotErr)
	var p connectResponsePayload
	require.NoError(t, decodePayload(got.Payload, &p))
	assert.Equal(t, "u1", p.UUID)
	assert.Equal(t, "user-1", p.UID)
	assert.Equal(t, int64(99), p.Expires)
}

func TestTransportState_String(t *testing.T) {
	assert.Equal(t, "idle", stateIdle.String())
	assert.Equal(t, "connecting", stateConnecting.String())
	assert.Equal(t, "open", stateOpen.String())
	assert.Equal(t, "closing", stateClosing.String())
}

func TestDecodePayload_WrapsMalformedJSON(t *testing.T) {
	var out struct{ X int }
	err := decodePayload([]byte("not json"), &out)
	assert.Error(t, err)
	var apiErr *Error
	assert.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeInternalError, apiErr.Code)
}
