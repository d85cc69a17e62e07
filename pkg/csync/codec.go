package csync

import (
	"encoding/json"

	"github.com/google/uuid"
)

// protocolVersion is the fixed wire version this revision speaks. Inbound
// envelopes with a mismatched version are rejected as malformed.
const protocolVersion = 15

// envelope is the wire-shape every request and response is framed in.
type envelope struct {
	Version int             `json:"version"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	Closure string          `json:"closure,omitempty"`
}

// Request kinds emitted by the core.
const (
	kindPub     = "pub"
	kindSub     = "sub"
	kindUnsub   = "unsub"
	kindGetAcls = "getAcls"
	kindAdvance = "advance"
	kindFetch   = "fetch"
)

// Response kinds handled by the core.
const (
	kindHappy           = "happy"
	kindError           = "error"
	kindData            = "data"
	kindAdvanceResponse = "advanceResponse"
	kindFetchResponse   = "fetchResponse"
	kindGetAclsResponse = "getAclsResponse"
	kindConnectResponse = "connectResponse"
)

type pubPayload struct {
	Path       []string `json:"path"`
	DeletePath bool     `json:"deletePath"`
	CTS        int64    `json:"cts"`
	Data       *string  `json:"data,omitempty"`
	AssumeACL  *string  `json:"assumeACL,omitempty"`
}

type pathPayload struct {
	Path []string `json:"path"`
}

type advancePayload struct {
	Pattern []string `json:"pattern"`
	RVTS    int64    `json:"rvts"`
}

type fetchPayload struct {
	VTS []int64 `json:"vts"`
}

type happyPayload struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type errorPayload struct {
	Msg string `json:"msg"`
}

// valuePayload is the wire shape of a Value, as carried by `data` and
// `fetchResponse` messages.
type valuePayload struct {
	Key     string `json:"key"`
	Exists  bool   `json:"exists"`
	Data    string `json:"data"`
	ACLID   string `json:"aclId"`
	Creator string `json:"creator"`
	CTS     int64  `json:"cts"`
	VTS     int64  `json:"vts"`
	Stable  bool   `json:"stable"`
}

func (p valuePayload) toValue() Value {
	return Value{
		Key:     p.Key,
		Exists:  p.Exists,
		RawData: p.Data,
		ACLID:   p.ACLID,
		Creator: p.Creator,
		CTS:     p.CTS,
		VTS:     p.VTS,
		Stable:  p.Stable,
	}
}

type advanceResponsePayload struct {
	VTS    []int64 `json:"vts"`
	MaxVTS *int64  `json:"maxvts,omitempty"`
}

type fetchResponsePayload struct {
	Response []valuePayload `json:"response"`
}

type getAclsResponsePayload struct {
	ACLs []string `json:"acls"`
}

type connectResponsePayload struct {
	UUID    string `json:"uuid"`
	UID     string `json:"uid"`
	Expires int64  `json:"expires"`
}

// newClosure mints an opaque per-request correlation id.
func newClosure() string {
	return uuid.NewString()
}

// encodeEnvelope marshals kind+payload+closure into a wire-ready envelope.
func encodeEnvelope(kind string, payload any, closure string) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, NewError(CodeInternalError, "failed to encode payload").WithCause(err)
	}
	env := envelope{
		Version: protocolVersion,
		Kind:    kind,
		Payload: raw,
		Closure: closure,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, NewError(CodeInternalError, "failed to encode envelope").WithCause(err)
	}
	return data, nil
}

// decodeEnvelope parses a raw inbound message and checks the version.
func decodeEnvelope(raw []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, NewError(CodeInternalError, "malformed envelope").WithCause(err)
	}
	if env.Version != protocolVersion {
		return envelope{}, NewError(CodeInternalError, "protocol version mismatch")
	}
	return env, nil
}
