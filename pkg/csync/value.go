package csync

import "encoding/json"

// Value is an immutable record observed from the server. Data is preserved
// verbatim; JSON exposes a best-effort structured view without ever
// discarding the raw string when parsing fails.
type Value struct {
	Key     string
	Exists  bool
	RawData string
	ACLID   string
	Creator string
	CTS     int64
	VTS     int64
	Stable  bool
}

// Data returns the raw, opaque payload exactly as received from the server.
func (v Value) Data() string {
	return v.RawData
}

// JSON attempts to unmarshal RawData into out. It returns an error if
// RawData is not valid JSON or does not fit out's shape; RawData itself is
// never mutated or discarded by a failed parse.
func (v Value) JSON(out any) error {
	if err := json.Unmarshal([]byte(v.RawData), out); err != nil {
		return NewError(CodeInternalError, "value data is not valid JSON").WithCause(err)
	}
	return nil
}

// ListenerFunc is the capability a caller registers with Key.Listen. err is
// non-nil only for a key-validity failure detected at registration time;
// otherwise v is the delivered Value.
type ListenerFunc func(err error, v *Value)
