package csync

import (
	"context"
	"strings"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// MaxKeyComponents is the maximum number of components a key may hold.
	MaxKeyComponents = 16
	// MaxKeyLength is the maximum length of a key's joined string form.
	MaxKeyLength = 200
	// wildcardSingle matches exactly one component.
	wildcardSingle = "*"
	// wildcardTail matches this and all remaining components; final position only.
	wildcardTail = "#"
)

// Key is an ordered sequence of 0-16 non-empty components joined by '.'.
// It is a value object: two Keys with the same components are interchangeable
// for matching purposes, but each instance carries its own application-scoped
// ID so that multiple listener registrations on the same string can be told
// apart by the scheduler.
type Key struct {
	components []string
	id         string
	err        *Error

	// app is nil for a Key built with NewKey/NewKeyFromComponents standalone
	// (useful for pure matching) and set by App.Key/App.KeyFromComponents so
	// that Write/Delete/Listen/Unlisten have a scheduler to delegate to.
	app *App
}

// newKeyFromComponents builds a Key from already-split components, validating
// it eagerly. Validation failures are stored on the Key rather than returned,
// matching the source library's "a Key always exists, Err() reports validity"
// contract.
func newKeyFromComponents(components []string) *Key {
	k := &Key{
		components: append([]string(nil), components...),
		id:         uuid.NewString(),
	}
	k.err = validateKey(k.components)
	return k
}

// NewKey parses a dotted string into a Key. The empty string parses as the
// zero-component root key.
func NewKey(s string) *Key {
	if s == "" {
		return newKeyFromComponents(nil)
	}
	return newKeyFromComponents(strings.Split(s, "."))
}

// NewKeyFromComponents builds a Key directly from a component slice, useful
// when the caller already has path segments (e.g. decoded from the wire).
func NewKeyFromComponents(components []string) *Key {
	return newKeyFromComponents(components)
}

func validateKey(components []string) *Error {
	if len(components) > MaxKeyComponents {
		return NewInvalidKeyError(CauseTooManyComponents, "at most 16 components are allowed")
	}
	for i, c := range components {
		if c == "" {
			return NewInvalidKeyError(CauseEmptyComponent, "components must be non-empty")
		}
		if c == wildcardTail && i != len(components)-1 {
			return NewInvalidKeyError(CauseHashNotFinal, "'#' may only appear as the final component")
		}
		if c == wildcardSingle || c == wildcardTail {
			continue
		}
		for _, r := range c {
			if !isKeyChar(r) {
				return NewInvalidKeyError(CauseInvalidCharacter, "components must match [A-Za-z0-9_-]")
			}
		}
	}
	if joinedLen(components) > MaxKeyLength {
		return NewInvalidKeyError(CauseTooLong, "joined key must be at most 200 characters")
	}
	return nil
}

func isKeyChar(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z':
		return true
	case r >= 'a' && r <= 'z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '_' || r == '-':
		return true
	default:
		return false
	}
}

func joinedLen(components []string) int {
	if len(components) == 0 {
		return 0
	}
	n := len(components) - 1 // dots
	for _, c := range components {
		n += len(c)
	}
	return n
}

// String returns the joined dotted form of the key ("" for the root).
func (k *Key) String() string {
	return strings.Join(k.components, ".")
}

// ID returns the application-scoped unique identifier for this Key instance.
func (k *Key) ID() string {
	return k.id
}

// Err returns the validation error for this key, or nil if it is valid.
func (k *Key) Err() error {
	if k.err == nil {
		return nil
	}
	return k.err
}

// Components returns a copy of the key's components.
func (k *Key) Components() []string {
	return append([]string(nil), k.components...)
}

// IsPattern reports whether any component is a wildcard.
func (k *Key) IsPattern() bool {
	for _, c := range k.components {
		if c == wildcardSingle || c == wildcardTail {
			return true
		}
	}
	return false
}

// IsRoot reports whether this is the zero-component root key.
func (k *Key) IsRoot() bool {
	return len(k.components) == 0
}

// Parent returns the key with its last component removed. The parent of the
// root is the root.
func (k *Key) Parent() *Key {
	var p *Key
	if len(k.components) == 0 {
		p = newKeyFromComponents(nil)
	} else {
		p = newKeyFromComponents(k.components[:len(k.components)-1])
	}
	p.app = k.app
	return p
}

// Child returns a new key with name appended. When name is omitted, a fresh
// UUID is generated and used as the child component. The child's validity is
// not auto-verified beyond what newKeyFromComponents always checks; a caller
// appending an invalid literal will see it reflected in Err().
func (k *Key) Child(name ...string) *Key {
	var c string
	if len(name) > 0 && name[0] != "" {
		c = name[0]
	} else {
		c = uuid.NewString()
	}
	child := newKeyFromComponents(append(append([]string(nil), k.components...), c))
	child.app = k.app
	return child
}

// LastComponent returns the final component, or "" for the root.
func (k *Key) LastComponent() string {
	if len(k.components) == 0 {
		return ""
	}
	return k.components[len(k.components)-1]
}

// Write sends data as the new value for this key, blocking until the server
// acknowledges or ctx is done. data is a string (sent verbatim) or any
// structured value the core serializes to JSON text; k must have been
// obtained from App.Key/App.KeyFromComponents (or a Parent/Child of one).
func (k *Key) Write(ctx context.Context, data any, opts ...WriteOption) error {
	if k.app == nil {
		return NewError(CodeInvalidRequest, "key is not bound to an App")
	}
	return k.app.write(ctx, k, data, false, opts...)
}

// Delete removes this key (wildcards allowed; the server enforces access).
func (k *Key) Delete(ctx context.Context) error {
	if k.app == nil {
		return NewError(CodeInvalidRequest, "key is not bound to an App")
	}
	return k.app.write(ctx, k, nil, true)
}

// Listen registers fn against this key. At most one listener per Key
// instance; calling Listen again on the same instance replaces it. A key
// that fails validation invokes fn directly with the validity error.
func (k *Key) Listen(fn ListenerFunc) error {
	if k.app == nil {
		err := NewError(CodeInvalidRequest, "key is not bound to an App")
		fn(err, nil)
		return err
	}
	return k.app.listen(k, fn)
}

// Unlisten removes the listener registered against this key, if any.
func (k *Key) Unlisten() {
	if k.app != nil {
		k.app.unlisten(k)
	}
}

// matcher evaluates pattern/concrete key matches with a bounded LRU cache in
// front of the pure algorithm below. It holds no invariant-bearing state:
// eviction or a disabled cache (size <= 0) only costs CPU, never correctness.
type matcher struct {
	cache *lru.Cache[string, bool]
}

func newMatcher(size int) *matcher {
	if size <= 0 {
		return &matcher{}
	}
	c, err := lru.New[string, bool](size)
	if err != nil {
		// Only returns an error for a non-positive size, already excluded above.
		return &matcher{}
	}
	return &matcher{cache: c}
}

// Matches reports whether concrete matches pattern, memoizing the result.
func (m *matcher) Matches(pattern, concrete *Key) bool {
	if m == nil || m.cache == nil {
		return matches(pattern.components, concrete.components)
	}
	key := pattern.String() + "\x00" + concrete.String()
	if v, ok := m.cache.Get(key); ok {
		return v
	}
	v := matches(pattern.components, concrete.components)
	m.cache.Add(key, v)
	return v
}

// matches implements the pure wildcard matching algorithm: '*' consumes
// exactly one component, '#' (final position only) consumes the rest
// (including zero further components), and a literal component must match
// exactly.
func matches(pattern, concrete []string) bool {
	if !hasWildcard(pattern) {
		return strings.Join(pattern, ".") == strings.Join(concrete, ".")
	}
	for i, p := range pattern {
		if p == wildcardTail {
			return true
		}
		if i >= len(concrete) {
			return false
		}
		if p == wildcardSingle {
			continue
		}
		if p != concrete[i] {
			return false
		}
	}
	return len(concrete) == len(pattern)
}

func hasWildcard(components []string) bool {
	for _, c := range components {
		if c == wildcardSingle || c == wildcardTail {
			return true
		}
	}
	return false
}
