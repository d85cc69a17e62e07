package csync

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKey_RoundTrip(t *testing.T) {
	for _, s := range []string{"", "a", "a.b.c", "foo.*.baz", "foo.bar.#"} {
		k := NewKey(s)
		require.NoError(t, k.Err())
		assert.Equal(t, s, k.String())
	}
}

func TestNewKey_ComponentBoundaries(t *testing.T) {
	components := make([]string, MaxKeyComponents)
	for i := range components {
		components[i] = "a"
	}
	k := NewKeyFromComponents(components)
	assert.NoError(t, k.Err())

	over := NewKeyFromComponents(append(components, "b"))
	require.Error(t, over.Err())
	var apiErr *Error
	require.ErrorAs(t, over.Err(), &apiErr)
	assert.Equal(t, CodeInvalidKey, apiErr.Code)
}

func TestNewKey_LengthBoundary(t *testing.T) {
	// 16 components of 11 chars plus 15 dots == 191 chars, under the 200 limit.
	comp := strings.Repeat("a", 11)
	components := make([]string, 16)
	for i := range components {
		components[i] = comp
	}
	k := NewKeyFromComponents(components)
	assert.NoError(t, k.Err())

	components[0] = strings.Repeat("a", 21) // pushes the joined length to 201
	tooLong := NewKeyFromComponents(components)
	require.Error(t, tooLong.Err())
}

func TestKey_HashOnlyFinal(t *testing.T) {
	assert.NoError(t, NewKey("foo.bar.#").Err())
	assert.Error(t, NewKey("foo.#.bar").Err())
}

func TestKey_InvalidCharacter(t *testing.T) {
	err := NewKey("foo.b!ar").Err()
	require.Error(t, err)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeInvalidKey, apiErr.Code)
}

func TestKey_ParentChild(t *testing.T) {
	root := NewKey("")
	assert.True(t, root.IsRoot())
	assert.Equal(t, root.String(), root.Parent().String())

	child := root.Child("a")
	assert.Equal(t, "a", child.String())
	assert.Equal(t, root.String(), child.Parent().String())
	assert.Equal(t, "a", child.LastComponent())
}

func TestKey_IsPattern(t *testing.T) {
	assert.False(t, NewKey("a.b.c").IsPattern())
	assert.True(t, NewKey("a.*.c").IsPattern())
	assert.True(t, NewKey("a.b.#").IsPattern())
}

func TestMatches_TailWildcard(t *testing.T) {
	pattern := []string{"foo", "bar", "#"}
	assert.True(t, matches(pattern, []string{"foo", "bar"}))
	assert.True(t, matches(pattern, []string{"foo", "bar", "baz"}))
	assert.True(t, matches(pattern, strings.Split("foo.bar.2.3.4.5.6.7.8.9.a.b.c.d.e.f", ".")))
	assert.False(t, matches(pattern, []string{"foo"}))
	assert.False(t, matches(pattern, []string{"foo", "baz"}))
}

func TestMatches_SingleWildcard(t *testing.T) {
	pattern := []string{"foo", "*", "baz"}
	assert.True(t, matches(pattern, []string{"foo", "X", "baz"}))
	assert.False(t, matches(pattern, []string{"foo", "bar"}))
	assert.False(t, matches(pattern, []string{"foo", "bar", "baz", "qux"}))
}

func TestMatches_Concrete(t *testing.T) {
	c := []string{"foo", "bar"}
	assert.True(t, matches(c, c))
}

func TestMatcher_CachesResult(t *testing.T) {
	m := newMatcher(16)
	p := NewKey("foo.*.baz")
	c := NewKey("foo.mid.baz")
	assert.True(t, m.Matches(p, c))
	// Second call exercises the cache path; result must be stable.
	assert.True(t, m.Matches(p, c))
}

func TestMatcher_DisabledCache(t *testing.T) {
	m := newMatcher(0)
	p := NewKey("foo.*")
	c := NewKey("foo.bar")
	assert.True(t, m.Matches(p, c))
}
