package csync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncState_ObserveMonotonic(t *testing.T) {
	s := newSyncState()

	accepted := s.observe(Value{Key: "a.b", VTS: 10, Exists: true, RawData: "x"})
	assert.True(t, accepted)

	stale := s.observe(Value{Key: "a.b", VTS: 5, Exists: true, RawData: "y"})
	assert.False(t, stale)

	v, ok := s.latest("a.b")
	require.True(t, ok)
	assert.Equal(t, int64(10), v.VTS)
	assert.Equal(t, "x", v.RawData)

	newer := s.observe(Value{Key: "a.b", VTS: 11, Exists: false})
	assert.True(t, newer)

	key, ok := s.byVTS(11)
	require.True(t, ok)
	assert.Equal(t, "a.b", key)
}

func TestSyncState_RVTSAndAdvanceScheduling(t *testing.T) {
	s := newSyncState()

	assert.Equal(t, int64(0), s.rvts("tests.*"))
	s.commitRVTS("tests.*", 42)
	assert.Equal(t, int64(42), s.rvts("tests.*"))

	assert.True(t, s.tryScheduleAdvance("tests.*"))
	assert.False(t, s.tryScheduleAdvance("tests.*"))

	s.clearAdvanceScheduled("tests.*")
	assert.True(t, s.tryScheduleAdvance("tests.*"))
}

func TestSyncState_SnapshotMatching(t *testing.T) {
	s := newSyncState()
	s.observe(Value{Key: "tests.a", VTS: 1, Exists: true, RawData: "1"})
	s.observe(Value{Key: "tests.b", VTS: 2, Exists: true, RawData: "2"})
	s.observe(Value{Key: "other.c", VTS: 3, Exists: true, RawData: "3"})
	s.observe(Value{Key: "tests.d", VTS: 4, Exists: false})

	m := newMatcher(16)
	matches := s.snapshotMatching(m, NewKey("tests.*"))
	assert.Len(t, matches, 2)
}

func TestRVTSKey_RetainsLiteralPrefix(t *testing.T) {
	assert.Equal(t, "*.tests.k", rvtsKey("tests.k"))
}
