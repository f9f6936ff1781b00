package locktable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/formicaio/pkg/types"
)

func TestIsStillLocked_TrueWithinTTL(t *testing.T) {
	tbl := New()
	tbl.Lock(types.NodeID("n1"), time.Minute)
	assert.True(t, tbl.IsStillLocked(types.NodeID("n1")))
}

func TestIsStillLocked_FalseForUnknownID(t *testing.T) {
	tbl := New()
	assert.False(t, tbl.IsStillLocked(types.NodeID("ghost")))
}

func TestIsStillLocked_EvictsExpiredEntry(t *testing.T) {
	tbl := New()
	tbl.Lock(types.NodeID("n1"), time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	assert.False(t, tbl.IsStillLocked(types.NodeID("n1")))
	assert.False(t, tbl.Contains(types.NodeID("n1")))
}

func TestContains_IgnoresTTLExpiry(t *testing.T) {
	tbl := New()
	tbl.Lock(types.NodeID("n1"), time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	assert.True(t, tbl.Contains(types.NodeID("n1")))
}

func TestRemove_ClearsEntry(t *testing.T) {
	tbl := New()
	tbl.Lock(types.NodeID("n1"), time.Minute)
	tbl.Remove(types.NodeID("n1"))

	assert.False(t, tbl.Contains(types.NodeID("n1")))
	assert.Equal(t, 0, tbl.Len())
}

func TestLen_CountsExpiredAndLiveEntries(t *testing.T) {
	tbl := New()
	tbl.Lock(types.NodeID("n1"), time.Minute)
	tbl.Lock(types.NodeID("n2"), time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	assert.Equal(t, 2, tbl.Len())
}

func TestLock_ReplacesExistingEntry(t *testing.T) {
	tbl := New()
	tbl.Lock(types.NodeID("n1"), time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	tbl.Lock(types.NodeID("n1"), time.Minute)

	assert.True(t, tbl.IsStillLocked(types.NodeID("n1")))
}
