package ledger

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "storage.gob.gz")
	l, err := Open(zerolog.Nop(), path, time.Hour)
	require.NoError(t, err)
	return l
}

func TestUpsertReportsExistingRecord(t *testing.T) {
	l := newTestLedger(t)
	addr := net.ParseIP("198.51.100.7")

	existed := l.Upsert(addr, time.Now().Add(time.Hour), "web.log")
	assert.False(t, existed, "first upsert of a fresh address must report no prior record")

	existed = l.Upsert(addr, time.Now().Add(2*time.Hour), "web.log")
	assert.True(t, existed, "re-upserting a blocked address must report it already existed")

	rec, ok := l.Lookup(addr)
	require.True(t, ok)
	assert.Equal(t, "web.log", rec.File)
	assert.True(t, rec.Active)
	assert.Equal(t, uint8(0), rec.Hits)
}

func TestRemoveDeletesRecord(t *testing.T) {
	l := newTestLedger(t)
	addr := net.ParseIP("198.51.100.8")
	l.Upsert(addr, time.Now().Add(time.Hour), "web.log")

	l.Remove(addr)

	_, ok := l.Lookup(addr)
	assert.False(t, ok)
}

func TestIterOutdatedMarksRecordsInactiveWithoutRemoving(t *testing.T) {
	l := newTestLedger(t)
	active := net.ParseIP("198.51.100.9")
	expired := net.ParseIP("198.51.100.10")

	now := time.Now()
	l.Upsert(active, now.Add(time.Hour), "web.log")
	l.Upsert(expired, now.Add(-time.Minute), "web.log")

	var seen []string
	l.IterOutdated(now, func(addr net.IP, file string) bool {
		seen = append(seen, addr.String())
		assert.Equal(t, "web.log", file)
		return true
	})

	assert.Equal(t, []string{expired.String()}, seen)

	rec, ok := l.Lookup(expired)
	require.True(t, ok, "an outdated record must persist, not be removed")
	assert.False(t, rec.Active)

	// A second tick must not revisit a record already marked inactive.
	seen = nil
	l.IterOutdated(now, func(addr net.IP, file string) bool {
		seen = append(seen, addr.String())
		return true
	})
	assert.Empty(t, seen)
}

func TestIterOutdatedLeavesUnknownFileRecordActive(t *testing.T) {
	l := newTestLedger(t)
	addr := net.ParseIP("198.51.100.15")
	now := time.Now()
	l.Upsert(addr, now.Add(-time.Minute), "stale.log")

	l.IterOutdated(now, func(addr net.IP, file string) bool {
		return false // simulates "not ours to touch": no owning rule found
	})

	rec, ok := l.Lookup(addr)
	require.True(t, ok)
	assert.True(t, rec.Active, "a record the callback declines to touch must remain active")
}

func TestIterActiveOnlyVisitsUnexpiredRecords(t *testing.T) {
	l := newTestLedger(t)
	active := net.ParseIP("198.51.100.11")
	expired := net.ParseIP("198.51.100.12")

	now := time.Now()
	l.Upsert(active, now.Add(time.Hour), "web.log")
	l.Upsert(expired, now.Add(-time.Minute), "web.log")

	var seen []string
	l.IterActive(now, func(addr net.IP, rec Record) {
		seen = append(seen, addr.String())
	})

	assert.Equal(t, []string{active.String()}, seen)
}

func TestFlushAndReloadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.gob.gz")
	l, err := Open(zerolog.Nop(), path, time.Hour)
	require.NoError(t, err)

	addr := net.ParseIP("198.51.100.13")
	until := time.Now().Add(time.Hour).Truncate(time.Second)
	l.Upsert(addr, until, "web.log")

	require.NoError(t, l.flush())

	reloaded, err := Open(zerolog.Nop(), path, time.Hour)
	require.NoError(t, err)

	rec, ok := reloaded.Lookup(addr)
	require.True(t, ok)
	assert.Equal(t, "web.log", rec.File)
	assert.True(t, rec.Until.Equal(until))
	assert.True(t, rec.Active)
}

func TestLenReportsRecordCount(t *testing.T) {
	l := newTestLedger(t)
	assert.Equal(t, 0, l.Len())
	l.Upsert(net.ParseIP("198.51.100.14"), time.Now().Add(time.Hour), "web.log")
	assert.Equal(t, 1, l.Len())
}
