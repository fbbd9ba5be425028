package reaction

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okamiyuga/veto/internal/config"
	"github.com/okamiyuga/veto/internal/firewall"
	"github.com/okamiyuga/veto/internal/ledger"
	"github.com/okamiyuga/veto/internal/notifier"
)

// fakeFirewall records every Block/Unblock call it receives, standing in
// for a real packet-filter backend in tests.
type fakeFirewall struct {
	mu       sync.Mutex
	blocked  []firewall.Target
	unblocks []firewall.Target
}

func (f *fakeFirewall) Install() error   { return nil }
func (f *fakeFirewall) Uninstall() error { return nil }

func (f *fakeFirewall) Block(target firewall.Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked = append(f.blocked, target)
	return nil
}

func (f *fakeFirewall) Unblock(target firewall.Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unblocks = append(f.unblocks, target)
	return nil
}

func webRule(t *testing.T, path string) config.Rule {
	t.Helper()
	return config.Rule{
		File:          path,
		Filters:       []string{`^<HOST> .* "<METHOD> (?P<path>[^ ]+) <VERSION>" \[<TIME>\]`},
		Timeout:       config.Duration{Duration: time.Hour},
		Ports:         []uint16{80, 443},
		Blacklists:    map[string][]string{"path": {"/admin"}},
		BlacklistKeys: []string{"path"},
	}
}

func logLine(host, path string, offset time.Duration) string {
	ts := time.Now().UTC().Add(offset).Format(timeLayoutForTest)
	return fmt.Sprintf(`%s - - "GET %s HTTP/1.1" [%s]`, host, path, ts)
}

// timeLayoutForTest mirrors matcher's private timeLayout; duplicated here
// since the test builds lines outside the matcher package.
const timeLayoutForTest = "02/Jan/2006:15:04:05 -0700"

func newReactor(t *testing.T, fw *fakeFirewall, whitelist []*net.IPNet, path string, rule config.Rule) (*Reactor, *ledger.Ledger) {
	t.Helper()
	led, err := ledger.Open(zerolog.Nop(), filepath.Join(t.TempDir(), "storage.gob.gz"), time.Hour)
	require.NoError(t, err)

	r := New(zerolog.Nop(), whitelist, led, fw)
	require.NoError(t, r.PrepareRules(map[string]config.Rule{"web": rule}, []string{"web"}))
	return r, led
}

func TestBasicBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	fw := &fakeFirewall{}
	r, led := newReactor(t, fw, nil, path, webRule(t, path))
	defer r.Close()

	appendLine(t, path, logLine("1.2.3.4", "/admin", -time.Minute))
	r.HandleEvent(eventFor(path))

	require.Len(t, fw.blocked, 1)
	assert.Equal(t, "1.2.3.4", fw.blocked[0].IP.String())
	assert.Equal(t, []uint16{80, 443}, fw.blocked[0].Ports)

	rec, ok := led.Lookup(net.ParseIP("1.2.3.4"))
	require.True(t, ok)
	assert.Equal(t, path, rec.File)
	assert.True(t, rec.Active)
}

func TestOutdatedLineIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	fw := &fakeFirewall{}
	r, _ := newReactor(t, fw, nil, path, webRule(t, path))
	defer r.Close()

	appendLine(t, path, logLine("1.2.3.4", "/admin", -365*24*time.Hour))
	r.HandleEvent(eventFor(path))

	assert.Empty(t, fw.blocked)
}

func TestWhitelistSkip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	_, network, err := net.ParseCIDR("1.2.3.0/24")
	require.NoError(t, err)

	fw := &fakeFirewall{}
	r, led := newReactor(t, fw, []*net.IPNet{network}, path, webRule(t, path))
	defer r.Close()

	appendLine(t, path, logLine("1.2.3.4", "/admin", -time.Minute))
	r.HandleEvent(eventFor(path))

	assert.Empty(t, fw.blocked)
	assert.Equal(t, 0, led.Len())
}

func TestBlacklistMiss(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	fw := &fakeFirewall{}
	r, _ := newReactor(t, fw, nil, path, webRule(t, path))
	defer r.Close()

	appendLine(t, path, logLine("1.2.3.4", "/public", -time.Minute))
	r.HandleEvent(eventFor(path))

	assert.Empty(t, fw.blocked)
}

func TestUnblockCycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	rule := webRule(t, path)
	fw := &fakeFirewall{}
	r, led := newReactor(t, fw, nil, path, rule)
	defer r.Close()

	appendLine(t, path, logLine("1.2.3.4", "/admin", 0))
	r.HandleEvent(eventFor(path))
	require.Len(t, fw.blocked, 1)

	// Advance past the record's expiry by moving its Until into the past;
	// the record already exists, so this issues no second Block.
	led.Upsert(net.ParseIP("1.2.3.4"), time.Now().Add(-time.Minute), path)
	r.lastUnblock = time.Time{}
	r.HandleUnblock()

	require.Len(t, fw.unblocks, 1)
	assert.Equal(t, "1.2.3.4", fw.unblocks[0].IP.String())
	rec, ok := led.Lookup(net.ParseIP("1.2.3.4"))
	require.True(t, ok, "unblocking must mark the record inactive, not remove it")
	assert.False(t, rec.Active)

	fw.unblocks = nil
	r.lastUnblock = time.Time{}
	r.HandleUnblock()
	assert.Empty(t, fw.unblocks, "a second tick must not re-unblock an already-inactive record")
}

func TestRecoveryReblocksActiveRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	storagePath := filepath.Join(t.TempDir(), "storage.gob.gz")

	led, err := ledger.Open(zerolog.Nop(), storagePath, time.Hour)
	require.NoError(t, err)
	led.Upsert(net.ParseIP("1.2.3.4"), time.Now().Add(time.Hour), path)

	fw := &fakeFirewall{}
	r := New(zerolog.Nop(), nil, led, fw)
	require.NoError(t, r.PrepareRules(map[string]config.Rule{"web": webRule(t, path)}, []string{"web"}))
	defer r.Close()

	r.Recover()

	require.Len(t, fw.blocked, 1)
	assert.Equal(t, "1.2.3.4", fw.blocked[0].IP.String())
}

func TestPrepareRulesFailsOnMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist.log")
	led, err := ledger.Open(zerolog.Nop(), filepath.Join(t.TempDir(), "storage.gob.gz"), time.Hour)
	require.NoError(t, err)

	r := New(zerolog.Nop(), nil, led, &fakeFirewall{})
	err = r.PrepareRules(map[string]config.Rule{"web": webRule(t, missing)}, []string{"web"})
	require.Error(t, err)
}

func TestCreatedEventReopensFileAndKeepsWatermark(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	fw := &fakeFirewall{}
	r, _ := newReactor(t, fw, nil, path, webRule(t, path))
	defer r.Close()

	appendLine(t, path, logLine("1.2.3.4", "/admin", -time.Minute))
	r.HandleEvent(eventFor(path))
	require.Len(t, fw.blocked, 1, "the first line should convict")

	// Simulate a logrotate cycle: the old file disappears and a brand new
	// file appears at the same path, containing a line that predates the
	// watermark established above but is still within the rule's timeout.
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	appendLine(t, path, logLine("5.6.7.8", "/admin", -30*time.Minute))

	r.HandleEvent(notifier.Event{Path: path, Type: notifier.Created})

	assert.Len(t, fw.blocked, 1, "the watermark must still reject a replayed historical line after Created reopens the cursor")
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(line + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func eventFor(path string) notifier.Event {
	return notifier.Event{Path: path, Type: notifier.Modified}
}
