// Package reaction ties the matcher, ledger, firewall and notifier together
// into the reactor loop: one goroutine owning every watched file's read
// cursor and deciding when to block or unblock an address.
package reaction

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/okamiyuga/veto/internal/config"
	"github.com/okamiyuga/veto/internal/firewall"
	"github.com/okamiyuga/veto/internal/ledger"
	"github.com/okamiyuga/veto/internal/matcher"
	"github.com/okamiyuga/veto/internal/metrics"
	"github.com/okamiyuga/veto/internal/notifier"
)

// Error is an IOError: a watched log file could not be opened. Fatal at
// startup; at runtime it only stops draining the affected file until a
// Created event reopens it.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("reaction: opening %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// fileState holds the read cursor for one watched file: an open handle and
// scanner positioned where the reactor last left off, plus the rule's
// monotonic time watermark, which survives the file being closed and
// reopened (e.g. across a logrotate cycle).
type fileState struct {
	file     *os.File
	scanner  *bufio.Scanner
	lastTime time.Time
}

func (s *fileState) close() {
	if s.file != nil {
		s.file.Close()
	}
	s.file = nil
	s.scanner = nil
}

func (s *fileState) open(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	s.file = f
	s.scanner = bufio.NewScanner(f)
	s.scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return nil
}

type fileEntry struct {
	entry *matcher.Entry
	state *fileState
}

// Reactor applies a set of compiled rules against their watched files,
// maintaining the ledger and driving the firewall.
type Reactor struct {
	logger      zerolog.Logger
	whitelist   []*net.IPNet
	ledger      *ledger.Ledger
	firewall    firewall.Firewall
	files       map[string]*fileEntry
	lastUnblock time.Time
}

// New builds a Reactor with no files yet; call PrepareRules to populate it.
func New(logger zerolog.Logger, whitelist []*net.IPNet, led *ledger.Ledger, fw firewall.Firewall) *Reactor {
	return &Reactor{
		logger:    logger,
		whitelist: whitelist,
		ledger:    led,
		firewall:  fw,
		files:     make(map[string]*fileEntry),
	}
}

// PrepareRules compiles every rule and opens its log file. End-of-file
// position is NOT assumed: each file is opened from the start and its lines
// are walked once at startup, relying on the per-line time watermark and
// rule timeout to skip anything already stale rather than seeking to the
// end. A watched file that cannot be opened is fatal at startup.
func (r *Reactor) PrepareRules(rules map[string]config.Rule, order []string) error {
	for _, name := range order {
		rule := rules[name]
		entry, err := matcher.Compile(name, rule)
		if err != nil {
			return err
		}

		// Key by the canonical path Compile resolved, which is also the file
		// the ledger records for addresses this rule blocks.
		path := entry.Rule.File
		state := &fileState{lastTime: time.Unix(0, 0).UTC()}
		if err := state.open(path); err != nil {
			return &Error{Path: path, Err: err}
		}

		r.files[path] = &fileEntry{entry: entry, state: state}
	}
	return nil
}

// Paths returns every watched file path, for the notifier to subscribe to.
func (r *Reactor) Paths() []string {
	paths := make([]string, 0, len(r.files))
	for p := range r.files {
		paths = append(paths, p)
	}
	return paths
}

// HandleEvent dispatches a single notifier event to its owning file.
func (r *Reactor) HandleEvent(ev notifier.Event) {
	fe, ok := r.files[ev.Path]
	if !ok {
		return
	}

	switch ev.Type {
	case notifier.Modified:
		r.logger.Debug().Str("path", ev.Path).Msg("modified")
		if fe.state.scanner == nil {
			// The file is inert since a prior Removed; a Modified before the
			// matching Created has no effect.
			return
		}
		r.handleModified(fe)
	case notifier.Created:
		r.logger.Debug().Str("path", ev.Path).Msg("created")
		fe.state.close()
		if err := fe.state.open(ev.Path); err != nil {
			r.logger.Warn().Err(err).Str("path", ev.Path).Msg("failed reopening file")
			return
		}
		// lastTime is left untouched: it keeps filtering historical replays
		// even though the line stream cursor has reset to the beginning.
		r.handleModified(fe)
	case notifier.Removed:
		r.logger.Debug().Str("path", ev.Path).Msg("removed")
		fe.state.close()
	}
}

// handleModified drains every newly available line from fe's file, blocking
// any address a filter convicts.
func (r *Reactor) handleModified(fe *fileEntry) {
	for {
		addr, ok := r.checkLines(fe)
		if !ok {
			return
		}

		if r.isWhitelisted(addr) {
			r.logger.Info().Str("addr", addr.String()).Msg("skipping whitelisted address")
			continue
		}

		now := time.Now().UTC()
		expires := now.Add(fe.entry.Rule.Timeout.Duration)
		existed := r.ledger.Upsert(addr, expires, fe.entry.Rule.File)
		if existed {
			continue
		}

		r.logger.Info().Str("rule", fe.entry.Name).Str("addr", addr.String()).Msg("blocking")
		metrics.BlocksTotal.WithLabelValues(fe.entry.Name).Inc()
		target := firewall.Target{IP: addr, Ports: fe.entry.Rule.Ports}
		if err := r.firewall.Block(target); err != nil {
			metrics.FirewallErrorsTotal.WithLabelValues("block").Inc()
			r.logger.Warn().Err(err).Str("rule", fe.entry.Name).Str("addr", addr.String()).Msg("failed blocking address")
		}
	}
}

// checkLines reads and matches the next available line from fe's file,
// returning the first convicting address, or false once the file is
// exhausted for now.
func (r *Reactor) checkLines(fe *fileEntry) (net.IP, bool) {
	if fe.state.scanner == nil {
		return nil, false
	}

	for fe.state.scanner.Scan() {
		line := fe.state.scanner.Text()
		metrics.LinesProcessedTotal.WithLabelValues(fe.entry.Name).Inc()
		if addr, ok := matcher.Find(fe.entry, &fe.state.lastTime, line); ok {
			return addr, true
		}
	}

	if err := fe.state.scanner.Err(); err != nil {
		r.logger.Warn().Err(err).Msg("error reading line")
	}
	return nil, false
}

func (r *Reactor) isWhitelisted(addr net.IP) bool {
	for _, network := range r.whitelist {
		if network.Contains(addr) {
			return true
		}
	}
	return false
}

// HandleUnblock evicts every outdated-but-still-active ledger record,
// unblocking it at the firewall and marking it inactive. It is a no-op if
// called more than once within the same instant. A record whose file is not
// (or no longer) among the loaded rules is left active and untouched —
// "not ours to touch" — so it remains eligible on future ticks rather than
// being silently garbage-collected.
func (r *Reactor) HandleUnblock() {
	now := time.Now().UTC()
	if !r.lastUnblock.Before(now) {
		return
	}

	r.ledger.IterOutdated(now, func(addr net.IP, file string) bool {
		fe, ok := r.entryForFile(file)
		if !ok {
			return false
		}

		r.logger.Info().Str("rule", fe.entry.Name).Str("addr", addr.String()).Msg("unblocking")
		metrics.UnblocksTotal.Inc()
		target := firewall.Target{IP: addr, Ports: fe.entry.Rule.Ports}
		if err := r.firewall.Unblock(target); err != nil {
			metrics.FirewallErrorsTotal.WithLabelValues("unblock").Inc()
			r.logger.Warn().Err(err).Str("addr", addr.String()).Msg("failed unblocking address")
		}
		return true
	})

	r.lastUnblock = now
	metrics.ActiveRecords.Set(float64(r.ledger.Len()))
}

// entryForFile resolves the fileEntry owning a watched log path, the same
// key r.files is indexed by.
func (r *Reactor) entryForFile(file string) (*fileEntry, bool) {
	fe, ok := r.files[file]
	return fe, ok
}

// Recover re-applies Block for every address the ledger still considers
// active, restoring firewall state that the OS does not persist across a
// restart even though the ledger's snapshot does. Must run before the
// reactor processes any new lines.
func (r *Reactor) Recover() {
	now := time.Now().UTC()
	r.ledger.IterActive(now, func(addr net.IP, rec ledger.Record) {
		fe, ok := r.entryForFile(rec.File)
		if !ok {
			return
		}
		r.logger.Info().Str("rule", fe.entry.Name).Str("addr", addr.String()).Msg("re-blocking on recovery")
		target := firewall.Target{IP: addr, Ports: fe.entry.Rule.Ports}
		if err := r.firewall.Block(target); err != nil {
			metrics.FirewallErrorsTotal.WithLabelValues("block").Inc()
			r.logger.Warn().Err(err).Str("addr", addr.String()).Msg("failed re-blocking address on recovery")
		}
	})
}

// Close releases every open file handle.
func (r *Reactor) Close() {
	for _, fe := range r.files {
		fe.state.close()
	}
}

// Analyze runs a single line through rule's compiled filters without
// touching the ledger or firewall, for the CLI's analyze subcommand.
func Analyze(rules map[string]config.Rule, ruleName, line string) ([]matcher.FilterAnalysis, error) {
	rule, ok := rules[ruleName]
	if !ok {
		return nil, fmt.Errorf("unknown rule %q", ruleName)
	}
	entry, err := matcher.Compile(ruleName, rule)
	if err != nil {
		return nil, err
	}
	return matcher.FindAnalyze(entry, line), nil
}
