// Package scheduler runs the daemon's top-level select loop, multiplexing
// shutdown, the notifier's event channel, and the periodic unblock tick into
// a single goroutine, so every call into the Reactor — and so every firewall
// invocation — is serialized exactly as the reactor's single-owner file
// cursors require.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/okamiyuga/veto/internal/notifier"
	"github.com/okamiyuga/veto/internal/reaction"
)

// UnblockInterval is how often the scheduler checks the ledger for expired
// records.
const UnblockInterval = 60 * time.Second

// Run drives the reactor until ctx is canceled. It replays any lines
// already pending on every watched file once before entering the event
// loop, the same startup behavior as the original's lines iterator
// covering the whole file from the first read. All three inputs — shutdown,
// notifier events, and the unblock tick — are multiplexed by one select
// loop so no two reach the reactor concurrently.
func Run(ctx context.Context, logger zerolog.Logger, n *notifier.Notifier, r *reaction.Reactor) error {
	for _, path := range r.Paths() {
		r.HandleEvent(notifier.Event{Path: path, Type: notifier.Modified})
	}

	ticker := time.NewTicker(UnblockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Close()
			return nil
		case <-ticker.C:
			r.HandleUnblock()
		case ev, ok := <-n.Events():
			if !ok {
				r.Close()
				return nil
			}
			r.HandleEvent(ev)
		case err, ok := <-n.Errors():
			if !ok {
				r.Close()
				return nil
			}
			logger.Warn().Err(err).Msg("notifier error")
		}
	}
}
