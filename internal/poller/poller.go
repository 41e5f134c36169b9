// Package poller receives Telegram updates and turns them into pane input:
// button presses become TUI dialog keystrokes, replies become injected
// text, slash commands go to the command handler. One goroutine long-polls;
// the daemon's main loop dispatches, so every state write stays serial.
package poller

import (
	"context"
	"time"

	"github.com/go-telegram/bot/models"

	"github.com/haasonsaas/claude-army/internal/observability"
)

// errorBackoff is the pause after a failed getUpdates round so a dead
// network cannot spin the loop.
const errorBackoff = time.Second

// Source produces update batches. Implemented by the chat client.
type Source interface {
	Updates(ctx context.Context, offset int64) ([]*models.Update, error)
}

// Poller owns the long-poll loop and its offset bookkeeping.
type Poller struct {
	src     Source
	log     *observability.Logger
	backoff time.Duration
}

// NewPoller wraps an update source.
func NewPoller(src Source, log *observability.Logger) *Poller {
	return &Poller{src: src, log: log, backoff: errorBackoff}
}

// Run long-polls until ctx ends, delivering updates to out in arrival
// order, and closes out on return. Advancing the offset past a batch
// acknowledges it to the service, so an update handed to out is never
// redelivered.
func (p *Poller) Run(ctx context.Context, out chan<- *models.Update) {
	defer close(out)

	var offset int64
	for ctx.Err() == nil {
		updates, err := p.src.Updates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn(ctx, "update poll failed", "error", err)
			select {
			case <-time.After(p.backoff):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, u := range updates {
			if u.ID >= offset {
				offset = u.ID + 1
			}
			select {
			case out <- u:
			case <-ctx.Done():
				return
			}
		}
	}
}
