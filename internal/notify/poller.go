package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/boxfs/internal/logging"
	"github.com/objectfs/boxfs/internal/remote"
	"github.com/objectfs/boxfs/pkg/errors"
	"github.com/objectfs/boxfs/pkg/types"
)

// DefaultPollInterval is used when PollerConfig.Interval is unset.
const DefaultPollInterval = 30 * time.Second

// PollerConfig configures a Poller.
type PollerConfig struct {
	Interval time.Duration
	Logger   *zap.Logger
}

// Poller turns a cursor-based change feed into a Source.
type Poller struct {
	feed     remote.ChangeFeed
	interval time.Duration
	logger   *zap.Logger
}

var _ Source = (*Poller)(nil)

func NewPoller(feed remote.ChangeFeed, cfg *PollerConfig) *Poller {
	if cfg == nil {
		cfg = &PollerConfig{}
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		feed:     feed,
		interval: interval,
		logger:   logging.OrNop(cfg.Logger).Named("poller"),
	}
}

// Subscribe starts polling. The first call establishes the cursor, so only
// changes made after Subscribe are delivered. Transient feed errors are
// retried on the next tick; anything else ends the subscription.
func (p *Poller) Subscribe(ctx context.Context) (<-chan types.Event, <-chan error) {
	events := make(chan types.Event, 64)
	errs := make(chan error, 1)
	go p.loop(ctx, events, errs)
	return events, errs
}

func (p *Poller) loop(ctx context.Context, events chan<- types.Event, errs chan<- error) {
	defer close(events)
	defer close(errs)

	cursor := ""
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		batch, next, err := p.feed.Changes(ctx, cursor)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil && errors.IsCode(err, errors.ErrCodeTransient):
			p.logger.Debug("change feed unavailable", zap.Error(err))
		case err != nil:
			errs <- errors.Translate(err)
			return
		default:
			cursor = next
			for _, ev := range batch {
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
