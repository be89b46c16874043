package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/boxfs/internal/logging"
	"github.com/objectfs/boxfs/pkg/errors"
	"github.com/objectfs/boxfs/pkg/retry"
	"github.com/objectfs/boxfs/pkg/types"
)

// SSEConfig configures an SSESource.
type SSEConfig struct {
	URL            string
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

// SSESource reads change events from a server-sent-events endpoint. Each
// event's data is a JSON object {"id": "...", "kind": "deleted|changed"}.
type SSESource struct {
	url     string
	client  *http.Client
	retryer *retry.Retryer
	logger  *zap.Logger
}

var _ Source = (*SSESource)(nil)

// stableStream is how long a stream without events must stay open to count
// as established.
const stableStream = 30 * time.Second

func NewSSESource(cfg SSEConfig) *SSESource {
	rc := retry.DefaultConfig()
	if cfg.MaxRetries > 0 {
		rc.MaxAttempts = cfg.MaxRetries
	}
	if cfg.InitialBackoff > 0 {
		rc.InitialDelay = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		rc.MaxDelay = cfg.MaxBackoff
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{} // no timeout for a long-lived stream
	}
	logger := logging.OrNop(cfg.Logger).Named("sse")
	rc.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("event stream connection failed",
			zap.Int("attempt", attempt), zap.Duration("backoff", delay), zap.Error(err))
	}
	return &SSESource{
		url:     strings.TrimSuffix(cfg.URL, "/"),
		client:  client,
		retryer: retry.New(rc),
		logger:  logger,
	}
}

// Subscribe connects to the endpoint and keeps reconnecting while ctx lives.
// Once a connection has been established the attempt budget starts over;
// when the budget is spent without a connection the error channel fires. A
// connection counts as established after it delivered an event or stayed
// open for stableStream.
func (s *SSESource) Subscribe(ctx context.Context) (<-chan types.Event, <-chan error) {
	events := make(chan types.Event, 100)
	errs := make(chan error, 1)
	go s.loop(ctx, events, errs)
	return events, errs
}

func (s *SSESource) loop(ctx context.Context, events chan<- types.Event, errs chan<- error) {
	defer close(events)
	defer close(errs)

	for {
		err := s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
			return s.connect(ctx, events)
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			errs <- err
			return
		}

		timer := time.NewTimer(s.retryer.Backoff(1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connect streams one connection. It returns nil when an established stream
// drops, so the caller reconnects with a fresh budget. A stream that ends
// before it was established is a transient failure and uses up an attempt.
func (s *SSESource) connect(ctx context.Context, events chan<- types.Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return errors.NewError(errors.ErrCodeInvalidConfig, "invalid event stream url").WithCause(err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Transient("connect to event stream", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return errors.Transient(fmt.Sprintf("event stream returned %d", resp.StatusCode), nil)
	default:
		return errors.Fatal(fmt.Sprintf("event stream returned %d", resp.StatusCode), nil)
	}

	s.logger.Info("event stream connected", zap.String("url", s.url))
	opened := time.Now()
	delivered := 0

	scanner := bufio.NewScanner(resp.Body)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if data.Len() > 0 {
				sent, ok := s.dispatch(ctx, data.String(), events)
				if !ok {
					return nil
				}
				if sent {
					delivered++
				}
			}
			data.Reset()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	readErr := scanner.Err()
	if readErr != nil && ctx.Err() == nil {
		s.logger.Warn("event stream read failed", zap.Error(readErr))
	}
	if ctx.Err() == nil && delivered == 0 && time.Since(opened) < stableStream {
		return errors.Transient("event stream closed before delivering an event", readErr)
	}
	return nil
}

// dispatch decodes one event payload and reports whether it was sent. ok is
// false when ctx is done.
func (s *SSESource) dispatch(ctx context.Context, payload string, events chan<- types.Event) (sent, ok bool) {
	var ev types.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil || ev.ID == "" {
		s.logger.Debug("ignoring malformed event", zap.String("data", payload), zap.Error(err))
		return false, true
	}
	select {
	case events <- ev:
		return true, true
	case <-ctx.Done():
		return false, false
	}
}
