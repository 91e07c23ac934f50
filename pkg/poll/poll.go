// Package poll waits for an upstream task to reach a terminal state.
package poll

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lkarlslund/zimageproxy/pkg/identity"
	"github.com/lkarlslund/zimageproxy/pkg/upstream"
)

const (
	DefaultTimeout  = 60 * time.Second
	DefaultInterval = 1500 * time.Millisecond
)

var (
	ErrTimeout          = errors.New("timed out waiting for image")
	ErrGenerationFailed = errors.New("generation failed")
)

type Querier interface {
	QueryTask(ctx context.Context, taskID string, id identity.Identity) upstream.Outcome
}

// ProgressFunc is called after every non-terminal query. iteration counts
// those queries starting at 0.
type ProgressFunc func(iteration int, outcome upstream.Outcome)

type Options struct {
	Timeout    time.Duration
	Interval   time.Duration
	OnProgress ProgressFunc
}

type Poller struct {
	q Querier
}

func New(q Querier) *Poller {
	return &Poller{q: q}
}

// Wait sleeps one interval before every query, so success is detected at most
// one interval late and the upstream is never hit faster than the interval.
func (p *Poller) Wait(ctx context.Context, taskID string, id identity.Identity, opts Options) (string, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	ctx, cancel := context.WithTimeoutCause(ctx, opts.Timeout, ErrTimeout)
	defer cancel()

	timer := time.NewTimer(opts.Interval)
	defer timer.Stop()
	iteration := 0
	for {
		select {
		case <-ctx.Done():
			return "", waitErr(ctx)
		case <-timer.C:
		}
		out := p.q.QueryTask(ctx, taskID, id)
		switch out.State {
		case upstream.StateSuccess:
			return out.URL, nil
		case upstream.StateFailed:
			reason := strings.TrimSpace(out.Error)
			if reason == "" || strings.EqualFold(reason, ErrGenerationFailed.Error()) {
				return "", ErrGenerationFailed
			}
			return "", fmt.Errorf("%w: %s", ErrGenerationFailed, reason)
		}
		if ctx.Err() != nil {
			return "", waitErr(ctx)
		}
		if opts.OnProgress != nil {
			opts.OnProgress(iteration, out)
		}
		iteration++
		timer.Reset(opts.Interval)
	}
}

func waitErr(ctx context.Context) error {
	if cause := context.Cause(ctx); errors.Is(cause, ErrTimeout) {
		return ErrTimeout
	}
	return ctx.Err()
}
