package timer

import (
	"context"
	"math/rand"
	"reflect"
	"runtime"
	"time"

	"github.com/lthibault/jitterbug/v2"

	log "github.com/sirupsen/logrus"
)

// Interval describes a periodic task.
type Interval struct {
	// Name shows up in the log. The function name is used when empty.
	Name     string
	Duration time.Duration
	Jitter   time.Duration
	// Immediate runs the task once before the first tick.
	Immediate bool
}

type tickerJitter struct {
	MaxJitter time.Duration
}

// Jitter spreads d uniformly over [d-MaxJitter, d+MaxJitter). The jitter is capped at half of d so the
// ticker never fires back to back.
func (j tickerJitter) Jitter(d time.Duration) time.Duration {
	maxJitter := min(j.MaxJitter, d/2)
	if maxJitter <= 0 {
		return d
	}
	return d + (time.Duration(rand.Int63n(int64(2*maxJitter))) - maxJitter)
}

// RunWithTicker runs f periodically until ctx is cancelled or f returns an error.
func RunWithTicker(ctx context.Context, interval *Interval, f func(ctx context.Context) error) error {
	name := interval.Name
	if name == "" {
		name = runtime.FuncForPC(reflect.ValueOf(f).Pointer()).Name()
	}

	run := func() error {
		if err := f(ctx); err != nil {
			log.Errorf("RunWithTicker: %s returned error: %v", name, err)
			return err
		}
		return nil
	}

	if interval.Immediate {
		if err := run(); err != nil {
			return err
		}
	}

	j := jitterbug.New(interval.Duration, &tickerJitter{MaxJitter: interval.Jitter})
	defer j.Stop()

	log.Debugf("RunWithTicker: running %s every %v (jitter %v)", name, interval.Duration, interval.Jitter)

	for {
		select {
		case <-ctx.Done():
			log.Debugf("RunWithTicker: context cancelled for %s", name)
			return ctx.Err()
		case <-j.C:
			if err := run(); err != nil {
				return err
			}
		}
	}
}
