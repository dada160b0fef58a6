package run

import (
	"context"
	"sync"
	"time"
)

// pacer enforces the spacing the limiter asks for. It remembers when each
// class was last attempted and sleeps out the remainder of the delay, so a
// run that spent time elsewhere (another interval's batch, a slow fetch)
// does not pay the full delay again.
type pacer struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func newPacer() *pacer {
	return &pacer{last: make(map[string]time.Time)}
}

// wait blocks until at least delay has passed since the previous wait for
// class, then records the new attempt time. Returns early with ctx.Err() on
// cancellation, leaving the class's clock untouched.
func (p *pacer) wait(ctx context.Context, class string, delay time.Duration) error {
	p.mu.Lock()
	prev, ok := p.last[class]
	p.mu.Unlock()

	if ok && delay > 0 {
		if remaining := delay - time.Since(prev); remaining > 0 {
			tmr := time.NewTimer(remaining)
			select {
			case <-ctx.Done():
				if !tmr.Stop() {
					<-tmr.C
				}
				return ctx.Err()
			case <-tmr.C:
			}
		}
	}

	p.mu.Lock()
	p.last[class] = time.Now()
	p.mu.Unlock()
	return nil
}
