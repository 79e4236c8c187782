package queue

import (
	"math/rand"
	"time"

	logpkg "github.com/duramq/duramq/pkg/log"
)

// StartSweeper launches a background task that calls FlushAllExpired on the
// given interval, jittered by up to 10% so that many collections started at
// once don't all sweep in lockstep. Calling it twice without an intervening
// StopSweeper is a no-op.
func (c *Collection) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.jMu.Lock()
	if c.sweepStop != nil {
		c.jMu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.sweepStop = stop
	c.jMu.Unlock()

	c.sweepWG.Add(1)
	go func() {
		defer c.sweepWG.Done()
		jitter := time.Duration(rand.Int63n(int64(interval) / 10 + 1))
		t := time.NewTicker(interval + jitter)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				n, err := c.FlushAllExpired()
				if err != nil {
					c.logger.WithError(err).Warn("sweeper: flush expired failed")
					continue
				}
				if n > 0 {
					c.logger.Debug("sweeper: reclaimed expired items", logpkg.Int("count", n))
				}
			}
		}
	}()
}

// StopSweeper stops the background sweeper started by StartSweeper, if any.
func (c *Collection) StopSweeper() {
	c.jMu.Lock()
	stop := c.sweepStop
	c.sweepStop = nil
	c.jMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	c.sweepWG.Wait()
}
