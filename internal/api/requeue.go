package api

import (
	"context"
	"time"
)

// RequeueStale returns items that were claimed more than leaseTimeout ago and
// never acked to the pending state, checking every interval until ctx is
// cancelled.
func (s *Server) RequeueStale(ctx context.Context, interval, leaseTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.requeueOnce(ctx, leaseTimeout)
		}
	}
}

func (s *Server) requeueOnce(ctx context.Context, leaseTimeout time.Duration) int {
	n, err := s.store.RequeueStale(ctx, time.Now().Add(-leaseTimeout))
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("requeue stale items", "error", err)
		}
		return 0
	}
	if n > 0 {
		itemsRequeuedTotal.Add(float64(n))
		s.logger.Info("requeued stale items", "count", n)
	}
	return n
}
