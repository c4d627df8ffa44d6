package orders

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/atomic"

	"resumekit.app/unlock/internal/logger"
	"resumekit.app/unlock/internal/metrics"
)

type SweepStore interface {
	DeleteExpiredOrders(ctx context.Context, cutoff time.Time) (int, error)
	DeleteExpiredTokens(ctx context.Context, cutoff time.Time) (int, error)
}

// Sweeper periodically purges PENDING orders past their TTL and download
// tokens past their expiry. Verified orders are never touched.
type Sweeper struct {
	store    SweepStore
	orderTTL time.Duration
	interval time.Duration
	now      func() time.Time

	runs          atomic.Int64
	ordersPurged  atomic.Int64
	tokensPurged  atomic.Int64
	lastSweepUnix atomic.Int64
}

type SweepStats struct {
	Runs         int64
	OrdersPurged int64
	TokensPurged int64
	LastSweep    time.Time
}

func NewSweeper(store SweepStore, orderTTL, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		orderTTL: orderTTL,
		interval: interval,
		now:      time.Now,
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	logger.Info("Sweeper started", map[string]interface{}{
		"interval":  s.interval.String(),
		"order_ttl": s.orderTTL.String(),
	})

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, _, err := s.SweepOnce(ctx); err != nil {
			logger.Error("Sweep failed", map[string]interface{}{
				"error": err.Error(),
			})
		}

		select {
		case <-ctx.Done():
			logger.Info("Sweeper stopped", map[string]interface{}{
				"runs": s.runs.Load(),
			})
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce runs a single purge and returns how many orders and tokens it
// removed. A failure in one purge does not skip the other.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, int, error) {
	now := s.now()
	var result *multierror.Error

	orders, err := s.store.DeleteExpiredOrders(ctx, now.Add(-s.orderTTL))
	if err != nil {
		result = multierror.Append(result, err)
	}
	tokens, err := s.store.DeleteExpiredTokens(ctx, now)
	if err != nil {
		result = multierror.Append(result, err)
	}

	s.runs.Inc()
	s.ordersPurged.Add(int64(orders))
	s.tokensPurged.Add(int64(tokens))
	s.lastSweepUnix.Store(now.UnixNano())
	metrics.RecordsSwept.WithLabelValues("order").Add(float64(orders))
	metrics.RecordsSwept.WithLabelValues("token").Add(float64(tokens))

	if orders > 0 || tokens > 0 {
		logger.Info("Expired records purged", map[string]interface{}{
			"orders": orders,
			"tokens": tokens,
		})
	}
	return orders, tokens, result.ErrorOrNil()
}

func (s *Sweeper) Stats() SweepStats {
	stats := SweepStats{
		Runs:         s.runs.Load(),
		OrdersPurged: s.ordersPurged.Load(),
		TokensPurged: s.tokensPurged.Load(),
	}
	if last := s.lastSweepUnix.Load(); last > 0 {
		stats.LastSweep = time.Unix(0, last)
	}
	return stats
}
