package metrics

import (
	"context"
	"time"

	"github.com/cuemby/bos/pkg/storage"
	"github.com/cuemby/bos/pkg/types"
)

// Collector periodically scans the store and publishes fleet-level gauges.
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.collectComponentMetrics(ctx)
	c.collectSessionMetrics(ctx)
}

func (c *Collector) collectComponentMetrics(ctx context.Context) {
	type bucket struct{ phase, status string }
	counts := make(map[bucket]int)

	err := storage.ScanRecords(ctx, c.store, storage.KindComponents, "", 500,
		func(key string, comp types.Component) error {
			phase := string(comp.Status.Phase)
			if phase == "" {
				phase = "none"
			}
			counts[bucket{phase: phase, status: string(comp.Status.Effective())}]++
			return nil
		})
	if err != nil {
		return
	}

	ComponentsTotal.Reset()
	for b, count := range counts {
		ComponentsTotal.WithLabelValues(b.phase, b.status).Set(float64(count))
	}
}

func (c *Collector) collectSessionMetrics(ctx context.Context) {
	counts := make(map[string]int)

	err := storage.ScanRecords(ctx, c.store, storage.KindSessions, "", 500,
		func(key string, sess types.Session) error {
			counts[string(sess.Status.Status)]++
			return nil
		})
	if err != nil {
		return
	}

	SessionsTotal.Reset()
	for status, count := range counts {
		SessionsTotal.WithLabelValues(status).Set(float64(count))
	}
}
