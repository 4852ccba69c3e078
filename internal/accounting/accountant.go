// Package accounting records per-request usage off the hot path.
//
// Records go into a buffered channel and a background goroutine flushes
// them in batches to Postgres (and, when configured, mirrors them to
// ClickHouse for analytics). Recording never blocks a request: when the
// channel is full the record is dropped and counted.
package accounting

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/inferxgate/internal/store"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
	flushTimeout  = 10 * time.Second
)

// usageStore is the persistence slice the accountant writes through.
type usageStore interface {
	InsertUsageRecords(ctx context.Context, records []store.UsageRecord) error
	AddSpend(ctx context.Context, keyID string, usd float64) error
	UsageStatsSince(ctx context.Context, since time.Time) (*store.UsageStats, error)
}

// Mirror receives a copy of every flushed batch. Implemented by the
// ClickHouse sink; failures are logged, never propagated.
type Mirror interface {
	WriteUsage(ctx context.Context, records []store.UsageRecord) error
}

// Accountant is the async usage recorder.
type Accountant struct {
	ch        chan store.UsageRecord
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	store  usageStore // nil = degraded, records are dropped with a warning
	mirror Mirror     // optional
	log    *slog.Logger
}

// New starts the accountant's flush goroutine. st and mirror may be nil.
func New(st usageStore, mirror Mirror, log *slog.Logger) *Accountant {
	if log == nil {
		log = slog.Default()
	}
	a := &Accountant{
		ch:     make(chan store.UsageRecord, channelBuffer),
		done:   make(chan struct{}),
		store:  st,
		mirror: mirror,
		log:    log,
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Record enqueues one usage record. Never blocks.
func (a *Accountant) Record(r store.UsageRecord) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	select {
	case a.ch <- r:
	default:
		atomic.AddInt64(&a.dropped, 1)
	}
}

// Dropped returns how many records were discarded due to backpressure.
func (a *Accountant) Dropped() int64 {
	return atomic.LoadInt64(&a.dropped)
}

// StatsSince aggregates persisted usage after since. Returns zero stats in
// degraded mode.
func (a *Accountant) StatsSince(ctx context.Context, since time.Time) (*store.UsageStats, error) {
	if a.store == nil {
		return &store.UsageStats{}, nil
	}
	return a.store.UsageStatsSince(ctx, since)
}

// Close drains the channel, flushes the final batch, and stops the
// goroutine.
func (a *Accountant) Close() error {
	a.closeOnce.Do(func() {
		close(a.done)
	})
	a.wg.Wait()
	return nil
}

func (a *Accountant) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]store.UsageRecord, 0, batchSize)

	for {
		select {
		case r := <-a.ch:
			batch = append(batch, r)
			if len(batch) >= batchSize {
				a.flush(&batch)
			}

		case <-ticker.C:
			a.flush(&batch)

		case <-a.done:
			for {
				select {
				case r := <-a.ch:
					batch = append(batch, r)
					if len(batch) >= batchSize {
						a.flush(&batch)
					}
				default:
					a.flush(&batch)
					return
				}
			}
		}
	}
}

func (a *Accountant) flush(batch *[]store.UsageRecord) {
	if len(*batch) == 0 {
		return
	}
	records := *batch
	*batch = (*batch)[:0]

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if a.store == nil {
		atomic.AddInt64(&a.dropped, int64(len(records)))
		a.log.Warn("usage_records_dropped_no_store", slog.Int("count", len(records)))
		return
	}

	if err := a.store.InsertUsageRecords(ctx, records); err != nil {
		atomic.AddInt64(&a.dropped, int64(len(records)))
		a.log.Warn("usage_flush_failed",
			slog.Int("count", len(records)),
			slog.String("error", err.Error()))
		return
	}

	// Roll each record's cost into its key's running spend.
	for _, r := range records {
		if r.VirtualKeyID == "" || r.CostUSD <= 0 {
			continue
		}
		if err := a.store.AddSpend(ctx, r.VirtualKeyID, r.CostUSD); err != nil {
			a.log.Warn("spend_update_failed",
				slog.String("key_id", r.VirtualKeyID),
				slog.String("error", err.Error()))
		}
	}

	if a.mirror != nil {
		if err := a.mirror.WriteUsage(ctx, records); err != nil {
			a.log.Warn("usage_mirror_failed",
				slog.Int("count", len(records)),
				slog.String("error", err.Error()))
		}
	}
}
