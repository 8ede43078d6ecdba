package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/MimeLyc/media-transcriber/pkg/log"
	"github.com/cockroachdb/errors"
)

const (
	DefaultDispatchInterval   = 500 * time.Millisecond
	DefaultStaleCheckInterval = 30 * time.Second
)

// Dispatcher moves queued jobs into the pool while it has free slots and
// keeps every waiting job's position label current.
type Dispatcher struct {
	queue *Queue
	pool  *Pool
	store *Store

	interval      time.Duration
	staleInterval time.Duration

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewDispatcher(queue *Queue, pool *Pool, store *Store, interval, staleInterval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = DefaultDispatchInterval
	}
	if staleInterval <= 0 {
		staleInterval = DefaultStaleCheckInterval
	}
	return &Dispatcher{
		queue:         queue,
		pool:          pool,
		store:         store,
		interval:      interval,
		staleInterval: staleInterval,
	}
}

// Start launches the loop. Cancelling ctx or calling Stop ends it.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.loop(ctx)
}

func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		cancel := d.cancel
		d.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		d.wg.Wait()
	})
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	staleTicker := time.NewTicker(d.staleInterval)
	defer staleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Dispatcher stopped")
			return
		case <-ticker.C:
			d.Tick(ctx)
		case <-staleTicker.C:
			if n := d.store.ExpireStale(); n > 0 {
				log.Warn("Timed out %d stale jobs", n)
			}
		}
	}
}

// Tick admits as many queued jobs as the pool has room for, then refreshes
// queue positions.
func (d *Dispatcher) Tick(ctx context.Context) {
	defer d.RefreshPositions()

	for d.pool.Active() < d.pool.Size() {
		entry, ok := d.queue.Pop()
		if !ok {
			return
		}

		err := d.pool.TrySubmit(ctx, entry.JobID)
		switch {
		case err == nil:
			log.Info("Dispatched job %s from queue", entry.JobID)
		case errors.Is(err, ErrPoolFull):
			d.queue.PushFront(entry)
			return
		default:
			// evicted, timed out or otherwise no longer runnable
			log.Warn("Dropping queued job %s: %v", entry.JobID, err)
		}
	}
}

func (d *Dispatcher) RefreshPositions() {
	d.store.SetQueuePositions(d.queue.Positions())
}
