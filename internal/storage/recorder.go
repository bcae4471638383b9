package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gateway-fm/attestgateway/pkg/types"
)

const (
	defaultRecorderBuffer = 1024
	defaultBatchSize      = 100
	defaultFlushInterval  = time.Second
)

// Recorder writes lookup events to Storage off the request path.
// Events are buffered and flushed in batches; when the buffer is full new
// events are dropped and counted rather than blocking the lookup.
// It implements aggregator.Observer.
type Recorder struct {
	store         Storage
	logger        *slog.Logger
	events        chan types.LookupEvent
	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	dropped uint64

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewRecorder creates and starts a recorder.
func NewRecorder(store Storage, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:         store,
		logger:        logger,
		events:        make(chan types.LookupEvent, defaultRecorderBuffer),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		done:          make(chan struct{}),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// OnCacheLookup is a no-op; only upstream fetches are logged.
func (r *Recorder) OnCacheLookup(string, bool) {}

// OnFetch enqueues a lookup event.
func (r *Recorder) OnFetch(ev types.LookupEvent) {
	select {
	case <-r.done:
		return
	default:
	}

	select {
	case r.events <- ev:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (r *Recorder) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close flushes buffered events and stops the background writer.
func (r *Recorder) Close() {
	r.once.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
}

func (r *Recorder) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]types.LookupEvent, 0, r.batchSize)
	for {
		select {
		case ev := <-r.events:
			batch = append(batch, ev)
			if len(batch) >= r.batchSize {
				batch = r.flush(batch)
			}
		case <-ticker.C:
			batch = r.flush(batch)
		case <-r.done:
			// Drain whatever is still queued.
			for {
				select {
				case ev := <-r.events:
					batch = append(batch, ev)
				default:
					r.flush(batch)
					return
				}
			}
		}
	}
}

func (r *Recorder) flush(batch []types.LookupEvent) []types.LookupEvent {
	if len(batch) == 0 {
		return batch
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.store.BulkInsertLookups(ctx, batch); err != nil {
		r.logger.Warn("failed to write lookup log",
			slog.Int("events", len(batch)),
			slog.String("error", err.Error()),
		)
	}
	return batch[:0]
}
