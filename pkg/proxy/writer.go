package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cachefront/cachefront/pkg/stats"
	"github.com/cachefront/cachefront/pkg/store"
)

// WriterConfig holds background writer configuration
type WriterConfig struct {
	// Workers is the number of goroutines applying store operations
	Workers int
	// QueueSize is the job buffer; a full queue drops new jobs
	QueueSize int
	// Timeout per store operation
	Timeout time.Duration
}

// DefaultWriterConfig returns safe defaults for the background writer
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		Workers:   2,
		QueueSize: 256,
		Timeout:   5 * time.Second,
	}
}

type jobKind int

const (
	jobPut jobKind = iota
	jobDelete
)

type writeJob struct {
	kind      jobKind
	key       string
	payload   []byte
	expiresAt time.Time
}

func (k jobKind) String() string {
	if k == jobPut {
		return "put"
	}
	return "delete"
}

// Writer applies cache writes and deletes off the request path. Jobs are
// accepted for execution, not completion: a failed operation is counted
// and logged, never reported back to the request that produced it.
type Writer struct {
	store  store.Store
	config WriterConfig
	logger zerolog.Logger
	stats  *stats.Collector

	jobs     chan writeJob
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWriter starts a writer pool against the given store. Stop flushes the
// queue and must be called before the store is closed.
func NewWriter(st store.Store, config WriterConfig, logger zerolog.Logger, collector *stats.Collector) *Writer {
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	w := &Writer{
		store:  st,
		config: config,
		logger: logger,
		stats:  collector,
		jobs:   make(chan writeJob, config.QueueSize),
		quit:   make(chan struct{}),
	}

	for i := 0; i < config.Workers; i++ {
		w.wg.Add(1)
		go w.worker(i)
	}

	return w
}

// EnqueuePut schedules a store write. Returns false if the job was dropped
// because the queue is full or the writer is stopped.
func (w *Writer) EnqueuePut(key string, payload []byte, expiresAt time.Time) bool {
	return w.enqueue(writeJob{kind: jobPut, key: key, payload: payload, expiresAt: expiresAt})
}

// EnqueueDelete schedules removal of a stale entry. Returns false if the job
// was dropped.
func (w *Writer) EnqueueDelete(key string) bool {
	return w.enqueue(writeJob{kind: jobDelete, key: key})
}

func (w *Writer) enqueue(job writeJob) bool {
	select {
	case <-w.quit:
		return false
	default:
	}

	select {
	case w.jobs <- job:
		WriterQueueDepth.Set(float64(len(w.jobs)))
		return true
	default:
		WriterDropped.Inc()
		w.logger.Warn().
			Str("key", job.key).
			Str("operation", job.kind.String()).
			Msg("Writer queue full, dropping store job")
		return false
	}
}

// Stop drains queued jobs and waits for the workers to finish. Jobs
// enqueued after Stop are dropped.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() {
		close(w.quit)
	})
	w.wg.Wait()
}

func (w *Writer) worker(id int) {
	defer w.wg.Done()

	for {
		select {
		case job := <-w.jobs:
			w.process(job)
		case <-w.quit:
			// Flush whatever is already queued, then exit.
			for {
				select {
				case job := <-w.jobs:
					w.process(job)
				default:
					w.logger.Debug().Int("worker_id", id).Msg("Writer worker stopped")
					return
				}
			}
		}
	}
}

func (w *Writer) process(job writeJob) {
	defer WriterQueueDepth.Set(float64(len(w.jobs)))

	ctx, cancel := context.WithTimeout(context.Background(), w.config.Timeout)
	defer cancel()

	var err error
	switch job.kind {
	case jobPut:
		err = w.store.Put(ctx, job.key, job.payload, job.expiresAt)
	case jobDelete:
		err = w.store.Delete(ctx, job.key)
	}
	if err != nil {
		StoreErrors.WithLabelValues(job.kind.String()).Inc()
		if w.stats != nil {
			w.stats.RecordStoreError(context.Background())
		}
		w.logger.Error().
			Err(err).
			Str("key", job.key).
			Str("operation", job.kind.String()).
			Msg("Background store operation failed")
		return
	}

	w.logger.Debug().
		Str("key", job.key).
		Str("operation", job.kind.String()).
		Msg("Background store operation complete")
}
