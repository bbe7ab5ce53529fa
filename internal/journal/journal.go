package journal

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/TheSnowHatHero/GrappleHook/internal/device"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 5 * time.Second
	pruneInterval       = 24 * time.Hour
)

// Logger is the logging surface the journal needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configure a Journal.
type Options struct {
	// QueueSize bounds buffered events. Defaults to 256.
	QueueSize int

	// Retention is how long rows are kept. Zero disables pruning.
	Retention time.Duration

	Logger Logger
}

// Stats counts journal activity since construction.
type Stats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
	Pruned  uint64 `json:"pruned"`
}

// Journal queues manager events and writes them to a Repository.
type Journal struct {
	repo      Repository
	queue     chan device.Event
	retention time.Duration
	logger    Logger
	now       func() time.Time

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
	pruned  atomic.Uint64
}

// New returns a journal writing to repo. Call Run to start draining.
func New(repo Repository, opts Options) *Journal {
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	var logger Logger = noopLogger{}
	if opts.Logger != nil {
		logger = opts.Logger
	}
	return &Journal{
		repo:      repo,
		queue:     make(chan device.Event, size),
		retention: opts.Retention,
		logger:    logger,
		now:       time.Now,
	}
}

// RecordEvent implements device.Observer. It never blocks; when the queue is
// full the event is dropped.
func (j *Journal) RecordEvent(ev device.Event) {
	select {
	case j.queue <- ev:
	default:
		j.dropped.Add(1)
	}
}

// Run writes queued events until ctx is cancelled, then flushes whatever is
// still queued and returns nil.
func (j *Journal) Run(ctx context.Context) error {
	var prune <-chan time.Time
	if j.retention > 0 {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		prune = ticker.C
		j.prune(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			j.drain()
			return nil
		case ev := <-j.queue:
			j.write(ctx, ev)
		case <-prune:
			j.prune(ctx)
		}
	}
}

func (j *Journal) drain() {
	for {
		select {
		case ev := <-j.queue:
			j.write(context.Background(), ev)
		default:
			return
		}
	}
}

// write outlives cancellation of ctx so queued events still land on shutdown.
func (j *Journal) write(ctx context.Context, ev device.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultWriteTimeout)
	defer cancel()

	rec := RecordFromEvent(ev)
	if err := j.repo.Create(ctx, &rec); err != nil {
		j.failed.Add(1)
		j.logger.Warn("journal write failed",
			"kind", ev.Kind, "domain", ev.Domain, "identity", ev.Identity, "error", err)
		return
	}
	j.written.Add(1)
}

func (j *Journal) prune(ctx context.Context) {
	cutoff := j.now().Add(-j.retention)
	n, err := j.repo.DeleteBefore(ctx, cutoff)
	if err != nil {
		j.logger.Warn("journal prune failed", "error", err)
		return
	}
	if n > 0 {
		j.pruned.Add(uint64(n)) // #nosec G115 -- RowsAffected is non-negative
		j.logger.Info("journal pruned", "rows", n, "cutoff", cutoff)
	}
}

// List proxies to the repository.
func (j *Journal) List(ctx context.Context, filter Filter) (*ListResult, error) {
	return j.repo.List(ctx, filter)
}

// Stats returns a snapshot of the journal counters.
func (j *Journal) Stats() Stats {
	return Stats{
		Written: j.written.Load(),
		Dropped: j.dropped.Load(),
		Failed:  j.failed.Load(),
		Pruned:  j.pruned.Load(),
	}
}
