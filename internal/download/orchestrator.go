package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/provide-io/kiln/internal/kilnerr"
	"github.com/provide-io/kiln/internal/store"
	"github.com/provide-io/kiln/pkg/logging"
)

// DefaultMaxAttempts bounds attempts per task for transient failures.
const DefaultMaxAttempts = 5

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithMaxAttempts sets the attempt budget per task.
func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithBackoff sets the delay schedule between attempts.
func WithBackoff(cfg BackoffConfig) Option {
	return func(o *Orchestrator) {
		o.backoff = cfg
	}
}

// WithRateLimit paces request starts to rps per second. Zero disables
// pacing.
func WithRateLimit(rps float64, burst int) Option {
	return func(o *Orchestrator) {
		if rps <= 0 {
			o.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithFetcher replaces the HTTP fetcher.
func WithFetcher(f Fetcher) Option {
	return func(o *Orchestrator) {
		if f != nil {
			o.fetcher = f
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger hclog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logging.OrNull(logger).Named("download")
	}
}

// Orchestrator executes download batches against a content store.
type Orchestrator struct {
	store       *store.Store
	fetcher     Fetcher
	workers     int
	maxAttempts int
	backoff     BackoffConfig
	limiter     *rate.Limiter
	metrics     MetricsCollector
	logger      hclog.Logger
	rng         *lockedRand
}

// New creates an orchestrator writing into st.
func New(st *store.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       st,
		fetcher:     NewHTTPFetcher(nil, ""),
		workers:     runtime.NumCPU() * 2,
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultBackoff,
		metrics:     NewNoopMetricsCollector(),
		logger:      hclog.NewNullLogger(),
		rng:         newLockedRand(time.Now().UnixNano()),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Store returns the content store the orchestrator writes into.
func (o *Orchestrator) Store() *store.Store {
	return o.store
}

// Run starts a batch and waits for it.
func (o *Orchestrator) Run(ctx context.Context, tasks []Task) error {
	return o.Start(ctx, tasks).Wait()
}

// Start launches a batch in the background. Tasks are picked up in order
// by a bounded pool; the first task that exhausts its attempts cancels the
// rest and fails the batch. Objects already stored are kept.
func (o *Orchestrator) Start(ctx context.Context, tasks []Task) *Batch {
	b := newBatch(tasks)

	go func() {
		b.finish(o.execute(ctx, b, tasks))
	}()
	return b
}

func (o *Orchestrator) execute(ctx context.Context, b *Batch, tasks []Task) error {
	for _, t := range tasks {
		if err := t.validate(); err != nil {
			return err
		}
	}

	o.logger.Debug("⬇️ Starting download batch", "tasks", len(tasks), "workers", o.workers)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for _, t := range tasks {
		if gctx.Err() != nil {
			break
		}
		t := t
		g.Go(func() error {
			return o.runTask(gctx, b, t)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	snap := b.Snapshot()
	o.logger.Info("✅ Download batch complete",
		"tasks", snap.Total, "skipped", snap.Skipped,
		"bytes", snap.BytesDone, "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

func (o *Orchestrator) runTask(ctx context.Context, b *Batch, t Task) error {
	if ctx.Err() != nil {
		return nil
	}
	o.metrics.ActiveTasks(1)
	defer o.metrics.ActiveTasks(-1)
	start := time.Now()

	if o.store.Has(t.Checksum) {
		o.logger.Trace("📦 Already stored", "task", t.ID)
		if err := o.materialize(t); err != nil {
			return o.fail(b, t, start, kilnerr.CauseDiskWrite, err)
		}
		size := o.objectSize(t)
		b.update(func(p *Progress) {
			p.Completed++
			p.Skipped++
			p.BytesDone += size
			p.Current = t.ID
		})
		o.metrics.TaskFinished(OutcomeSkipped, time.Since(start))
		return nil
	}

	fetched, err := o.coalescedFetch(ctx, b, t)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return nil
		}
		var te *taskError
		if errors.As(err, &te) {
			return o.fail(b, t, start, te.cause, te.err)
		}
		return o.fail(b, t, start, kilnerr.CauseNetwork, err)
	}

	if err := o.materialize(t); err != nil {
		return o.fail(b, t, start, kilnerr.CauseDiskWrite, err)
	}

	outcome := OutcomeFetched
	var credit int64
	if !fetched {
		outcome = OutcomeShared
		credit = o.objectSize(t)
	}
	b.update(func(p *Progress) {
		p.Completed++
		p.BytesDone += credit
		p.Current = t.ID
	})
	o.metrics.TaskFinished(outcome, time.Since(start))
	return nil
}

// coalescedFetch brings t into the store, joining a transfer of the same
// checksum already running for any batch. A joined transfer that ends
// because its own batch was cancelled is started again for this one.
// fetched reports whether this call streamed the bytes itself.
func (o *Orchestrator) coalescedFetch(ctx context.Context, b *Batch, t Task) (fetched bool, err error) {
	for {
		ran := false
		_, _, err = o.store.Coalesce(ctx, t.Checksum, func() (string, error) {
			if o.store.Has(t.Checksum) {
				return o.store.Path(t.Checksum)
			}
			ran = true
			return o.fetchWithRetry(ctx, b, t)
		})
		if err == nil {
			return ran, nil
		}
		if ctx.Err() != nil || !isCancellation(err) {
			return false, err
		}
		o.logger.Debug("Joined transfer was cancelled, starting again", "task", t.ID)
	}
}

func isCancellation(err error) bool {
	var te *taskError
	if errors.As(err, &te) {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// objectSize is the size credited to progress for a task whose bytes were
// not streamed by its own batch.
func (o *Orchestrator) objectSize(t Task) int64 {
	if t.Size > 0 {
		return t.Size
	}
	path, err := o.store.Path(t.Checksum)
	if err != nil {
		return 0
	}
	if info, err := os.Stat(path); err == nil {
		return info.Size()
	}
	return 0
}

func (o *Orchestrator) materialize(t Task) error {
	if t.Dest == "" {
		return nil
	}
	return o.store.Link(t.Checksum, t.Dest)
}

func (o *Orchestrator) fail(b *Batch, t Task, start time.Time, cause kilnerr.Cause, err error) error {
	o.logger.Error("Download failed", "task", t.ID, "url", t.URL, "cause", cause, "error", err)
	b.update(func(p *Progress) {
		p.Failed++
		p.Current = t.ID
	})
	o.metrics.TaskFinished(OutcomeFailed, time.Since(start))
	return kilnerr.DownloadFailed(t.ID, cause, err)
}

// taskError carries the classified cause of a task's last attempt.
type taskError struct {
	cause kilnerr.Cause
	err   error
}

func (e *taskError) Error() string { return e.err.Error() }
func (e *taskError) Unwrap() error { return e.err }

func (o *Orchestrator) fetchWithRetry(ctx context.Context, b *Batch, t Task) (string, error) {
	mismatches := 0
	for attempt := 1; ; attempt++ {
		if o.limiter != nil {
			if err := o.limiter.Wait(ctx); err != nil {
				return "", err
			}
		}

		path, err := o.fetchOnce(ctx, b, t)
		if err == nil {
			return path, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		cause, retryable := classify(err)
		if cause == kilnerr.CauseChecksumMismatch {
			mismatches++
			retryable = mismatches < 2
		}
		if !retryable || attempt >= o.maxAttempts {
			return "", &taskError{cause: cause, err: fmt.Errorf("after %d attempt(s): %w", attempt, err)}
		}

		delay := NextBackoffDelay(o.backoff, attempt, o.rng)
		o.logger.Warn("⚠️ Download attempt failed, retrying",
			"task", t.ID, "attempt", attempt, "cause", cause, "delay", delay, "error", err)
		o.metrics.TaskRetried(cause, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

func (o *Orchestrator) fetchOnce(ctx context.Context, b *Batch, t Task) (string, error) {
	o.logger.Trace("⬇️ Fetching", "task", t.ID, "url", t.URL)
	body, _, err := o.fetcher.Fetch(ctx, t.URL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	var credited int64
	counted := &countingReader{r: body, onRead: func(n int) {
		o.metrics.BytesTransferred(int64(n))
		credited += int64(n)
		b.update(func(p *Progress) { p.BytesDone += int64(n) })
	}}
	path, _, err := o.store.PutStream(t.Checksum, counted)
	if err != nil && credited > 0 {
		b.update(func(p *Progress) { p.BytesDone -= credited })
	}
	return path, err
}

// classify maps an attempt error to a failure cause and whether another
// attempt may help.
func classify(err error) (kilnerr.Cause, bool) {
	switch {
	case errors.Is(err, store.ErrChecksumMismatch):
		return kilnerr.CauseChecksumMismatch, true
	case errors.Is(err, store.ErrDiskWrite):
		return kilnerr.CauseDiskWrite, false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return kilnerr.CauseNetwork, se.Retryable()
	}
	return kilnerr.CauseNetwork, true
}

type countingReader struct {
	r      io.Reader
	onRead func(int)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.onRead(n)
	}
	return n, err
}

// Batch is a running set of tasks.
type Batch struct {
	done chan struct{}
	err  error

	mu     sync.Mutex
	snap   Progress
	subs   []chan Progress
	closed bool
}

func newBatch(tasks []Task) *Batch {
	b := &Batch{done: make(chan struct{})}
	b.snap.Total = len(tasks)
	for _, t := range tasks {
		b.snap.BytesTotal += t.Size
	}
	return b
}

// Wait blocks until the batch finishes and returns its error.
func (b *Batch) Wait() error {
	<-b.done
	return b.err
}

// Done is closed when the batch finishes.
func (b *Batch) Done() <-chan struct{} {
	return b.done
}

// Snapshot returns the current progress.
func (b *Batch) Snapshot() Progress {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap
}

// Progress returns a new subscription. It first yields the current
// snapshot, then the latest state whenever it changes; intermediate states
// are dropped for slow readers. The channel closes after the final
// snapshot, which has Done set.
func (b *Batch) Progress() <-chan Progress {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Progress, 1)
	ch <- b.snap
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

func (b *Batch) update(fn func(*Progress)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.snap)
	for _, ch := range b.subs {
		offer(ch, b.snap)
	}
}

func (b *Batch) finish(err error) {
	b.mu.Lock()
	b.err = err
	b.snap.Done = true
	for _, ch := range b.subs {
		offer(ch, b.snap)
		close(ch)
	}
	b.subs = nil
	b.closed = true
	b.mu.Unlock()

	close(b.done)
}

// offer replaces any unread value in ch with p.
func offer(ch chan Progress, p Progress) {
	select {
	case ch <- p:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- p:
	default:
	}
}
