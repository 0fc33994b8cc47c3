// Package replication copies revisions between a local revision store and a
// peer. A replicator walks the source's changes feed page by page, asks the
// target which revisions it lacks, fetches those as branches and inserts
// them verbatim. The checkpoint advances only after a page is committed, so
// an interrupted run replays at most one page.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/i5heu/ouroboros-sync/internal/revisionStore"
	"github.com/i5heu/ouroboros-sync/pkg/model"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	ErrAlreadyStarted = errors.New("replication: already started")
	errStopped        = errors.New("replication: stopped")
)

type Config struct {
	Local   *revisionStore.Store
	Remote  Peer
	Options Options
	// Dispatcher delivers OnEvent calls. A private one is used when nil.
	Dispatcher *Dispatcher
	OnEvent    func(Event)
	Logger     *slog.Logger
}

type Replicator struct {
	id      string
	local   *revisionStore.Store
	source  Peer
	target  Peer
	opts    Options
	limiter *rate.Limiter
	log     *slog.Logger

	dispatch    *Dispatcher
	ownDispatch bool
	onEvent     func(Event)

	stopCtx context.Context
	stop    context.CancelFunc
	done    chan struct{}

	mu       sync.Mutex
	state    State
	progress Progress
	err      error
}

func New(cfg Config) (*Replicator, error) {
	if cfg.Local == nil || cfg.Remote == nil {
		return nil, fmt.Errorf("%w: replicator needs a local store and a remote peer", model.ErrValidation)
	}
	if err := cfg.Options.Validate(); err != nil {
		return nil, err
	}
	opts := cfg.Options
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	local := NewLocalPeer(cfg.Local, nil)
	id := ReplicationID(local.ID(), cfg.Remote.ID(), opts.Direction, opts.Filter)
	r := &Replicator{
		id:       id,
		local:    cfg.Local,
		source:   cfg.Remote,
		target:   local,
		opts:     opts,
		dispatch: cfg.Dispatcher,
		onEvent:  cfg.OnEvent,
		done:     make(chan struct{}),
		log: log.With("component", "replication", "replication", id[:12],
			"direction", opts.Direction.String(), "peer", cfg.Remote.ID()),
	}
	if opts.Direction == Push {
		r.source, r.target = local, cfg.Remote
	}
	if opts.RequestsPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.MaxInFlight)
	}
	if r.dispatch == nil {
		r.dispatch = NewDispatcher()
		r.ownDispatch = true
	}
	r.stopCtx, r.stop = context.WithCancel(context.Background())
	replicatorsByState.WithLabelValues(Pending.String()).Inc()
	return r, nil
}

func (r *Replicator) ID() string { return r.id }

// Start launches the replication in the background and returns at once.
func (r *Replicator) Start() error {
	r.mu.Lock()
	if r.state != Pending {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.setStateLocked(Started, nil)
	r.mu.Unlock()

	go r.run()
	return nil
}

// Stop asks the replication to finish. The page in progress is still
// committed unless it is waiting for a retry. Stop does not block; use Wait.
func (r *Replicator) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case Pending:
		r.setStateLocked(Stopped, nil)
		r.finishLocked()
	case Started:
		r.setStateLocked(Stopping, nil)
		r.stop()
	}
}

func (r *Replicator) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Replicator) IsActive() bool {
	s := r.State()
	return s == Started || s == Stopping
}

func (r *Replicator) Progress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

// Err returns the error that moved the replication into the Error state.
func (r *Replicator) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Wait blocks until the replication reaches a terminal state or ctx ends.
func (r *Replicator) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Replicator) setStateLocked(s State, err error) {
	replicatorsByState.WithLabelValues(r.state.String()).Dec()
	replicatorsByState.WithLabelValues(s.String()).Inc()
	r.state = s
	if err != nil {
		r.err = err
	}
	r.postLocked()
}

func (r *Replicator) postLocked() {
	if r.onEvent == nil {
		return
	}
	ev := Event{ReplicationID: r.id, State: r.state, Progress: r.progress, Err: r.err}
	fn := r.onEvent
	r.dispatch.Post(func() { fn(ev) })
}

func (r *Replicator) finishLocked() {
	r.stop()
	close(r.done)
	if r.ownDispatch {
		go r.dispatch.Close()
	}
}

func (r *Replicator) run() {
	err := r.replicate()

	r.mu.Lock()
	defer r.mu.Unlock()
	stopping := r.state == Stopping
	switch {
	case err == nil && !stopping:
		r.log.Info("replication complete", "changes", r.progress.ChangesProcessed)
		r.setStateLocked(Complete, nil)
	case err == nil, errors.Is(err, errStopped), stopping && errors.Is(err, context.Canceled):
		r.log.Info("replication stopped", "changes", r.progress.ChangesProcessed)
		r.setStateLocked(Stopped, nil)
	default:
		r.log.Error("replication failed", "error", err)
		replicationErrors.WithLabelValues(r.opts.Direction.String()).Inc()
		r.setStateLocked(Error, err)
	}
	r.finishLocked()
}

func (r *Replicator) stopping() bool {
	return r.stopCtx.Err() != nil
}

func (r *Replicator) replicate() error {
	since, err := LoadCheckpoint(r.stopCtx, r.local, r.id)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if since != "" {
		r.log.Debug("resuming from checkpoint", "since", since)
	}

	for {
		if r.stopping() {
			return errStopped
		}
		next, err := r.replicatePage(since)
		if err != nil {
			return err
		}
		if next != since {
			since = next
			continue
		}
		if !r.opts.Continuous {
			return nil
		}
		select {
		case <-r.stopCtx.Done():
			return errStopped
		case <-time.After(r.opts.PollInterval):
		}
	}
}

// replicatePage handles one changes page starting after since and returns
// the checkpoint to continue from.
func (r *Replicator) replicatePage(since string) (string, error) {
	start := time.Now()
	page, err := retry(r, "changes", func(ctx context.Context) (ChangesPage, error) {
		return r.source.Changes(ctx, since, r.opts.BatchSize, r.opts.Filter)
	})
	if err != nil {
		return since, fmt.Errorf("read changes since %q: %w", since, err)
	}
	if page.LastSeq == "" || page.LastSeq == since {
		return since, nil
	}

	r.mu.Lock()
	r.progress.ChangesTotal += int64(len(page.Changes))
	r.mu.Unlock()

	written, err := r.transfer(page.Changes)
	if err != nil {
		return since, err
	}
	if err := SaveCheckpoint(context.Background(), r.local, r.id, page.LastSeq); err != nil {
		return since, fmt.Errorf("save checkpoint: %w", err)
	}

	dir := r.opts.Direction.String()
	changesProcessed.WithLabelValues(dir).Add(float64(len(page.Changes)))
	revisionsWritten.WithLabelValues(dir).Add(float64(written))
	pageDuration.Observe(time.Since(start).Seconds())

	r.mu.Lock()
	r.progress.ChangesProcessed += int64(len(page.Changes))
	r.postLocked()
	r.mu.Unlock()
	r.log.Debug("page committed", "changes", len(page.Changes), "written", written, "lastSeq", page.LastSeq)
	return page.LastSeq, nil
}

// transfer copies the revisions of changes that the target lacks.
func (r *Replicator) transfer(changes []Change) (int, error) {
	if len(changes) == 0 {
		return 0, nil
	}
	offered := make(map[string][]model.RevID, len(changes))
	for _, c := range changes {
		offered[c.DocID] = append(offered[c.DocID], c.Revs...)
	}
	diff, err := retry(r, "revs_diff", func(ctx context.Context) (map[string]Diff, error) {
		return r.target.RevsDiff(ctx, offered)
	})
	if err != nil {
		return 0, fmt.Errorf("revs diff: %w", err)
	}
	if len(diff) == 0 {
		return 0, nil
	}

	docs := make([]string, 0, len(diff))
	for id := range diff {
		docs = append(docs, id)
	}
	sort.Strings(docs)

	fetched := make([][]model.Branch, len(docs))
	g := new(errgroup.Group)
	g.SetLimit(r.opts.MaxInFlight)
	for i, docID := range docs {
		d := diff[docID]
		g.Go(func() error {
			branches, err := retry(r, "fetch", func(ctx context.Context) ([]model.Branch, error) {
				return r.source.FetchRevisions(ctx, docID, d.Missing, d.PossibleAncestors)
			})
			if err != nil {
				return fmt.Errorf("fetch %q: %w", docID, err)
			}
			fetched[i] = branches
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var all []model.Branch
	for _, b := range fetched {
		all = append(all, b...)
	}
	n, err := retry(r, "write", func(ctx context.Context) (int, error) {
		return r.target.WriteRevisions(ctx, all)
	})
	if err != nil {
		return 0, fmt.Errorf("write revisions: %w", err)
	}
	return n, nil
}

// retry runs op with a per-attempt timeout and exponential backoff between
// attempts. Only transient network failures are retried. Waiting for the
// next attempt ends early when the replicator is stopped.
func retry[T any](r *Replicator, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.InitialBackoff
	b.MaxInterval = r.opts.MaxBackoff

	attempt := func() (T, error) {
		var zero T
		// A stop only cuts the pacing wait short; requests of the current
		// page still run so the page can commit.
		if r.limiter != nil {
			if err := r.limiter.Wait(r.stopCtx); err != nil && !r.stopping() {
				return zero, backoff.Permanent(err)
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.RequestTimeout)
		defer cancel()
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s timed out after %s", model.ErrTransientNetwork, op, r.opts.RequestTimeout)
		}
		if !model.IsRetryable(err) {
			return zero, backoff.Permanent(err)
		}
		return zero, err
	}

	return backoff.Retry(r.stopCtx, attempt,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.opts.MaxRetries)+1),
		backoff.WithNotify(func(err error, wait time.Duration) {
			requestRetries.WithLabelValues(op).Inc()
			r.log.Warn("retrying peer request", "op", op, "wait", wait, "error", err)
		}),
	)
}
