// Package tracker wires identity, snapshot, link classification, the click
// tally and remote synchronisation into one per-page tracker.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"

	"visitor-tracker/pkg/identity"
	"visitor-tracker/pkg/links"
	"visitor-tracker/pkg/localstore"
	"visitor-tracker/pkg/models"
	"visitor-tracker/pkg/remotesync"
	"visitor-tracker/pkg/snapshot"
	"visitor-tracker/pkg/storage"
	"visitor-tracker/pkg/tally"
)

var (
	// ErrStoreUnavailable is returned by Start when the remote store never
	// answered a ping.
	ErrStoreUnavailable = errors.New("tracker: remote store unavailable")
	// ErrNotStarted is reported for work requested before Start resolved a
	// visitor identifier.
	ErrNotStarted = errors.New("tracker: not started")
)

const resultBuffer = 64

// Options configures a Tracker. Store, Local and PageURL are required.
type Options struct {
	Store     storage.Store
	Local     localstore.KeyValueStore
	Cookies   snapshot.CookieSource
	PageURL   string
	UserAgent string

	Collection    string
	IdentifierKey string
	// Generator defaults to identity.Visitor.
	Generator identity.Generator

	ReadyPollInterval time.Duration
	ReadyMaxAttempts  int
	LoadTimeout       time.Duration
	InitialSaveDelay  time.Duration
	ReconcileInterval time.Duration

	Clock    quartz.Clock
	Logger   *slog.Logger
	Observer remotesync.Observer
}

func (o *Options) applyDefaults() {
	if o.ReadyPollInterval <= 0 {
		o.ReadyPollInterval = 100 * time.Millisecond
	}
	if o.ReadyMaxAttempts <= 0 {
		o.ReadyMaxAttempts = 30
	}
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = tally.DefaultLoadTimeout
	}
	if o.InitialSaveDelay <= 0 {
		o.InitialSaveDelay = time.Second
	}
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = 5 * time.Minute
	}
	if o.Clock == nil {
		o.Clock = quartz.NewReal()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Generator == nil {
		o.Generator = identity.Visitor(o.Clock)
	}
}

// Tracker follows one page: it counts clicks on external links and keeps
// the visitor document in the remote store up to date.
type Tracker struct {
	opts       Options
	store      storage.Store
	clock      quartz.Clock
	logger     *slog.Logger
	resolver   *identity.Resolver
	collector  *snapshot.Collector
	classifier *links.Classifier
	acc        *tally.Accumulator
	sync       *remotesync.Synchronizer

	results chan remotesync.Result

	mu        sync.RWMutex
	visitorID string

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func New(opts Options) (*Tracker, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("tracker: store is required")
	}
	if opts.Local == nil {
		return nil, fmt.Errorf("tracker: local store is required")
	}
	classifier, err := links.NewClassifier(opts.PageURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: %w", err)
	}
	opts.applyDefaults()

	t := &Tracker{
		opts:       opts,
		store:      opts.Store,
		clock:      opts.Clock,
		logger:     opts.Logger.With("page", classifier.PageHost()),
		resolver:   identity.NewResolver(opts.Local, opts.IdentifierKey, opts.Generator),
		classifier: classifier,
		acc:        tally.New(opts.LoadTimeout),
		results:    make(chan remotesync.Result, resultBuffer),
	}
	t.collector = snapshot.NewCollector(opts.Local, opts.Cookies, opts.UserAgent, opts.Clock, t.logger)
	t.sync = remotesync.New(opts.Store, opts.Collection, remotesync.ObserverFunc(t.observe))
	return t, nil
}

// Results delivers every synchronisation outcome. The channel is buffered;
// results are dropped while it is full. It is never closed.
func (t *Tracker) Results() <-chan remotesync.Result {
	return t.results
}

func (t *Tracker) observe(res remotesync.Result) {
	if t.opts.Observer != nil {
		t.opts.Observer.Observe(res)
	}
	select {
	case t.results <- res:
	default:
	}
}

// VisitorID returns the resolved identifier, or "" before Start.
func (t *Tracker) VisitorID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.visitorID
}

// Tally returns a copy of the local click tally.
func (t *Tracker) Tally() models.ClickTally {
	return t.acc.Snapshot()
}

// Start waits for the remote store, resolves the visitor, loads the prior
// tally and starts the background save loop. Clicks handled before Start
// completes wait for the load.
func (t *Tracker) Start(ctx context.Context) error {
	if err := t.waitForStore(ctx); err != nil {
		t.acc.Fail(err)
		return err
	}

	id, err := t.resolver.GetOrCreate(ctx)
	if err != nil {
		t.acc.Fail(err)
		return fmt.Errorf("tracker: resolve visitor: %w", err)
	}
	t.mu.Lock()
	t.visitorID = id
	t.mu.Unlock()

	prior, res := t.sync.Load(ctx, id)
	if res.Err != nil {
		t.logger.Warn("tracker: could not load prior clicks, starting empty",
			"visitor", id, "error", res.Err)
		prior = models.ClickTally{}
	}
	t.acc.InitializeFromRemote(prior)
	t.logger.Info("tracker: started", "visitor", id, "prior_total", prior.Total())

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	t.wg.Add(1)
	go t.run(loopCtx)
	return nil
}

func (t *Tracker) waitForStore(ctx context.Context) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(t.opts.ReadyPollInterval), uint64(t.opts.ReadyMaxAttempts-1)),
		ctx)
	attempt := 0
	err := backoff.RetryNotifyWithTimer(func() error {
		attempt++
		return t.store.Ping(ctx)
	}, b, func(err error, next time.Duration) {
		t.logger.Debug("tracker: store not ready", "attempt", attempt, "retry_in", next, "error", err)
	}, &clockTimer{clock: t.clock})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %d attempts: %v", ErrStoreUnavailable, attempt, err)
	}
	return nil
}

func (t *Tracker) run(ctx context.Context) {
	defer t.wg.Done()

	initial := t.clock.NewTimer(t.opts.InitialSaveDelay, "tracker", "initial-save")
	defer initial.Stop()
	ticker := t.clock.NewTicker(t.opts.ReconcileInterval, "tracker", "reconcile")
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-initial.C:
			t.SaveSnapshot(ctx)
		case <-ticker.C:
			t.Reconcile(ctx)
		}
	}
}

// HandleClick classifies href and, for an external link, records the click
// and persists it. The boolean reports whether the link was external.
func (t *Tracker) HandleClick(ctx context.Context, href string) (remotesync.Result, bool) {
	domain, ok := t.classifier.Domain(href)
	if !ok {
		return remotesync.Result{}, false
	}

	if _, err := t.acc.RecordClick(ctx, domain); err != nil {
		res := remotesync.Result{
			Op:        remotesync.OpIncrement,
			VisitorID: t.VisitorID(),
			Domain:    domain,
			Err:       fmt.Errorf("tracker: click dropped: %w", err),
		}
		t.logger.Warn("tracker: click not recorded", "domain", domain, "error", err)
		t.observe(res)
		return res, true
	}
	return t.sync.IncrementClick(ctx, t.VisitorID(), domain, t.acc.Snapshot()), true
}

// Reconcile merges the local tally into the remote document.
func (t *Tracker) Reconcile(ctx context.Context) remotesync.Result {
	id := t.VisitorID()
	if id == "" {
		return t.notStarted(remotesync.OpReconcile)
	}
	return t.sync.Reconcile(ctx, id, t.acc.Snapshot())
}

// Unload is the page teardown hook: a best-effort reconcile.
func (t *Tracker) Unload(ctx context.Context) remotesync.Result {
	return t.Reconcile(ctx)
}

// SaveSnapshot writes the full visitor snapshot.
func (t *Tracker) SaveSnapshot(ctx context.Context) remotesync.Result {
	id := t.VisitorID()
	if id == "" {
		return t.notStarted(remotesync.OpSnapshot)
	}
	return t.sync.SaveSnapshot(ctx, t.collector.Snapshot(ctx, id, t.acc.Snapshot()))
}

func (t *Tracker) notStarted(op remotesync.Op) remotesync.Result {
	res := remotesync.Result{Op: op, Err: ErrNotStarted}
	t.observe(res)
	return res
}

// Close stops the background loop. It does not close the store.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		t.mu.RLock()
		cancel := t.cancel
		t.mu.RUnlock()
		if cancel != nil {
			cancel()
		}
		t.wg.Wait()
		t.acc.Fail(ErrNotStarted)
	})
}

// clockTimer drives backoff retries from a quartz clock.
type clockTimer struct {
	clock quartz.Clock
	timer *quartz.Timer
}

func (c *clockTimer) Start(d time.Duration) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = c.clock.NewTimer(d, "tracker", "ping")
}

func (c *clockTimer) Stop() {
	if c.timer != nil {
		c.timer.Stop()
	}
}

func (c *clockTimer) C() <-chan time.Time {
	return c.timer.C
}
