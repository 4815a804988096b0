// Package remotesync persists a visitor's click tally and snapshot into the
// remote document store.
//
// Two write strategies are used. A qualifying click issues atomic field
// increments, which sum correctly however many tabs write concurrently. The
// periodic, unload and fallback path reads the remote tally, takes the
// per-domain maximum with the local one and merge-writes the result.
//
// Every operation returns a Result instead of swallowing its error, and
// reports it to the configured Observer.
package remotesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"visitor-tracker/pkg/models"
	"visitor-tracker/pkg/storage"
)

// Op names a synchronisation operation.
type Op string

const (
	OpLoad      Op = "load"
	OpIncrement Op = "increment"
	OpReconcile Op = "reconcile"
	OpSnapshot  Op = "snapshot"
)

// Result is the outcome of one synchronisation operation.
type Result struct {
	Op        Op
	VisitorID string
	Domain    string
	// Tally is the tally written by a reconcile or snapshot, or read by a load.
	Tally models.ClickTally
	Err   error
	// Fallback is set on an increment result whose write failed; it holds
	// the reconcile attempted in its place.
	Fallback *Result
	Duration time.Duration
}

// OK reports whether the operation, or its fallback, persisted.
func (r Result) OK() bool {
	if r.Err == nil {
		return true
	}
	return r.Fallback != nil && r.Fallback.Err == nil
}

// Observer receives every Result.
type Observer interface {
	Observe(Result)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Result)

func (f ObserverFunc) Observe(r Result) { f(r) }

// Synchronizer writes visitor documents into one collection.
type Synchronizer struct {
	store      storage.Store
	collection string
	observer   Observer
}

// New returns a Synchronizer. A nil observer discards results.
func New(store storage.Store, collection string, observer Observer) *Synchronizer {
	if collection == "" {
		collection = models.DefaultCollection
	}
	if observer == nil {
		observer = ObserverFunc(func(Result) {})
	}
	return &Synchronizer{store: store, collection: collection, observer: observer}
}

// Collection returns the collection documents are written to.
func (s *Synchronizer) Collection() string {
	return s.collection
}

// Load reads the persisted tally. A missing document is an empty tally.
func (s *Synchronizer) Load(ctx context.Context, visitorID string) (models.ClickTally, Result) {
	start := time.Now()
	res := Result{Op: OpLoad, VisitorID: visitorID}

	tally, err := s.remoteTally(ctx, visitorID)
	res.Tally = tally
	res.Err = err
	res.Duration = time.Since(start)
	s.observer.Observe(res)
	return tally, res
}

// IncrementClick atomically adds one click for domain and to the total. On
// failure it falls back to Reconcile with local.
func (s *Synchronizer) IncrementClick(ctx context.Context, visitorID, domain string, local models.ClickTally) Result {
	start := time.Now()
	res := Result{Op: OpIncrement, VisitorID: visitorID, Domain: domain}

	res.Err = s.store.Set(ctx, s.collection, visitorID, []storage.Write{
		{Path: storage.Path(models.FieldExternalLinkClicks, domain), Value: storage.Increment(1)},
		{Path: storage.Path(models.FieldTotalExternalClicks), Value: storage.Increment(1)},
		{Path: storage.Path(models.FieldLastUpdated), Value: storage.ServerTimestamp()},
	})
	if res.Err != nil {
		res.Err = fmt.Errorf("remotesync: increment %s: %w", domain, res.Err)
		fallback := s.Reconcile(ctx, visitorID, local)
		res.Fallback = &fallback
	}
	res.Duration = time.Since(start)
	s.observer.Observe(res)
	return res
}

// Reconcile merges local into the remote tally with MergeMax and writes the
// merged tally and its total back. A failure is final for this attempt.
func (s *Synchronizer) Reconcile(ctx context.Context, visitorID string, local models.ClickTally) Result {
	start := time.Now()
	res := Result{Op: OpReconcile, VisitorID: visitorID}

	remote, err := s.remoteTally(ctx, visitorID)
	if err != nil {
		res.Err = err
		res.Duration = time.Since(start)
		s.observer.Observe(res)
		return res
	}

	merged := MergeMax(local, remote)
	res.Tally = merged
	err = s.store.Set(ctx, s.collection, visitorID, []storage.Write{
		{Path: storage.Path(models.FieldExternalLinkClicks), Value: merged},
		{Path: storage.Path(models.FieldTotalExternalClicks), Value: merged.Total()},
		{Path: storage.Path(models.FieldLastUpdated), Value: storage.ServerTimestamp()},
	})
	if err != nil {
		res.Err = fmt.Errorf("remotesync: reconcile write: %w", err)
	}
	res.Duration = time.Since(start)
	s.observer.Observe(res)
	return res
}

// SaveSnapshot merge-writes a full visitor snapshot.
func (s *Synchronizer) SaveSnapshot(ctx context.Context, snap models.VisitorSnapshot) Result {
	start := time.Now()
	res := Result{Op: OpSnapshot, VisitorID: snap.UserID, Tally: snap.ExternalLinkClicks}

	if err := snap.Validate(); err != nil {
		res.Err = fmt.Errorf("remotesync: snapshot: %w", err)
		s.observer.Observe(res)
		return res
	}

	err := s.store.Set(ctx, s.collection, snap.UserID, []storage.Write{
		storage.Field(snap.UserID, models.FieldUserID),
		storage.Field(snap.LocalStorage, models.FieldLocalStorage),
		storage.Field(snap.Cookies, models.FieldCookies),
		storage.Field(snap.ExternalLinkClicks, models.FieldExternalLinkClicks),
		storage.Field(snap.TotalExternalClicks, models.FieldTotalExternalClicks),
		{Path: storage.Path(models.FieldLastUpdated), Value: storage.ServerTimestamp()},
		storage.Field(snap.UserAgent, models.FieldUserAgent),
		storage.Field(snap.Timestamp.UTC().Format(time.RFC3339Nano), models.FieldTimestamp),
	})
	if err != nil {
		res.Err = fmt.Errorf("remotesync: snapshot write: %w", err)
	}
	res.Duration = time.Since(start)
	s.observer.Observe(res)
	return res
}

func (s *Synchronizer) remoteTally(ctx context.Context, visitorID string) (models.ClickTally, error) {
	doc, err := s.store.Get(ctx, s.collection, visitorID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.ClickTally{}, nil
	}
	if err != nil {
		return models.ClickTally{}, fmt.Errorf("remotesync: read %s: %w", visitorID, err)
	}
	return doc.Tally(models.FieldExternalLinkClicks), nil
}

// MergeMax returns, for every domain in either tally, the larger of the two
// counts. Counts therefore never decrease.
func MergeMax(local, remote models.ClickTally) models.ClickTally {
	merged := remote.Clone()
	for domain, n := range local {
		if n > merged[domain] {
			merged[domain] = n
		}
	}
	return merged
}
