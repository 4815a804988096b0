package remotesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visitor-tracker/pkg/models"
	"visitor-tracker/pkg/storage"
)

// faultyStore fails the next failSets calls to Set and every Get while
// failGets is set.
type faultyStore struct {
	storage.Store
	mu       sync.Mutex
	failSets int
	failGets bool
}

var errInjected = errors.New("injected failure")

func (f *faultyStore) Set(ctx context.Context, collection, id string, writes []storage.Write) error {
	f.mu.Lock()
	if f.failSets > 0 {
		f.failSets--
		f.mu.Unlock()
		return errInjected
	}
	f.mu.Unlock()
	return f.Store.Set(ctx, collection, id, writes)
}

func (f *faultyStore) Get(ctx context.Context, collection, id string) (*storage.Document, error) {
	f.mu.Lock()
	fail := f.failGets
	f.mu.Unlock()
	if fail {
		return nil, errInjected
	}
	return f.Store.Get(ctx, collection, id)
}

type recorder struct {
	mu      sync.Mutex
	results []Result
}

func (r *recorder) Observe(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *recorder) ops() []Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Op, len(r.results))
	for i, res := range r.results {
		out[i] = res.Op
	}
	return out
}

func newSync(t *testing.T) (*Synchronizer, *faultyStore, *recorder) {
	t.Helper()
	mem := storage.NewMemoryStore()
	t.Cleanup(func() { mem.Close() })
	fs := &faultyStore{Store: mem}
	rec := &recorder{}
	return New(fs, "", rec), fs, rec
}

func TestMergeMax(t *testing.T) {
	merged := MergeMax(
		models.ClickTally{"a.com": 3, "b.com": 1, "local.only": 2},
		models.ClickTally{"a.com": 2, "b.com": 5, "remote.only": 4},
	)
	assert.Equal(t, models.ClickTally{
		"a.com":       3,
		"b.com":       5,
		"local.only":  2,
		"remote.only": 4,
	}, merged)
	assert.Equal(t, int64(14), merged.Total())
}

func TestLoad_MissingDocumentIsEmpty(t *testing.T) {
	s, _, rec := newSync(t)

	tally, res := s.Load(context.Background(), "user_1")
	require.NoError(t, res.Err)
	assert.Empty(t, tally)
	assert.Equal(t, []Op{OpLoad}, rec.ops())
}

func TestIncrementClick(t *testing.T) {
	s, fs, _ := newSync(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res := s.IncrementClick(ctx, "user_1", "example.com", nil)
		require.NoError(t, res.Err)
		assert.Nil(t, res.Fallback)
	}

	doc, err := fs.Get(ctx, models.DefaultCollection, "user_1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Int(models.FieldExternalLinkClicks, "example.com"))
	assert.Equal(t, int64(2), doc.Int(models.FieldTotalExternalClicks))
	assert.False(t, doc.Time(models.FieldLastUpdated).IsZero())
}

func TestIncrementClick_FallsBackToReconcile(t *testing.T) {
	s, fs, rec := newSync(t)
	ctx := context.Background()
	fs.failSets = 1

	res := s.IncrementClick(ctx, "user_1", "example.com", models.ClickTally{"example.com": 3})
	require.ErrorIs(t, res.Err, errInjected)
	require.NotNil(t, res.Fallback)
	require.NoError(t, res.Fallback.Err)
	assert.True(t, res.OK())
	assert.Equal(t, []Op{OpReconcile, OpIncrement}, rec.ops())

	doc, err := fs.Get(ctx, models.DefaultCollection, "user_1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), doc.Int(models.FieldExternalLinkClicks, "example.com"))
	assert.Equal(t, int64(3), doc.Int(models.FieldTotalExternalClicks))
}

func TestReconcile_IsMonotonic(t *testing.T) {
	s, fs, _ := newSync(t)
	ctx := context.Background()

	require.NoError(t, fs.Set(ctx, models.DefaultCollection, "user_1", []storage.Write{
		storage.Field(models.ClickTally{"a.com": 5, "b.com": 1, "c.com": 7}, models.FieldExternalLinkClicks),
		storage.Field("kept", models.FieldUserAgent),
	}))

	res := s.Reconcile(ctx, "user_1", models.ClickTally{"a.com": 2, "b.com": 4})
	require.NoError(t, res.Err)
	assert.Equal(t, models.ClickTally{"a.com": 5, "b.com": 4, "c.com": 7}, res.Tally)

	doc, err := fs.Get(ctx, models.DefaultCollection, "user_1")
	require.NoError(t, err)
	assert.Equal(t, models.ClickTally{"a.com": 5, "b.com": 4, "c.com": 7}, doc.Tally(models.FieldExternalLinkClicks))
	assert.Equal(t, int64(16), doc.Int(models.FieldTotalExternalClicks))
	assert.Equal(t, "kept", doc.Text(models.FieldUserAgent))

	again := s.Reconcile(ctx, "user_1", models.ClickTally{"a.com": 2, "b.com": 4})
	require.NoError(t, again.Err)
	assert.Equal(t, res.Tally, again.Tally)
}

func TestReconcile_ReadFailureIsTerminal(t *testing.T) {
	s, fs, rec := newSync(t)
	fs.failGets = true

	res := s.Reconcile(context.Background(), "user_1", models.ClickTally{"a.com": 1})
	require.ErrorIs(t, res.Err, errInjected)
	assert.False(t, res.OK())
	assert.Equal(t, []Op{OpReconcile}, rec.ops())
}

func TestIncrementClick_FallbackFailure(t *testing.T) {
	s, fs, _ := newSync(t)
	fs.failSets = 2

	res := s.IncrementClick(context.Background(), "user_1", "a.com", models.ClickTally{"a.com": 1})
	require.Error(t, res.Err)
	require.NotNil(t, res.Fallback)
	require.Error(t, res.Fallback.Err)
	assert.False(t, res.OK())
}

func TestSaveSnapshot(t *testing.T) {
	s, fs, _ := newSync(t)
	ctx := context.Background()
	ts := time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)

	res := s.SaveSnapshot(ctx, models.VisitorSnapshot{
		UserID:              "user_1",
		LocalStorage:        map[string]string{"theme": "dark"},
		Cookies:             map[string]string{"sid": "1"},
		ExternalLinkClicks:  models.ClickTally{"a.com": 2},
		TotalExternalClicks: 2,
		Timestamp:           ts,
		UserAgent:           "agent",
	})
	require.NoError(t, res.Err)

	doc, err := fs.Get(ctx, models.DefaultCollection, "user_1")
	require.NoError(t, err)
	assert.Equal(t, "user_1", doc.Text(models.FieldUserID))
	assert.Equal(t, "dark", doc.Text(models.FieldLocalStorage, "theme"))
	assert.Equal(t, "1", doc.Text(models.FieldCookies, "sid"))
	assert.Equal(t, int64(2), doc.Int(models.FieldTotalExternalClicks))
	assert.Equal(t, "agent", doc.Text(models.FieldUserAgent))
	assert.Equal(t, "2026-10-18T09:30:00Z", doc.Text(models.FieldTimestamp))
}

func TestSaveSnapshot_RejectsMissingID(t *testing.T) {
	s, _, _ := newSync(t)

	res := s.SaveSnapshot(context.Background(), models.VisitorSnapshot{})
	require.Error(t, res.Err)
}
