package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"

	"visitor-tracker/pkg/models"
)

func openTestSQLite(t *testing.T, clock quartz.Clock) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "docs.db"), clock)
	if err != nil {
		t.Fatalf("Failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_SetAndGet(t *testing.T) {
	store := openTestSQLite(t, nil)
	ctx := context.Background()

	err := store.Set(ctx, "userTracking", "user_1", []Write{
		Field("user_1", "userId"),
		Field(map[string]string{"sid": "abc"}, "cookies"),
		Field(models.ClickTally{"example.com": 2}, "externalLinkClicks"),
	})
	if err != nil {
		t.Fatalf("Failed to set document: %v", err)
	}

	doc, err := store.Get(ctx, "userTracking", "user_1")
	if err != nil {
		t.Fatalf("Failed to get document: %v", err)
	}
	if doc.Text("cookies", "sid") != "abc" {
		t.Errorf("Expected cookie sid=abc, got %q", doc.Text("cookies", "sid"))
	}
	if doc.Int("externalLinkClicks", "example.com") != 2 {
		t.Errorf("Expected 2 clicks, got %d", doc.Int("externalLinkClicks", "example.com"))
	}
	if v, _ := doc.Value("externalLinkClicks", "example.com"); v != int64(2) {
		t.Errorf("Expected integral counts to decode as int64, got %T", v)
	}
}

func TestSQLiteStore_GetMissing(t *testing.T) {
	store := openTestSQLite(t, nil)

	_, err := store.Get(context.Background(), "userTracking", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStore_IncrementAndTimestamp(t *testing.T) {
	clock := quartz.NewMock(t)
	store := openTestSQLite(t, clock)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := store.Set(ctx, "c", "d", []Write{
			{Path: Path("externalLinkClicks", "example.com"), Value: Increment(1)},
			{Path: Path("totalExternalClicks"), Value: Increment(1)},
			{Path: Path("lastUpdated"), Value: ServerTimestamp()},
		})
		if err != nil {
			t.Fatalf("Failed to increment: %v", err)
		}
	}

	doc, _ := store.Get(ctx, "c", "d")
	if doc.Int("totalExternalClicks") != 2 {
		t.Errorf("Expected total 2, got %d", doc.Int("totalExternalClicks"))
	}
	if !doc.Time("lastUpdated").Equal(clock.Now()) {
		t.Errorf("Expected lastUpdated %v, got %v", clock.Now(), doc.Time("lastUpdated"))
	}
}

func TestSQLiteStore_ConcurrentIncrements(t *testing.T) {
	store := openTestSQLite(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				err := store.Set(ctx, "c", "d", []Write{
					{Path: Path("totalExternalClicks"), Value: Increment(1)},
				})
				if err != nil {
					t.Errorf("Failed to increment: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	doc, _ := store.Get(ctx, "c", "d")
	if doc.Int("totalExternalClicks") != 100 {
		t.Errorf("Expected 100, got %d", doc.Int("totalExternalClicks"))
	}
}

func TestSQLiteStore_DeleteBefore(t *testing.T) {
	clock := quartz.NewMock(t)
	store := openTestSQLite(t, clock)
	ctx := context.Background()

	store.Set(ctx, "c", "old", []Write{Field("x", "v")})
	clock.Advance(time.Hour)
	store.Set(ctx, "c", "new", []Write{Field("y", "v")})

	removed, err := store.DeleteBefore(ctx, clock.Now().Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("Failed to delete expired documents: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 removed document, got %d", removed)
	}
	if _, err := store.Get(ctx, "c", "new"); err != nil {
		t.Errorf("Expected new document to remain, got %v", err)
	}
}

func TestWireRoundTripPreservesSentinels(t *testing.T) {
	wire, err := EncodeWrites([]Write{
		{Path: Path("externalLinkClicks", "a.b.com"), Value: Increment(2)},
		{Path: Path("lastUpdated"), Value: ServerTimestamp()},
		Field(models.ClickTally{"x.com": 5}, "externalLinkClicks"),
	})
	if err != nil {
		t.Fatalf("Failed to encode writes: %v", err)
	}

	writes, err := DecodeWrites(wire)
	if err != nil {
		t.Fatalf("Failed to decode writes: %v", err)
	}

	fields := map[string]any{}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := applyWrites(fields, writes, now); err != nil {
		t.Fatalf("Failed to apply writes: %v", err)
	}

	doc := &Document{Fields: fields}
	if doc.Int("externalLinkClicks", "a.b.com") != 2 {
		t.Errorf("Expected increment of 2, got %d", doc.Int("externalLinkClicks", "a.b.com"))
	}
	if doc.Int("externalLinkClicks", "x.com") != 5 {
		t.Errorf("Expected x.com=5, got %d", doc.Int("externalLinkClicks", "x.com"))
	}
	if !doc.Time("lastUpdated").Equal(now) {
		t.Errorf("Expected server timestamp %v, got %v", now, doc.Time("lastUpdated"))
	}
}

func TestDecodeWrites_RejectsUnknownOp(t *testing.T) {
	_, err := DecodeWrites([]WireWrite{{Path: []string{"a"}, Op: "delete"}})
	if !errors.Is(err, ErrInvalidWrite) {
		t.Errorf("Expected ErrInvalidWrite, got %v", err)
	}
}
