package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/coder/quartz"

	"visitor-tracker/pkg/models"
)

func TestMemoryStore_SetAndGet(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	err := store.Set(ctx, "userTracking", "user_1", []Write{
		Field("user_1", "userId"),
		Field(map[string]string{"theme": "dark"}, "localStorage"),
	})
	if err != nil {
		t.Fatalf("Failed to set document: %v", err)
	}

	doc, err := store.Get(ctx, "userTracking", "user_1")
	if err != nil {
		t.Fatalf("Failed to get document: %v", err)
	}

	if doc.Text("userId") != "user_1" {
		t.Errorf("Expected userId user_1, got %q", doc.Text("userId"))
	}
	if doc.Text("localStorage", "theme") != "dark" {
		t.Errorf("Expected theme dark, got %q", doc.Text("localStorage", "theme"))
	}
}

func TestMemoryStore_GetMissing(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	_, err := store.Get(context.Background(), "userTracking", "nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_MergePreservesOtherFields(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	store.Set(ctx, "c", "d", []Write{
		Field("Mozilla/5.0", "userAgent"),
		Field(models.ClickTally{"a.com": 3, "b.com": 1}, "externalLinkClicks"),
	})
	store.Set(ctx, "c", "d", []Write{
		Field(models.ClickTally{"a.com": 4}, "externalLinkClicks"),
	})

	doc, err := store.Get(ctx, "c", "d")
	if err != nil {
		t.Fatalf("Failed to get document: %v", err)
	}

	if doc.Text("userAgent") != "Mozilla/5.0" {
		t.Errorf("Expected userAgent to be preserved, got %q", doc.Text("userAgent"))
	}

	tally := doc.Tally("externalLinkClicks")
	if tally["a.com"] != 4 {
		t.Errorf("Expected a.com=4, got %d", tally["a.com"])
	}
	if tally["b.com"] != 1 {
		t.Errorf("Expected b.com=1 to be preserved by merge, got %d", tally["b.com"])
	}
}

func TestMemoryStore_IncrementDottedDomain(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := store.Set(ctx, "c", "d", []Write{
			{Path: Path("externalLinkClicks", "www.example.com"), Value: Increment(1)},
			{Path: Path("totalExternalClicks"), Value: Increment(1)},
		})
		if err != nil {
			t.Fatalf("Failed to increment: %v", err)
		}
	}

	doc, _ := store.Get(ctx, "c", "d")
	if got := doc.Int("externalLinkClicks", "www.example.com"); got != 3 {
		t.Errorf("Expected 3 clicks for www.example.com, got %d", got)
	}
	if got := doc.Int("totalExternalClicks"); got != 3 {
		t.Errorf("Expected total 3, got %d", got)
	}
	if _, ok := doc.Value("externalLinkClicks", "www"); ok {
		t.Error("Expected dotted domain to be stored as a single segment")
	}
}

func TestMemoryStore_ServerTimestamp(t *testing.T) {
	clock := quartz.NewMock(t)
	start := clock.Now()

	store := NewMemoryStoreWithConfig(MemoryConfig{}, clock)
	defer store.Close()
	ctx := context.Background()

	store.Set(ctx, "c", "d", []Write{{Path: Path("lastUpdated"), Value: ServerTimestamp()}})

	doc, _ := store.Get(ctx, "c", "d")
	if !doc.Time("lastUpdated").Equal(start) {
		t.Errorf("Expected lastUpdated %v, got %v", start, doc.Time("lastUpdated"))
	}
	if !doc.UpdateTime.Equal(start) {
		t.Errorf("Expected update time %v, got %v", start, doc.UpdateTime)
	}
}

func TestMemoryStore_InvalidWriteIsAtomic(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	store.Set(ctx, "c", "d", []Write{Field(int64(1), "n")})

	err := store.Set(ctx, "c", "d", []Write{
		Field(int64(2), "n"),
		{Path: Path("bad", ""), Value: "x"},
	})
	if !errors.Is(err, ErrInvalidWrite) {
		t.Fatalf("Expected ErrInvalidWrite, got %v", err)
	}

	doc, _ := store.Get(ctx, "c", "d")
	if doc.Int("n") != 1 {
		t.Errorf("Expected rejected batch to leave n=1, got %d", doc.Int("n"))
	}
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	store.Set(ctx, "c", "d", []Write{Field(models.ClickTally{"a.com": 1}, "externalLinkClicks")})

	doc, _ := store.Get(ctx, "c", "d")
	doc.Fields["externalLinkClicks"].(map[string]any)["a.com"] = int64(99)

	again, _ := store.Get(ctx, "c", "d")
	if again.Int("externalLinkClicks", "a.com") != 1 {
		t.Errorf("Expected stored value to be unaffected by caller mutation, got %d",
			again.Int("externalLinkClicks", "a.com"))
	}
}

func TestMemoryStore_ConcurrentIncrements(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	done := make(chan bool, 10)

	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 50; j++ {
				store.Set(ctx, "c", "d", []Write{
					{Path: Path("externalLinkClicks", "example.com"), Value: Increment(1)},
					{Path: Path("totalExternalClicks"), Value: Increment(1)},
				})
			}
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	doc, _ := store.Get(ctx, "c", "d")
	if got := doc.Int("totalExternalClicks"); got != 500 {
		t.Errorf("Expected 500 total clicks, got %d", got)
	}
}

func TestMemoryStore_CleanupOnMaxDocuments(t *testing.T) {
	clock := quartz.NewMock(t)
	store := NewMemoryStoreWithConfig(MemoryConfig{
		Retention:    time.Hour,
		MaxDocuments: 1,
	}, clock)
	defer store.Close()
	ctx := context.Background()

	store.Set(ctx, "c", "old", []Write{Field("x", "v")})
	clock.Advance(2 * time.Hour)
	store.Set(ctx, "c", "new", []Write{Field("y", "v")})

	if _, err := store.Get(ctx, "c", "old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected expired document to be swept, got %v", err)
	}
	if _, err := store.Get(ctx, "c", "new"); err != nil {
		t.Errorf("Expected fresh document to survive, got %v", err)
	}
}

func TestMemoryStore_DeleteBefore(t *testing.T) {
	clock := quartz.NewMock(t)
	store := NewMemoryStoreWithConfig(MemoryConfig{}, clock)
	defer store.Close()
	ctx := context.Background()

	store.Set(ctx, "c", "old", []Write{Field("x", "v")})
	clock.Advance(time.Hour)
	cutoff := clock.Now()
	store.Set(ctx, "c", "new", []Write{Field("x", "v")})

	var expirer Expirer = store
	removed, err := expirer.DeleteBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("DeleteBefore failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 removed document, got %d", removed)
	}
	if _, err := store.Get(ctx, "c", "new"); err != nil {
		t.Errorf("Expected fresh document to survive, got %v", err)
	}
}

func TestMemoryStore_Stats(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		store.Set(ctx, "userTracking", fmt.Sprintf("user_%d", i), []Write{Field("x", "v")})
	}
	store.Set(ctx, "other", "doc", []Write{Field("x", "v")})

	stats := store.Stats()
	if len(stats) != 2 {
		t.Fatalf("Expected 2 collections, got %d", len(stats))
	}
	if stats[1].Collection != "userTracking" || stats[1].Documents != 3 {
		t.Errorf("Expected userTracking with 3 documents, got %+v", stats[1])
	}

	store.Reset()
	if len(store.Stats()) != 0 {
		t.Error("Expected no collections after reset")
	}
}

func TestMemoryStore_Closed(t *testing.T) {
	store := NewMemoryStore()
	store.Close()

	if err := store.Ping(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable from Ping, got %v", err)
	}
	if err := store.Set(context.Background(), "c", "d", nil); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable from Set, got %v", err)
	}
}
