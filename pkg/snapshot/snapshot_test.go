package snapshot

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visitor-tracker/pkg/localstore"
	"visitor-tracker/pkg/models"
)

func TestParseCookies(t *testing.T) {
	assert.Equal(t,
		map[string]string{"a": "1", "b": "hello world"},
		ParseCookies("a=1; b=hello%20world"))

	assert.Empty(t, ParseCookies(""))

	got := ParseCookies("=orphan; flag; token=a=b; bad=%zz;  spaced = v ")
	assert.NotContains(t, got, "")
	assert.Equal(t, "", got["flag"])
	assert.Equal(t, "a=b", got["token"])
	assert.Equal(t, "%zz", got["bad"])
	assert.Equal(t, " v", got["spaced "])
}

type flakyStore struct {
	*localstore.MemoryStore
	failKey string
}

func (f flakyStore) Get(ctx context.Context, key string) (string, error) {
	if key == f.failKey {
		return "", errors.New("security error")
	}
	return f.MemoryStore.Get(ctx, key)
}

func TestCollectLocalStorage_SkipsUnreadableKeys(t *testing.T) {
	ctx := context.Background()
	mem := localstore.NewMemoryStore()
	require.NoError(t, mem.Set(ctx, "theme", "dark"))
	require.NoError(t, mem.Set(ctx, "secret", "x"))
	require.NoError(t, mem.Set(ctx, "lang", "fr"))

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	got := CollectLocalStorage(ctx, flakyStore{MemoryStore: mem, failKey: "secret"}, logger)
	assert.Equal(t, map[string]string{"theme": "dark", "lang": "fr"}, got)
	assert.Contains(t, logs.String(), "secret")
}

func TestCollector_Snapshot(t *testing.T) {
	ctx := context.Background()
	clock := quartz.NewMock(t)
	mem := localstore.NewMemoryStore()
	require.NoError(t, mem.Set(ctx, "userTrackingId", "user_1_x"))

	c := NewCollector(mem, StaticCookies("sid=42"), "test-agent", clock, slog.Default())
	tally := models.ClickTally{"a.com": 2, "b.com": 3}

	snap := c.Snapshot(ctx, "user_1_x", tally)
	assert.Equal(t, "user_1_x", snap.UserID)
	assert.Equal(t, "user_1_x", snap.LocalStorage["userTrackingId"])
	assert.Equal(t, "42", snap.Cookies["sid"])
	assert.Equal(t, int64(5), snap.TotalExternalClicks)
	assert.Equal(t, "test-agent", snap.UserAgent)
	assert.True(t, snap.Timestamp.Equal(clock.Now()))

	tally["a.com"] = 100
	assert.Equal(t, int64(2), snap.ExternalLinkClicks["a.com"], "snapshot must not alias the live tally")
}
