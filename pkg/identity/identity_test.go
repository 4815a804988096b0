package identity

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"testing"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visitor-tracker/pkg/localstore"
)

var visitorIDPattern = regexp.MustCompile(`^user_(\d+)_([0-9a-z]{9})$`)

func TestGetOrCreate_CreatesOnceAndPersists(t *testing.T) {
	clock := quartz.NewMock(t)
	kv := localstore.NewMemoryStore()
	r := NewResolver(kv, "", Visitor(clock))
	ctx := context.Background()

	first, err := r.GetOrCreate(ctx)
	require.NoError(t, err)

	m := visitorIDPattern.FindStringSubmatch(first)
	require.NotNil(t, m, "unexpected identifier %q", first)
	assert.Equal(t, strconv.FormatInt(clock.Now().UnixMilli(), 10), m[1])

	stored, err := kv.Get(ctx, DefaultKey)
	require.NoError(t, err)
	assert.Equal(t, first, stored)

	second, err := r.GetOrCreate(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGetOrCreate_UsesExistingValue(t *testing.T) {
	kv := localstore.NewMemoryStore()
	require.NoError(t, kv.Set(context.Background(), "custom", "user_1_existing"))

	r := NewResolver(kv, "custom", func() string {
		t.Fatal("generator must not be called when an identifier exists")
		return ""
	})

	id, err := r.GetOrCreate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user_1_existing", id)
}

type failingStore struct {
	localstore.KeyValueStore
	err error
}

func (f failingStore) Get(context.Context, string) (string, error) { return "", f.err }

func TestGetOrCreate_StorageFailure(t *testing.T) {
	boom := errors.New("quota exceeded")
	r := NewResolver(failingStore{KeyValueStore: localstore.NewMemoryStore(), err: boom}, "", NanoID(4))

	_, err := r.GetOrCreate(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestGenerators(t *testing.T) {
	id := NanoID(12)()
	assert.Len(t, id, 12)
	assert.Regexp(t, `^[0-9a-z]+$`, id)

	assert.Regexp(t, `^evt_[0-9a-z]{5}$`, Prefixed("evt_", NanoID(5))())
	assert.NotEqual(t, NanoID(16)(), NanoID(16)())
}
