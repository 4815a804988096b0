// Package identity resolves the durable per-browser visitor identifier.
package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"

	"github.com/coder/quartz"

	"visitor-tracker/pkg/localstore"
)

// DefaultKey is the local storage key that holds the identifier.
const DefaultKey = "userTrackingId"

// Generator produces identifiers.
type Generator func() string

// NanoID returns a Generator of base-36 strings of the given length.
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("identity: crypto/rand failed: " + err.Error())
		}
		for i := range buf {
			buf[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		return string(buf)
	}
}

// Prefixed prepends prefix to every generated identifier.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Visitor returns the visitor identifier generator:
// "user_" + unix milliseconds + "_" + 9 random base-36 characters.
func Visitor(clock quartz.Clock) Generator {
	suffix := NanoID(9)
	return func() string {
		return "user_" + strconv.FormatInt(clock.Now().UnixMilli(), 10) + "_" + suffix()
	}
}

// Resolver reads or lazily creates the identifier in a KeyValueStore.
type Resolver struct {
	store localstore.KeyValueStore
	key   string
	gen   Generator
}

// NewResolver returns a Resolver using key (DefaultKey when empty) and gen.
func NewResolver(store localstore.KeyValueStore, key string, gen Generator) *Resolver {
	if key == "" {
		key = DefaultKey
	}
	return &Resolver{store: store, key: key, gen: gen}
}

// GetOrCreate returns the stored identifier, generating and persisting one on
// first use. Storage failures are returned unchanged in meaning.
func (r *Resolver) GetOrCreate(ctx context.Context) (string, error) {
	id, err := r.store.Get(ctx, r.key)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, localstore.ErrNotFound) {
		return "", fmt.Errorf("identity: read %q: %w", r.key, err)
	}

	id = r.gen()
	if err := r.store.Set(ctx, r.key, id); err != nil {
		return "", fmt.Errorf("identity: write %q: %w", r.key, err)
	}
	return id, nil
}
