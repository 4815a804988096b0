// Package snapshot gathers the local storage and cookie contents of a page
// into a VisitorSnapshot.
package snapshot

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/coder/quartz"

	"visitor-tracker/pkg/localstore"
	"visitor-tracker/pkg/models"
)

// CookieSource returns the raw document.cookie string of a page.
type CookieSource interface {
	CookieString(ctx context.Context) (string, error)
}

// StaticCookies is a CookieSource over a fixed string.
type StaticCookies string

func (s StaticCookies) CookieString(context.Context) (string, error) { return string(s), nil }

// CollectLocalStorage reads every key of kv. Keys whose read fails are
// skipped with a warning. A failing key listing yields an empty map.
func CollectLocalStorage(ctx context.Context, kv localstore.KeyValueStore, logger *slog.Logger) map[string]string {
	out := make(map[string]string)
	keys, err := kv.Keys(ctx)
	if err != nil {
		logger.Warn("snapshot: could not enumerate local storage", "error", err)
		return out
	}
	for _, key := range keys {
		v, err := kv.Get(ctx, key)
		if err != nil {
			logger.Warn("snapshot: could not read local storage key", "key", key, "error", err)
			continue
		}
		out[key] = v
	}
	return out
}

// ParseCookies parses a document.cookie string. Entries are split on ";",
// then on the first "="; values are URL-decoded and kept raw when decoding
// fails. Entries with an empty key are skipped.
func ParseCookies(raw string) map[string]string {
	cookies := make(map[string]string)
	if raw == "" {
		return cookies
	}
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		key, value, _ := strings.Cut(part, "=")
		if key == "" {
			continue
		}
		if decoded, err := url.PathUnescape(value); err == nil {
			value = decoded
		}
		cookies[key] = value
	}
	return cookies
}

// Collector assembles VisitorSnapshots for one page.
type Collector struct {
	local     localstore.KeyValueStore
	cookies   CookieSource
	userAgent string
	clock     quartz.Clock
	logger    *slog.Logger
}

func NewCollector(local localstore.KeyValueStore, cookies CookieSource, userAgent string, clock quartz.Clock, logger *slog.Logger) *Collector {
	if cookies == nil {
		cookies = StaticCookies("")
	}
	return &Collector{
		local:     local,
		cookies:   cookies,
		userAgent: userAgent,
		clock:     clock,
		logger:    logger,
	}
}

// Cookies reads and parses the current cookie string. Read failures are
// logged and produce an empty map.
func (c *Collector) Cookies(ctx context.Context) map[string]string {
	raw, err := c.cookies.CookieString(ctx)
	if err != nil {
		c.logger.Warn("snapshot: could not read cookies", "error", err)
		return map[string]string{}
	}
	return ParseCookies(raw)
}

// Snapshot records the page state for visitorID with the given tally.
func (c *Collector) Snapshot(ctx context.Context, visitorID string, tally models.ClickTally) models.VisitorSnapshot {
	clicks := tally.Clone()
	return models.VisitorSnapshot{
		UserID:              visitorID,
		LocalStorage:        CollectLocalStorage(ctx, c.local, c.logger),
		Cookies:             c.Cookies(ctx),
		ExternalLinkClicks:  clicks,
		TotalExternalClicks: clicks.Total(),
		Timestamp:           c.clock.Now().UTC(),
		UserAgent:           c.userAgent,
	}
}
