package models

import (
	"fmt"
	"strings"
	"time"
)

// Field names of a visitor document in the remote store.
const (
	FieldUserID              = "userId"
	FieldLocalStorage        = "localStorage"
	FieldCookies             = "cookies"
	FieldExternalLinkClicks  = "externalLinkClicks"
	FieldTotalExternalClicks = "totalExternalClicks"
	FieldLastUpdated         = "lastUpdated"
	FieldUserAgent           = "userAgent"
	FieldTimestamp           = "timestamp"
)

// DefaultCollection holds one document per visitor.
const DefaultCollection = "userTracking"

// ClickTally maps an external domain to the number of observed clicks.
type ClickTally map[string]int64

// Total returns the sum of all per-domain counts.
func (t ClickTally) Total() int64 {
	var sum int64
	for _, n := range t {
		sum += n
	}
	return sum
}

// Clone returns an independent copy of the tally.
func (t ClickTally) Clone() ClickTally {
	out := make(ClickTally, len(t))
	for d, n := range t {
		out[d] = n
	}
	return out
}

// VisitorSnapshot is the point-in-time record sent on each full save.
type VisitorSnapshot struct {
	UserID              string            `json:"userId"`
	LocalStorage        map[string]string `json:"localStorage"`
	Cookies             map[string]string `json:"cookies"`
	ExternalLinkClicks  ClickTally        `json:"externalLinkClicks"`
	TotalExternalClicks int64             `json:"totalExternalClicks"`
	Timestamp           time.Time         `json:"timestamp"`
	UserAgent           string            `json:"userAgent"`
}

// Validate checks that the snapshot can be keyed in the store.
func (s *VisitorSnapshot) Validate() error {
	if strings.TrimSpace(s.UserID) == "" {
		return fmt.Errorf("userId is required")
	}
	for domain, n := range s.ExternalLinkClicks {
		if n < 0 {
			return fmt.Errorf("negative click count for %q", domain)
		}
	}
	return nil
}

// ClickStats summarises a visitor's stored tally.
type ClickStats struct {
	VisitorID           string        `json:"visitor_id"`
	ExternalLinkClicks  ClickTally    `json:"external_link_clicks"`
	TotalExternalClicks int64         `json:"total_external_clicks"`
	TopDomains          []DomainCount `json:"top_domains"`
	LastUpdated         time.Time     `json:"last_updated,omitempty"`
}

// DomainCount is one row of a ranked tally.
type DomainCount struct {
	Domain string `json:"domain"`
	Clicks int64  `json:"clicks"`
}

type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

type HealthStatus struct {
	Status    string    `json:"status"`
	Store     string    `json:"store"`
	Uptime    string    `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
}

// Configuration is the runtime configuration of the document server.
type Configuration struct {
	Port            string        `json:"port"`
	Collection      string        `json:"collection"`
	Retention       time.Duration `json:"retention"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
	MaxDocuments    int           `json:"max_documents"`
	MaxBodyBytes    int64         `json:"max_body_bytes"`
	EnableMetrics   bool          `json:"enable_metrics"`
	AllowedOrigin   string        `json:"allowed_origin"`
}

// DefaultConfiguration returns the server defaults.
func DefaultConfiguration() *Configuration {
	return &Configuration{
		Port:            "8080",
		Collection:      DefaultCollection,
		Retention:       90 * 24 * time.Hour,
		CleanupInterval: 5 * time.Minute,
		MaxDocuments:    100000,
		MaxBodyBytes:    1 << 20,
		EnableMetrics:   true,
		AllowedOrigin:   "*",
	}
}
