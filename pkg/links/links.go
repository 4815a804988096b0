// Package links classifies hyperlinks as external or internal to a page.
package links

import (
	"fmt"
	"net/url"
	"strings"
)

// Classifier resolves links against the page they appear on.
type Classifier struct {
	page *url.URL
}

// NewClassifier returns a Classifier for the page at pageURL.
func NewClassifier(pageURL string) (*Classifier, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("links: parse page url: %w", err)
	}
	return &Classifier{page: u}, nil
}

// PageHost returns the hostname of the current page.
func (c *Classifier) PageHost() string {
	return c.page.Hostname()
}

// Domain resolves href and returns its lower-cased hostname when the link is
// external. Unparsable links are never external.
func (c *Classifier) Domain(href string) (string, bool) {
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	host := strings.ToLower(c.page.ResolveReference(ref).Hostname())
	if host == "" || host == strings.ToLower(c.page.Hostname()) {
		return "", false
	}
	return host, true
}

// IsExternal reports whether href resolves to a non-empty host that differs
// from the page host.
func (c *Classifier) IsExternal(href string) bool {
	_, ok := c.Domain(href)
	return ok
}
