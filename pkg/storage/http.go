package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPStore is a Store backed by a remote document server.
type HTTPStore struct {
	baseURL string
	client  *http.Client
}

// NewHTTPStore returns a client for the document server at baseURL.
func NewHTTPStore(baseURL string, timeout time.Duration) *HTTPStore {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

func (s *HTTPStore) documentURL(collection, id string) string {
	return s.baseURL + "/v1/documents/" + url.PathEscape(collection) + "/" + url.PathEscape(id)
}

func (s *HTTPStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.documentURL(collection, id), nil)
	if err != nil {
		return nil, fmt.Errorf("storage: build request: %w", err)
	}
	env, status, err := s.do(req)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	if status != http.StatusOK {
		return nil, statusError(status, env)
	}

	dec := json.NewDecoder(bytes.NewReader(env.Data))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("storage: decode document: %w", err)
	}
	if doc.Fields == nil {
		doc.Fields = map[string]any{}
	}
	doc.Fields = fromJSON(doc.Fields).(map[string]any)
	return &doc, nil
}

func (s *HTTPStore) Set(ctx context.Context, collection, id string, writes []Write) error {
	wire, err := EncodeWrites(writes)
	if err != nil {
		return err
	}
	body, err := json.Marshal(SetRequest{Writes: wire})
	if err != nil {
		return fmt.Errorf("storage: encode writes: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, s.documentURL(collection, id), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("storage: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	env, status, err := s.do(req)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return statusError(status, env)
	}
	return nil
}

func (s *HTTPStore) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("storage: build request: %w", err)
	}
	_, status, err := s.do(req)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: health returned %d", ErrUnavailable, status)
	}
	return nil
}

func (s *HTTPStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *HTTPStore) do(req *http.Request) (*envelope, int, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	var env envelope
	if len(data) > 0 {
		// Non-JSON bodies (proxies, plain errors) are tolerated; status decides.
		_ = json.Unmarshal(data, &env)
	}
	return &env, resp.StatusCode, nil
}

func statusError(status int, env *envelope) error {
	msg := env.Error
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case status == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidWrite, msg)
	case status >= 500:
		return fmt.Errorf("%w: %d %s", ErrUnavailable, status, msg)
	default:
		return fmt.Errorf("storage: server returned %d: %s", status, msg)
	}
}
