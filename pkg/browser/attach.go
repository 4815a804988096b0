package browser

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"visitor-tracker/pkg/remotesync"
)

// bindingName must match the function hook.js calls.
const bindingName = "__visitorTracker"

//go:embed hook.js
var hookJS string

const queueSize = 64

// Handler receives page events. *tracker.Tracker implements it.
type Handler interface {
	HandleClick(ctx context.Context, href string) (remotesync.Result, bool)
	Unload(ctx context.Context) remotesync.Result
}

type eventType string

const (
	eventClick  eventType = "click"
	eventUnload eventType = "unload"
)

type pageEvent struct {
	Type eventType `json:"type"`
	Href string    `json:"href,omitempty"`
}

func parseEvent(payload string) (pageEvent, error) {
	var ev pageEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return ev, fmt.Errorf("browser: parse binding payload: %w", err)
	}
	switch ev.Type {
	case eventClick:
		if ev.Href == "" {
			return ev, fmt.Errorf("browser: click event without href")
		}
	case eventUnload:
	default:
		return ev, fmt.Errorf("browser: unknown event type %q", ev.Type)
	}
	return ev, nil
}

// Session forwards the events of one page to a Handler until closed.
type Session struct {
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	removeHook func() error
	logger     *slog.Logger
}

// Attach installs the click and beforeunload hooks on page, for the current
// document and every later navigation, and dispatches their events to h in
// the order the page raised them.
func Attach(ctx context.Context, page *rod.Page, h Handler, logger *slog.Logger) (*Session, error) {
	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(page); err != nil {
		return nil, fmt.Errorf("browser: add binding: %w", err)
	}

	remove, err := page.EvalOnNewDocument("(" + hookJS + ")()")
	if err != nil {
		return nil, fmt.Errorf("browser: install hook: %w", err)
	}
	if _, err := page.Eval(hookJS); err != nil {
		logger.Warn("browser: could not hook current document", "error", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{cancel: cancel, removeHook: remove, logger: logger}
	events := make(chan pageEvent, queueSize)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		defer close(events)
		page.Context(ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
			if e.Name != bindingName {
				return
			}
			ev, err := parseEvent(e.Payload)
			if err != nil {
				logger.Warn("browser: dropped page event", "error", err)
				return
			}
			select {
			case events <- ev:
			default:
				logger.Warn("browser: event queue full, dropping", "type", ev.Type)
			}
		})()
	}()
	go func() {
		defer s.wg.Done()
		dispatch(ctx, h, events, logger)
	}()
	return s, nil
}

// dispatch feeds events to h one at a time until events is closed.
func dispatch(ctx context.Context, h Handler, events <-chan pageEvent, logger *slog.Logger) {
	for ev := range events {
		switch ev.Type {
		case eventClick:
			res, external := h.HandleClick(ctx, ev.Href)
			if external && !res.OK() {
				logger.Warn("browser: click not persisted", "href", ev.Href, "error", res.Err)
			}
		case eventUnload:
			if res := h.Unload(ctx); res.Err != nil {
				logger.Warn("browser: unload reconcile failed", "error", res.Err)
			}
		}
	}
}

// Close stops listening and removes the new-document hook.
func (s *Session) Close() error {
	s.cancel()
	s.wg.Wait()
	if s.removeHook != nil {
		return s.removeHook()
	}
	return nil
}
