package funchelper

import (
	"log/slog"
	"sync"
)

// Entry is one palette button.
type Entry struct {
	Label string
	Value string
}

// Section groups palette buttons under a title.
type Section struct {
	Title   string
	Entries []Entry
}

type Palette []Section

// DefaultPalette returns the variables and functions shown by the helper.
func DefaultPalette() Palette {
	return Palette{
		{Title: "Variables", Entries: []Entry{
			{"θ", "θ"}, {"r", "r"}, {"x", "x"}, {"π", "π"},
		}},
		{Title: "Functions", Entries: []Entry{
			{"sin", "sin("}, {"cos", "cos("}, {"tan", "tan("},
			{"sin⁻¹", "asin("}, {"cos⁻¹", "acos("}, {"tan⁻¹", "atan("},
			{"sec", "sec("}, {"csc", "csc("}, {"cot", "cot("},
			{"√", "sqrt("}, {"log", "log("}, {"exp", "exp("},
			{"|x|", "abs("},
		}},
	}
}

// Lookup returns the value inserted by the button labelled label.
func (p Palette) Lookup(label string) (string, bool) {
	for _, s := range p {
		for _, e := range s.Entries {
			if e.Label == label {
				return e.Value, true
			}
		}
	}
	return "", false
}

// Outcome is the result of an insertion request.
type Outcome int

const (
	Inserted Outcome = iota
	// Rejected means the target refused the text (non-numeric text into a
	// number input).
	Rejected
	// Nudged means there was no target; the panel handle wiggles instead.
	Nudged
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Rejected:
		return "rejected"
	case Nudged:
		return "nudged"
	default:
		return "unknown"
	}
}

// Helper tracks focus and panel state for one page.
type Helper struct {
	mu          sync.Mutex
	palette     Palette
	active      *Element
	lastFocused *Element
	open        bool
	logger      *slog.Logger
}

// New returns a closed helper. A nil palette uses DefaultPalette.
func New(palette Palette, logger *slog.Logger) *Helper {
	if palette == nil {
		palette = DefaultPalette()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Helper{palette: palette, logger: logger}
}

func (h *Helper) Palette() Palette {
	return h.palette
}

// FocusIn records el as the active element, and as the last focused one
// when it is eligible.
func (h *Helper) FocusIn(el *Element) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = el
	if IsEligible(el) {
		h.lastFocused = el
	}
}

// Blur clears the active element; the last focused eligible element stays.
func (h *Helper) Blur() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = nil
}

// Target returns the active element when eligible, else the last focused
// eligible element, else nil.
func (h *Helper) Target() *Element {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.target()
}

func (h *Helper) target() *Element {
	if IsEligible(h.active) {
		return h.active
	}
	if IsEligible(h.lastFocused) {
		return h.lastFocused
	}
	return nil
}

func (h *Helper) Insert(text string) Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()

	el := h.target()
	if el == nil {
		h.logger.Debug("funchelper: no target, nudging", "text", text)
		return Nudged
	}
	if !InsertAtCursor(el, text) {
		return Rejected
	}
	return Inserted
}

// Press inserts the value of the palette button labelled label.
func (h *Helper) Press(label string) (Outcome, bool) {
	value, ok := h.palette.Lookup(label)
	if !ok {
		return Rejected, false
	}
	return h.Insert(value), true
}

func (h *Helper) Open() {
	h.mu.Lock()
	h.open = true
	h.mu.Unlock()
}

func (h *Helper) Close() {
	h.mu.Lock()
	h.open = false
	h.mu.Unlock()
}

func (h *Helper) Toggle() {
	h.mu.Lock()
	h.open = !h.open
	h.mu.Unlock()
}

func (h *Helper) IsOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.open
}

// Click handles a document click. Clicks on eligible elements keep the
// panel open; other clicks outside the panel close it.
func (h *Helper) Click(target *Element, insidePanel bool) {
	if IsEligible(target) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !insidePanel && h.open {
		h.open = false
	}
}
