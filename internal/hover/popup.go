package hover

import (
	"html/template"
	"sync"

	"github.com/Transport-for-the-North/vis-core-sub002/internal/surface"
)

// Popup is the tooltip container on a surface.
type Popup interface {
	Show(at surface.Point, html template.HTML)
	Move(at surface.Point)
	Hide()
}

// PopupState is a Popup that keeps the latest tooltip so it can be read
// from other goroutines, e.g. to stream it to a browser.
type PopupState struct {
	mu      sync.RWMutex
	html    template.HTML
	at      surface.Point
	visible bool
	shows   int
	moves   int
	onShow  func(template.HTML)
}

// NewPopupState creates a hidden popup. onShow, if set, receives every
// rendered tooltip.
func NewPopupState(onShow func(template.HTML)) *PopupState {
	return &PopupState{onShow: onShow}
}

func (p *PopupState) Show(at surface.Point, html template.HTML) {
	p.mu.Lock()
	p.html, p.at, p.visible = html, at, true
	p.shows++
	fn := p.onShow
	p.mu.Unlock()
	if fn != nil {
		fn(html)
	}
}

func (p *PopupState) Move(at surface.Point) {
	p.mu.Lock()
	p.at = at
	p.moves++
	p.mu.Unlock()
}

func (p *PopupState) Hide() {
	p.mu.Lock()
	p.html, p.visible = "", false
	p.mu.Unlock()
}

// Snapshot returns the current tooltip.
func (p *PopupState) Snapshot() (html template.HTML, at surface.Point, visible bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.html, p.at, p.visible
}

// Counts returns how many times the popup was rendered and repositioned.
func (p *PopupState) Counts() (shows, moves int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.shows, p.moves
}
