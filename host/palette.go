package host

import (
	"strings"
	"time"
)

// DefaultPaletteSize is the default number of retained palette lines.
const DefaultPaletteSize = 1000

// Palette is the host's text output panel. Like everything else owned by
// the host it is main-thread only and carries no lock.
type Palette struct {
	limit int
	lines []string
	now   func() time.Time
}

// NewPalette creates a palette retaining at most limit lines.
func NewPalette(limit int) *Palette {
	if limit <= 0 {
		limit = DefaultPaletteSize
	}
	return &Palette{limit: limit, now: time.Now}
}

// WriteText appends one timestamped entry per line of text.
func (p *Palette) WriteText(text string) {
	stamp := p.now().Format(time.DateTime)
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		p.lines = append(p.lines, stamp+"\t"+line)
	}
	if over := len(p.lines) - p.limit; over > 0 {
		p.lines = append(p.lines[:0], p.lines[over:]...)
	}
}

// Lines returns a copy of the retained lines, oldest first.
func (p *Palette) Lines() []string {
	out := make([]string, len(p.lines))
	copy(out, p.lines)
	return out
}

// Clear drops every retained line.
func (p *Palette) Clear() {
	p.lines = p.lines[:0]
}
