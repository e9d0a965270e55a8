// Package position maps scroll offsets and chapter boundaries to a 0-100
// completion percentage and back.
package position

import (
	"math"
	"sort"
)

// ChapterWeight is one row of the chapter size table.
type ChapterWeight struct {
	ID     string
	Weight int
}

// ReadingPosition is an ephemeral reading location.
type ReadingPosition struct {
	Percentage float64 `json:"percentage"`
	ChapterID  string  `json:"chapterId,omitempty"`
}

// Restorer moves a rendering surface to an absolute offset.
type Restorer interface {
	ScrollTo(offset float64)
}

// RestorerFunc adapts a function to Restorer.
type RestorerFunc func(offset float64)

// ScrollTo calls f(offset).
func (f RestorerFunc) ScrollTo(offset float64) { f(offset) }

// Tracker is immutable once built and safe for concurrent use.
type Tracker struct {
	chapters []ChapterWeight
	starts   []int // cumulative weight before chapter i
	index    map[string]int
	total    int
}

// NewTracker builds a tracker over chapters in reading order.
// Negative weights count as zero.
func NewTracker(chapters []ChapterWeight) *Tracker {
	t := &Tracker{
		chapters: make([]ChapterWeight, len(chapters)),
		starts:   make([]int, len(chapters)),
		index:    make(map[string]int, len(chapters)),
	}
	copy(t.chapters, chapters)
	for i, c := range t.chapters {
		if c.Weight < 0 {
			t.chapters[i].Weight = 0
		}
		t.starts[i] = t.total
		t.total += t.chapters[i].Weight
		if _, dup := t.index[c.ID]; !dup {
			t.index[c.ID] = i
		}
	}
	return t
}

// Total returns the sum of all chapter weights.
func (t *Tracker) Total() int { return t.total }

// Len returns the number of chapters.
func (t *Tracker) Len() int { return len(t.chapters) }

// Chapters returns a copy of the weight table.
func (t *Tracker) Chapters() []ChapterWeight {
	out := make([]ChapterWeight, len(t.chapters))
	copy(out, t.chapters)
	return out
}

// ChapterStart returns the percentage at which chapter i begins.
// i == Len() yields the closing boundary (100 when any weight is non-zero).
// Out-of-range indexes and an all-zero table yield 0.
func (t *Tracker) ChapterStart(i int) float64 {
	if t.total == 0 || i < 0 || i > len(t.chapters) {
		return 0
	}
	if i == len(t.chapters) {
		return 100
	}
	return float64(t.starts[i]) / float64(t.total) * 100
}

// ChapterStartByID is ChapterStart keyed by chapter id.
func (t *Tracker) ChapterStartByID(id string) (float64, bool) {
	i, ok := t.index[id]
	if !ok {
		return 0, false
	}
	return t.ChapterStart(i), true
}

// ChapterAt returns the index of the chapter containing pct, or -1 when the
// table is empty. Zero-weight chapters are never returned unless every
// chapter is empty.
func (t *Tracker) ChapterAt(pct float64) int {
	n := len(t.chapters)
	if n == 0 {
		return -1
	}
	if t.total == 0 {
		return 0
	}
	pos := clamp(pct) / 100 * float64(t.total)
	// last chapter whose start <= pos and that has weight
	i := sort.Search(n, func(i int) bool { return float64(t.starts[i]) > pos }) - 1
	if i < 0 {
		i = 0
	}
	for i > 0 && t.chapters[i].Weight == 0 {
		i--
	}
	for i < n-1 && t.chapters[i].Weight == 0 {
		i++
	}
	return i
}

// PercentAtOffset converts a scroll offset within a surface of the given
// scrollable extent into a percentage.
func (t *Tracker) PercentAtOffset(offset, extent float64) float64 {
	if extent <= 0 {
		return 0
	}
	return clamp(offset / extent * 100)
}

// OffsetForPercent is the inverse of PercentAtOffset.
func (t *Tracker) OffsetForPercent(pct, extent float64) float64 {
	if extent <= 0 {
		return 0
	}
	return clamp(pct) / 100 * extent
}

// PositionAt returns the reading position for a scroll offset.
func (t *Tracker) PositionAt(offset, extent float64) ReadingPosition {
	pct := t.PercentAtOffset(offset, extent)
	pos := ReadingPosition{Percentage: pct}
	if i := t.ChapterAt(pct); i >= 0 {
		pos.ChapterID = t.chapters[i].ID
	}
	return pos
}

// Restore scrolls r to pos. A zero percentage with a known chapter restores
// to that chapter's start instead.
func (t *Tracker) Restore(r Restorer, pos ReadingPosition, extent float64) {
	if r == nil {
		return
	}
	pct := pos.Percentage
	if pct <= 0 && pos.ChapterID != "" {
		if start, ok := t.ChapterStartByID(pos.ChapterID); ok {
			pct = start
		}
	}
	r.ScrollTo(t.OffsetForPercent(pct, extent))
}

func clamp(pct float64) float64 {
	switch {
	case math.IsNaN(pct), pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return pct
}
