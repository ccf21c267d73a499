// Package hypothesis keeps the running hypotheses an evaluation run forms
// about a project. Each criterion reads the current text and may replace it.
package hypothesis

import (
	"sync"
	"time"
)

// Initial is the hypothesis text before any criterion has been evaluated.
const Initial = "None"

// DefaultMaxRevisions bounds the revision history kept per tracker.
const DefaultMaxRevisions = 50

// Revision is one version of the hypotheses text.
type Revision struct {
	Text      string
	Source    string // question that produced this revision; empty for the initial text
	Timestamp time.Time
}

// Tracker holds the hypotheses for one run. It is never persisted; start a
// new Tracker for every run.
type Tracker struct {
	mu           sync.RWMutex
	revisions    []Revision
	maxRevisions int
}

// NewTracker creates a tracker holding Initial.
func NewTracker() *Tracker {
	return &Tracker{
		revisions:    []Revision{{Text: Initial, Timestamp: time.Now()}},
		maxRevisions: DefaultMaxRevisions,
	}
}

// Current returns the latest hypotheses text.
func (t *Tracker) Current() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.revisions[len(t.revisions)-1].Text
}

// Update replaces the hypotheses with text produced while answering source.
func (t *Tracker) Update(text, source string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.revisions = append(t.revisions, Revision{
		Text:      text,
		Source:    source,
		Timestamp: time.Now(),
	})

	// Trim old revisions (keep recent ones)
	if len(t.revisions) > t.maxRevisions {
		t.revisions = t.revisions[len(t.revisions)-t.maxRevisions:]
	}
}

// History returns a copy of the retained revisions, oldest first.
func (t *Tracker) History() []Revision {
	t.mu.RLock()
	defer t.mu.RUnlock()

	revisions := make([]Revision, len(t.revisions))
	copy(revisions, t.revisions)
	return revisions
}
