// Package item defines the unit of content flowing through the acquisition
// pipeline. CandidateItems are ephemeral: produced by a source adapter,
// consumed within one run, never persisted as-is.
package item

import (
	"fmt"
	"time"
)

// Well-known numeric signal names. Sources may declare others; the filter
// engine only ever looks at the ones its criteria name.
const (
	SignalScore    = "score"
	SignalAnswers  = "answers"
	SignalComments = "comments"
	SignalViews    = "views"
)

// Attachment is a byte blob a source declared alongside an item. The name is
// untrusted and must be sanitized before any filesystem use.
type Attachment struct {
	Name string
	Data []byte
}

// CandidateItem is a unit of content before any persistence decision is made.
// Title and Body are raw, untrusted text or markup.
type CandidateItem struct {
	SourceType string // collector family, e.g. "web", "mail"
	SourceName string // configured endpoint within the family
	ItemID     string // natural key of the upstream system, unique per (SourceType, SourceName)

	Title string
	Body  string

	// URL is the canonical upstream location, when the source has one.
	URL string

	// CreatedAt is the upstream publish time; nil when the source does not
	// report one. Items without a timestamp pass age filters by definition.
	CreatedAt *time.Time

	Signals     map[string]float64
	Tags        []string
	Attachments []Attachment
}

// KeyString renders the dedup key for logs and lease identifiers.
func (c CandidateItem) KeyString() string {
	return fmt.Sprintf("%s/%s/%s", c.SourceType, c.SourceName, c.ItemID)
}

// Signal returns the named numeric signal and whether the source declared it.
func (c CandidateItem) Signal(name string) (float64, bool) {
	v, ok := c.Signals[name]
	return v, ok
}

// HasTag reports whether the item carries the exact tag.
func (c CandidateItem) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
