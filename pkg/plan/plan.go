// Package plan contains the core domain types for the substitute plan notification service.
package plan

import (
	"fmt"
	"slices"
	"time"
)

// Weekday identifies one published plan document.
type Weekday string

// The tracked plan documents, one per school day.
const (
	Monday    Weekday = "mo"
	Tuesday   Weekday = "di"
	Wednesday Weekday = "mi"
	Thursday  Weekday = "do"
	Friday    Weekday = "fr"
)

// Weekdays lists every tracked resource in display order.
var Weekdays = []Weekday{Monday, Tuesday, Wednesday, Thursday, Friday}

var labels = map[Weekday]string{
	Monday:    "Mo",
	Tuesday:   "Di",
	Wednesday: "Mi",
	Thursday:  "Do",
	Friday:    "Fr",
}

// ParseWeekday validates a weekday code.
func ParseWeekday(s string) (Weekday, error) {
	wd := Weekday(s)
	if _, ok := labels[wd]; !ok {
		return "", fmt.Errorf("unknown weekday %q", s)
	}
	return wd, nil
}

// Index returns the position of the weekday in Weekdays, or -1.
func (w Weekday) Index() int {
	return slices.Index(Weekdays, w)
}

// Label returns the short human-readable name.
func (w Weekday) Label() string {
	if l, ok := labels[w]; ok {
		return l
	}
	return string(w)
}

// Entry is a single row of a substitute plan.
type Entry struct {
	ClassText  string `json:"class"`
	Lesson     string `json:"lesson"`
	Substitute string `json:"substitute"`
	Teacher    string `json:"teacher"`
	InsteadOf  string `json:"instead_of"`
	Room       string `json:"room"`
	Extra      string `json:"extra"`
}

// Segment holds the entries of one audience segment and their fingerprint.
type Segment struct {
	Fingerprint string   `json:"fingerprint"`
	Entries     []*Entry `json:"entries"`
}

// AllSegments is the segment containing every classified entry. Subscribers
// without a segment subset follow it.
const AllSegments = "Alle"

// Fingerprints maps segment name -> segment fingerprint.
type Fingerprints map[string]string

// Plan is the parsed content of one weekday document.
type Plan struct {
	Weekday    Weekday             `json:"weekday"`
	Modified   time.Time           `json:"modified"`    // Modification timestamp the content was fetched for
	Date       time.Time           `json:"date"`        // Civil date the plan applies to, midnight local time
	ValidUntil time.Time           `json:"valid_until"` // Validity boundary
	Updated    time.Time           `json:"updated"`     // Timestamp embedded in the document
	Entries    []*Entry            `json:"entries"`
	Common     []*Entry            `json:"common,omitempty"` // General announcements, never hashed
	Unknown    []*Entry            `json:"unknown,omitempty"`
	Segments   map[string]*Segment `json:"segments"`
	Expired    bool                `json:"expired"` // Validity boundary had passed when the content was fetched
}

// Fingerprints returns the fingerprint of every non-empty segment.
func (p *Plan) Fingerprints() Fingerprints {
	fps := make(Fingerprints, len(p.Segments))
	for name, seg := range p.Segments {
		if seg.Fingerprint != "" {
			fps[name] = seg.Fingerprint
		}
	}
	return fps
}

// ExpiredAt reports whether the validity boundary has passed at now.
func (p *Plan) ExpiredAt(now time.Time) bool {
	return !now.Before(p.ValidUntil)
}

// PushSubscription is a browser Web Push subscription.
type PushSubscription struct {
	Endpoint string   `json:"endpoint"`
	Keys     PushKeys `json:"keys"`
}

// PushKeys holds the client public key and auth secret of a push subscription.
type PushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscriber is a registered notification recipient.
type Subscriber struct {
	ID        string            `json:"id"`
	Push      *PushSubscription `json:"push,omitempty"`
	Email     string            `json:"email,omitempty"`
	Segments  []string          `json:"segments,omitempty"` // Empty means all segments
	UpdatedAt time.Time         `json:"updated_at"`
}

// Wants reports whether the subscriber follows segment.
func (s *Subscriber) Wants(segment string) bool {
	if len(s.Segments) == 0 {
		return segment == AllSegments
	}
	return slices.Contains(s.Segments, segment)
}
