// Package segment partitions plan entries into audience segments and fingerprints each segment.
package segment

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"substitute-notifier/pkg/plan"
	"time"
	"unicode"
	"unicode/utf16"
)

// Segment names that are not grade sections.
const (
	All    = plan.AllSegments
	Common = "Allgemein" // General announcements, never hashed
	Q11    = "Q11"
	Q12    = "Q12"
	Q13    = "Q13"
)

// FingerprintLength is the length of every segment fingerprint.
const FingerprintLength = 6 + 2*14

// maxSafe bounds both accumulators (2^53 - 1).
const maxSafe = 1<<53 - 1

var (
	grades  = []string{"5", "6", "7", "8", "9", "10"}
	letters = []rune{'A', 'B', 'C', 'D', 'E', 'F', 'G'}
	tracks  = []string{Q11, Q12, Q13}

	// Selectable lists the segments a subscriber may choose.
	Selectable = selectable()
)

func selectable() []string {
	out := slices.Clone(tracks)
	for _, g := range grades {
		for _, l := range letters {
			out = append(out, g+string(l))
		}
	}
	return out
}

// IsSelectable reports whether name is a segment subscribers may follow.
func IsSelectable(name string) bool {
	return name == All || slices.Contains(Selectable, name)
}

// Hasher is an order-sensitive rolling hash over two interleaved accumulators.
// The zero value is ready to use.
type Hasher struct {
	acc  [2]uint64
	next int
	used bool
}

// WriteString feeds the UTF-16 code units of s into the accumulators.
func (h *Hasher) WriteString(s string) {
	h.used = true
	for _, u := range utf16.Encode([]rune(s)) {
		h.acc[h.next] = (h.acc[h.next]*31 + uint64(u)) % maxSafe
		h.next = (h.next + 1) % len(h.acc)
	}
}

// WriteEntry feeds every field of e in a fixed order.
func (h *Hasher) WriteEntry(e *plan.Entry) {
	h.WriteString(e.ClassText)
	h.WriteString(e.Lesson)
	h.WriteString(e.Substitute)
	h.WriteString(e.Teacher)
	h.WriteString(e.InsteadOf)
	h.WriteString(e.Room)
	h.WriteString(e.Extra)
}

// Sum returns the fingerprint bound to date, or "" if nothing was written.
func (h *Hasher) Sum(date time.Time) string {
	if !h.used {
		return ""
	}
	return fmt.Sprintf("%06x%014x%014x", DayNumber(date), h.acc[0], h.acc[1])
}

// DayNumber returns the number of days between 1970-01-01 and the civil date of t.
func DayNumber(t time.Time) int64 {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400
}

// IsFingerprintForDate reports whether fingerprint was computed for the civil date of date.
// Malformed fingerprints never match.
func IsFingerprintForDate(fingerprint string, date time.Time) bool {
	if len(fingerprint) != FingerprintLength {
		return false
	}
	day, err := strconv.ParseUint(fingerprint[:6], 16, 32)
	if err != nil {
		return false
	}
	return int64(day) == DayNumber(date)
}

// Classify maps a class label to the segments it addresses. unknown is true
// when at least one part of the label could not be classified.
func Classify(classText string) (segments []string, unknown bool) {
	if strings.HasPrefix(classText, "IF") || strings.HasPrefix(classText, "Ava") {
		return nil, true
	}
	if i := strings.LastIndex(classText, "_"); i != -1 {
		classText = classText[:i]
	}
	for _, part := range strings.Split(classText, ",") {
		part = strings.TrimSpace(part)
		isTrack := false
		for _, q := range tracks {
			if strings.Contains(part, q) {
				segments = append(segments, q)
				isTrack = true
			}
		}
		if isTrack {
			continue
		}

		grade, rest, ok := splitGrade(part)
		if !ok {
			unknown = true
			continue
		}
		rest = strings.TrimSpace(rest)
		if rest == "" {
			for _, l := range letters {
				segments = append(segments, grade+string(l))
			}
			continue
		}
		found := false
		for _, r := range rest {
			r = unicode.ToUpper(r)
			if slices.Contains(letters, r) {
				segments = append(segments, grade+string(r))
				found = true
			}
		}
		if !found {
			unknown = true
		}
	}
	return segments, unknown
}

// splitGrade splits the leading grade number off part.
func splitGrade(part string) (grade, rest string, ok bool) {
	end := 0
	for end < len(part) && part[end] >= '0' && part[end] <= '9' {
		end++
	}
	if end == 0 {
		return "", "", false
	}
	n, err := strconv.Atoi(part[:end])
	if err != nil {
		return "", "", false
	}
	grade = strconv.Itoa(n)
	if !slices.Contains(grades, grade) {
		return "", "", false
	}
	return grade, part[end:], true
}

// Result is the segmentation of one plan.
type Result struct {
	Segments map[string]*plan.Segment
	Common   []*plan.Entry
	Unknown  []*plan.Entry
}

// Compute partitions entries into segments and fingerprints every non-empty
// segment for date. Common announcements are kept aside and never hashed.
// Unknown entries only contribute to the All segment.
func Compute(entries []*plan.Entry, date time.Time) *Result {
	res := &Result{Segments: make(map[string]*plan.Segment)}
	hashers := make(map[string]*Hasher)
	add := func(name string, e *plan.Entry) {
		h, ok := hashers[name]
		if !ok {
			h = &Hasher{}
			hashers[name] = h
			res.Segments[name] = &plan.Segment{}
		}
		h.WriteEntry(e)
		res.Segments[name].Entries = append(res.Segments[name].Entries, e)
	}

	for _, e := range entries {
		if e.ClassText == Common {
			res.Common = append(res.Common, e)
			continue
		}
		add(All, e)
		segments, unknown := Classify(e.ClassText)
		for _, name := range segments {
			add(name, e)
		}
		if unknown {
			res.Unknown = append(res.Unknown, e)
		}
	}

	for name, h := range hashers {
		res.Segments[name].Fingerprint = h.Sum(date)
	}
	return res
}

// Apply computes the segmentation of p and stores it on p.
func Apply(p *plan.Plan) {
	res := Compute(p.Entries, p.Date)
	p.Segments = res.Segments
	p.Common = res.Common
	p.Unknown = res.Unknown
}
