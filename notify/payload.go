package notify

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"substitute-notifier/pkg/plan"
)

// Payload is what a subscriber receives for one round.
type Payload struct {
	ID    string         `json:"id"`
	Title string         `json:"title"`
	Days  []plan.Weekday `json:"days"`
	Lines []string       `json:"lines"`
}

// Body joins the lines for transports that carry plain text.
func (p *Payload) Body() string {
	return strings.Join(p.Lines, "\n")
}

// roundID derives a stable identifier from the changed fingerprints so that a
// repeated round carries the same id.
func roundID(changes []change) string {
	h := sha256.New()
	for _, c := range changes {
		current := c.plan.Fingerprints()
		for _, name := range c.segments {
			fmt.Fprintf(h, "%s/%s=%s\n", c.plan.Weekday, name, current[name])
		}
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func buildPayload(id string, changes []change, maxLines int) *Payload {
	p := &Payload{ID: id}
	var lines []string
	for _, c := range changes {
		p.Days = append(p.Days, c.plan.Weekday)
		lines = append(lines, changeLines(c)...)
	}

	labels := make([]string, len(p.Days))
	for i, wd := range p.Days {
		labels[i] = wd.Label()
	}
	p.Title = "Neue Vertretungen: " + strings.Join(labels, ", ")

	if len(lines) > maxLines {
		rest := len(lines) - (maxLines - 1)
		lines = append(lines[:maxLines-1], fmt.Sprintf("… und %d weitere", rest))
	}
	p.Lines = lines
	return p
}

// changeLines lists the entries of the changed segments in plan order. A
// segment that lost all its entries yields a single line saying so.
func changeLines(c change) []string {
	label := c.plan.Weekday.Label()
	seen := make(map[*plan.Entry]bool)
	var lines []string
	var emptied []string
	for _, name := range c.segments {
		seg, ok := c.plan.Segments[name]
		if !ok || len(seg.Entries) == 0 {
			emptied = append(emptied, name)
			continue
		}
		for _, e := range seg.Entries {
			seen[e] = true
		}
	}
	for _, e := range c.plan.Entries {
		if seen[e] {
			lines = append(lines, entryLine(label, e))
		}
	}
	for _, name := range emptied {
		lines = append(lines, fmt.Sprintf("%s %s: keine Vertretungen mehr", label, name))
	}
	return lines
}

func entryLine(label string, e *plan.Entry) string {
	var details []string
	switch {
	case e.Substitute != "" && e.InsteadOf != "":
		details = append(details, e.Substitute+" statt "+e.InsteadOf)
	case e.Substitute != "":
		details = append(details, e.Substitute)
	case e.Teacher != "":
		details = append(details, e.Teacher)
	}
	if e.Room != "" {
		details = append(details, e.Room)
	}
	if e.Extra != "" {
		details = append(details, e.Extra)
	}
	line := fmt.Sprintf("%s %s %s.", label, e.ClassText, e.Lesson)
	if len(details) > 0 {
		line += " " + strings.Join(details, ", ")
	}
	return line
}
