package scraper

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"substitute-notifier/pkg/plan"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// commonClass marks general announcements.
const commonClass = "Allgemein"

var (
	dateRe  = regexp.MustCompile(`(\d{1,2})\.(\d{1,2})\.(\d{4})`)
	standRe = regexp.MustCompile(`Stand:\s*(\d{1,2}\.\d{1,2}\.\d{4}\s+\d{1,2}:\d{2})`)
)

// ParseError indicates the plan markup no longer has the expected shape.
type ParseError struct {
	Weekday plan.Weekday
	Reason  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse plan %s: %s", e.Weekday, e.Reason)
}

// IsParseError checks if an error is a structural parse error.
func IsParseError(err error) bool {
	var parseErr *ParseError
	return errors.As(err, &parseErr)
}

// Parse parses the plan body fetched for the modification time modified.
func (s *Scraper) Parse(wd plan.Weekday, modified time.Time, body []byte) (*plan.Plan, error) {
	p, err := Parse(bytes.NewReader(body), wd, modified, s.location)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Plan parsed",
		"weekday", wd,
		"date", p.Date.Format(time.DateOnly),
		"entries", len(p.Entries),
		"updated", p.Updated.Format(time.RFC3339))
	return p, nil
}

// Parse reads a plan document. Dates are interpreted in loc.
func Parse(r io.Reader, wd plan.Weekday, modified time.Time, loc *time.Location) (*plan.Plan, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	title := doc.Find("div.mon_title").First()
	if title.Length() == 0 {
		return nil, &ParseError{Weekday: wd, Reason: "missing div.mon_title"}
	}
	date, err := parseDate(cleanText(title.Text()), loc)
	if err != nil {
		return nil, &ParseError{Weekday: wd, Reason: err.Error()}
	}

	list := doc.Find("table.mon_list").First()
	if list.Length() == 0 {
		return nil, &ParseError{Weekday: wd, Reason: "missing table.mon_list"}
	}

	p := &plan.Plan{
		Weekday:    wd,
		Modified:   modified,
		Date:       date,
		ValidUntil: date.AddDate(0, 0, 1),
	}

	if m := standRe.FindStringSubmatch(cleanText(doc.Find("table.mon_head").Text())); m != nil {
		if updated, err := time.ParseInLocation("2.1.2006 15:04", strings.Join(strings.Fields(m[1]), " "), loc); err == nil {
			p.Updated = updated
		}
	}

	doc.Find("table.info td").Each(func(_ int, cell *goquery.Selection) {
		if text := cleanText(cell.Text()); text != "" {
			p.Entries = append(p.Entries, &plan.Entry{ClassText: commonClass, Extra: text})
		}
	})

	list.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			// Header rows and "no substitutions" placeholders.
			return
		}
		var fields [7]string
		cells.EachWithBreak(func(i int, cell *goquery.Selection) bool {
			if i >= len(fields) {
				return false
			}
			fields[i] = cleanText(cell.Text())
			return true
		})
		p.Entries = append(p.Entries, &plan.Entry{
			ClassText:  fields[0],
			Lesson:     fields[1],
			Substitute: fields[2],
			Teacher:    fields[3],
			InsteadOf:  fields[4],
			Room:       fields[5],
			Extra:      fields[6],
		})
	})

	return p, nil
}

func parseDate(title string, loc *time.Location) (time.Time, error) {
	m := dateRe.FindStringSubmatch(title)
	if m == nil {
		return time.Time{}, fmt.Errorf("no date in title %q", title)
	}
	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("invalid date in title %q", title)
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc), nil
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
