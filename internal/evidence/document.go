package evidence

import (
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/xkilldash9x/formprobe/internal/classifier"
)

// DOMMatch is the result of matching the pattern table against a saved document.
type DOMMatch struct {
	Success      classifier.Pattern
	SuccessFound bool
	Error        classifier.Pattern
	ErrorFound   bool
}

// Apply overwrites the DOM signals of ev with the match.
func (m DOMMatch) Apply(ev *classifier.SubmissionEvidence) {
	ev.DOMSuccessMatch = m.SuccessFound
	ev.MatchedSuccessPattern = ""
	if m.SuccessFound {
		ev.MatchedSuccessPattern = m.Success.Value
	}
	ev.DOMErrorMatch = m.ErrorFound
	ev.MatchedErrorPattern = ""
	if m.ErrorFound {
		ev.MatchedErrorPattern = m.Error.Value
	}
}

// MatchDocument matches the table against an HTML snapshot. Without a
// rendering engine, visibility is approximated by the hidden attribute and
// inline display:none on the element or its ancestors.
func MatchDocument(r io.Reader, table classifier.Table) (DOMMatch, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return DOMMatch{}, fmt.Errorf("failed to parse DOM snapshot: %w", err)
	}
	doc.Find("script, style, noscript, template").Remove()
	doc.Find("[hidden]").Remove()
	doc.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		if hiddenByStyle(s.AttrOr("style", "")) {
			s.Remove()
		}
	})
	text := visibleText(doc.Find("body"))

	var m DOMMatch
	m.Error, m.ErrorFound = firstMatch(doc, text, table, classifier.KindError)
	m.Success, m.SuccessFound = firstMatch(doc, text, table, classifier.KindSuccess)
	return m, nil
}

func firstMatch(doc *goquery.Document, text string, table classifier.Table, kind classifier.Kind) (classifier.Pattern, bool) {
	for _, p := range table.Of(kind) {
		switch p.Mode {
		case classifier.BySelector:
			if selectorMatches(doc, p.Value) {
				return p, true
			}
		default:
			if _, ok := (classifier.Table{p}).MatchText(kind, text); ok {
				return p, true
			}
		}
	}
	return classifier.Pattern{}, false
}

// selectorMatches treats an invalid selector as no match.
func selectorMatches(doc *goquery.Document, selector string) (found bool) {
	defer func() {
		if recover() != nil {
			found = false
		}
	}()
	return doc.Find(selector).Length() > 0
}

// visibleText joins every text node under s with a space, so adjacent blocks
// such as <p>Bedankt</p><p>voor je bericht</p> read as separate words.
func visibleText(s *goquery.Selection) string {
	var parts []string
	var walk func(*goquery.Selection)
	walk = func(sel *goquery.Selection) {
		sel.Contents().Each(func(_ int, c *goquery.Selection) {
			if goquery.NodeName(c) == "#text" {
				parts = append(parts, c.Text())
				return
			}
			walk(c)
		})
	}
	walk(s)
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

func hiddenByStyle(style string) bool {
	compact := strings.ToLower(strings.Join(strings.Fields(style), ""))
	return strings.Contains(compact, "display:none") || strings.Contains(compact, "visibility:hidden")
}
