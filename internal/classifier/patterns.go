package classifier

import "strings"

// Kind says which verdict a pattern is evidence for.
type Kind int

const (
	KindSuccess Kind = iota
	KindError
)

func (k Kind) String() string {
	if k == KindError {
		return "error"
	}
	return "success"
}

// MatchMode says how a pattern is looked up in the page.
type MatchMode string

const (
	BySelector MatchMode = "selector"
	ByText     MatchMode = "text"
)

// Locales.
const (
	LocaleAny = "any"
	LocaleNL  = "nl"
	LocaleEN  = "en"
)

// Pattern is one row of the indicator table.
type Pattern struct {
	Value  string    `json:"value"`
	Kind   Kind      `json:"-"`
	Locale string    `json:"locale"`
	Mode   MatchMode `json:"mode"`
}

// Table is an ordered list of indicators. Matchers walk it front to back and
// stop at the first visible hit; the order decides only which pattern is
// reported, never the verdict.
type Table []Pattern

// DefaultTable returns the indicators for an Elementor form on a Dutch site
// with English fallbacks. Specific markers come before generic ones.
func DefaultTable() Table {
	return Table{
		// Error indicators.
		{Value: ".elementor-message-danger", Kind: KindError, Locale: LocaleAny, Mode: BySelector},
		{Value: ".elementor-form .elementor-error", Kind: KindError, Locale: LocaleAny, Mode: BySelector},
		{Value: "Please verify that you are human", Kind: KindError, Locale: LocaleEN, Mode: ByText},
		{Value: "Controleer of je een mens bent", Kind: KindError, Locale: LocaleNL, Mode: ByText},
		{Value: "There's something wrong", Kind: KindError, Locale: LocaleEN, Mode: ByText},
		{Value: "An error occurred", Kind: KindError, Locale: LocaleEN, Mode: ByText},
		{Value: "Er is iets misgegaan", Kind: KindError, Locale: LocaleNL, Mode: ByText},
		{Value: "Er is een fout opgetreden", Kind: KindError, Locale: LocaleNL, Mode: ByText},
		{Value: "Your submission failed because of an error", Kind: KindError, Locale: LocaleEN, Mode: ByText},
		{Value: "Je inzending is mislukt", Kind: KindError, Locale: LocaleNL, Mode: ByText},

		// Success indicators.
		{Value: ".elementor-message-success", Kind: KindSuccess, Locale: LocaleAny, Mode: BySelector},
		{Value: "Your submission was successful", Kind: KindSuccess, Locale: LocaleEN, Mode: ByText},
		{Value: "Je inzending was succesvol", Kind: KindSuccess, Locale: LocaleNL, Mode: ByText},
		{Value: "The form was sent successfully", Kind: KindSuccess, Locale: LocaleEN, Mode: ByText},
		{Value: "Het formulier is succesvol verzonden", Kind: KindSuccess, Locale: LocaleNL, Mode: ByText},
		{Value: "Bedankt voor je bericht", Kind: KindSuccess, Locale: LocaleNL, Mode: ByText},
		{Value: "Bedankt voor uw bericht", Kind: KindSuccess, Locale: LocaleNL, Mode: ByText},
		{Value: "Thank you for your message", Kind: KindSuccess, Locale: LocaleEN, Mode: ByText},
	}
}

// Of returns the patterns of one kind, order preserved.
func (t Table) Of(kind Kind) []Pattern {
	out := make([]Pattern, 0, len(t))
	for _, p := range t {
		if p.Kind == kind {
			out = append(out, p)
		}
	}
	return out
}

// ForLocale keeps patterns for the given locale and locale-neutral ones.
// An empty locale keeps everything.
func (t Table) ForLocale(locale string) Table {
	if locale == "" {
		return t
	}
	lang := strings.ToLower(strings.SplitN(locale, "-", 2)[0])
	out := make(Table, 0, len(t))
	for _, p := range t {
		if p.Locale == LocaleAny || p.Locale == lang {
			out = append(out, p)
		}
	}
	return out
}

// MatchText returns the first text pattern of the kind contained in text,
// ignoring case and runs of whitespace.
func (t Table) MatchText(kind Kind, text string) (Pattern, bool) {
	haystack := normalize(text)
	for _, p := range t {
		if p.Kind != kind || p.Mode != ByText {
			continue
		}
		if strings.Contains(haystack, normalize(p.Value)) {
			return p, true
		}
	}
	return Pattern{}, false
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
