package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTable(t *testing.T) {
	table := DefaultTable()

	t.Run("both kinds in both locales", func(t *testing.T) {
		for _, kind := range []Kind{KindSuccess, KindError} {
			locales := map[string]bool{}
			for _, p := range table.Of(kind) {
				assert.Equal(t, kind, p.Kind)
				assert.NotEmpty(t, p.Value)
				locales[p.Locale] = true
			}
			assert.True(t, locales[LocaleNL], "%s patterns need Dutch", kind)
			assert.True(t, locales[LocaleEN], "%s patterns need English", kind)
		}
	})

	t.Run("selectors lead their kind", func(t *testing.T) {
		for _, kind := range []Kind{KindSuccess, KindError} {
			patterns := table.Of(kind)
			require.NotEmpty(t, patterns)
			assert.Equal(t, BySelector, patterns[0].Mode)
		}
	})

	t.Run("no duplicates", func(t *testing.T) {
		seen := map[string]bool{}
		for _, p := range table {
			assert.False(t, seen[p.Value], "duplicate pattern %q", p.Value)
			seen[p.Value] = true
		}
	})
}

func TestTable_MatchText(t *testing.T) {
	table := DefaultTable()

	p, ok := table.MatchText(KindError, "  PLEASE verify that\n you are   human. ")
	require.True(t, ok)
	assert.Equal(t, "Please verify that you are human", p.Value)

	p, ok = table.MatchText(KindSuccess, "Bedankt voor je bericht! We nemen snel contact op.")
	require.True(t, ok)
	assert.Equal(t, LocaleNL, p.Locale)

	_, ok = table.MatchText(KindError, "Bedankt voor je bericht")
	assert.False(t, ok, "kind is respected")

	_, ok = table.MatchText(KindSuccess, ".elementor-message-success")
	assert.False(t, ok, "selectors are not matched as text")
}

func TestTable_ForLocale(t *testing.T) {
	nl := DefaultTable().ForLocale("nl-NL")
	require.NotEmpty(t, nl)
	for _, p := range nl {
		assert.Contains(t, []string{LocaleNL, LocaleAny}, p.Locale)
	}
	assert.Len(t, DefaultTable().ForLocale(""), len(DefaultTable()))
}
