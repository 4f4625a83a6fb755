package stealth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/formprobe/internal/config"
)

func TestFromConfig(t *testing.T) {
	cfg := config.NewDefaultConfig().Browser
	p := FromConfig(cfg)

	assert.Equal(t, "nl-NL", p.Locale)
	assert.Equal(t, "Europe/Amsterdam", p.TimezoneID)
	assert.Equal(t, []string{"nl-NL", "nl", "en-US", "en"}, p.Languages)
	assert.Equal(t, int64(1366), p.Screen.Width)
	assert.NotEmpty(t, p.UserAgent)
}

func TestEvasionScript(t *testing.T) {
	p := Persona{
		UserAgent: "UA",
		Platform:  "Win32",
		Languages: []string{"nl-NL", "nl"},
		Locale:    "nl-NL",
	}

	script, err := EvasionScript(p)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(script, "(function (FORMPROBE_PERSONA) {"))
	assert.Contains(t, script, `"languages":["nl-NL","nl"]`)
	assert.Contains(t, script, "'webdriver'")
	assert.True(t, strings.HasSuffix(script, ");"), "script is a self-invoking expression")
}

func TestAcceptLanguage(t *testing.T) {
	assert.Equal(t, "", AcceptLanguage(nil))
	assert.Equal(t, "nl-NL", AcceptLanguage([]string{"nl-NL"}))
	assert.Equal(t, "nl-NL,nl;q=0.9,en-US;q=0.8,en;q=0.7", AcceptLanguage([]string{"nl-NL", "nl", "en-US", "en"}))
}
