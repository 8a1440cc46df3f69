package moderation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFilter_HasDefaultTerms(t *testing.T) {
	f := NewFilter()
	require.NotNil(t, f)
	assert.NotEmpty(t, f.words)
	assert.NotEmpty(t, f.phrases)
}

func TestCheck_Keywords(t *testing.T) {
	f := NewFilterWithTerms([]string{"forbidden", "Spoiler ", "go die"}, WithoutSpamRules())

	cases := []struct {
		text string
		term string // empty when the text is clean
	}{
		{"forbidden", "forbidden"},
		{"that word is FORBIDDEN, sorry", "forbidden"},
		{"no spoilers please", ""},
		{"spoiler: the butler did it", "spoiler"},
		{"f0rb1dden", "forbidden"},
		{"just go   die", "go die"},
		{"go, die!", "go die"},
		{"go and die", ""},
		{"unforbidden territory", ""},
		{"", ""},
	}
	for _, tc := range cases {
		res := f.Check(tc.text)
		if tc.term == "" {
			assert.False(t, res.Blocked, "%q", tc.text)
			continue
		}
		assert.True(t, res.Blocked, "%q", tc.text)
		assert.Equal(t, ReasonKeyword, res.Reason, "%q", tc.text)
		assert.Equal(t, tc.term, res.Term, "%q", tc.text)
	}
}

func TestCheck_DefaultBlocklist(t *testing.T) {
	f := NewFilter()
	assert.True(t, f.Check("claim your FREE BITCOIN now").Blocked)
	assert.False(t, f.Check("k y s").Blocked, "split letters are not a token")
	assert.False(t, f.Check("see you at the standup").Blocked)
}

func TestCheckAll_ReportsFirstBlocked(t *testing.T) {
	f := NewFilterWithTerms([]string{"forbidden"})

	res := f.CheckAll("Favourite pizza?", "Best forbidden snack?", "Forbidden again?")
	assert.True(t, res.Blocked)
	assert.Equal(t, "forbidden", res.Term)

	assert.False(t, f.CheckAll("Lunch?", "Where?").Blocked)
	assert.False(t, f.CheckAll().Blocked)
}

func TestNewFilterWithTerms_IgnoresBlankTerms(t *testing.T) {
	f := NewFilterWithTerms([]string{"", "   ", "Valid"})
	assert.Equal(t, map[string]struct{}{"valid": {}}, f.words)
	assert.Empty(t, f.phrases)
}

func TestTokenizers(t *testing.T) {
	assert.Equal(t, []string{"hello", "world"}, tokenizePlain("hello, world!"))
	assert.Equal(t, []string{"a", "b"}, tokenizePlain("--a---b--"))
	assert.Empty(t, tokenizePlain(""))

	assert.Equal(t, []string{"b@d", "$h!t", "ok"}, tokenizeLeet("b@d, $h!t ok."))
	assert.Nil(t, tokenizeLeet("  ... "))

	assert.Equal(t, "change", normalizeLeet("CH@NG3"))
}

func BenchmarkCheck(b *testing.B) {
	f := NewFilter(WithAllowedHosts("luup.example"))
	msg := strings.Repeat("the photos from saturday are up, check the gallery link. ", 8)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Check(msg)
	}
}
