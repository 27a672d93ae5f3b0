package worker

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateRunesKeepsRuneBoundaries(t *testing.T) {
	long := strings.Repeat("é", 300)
	got := truncateRunes(long, 280)
	assert.Equal(t, strings.Repeat("é", 280), got)
	assert.True(t, utf8.ValidString(got))

	mixed := "ok ✓ " + strings.Repeat("日", 300)
	got = truncateRunes(mixed, 280)
	assert.Equal(t, 280, utf8.RuneCountInString(got))
	assert.True(t, utf8.ValidString(got))
}

func TestTruncateRunesShortStringsUntouched(t *testing.T) {
	assert.Equal(t, "hola ✓", truncateRunes("hola ✓", 280))
	assert.Equal(t, "", truncateRunes("", 280))
}
