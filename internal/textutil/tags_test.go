package textutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripContextBlocks(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"canonical", "before <codemem-context>injected</codemem-context> after", "before  after"},
		{"legacy", "x<memworker-context>old</memworker-context>y", "xy"},
		{"both", "<codemem-context>a</codemem-context><memworker-context>b</memworker-context>tail", "tail"},
		{"none", "plain text", "plain text"},
		{"multiline", "a<codemem-context>line1\nline2</codemem-context>b", "ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripContextBlocks(tt.in))
		})
	}
}

func TestStripIdempotent(t *testing.T) {
	in := "keep <codemem-context>ctx</codemem-context> and <private>secret</private> this"
	once := Clean(in)
	twice := Clean(once)
	assert.Equal(t, once, twice)
	assert.Equal(t, "keep  and  this", once)
}

func TestIsFullyPrivate(t *testing.T) {
	assert.True(t, IsFullyPrivate("<private>secret</private>"))
	assert.True(t, IsFullyPrivate("  <private>a\nb</private>  "))
	assert.False(t, IsFullyPrivate("visible <private>secret</private>"))
	assert.False(t, IsFullyPrivate("no tags at all"))
	assert.False(t, IsFullyPrivate(""))
}

func TestStripBounded(t *testing.T) {
	// Payloads with more wrappers than the cap keep the excess untouched.
	in := strings.Repeat("<private>x</private>", maxTagsPerPayload+5)
	out := StripPrivate(in)
	assert.Equal(t, strings.Repeat("<private>x</private>", 5), out)
}
