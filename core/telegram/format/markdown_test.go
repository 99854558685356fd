package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEscapeMarkdownV2(t *testing.T) {
	assert.Equal(t, `a\_b\*c`, EscapeMarkdownV2("a_b*c"))
	assert.Equal(t, `1\.5`, EscapeMarkdownV2("1.5"))
	assert.Equal(t, `\[x\]\(y\)`, EscapeMarkdownV2("[x](y)"))
	assert.Equal(t, `\#17: fix\!`, EscapeMarkdownV2("#17: fix!"))
	assert.Equal(t, "plain", EscapeMarkdownV2("plain"))
}
