// Package format holds Telegram text formatting helpers.
package format

import "strings"

// markdownV2Escaper covers every character MarkdownV2 reserves.
var markdownV2Escaper = strings.NewReplacer(
	"_", "\\_",
	"*", "\\*",
	"[", "\\[",
	"]", "\\]",
	"(", "\\(",
	")", "\\)",
	"~", "\\~",
	"`", "\\`",
	">", "\\>",
	"#", "\\#",
	"+", "\\+",
	"-", "\\-",
	"=", "\\=",
	"|", "\\|",
	"{", "\\{",
	"}", "\\}",
	".", "\\.",
	"!", "\\!",
)

// EscapeMarkdownV2 escapes text for the MarkdownV2 parse mode so the reader
// sees it literally.
func EscapeMarkdownV2(text string) string {
	return markdownV2Escaper.Replace(text)
}
