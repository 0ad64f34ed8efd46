package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"
)

// kvWrap is the width long text values are wrapped at.
const kvWrap = 72

// KV renders key-value pairs. Created via Output.KV().
type KV struct {
	out   *Output
	meta  Meta
	pairs []kvPair
}

type kvPair struct {
	key   string
	value any
}

// Set adds a key-value pair. Value can be any type.
func (k *KV) Set(key string, value any) *KV {
	k.pairs = append(k.pairs, kvPair{key: key, value: value})
	return k
}

// Render outputs the key-value pairs in the configured format.
func (k *KV) Render() error {
	return k.out.Render(k)
}

// Meta returns the metadata.
func (k *KV) Meta() Meta {
	return k.meta
}

// RenderText writes aligned key: value pairs. Multi-line and long values
// are wrapped and indented under their key.
func (k *KV) RenderText(w io.Writer, st Styles) error {
	if len(k.pairs) == 0 {
		return nil
	}

	width := 0
	for _, p := range k.pairs {
		width = max(width, lipgloss.Width(p.key)+1)
	}
	keyStyle := st.Key.Width(width + 1)

	for _, p := range k.pairs {
		value := wordwrap.String(fmt.Sprintf("%v", p.value), kvWrap)
		first, rest, _ := strings.Cut(value, "\n")
		if _, err := fmt.Fprintf(w, "%s%s\n", keyStyle.Render(p.key+":"), first); err != nil {
			return err
		}
		if rest != "" {
			if _, err := fmt.Fprintln(w, indent.String(rest, uint(width+1))); err != nil {
				return err
			}
		}
	}
	return nil
}

// RenderJSON returns the data as an object.
func (k *KV) RenderJSON() any {
	result := make(map[string]any, len(k.pairs))
	for _, p := range k.pairs {
		result[toJSONKey(p.key)] = p.value
	}
	return result
}

// RenderMarkdown writes key-value pairs as a definition-style list.
func (k *KV) RenderMarkdown(w io.Writer) error {
	for _, p := range k.pairs {
		if _, err := fmt.Fprintf(w, "**%s:** %s\n\n", p.key, formatMarkdownValue(p.value)); err != nil {
			return err
		}
	}
	return nil
}

// formatMarkdownValue formats a value for markdown output.
func formatMarkdownValue(v any) string {
	s := fmt.Sprintf("%v", v)

	// Identifiers read better as code.
	if looksLikeHash(s) {
		return "`" + s + "`"
	}

	return strings.ReplaceAll(s, "|", "\\|")
}

// looksLikeHash returns true if the string looks like a hex identifier or
// a UUID.
func looksLikeHash(s string) bool {
	if len(s) < 16 {
		return false
	}
	for _, c := range s {
		isDigit := c >= '0' && c <= '9'
		isLowerHex := c >= 'a' && c <= 'f'
		isUpperHex := c >= 'A' && c <= 'F'
		if !isDigit && !isLowerHex && !isUpperHex && c != '-' {
			return false
		}
	}
	return true
}
