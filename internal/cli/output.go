// Package cli renders command results for arc-groups as styled text, a
// JSON envelope or markdown with YAML frontmatter.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"go.yaml.in/yaml/v3"
)

// Format represents an output format.
type Format string

const (
	FormatText     Format = "text"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// ParseFormat parses a format string, defaulting to text.
func ParseFormat(s string) Format {
	switch s {
	case "json":
		return FormatJSON
	case "markdown", "md":
		return FormatMarkdown
	default:
		return FormatText
	}
}

// Meta describes a rendered result.
type Meta struct {
	Type      string    `json:"type" yaml:"type"`
	Version   string    `json:"version,omitempty" yaml:"version,omitempty"`
	Generated time.Time `json:"generated" yaml:"generated"`
	Filter    string    `json:"filter,omitempty" yaml:"filter,omitempty"`
	Total     int       `json:"total,omitempty" yaml:"total,omitempty"`
}

// NewMeta creates metadata with the given type and current timestamp.
func NewMeta(resultType string) Meta {
	return Meta{
		Type:      resultType,
		Version:   "v1",
		Generated: time.Now().UTC(),
	}
}

// WithFilter records the filter expression a listing was narrowed by.
func (m Meta) WithFilter(expr string, total int) Meta {
	m.Filter = expr
	m.Total = total
	return m
}

// Renderable can render itself in multiple formats.
type Renderable interface {
	Meta() Meta
	RenderText(w io.Writer, st Styles) error
	RenderJSON() any
	RenderMarkdown(w io.Writer) error
}

// Styles holds the text styles. Plain output uses zero styles.
type Styles struct {
	Header lipgloss.Style
	Key    lipgloss.Style
	Dim    lipgloss.Style
	Error  lipgloss.Style
	Border lipgloss.Style
}

var (
	accentColor = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	dimColor    = lipgloss.AdaptiveColor{Light: "#A49FA5", Dark: "#777777"}
	warnColor   = lipgloss.AdaptiveColor{Light: "#F25D94", Dark: "#F25D94"}
)

// ColorStyles are used when writing to a terminal.
func ColorStyles() Styles {
	return Styles{
		Header: lipgloss.NewStyle().Foreground(accentColor).Bold(true),
		Key:    lipgloss.NewStyle().Foreground(accentColor),
		Dim:    lipgloss.NewStyle().Foreground(dimColor),
		Error:  lipgloss.NewStyle().Foreground(warnColor).Bold(true),
		Border: lipgloss.NewStyle().Foreground(dimColor),
	}
}

// PlainStyles render without escape sequences.
func PlainStyles() Styles {
	plain := lipgloss.NewStyle()
	return Styles{Header: plain, Key: plain, Dim: plain, Error: plain, Border: plain}
}

// Output handles formatted rendering with an envelope or frontmatter.
type Output struct {
	format Format
	w      io.Writer
	styles Styles
	width  int
}

// NewOutput creates an output renderer for the given format. Text written
// to a terminal is colored.
func NewOutput(format Format, w io.Writer) *Output {
	styles := PlainStyles()
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		styles = ColorStyles()
	}
	return &Output{format: format, w: w, styles: styles, width: DefaultCellWidth}
}

// Format returns the configured output format.
func (o *Output) Format() Format {
	return o.format
}

// WithCellWidth sets the width text table cells are truncated to.
func (o *Output) WithCellWidth(n int) *Output {
	o.width = n
	return o
}

// Table creates a new table renderer attached to this output.
func (o *Output) Table(resultType string, headers ...string) *Table {
	return &Table{
		out:     o,
		meta:    NewMeta(resultType),
		headers: headers,
	}
}

// KV creates a new key-value renderer attached to this output.
func (o *Output) KV(resultType string) *KV {
	return &KV{
		out:  o,
		meta: NewMeta(resultType),
	}
}

// StringList creates a new string list renderer attached to this output.
func (o *Output) StringList(resultType string) *StringList {
	return &StringList{
		out:  o,
		meta: NewMeta(resultType),
	}
}

// Result creates a new result renderer attached to this output.
func (o *Output) Result(resultType, message string) *Result {
	return &Result{
		out:     o,
		meta:    NewMeta(resultType),
		message: message,
	}
}

// Error creates a new error renderer attached to this output.
func (o *Output) Error(resultType string, err error) *Error {
	return &Error{
		out:  o,
		meta: NewMeta(resultType + "-error"),
		err:  err,
	}
}

// Render outputs the renderable in the configured format.
func (o *Output) Render(r Renderable) error {
	switch o.format {
	case FormatJSON:
		return o.renderJSON(r)
	case FormatMarkdown:
		return o.renderMarkdown(r)
	default:
		return r.RenderText(o.w, o.styles)
	}
}

func (o *Output) renderJSON(r Renderable) error {
	envelope := struct {
		Meta Meta `json:"meta"`
		Data any  `json:"data"`
	}{
		Meta: r.Meta(),
		Data: r.RenderJSON(),
	}

	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	return enc.Encode(envelope)
}

func (o *Output) renderMarkdown(r Renderable) error {
	if _, err := fmt.Fprintln(o.w, "---"); err != nil {
		return err
	}

	enc := yaml.NewEncoder(o.w)
	enc.SetIndent(2)
	if err := enc.Encode(r.Meta()); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}

	if _, err := fmt.Fprint(o.w, "---\n\n"); err != nil {
		return err
	}
	return r.RenderMarkdown(o.w)
}
