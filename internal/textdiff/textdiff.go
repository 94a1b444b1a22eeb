// Package textdiff renders word-level differences between two strings.
package textdiff

import (
	"fmt"
	"html"
	"html/template"
	"strings"
	"unicode"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Kind marks how a span relates to the two inputs.
type Kind string

const (
	KindUnchanged Kind = "unchanged"
	KindAdded     Kind = "added"
	KindRemoved   Kind = "removed"
)

// Span is a run of text sharing one Kind.
type Span struct {
	Text string `json:"text"`
	Kind Kind   `json:"kind"`
}

// tokenBase is the first rune used to encode tokens. It starts the private use
// area so encoded tokens never collide with surrogates.
const tokenBase = 0xE000

// Words diffs oldText against newText at word granularity. Words, whitespace runs
// and punctuation marks are atomic; CJK ideographs and kana are diffed one
// character at a time since they are not separated by spaces.
func Words(oldText, newText string) []Span {
	if oldText == newText {
		if oldText == "" {
			return nil
		}
		return []Span{{Text: oldText, Kind: KindUnchanged}}
	}

	enc := encoder{index: make(map[string]rune)}
	oldRunes := enc.encode(tokenize(oldText))
	newRunes := enc.encode(tokenize(newText))

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMainRunes(oldRunes, newRunes, false)

	spans := make([]Span, 0, len(diffs))
	for _, d := range diffs {
		text := enc.decode(d.Text)
		if text == "" {
			continue
		}
		kind := KindUnchanged
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			kind = KindAdded
		case diffmatchpatch.DiffDelete:
			kind = KindRemoved
		}
		spans = appendSpan(spans, Span{Text: text, Kind: kind})
	}
	return spans
}

// Markup renders spans as escaped HTML using ins and del for additions and removals.
func Markup(spans []Span) template.HTML {
	var b strings.Builder
	for _, s := range spans {
		text := html.EscapeString(s.Text)
		switch s.Kind {
		case KindAdded:
			b.WriteString(`<ins class="diff-added">`)
			b.WriteString(text)
			b.WriteString(`</ins>`)
		case KindRemoved:
			b.WriteString(`<del class="diff-removed">`)
			b.WriteString(text)
			b.WriteString(`</del>`)
		default:
			b.WriteString(`<span class="diff-unchanged">`)
			b.WriteString(text)
			b.WriteString(`</span>`)
		}
	}
	return template.HTML(b.String())
}

// Unified returns a line-oriented unified diff of a and b, or an empty string
// when they are identical.
func Unified(fromName, toName, a, b string) string {
	if a == b {
		return ""
	}
	edits := myers.ComputeEdits(span.URIFromPath(fromName), a, b)
	return fmt.Sprint(gotextdiff.ToUnified(fromName, toName, a, edits))
}

func appendSpan(spans []Span, next Span) []Span {
	if n := len(spans); n > 0 && spans[n-1].Kind == next.Kind {
		spans[n-1].Text += next.Text
		return spans
	}
	return append(spans, next)
}

type encoder struct {
	tokens []string
	index  map[string]rune
}

func (e *encoder) encode(tokens []string) []rune {
	out := make([]rune, len(tokens))
	for i, token := range tokens {
		r, ok := e.index[token]
		if !ok {
			r = rune(tokenBase + len(e.tokens))
			e.index[token] = r
			e.tokens = append(e.tokens, token)
		}
		out[i] = r
	}
	return out
}

func (e *encoder) decode(encoded string) string {
	var b strings.Builder
	for _, r := range encoded {
		idx := int(r) - tokenBase
		if idx < 0 || idx >= len(e.tokens) {
			continue
		}
		b.WriteString(e.tokens[idx])
	}
	return b.String()
}

type tokenClass int

const (
	classNone tokenClass = iota
	classWord
	classSpace
)

func tokenize(text string) []string {
	var tokens []string
	var current strings.Builder
	class := classNone

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
		class = classNone
	}

	for _, r := range text {
		switch {
		case isIdeographic(r):
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsSpace(r):
			if class != classSpace {
				flush()
				class = classSpace
			}
			current.WriteRune(r)
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			if class != classWord {
				flush()
				class = classWord
			}
			current.WriteRune(r)
		default:
			flush()
			tokens = append(tokens, string(r))
		}
	}
	flush()
	return tokens
}

func isIdeographic(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana)
}
