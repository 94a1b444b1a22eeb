package history

import (
	"bytes"
	"html/template"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var (
	commentMarkdown = goldmark.New(
		goldmark.WithExtensions(extension.Strikethrough, extension.Linkify),
		goldmark.WithRendererOptions(html.WithHardWraps()),
	)
	commentPolicy = newCommentPolicy()
)

func newCommentPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.RequireNoFollowOnLinks(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	return p
}

// RenderComment converts a version comment from Markdown to sanitized HTML.
func RenderComment(comment string) template.HTML {
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := commentMarkdown.Convert([]byte(comment), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(comment))
	}
	return template.HTML(commentPolicy.SanitizeBytes(buf.Bytes()))
}
