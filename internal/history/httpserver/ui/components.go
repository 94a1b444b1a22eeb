package ui

import (
	"context"
	"embed"
	"html/template"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/a-h/templ"

	"finitefield.org/hanko-history/internal/history"
	"finitefield.org/hanko-history/internal/platform/i18n"
	"finitefield.org/hanko-history/internal/textdiff"
	"finitefield.org/hanko-history/internal/versions"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.New("history").Funcs(template.FuncMap{
	"markup":   textdiff.Markup,
	"comment":  history.RenderComment,
	"date":     versions.FormatDate,
	"datetime": func(t time.Time) string { return t.UTC().Format("2006-01-02 15:04") },
	"rfc3339":  func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
}).ParseFS(templateFS, "templates/*.html"))

// Page renders the full workspace document.
func Page(v View) templ.Component { return component("page", v) }

// Workspace renders the swappable workspace fragment.
func Workspace(v View) templ.Component { return component("workspace", v) }

func component(name string, data any) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		return templates.ExecuteTemplate(w, name, data)
	})
}

// View is the template payload for one controller snapshot.
type View struct {
	Lang      string
	BasePath  string
	CSRFToken string
	ContentID string
	State     history.State

	messages *i18n.Bundle
}

// T translates key into the view language.
func (v View) T(key string) string {
	if v.messages == nil {
		return key
	}
	return v.messages.T(v.Lang, key)
}

// ErrorMessage is the localized banner text for the current error kind.
func (v View) ErrorMessage() string {
	if v.State.Error == nil {
		return ""
	}
	return v.T("error." + string(v.State.Error.Kind))
}

// TypeLabel localizes a version type.
func (v View) TypeLabel(t versions.VersionType) string {
	return v.T("history.type." + string(t))
}

// Types lists the selectable version types.
func (v View) Types() []versions.VersionType { return versions.Types() }

// Path builds a workspace URL for this content document from escaped segments.
func (v View) Path(segments ...string) string {
	return contentPath(v.BasePath, v.ContentID, segments...)
}

// PageURL links the table fragment for page with the current filters.
func (v View) PageURL(page int) string {
	values := v.State.Query.Values()
	values.Del("limit")
	values.Set("page", strconv.Itoa(page))
	return v.Path("table") + "?" + values.Encode()
}

func (v View) PrevPage() int { return v.State.Query.Page - 1 }

func (v View) NextPage() int { return v.State.Query.Page + 1 }

func contentPath(base, contentID string, segments ...string) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(base, "/"))
	b.WriteString("/content/")
	b.WriteString(url.PathEscape(contentID))
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}
