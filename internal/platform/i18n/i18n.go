// Package i18n holds the workspace message catalog and Accept-Language matching.
package i18n

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed locales/*.yaml
var embedded embed.FS

// Bundle is a set of translations keyed by language then message key.
type Bundle struct {
	dict     map[string]map[string]string
	fallback string
	tags     []language.Tag
	matcher  language.Matcher
}

// Default loads the embedded catalog with fallback as the default language.
func Default(fallback string) (*Bundle, error) {
	return Load(embedded, "locales", fallback)
}

// Load reads every {lang}.yaml file under dir. The fallback language must be present.
func Load(fsys fs.FS, dir, fallback string) (*Bundle, error) {
	fallback = strings.ToLower(strings.TrimSpace(fallback))
	if fallback == "" {
		fallback = "ja"
	}
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("i18n: read %s: %w", dir, err)
	}

	b := &Bundle{dict: map[string]map[string]string{}, fallback: fallback}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || path.Ext(name) != ".yaml" {
			continue
		}
		lang := strings.TrimSuffix(name, ".yaml")
		raw, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("i18n: read %s: %w", name, err)
		}
		var m map[string]string
		if err := yaml.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("i18n: unmarshal %s: %w", name, err)
		}
		b.dict[lang] = m
	}
	if _, ok := b.dict[fallback]; !ok {
		return nil, fmt.Errorf("i18n: fallback locale %s not loaded", fallback)
	}

	// The matcher returns the first tag when nothing matches, so the fallback leads.
	langs := b.Supported()
	b.tags = append(b.tags, language.Make(fallback))
	for _, l := range langs {
		if l != fallback {
			b.tags = append(b.tags, language.Make(l))
		}
	}
	b.matcher = language.NewMatcher(b.tags)
	return b, nil
}

// Supported lists loaded languages in sorted order.
func (b *Bundle) Supported() []string {
	out := make([]string, 0, len(b.dict))
	for k := range b.dict {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Fallback returns the configured fallback language.
func (b *Bundle) Fallback() string { return b.fallback }

// T returns the translation for key in lang, falling back to the default
// language and finally the key itself.
func (b *Bundle) T(lang, key string) string {
	if m, ok := b.dict[lang]; ok {
		if v, ok := m[key]; ok {
			return v
		}
	}
	if v, ok := b.dict[b.fallback][key]; ok {
		return v
	}
	return key
}

// Resolve picks the best supported language for an Accept-Language header.
func (b *Bundle) Resolve(acceptLanguage string) string {
	prefs, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(prefs) == 0 {
		return b.fallback
	}
	_, index, confidence := b.matcher.Match(prefs...)
	if confidence == language.No {
		return b.fallback
	}
	base, _ := b.tags[index].Base()
	return base.String()
}
