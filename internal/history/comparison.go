package history

import (
	"encoding/json"
	"fmt"

	"finitefield.org/hanko-history/internal/diff"
	"finitefield.org/hanko-history/internal/textdiff"
	"finitefield.org/hanko-history/internal/versions"
)

// AbsentValue is shown in place of a value missing on one side of a change.
const AbsentValue = "—"

// ChangeView is one change prepared for display.
type ChangeView struct {
	Type     diff.ChangeType
	OldValue any
	NewValue any
	// Text is set when both sides are strings; Spans then holds the word diff.
	Text   bool
	Spans  []textdiff.Span
	OldRaw string
	NewRaw string
}

// GroupView is a change group with its expand state.
type GroupView struct {
	Path     string
	Changes  []ChangeView
	Expanded bool
}

// Comparison is the diff of two versions' content.
type Comparison struct {
	Base    versions.Version
	Target  versions.Version
	Groups  []GroupView
	Summary diff.Summary
	// Unified is a line diff of both indented content snapshots.
	Unified string
}

// Empty reports whether the versions have no differences.
func (c Comparison) Empty() bool { return len(c.Groups) == 0 }

// BuildComparison diffs base against target. Every group starts collapsed.
func BuildComparison(base, target versions.Version) Comparison {
	groups := diff.Compare(base.Content, target.Content, "")
	out := Comparison{
		Base:    base,
		Target:  target,
		Groups:  make([]GroupView, 0, len(groups)),
		Summary: diff.Summarize(groups),
		Unified: textdiff.Unified("version "+base.ID, "version "+target.ID, indentJSON(base.Content), indentJSON(target.Content)),
	}
	for _, g := range groups {
		view := GroupView{Path: g.Path, Changes: make([]ChangeView, 0, len(g.Changes))}
		for _, ch := range g.Changes {
			view.Changes = append(view.Changes, buildChangeView(ch))
		}
		out.Groups = append(out.Groups, view)
	}
	return out
}

func buildChangeView(ch diff.Change) ChangeView {
	view := ChangeView{Type: ch.Type, OldValue: ch.OldValue, NewValue: ch.NewValue}
	oldText, oldIsText := ch.OldValue.(string)
	newText, newIsText := ch.NewValue.(string)
	if oldIsText && newIsText {
		view.Text = true
		view.Spans = textdiff.Words(oldText, newText)
		return view
	}
	view.OldRaw, view.NewRaw = AbsentValue, AbsentValue
	if ch.Type != diff.ChangeAdd {
		view.OldRaw = indentJSON(ch.OldValue)
	}
	if ch.Type != diff.ChangeRemove {
		view.NewRaw = indentJSON(ch.NewValue)
	}
	return view
}

func indentJSON(v any) string {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}
