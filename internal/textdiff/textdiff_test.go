package textdiff

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWordsSingleWordReplacement(t *testing.T) {
	t.Parallel()

	spans := Words("X", "Y")

	require.Equal(t, []Span{
		{Text: "X", Kind: KindRemoved},
		{Text: "Y", Kind: KindAdded},
	}, spans)
}

func TestWordsKeepsWordBoundaries(t *testing.T) {
	t.Parallel()

	spans := Words("the quick brown fox", "the slow brown fox")

	require.Equal(t, []Span{
		{Text: "the ", Kind: KindUnchanged},
		{Text: "quick", Kind: KindRemoved},
		{Text: "slow", Kind: KindAdded},
		{Text: " brown fox", Kind: KindUnchanged},
	}, spans)
}

func TestWordsDoesNotSplitWords(t *testing.T) {
	t.Parallel()

	spans := Words("release candidate", "released candidate")

	for _, s := range spans {
		if s.Kind == KindRemoved {
			require.Equal(t, "release", s.Text)
		}
		if s.Kind == KindAdded {
			require.Equal(t, "released", s.Text)
		}
	}
}

func TestWordsReconstructsBothSides(t *testing.T) {
	t.Parallel()

	oldText := "Hanko field, spring sale: 20% off!"
	newText := "Hanko field - summer sale: 25% off today!"
	spans := Words(oldText, newText)

	var before, after strings.Builder
	for _, s := range spans {
		switch s.Kind {
		case KindUnchanged:
			before.WriteString(s.Text)
			after.WriteString(s.Text)
		case KindRemoved:
			before.WriteString(s.Text)
		case KindAdded:
			after.WriteString(s.Text)
		}
	}
	require.Equal(t, oldText, before.String())
	require.Equal(t, newText, after.String())
}

func TestWordsIdenticalAndEmpty(t *testing.T) {
	t.Parallel()

	require.Nil(t, Words("", ""))
	require.Equal(t, []Span{{Text: "same", Kind: KindUnchanged}}, Words("same", "same"))
	require.Equal(t, []Span{{Text: "new text", Kind: KindAdded}}, Words("", "new text"))
	require.Equal(t, []Span{{Text: "old", Kind: KindRemoved}}, Words("old", ""))
}

func TestWordsDiffsJapanesePerCharacter(t *testing.T) {
	t.Parallel()

	spans := Words("こんにちは世界", "こんにちは日本")

	require.Equal(t, []Span{
		{Text: "こんにちは", Kind: KindUnchanged},
		{Text: "世界", Kind: KindRemoved},
		{Text: "日本", Kind: KindAdded},
	}, spans)
}

func TestWordsIsDeterministic(t *testing.T) {
	t.Parallel()

	first := Words("alpha beta gamma", "alpha delta gamma epsilon")
	second := Words("alpha beta gamma", "alpha delta gamma epsilon")
	require.Equal(t, first, second)
}

func TestMarkupEscapesText(t *testing.T) {
	t.Parallel()

	out := string(Markup([]Span{
		{Text: "<b>", Kind: KindRemoved},
		{Text: "&", Kind: KindAdded},
		{Text: " tail", Kind: KindUnchanged},
	}))

	require.Equal(t, `<del class="diff-removed">&lt;b&gt;</del><ins class="diff-added">&amp;</ins><span class="diff-unchanged"> tail</span>`, out)
}

func TestUnified(t *testing.T) {
	t.Parallel()

	require.Empty(t, Unified("a.json", "b.json", "same\n", "same\n"))

	out := Unified("a.json", "b.json", "line one\nline two\n", "line one\nline 2\n")
	require.Contains(t, out, "--- a.json")
	require.Contains(t, out, "+++ b.json")
	require.Contains(t, out, "-line two")
	require.Contains(t, out, "+line 2")
}
