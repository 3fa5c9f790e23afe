package align

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagesmith/pkg/contract"
)

type fakeBlock struct {
	text string
	done bool
	got  []string
}

func (b *fakeBlock) Text() string { return b.text }
func (b *fakeBlock) Processed() bool { return b.done }
func (b *fakeBlock) Apply(s string) { b.got = append(b.got, s); b.done = true }
func block(s string) *fakeBlock { return &fakeBlock{text: s} }
func asBlocks(bs ...*fakeBlock) []contract.Block {
	out := make([]contract.Block, len(bs))
	for i, b := range bs {
		out[i] = b
	}
	return out
}

type fakeSource map[contract.BlockCategory][]*fakeBlock

func (s fakeSource) Blocks(c contract.BlockCategory) []contract.Block { return asBlocks(s[c]...) }

func TestAlignExactMatch(t *testing.T) {
	b := block("Hello world, this is a test paragraph.")
	pairs := []contract.AlignmentPair{{Original: "Hello world, this is a test paragraph.", Translated: "Bonjour..."}}
	rep := Align(asBlocks(b), pairs, DefaultOptions())
	assert.Equal(t, Report{Applied: 1}, rep)
	assert.True(t, b.Processed())
	assert.Equal(t, []string{"Bonjour..."}, b.got)
	assert.True(t, pairs[0].Consumed)
}

func TestAlignDuplicatesAreExclusive(t *testing.T) {
	b1, b2 := block("Same  text here"), block("same text HERE")
	pairs := []contract.AlignmentPair{
		{Original: "Same text here", Translated: "one"},
		{Original: "same text here", Translated: "two"},
	}
	rep := Align(asBlocks(b1, b2), pairs, DefaultOptions())
	assert.Equal(t, 2, rep.Applied)
	assert.Equal(t, []string{"one"}, b1.got)
	assert.Equal(t, []string{"two"}, b2.got)
	assert.True(t, pairs[0].Consumed && pairs[1].Consumed)
}

func TestAlignContainmentThreshold(t *testing.T) {
	near := block("The quick brown fox jumps")
	far := block("The quick brown fox jumps over the lazy dog today")
	pairs := []contract.AlignmentPair{{Original: "The quick brown fox jumps over", Translated: "x"}}
	rep := Align(asBlocks(far, near), pairs, DefaultOptions())
	// far: 30/49 ≈ 0.61 > 0.5，先出现者先取走
	assert.Equal(t, 1, rep.Applied)
	assert.Equal(t, 1, rep.Missed)
	assert.Equal(t, []string{"x"}, far.got)
	assert.Empty(t, near.got)

	short := block("fox")
	pairs = []contract.AlignmentPair{{Original: "The quick brown fox", Translated: "y"}}
	rep = Align(asBlocks(short), pairs, DefaultOptions())
	assert.Equal(t, Report{Missed: 1, Unused: 1}, rep)
	assert.False(t, pairs[0].Consumed)
}

func TestAlignPrefersHigherScore(t *testing.T) {
	b := block("alpha beta gamma")
	pairs := []contract.AlignmentPair{
		{Original: "alpha beta gamma delta epsilon", Translated: "low"},
		{Original: "alpha beta gamma delta", Translated: "high"},
	}
	Align(asBlocks(b), pairs, DefaultOptions())
	assert.Equal(t, []string{"high"}, b.got)
	assert.False(t, pairs[0].Consumed)
}

func TestAlignSkipsProcessedAndShort(t *testing.T) {
	done := &fakeBlock{text: "already there", done: true}
	tiny := block(" x ")
	pairs := []contract.AlignmentPair{{Original: "already there", Translated: "z"}, {Original: "x", Translated: "w"}}
	rep := Align(asBlocks(done, tiny), pairs, DefaultOptions())
	assert.Equal(t, Report{Skipped: 2, Unused: 2}, rep)
	assert.Empty(t, done.got)

	// 重复调用是幂等的
	b := block("Hello there friend")
	pairs = []contract.AlignmentPair{{Original: "Hello there friend", Translated: "a"}, {Original: "Hello there friend", Translated: "b"}}
	Align(asBlocks(b), pairs, DefaultOptions())
	rep = Align(asBlocks(b), pairs, DefaultOptions())
	assert.Equal(t, Report{Skipped: 1, Unused: 1}, rep)
	assert.Equal(t, []string{"a"}, b.got)
}

func TestRunHeadingsFirst(t *testing.T) {
	h := block("Introduction")
	p := block("Introduction")
	src := fakeSource{
		contract.CategoryHeading:   {h},
		contract.CategoryParagraph: {p, block("Unmatched paragraph")},
	}
	pairs := []contract.AlignmentPair{{Original: "introduction", Translated: "Einleitung"}}
	rep := Run(src, pairs, DefaultOptions())
	require.Equal(t, Report{Applied: 1, Missed: 2}, rep)
	assert.Equal(t, []string{"Einleitung"}, h.got)
	assert.Empty(t, p.got)
}

func TestSimilarityAndPairs(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("ab", "ab"))
	assert.Equal(t, 0.5, Similarity("ab", "abcd"))
	assert.Equal(t, 0.0, Similarity("ab", "cd"))
	assert.Equal(t, 0.0, Similarity("", "cd"))
	assert.Equal(t, "hello big world", Normalize("  Hello\n\tBIG   world "))

	got := Pairs([]string{"a", "b", "c"}, []string{"A", "[unavailable]", "C"}, func(s string) bool { return s == "[unavailable]" })
	assert.Equal(t, []contract.AlignmentPair{{Original: "a", Translated: "A"}, {Original: "c", Translated: "C"}}, got)
}
