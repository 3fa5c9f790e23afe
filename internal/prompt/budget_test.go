package prompt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"pagesmith/pkg/contract"
)

func TestMakeEstimatorDefault(t *testing.T) {
	est := MakeEstimator(0)
	assert.Equal(t, 2, est("abcdef")) // 6 字节 -> 2 token
	assert.Equal(t, 0, est(""))
	assert.Equal(t, 2, MakeEstimator(3)("中文")) // 6 字节
}

type mockPB struct{ overhead int }

func (m *mockPB) Build(context.Context, contract.Task, string) (contract.Prompt, error) {
	return nil, nil
}

func (m *mockPB) BuildChunk(context.Context, contract.Task, contract.Chunk, int, int) (contract.Prompt, error) {
	return nil, nil
}

func (m *mockPB) BuildReduce(context.Context, contract.Task, string) (contract.Prompt, error) {
	return nil, nil
}

func (m *mockPB) BuildBatch(context.Context, contract.Task, []string) (contract.Prompt, error) {
	return nil, nil
}

func (m *mockPB) EstimateOverheadTokens(contract.TokenEstimator) int { return m.overhead }

func TestEffectiveMaxTokens(t *testing.T) {
	eff, over := EffectiveMaxTokens(&mockPB{}, 0, 0)
	assert.Equal(t, 0, eff)
	assert.Equal(t, 0, over)

	eff, over = EffectiveMaxTokens(&mockPB{overhead: 5}, 4, 10)
	assert.Equal(t, 5, eff)
	assert.Equal(t, 5, over)
}

func TestChunkBytes(t *testing.T) {
	pb := &mockPB{overhead: 100}
	assert.Equal(t, 8000, ChunkBytes(pb, 4, 0, 8000), "无 token 上限时取 ceiling")
	assert.Equal(t, 1600, ChunkBytes(pb, 4, 500, 8000))
	assert.Equal(t, 8000, ChunkBytes(pb, 4, 100000, 8000))
	assert.Equal(t, 0, ChunkBytes(pb, 4, 50, 8000))
}

func TestPromptTokens(t *testing.T) {
	est := MakeEstimator(4)
	assert.Equal(t, 2, PromptTokens(contract.TextPrompt("12345678"), est))
	assert.Equal(t, 3, PromptTokens(contract.ChatPrompt{{Role: "system", Content: "1234"}, {Role: "user", Content: "12345"}}, est))
	assert.Equal(t, 0, PromptTokens(42, est))
}
