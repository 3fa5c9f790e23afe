package rate

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagesmith/pkg/contract"
)

func TestGateTryLimit(t *testing.T) {
	now := time.Unix(0, 0)
	clk := func() time.Time { return now }
	g := NewGate(map[LimitKey]Limits{"k": {RPM: 1, TPM: 10, MaxTokensPerReq: 5}}, clk)
	require.True(t, g.Try(Ask{Key: "k", Requests: 1, Tokens: 3}))
	assert.False(t, g.Try(Ask{Key: "k", Requests: 1, Tokens: 3}), "RPM 用尽")

	// 一分钟后回填
	now = now.Add(time.Minute)
	assert.True(t, g.Try(Ask{Key: "k", Requests: 1, Tokens: 3}))
	assert.False(t, g.Try(Ask{Key: "k", Requests: 1, Tokens: 1}), "回填后再次用尽")

	// 未配置的 key 不限额
	for i := 0; i < 100; i++ {
		require.True(t, g.Try(Ask{Key: "other", Requests: 1}))
	}
}

func TestGateWaitFailsFast(t *testing.T) {
	g := NewGate(map[LimitKey]Limits{"k": {RPM: 2, TPM: 100, MaxTokensPerReq: 50}}, nil)
	err := g.Wait(context.Background(), Ask{Key: "k", Requests: 1, Tokens: 60})
	assert.True(t, errors.Is(err, contract.ErrBudgetExceeded))
	err = g.Wait(context.Background(), Ask{Key: "k", Requests: 3})
	assert.True(t, errors.Is(err, contract.ErrBudgetExceeded))
	err = g.Wait(context.Background(), Ask{Key: "k", Requests: 0})
	assert.True(t, errors.Is(err, contract.ErrInvalidInput))
}

func TestGateWaitCancel(t *testing.T) {
	now := time.Unix(0, 0)
	g := NewGate(map[LimitKey]Limits{"k": {RPM: 1}}, func() time.Time { return now })
	require.NoError(t, g.Wait(context.Background(), Ask{Key: "k", Requests: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := g.Wait(ctx, Ask{Key: "k", Requests: 1})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestGateWaitRefills(t *testing.T) {
	// 6000 RPM → 每 10ms 回填一次请求
	g := NewGate(map[LimitKey]Limits{"k": {RPM: 6000}}, nil)
	for i := 0; i < 6000; i++ {
		require.True(t, g.Try(Ask{Key: "k", Requests: 1}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, g.Wait(ctx, Ask{Key: "k", Requests: 1}))
	assert.Less(t, time.Since(start), time.Second)
}

func TestDeriveKeyFromProviderOptions(t *testing.T) {
	t.Setenv("TEST_KEY", "abc")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")

	raw, _ := json.Marshal(map[string]any{"api_key_env": "TEST_KEY"})
	k1, err := DeriveKeyFromProviderOptions("openai", raw)
	require.NoError(t, err)
	k2, err := DeriveKeyFromProviderOptions("openai", json.RawMessage(`{"api_key":"abc"}`))
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.NotContains(t, string(k1), "abc")

	_, err = DeriveKeyFromProviderOptions("openai", json.RawMessage(`{}`))
	assert.Error(t, err)

	t.Setenv("GEMINI_API_KEY", "g")
	k, err := DeriveKeyFromProviderOptions("gemini", nil)
	require.NoError(t, err)
	assert.Contains(t, string(k), "gemini:")

	k, err = DeriveKeyFromProviderOptions("flaky", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, k)
}
