package mock

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagesmith/pkg/contract"
)

func batchPrompt(items ...string) contract.ChatPrompt {
	user := "### Task: translate\nTarget language: French\n\n<items>\n"
	for i, s := range items {
		user += "<item id=\"" + string(rune('0'+i)) + "\">\n" + s + "\n</item>\n"
	}
	user += "</items>\n"
	return contract.ChatPrompt{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: user},
		{Role: "json_schema", Content: `{"type":"array","items":{"type":"string"}}`},
	}
}

func TestAutoTranslatesItems(t *testing.T) {
	c, err := New(json.RawMessage(`{"prefix":"X"}`))
	require.NoError(t, err)
	env, err := c.Invoke(context.Background(), batchPrompt("a", "multi\nline"))
	require.NoError(t, err)
	var arr []string
	require.NoError(t, json.Unmarshal([]byte(env.RawText), &arr))
	assert.Equal(t, []string{"X: a", "X: multi\nline"}, arr)
	assert.Equal(t, contract.FinishComplete, env.Finish)
}

func TestAutoFollowsSchema(t *testing.T) {
	c, _ := New(json.RawMessage(`{"grounding":[{"uri":"https://shop.example/p","title":"Widget"}]}`))
	p := contract.ChatPrompt{
		{Role: "user", Content: "### Task: search\n<input>\nwidgets\n</input>"},
		{Role: "json_schema", Content: `{"type":"object","properties":{"products":{"type":"array","items":{"type":"object","properties":{"title":{"type":"string"},"url":{"type":"string"}}}}},"required":["products"]}`},
	}
	env, err := c.Invoke(context.Background(), p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"products":[{"title":"MOCK title","url":""}]}`, env.RawText)
	require.Len(t, env.Grounding, 1)
	assert.Equal(t, "https://shop.example/p", env.Grounding[0].URI)
}

func TestScriptMode(t *testing.T) {
	c, err := New(json.RawMessage(`{"response_mode":"script","replies":[
		{"error":"rate_limited"},
		{"text":"{\"a\":","finish":"truncated"},
		{"text":"[\"ok\"]"}
	]}`))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.Invoke(ctx, contract.TextPrompt("x"))
	assert.ErrorIs(t, err, contract.ErrRateLimited)

	env, err := c.Invoke(ctx, contract.TextPrompt("x"))
	require.NoError(t, err)
	assert.Equal(t, contract.FinishTruncated, env.Finish)

	for range 2 {
		env, err = c.Invoke(ctx, contract.TextPrompt("x"))
		require.NoError(t, err)
		assert.Equal(t, `["ok"]`, env.RawText)
	}
	assert.Equal(t, 4, c.(*Client).Calls())
}

func TestScriptErrors(t *testing.T) {
	c, _ := New(json.RawMessage(`{"response_mode":"script","replies":[{"error":"refusal"},{"error":"down"}]}`))
	_, err := c.Invoke(context.Background(), contract.TextPrompt("x"))
	assert.ErrorIs(t, err, contract.ErrModelRefusal)
	_, err = c.Invoke(context.Background(), contract.TextPrompt("x"))
	assert.ErrorIs(t, err, contract.ErrTransport)
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(json.RawMessage(`{"response_mode":"script"}`))
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	_, err = New(json.RawMessage(`{"response_mode":"nope"}`))
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	_, err = New(json.RawMessage(`{"response_mode":"script","replies":[{"finish":"later"}]}`))
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	_, err = New(json.RawMessage(`{`))
	assert.Error(t, err)
}

func TestEcho(t *testing.T) {
	c, _ := New(json.RawMessage(`{"response_mode":"echo"}`))
	env, err := c.Invoke(context.Background(), contract.TextPrompt("hi"))
	require.NoError(t, err)
	assert.Equal(t, "MOCK(text): hi", env.RawText)
}

func TestCanceled(t *testing.T) {
	c, _ := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Invoke(ctx, contract.TextPrompt("x"))
	assert.ErrorIs(t, err, context.Canceled)
}
