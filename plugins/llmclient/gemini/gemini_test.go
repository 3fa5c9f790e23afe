package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"pagesmith/pkg/contract"
)

type fakeGen struct {
	model    string
	contents []*genai.Content
	cfg      *genai.GenerateContentConfig
	resp     *genai.GenerateContentResponse
	err      error
}

func (f *fakeGen) GenerateContent(_ context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model, f.contents, f.cfg = model, contents, cfg
	return f.resp, f.err
}

func textResp(text string, reason genai.FinishReason) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content:      genai.NewContentFromText(text, genai.RoleModel),
		FinishReason: reason,
	}}}
}

var prompt = contract.ChatPrompt{
	{Role: "system", Content: "sys"},
	{Role: "user", Content: "hi"},
	{Role: "json_schema", Content: `{"type":"object","properties":{"key_points":{"type":"array","items":{"type":"string"}},"title":{"type":"string"}},"required":["title","key_points"]}`},
}

func TestInvokeEncodesSchemaAndSystem(t *testing.T) {
	f := &fakeGen{resp: textResp(`{"title":"t"}`, genai.FinishReasonStop)}
	c := newWith(f, Options{Model: "m", ResponseMIMEType: "application/json"})
	env, err := c.Invoke(context.Background(), prompt)
	require.NoError(t, err)
	assert.Equal(t, `{"title":"t"}`, env.RawText)
	assert.Equal(t, contract.FinishComplete, env.Finish)

	assert.Equal(t, "m", f.model)
	require.Len(t, f.contents, 1)
	assert.Equal(t, "hi", f.contents[0].Parts[0].Text)
	require.NotNil(t, f.cfg.SystemInstruction)
	assert.Equal(t, "sys", f.cfg.SystemInstruction.Parts[0].Text)
	assert.Equal(t, "application/json", f.cfg.ResponseMIMEType)
	require.NotNil(t, f.cfg.ResponseSchema)
	assert.Equal(t, genai.TypeObject, f.cfg.ResponseSchema.Type)
	assert.Equal(t, genai.TypeArray, f.cfg.ResponseSchema.Properties["key_points"].Type)
	assert.Equal(t, genai.TypeString, f.cfg.ResponseSchema.Properties["key_points"].Items.Type)
	assert.ElementsMatch(t, []string{"title", "key_points"}, f.cfg.ResponseSchema.Required)
	assert.Empty(t, f.cfg.Tools)
}

func TestInvokeGoogleSearchGrounding(t *testing.T) {
	resp := textResp(`{"products":[]}`, genai.FinishReasonStop)
	resp.Candidates[0].GroundingMetadata = &genai.GroundingMetadata{GroundingChunks: []*genai.GroundingChunk{
		{Web: &genai.GroundingChunkWeb{URI: "https://shop.example/a", Title: "Widget A", Domain: "shop.example"}},
		{Web: &genai.GroundingChunkWeb{URI: ""}},
		{},
	}}
	f := &fakeGen{resp: resp}
	c := newWith(f, Options{GoogleSearch: true})
	env, err := c.Invoke(context.Background(), prompt)
	require.NoError(t, err)
	assert.Equal(t, []contract.GroundingCandidate{{URI: "https://shop.example/a", Title: "Widget A", SourceName: "shop.example"}}, env.Grounding)
	require.Len(t, f.cfg.Tools, 1)
	assert.NotNil(t, f.cfg.Tools[0].GoogleSearch)
	assert.Nil(t, f.cfg.ResponseSchema)
}

func TestInvokeFinishStates(t *testing.T) {
	f := &fakeGen{resp: textResp(`{"a":`, genai.FinishReasonMaxTokens)}
	c := newWith(f, Options{})
	env, err := c.Invoke(context.Background(), contract.TextPrompt("x"))
	require.NoError(t, err)
	assert.Equal(t, contract.FinishTruncated, env.Finish)

	f.resp = textResp("", genai.FinishReasonSafety)
	env, err = c.Invoke(context.Background(), contract.TextPrompt("x"))
	require.NoError(t, err)
	assert.Equal(t, contract.FinishRefused, env.Finish)

	f.resp = &genai.GenerateContentResponse{PromptFeedback: &genai.GenerateContentResponsePromptFeedback{BlockReason: genai.BlockedReasonSafety}}
	env, err = c.Invoke(context.Background(), contract.TextPrompt("x"))
	require.NoError(t, err)
	assert.Equal(t, contract.FinishRefused, env.Finish)

	f.resp = &genai.GenerateContentResponse{}
	_, err = c.Invoke(context.Background(), contract.TextPrompt("x"))
	assert.ErrorIs(t, err, contract.ErrResponseInvalid)
}

func TestInvokeErrorMapping(t *testing.T) {
	f := &fakeGen{}
	c := newWith(f, Options{})
	ctx := context.Background()

	f.err = genai.APIError{Code: 429, Message: "quota"}
	_, err := c.Invoke(ctx, contract.TextPrompt("x"))
	assert.ErrorIs(t, err, contract.ErrRateLimited)

	f.err = genai.APIError{Code: 503, Message: "unavailable"}
	_, err = c.Invoke(ctx, contract.TextPrompt("x"))
	var ne net.Error
	require.True(t, errors.As(err, &ne))
	var ue contract.UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, 503, ue.UpstreamStatus())

	f.err = genai.APIError{Code: 400, Message: "bad"}
	_, err = c.Invoke(ctx, contract.TextPrompt("x"))
	assert.ErrorIs(t, err, contract.ErrInvalidInput)

	f.err = errors.New("connection reset")
	_, err = c.Invoke(ctx, contract.TextPrompt("x"))
	assert.ErrorIs(t, err, contract.ErrTransport)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	f.err = context.Canceled
	_, err = c.Invoke(cctx, contract.TextPrompt("x"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEncodeRejectsUnsupported(t *testing.T) {
	c := newWith(&fakeGen{}, Options{})
	_, err := c.Invoke(context.Background(), 42)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	_, err = c.Invoke(context.Background(), contract.ChatPrompt{{Role: "system", Content: "only"}})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

func TestNewRequiresKey(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "")
	_, err := New(json.RawMessage(`{}`))
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	_, err = New(json.RawMessage(`{`))
	assert.Error(t, err)
}
