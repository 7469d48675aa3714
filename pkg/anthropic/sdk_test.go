package anthropic

import (
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromSDKMessage(t *testing.T) {
	resp := fromSDKMessage(&sdk.Message{
		ID:           "msg-1",
		Model:        "claude-sonnet-4-5-20250929",
		StopReason:   "end_turn",
		StopSequence: "STOP",
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "first block"},
			{Type: "text", Text: "second block"},
		},
		Usage: sdk.Usage{
			InputTokens:              100,
			OutputTokens:             50,
			CacheCreationInputTokens: 2000,
			CacheReadInputTokens:     3000,
		},
	})

	require.NotNil(t, resp)
	assert.Equal(t, "msg-1", resp.ID)
	assert.Equal(t, "claude-sonnet-4-5-20250929", resp.Model)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, "STOP", resp.StopSequence)
	require.Len(t, resp.Content, 2)
	assert.Equal(t, "first block", resp.Content[0].Text)
	assert.Equal(t, "second block", resp.Content[1].Text)
	assert.Equal(t, TokenUsage{
		InputTokens:              100,
		OutputTokens:             50,
		CacheCreationInputTokens: 2000,
		CacheReadInputTokens:     3000,
	}, resp.Usage)
}

func TestFromSDKMessage_NoContent(t *testing.T) {
	resp := fromSDKMessage(&sdk.Message{ID: "msg-2", StopReason: "max_tokens"})

	assert.Empty(t, resp.Content)
	assert.Equal(t, "max_tokens", resp.StopReason)
	assert.Zero(t, resp.Usage.InputTokens)
}

func TestFromSDKBatch(t *testing.T) {
	resp := fromSDKBatch(&sdk.MessageBatch{
		ID:               "batch-1",
		ProcessingStatus: "ended",
		ResultsURL:       "https://api.anthropic.com/results/batch-1",
		RequestCounts: sdk.MessageBatchRequestCounts{
			Succeeded: 8,
			Errored:   1,
			Expired:   1,
		},
	})

	require.NotNil(t, resp)
	assert.Equal(t, "batch-1", resp.ID)
	assert.Equal(t, "ended", resp.ProcessingStatus)
	assert.Contains(t, resp.ResultsURL, "batch-1")
	assert.Equal(t, RequestCounts{Succeeded: 8, Errored: 1, Expired: 1}, resp.RequestCounts)
}

func TestFromSDKBatchResult(t *testing.T) {
	t.Run("succeeded carries the message", func(t *testing.T) {
		item := fromSDKBatchResult(sdk.MessageBatchIndividualResponse{
			CustomID: "exp-1",
			Result: sdk.MessageBatchResultUnion{
				Type: "succeeded",
				Message: sdk.Message{
					ID:      "msg-1",
					Content: []sdk.ContentBlockUnion{{Type: "text", Text: `{"score": 72}`}},
					Usage:   sdk.Usage{InputTokens: 200, OutputTokens: 30},
				},
			},
		})

		assert.Equal(t, "exp-1", item.CustomID)
		assert.Equal(t, "succeeded", item.Type)
		require.NotNil(t, item.Message)
		assert.Equal(t, `{"score": 72}`, item.Message.Content[0].Text)
		assert.Equal(t, int64(200), item.Message.Usage.InputTokens)
	})

	for _, outcome := range []string{"errored", "canceled", "expired"} {
		t.Run(outcome+" has no message", func(t *testing.T) {
			item := fromSDKBatchResult(sdk.MessageBatchIndividualResponse{
				CustomID: "exp-x",
				Result:   sdk.MessageBatchResultUnion{Type: outcome},
			})
			assert.Equal(t, outcome, item.Type)
			assert.Nil(t, item.Message)
		})
	}
}

func TestToSDKMessages(t *testing.T) {
	sdkMsgs := toSDKMessages([]Message{
		{Role: "user", Content: "Evaluate this candidate"},
		{Role: "assistant", Content: `{"score": 70}`},
		{Role: "tool", Content: "unknown roles come back as user"},
	})
	require.Len(t, sdkMsgs, 3)

	assert.Empty(t, toSDKMessages(nil))
}

func TestToSDKSystemBlocks(t *testing.T) {
	sdkBlocks := toSDKSystemBlocks([]SystemBlock{
		{Text: "plain block"},
		{Text: "cached block", CacheControl: &CacheControl{TTL: "1h"}},
		{Text: "default ttl", CacheControl: &CacheControl{}},
	})

	require.Len(t, sdkBlocks, 3)
	assert.Equal(t, "plain block", sdkBlocks[0].Text)
	assert.Equal(t, "cached block", sdkBlocks[1].Text)
	assert.NotNil(t, sdkBlocks[1].CacheControl)
	assert.NotNil(t, sdkBlocks[2].CacheControl)
}

func TestNewClient(t *testing.T) {
	client := NewClient("test-api-key")
	require.NotNil(t, client)
}
