package anthropic

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/expert-tracker/internal/resilience"
)

// funcClient implements Client through overridable function fields. Methods
// without an override return zero values.
type funcClient struct {
	createMessage   func(context.Context, MessageRequest) (*MessageResponse, error)
	createBatch     func(context.Context, BatchRequest) (*BatchResponse, error)
	getBatch        func(context.Context, string) (*BatchResponse, error)
	getBatchResults func(context.Context, string) (BatchResultIterator, error)
}

func (c *funcClient) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	if c.createMessage == nil {
		return nil, nil
	}
	return c.createMessage(ctx, req)
}

func (c *funcClient) CreateBatch(ctx context.Context, req BatchRequest) (*BatchResponse, error) {
	if c.createBatch == nil {
		return nil, nil
	}
	return c.createBatch(ctx, req)
}

func (c *funcClient) GetBatch(ctx context.Context, batchID string) (*BatchResponse, error) {
	if c.getBatch == nil {
		return nil, nil
	}
	return c.getBatch(ctx, batchID)
}

func (c *funcClient) GetBatchResults(ctx context.Context, batchID string) (BatchResultIterator, error) {
	if c.getBatchResults == nil {
		return nil, nil
	}
	return c.getBatchResults(ctx, batchID)
}

// sliceIterator yields a fixed set of batch items, optionally ending with
// an error once the items are drained.
type sliceIterator struct {
	items  []BatchResultItem
	idx    int
	err    error
	closed bool
}

func (it *sliceIterator) Next() bool {
	if it.idx >= len(it.items) {
		return false
	}
	it.idx++
	return true
}

func (it *sliceIterator) Item() BatchResultItem { return it.items[it.idx-1] }

func (it *sliceIterator) Err() error {
	if it.idx >= len(it.items) {
		return it.err
	}
	return nil
}

func (it *sliceIterator) Close() error {
	it.closed = true
	return nil
}

func TestWrapAPIErr_TransientStatuses(t *testing.T) {
	for _, status := range []int{429, 500, 503, 529} {
		err := wrapAPIErr(&sdk.Error{StatusCode: status}, "create message")
		assert.True(t, resilience.IsTransient(err), "status %d should be retryable", status)
		assert.Contains(t, err.Error(), "anthropic: create message")
	}
}

func TestWrapAPIErr_PermanentStatuses(t *testing.T) {
	for _, status := range []int{400, 401, 404, 422} {
		err := wrapAPIErr(&sdk.Error{StatusCode: status}, "create message")
		assert.False(t, resilience.IsTransient(err), "status %d should not be retryable", status)
	}
}

func TestWrapAPIErr_NonAPIError(t *testing.T) {
	err := wrapAPIErr(errors.New("json decode failed"), "get batch b1")
	assert.False(t, resilience.IsTransient(err))
	assert.Contains(t, err.Error(), "anthropic: get batch b1")
	assert.Contains(t, err.Error(), "json decode failed")
}

func TestEstimateCost(t *testing.T) {
	million := int64(1_000_000)
	tests := []struct {
		name  string
		model string
		usage TokenUsage
		want  float64
	}{
		{"haiku", "claude-haiku-4-5-20251001", TokenUsage{InputTokens: million, OutputTokens: million}, 4.80},
		{"sonnet", "claude-sonnet-4-5-20250929", TokenUsage{InputTokens: million, OutputTokens: million}, 18.00},
		{"opus", "claude-opus-4-6", TokenUsage{InputTokens: million, OutputTokens: million}, 90.00},
		{"unknown model", "some-future-model", TokenUsage{InputTokens: million}, 0},
		{"zero usage", "claude-haiku-4-5-20251001", TokenUsage{}, 0},
		{
			// 0.5M in at $0.80 + 0.1M out at $4.00 + 0.2M cache write at
			// $0.80*1.25 + 0.3M cache read at $0.80*0.10.
			"with cache", "claude-haiku-4-5-20251001",
			TokenUsage{InputTokens: 500_000, OutputTokens: 100_000, CacheCreationInputTokens: 200_000, CacheReadInputTokens: 300_000},
			1.024,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.usage.EstimateCost(tt.model), 0.001)
		})
	}
}

func TestLogCost_DoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		TokenUsage{InputTokens: 100, OutputTokens: 50}.LogCost("claude-haiku-4-5-20251001", "extraction")
	})
	assert.NotPanics(t, func() {
		TokenUsage{}.LogCost("some-future-model", "")
	})
}

func TestSliceIterator(t *testing.T) {
	iter := &sliceIterator{items: []BatchResultItem{
		{CustomID: "a", Type: "succeeded"},
		{CustomID: "b", Type: "errored"},
	}}

	require.True(t, iter.Next())
	assert.Equal(t, "a", iter.Item().CustomID)
	require.True(t, iter.Next())
	assert.Equal(t, "b", iter.Item().CustomID)
	assert.False(t, iter.Next())
	assert.NoError(t, iter.Err())
}
