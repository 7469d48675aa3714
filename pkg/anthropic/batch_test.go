package anthropic

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollBatch_EndedOnFirstPoll(t *testing.T) {
	client := &funcClient{getBatch: func(_ context.Context, id string) (*BatchResponse, error) {
		return &BatchResponse{
			ID:               id,
			ProcessingStatus: "ended",
			RequestCounts:    RequestCounts{Succeeded: 5},
		}, nil
	}}

	resp, err := PollBatch(context.Background(), client, "batch-1",
		WithPollInterval(10*time.Millisecond),
	)
	require.NoError(t, err)
	assert.Equal(t, "ended", resp.ProcessingStatus)
	assert.Equal(t, int64(5), resp.RequestCounts.Succeeded)
}

func TestPollBatch_WaitsUntilEnded(t *testing.T) {
	var calls atomic.Int32
	client := &funcClient{getBatch: func(_ context.Context, id string) (*BatchResponse, error) {
		if calls.Add(1) < 3 {
			return &BatchResponse{ID: id, ProcessingStatus: "in_progress"}, nil
		}
		return &BatchResponse{ID: id, ProcessingStatus: "ended"}, nil
	}}

	resp, err := PollBatch(context.Background(), client, "batch-2",
		WithPollInterval(5*time.Millisecond),
		WithPollCap(10*time.Millisecond),
	)
	require.NoError(t, err)
	assert.Equal(t, "ended", resp.ProcessingStatus)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPollBatch_TerminalStatuses(t *testing.T) {
	for _, status := range []string{"expired", "canceled", "canceling"} {
		t.Run(status, func(t *testing.T) {
			client := &funcClient{getBatch: func(_ context.Context, id string) (*BatchResponse, error) {
				return &BatchResponse{
					ID:               id,
					ProcessingStatus: status,
					RequestCounts:    RequestCounts{Expired: 2},
				}, nil
			}}

			resp, err := PollBatch(context.Background(), client, "batch-3",
				WithPollInterval(5*time.Millisecond),
			)
			require.Error(t, err)
			// The batch still comes back so request counts are inspectable.
			require.NotNil(t, resp)
			assert.Equal(t, int64(2), resp.RequestCounts.Expired)
		})
	}
}

func TestPollBatch_CallerDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	client := &funcClient{getBatch: func(_ context.Context, id string) (*BatchResponse, error) {
		return &BatchResponse{ID: id, ProcessingStatus: "in_progress"}, nil
	}}

	_, err := PollBatch(ctx, client, "batch-4",
		WithPollInterval(10*time.Millisecond),
		WithPollCap(15*time.Millisecond),
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPollBatch_OptionTimeout(t *testing.T) {
	client := &funcClient{getBatch: func(_ context.Context, id string) (*BatchResponse, error) {
		return &BatchResponse{ID: id, ProcessingStatus: "in_progress"}, nil
	}}

	_, err := PollBatch(context.Background(), client, "batch-5",
		WithPollInterval(5*time.Millisecond),
		WithPollCap(10*time.Millisecond),
		WithPollTimeout(40*time.Millisecond),
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPollBatch_GetBatchFailure(t *testing.T) {
	client := &funcClient{getBatch: func(context.Context, string) (*BatchResponse, error) {
		return nil, errors.New("api error: 500")
	}}

	_, err := PollBatch(context.Background(), client, "batch-6",
		WithPollInterval(5*time.Millisecond),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api error: 500")
}

func TestPollBatch_BackoffGrows(t *testing.T) {
	var stamps []time.Time
	var calls atomic.Int32
	client := &funcClient{getBatch: func(_ context.Context, id string) (*BatchResponse, error) {
		stamps = append(stamps, time.Now())
		if calls.Add(1) < 4 {
			return &BatchResponse{ID: id, ProcessingStatus: "in_progress"}, nil
		}
		return &BatchResponse{ID: id, ProcessingStatus: "ended"}, nil
	}}

	_, err := PollBatch(context.Background(), client, "batch-7",
		WithPollInterval(20*time.Millisecond),
		WithPollCap(100*time.Millisecond),
	)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(stamps), 3)

	gap1 := stamps[1].Sub(stamps[0])
	gap2 := stamps[2].Sub(stamps[1])
	// Doubling with 20% jitter; a small tolerance keeps slow machines green.
	assert.Greater(t, gap2.Milliseconds(), gap1.Milliseconds()-5,
		"later gaps should be longer: gap1=%v gap2=%v", gap1, gap2)
}

func TestCollectBatchResults_SplitsByOutcome(t *testing.T) {
	iter := &sliceIterator{items: []BatchResultItem{
		{CustomID: "exp-1", Type: "succeeded", Message: &MessageResponse{
			ID: "msg-1", Content: []ContentBlock{{Type: "text", Text: `{"score": 85}`}},
		}},
		{CustomID: "exp-2", Type: "errored"},
		{CustomID: "exp-3", Type: "succeeded", Message: &MessageResponse{
			ID: "msg-3", Content: []ContentBlock{{Type: "text", Text: `{"score": 40}`}},
		}},
		{CustomID: "exp-4", Type: "expired"},
	}}

	results, err := CollectBatchResults(iter)
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, `{"score": 85}`, results["exp-1"].Content[0].Text)
	assert.Equal(t, `{"score": 40}`, results["exp-3"].Content[0].Text)
	assert.NotContains(t, results, "exp-2")
	assert.True(t, iter.closed, "iterator must be closed after draining")
}

func TestCollectBatchResultsDetailed_ReportsFailures(t *testing.T) {
	iter := &sliceIterator{items: []BatchResultItem{
		{CustomID: "exp-1", Type: "succeeded", Message: &MessageResponse{ID: "msg-1"}},
		{CustomID: "exp-2", Type: "errored"},
		{CustomID: "exp-3", Type: "canceled"},
	}}

	result, err := CollectBatchResultsDetailed(iter)
	require.NoError(t, err)
	assert.Len(t, result.Succeeded, 1)
	require.Len(t, result.Failures, 2)
	assert.Equal(t, BatchFailure{CustomID: "exp-2", Type: "errored"}, result.Failures[0])
	assert.Equal(t, BatchFailure{CustomID: "exp-3", Type: "canceled"}, result.Failures[1])
}

func TestCollectBatchResults_Empty(t *testing.T) {
	results, err := CollectBatchResults(&sliceIterator{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestCollectBatchResults_StreamError(t *testing.T) {
	iter := &sliceIterator{
		items: []BatchResultItem{{CustomID: "exp-1", Type: "succeeded", Message: &MessageResponse{ID: "msg-1"}}},
		err:   errors.New("stream interrupted"),
	}

	_, err := CollectBatchResults(iter)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream interrupted")
}
