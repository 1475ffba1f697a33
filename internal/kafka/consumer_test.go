package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mathgame-leaderboard/internal/config"
	"github.com/mathgame-leaderboard/internal/domain"
)

type recordingSubmitter struct {
	subs     []domain.Submission
	err      error
	failures []error
	deadline bool
}

func (s *recordingSubmitter) Submit(ctx context.Context, sub domain.Submission) (*domain.SubmitResult, error) {
	_, s.deadline = ctx.Deadline()
	s.subs = append(s.subs, sub)
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}
	return &domain.SubmitResult{HighScore: sub.Score, GamesPlayed: 1}, nil
}

func newTestConsumer(t *testing.T, submitter ScoreSubmitter) *Consumer {
	t.Helper()
	cfg := config.DefaultConfig().Kafka
	cfg.RetryBackoff = time.Millisecond
	return &Consumer{
		config:    &cfg,
		submitter: submitter,
		logger:    zaptest.NewLogger(t),
	}
}

func TestDecodeMessage(t *testing.T) {
	played := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	raw, err := json.Marshal(ScoreMessage{UserID: "u1", Score: 77, PlayedAt: &played})
	require.NoError(t, err)

	sub, err := DecodeMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "u1", sub.UserID)
	assert.Equal(t, int64(77), sub.Score)
	require.NotNil(t, sub.PlayedAt)
	assert.True(t, played.Equal(*sub.PlayedAt))

	tests := []struct {
		name  string
		value string
	}{
		{"not json", "score=5"},
		{"missing user", `{"score":5}`},
		{"fractional score", `{"user_id":"u1","score":5.5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(tt.value))
			assert.ErrorIs(t, err, domain.ErrInvalidRequest)
		})
	}
}

func TestHandleMessage(t *testing.T) {
	submitter := &recordingSubmitter{}
	c := newTestConsumer(t, submitter)

	err := c.handleMessage(context.Background(), []byte(`{"user_id":"u1","score":12}`))
	require.NoError(t, err)
	require.Len(t, submitter.subs, 1)
	assert.Equal(t, int64(12), submitter.subs[0].Score)
	assert.True(t, submitter.deadline, "message timeout applied")
}

func TestHandleMessageFailures(t *testing.T) {
	t.Run("malformed is not submitted", func(t *testing.T) {
		submitter := &recordingSubmitter{}
		c := newTestConsumer(t, submitter)

		err := c.handleMessage(context.Background(), []byte(`{`))
		assert.ErrorIs(t, err, domain.ErrInvalidRequest)
		assert.Empty(t, submitter.subs)
	})

	t.Run("rejected submission", func(t *testing.T) {
		submitter := &recordingSubmitter{err: domain.ErrInvalidScore}
		c := newTestConsumer(t, submitter)

		err := c.handleMessage(context.Background(), []byte(`{"user_id":"u1","score":-1}`))
		assert.ErrorIs(t, err, domain.ErrInvalidScore)
	})

	t.Run("store failure", func(t *testing.T) {
		submitter := &recordingSubmitter{err: domain.ErrSubmissionFailed}
		c := newTestConsumer(t, submitter)

		err := c.handleMessage(context.Background(), []byte(`{"user_id":"u1","score":3}`))
		assert.ErrorIs(t, err, domain.ErrSubmissionFailed)
	})
}

func TestProcessMessageRetriesSubmissionFailures(t *testing.T) {
	submitter := &recordingSubmitter{failures: []error{domain.ErrSubmissionFailed, domain.ErrSubmissionFailed}}
	c := newTestConsumer(t, submitter)

	err := c.processMessage(context.Background(), []byte(`{"user_id":"u1","score":12}`))
	require.NoError(t, err)
	assert.Len(t, submitter.subs, 3)
}

func TestProcessMessageMarksRejected(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		value string
		calls int
	}{
		{"malformed", nil, `{`, 0},
		{"invalid score", domain.ErrInvalidScore, `{"user_id":"u1","score":-1}`, 1},
		{"invalid user", domain.ErrInvalidUser, `{"user_id":"nobody","score":1}`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			submitter := &recordingSubmitter{err: tt.err}
			c := newTestConsumer(t, submitter)

			assert.NoError(t, c.processMessage(context.Background(), []byte(tt.value)))
			assert.Len(t, submitter.subs, tt.calls)
		})
	}
}

func TestProcessMessageLeavesFailureUnmarkedOnShutdown(t *testing.T) {
	submitter := &recordingSubmitter{err: domain.ErrSubmissionFailed}
	c := newTestConsumer(t, submitter)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.processMessage(ctx, []byte(`{"user_id":"u1","score":3}`))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, len(submitter.subs), 2)
}
