// ABOUTME: Tests for the feedback rendezvous router
// ABOUTME: Covers ask/answer ordering, cancellation, and unmatched answers

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAskThenDeliver(t *testing.T) {
	r := NewFeedbackRouter()
	answers := r.Ask(context.Background())

	require.NoError(t, r.Deliver("the blue one"))

	select {
	case got, ok := <-answers:
		require.True(t, ok)
		assert.Equal(t, "the blue one", got)
	case <-time.After(time.Second):
		t.Fatal("answer never arrived")
	}
	assert.Equal(t, 0, r.Waiting())
}

func TestDeliverWithoutPendingQuestion(t *testing.T) {
	r := NewFeedbackRouter()
	assert.Error(t, r.Deliver("unsolicited"))
}

func TestAnswersGoToOldestQuestionFirst(t *testing.T) {
	r := NewFeedbackRouter()
	first := r.Ask(context.Background())
	second := r.Ask(context.Background())
	assert.Equal(t, 2, r.Waiting())

	require.NoError(t, r.Deliver("answer-1"))
	require.NoError(t, r.Deliver("answer-2"))

	assert.Equal(t, "answer-1", <-first)
	assert.Equal(t, "answer-2", <-second)
}

func TestCancelledAskIsAbandoned(t *testing.T) {
	r := NewFeedbackRouter()
	ctx, cancel := context.WithCancel(context.Background())
	answers := r.Ask(ctx)
	cancel()

	select {
	case _, ok := <-answers:
		assert.False(t, ok, "cancelled ask must close without a value")
	case <-time.After(time.Second):
		t.Fatal("cancelled ask never released")
	}

	// The abandoned question no longer absorbs answers
	assert.Eventually(t, func() bool { return r.Waiting() == 0 }, time.Second, 5*time.Millisecond)
	assert.Error(t, r.Deliver("too late"))
}
