package classifier

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witlox/lacuna/pkg/domain"
)

type stubBackend struct {
	response string
	err      error
	calls    int
}

func (s *stubBackend) Complete(_ context.Context, _, _ string) (string, error) {
	s.calls++
	return s.response, s.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestReasoningClassifierParsesVerdict(t *testing.T) {
	backend := &stubBackend{
		response: `{"tier": "INTERNAL", "confidence": 0.7, "reasoning": "departmental metrics", "tags": ["FINANCIAL"]}`,
	}
	r := NewReasoningClassifier(backend, discardLogger())

	op := domain.NewDataOperation(domain.ActionRead, []string{"finance.metrics"}, "", domain.Actor{ID: "u1"})

	c, err := r.Classify(context.Background(), op)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, domain.TierInternal, c.Tier)
	assert.Equal(t, 0.7, c.Confidence)
	assert.Equal(t, "departmental metrics", c.Reasoning)
	assert.True(t, c.Tags.Has("FINANCIAL"))
	assert.Equal(t, "reasoning", c.Layer)
}

func TestReasoningClassifierStripsFences(t *testing.T) {
	backend := &stubBackend{
		response: "```json\n{\"tier\": \"PUBLIC\", \"confidence\": 0.6, \"reasoning\": \"open data\"}\n```",
	}
	r := NewReasoningClassifier(backend, discardLogger())

	c, err := r.Classify(context.Background(), domain.NewDataOperation(domain.ActionRead, []string{"x"}, "", domain.Actor{ID: "u1"}))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, domain.TierPublic, c.Tier)
}

func TestReasoningClassifierCapsConfidence(t *testing.T) {
	backend := &stubBackend{
		response: `{"tier": "PROPRIETARY", "confidence": 1.0, "reasoning": "certain"}`,
	}
	r := NewReasoningClassifier(backend, discardLogger())

	c, err := r.Classify(context.Background(), domain.NewDataOperation(domain.ActionRead, []string{"x"}, "", domain.Actor{ID: "u1"}))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, maxReasoningConfidence, c.Confidence)
}

func TestReasoningClassifierFailSafeOnBackendError(t *testing.T) {
	backend := &stubBackend{err: errors.New("connection refused")}
	r := NewReasoningClassifier(backend, discardLogger())

	c, err := r.Classify(context.Background(), domain.NewDataOperation(domain.ActionRead, []string{"x"}, "", domain.Actor{ID: "u1"}))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, domain.TierProprietary, c.Tier)
	assert.Equal(t, "fail-safe", c.Layer)
}

func TestReasoningClassifierFailSafeOnMalformedVerdict(t *testing.T) {
	for _, response := range []string{
		"not json at all",
		`{"tier": "TOP_SECRET", "confidence": 0.9}`,
		`{"confidence": 0.9}`,
	} {
		backend := &stubBackend{response: response}
		r := NewReasoningClassifier(backend, discardLogger())

		c, err := r.Classify(context.Background(), domain.NewDataOperation(domain.ActionRead, []string{"x"}, "", domain.Actor{ID: "u1"}))
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, domain.TierProprietary, c.Tier, "response %q", response)
	}
}

func TestReasoningClassifierAbstainsWithoutBackend(t *testing.T) {
	r := NewReasoningClassifier(nil, discardLogger())

	c, err := r.Classify(context.Background(), domain.NewDataOperation(domain.ActionRead, []string{"x"}, "", domain.Actor{ID: "u1"}))
	require.NoError(t, err)
	assert.Nil(t, c)
}
