package evaluator

import (
	"context"
	"errors"
	"testing"

	"github.com/evolvechain/settler/pkg/errorClassifier"
	"github.com/evolvechain/settler/pkg/logger"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
)

func setupClient(t *testing.T, apiKey string) *Client {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	assert.Nil(t, err)
	client := NewClient(&ClientConfig{
		BaseUrl: "https://evaluator.test/api/v1",
		ApiKey:  apiKey,
	}, l)
	httpmock.ActivateNonDefault(client.httpClient)
	t.Cleanup(httpmock.DeactivateAndReset)
	return client
}

func Test_EvaluatorClient(t *testing.T) {
	ctx := context.Background()

	t.Run("Should decode a successful evaluation", func(t *testing.T) {
		client := setupClient(t, "test-key")
		httpmock.RegisterResponder("GET", "https://evaluator.test/api/v1/blocks/block-1/evaluation",
			httpmock.NewStringResponder(200, `{"block_id":"block-1","grade":0.87,"passed":true,"notes":"ok"}`))

		result, err := client.EvaluateBlock(ctx, "block-1")
		assert.Nil(t, err)
		assert.Equal(t, "block-1", result.BlockId)
		assert.Equal(t, 0.87, result.Grade)
		assert.True(t, result.Passed)
	})

	t.Run("Should fail fast with a credential error when no api key is configured", func(t *testing.T) {
		client := setupClient(t, "")

		_, err := client.EvaluateBlock(ctx, "block-1")
		var credErr *errorClassifier.CredentialError
		assert.True(t, errors.As(err, &credErr))
		assert.Equal(t, 0, httpmock.GetTotalCallCount())
	})

	t.Run("Should map 401 to a credential error", func(t *testing.T) {
		client := setupClient(t, "bad-key")
		httpmock.RegisterResponder("GET", "https://evaluator.test/api/v1/blocks/block-1/evaluation",
			httpmock.NewStringResponder(401, `{"error":"unauthorized"}`))

		_, err := client.EvaluateBlock(ctx, "block-1")
		var credErr *errorClassifier.CredentialError
		assert.True(t, errors.As(err, &credErr))
	})

	t.Run("Should map 429 to a rate limit error honoring Retry-After", func(t *testing.T) {
		client := setupClient(t, "test-key")
		responder := httpmock.NewStringResponder(429, `{"error":"slow down"}`)
		responder = responder.HeaderSet(map[string][]string{"Retry-After": {"12"}})
		httpmock.RegisterResponder("GET", "https://evaluator.test/api/v1/blocks/block-1/evaluation", responder)

		_, err := client.EvaluateBlock(ctx, "block-1")
		var rateErr *errorClassifier.RateLimitError
		assert.True(t, errors.As(err, &rateErr))
		assert.Equal(t, float64(12), rateErr.RetryAfter.Seconds())
	})

	t.Run("Should surface unexpected statuses as plain errors", func(t *testing.T) {
		client := setupClient(t, "test-key")
		httpmock.RegisterResponder("GET", "https://evaluator.test/api/v1/blocks/block-1/evaluation",
			httpmock.NewStringResponder(500, `{"error":"boom"}`))

		_, err := client.EvaluateBlock(ctx, "block-1")
		assert.NotNil(t, err)
		var credErr *errorClassifier.CredentialError
		assert.False(t, errors.As(err, &credErr))
	})
}
