package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/evolvechain/settler/pkg/errorClassifier"
	"go.uber.org/zap"
)

// IEvaluator scores a synthesized block. The stage tracker calls it during
// the VALIDATING stage and maps the grade onto the refinement reward amount.
type IEvaluator interface {
	EvaluateBlock(ctx context.Context, blockId string) (*EvaluationResult, error)
}

type EvaluationResult struct {
	BlockId string  `json:"block_id"`
	Grade   float64 `json:"grade"`
	Passed  bool    `json:"passed"`
	Notes   string  `json:"notes"`
}

type ClientConfig struct {
	BaseUrl string
	ApiKey  string
}

type Client struct {
	httpClient *http.Client
	config     *ClientConfig
	logger     *zap.Logger
}

func NewClient(cfg *ClientConfig, l *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		config: cfg,
		logger: l,
	}
}

// EvaluateBlock fetches the evaluation for a block. A missing API key fails
// fast with a credential error instead of letting the upstream reject us.
func (c *Client) EvaluateBlock(ctx context.Context, blockId string) (*EvaluationResult, error) {
	if c.config.ApiKey == "" {
		return nil, &errorClassifier.CredentialError{
			Credential: "evaluator api key",
			Err:        fmt.Errorf("no api key configured"),
		}
	}

	url := fmt.Sprintf("%s/blocks/%s/evaluation", c.config.BaseUrl, blockId)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("accept", "application/json")
	req.Header.Set("x-api-key", c.config.ApiKey)

	c.logger.Sugar().Debugw("Making evaluator request",
		zap.String("url", req.URL.String()),
		zap.String("blockId", blockId),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		// fall through to decode
	case http.StatusTooManyRequests:
		retryAfter := 30 * time.Second
		if header := resp.Header.Get("Retry-After"); header != "" {
			if parsed, perr := time.ParseDuration(header + "s"); perr == nil {
				retryAfter = parsed
			}
		}
		return nil, &errorClassifier.RateLimitError{
			RetryAfter: retryAfter,
			Err:        fmt.Errorf("evaluator returned status %d", resp.StatusCode),
		}
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, &errorClassifier.CredentialError{
			Credential: "evaluator api key",
			Err:        fmt.Errorf("evaluator returned status %d", resp.StatusCode),
		}
	default:
		return nil, fmt.Errorf("evaluator request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result EvaluationResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if result.BlockId == "" {
		result.BlockId = blockId
	}

	return &result, nil
}
