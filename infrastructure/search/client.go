// Package search implements the retrieval client for the Microsoft Graph
// search API.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"m365rag-backend/domain/chat"
	apperrors "m365rag-backend/pkg/errors"
	"m365rag-backend/pkg/observability"
)

const (
	requestTimeout = 30 * time.Second
	slowThreshold  = 2 * time.Second

	// Retry policy for failed search calls: 3 attempts in total with
	// exponential backoff between them.
	maxAttempts     = 3
	initialInterval = 2 * time.Second
	maxInterval     = 10 * time.Second

	contentLimit = 1000
	untitled     = "Untitled"
)

// Client issues semantic search requests against the document index.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *zap.Logger

	// retry intervals are fields so tests can shrink them
	retryInitialInterval time.Duration
	retryMaxInterval     time.Duration
}

// NewClient creates a search client. baseURL is the Graph API root, e.g.
// https://graph.microsoft.com/v1.0.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	return &Client{
		httpClient:           &http.Client{Timeout: requestTimeout},
		baseURL:              baseURL,
		logger:               logger,
		retryInitialInterval: initialInterval,
		retryMaxInterval:     maxInterval,
	}
}

// Request and response shapes of the Graph search API.

type searchRequest struct {
	Requests []searchRequestEntry `json:"requests"`
}

type searchRequestEntry struct {
	EntityTypes []string    `json:"entityTypes"`
	Query       searchQuery `json:"query"`
	From        int         `json:"from"`
	Size        int         `json:"size"`
}

type searchQuery struct {
	QueryString string `json:"queryString"`
	KQL         string `json:"kql,omitempty"`
}

// searchResponse covers only the envelope; individual hits are decoded
// one by one so a malformed entry cannot abort the whole batch.
type searchResponse struct {
	Value []struct {
		HitsContainers []struct {
			Hits []json.RawMessage `json:"hits"`
		} `json:"hitsContainers"`
	} `json:"value"`
}

type searchHit struct {
	Summary  string   `json:"summary"`
	Rank     *float64 `json:"rank"`
	Resource struct {
		Name   string `json:"name"`
		WebURL string `json:"webUrl"`
		Body   struct {
			Content string `json:"content"`
		} `json:"body"`
		ParentReference struct {
			SiteID string `json:"siteId"`
		} `json:"parentReference"`
	} `json:"resource"`
}

// statusError is a non-2xx search response. Only these errors are retried
// and, once attempts are exhausted, propagated to the caller.
type statusError struct {
	StatusCode int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("search request failed with status %d", e.StatusCode)
}

// SearchContent performs one semantic search call and parses the nested
// response into a uniform passage list. HTTP status errors are retried
// with exponential backoff and then propagated; any other failure is
// swallowed and degrades to an empty result set.
func (c *Client) SearchContent(ctx context.Context, accessToken, query string, topK int, siteFilter string) ([]chat.RetrievedPassage, error) {
	if topK < 1 {
		topK = 1
	} else if topK > 10 {
		topK = 10
	}

	entry := searchRequestEntry{
		EntityTypes: []string{"driveItem", "listItem", "site"},
		Query:       searchQuery{QueryString: query},
		From:        0,
		Size:        topK,
	}
	if siteFilter != "" {
		entry.Query.KQL = fmt.Sprintf("site:%s", siteFilter)
	}

	body, err := json.Marshal(searchRequest{Requests: []searchRequestEntry{entry}})
	if err != nil {
		return nil, apperrors.NewInternalError("failed to encode search request").WithCause(err)
	}

	var passages []chat.RetrievedPassage

	operation := func() error {
		results, err := c.doSearch(ctx, accessToken, body)
		if err != nil {
			if statusErr, ok := err.(*statusError); ok {
				if statusErr.StatusCode == http.StatusTooManyRequests {
					c.logger.Warn("Search rate limited", zap.Int("status", statusErr.StatusCode))
				}
				return err // retryable
			}
			// Fail open to no results on anything that is not an HTTP
			// status error (transport failures, malformed payloads).
			c.logger.Error("Search failed outside HTTP error path, returning no results", zap.Error(err))
			passages = nil
			return nil
		}
		passages = results
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInitialInterval
	policy.MaxInterval = c.retryMaxInterval

	notify := func(err error, wait time.Duration) {
		observability.SearchRetries.Inc()
		c.logger.Warn("Retrying search",
			zap.Error(err),
			zap.Duration("backoff", wait),
		)
	}

	err = backoff.RetryNotify(
		operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, maxAttempts-1), ctx),
		notify,
	)
	if err != nil {
		return nil, apperrors.NewExternalError("search", err)
	}

	return passages, nil
}

// doSearch performs a single search call and parses the response.
func (c *Client) doSearch(ctx context.Context, accessToken string, body []byte) ([]chat.RetrievedPassage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search/query", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	latency := time.Since(start)
	if resp.StatusCode != http.StatusOK || latency > slowThreshold {
		c.logger.Warn("Search diagnostics",
			zap.Int("status", resp.StatusCode),
			zap.Duration("latency", latency),
		)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, &statusError{StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	results, skipped, err := parseResults(data)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		observability.SearchSkippedHits.Add(float64(skipped))
		c.logger.Warn("Skipped malformed search hits",
			zap.Int("skipped", skipped),
			zap.Int("parsed", len(results)),
		)
	}

	return results, nil
}

// parseResults walks every result container and every hit within it.
// A malformed hit is counted and skipped rather than aborting the batch;
// only a failure to decode the envelope is returned as an error.
func parseResults(data []byte) ([]chat.RetrievedPassage, int, error) {
	var envelope searchResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, 0, fmt.Errorf("failed to decode search response: %w", err)
	}

	var passages []chat.RetrievedPassage
	skipped := 0

	for _, value := range envelope.Value {
		for _, container := range value.HitsContainers {
			for _, raw := range container.Hits {
				var hit searchHit
				if err := json.Unmarshal(raw, &hit); err != nil {
					skipped++
					continue
				}

				// Prefer the summary snippet, fall back to the full body.
				content := hit.Summary
				if content == "" {
					content = hit.Resource.Body.Content
				}

				title := hit.Resource.Name
				if title == "" {
					title = untitled
				}

				passages = append(passages, chat.RetrievedPassage{
					Content: chat.Truncate(content, contentLimit),
					Title:   title,
					URL:     hit.Resource.WebURL,
					Site:    hit.Resource.ParentReference.SiteID,
					Score:   hit.Rank,
				})
			}
		}
	}

	return passages, skipped, nil
}
