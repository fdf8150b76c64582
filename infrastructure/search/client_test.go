package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(baseURL string) *Client {
	c := NewClient(baseURL, zap.NewNop())
	c.retryInitialInterval = time.Millisecond
	c.retryMaxInterval = 5 * time.Millisecond
	return c
}

func searchPayload(hits ...string) string {
	return fmt.Sprintf(`{
		"value": [{
			"hitsContainers": [{
				"hits": [%s]
			}]
		}]
	}`, strings.Join(hits, ","))
}

func TestSearchContentParsesHits(t *testing.T) {
	payload := searchPayload(
		`{
			"summary": "Vacation policy summary",
			"rank": 1.5,
			"resource": {
				"name": "HR Policy A",
				"webUrl": "https://contoso.sharepoint.com/a",
				"body": {"content": "full body"},
				"parentReference": {"siteId": "site-1"}
			}
		}`,
		`{
			"summary": "",
			"resource": {
				"name": "",
				"webUrl": "",
				"body": {"content": "body fallback content"}
			}
		}`,
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search/query", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var req searchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Requests, 1)
		assert.Equal(t, []string{"driveItem", "listItem", "site"}, req.Requests[0].EntityTypes)
		assert.Equal(t, "vacation policy", req.Requests[0].Query.QueryString)
		assert.Equal(t, 5, req.Requests[0].Size)

		w.Write([]byte(payload))
	}))
	defer server.Close()

	passages, err := newTestClient(server.URL).SearchContent(context.Background(), "test-token", "vacation policy", 5, "")
	require.NoError(t, err)
	require.Len(t, passages, 2)

	// summary preferred over body
	assert.Equal(t, "Vacation policy summary", passages[0].Content)
	assert.Equal(t, "HR Policy A", passages[0].Title)
	assert.Equal(t, "https://contoso.sharepoint.com/a", passages[0].URL)
	assert.Equal(t, "site-1", passages[0].Site)
	require.NotNil(t, passages[0].Score)
	assert.Equal(t, 1.5, *passages[0].Score)

	// body fallback, placeholder title, empty url
	assert.Equal(t, "body fallback content", passages[1].Content)
	assert.Equal(t, "Untitled", passages[1].Title)
	assert.Equal(t, "", passages[1].URL)
}

func TestSearchContentTruncatesContent(t *testing.T) {
	long := strings.Repeat("a", 2000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(searchPayload(fmt.Sprintf(`{"summary": %q, "resource": {"name": "Doc"}}`, long))))
	}))
	defer server.Close()

	passages, err := newTestClient(server.URL).SearchContent(context.Background(), "tok", "q", 5, "")
	require.NoError(t, err)
	require.Len(t, passages, 1)
	assert.Len(t, passages[0].Content, 1000)
}

func TestSearchContentSiteFilterAddsKQL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "site:https://contoso.sharepoint.com/sites/hr", req.Requests[0].Query.KQL)
		w.Write([]byte(searchPayload()))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).SearchContent(context.Background(), "tok", "q", 5, "https://contoso.sharepoint.com/sites/hr")
	require.NoError(t, err)
}

func TestSearchContentSkipsMalformedHits(t *testing.T) {
	payload := searchPayload(
		`{"summary": "good", "resource": {"name": "Doc"}}`,
		`{"resource": "not an object"}`,
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(payload))
	}))
	defer server.Close()

	passages, err := newTestClient(server.URL).SearchContent(context.Background(), "tok", "q", 5, "")
	require.NoError(t, err)
	require.Len(t, passages, 1)
	assert.Equal(t, "good", passages[0].Content)
}

func TestSearchContentRetriesStatusErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(searchPayload(`{"summary": "recovered", "resource": {"name": "Doc"}}`)))
	}))
	defer server.Close()

	passages, err := newTestClient(server.URL).SearchContent(context.Background(), "tok", "q", 5, "")
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	require.Len(t, passages, 1)
	assert.Equal(t, "recovered", passages[0].Content)
}

func TestSearchContentPropagatesAfterRetriesExhausted(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).SearchContent(context.Background(), "tok", "q", 5, "")
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestSearchContentFailsOpenOnMalformedEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer server.Close()

	passages, err := newTestClient(server.URL).SearchContent(context.Background(), "tok", "q", 5, "")
	require.NoError(t, err)
	assert.Empty(t, passages)
}

func TestSearchContentFailsOpenOnTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // connection refused

	passages, err := newTestClient(server.URL).SearchContent(context.Background(), "tok", "q", 5, "")
	require.NoError(t, err)
	assert.Empty(t, passages)
}

func TestSearchContentClampsTopK(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 10, req.Requests[0].Size)
		w.Write([]byte(searchPayload()))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).SearchContent(context.Background(), "tok", "q", 50, "")
	require.NoError(t, err)
}
