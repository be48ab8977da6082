package wikiapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wikiedu/wikitrack/internal/errorreport"
	"github.com/wikiedu/wikitrack/internal/types"
)

var enwiki = types.Wiki{ID: 1, Language: "en", Project: "wikipedia"}

func setupTestServer(t *testing.T, handler http.HandlerFunc) (*Client, *test.Hook) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	log, hook := test.NewNullLogger()
	cfg := DefaultConfig()
	cfg.RequestsPerSecond = 0
	cfg.Retry.RateLimitWait = 10 * time.Millisecond

	client := New(enwiki, cfg,
		WithHTTPClient(server.Client()),
		WithEndpoints(server.URL+"/w/api.php", server.URL+"/w/index.php"),
		WithLogger(log),
		WithReporter(errorreport.New(log, nil)),
	)
	return client, hook
}

func reported(hook *test.Hook) int {
	n := 0
	for _, e := range hook.AllEntries() {
		if e.Level <= logrus.WarnLevel {
			n++
		}
	}
	return n
}

func TestQuerySendsStandardParameters(t *testing.T) {
	client, _ := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/w/api.php", r.URL.Path)
		assert.Equal(t, "query", r.URL.Query().Get("action"))
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		assert.Equal(t, "info", r.URL.Query().Get("prop"))
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		fmt.Fprint(w, `{"batchcomplete":"","query":{"pages":{"1":{"pageid":1,"title":"A"}}}}`)
	})

	resp, err := client.Query(context.Background(), Params{"prop": "info"})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Contains(t, resp.Query, "pages")
	assert.Empty(t, resp.Continue)
}

func TestFetchAllFollowsContinuation(t *testing.T) {
	var calls int32
	client, hook := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		switch n {
		case 1:
			assert.Empty(t, r.URL.Query().Get("rvcontinue"))
			fmt.Fprint(w, `{
				"continue":{"rvcontinue":"20230102|555","continue":"||"},
				"query":{"pages":{"10":{"pageid":10,"title":"Apple","revisions":[{"revid":1}]}}}}`)
		case 2:
			assert.Equal(t, "20230102|555", r.URL.Query().Get("rvcontinue"))
			assert.Equal(t, "||", r.URL.Query().Get("continue"))
			fmt.Fprint(w, `{
				"batchcomplete":"",
				"query":{"pages":{"20":{"pageid":20,"title":"Banana"}}}}`)
		default:
			t.Errorf("unexpected request %d", n)
		}
	})

	data, err := client.FetchAll(context.Background(), Params{"prop": "revisions", "titles": "Apple|Banana"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	pages, ok := data["pages"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, pages, "10")
	assert.Contains(t, pages, "20")
	assert.Zero(t, reported(hook))
}

func TestFetchAllReturnsAccumulatorOnFailure(t *testing.T) {
	var calls int32
	client, hook := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			fmt.Fprint(w, `{"continue":{"gapcontinue":"B","continue":"gapcontinue||"},"query":{"pages":{"1":{"title":"A"}}}}`)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	data, err := client.FetchAll(context.Background(), Params{"generator": "allpages"})
	require.NoError(t, err)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls), "one success then three failed attempts")
	assert.Contains(t, data["pages"], "1")
	assert.Equal(t, 1, reported(hook))
}

func TestFetchAllStopsOnRepeatedToken(t *testing.T) {
	var calls int32
	client, _ := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, `{"continue":{"rvcontinue":"same"},"query":{"pages":{}}}`)
	})

	_, err := client.FetchAll(context.Background(), Params{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestQueryRetriesTransientFailures(t *testing.T) {
	var calls int32
	client, hook := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"query":{"users":[]}}`)
	})

	resp, err := client.Query(context.Background(), Params{"list": "users"})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Zero(t, reported(hook), "recovered failures are not reported")
}

func TestQueryExhaustedRetriesReturnsNil(t *testing.T) {
	var calls int32
	client, hook := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	resp, err := client.Query(context.Background(), Params{"prop": "info"})
	assert.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	require.Equal(t, 1, reported(hook))
	assert.Equal(t, "query", hook.LastEntry().Data["action"])
}

func TestQueryRateLimitedThenSucceeds(t *testing.T) {
	var calls int32
	client, hook := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"query":{}}`)
	})

	resp, err := client.Query(context.Background(), Params{})
	require.NoError(t, err)
	assert.NotNil(t, resp)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Zero(t, reported(hook))
}

func TestQueryAPIErrorIsReportedWithoutRetry(t *testing.T) {
	var calls int32
	client, hook := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, `{"error":{"code":"badvalue","info":"Unrecognized value for parameter \"prop\""}}`)
	})

	resp, err := client.Query(context.Background(), Params{"prop": "bogus"})
	assert.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, reported(hook))
}

func TestQueryTransientAPIErrorIsRetried(t *testing.T) {
	var calls int32
	client, _ := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			fmt.Fprint(w, `{"error":{"code":"maxlag","info":"Waiting for a database server"}}`)
			return
		}
		fmt.Fprint(w, `{"query":{}}`)
	})

	resp, err := client.Query(context.Background(), Params{})
	require.NoError(t, err)
	assert.NotNil(t, resp)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestQueryUnexpectedErrorIsReturned(t *testing.T) {
	client, hook := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html>not json</html>`)
	})

	resp, err := client.Query(context.Background(), Params{})
	assert.Error(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, 1, reported(hook))
}

func TestQueryReportsCarryCourse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	log, hook := test.NewNullLogger()
	cfg := DefaultConfig()
	cfg.RequestsPerSecond = 0
	client := New(enwiki, cfg,
		WithEndpoints(server.URL, server.URL),
		WithLogger(log),
		WithReporter(errorreport.New(log, nil)),
		WithCourse(7),
	)

	resp, err := client.Query(context.Background(), Params{})
	assert.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, int64(7), hook.LastEntry().Data["course"])
}
