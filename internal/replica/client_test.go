package replica

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wikiedu/wikitrack/internal/errorreport"
	"github.com/wikiedu/wikitrack/internal/types"
)

var enwiki = types.Wiki{ID: 3, Language: "en", Project: "wikipedia"}

func setupTestServer(t *testing.T, handler http.HandlerFunc) (*Client, *test.Hook) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	log, hook := test.NewNullLogger()
	cfg := DefaultConfig()
	cfg.Endpoint = server.URL
	cfg.RequestsPerSecond = 0
	client := New(enwiki, cfg,
		WithHTTPClient(server.Client()),
		WithLogger(log),
		WithReporter(errorreport.New(log, nil)),
	)
	return client, hook
}

const twoArticles = `{"success":true,"data":[
	{"page_id":"100","page_title":"Selfie","page_namespace":"0","rev_id":"1001","rev_timestamp":"20230105120000",
	 "rev_user_text":"Ragesoss","byte_change":"250","new_article":"true","system":"false"},
	{"page_id":"200","page_title":"Ragesoss/sandbox","page_namespace":"2","rev_id":"2001","rev_timestamp":"20230106080000",
	 "rev_user_text":"Ragesoss","byte_change":"-12","new_article":"false","system":"false"},
	{"page_id":"100","page_title":"Selfie","page_namespace":"0","rev_id":"1002","rev_timestamp":"20230107093000",
	 "rev_user_text":"Sage","byte_change":"40","new_article":false,"system":true}
]}`

func TestGetRevisionsGroupsByPage(t *testing.T) {
	client, _ := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/revisions.php", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "en", q.Get("lang"))
		assert.Equal(t, "wikipedia", q.Get("project"))
		assert.Equal(t, []string{"Ragesoss", "Sage"}, q["usernames[]"])
		assert.Equal(t, "20230101", q.Get("start"))
		assert.Equal(t, "20230615", q.Get("end"))
		fmt.Fprint(w, twoArticles)
	})

	got, err := client.GetRevisions(context.Background(), []string{"Ragesoss", "Sage"}, "20230101", "20230615")
	require.NoError(t, err)
	require.Len(t, got, 2)

	selfie := got[0]
	assert.Equal(t, Article{MwPageID: 100, Title: "Selfie", Namespace: 0}, selfie.Article)
	require.Len(t, selfie.Revisions, 2)
	assert.Equal(t, int64(1001), selfie.Revisions[0].MwRevID)
	assert.True(t, selfie.Revisions[0].NewArticle)
	assert.Equal(t, 250, selfie.Revisions[0].Characters)
	assert.Equal(t, time.Date(2023, 1, 5, 12, 0, 0, 0, time.UTC), selfie.Revisions[0].Date)
	assert.Equal(t, int64(3), selfie.Revisions[0].WikiID)
	assert.True(t, selfie.Revisions[1].System)
	assert.Equal(t, "Sage", selfie.Revisions[1].Username)

	sandbox := got[1]
	assert.Equal(t, 2, sandbox.Article.Namespace)
	assert.Equal(t, -12, sandbox.Revisions[0].Characters)
}

func TestGetRevisionsSkipsBadFlags(t *testing.T) {
	client, hook := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":true,"data":[
			{"page_id":"1","page_title":"A","page_namespace":"0","rev_id":"1","rev_timestamp":"20230105120000","new_article":"yes","system":"false"},
			{"page_id":"1","page_title":"A","page_namespace":"0","rev_id":"2","rev_timestamp":"20230105120000","new_article":"false","system":"false"}
		]}`)
	})

	got, err := client.GetRevisions(context.Background(), []string{"A"}, "20230101", "20230102")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Len(t, got[0].Revisions, 1)
	assert.Equal(t, int64(2), got[0].Revisions[0].MwRevID)
	assert.Contains(t, hook.LastEntry().Message, "malformed")
}

func TestGetRevisionsRetriesThenGivesUp(t *testing.T) {
	var calls int32
	client, hook := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusGatewayTimeout)
	})

	got, err := client.GetRevisions(context.Background(), []string{"A"}, "20230101", "20230102")
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, "get_revisions", hook.LastEntry().Data["action"])
}

func TestGetRevisionsUnsuccessful(t *testing.T) {
	client, _ := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":false,"data":[]}`)
	})

	got, err := client.GetRevisions(context.Background(), []string{"A"}, "20230101", "20230102")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetRevisionsNoUsers(t *testing.T) {
	client, _ := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	got, err := client.GetRevisions(context.Background(), nil, "20230101", "20230102")
	assert.NoError(t, err)
	assert.Empty(t, got)
}

func TestFlagUnmarshal(t *testing.T) {
	tests := []struct {
		in      string
		want    Flag
		wantErr bool
	}{
		{in: `"true"`, want: true},
		{in: `"false"`, want: false},
		{in: `true`, want: true},
		{in: `false`, want: false},
		{in: `"True"`, wantErr: true},
		{in: `"1"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var f Flag
			err := json.Unmarshal([]byte(tt.in), &f)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, f)
		})
	}
}
