package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BartekS5/tracksync/internal/apperrors"
	"github.com/BartekS5/tracksync/internal/retry"
	"github.com/BartekS5/tracksync/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func newTestClient(baseURL string) *Client {
	return NewClient(Credentials{},
		WithBaseURL(baseURL),
		WithRateLimit(0),
		WithRetryPolicy(fastPolicy()),
	)
}

const recentlyPlayed = `{"items":[
 {"played_at":"2025-03-01T12:10:00.000Z","track":{"id":"t2","name":"Second","artists":[{"id":"a2","name":"B","uri":"spotify:artist:a2"},{"id":"a1","name":"A","uri":"spotify:artist:a1"}]}},
 {"played_at":"2025-03-01T12:00:00.000Z","track":{"id":"t1","name":"First","artists":[{"id":"a1","name":"A","uri":"spotify:artist:a1"}]}}
]}`

func TestFetchPage_SortsAscendingAndPassesCursor(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me/player/recently-played", r.URL.Path)
		gotQuery = r.URL.RawQuery
		fmt.Fprint(w, recentlyPlayed)
	}))
	defer srv.Close()

	page, err := newTestClient(srv.URL).FetchPage(context.Background(), 1740830000000, 20)
	require.NoError(t, err)
	records := page.Records

	assert.Equal(t, "after=1740830000000&limit=20", gotQuery)
	require.Len(t, records, 2)
	assert.Equal(t, "t1@2025-03-01T12:00:00.000Z", records[0].ID)
	assert.Equal(t, "t2@2025-03-01T12:10:00.000Z", records[1].ID)
	assert.True(t, records[0].EventTime.Before(records[1].EventTime))
}

func TestFetchPage_CountsSkippedItems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[
 {"played_at":"2025-03-01T12:00:00.000Z","track":{"id":"t1"}},
 {"played_at":"not a time","track":{"id":"t2"}}
]}`)
	}))
	defer srv.Close()

	page, err := newTestClient(srv.URL).FetchPage(context.Background(), 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Items)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "t1@2025-03-01T12:00:00.000Z", page.Records[0].ID)
}

func TestFetchPage_ClampsLimit(t *testing.T) {
	var gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		fmt.Fprint(w, `{"items":[]}`)
	}))
	defer srv.Close()

	page, err := newTestClient(srv.URL).FetchPage(context.Background(), 0, 500)
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.Zero(t, page.Items)
	assert.Equal(t, "50", gotLimit)
}

func TestFetchPage_RetriesTransientStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, recentlyPlayed)
	}))
	defer srv.Close()

	page, err := newTestClient(srv.URL).FetchPage(context.Background(), 0, 50)
	require.NoError(t, err)
	assert.Len(t, page.Records, 2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestFetchPage_ServerErrorsExhaustRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).FetchPage(context.Background(), 0, 50)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTransient)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestAuthenticate_UnauthorizedIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"status":401,"message":"The access token expired"}}`)
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).Authenticate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAuth)
	assert.Contains(t, err.Error(), "The access token expired")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRefreshTokenFlow(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "rt", r.PostForm.Get("refresh_token"))
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "id", user)
		assert.Equal(t, "secret", pass)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`)
	}))
	defer tokenSrv.Close()

	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"id":"listener"}`)
	}))
	defer apiSrv.Close()

	c := NewClient(Credentials{
		ClientID:     "id",
		ClientSecret: "secret",
		RefreshToken: "rt",
		TokenURL:     tokenSrv.URL,
	}, WithBaseURL(apiSrv.URL), WithRateLimit(0), WithRetryPolicy(fastPolicy()))

	require.NoError(t, c.Authenticate(context.Background()))
}

func TestRefreshTokenRejectedIsAuthError(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant","error_description":"Refresh token revoked"}`)
	}))
	defer tokenSrv.Close()

	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("API must not be called without a token")
	}))
	defer apiSrv.Close()

	c := NewClient(Credentials{ClientID: "id", ClientSecret: "secret", RefreshToken: "rt", TokenURL: tokenSrv.URL},
		WithBaseURL(apiSrv.URL), WithRateLimit(0), WithRetryPolicy(fastPolicy()))

	err := c.Authenticate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAuth)
}

func TestFetchEntities(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/artists", r.URL.Path)
		assert.Equal(t, "a1,a2,a3", r.URL.Query().Get("ids"))
		fmt.Fprint(w, `{"artists":[
			{"id":"a1","name":"A","uri":"spotify:artist:a1","genres":["indie rock"],"popularity":55,"followers":{"total":1200},"external_urls":{"spotify":"https://x"},"images":[]},
			null,
			{"id":"a3","name":"C","uri":"spotify:artist:a3","genres":[]}
		]}`)
	}))
	defer srv.Close()

	entities, err := newTestClient(srv.URL).FetchEntities(context.Background(), []string{"a1", "a2", "a3"})
	require.NoError(t, err)
	require.Len(t, entities, 2)

	assert.Equal(t, []string{"indie rock"}, entities[0].Labels)
	require.NotNil(t, entities[0].Popularity)
	assert.Equal(t, int64(55), *entities[0].Popularity)
	require.NotNil(t, entities[0].Followers)
	assert.Equal(t, int64(1200), *entities[0].Followers)
	assert.JSONEq(t, `{"spotify":"https://x"}`, entities[0].ExternalURLs)

	assert.Empty(t, entities[1].Labels)
	assert.Nil(t, entities[1].Popularity)
	assert.Equal(t, "{}", entities[1].ExternalURLs)
	assert.Equal(t, "[]", entities[1].Images)
}

func TestFetchEntities_TooMany(t *testing.T) {
	ids := make([]string, MaxLimit+1)
	_, err := newTestClient("http://unused").FetchEntities(context.Background(), ids)
	assert.Error(t, err)
}

func TestExtractEntities(t *testing.T) {
	records := []models.Record{
		{Payload: []byte(`{"track":{"artists":[{"id":"a1","name":"A"},{"id":"a2","name":"B"}]}}`)},
		{Payload: []byte(`{"track":{"artists":[{"id":"a2","name":"B"},{"id":"a3","name":"C"},{"name":"no id"}]}}`)},
		{Payload: []byte(`{}`)},
	}

	refs := ExtractEntities(records)
	var ids []string
	for _, r := range refs {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"a1", "a2", "a3"}, ids)
}
