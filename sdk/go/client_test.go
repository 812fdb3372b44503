package nexussdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsBearerAndDecodes(t *testing.T) {
	var gotAuth, gotPath, gotQuery string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"b1","title":"T","source":"manual","status":"shipped","buildCommit":"abc","createdAt":"2025-01-01T00:00:00Z"}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/api/")
	c.BearerToken = "tok"
	b, err := c.SetStatus(context.Background(), "b1", "shipped", "abc", true)
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "/api/pipeline-queue", gotPath)
	assert.Equal(t, "force=true", gotQuery)
	assert.Equal(t, map[string]any{"id": "b1", "status": "shipped", "buildCommit": "abc"}, gotBody)
	assert.Equal(t, "shipped", b.Status)
	assert.Equal(t, "abc", b.BuildCommit)
}

func TestClientErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"comment is required"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Rollback(context.Background(), "b1", "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "comment is required", apiErr.Message)
}

func TestClientFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/activity-feed", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"entries":[{"id":"f2","type":"brief-approved","agent":"PJ","message":"m","timestamp":"t"},{"id":"f1","type":"brief-created","agent":"PJ","message":"m","timestamp":"t"}]}`))
	}))
	defer srv.Close()

	entries, err := New(srv.URL).Feed(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "brief-approved", entries[0].Type)
}
