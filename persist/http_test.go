package persist

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/waveline/feedsync"
)

func TestHTTPClientCreateRecord(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/records/messages", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var fields Record
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&fields))
		assert.Equal(t, "hello", fields["content"])

		json.NewEncoder(w).Encode(Record{"id": "srv-1", "content": "hello"})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "secret", zap.NewNop().Sugar())
	record, err := client.CreateRecord(context.Background(), "messages", Record{"content": "hello"})
	assert.NoError(t, err)
	assert.Equal(t, "srv-1", record["id"])
}

func TestHTTPClientListRecordsWithFilter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "premium", r.URL.Query().Get("plan"))
		json.NewEncoder(w).Encode([]Record{{"id": "u1"}, {"id": "u2"}})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", zap.NewNop().Sugar())
	records, err := client.ListRecords(context.Background(), "users", Record{"plan": "premium"})
	assert.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestHTTPClientStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		check  func(error) bool
		name   string
	}{
		{http.StatusBadRequest, feedsync.IsTerminal, "validation"},
		{http.StatusNotFound, feedsync.IsNotFound, "not found"},
		{http.StatusTooManyRequests, feedsync.IsCapacity, "capacity"},
		{http.StatusInternalServerError, feedsync.IsRetryable, "transient"},
		{http.StatusBadGateway, feedsync.IsRetryable, "gateway"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			client := NewHTTPClient(server.URL, "", zap.NewNop().Sugar())
			_, err := client.GetRecord(context.Background(), "users", "42")
			assert.Error(t, err)
			assert.True(t, tt.check(err))
		})
	}
}

func TestHTTPClientUnreachableBackendIsRetryable(t *testing.T) {
	client := NewHTTPClient("http://127.0.0.1:1", "", zap.NewNop().Sugar())
	_, err := client.GetRecord(context.Background(), "users", "42")
	assert.Error(t, err)
	assert.True(t, feedsync.IsRetryable(err))
}
