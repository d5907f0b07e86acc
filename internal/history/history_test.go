package history

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification-pipeline/internal/common/logger"
	"notification-pipeline/internal/models"
)

type esRequest struct {
	method string
	path   string
	body   map[string]interface{}
}

func newESServer(t *testing.T, status int, respBody string) (*elasticsearch.Client, *[]esRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []esRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		reqs = append(reqs, esRequest{method: r.Method, path: r.URL.Path, body: body})
		mu.Unlock()

		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(respBody))
	}))
	t.Cleanup(srv.Close)

	es, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return es, &reqs
}

func TestIndexer_Record(t *testing.T) {
	es, reqs := newESServer(t, http.StatusCreated, `{"result":"created"}`)
	idx := NewIndexer(es, "", logger.NewNoOpLogger())

	at := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	err := idx.Record(context.Background(), Record{
		NotificationID: "n-1",
		RecipientID:    "u-1",
		Channel:        models.ChannelEmail,
		Outcome:        OutcomeSent,
		Attempt:        1,
		DurationMs:     42,
		Timestamp:      at,
	})
	require.NoError(t, err)

	require.Len(t, *reqs, 1)
	got := (*reqs)[0]
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/notification-history/_doc", got.path)
	assert.Equal(t, "n-1", got.body["notificationId"])
	assert.Equal(t, "email", got.body["channel"])
	assert.Equal(t, "sent", got.body["outcome"])
	assert.Equal(t, "2024-03-04T09:00:00Z", got.body["@timestamp"])
	assert.NotContains(t, got.body, "error")
}

func TestIndexer_RecordServerError(t *testing.T) {
	es, _ := newESServer(t, http.StatusServiceUnavailable, `{"error":"unavailable"}`)
	idx := NewIndexer(es, "history-test", logger.NewNoOpLogger())

	err := idx.Record(context.Background(), Record{NotificationID: "n-1"})
	assert.Error(t, err)
}

func TestIndexer_EnsureIndex(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		es, reqs := newESServer(t, http.StatusOK, `{"acknowledged":true}`)
		require.NoError(t, NewIndexer(es, "", logger.NewNoOpLogger()).EnsureIndex(context.Background()))

		require.Len(t, *reqs, 1)
		assert.Equal(t, http.MethodPut, (*reqs)[0].method)
		assert.Equal(t, "/notification-history", (*reqs)[0].path)
		assert.Contains(t, (*reqs)[0].body, "mappings")
	})

	t.Run("already exists", func(t *testing.T) {
		es, _ := newESServer(t, http.StatusBadRequest,
			`{"error":{"type":"resource_already_exists_exception"},"status":400}`)
		assert.NoError(t, NewIndexer(es, "", logger.NewNoOpLogger()).EnsureIndex(context.Background()))
	})

	t.Run("other failure", func(t *testing.T) {
		es, _ := newESServer(t, http.StatusForbidden, `{"error":{"type":"security_exception"},"status":403}`)
		assert.Error(t, NewIndexer(es, "", logger.NewNoOpLogger()).EnsureIndex(context.Background()))
	})
}
