// Package history indexes delivery attempts into Elasticsearch so operators
// can search what was sent to whom. Indexing is best effort.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"notification-pipeline/internal/common/logger"
	"notification-pipeline/internal/models"
)

const DefaultIndex = "notification-history"

// Outcome values of a Record.
const (
	OutcomeSent       = "sent"
	OutcomeRetried    = "retried"
	OutcomeDeadLetter = "dead_letter"
)

// Record is one delivery attempt.
type Record struct {
	NotificationID string             `json:"notificationId"`
	RecipientID    string             `json:"recipientId"`
	TemplateID     string             `json:"templateId"`
	Channel        models.ChannelType `json:"channel"`
	Outcome        string             `json:"outcome"`
	Error          string             `json:"error,omitempty"`
	Attempt        int                `json:"attempt"`
	DurationMs     int64              `json:"durationMs"`
	Timestamp      time.Time          `json:"@timestamp"`
}

const indexMapping = `{
  "mappings": {
    "properties": {
      "notificationId": {"type": "keyword"},
      "recipientId":    {"type": "keyword"},
      "templateId":     {"type": "keyword"},
      "channel":        {"type": "keyword"},
      "outcome":        {"type": "keyword"},
      "error":          {"type": "text"},
      "attempt":        {"type": "integer"},
      "durationMs":     {"type": "long"},
      "@timestamp":     {"type": "date"}
    }
  }
}`

type Indexer struct {
	es    *elasticsearch.Client
	index string
	log   logger.Logger
}

func NewIndexer(es *elasticsearch.Client, index string, log logger.Logger) *Indexer {
	if index == "" {
		index = DefaultIndex
	}
	return &Indexer{
		es:    es,
		index: index,
		log:   log.WithFields(map[string]interface{}{"component": "history", "index": index}),
	}
}

// EnsureIndex creates the index with its mapping. An existing index is left
// untouched.
func (i *Indexer) EnsureIndex(ctx context.Context) error {
	res, err := i.es.Indices.Create(
		i.index,
		i.es.Indices.Create.WithBody(strings.NewReader(indexMapping)),
		i.es.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("create index %s: %w", i.index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		if strings.Contains(string(body), "resource_already_exists_exception") {
			return nil
		}
		return fmt.Errorf("create index %s: %s: %s", i.index, res.Status(), body)
	}
	i.log.Info("history index created", nil)
	return nil
}

// Record indexes rec. A zero timestamp is set to now.
func (i *Indexer) Record(ctx context.Context, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal history record: %w", err)
	}

	res, err := i.es.Index(
		i.index,
		bytes.NewReader(doc),
		i.es.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("index history record: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("index history record: %s", res.Status())
	}
	return nil
}
