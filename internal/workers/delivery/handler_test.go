package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"notification-pipeline/internal/common/config"
	apperrors "notification-pipeline/internal/common/errors"
	"notification-pipeline/internal/common/logger"
	"notification-pipeline/internal/common/metrics"
	"notification-pipeline/internal/history"
	"notification-pipeline/internal/models"
	"notification-pipeline/internal/sandbox"
)

// ==========================
// Fakes
// ==========================

type settlement struct {
	acked   bool
	nacked  bool
	requeue bool
}

type fakeAcknowledger struct {
	mu    sync.Mutex
	calls []settlement
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, settlement{acked: true})
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, settlement{nacked: true, requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type fakeStore struct {
	recipients map[string]*models.Recipient
	recipErr   error
	sent       []string
	failed     map[string]string
	markErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		recipients: map[string]*models.Recipient{
			"u-1": {ID: "u-1", Name: "Anna <3", Email: "anna@example.com", Phone: "+15551234567"},
		},
		failed: map[string]string{},
	}
}

func (s *fakeStore) GetRecipient(_ context.Context, id string) (*models.Recipient, error) {
	if s.recipErr != nil {
		return nil, s.recipErr
	}
	if r, ok := s.recipients[id]; ok {
		return r, nil
	}
	return nil, apperrors.NewResourceNotFoundError("Recipient", id)
}

func (s *fakeStore) MarkSent(_ context.Context, id string, _ time.Time) error {
	if s.markErr != nil {
		return s.markErr
	}
	s.sent = append(s.sent, id)
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id, reason string) error {
	if s.markErr != nil {
		return s.markErr
	}
	s.failed[id] = reason
	return nil
}

type sentMessage struct {
	recipient models.Recipient
	subject   string
	body      string
}

type MockSender struct {
	SendFunc func(ctx context.Context, recipient models.Recipient, subject, body string) error
	sent     []sentMessage
}

func (m *MockSender) Send(ctx context.Context, recipient models.Recipient, subject, body string) error {
	m.sent = append(m.sent, sentMessage{recipient: recipient, subject: subject, body: body})
	if m.SendFunc != nil {
		return m.SendFunc(ctx, recipient, subject, body)
	}
	return nil
}

type fakeHistory struct {
	records []history.Record
	err     error
}

func (h *fakeHistory) Record(_ context.Context, rec history.Record) error {
	h.records = append(h.records, rec)
	return h.err
}

// ==========================
// Test Helper Functions
// ==========================

var fixedNow = time.Date(2024, 3, 5, 10, 30, 0, 0, time.UTC)

func createTestConfig(channel models.ChannelType) *Config {
	return &Config{
		Channel:         channel,
		MaxRedeliveries: 3,
		Burst:           1,
		SendTimeout:     time.Second,
	}
}

func newTestHandler(t *testing.T, channel models.ChannelType, store *fakeStore, s *MockSender, hist HistoryRecorder, log logger.Logger) *Handler {
	t.Helper()
	if log == nil {
		log = logger.NewTestLogger(t)
	}
	h := NewHandler(createTestConfig(channel), store, store, s, sandbox.New(), hist, log)
	h.now = func() time.Time { return fixedNow }
	return h
}

func newDelivery(t *testing.T, ack *fakeAcknowledger, job interface{}, headers amqp.Table) amqp.Delivery {
	t.Helper()
	var body []byte
	switch v := job.(type) {
	case []byte:
		body = v
	default:
		var err error
		body, err = json.Marshal(v)
		require.NoError(t, err)
	}
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body, Headers: headers}
}

func createTestJob(channel models.ChannelType) models.QueueJob {
	return models.QueueJob{
		NotificationID:   "n-1",
		UserID:           "u-1",
		TemplateID:       "t-1",
		Subject:          "Hello {{ user.name }}",
		Body:             "Hi {{ user.name }}, {{ extra.title }} premieres {{ current_date | format_date('%Y-%m-%d') }}",
		NotificationType: channel,
		Data:             map[string]interface{}{"title": "Dune"},
	}
}

// ==========================
// Success Path
// ==========================

func TestHandler_SendsAndAcks(t *testing.T) {
	tests := []struct {
		name     string
		channel  models.ChannelType
		wantBody string
	}{
		{"email escapes html", models.ChannelEmail, "Hi Anna &lt;3, Dune premieres 2024-03-05"},
		{"sms stays plain", models.ChannelSMS, "Hi Anna <3, Dune premieres 2024-03-05"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, s, hist, ack := newFakeStore(), &MockSender{}, &fakeHistory{}, &fakeAcknowledger{}
			h := newTestHandler(t, tt.channel, store, s, hist, nil)

			h.HandleDelivery(context.Background(), newDelivery(t, ack, createTestJob(tt.channel), nil))

			require.Len(t, s.sent, 1)
			assert.Equal(t, "Hello Anna <3", s.sent[0].subject)
			assert.Equal(t, tt.wantBody, s.sent[0].body)
			assert.Equal(t, "anna@example.com", s.sent[0].recipient.Email)

			assert.Equal(t, []string{"n-1"}, store.sent)
			assert.Equal(t, []settlement{{acked: true}}, ack.calls)

			require.Len(t, hist.records, 1)
			assert.Equal(t, history.OutcomeSent, hist.records[0].Outcome)
			assert.Equal(t, 1, hist.records[0].Attempt)
			assert.Equal(t, tt.channel, hist.records[0].Channel)
		})
	}
}

func TestHandler_MissingRecipientStillSends(t *testing.T) {
	store, s, ack := newFakeStore(), &MockSender{}, &fakeAcknowledger{}
	log, logs := logger.NewObserved(zapcore.WarnLevel)
	h := newTestHandler(t, models.ChannelPush, store, s, nil, log)

	job := createTestJob(models.ChannelPush)
	job.UserID = "u-404"
	job.Subject = "New movie"
	job.Body = "{{ extra.title }} for {{ user.name }}!"
	h.HandleDelivery(context.Background(), newDelivery(t, ack, job, nil))

	require.Len(t, s.sent, 1)
	assert.Equal(t, models.Recipient{ID: "u-404"}, s.sent[0].recipient)
	assert.Equal(t, "Dune for !", s.sent[0].body)
	assert.Equal(t, []settlement{{acked: true}}, ack.calls)
	assert.Equal(t, 1, logs.FilterMessage("recipient not found, sending with empty address fields").Len())
}

func TestHandler_HistoryFailureDoesNotAffectAck(t *testing.T) {
	store, s, ack := newFakeStore(), &MockSender{}, &fakeAcknowledger{}
	h := newTestHandler(t, models.ChannelEmail, store, s, &fakeHistory{err: errors.New("es down")}, nil)

	h.HandleDelivery(context.Background(), newDelivery(t, ack, createTestJob(models.ChannelEmail), nil))
	assert.Equal(t, []settlement{{acked: true}}, ack.calls)
}

// ==========================
// Failure Paths
// ==========================

func TestHandler_SendFailures(t *testing.T) {
	retryable := apperrors.NewSendFailedError("email", errors.New("throttled"))
	permanent := apperrors.NewSendFailedError("email", errors.New("rejected"))
	permanent.Retryable = false

	tests := []struct {
		name        string
		sendErr     error
		headers     amqp.Table
		wantRequeue bool
		wantOutcome string
	}{
		{"retryable first attempt", retryable, nil, true, history.OutcomeRetried},
		{"retryable budget exhausted", retryable, amqp.Table{"x-delivery-count": int64(2)}, false, history.OutcomeDeadLetter},
		{"permanent", permanent, nil, false, history.OutcomeDeadLetter},
		{"unclassified", errors.New("boom"), nil, false, history.OutcomeDeadLetter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, ack, hist := newFakeStore(), &fakeAcknowledger{}, &fakeHistory{}
			s := &MockSender{SendFunc: func(context.Context, models.Recipient, string, string) error { return tt.sendErr }}
			h := newTestHandler(t, models.ChannelEmail, store, s, hist, nil)

			h.HandleDelivery(context.Background(), newDelivery(t, ack, createTestJob(models.ChannelEmail), tt.headers))

			assert.Empty(t, store.sent)
			assert.NotEmpty(t, store.failed["n-1"])
			assert.Equal(t, []settlement{{nacked: true, requeue: tt.wantRequeue}}, ack.calls)
			require.Len(t, hist.records, 1)
			assert.Equal(t, tt.wantOutcome, hist.records[0].Outcome)
			assert.NotEmpty(t, hist.records[0].Error)
		})
	}
}

func TestHandler_RenderFailureDeadLetters(t *testing.T) {
	store, s, ack := newFakeStore(), &MockSender{}, &fakeAcknowledger{}
	h := newTestHandler(t, models.ChannelSMS, store, s, nil, nil)

	job := createTestJob(models.ChannelSMS)
	job.Body = "Starts at {{ extra.showtime }}"
	h.HandleDelivery(context.Background(), newDelivery(t, ack, job, nil))

	assert.Empty(t, s.sent)
	assert.Contains(t, store.failed["n-1"], string(apperrors.ErrCodeRenderFailed))
	assert.Equal(t, []settlement{{nacked: true, requeue: false}}, ack.calls)
}

func TestHandler_MalformedJob(t *testing.T) {
	for name, body := range map[string][]byte{
		"not json":        []byte("{oops"),
		"missing id":      []byte(`{"user_id":"u-1"}`),
		"wrong data type": []byte(`{"notification_id":"n-1","data":"x"}`),
	} {
		t.Run(name, func(t *testing.T) {
			store, s, ack := newFakeStore(), &MockSender{}, &fakeAcknowledger{}
			h := newTestHandler(t, models.ChannelPush, store, s, nil, nil)
			before := testutil.ToFloat64(metrics.DeliveriesTotal.WithLabelValues("push", metrics.StatusDeadLetter))

			h.HandleDelivery(context.Background(), newDelivery(t, ack, body, nil))

			assert.Empty(t, s.sent)
			assert.Empty(t, store.sent)
			assert.Empty(t, store.failed)
			assert.Equal(t, []settlement{{nacked: true, requeue: false}}, ack.calls)
			assert.Equal(t, before+1, testutil.ToFloat64(metrics.DeliveriesTotal.WithLabelValues("push", metrics.StatusDeadLetter)))
		})
	}
}

func TestHandler_MarkSentFailureRequeues(t *testing.T) {
	store, s, ack := newFakeStore(), &MockSender{}, &fakeAcknowledger{}
	store.markErr = apperrors.NewDatabaseError("mark sent", errors.New("connection reset"))
	h := newTestHandler(t, models.ChannelEmail, store, s, nil, nil)

	h.HandleDelivery(context.Background(), newDelivery(t, ack, createTestJob(models.ChannelEmail), nil))

	assert.Len(t, s.sent, 1)
	assert.Equal(t, []settlement{{nacked: true, requeue: true}}, ack.calls)
}

func TestHandler_RecipientLookupErrorIsRetried(t *testing.T) {
	store, s, ack := newFakeStore(), &MockSender{}, &fakeAcknowledger{}
	store.recipErr = apperrors.NewDatabaseError("get recipient", errors.New("timeout"))
	h := newTestHandler(t, models.ChannelEmail, store, s, nil, nil)

	h.HandleDelivery(context.Background(), newDelivery(t, ack, createTestJob(models.ChannelEmail), nil))

	assert.Empty(t, s.sent)
	assert.Equal(t, []settlement{{nacked: true, requeue: true}}, ack.calls)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig(&config.Config{}, models.ChannelSMS)
	assert.Equal(t, models.ChannelSMS, cfg.Channel)
	assert.Equal(t, 5, cfg.MaxRedeliveries)
	assert.Equal(t, 1, cfg.Burst)
	assert.Equal(t, 10*time.Second, cfg.SendTimeout)
}
