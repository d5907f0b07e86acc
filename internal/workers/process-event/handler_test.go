package processevent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"notification-pipeline/internal/common/config"
	apperrors "notification-pipeline/internal/common/errors"
	"notification-pipeline/internal/common/logger"
	"notification-pipeline/internal/models"
	"notification-pipeline/internal/orchestrator"
)

type MockProcessor struct {
	mock.Mock
}

func (m *MockProcessor) ProcessEvent(ctx context.Context, ev orchestrator.Event) ([]*models.Notification, error) {
	args := m.Called(ctx, ev)
	created, _ := args.Get(0).([]*models.Notification)
	return created, args.Error(1)
}

func createTestHandler(t *testing.T, p EventProcessor) *Handler {
	return NewHandler(LoadConfig(&config.Config{}), p, nil, logger.NewTestLogger(t))
}

func TestHandler_Execute_Success(t *testing.T) {
	p := &MockProcessor{}
	ev := orchestrator.Event{Type: "new_movie", Data: map[string]interface{}{"title": "Dune"}}
	p.On("ProcessEvent", mock.Anything, ev).
		Return([]*models.Notification{{ID: "n-1"}, {ID: "n-2"}}, nil).Once()

	out, err := createTestHandler(t, p).Execute(context.Background(), &Input{
		EventType: "new_movie",
		Data:      map[string]interface{}{"title": "Dune"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"n-1", "n-2"}, out.NotificationIDs)
	assert.Equal(t, 2, out.Count)
	p.AssertExpectations(t)
}

func TestHandler_Execute_NoRecipients(t *testing.T) {
	p := &MockProcessor{}
	p.On("ProcessEvent", mock.Anything, mock.Anything).Return([]*models.Notification{}, nil)

	out, err := createTestHandler(t, p).Execute(context.Background(), &Input{EventType: "new_movie"})
	require.NoError(t, err)
	assert.Equal(t, []string{}, out.NotificationIDs)
	assert.Zero(t, out.Count)
}

func TestHandler_Execute_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input *Input
		err   error
		code  apperrors.ErrorCode
	}{
		{"missing event type", &Input{UserID: "u-1"}, nil, apperrors.ErrCodeValidation},
		{"unknown event", &Input{EventType: "order_shipped"}, apperrors.NewUnknownEventError("order_shipped"), apperrors.ErrCodeUnknownEvent},
		{"template missing", &Input{EventType: "user_registered", UserID: "u-1"}, apperrors.NewResourceNotFoundError("Template", "welcome"), apperrors.ErrCodeResourceNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &MockProcessor{}
			if tt.err != nil {
				p.On("ProcessEvent", mock.Anything, mock.Anything).Return(nil, tt.err).Once()
			}

			_, err := createTestHandler(t, p).Execute(context.Background(), tt.input)
			assert.True(t, apperrors.HasCode(err, tt.code), "%v", err)
			p.AssertExpectations(t)
		})
	}
}

func TestBPMNMapping(t *testing.T) {
	unknown := apperrors.ConvertToBPMNError(apperrors.NewUnknownEventError("x"))
	assert.Equal(t, "UNKNOWN_EVENT", unknown.Code)
	assert.Zero(t, unknown.Retries)

	dbErr := apperrors.ConvertToBPMNError(apperrors.AsStandard(apperrors.NewDatabaseError("create notification", assert.AnError)))
	assert.Equal(t, 3, dbErr.Retries)
}

func TestLoadConfig(t *testing.T) {
	cfg := LoadConfig(&config.Config{Camunda: config.CamundaConfig{MaxJobsActive: 2, Timeout: 1500}})
	assert.Equal(t, 2, cfg.MaxJobsActive)
	assert.Equal(t, "1.5s", cfg.Timeout.String())
}
