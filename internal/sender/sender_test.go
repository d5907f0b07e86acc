package sender

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	awsclients "notification-pipeline/internal/common/aws"
	"notification-pipeline/internal/common/config"
	apperrors "notification-pipeline/internal/common/errors"
	"notification-pipeline/internal/models"
)

// ==========================
// Mock Implementations
// ==========================

type MockSESService struct {
	SendEmailFunc func(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

func (m *MockSESService) SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	return m.SendEmailFunc(ctx, params, optFns...)
}

type MockSNSService struct {
	PublishFunc func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

func (m *MockSNSService) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	return m.PublishFunc(ctx, params, optFns...)
}

var anna = models.Recipient{ID: "u-1", Name: "Anna", Email: "anna@example.com", Phone: "+15551234567"}

// ==========================
// Email
// ==========================

func TestEmailSender_Send(t *testing.T) {
	called := false
	mockSES := &MockSESService{
		SendEmailFunc: func(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
			called = true
			assert.Equal(t, []string{"anna@example.com"}, params.Destination.ToAddresses)
			assert.Equal(t, "noreply@example.com", *params.Source)
			assert.Equal(t, "Welcome", *params.Message.Subject.Data)
			assert.Equal(t, "<p>Hi Anna</p>", *params.Message.Body.Html.Data)
			assert.Equal(t, "Hi Anna", *params.Message.Body.Text.Data)
			return &ses.SendEmailOutput{}, nil
		},
	}

	err := NewEmailSender(mockSES, "noreply@example.com").Send(context.Background(), anna, "Welcome", "<p>Hi Anna</p>")
	require.NoError(t, err)
	assert.True(t, called)
}

func TestEmailSender_TextPartIsUnescaped(t *testing.T) {
	var text string
	mockSES := &MockSESService{
		SendEmailFunc: func(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
			text = *params.Message.Body.Text.Data
			return &ses.SendEmailOutput{}, nil
		},
	}

	body := "<style>p { color: red; }</style>" +
		"<p>Tom &amp; Jerry&#39;s &lt;premiere&gt;</p>\n\n" +
		"<p>Starts at 9<br/>Bring &quot;snacks&quot;</p>"

	require.NoError(t, NewEmailSender(mockSES, "noreply@example.com").Send(context.Background(), anna, "New movie", body))
	assert.Equal(t, "Tom & Jerry's <premiere>\n\nStarts at 9\nBring \"snacks\"", text)
}

func TestTextPart(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text", "just words", "just words"},
		{"entities", "a &lt; b &amp;&amp; c", "a < b && c"},
		{"list", "<ul><li>one</li><li>two</li></ul>", "one\ntwo"},
		{"script dropped", "hi<script>alert(1)</script> there", "hi there"},
		{"blank lines collapse", "<div>a</div>\n\n\n<div>b</div>", "a\n\nb"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, textPart(tt.in))
		})
	}
}

func TestEmailSender_InvalidAddress(t *testing.T) {
	mockSES := &MockSESService{
		SendEmailFunc: func(context.Context, *ses.SendEmailInput, ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
			t.Fatal("SES must not be called without an address")
			return nil, nil
		},
	}

	err := NewEmailSender(mockSES, "noreply@example.com").Send(context.Background(), models.Recipient{ID: "u-9"}, "s", "b")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSendFailed))
	assert.False(t, apperrors.IsRetryable(err))
}

func TestEmailSender_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"throttled", &smithy.GenericAPIError{Code: "Throttling", Message: "rate exceeded"}, true},
		{"network", errors.New("dial tcp: connection reset"), true},
		{"rejected", &smithy.GenericAPIError{Code: "MessageRejected", Message: "address blacklisted"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockSES := &MockSESService{
				SendEmailFunc: func(context.Context, *ses.SendEmailInput, ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
					return nil, tt.err
				},
			}

			err := NewEmailSender(mockSES, "noreply@example.com").Send(context.Background(), anna, "s", "b")
			assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSendFailed))
			assert.Equal(t, tt.retryable, apperrors.IsRetryable(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

// ==========================
// SMS
// ==========================

func TestSMSSender_Send(t *testing.T) {
	mockSNS := &MockSNSService{
		PublishFunc: func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
			assert.Equal(t, "+15551234567", *params.PhoneNumber)
			assert.Equal(t, "Your code is 1234", *params.Message)
			assert.Nil(t, params.TopicArn)
			assert.Equal(t, "FLIX", *params.MessageAttributes["AWS.SNS.SMS.SenderID"].StringValue)
			return &sns.PublishOutput{}, nil
		},
	}

	err := NewSMSSender(mockSNS, "FLIX").Send(context.Background(), anna, "ignored", "Your code is 1234")
	require.NoError(t, err)
}

func TestSMSSender_InvalidPhone(t *testing.T) {
	for _, phone := range []string{"", "5551234567", "+0123456789", "+1 555 123"} {
		t.Run(phone, func(t *testing.T) {
			mockSNS := &MockSNSService{
				PublishFunc: func(context.Context, *sns.PublishInput, ...func(*sns.Options)) (*sns.PublishOutput, error) {
					t.Fatal("SNS must not be called with an invalid phone number")
					return nil, nil
				},
			}
			r := anna
			r.Phone = phone

			err := NewSMSSender(mockSNS, "").Send(context.Background(), r, "", "body")
			assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSendFailed))
			assert.False(t, apperrors.IsRetryable(err))
		})
	}
}

// ==========================
// Push
// ==========================

func TestPushSender_Send(t *testing.T) {
	mockSNS := &MockSNSService{
		PublishFunc: func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
			assert.Equal(t, "arn:aws:sns:us-east-1:123456789012:push", *params.TopicArn)
			assert.Nil(t, params.PhoneNumber)
			assert.Equal(t, "New movie", *params.Subject)
			assert.Equal(t, "u-1", *params.MessageAttributes["recipient_id"].StringValue)
			return &sns.PublishOutput{}, nil
		},
	}

	err := NewPushSender(mockSNS, "arn:aws:sns:us-east-1:123456789012:push").
		Send(context.Background(), anna, "New movie", "Dune is out")
	require.NoError(t, err)
}

func TestPushSender_TransportError(t *testing.T) {
	mockSNS := &MockSNSService{
		PublishFunc: func(context.Context, *sns.PublishInput, ...func(*sns.Options)) (*sns.PublishOutput, error) {
			return nil, errors.New("service unavailable")
		},
	}

	err := NewPushSender(mockSNS, "arn").Send(context.Background(), anna, "", "b")
	assert.True(t, apperrors.IsRetryable(err))
}

// ==========================
// Registry
// ==========================

func TestNewRegistry(t *testing.T) {
	clients := &awsclients.Clients{SES: &MockSESService{}, SNS: &MockSNSService{}}

	full := NewRegistry(clients, config.AWSConfig{SNS: config.SNSConfig{PushTopicARN: "arn"}})
	for _, ct := range []models.ChannelType{models.ChannelEmail, models.ChannelSMS, models.ChannelPush} {
		_, err := full.For(ct)
		assert.NoError(t, err, ct)
	}
	_, err := full.For(models.ChannelInstant)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))

	noPush := NewRegistry(clients, config.AWSConfig{})
	_, err = noPush.For(models.ChannelPush)
	assert.Error(t, err)

	empty := NewRegistry(&awsclients.Clients{}, config.AWSConfig{})
	assert.Empty(t, empty)
}
