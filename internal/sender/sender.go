// Package sender delivers rendered notifications over the channel
// transports: email through SES, SMS and push through SNS.
package sender

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/aws/smithy-go"

	awsclients "notification-pipeline/internal/common/aws"
	"notification-pipeline/internal/common/config"
	apperrors "notification-pipeline/internal/common/errors"
	"notification-pipeline/internal/models"
)

// Sender delivers one rendered notification to one recipient.
type Sender interface {
	Send(ctx context.Context, recipient models.Recipient, subject, body string) error
}

// Registry maps each channel to its sender. Instant notifications are
// consumed outside this process and have no entry.
type Registry map[models.ChannelType]Sender

// For returns the sender registered for ct.
func (r Registry) For(ct models.ChannelType) (Sender, error) {
	s, ok := r[ct]
	if !ok {
		return nil, apperrors.NewValidationError(fmt.Sprintf("no sender configured for channel %q", ct))
	}
	return s, nil
}

// NewRegistry builds a sender for every transport enabled in cfg.
func NewRegistry(clients *awsclients.Clients, cfg config.AWSConfig) Registry {
	r := Registry{}
	if clients.SES != nil {
		r[models.ChannelEmail] = NewEmailSender(clients.SES, cfg.SES.FromEmail)
	}
	if clients.SNS != nil {
		r[models.ChannelSMS] = NewSMSSender(clients.SNS, cfg.SNS.SMSSenderID)
		if cfg.SNS.PushTopicARN != "" {
			r[models.ChannelPush] = NewPushSender(clients.SNS, cfg.SNS.PushTopicARN)
		}
	}
	return r
}

// permanentCodes are AWS error codes that will fail the same way on retry.
var permanentCodes = map[string]bool{
	"MessageRejected":              true,
	"MailFromDomainNotVerified":    true,
	"InvalidParameter":             true,
	"InvalidParameterValue":        true,
	"EndpointDisabled":             true,
	"OptedOut":                     true,
	"AuthorizationError":           true,
	"ConfigurationSetDoesNotExist": true,
}

// sendError classifies a transport error into a SEND_FAILED error.
func sendError(channel models.ChannelType, err error) error {
	stdErr := apperrors.NewSendFailedError(channel.String(), err)
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) && permanentCodes[apiErr.ErrorCode()] {
		stdErr.Retryable = false
	}
	return stdErr
}

// undeliverable reports a recipient that cannot be reached on channel.
func undeliverable(channel models.ChannelType, reason string) error {
	stdErr := apperrors.NewSendFailedError(channel.String(), stderrors.New(reason))
	stdErr.Retryable = false
	return stdErr
}
