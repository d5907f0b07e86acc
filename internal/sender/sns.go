package sender

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	awsclients "notification-pipeline/internal/common/aws"
	"notification-pipeline/internal/common/validation"
	"notification-pipeline/internal/models"
)

// SMSSender publishes directly to the recipient's phone number. Subjects
// are not part of an SMS.
type SMSSender struct {
	client   awsclients.SNSAPI
	senderID string
}

var _ Sender = (*SMSSender)(nil)

func NewSMSSender(client awsclients.SNSAPI, senderID string) *SMSSender {
	return &SMSSender{client: client, senderID: senderID}
}

func (s *SMSSender) Send(ctx context.Context, recipient models.Recipient, _, body string) error {
	if !validation.ValidatePhone(recipient.Phone) {
		return undeliverable(models.ChannelSMS, fmt.Sprintf("recipient %s has no valid E.164 phone number", recipient.ID))
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(recipient.Phone),
		Message:     aws.String(body),
	}
	if s.senderID != "" {
		input.MessageAttributes = map[string]types.MessageAttributeValue{
			"AWS.SNS.SMS.SenderID": {DataType: aws.String("String"), StringValue: aws.String(s.senderID)},
		}
	}
	if _, err := s.client.Publish(ctx, input); err != nil {
		return sendError(models.ChannelSMS, err)
	}
	return nil
}

// PushSender publishes to a fan-out topic; subscribers filter on the
// recipient_id attribute.
type PushSender struct {
	client   awsclients.SNSAPI
	topicARN string
}

var _ Sender = (*PushSender)(nil)

func NewPushSender(client awsclients.SNSAPI, topicARN string) *PushSender {
	return &PushSender{client: client, topicARN: topicARN}
}

func (s *PushSender) Send(ctx context.Context, recipient models.Recipient, subject, body string) error {
	if recipient.ID == "" {
		return undeliverable(models.ChannelPush, "recipient id is empty")
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Message:  aws.String(body),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"recipient_id": {DataType: aws.String("String"), StringValue: aws.String(recipient.ID)},
		},
	}
	if subject != "" {
		input.Subject = aws.String(subject)
	}
	if _, err := s.client.Publish(ctx, input); err != nil {
		return sendError(models.ChannelPush, err)
	}
	return nil
}
