// Package aws builds the SES and SNS clients used by the channel senders.
package aws

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"notification-pipeline/internal/common/config"
)

// SESAPI is the subset of the SES client used for email delivery.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SNSAPI is the subset of the SNS client used for SMS and push delivery.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Clients groups the transports enabled in configuration. Disabled
// transports are nil.
type Clients struct {
	SES SESAPI
	SNS SNSAPI
}

// NewClients loads the default credential chain once and builds a client
// for every enabled transport.
func NewClients(ctx context.Context, cfg config.AWSConfig) (*Clients, error) {
	clients := &Clients{}
	if !cfg.SES.Enabled && !cfg.SNS.Enabled {
		return clients, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	if cfg.SES.Enabled {
		clients.SES = ses.NewFromConfig(awsCfg)
	}
	if cfg.SNS.Enabled {
		clients.SNS = sns.NewFromConfig(awsCfg)
	}
	return clients, nil
}
