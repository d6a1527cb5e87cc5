// Package queue publishes per-request usage events for out-of-process
// reporting. The gateway keeps no usage database; interested consumers
// read the queue instead.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/elvis3770/webai-gateway/internal/domain"
)

type UsagePublisher interface {
	Publish(ctx context.Context, event domain.UsageEvent) error
}

// SQSPublisher sends usage events to an SQS queue.
type SQSPublisher struct {
	client   *sqs.Client
	queueURL string
}

func NewSQSPublisher(ctx context.Context, region, queueURL string) (*SQSPublisher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SQSPublisher{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}, nil
}

func NewSQSPublisherWithConfig(cfg aws.Config, queueURL string) *SQSPublisher {
	return &SQSPublisher{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

func (p *SQSPublisher) Publish(ctx context.Context, event domain.UsageEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal usage event: %w", err)
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"endpoint": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.Endpoint),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("send usage event: %w", err)
	}

	return nil
}

// NopPublisher drops events; used when no queue is configured.
type NopPublisher struct{}

func NewNopPublisher() *NopPublisher {
	return &NopPublisher{}
}

func (p *NopPublisher) Publish(ctx context.Context, event domain.UsageEvent) error {
	slog.Debug("usage event dropped, no queue configured",
		"request_id", event.RequestID, "model", event.Model)
	return nil
}
