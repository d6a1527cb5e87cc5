// Package notifications publishes operational alerts, primarily around
// the upstream session lifecycle. With no topic configured, alerts fall
// back to structured logs.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type AlertType string

const (
	AlertSessionExpired AlertType = "session_expired"
	AlertRefreshFailed  AlertType = "cookie_refresh_failed"
	AlertRefreshOK      AlertType = "cookie_refresh_succeeded"
)

type Alert struct {
	Type    AlertType         `json:"type"`
	Message string            `json:"message"`
	Data    map[string]string `json:"data,omitempty"`
}

type Notifier interface {
	Send(ctx context.Context, alert Alert) error
}

// SNSNotifier publishes alerts to an SNS topic.
type SNSNotifier struct {
	client   *sns.Client
	topicArn string
}

func NewSNSNotifier(ctx context.Context, region, topicArn string) (*SNSNotifier, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}, nil
}

func NewSNSNotifierWithConfig(cfg aws.Config, topicArn string) *SNSNotifier {
	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}
}

func (n *SNSNotifier) Send(ctx context.Context, alert Alert) error {
	message, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	_, err = n.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Subject:  aws.String("webai-gateway: " + string(alert.Type)),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"alert_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(alert.Type)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}

	slog.Debug("alert published", "type", alert.Type)
	return nil
}

// LogNotifier is the fallback when no SNS topic is configured.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	slog.Warn("alert", "type", alert.Type, "message", alert.Message, "data", alert.Data)
	return nil
}
