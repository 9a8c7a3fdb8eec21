package cloud

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/rs/zerolog/log"

	"github.com/powerpulsepro/meter-telemetry/internal/domain"
)

// SNSClient publishes critical meter events to an SNS topic.
type SNSClient struct {
	svc      *sns.Client
	topicArn string
}

func NewSNSClient(ctx context.Context, region, topicArn string) (*SNSClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return &SNSClient{
		svc:      sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}, nil
}

func (c *SNSClient) publish(ctx context.Context, subject, message string) error {
	out, err := c.svc.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(c.topicArn),
		Subject:  aws.String(subject),
		Message:  aws.String(message),
	})
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}
	log.Info().Str("message_id", aws.ToString(out.MessageId)).Msg("notification sent")
	return nil
}

// NotifyCriticalEvent publishes one critical event as it first enters the
// merged list.
func (c *SNSClient) NotifyCriticalEvent(ctx context.Context, e domain.Event) error {
	subject := fmt.Sprintf("Meter Alert: %s on %s", e.Type, e.Source)
	message := fmt.Sprintf(
		"Critical Event Detected\n\n"+
			"Device: %s\n"+
			"Type: %s\n"+
			"Detail: %s\n"+
			"Time: %s\n\n"+
			"Please investigate immediately.",
		e.Source, e.Type, e.Detail, e.Time,
	)
	return c.publish(ctx, subject, message)
}

// NotifyCriticalBatch aggregates several critical events arriving in one
// merge pass into a single notification.
func (c *SNSClient) NotifyCriticalBatch(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	if len(events) == 1 {
		return c.NotifyCriticalEvent(ctx, events[0])
	}
	subject := fmt.Sprintf("Meter Alert: %d critical events", len(events))
	var b strings.Builder
	b.WriteString("Multiple Critical Events Detected:\n\n")
	for i, e := range events {
		fmt.Fprintf(&b, "%d. [%s] %s: %s (%s)\n", i+1, e.Source, e.Type, e.Detail, e.Time)
	}
	return c.publish(ctx, subject, b.String())
}
