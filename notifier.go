package s3ui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/google/uuid"
	"github.com/jhurlocker/s3ui/pkg/bucketevent"
)

// defaultNotifyTimeout bounds a single webhook delivery attempt.
const defaultNotifyTimeout = 10 * time.Second

// NotifierOption contains configuration for change event delivery.
//
// Supported notifier types:
//   - "webhook": HTTP POST to the per-bucket webhook URL (default)
//   - "file": appends events to a local NDJSON file (suitable for development)
//   - "eventbridge": sends events to an Amazon EventBridge bus
type NotifierOption struct {
	Type      string        `help:"notifier type" default:"webhook" enum:"webhook,file,eventbridge" env:"S3UI_NOTIFIER_TYPE"`
	Timeout   time.Duration `help:"webhook delivery timeout" default:"10s" env:"S3UI_NOTIFIER_TIMEOUT"`
	EventBus  string        `help:"event bus name (eventbridge type only)" default:"default" env:"S3UI_EVENTBRIDGE_EVENT_BUS"`
	EventFile string        `help:"event file path (file type only)" default:"s3ui_events.json" env:"S3UI_EVENT_FILE"`
}

// Notifier delivers one change event to one destination. A Notifier performs
// exactly one attempt and never retries; retry policy belongs to the caller.
type Notifier interface {
	Notify(ctx context.Context, webhookURL string, event *bucketevent.Event) error
}

// NewNotifier creates a Notifier implementation based on the option type.
func NewNotifier(ctx context.Context, opt NotifierOption) (Notifier, error) {
	switch opt.Type {
	case "webhook":
		return NewWebhookNotifier(opt), nil
	case "file":
		return NewFileNotifier(opt), nil
	case "eventbridge":
		return NewEventBridgeNotifier(ctx, opt)
	}
	return nil, errors.New("unknown notifier type")
}

// DeliveryFailure reports a webhook response outside the 2xx range.
type DeliveryFailure struct {
	URL        string
	StatusCode int
}

func (err *DeliveryFailure) Error() string {
	return fmt.Sprintf("webhook %s responded %d", err.URL, err.StatusCode)
}

// WebhookNotifier implements Notifier with a single bounded HTTP POST.
type WebhookNotifier struct {
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier with the configured timeout.
func NewWebhookNotifier(opt NotifierOption) *WebhookNotifier {
	timeout := opt.Timeout
	if timeout <= 0 {
		timeout = defaultNotifyTimeout
	}
	return &WebhookNotifier{
		client: &http.Client{Timeout: timeout},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, webhookURL string, event *bucketevent.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request for %s: %w", webhookURL, err)
	}
	deliveryID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-S3UI-Delivery", deliveryID)
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to %s: %w", webhookURL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DeliveryFailure{URL: webhookURL, StatusCode: resp.StatusCode}
	}
	slog.InfoContext(ctx, "sent notification",
		"event_type", event.EventType,
		"bucket", event.Bucket,
		"object_key", event.ObjectKey,
		"webhook_url", webhookURL,
		"delivery_id", deliveryID,
	)
	return nil
}

// FileNotifier implements Notifier by appending events to a local file as
// newline-delimited JSON. The webhook URL is recorded alongside the event so
// routing decisions stay visible during development.
type FileNotifier struct {
	eventFile string
}

// NewFileNotifier creates a file-based notifier.
func NewFileNotifier(opt NotifierOption) *FileNotifier {
	return &FileNotifier{eventFile: opt.EventFile}
}

func (n *FileNotifier) Notify(ctx context.Context, webhookURL string, event *bucketevent.Event) error {
	fp, err := os.OpenFile(n.eventFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("open event file %s: %w", n.eventFile, err)
	}
	defer fp.Close()
	record := struct {
		*bucketevent.Event
		WebhookURL string `json:"webhook_url"`
	}{Event: event, WebhookURL: webhookURL}
	if err := json.NewEncoder(fp).Encode(record); err != nil {
		return fmt.Errorf("write event file %s: %w", n.eventFile, err)
	}
	slog.DebugContext(ctx, "wrote notification", "event_file", n.eventFile, "event", event.String())
	return nil
}

// EventBridge detail-type values.
const (
	DetailTypeObjectCreated = "Object Created"
	DetailTypeObjectDeleted = "Object Deleted"
)

// EventBridgeClient is the interface for Amazon EventBridge operations.
// This is satisfied by *eventbridge.Client.
type EventBridgeClient interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridgeNotifier implements Notifier using Amazon EventBridge. Per-bucket
// webhook URLs are ignored by this sink; events land on the configured bus
// with source "oss.s3ui/<bucket>".
type EventBridgeNotifier struct {
	client   EventBridgeClient
	eventBus string
}

// NewEventBridgeNotifier creates an EventBridge-based notifier.
func NewEventBridgeNotifier(ctx context.Context, opt NotifierOption) (*EventBridgeNotifier, error) {
	awsCfg, err := loadAWSConfig(ctx)
	if err != nil {
		return nil, err
	}
	return &EventBridgeNotifier{
		client:   eventbridge.NewFromConfig(awsCfg),
		eventBus: opt.EventBus,
	}, nil
}

func (n *EventBridgeNotifier) Notify(ctx context.Context, _ string, event *bucketevent.Event) error {
	detail, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	detailType := DetailTypeObjectCreated
	if event.EventType == bucketevent.EventTypeObjectDeleted {
		detailType = DetailTypeObjectDeleted
	}
	entry := types.PutEventsRequestEntry{
		EventBusName: aws.String(n.eventBus),
		Source:       aws.String(fmt.Sprintf("oss.s3ui/%s", event.Bucket)),
		DetailType:   aws.String(detailType),
		Time:         aws.Time(event.Time.Time),
		Detail:       aws.String(string(detail)),
		Resources:    []string{},
	}
	output, err := n.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []types.PutEventsRequestEntry{entry},
	})
	if err != nil {
		return fmt.Errorf("put events: %w", err)
	}
	for _, e := range output.Entries {
		if e.ErrorCode != nil {
			return fmt.Errorf("put events failed error_code=%s, error_message=%s",
				aws.ToString(e.ErrorCode), aws.ToString(e.ErrorMessage))
		}
		if e.EventId != nil {
			slog.InfoContext(ctx, "put event", "event_bus", n.eventBus, "event_id", *e.EventId)
		}
	}
	return nil
}
