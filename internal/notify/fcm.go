package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// messageTTL is how long FCM keeps an undelivered caretaker alert.
const messageTTL = 24 * time.Hour

// FCMSender delivers caretaker alerts through Firebase Cloud Messaging.
type FCMSender struct {
	client *messaging.Client
	logger *slog.Logger
}

// NewFCMSender initialises a Firebase app from the service-account JSON
// file at credentialsFile. If credentialsFile is empty the SDK falls back
// to GOOGLE_APPLICATION_CREDENTIALS or the default service account.
func NewFCMSender(ctx context.Context, credentialsFile string, logger *slog.Logger) (*FCMSender, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining messaging client: %w", err)
	}

	logger = logger.With("subsystem", "fcm")
	logger.Info("fcm sender initialised")
	return &FCMSender{client: client, logger: logger}, nil
}

// Send delivers alert to one registration token as a data message.
func (f *FCMSender) Send(ctx context.Context, token string, alert Alert) error {
	ttl := messageTTL
	msg := &messaging.Message{
		Token: token,
		Data:  alert.data(),
		Android: &messaging.AndroidConfig{
			Priority:    "high",
			TTL:         &ttl,
			CollapseKey: alert.Type,
		},
	}

	id, err := f.client.Send(ctx, msg)
	if err != nil {
		if messaging.IsUnregistered(err) {
			return fmt.Errorf("fcm: token no longer valid: %w", err)
		}
		return fmt.Errorf("fcm: send failed: %w", err)
	}

	f.logger.Debug("fcm message sent", "message_id", id, "type", alert.Type)
	return nil
}
