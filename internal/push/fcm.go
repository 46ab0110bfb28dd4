package push

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// fcmMessageTTL bounds how long FCM may buffer an undelivered message.
// An incoming-call push older than a minute is useless to the receiver.
const fcmMessageTTL = 60 * time.Second

// FCMSender delivers data-only push messages via Firebase Cloud Messaging.
type FCMSender struct {
	client *messaging.Client
}

// NewFCMSender initialises a Firebase app from the service-account JSON
// file at credentialsFile and returns a ready-to-use FCMSender.
// If credentialsFile is empty, the SDK falls back to
// GOOGLE_APPLICATION_CREDENTIALS or the default service account.
func NewFCMSender(ctx context.Context, credentialsFile string) (*FCMSender, error) {
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

	slog.Info("fcm sender initialised")
	return &FCMSender{client: client}, nil
}

// SendData delivers a high-priority data-only message to the given FCM
// registration token. No notification payload is attached: the receiving
// app renders its own incoming-call UI from the data map.
func (f *FCMSender) SendData(ctx context.Context, deviceToken string, kind Kind, payload CallPayload) Result {
	ttl := fcmMessageTTL
	msg := &messaging.Message{
		Token: deviceToken,
		Data:  payload.dataMap(kind),
		Android: &messaging.AndroidConfig{
			Priority:     "high",
			TTL:          &ttl,
			DirectBootOK: true,
		},
	}

	id, err := f.client.Send(ctx, msg)
	if err != nil {
		switch {
		case messaging.IsUnregistered(err):
			slog.Warn("fcm token unregistered", "call_id", payload.CallID)
			return Result{
				Platform:    PlatformAndroid,
				ErrorKind:   ErrKindUnregistered,
				ErrorDetail: "Token unregistered",
			}
		case messaging.IsSenderIDMismatch(err):
			slog.Error("fcm sender id mismatch", "call_id", payload.CallID)
			return Result{
				Platform:    PlatformAndroid,
				ErrorKind:   ErrKindSenderIDMismatch,
				ErrorDetail: "Sender ID mismatch",
			}
		default:
			slog.Error("fcm send failed", "call_id", payload.CallID, "error", err)
			return Result{
				Platform:    PlatformAndroid,
				ErrorKind:   ErrKindException,
				ErrorDetail: err.Error(),
			}
		}
	}

	slog.Debug("fcm message sent", "message_id", id, "call_id", payload.CallID)
	return Result{Success: true, Platform: PlatformAndroid, MessageID: id}
}
