package push

import (
	"context"
	"fmt"
)

// Kind identifies the push notification type sent to the receiver's device.
type Kind string

const (
	KindIncomingCall  Kind = "incoming_call"
	KindCallCancelled Kind = "call_cancelled"
)

// Supported device platforms.
const (
	PlatformIOS     = "ios"
	PlatformAndroid = "android"
)

// Well-known error kinds surfaced in Result.ErrorKind. APNs failures use
// the HTTP status code as the kind instead.
const (
	ErrKindMissingToken        = "missing_token"
	ErrKindNotConfigured       = "not_configured"
	ErrKindUnsupportedPlatform = "unsupported_platform"
	ErrKindTimeout             = "timeout"
	ErrKindException           = "exception"
	ErrKindUnregistered        = "UNREGISTERED"
	ErrKindSenderIDMismatch    = "SENDER_ID_MISMATCH"
)

// Result is the outcome of a single push delivery attempt. It is never
// persisted directly; callers fold it into the call record and response.
type Result struct {
	Success     bool
	Platform    string
	MessageID   string
	ErrorKind   string
	ErrorDetail string
}

// DeviceTokens holds the receiver's registered push tokens. Which token is
// required depends on the platform: voipToken for iOS, fcmToken for Android.
type DeviceTokens struct {
	Platform  string
	FCMToken  string
	VoIPToken string
}

// CallPayload is the call context delivered inside a push notification.
// Key names in the serialized payload are the wire contract with the apps.
type CallPayload struct {
	CallID      string
	ChannelName string
	CallerName  string
	CallerID    string
	GroupID     string
	ReceiverID  string
}

// dataMap flattens the payload into the string map sent to the device.
func (p CallPayload) dataMap(kind Kind) map[string]string {
	data := map[string]string{
		"type":        string(kind),
		"callId":      p.CallID,
		"channelName": p.ChannelName,
	}
	if kind == KindIncomingCall {
		data["callerName"] = p.CallerName
		data["callerId"] = p.CallerID
		data["groupId"] = p.GroupID
		data["receiverId"] = p.ReceiverID
	}
	return data
}

// Dispatcher routes a push to the sender for the receiver's platform.
// Either sender may be nil when that platform is not configured.
type Dispatcher struct {
	apns *APNsSender
	fcm  *FCMSender
}

// NewDispatcher creates a dispatcher over the configured platform senders.
func NewDispatcher(apns *APNsSender, fcm *FCMSender) *Dispatcher {
	return &Dispatcher{apns: apns, fcm: fcm}
}

// Send selects the platform strategy and delivers the push. It never
// returns an error: every failure mode is folded into the Result so the
// caller's state transition is not coupled to delivery.
func (d *Dispatcher) Send(ctx context.Context, kind Kind, tokens DeviceTokens, payload CallPayload) Result {
	switch tokens.Platform {
	case PlatformIOS:
		if tokens.VoIPToken == "" {
			return missingToken(PlatformIOS, "voipToken")
		}
		if d.apns == nil {
			return notConfigured(PlatformIOS, "APNs")
		}
		return d.apns.SendVoIP(ctx, tokens.VoIPToken, kind, payload)

	case PlatformAndroid:
		if tokens.FCMToken == "" {
			return missingToken(PlatformAndroid, "fcmToken")
		}
		if d.fcm == nil {
			return notConfigured(PlatformAndroid, "FCM")
		}
		return d.fcm.SendData(ctx, tokens.FCMToken, kind, payload)

	default:
		return Result{
			Platform:    tokens.Platform,
			ErrorKind:   ErrKindUnsupportedPlatform,
			ErrorDetail: fmt.Sprintf("unknown platform %q", tokens.Platform),
		}
	}
}

func missingToken(platform, field string) Result {
	return Result{
		Platform:    platform,
		ErrorKind:   ErrKindMissingToken,
		ErrorDetail: fmt.Sprintf("missing %s for %s", field, platform),
	}
}

func notConfigured(platform, service string) Result {
	return Result{
		Platform:    platform,
		ErrorKind:   ErrKindNotConfigured,
		ErrorDetail: service + " not configured",
	}
}
