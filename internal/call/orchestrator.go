package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/carevoice/carevoice/internal/push"
)

// timerOpTimeout bounds the store work done by a timer-fired markMissed,
// which runs outside any request context.
const timerOpTimeout = 10 * time.Second

// ReserveOutcome is the result of a push-send reservation attempt.
type ReserveOutcome int

const (
	// ReservedNow means this caller won the reservation and must dispatch.
	ReservedNow ReserveOutcome = iota
	// AlreadyReserved means another attempt holds the reservation; the
	// caller must treat the push as handled without re-sending.
	AlreadyReserved
)

// TransitionFields are the write-once timestamps set alongside a status
// transition. Nil fields are left untouched.
type TransitionFields struct {
	AnsweredAt  *time.Time
	EndedAt     *time.Time
	DurationSec *int
}

// RecordStore is the durable call-record store consumed by the orchestrator.
// TransitionCall and ReservePushSend must be atomic read-modify-write
// operations: they are the final arbiter for races between API-driven
// transitions and timer-fired ones.
type RecordStore interface {
	// CreateCall persists a new record. The record's CallID must be unused.
	CreateCall(ctx context.Context, rec *Record) error

	// GetCall returns the record or ErrNotFound.
	GetCall(ctx context.Context, callID string) (*Record, error)

	// TransitionCall atomically moves the call from status `from` to `to`,
	// applying fields in the same write. Returns ErrNotFound if the record
	// is missing and *ConflictError (carrying the actual status) if the
	// record is not in `from`. On success it returns the updated record.
	TransitionCall(ctx context.Context, callID string, from, to Status, fields TransitionFields) (*Record, error)

	// ReservePushSend atomically claims the single push attempt for the
	// call. Returns ErrNotFound if the record is missing.
	ReservePushSend(ctx context.Context, callID string) (ReserveOutcome, error)

	// SetPushPlatform records which platform strategy delivered the push,
	// for observability only.
	SetPushPlatform(ctx context.Context, callID, platform string) error

	// MarkMissedExpired transitions every pending call created at or
	// before cutoff to missed, returning the number updated. Each update
	// is independent; partial failures are not rolled back.
	MarkMissedExpired(ctx context.Context, cutoff time.Time) (int, error)
}

// TokenDirectory resolves a user's registered device tokens.
// Returns ErrUserNotFound when the user has no directory entry; any other
// error means the directory backend was unavailable.
type TokenDirectory interface {
	GetUserTokens(ctx context.Context, userID string) (*push.DeviceTokens, error)
}

// Dispatcher delivers platform push notifications. Failures are folded
// into the Result, never returned as errors.
type Dispatcher interface {
	Send(ctx context.Context, kind push.Kind, tokens push.DeviceTokens, payload push.CallPayload) push.Result
}

// Scheduler arms and disarms per-call missed-call timers.
type Scheduler interface {
	Arm(callID string, delay time.Duration, fire func())
	Disarm(callID string)
}

// PushLogEntry records one push delivery attempt for audit and debugging.
type PushLogEntry struct {
	CallID    string
	Platform  string
	Kind      string
	MessageID string
	Success   bool
	Error     string
	Timestamp time.Time
}

// PushLogger persists push delivery attempts. May be nil-backed; logging
// failures never affect call operations.
type PushLogger interface {
	Log(entry PushLogEntry) error
}

// Orchestrator owns the call session state machine. It coordinates the
// record store, the push dispatcher and the missed-call scheduler; all
// public operations are safe to invoke concurrently.
type Orchestrator struct {
	store         RecordStore
	directory     TokenDirectory
	dispatcher    Dispatcher
	scheduler     Scheduler
	pushLog       PushLogger
	missedTimeout time.Duration

	now func() time.Time
}

// NewOrchestrator wires an orchestrator. pushLog may be nil.
func NewOrchestrator(store RecordStore, directory TokenDirectory, dispatcher Dispatcher, scheduler Scheduler, pushLog PushLogger, missedTimeout time.Duration) *Orchestrator {
	return &Orchestrator{
		store:         store,
		directory:     directory,
		dispatcher:    dispatcher,
		scheduler:     scheduler,
		pushLog:       pushLog,
		missedTimeout: missedTimeout,
		now:           time.Now,
	}
}

// InviteRequest carries the inputs for creating a call session.
type InviteRequest struct {
	GroupID              string
	CallerID             string
	ReceiverID           string
	CallerName           string
	GroupNameSnapshot    string
	ReceiverNameSnapshot string
}

// InviteResult is the caller-facing outcome of an invite. PushSent means a
// notification attempt was reserved, not that delivery succeeded; a failed
// delivery is reported in PushError alongside PushSent=true.
type InviteResult struct {
	CallID       string
	ChannelName  string
	PushSent     bool
	PushPlatform string
	PushError    string
}

// Invite creates a new pending call session, arms its missed-call timer and
// attempts to notify the receiver. Push failure never fails the invite: the
// record is already durably created and the push outcome is annotated on
// the response.
func (o *Orchestrator) Invite(ctx context.Context, req InviteRequest) (*InviteResult, error) {
	if req.GroupID == "" || req.CallerID == "" || req.ReceiverID == "" {
		return nil, NewValidationError("group_id, caller_id and receiver_id are required")
	}

	now := o.now().UTC()
	callerName := req.CallerName
	if callerName == "" {
		callerName = req.CallerID
	}

	rec := &Record{
		CallID:               uuid.NewString(),
		ChannelName:          ChannelName(req.GroupID, req.CallerID, req.ReceiverID, now),
		GroupID:              req.GroupID,
		CallerID:             req.CallerID,
		ReceiverID:           req.ReceiverID,
		GroupNameSnapshot:    req.GroupNameSnapshot,
		CallerNameSnapshot:   callerName,
		ReceiverNameSnapshot: req.ReceiverNameSnapshot,
		Status:               StatusPending,
		CreatedAt:            now,
		HumanKeywords:        []string{},
	}

	if err := o.store.CreateCall(ctx, rec); err != nil {
		return nil, &PersistenceError{Op: "create call", Err: err}
	}

	slog.Info("call invited",
		"call_id", rec.CallID,
		"channel", rec.ChannelName,
		"caller_id", rec.CallerID,
		"receiver_id", rec.ReceiverID,
	)

	o.scheduler.Arm(rec.CallID, o.missedTimeout, func() { o.missedByTimer(rec.CallID) })

	res := &InviteResult{CallID: rec.CallID, ChannelName: rec.ChannelName}
	o.notifyReceiver(ctx, rec, res)
	return res, nil
}

// notifyReceiver resolves the receiver's tokens, claims the push
// reservation and dispatches the incoming-call push, folding the outcome
// into res.
func (o *Orchestrator) notifyReceiver(ctx context.Context, rec *Record, res *InviteResult) {
	tokens, err := o.directory.GetUserTokens(ctx, rec.ReceiverID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			res.PushError = "user_not_found"
		} else {
			slog.Warn("token directory unavailable", "call_id", rec.CallID, "error", err)
			res.PushError = "directory_unavailable"
		}
		return
	}

	// Claim the single push attempt before dispatching. This is the only
	// mechanism preventing duplicate incoming-call notifications when an
	// unreliable caller retries.
	outcome, err := o.store.ReservePushSend(ctx, rec.CallID)
	if err != nil {
		slog.Warn("push reservation failed", "call_id", rec.CallID, "error", err)
		res.PushError = "push_reservation_failed"
		return
	}
	res.PushSent = true
	if outcome == AlreadyReserved {
		slog.Info("push already reserved", "call_id", rec.CallID)
		return
	}

	result := o.dispatcher.Send(ctx, push.KindIncomingCall, *tokens, o.payloadFor(rec))
	o.logPush(rec.CallID, push.KindIncomingCall, result)

	if result.Success {
		res.PushPlatform = result.Platform
		if err := o.store.SetPushPlatform(ctx, rec.CallID, result.Platform); err != nil {
			slog.Warn("failed to record push platform", "call_id", rec.CallID, "error", err)
		}
		return
	}

	slog.Warn("incoming call push failed",
		"call_id", rec.CallID,
		"platform", result.Platform,
		"error_kind", result.ErrorKind,
		"error", result.ErrorDetail,
	)
	res.PushError = result.ErrorDetail
	if res.PushError == "" {
		res.PushError = result.ErrorKind
	}
}

// AnswerAction is the receiver's response to a pending invite.
type AnswerAction string

const (
	ActionAccept  AnswerAction = "accept"
	ActionDecline AnswerAction = "decline"
)

// AnswerResult is returned by Answer.
type AnswerResult struct {
	CallID      string
	ChannelName string
	Status      Status
}

// Answer accepts or declines a pending call. Only legal from pending; any
// other state yields a ConflictError carrying the current status.
func (o *Orchestrator) Answer(ctx context.Context, callID string, action AnswerAction) (*AnswerResult, error) {
	if callID == "" {
		return nil, NewValidationError("call_id is required")
	}
	if action != ActionAccept && action != ActionDecline {
		return nil, NewValidationError("action must be accept or decline")
	}

	now := o.now().UTC()
	to := StatusAccepted
	fields := TransitionFields{AnsweredAt: &now}
	if action == ActionDecline {
		to = StatusDeclined
		fields = TransitionFields{EndedAt: &now}
	}

	rec, err := o.transition(ctx, callID, StatusPending, to, fields)
	if err != nil {
		return nil, err
	}

	o.scheduler.Disarm(callID)
	slog.Info("call answered", "call_id", callID, "action", action, "status", to)

	return &AnswerResult{CallID: callID, ChannelName: rec.ChannelName, Status: to}, nil
}

// CancelResult is returned by Cancel.
type CancelResult struct {
	CallID string
	Status Status
}

// Cancel withdraws a pending invite (caller hung up before an answer). A
// best-effort cancellation push tells the receiver's device to dismiss the
// incoming-call UI; its failure is logged, never surfaced, because the
// cancellation itself already committed.
func (o *Orchestrator) Cancel(ctx context.Context, callID string) (*CancelResult, error) {
	if callID == "" {
		return nil, NewValidationError("call_id is required")
	}

	now := o.now().UTC()
	rec, err := o.transition(ctx, callID, StatusPending, StatusCancelled, TransitionFields{EndedAt: &now})
	if err != nil {
		return nil, err
	}

	o.scheduler.Disarm(callID)
	slog.Info("call cancelled", "call_id", callID)

	if tokens, err := o.directory.GetUserTokens(ctx, rec.ReceiverID); err == nil {
		result := o.dispatcher.Send(ctx, push.KindCallCancelled, *tokens, o.payloadFor(rec))
		o.logPush(callID, push.KindCallCancelled, result)
		if !result.Success {
			slog.Warn("call cancelled push failed",
				"call_id", callID,
				"error_kind", result.ErrorKind,
				"error", result.ErrorDetail,
			)
		}
	} else if !errors.Is(err, ErrUserNotFound) {
		slog.Warn("token directory unavailable for cancel push", "call_id", callID, "error", err)
	}

	return &CancelResult{CallID: callID, Status: StatusCancelled}, nil
}

// MarkMissedResult is returned by MarkMissed.
type MarkMissedResult struct {
	CallID string
	Status Status
}

// MarkMissed transitions a pending call to missed. If the call already has
// a definitive outcome (answered, cancelled, ended) this returns success
// without mutating anything: "missed" is advisory once an outcome exists,
// and this no-op rule is what makes the timer-versus-API race safe.
func (o *Orchestrator) MarkMissed(ctx context.Context, callID string) (*MarkMissedResult, error) {
	if callID == "" {
		return nil, NewValidationError("call_id is required")
	}

	now := o.now().UTC()
	_, err := o.store.TransitionCall(ctx, callID, StatusPending, StatusMissed, TransitionFields{EndedAt: &now})

	var conflict *ConflictError
	switch {
	case err == nil:
		o.scheduler.Disarm(callID)
		slog.Info("call marked missed", "call_id", callID)
		return &MarkMissedResult{CallID: callID, Status: StatusMissed}, nil
	case errors.As(err, &conflict):
		// Lost the race to a definitive outcome; report it as-is.
		o.scheduler.Disarm(callID)
		return &MarkMissedResult{CallID: callID, Status: conflict.Current}, nil
	case errors.Is(err, ErrNotFound):
		return nil, ErrNotFound
	default:
		return nil, &PersistenceError{Op: "mark missed", Err: err}
	}
}

// missedByTimer is the scheduler-fired path into MarkMissed.
func (o *Orchestrator) missedByTimer(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), timerOpTimeout)
	defer cancel()

	if _, err := o.MarkMissed(ctx, callID); err != nil && !errors.Is(err, ErrNotFound) {
		slog.Error("missed-call timer update failed", "call_id", callID, "error", err)
	}
}

// EndResult is returned by End.
type EndResult struct {
	CallID          string
	Status          Status
	DurationSeconds int
}

// End finishes an accepted call, computing its duration from answeredAt
// (or createdAt when answeredAt is somehow absent).
func (o *Orchestrator) End(ctx context.Context, callID string) (*EndResult, error) {
	if callID == "" {
		return nil, NewValidationError("call_id is required")
	}

	rec, err := o.store.GetCall(ctx, callID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, &PersistenceError{Op: "get call", Err: err}
	}
	if rec.Status != StatusAccepted {
		return nil, &ConflictError{CallID: callID, Current: rec.Status}
	}

	endedAt := o.now().UTC()
	base := rec.CreatedAt
	if rec.AnsweredAt != nil {
		base = *rec.AnsweredAt
	}
	duration := int(endedAt.Sub(base).Seconds())
	if duration < 0 {
		duration = 0
	}

	// The transition re-checks status inside the store transaction, so a
	// concurrent End loses cleanly with a Conflict.
	if _, err := o.transition(ctx, callID, StatusAccepted, StatusEnded, TransitionFields{
		EndedAt:     &endedAt,
		DurationSec: &duration,
	}); err != nil {
		return nil, err
	}

	// Should already be disarmed when the call was accepted.
	o.scheduler.Disarm(callID)
	slog.Info("call ended", "call_id", callID, "duration_sec", duration)

	return &EndResult{CallID: callID, Status: StatusEnded, DurationSeconds: duration}, nil
}

// Sweep transitions every pending call older than timeoutSeconds to missed.
// It is the durability backstop for timers lost to a process restart and
// runs on a recurring trigger.
func (o *Orchestrator) Sweep(ctx context.Context, timeoutSeconds int) (int, error) {
	if timeoutSeconds < 0 {
		return 0, NewValidationError("timeout_seconds must not be negative")
	}

	cutoff := o.now().UTC().Add(-time.Duration(timeoutSeconds) * time.Second)
	count, err := o.store.MarkMissedExpired(ctx, cutoff)
	if err != nil {
		return 0, &PersistenceError{Op: "sweep pending calls", Err: err}
	}

	if count > 0 {
		slog.Info("sweep marked stale calls missed", "count", count, "timeout_seconds", timeoutSeconds)
	}
	return count, nil
}

// GetStatus returns the call record snapshot, or ErrNotFound.
func (o *Orchestrator) GetStatus(ctx context.Context, callID string) (*Record, error) {
	if callID == "" {
		return nil, NewValidationError("call_id is required")
	}

	rec, err := o.store.GetCall(ctx, callID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, &PersistenceError{Op: "get call", Err: err}
	}
	return rec, nil
}

// transition wraps RecordStore.TransitionCall, passing through domain
// errors and wrapping everything else as a PersistenceError. Edges not in
// the state machine are rejected before the store is touched.
func (o *Orchestrator) transition(ctx context.Context, callID string, from, to Status, fields TransitionFields) (*Record, error) {
	if !from.CanTransitionTo(to) {
		return nil, &PersistenceError{Op: "transition call", Err: fmt.Errorf("no %s -> %s edge in the call state machine", from, to)}
	}

	rec, err := o.store.TransitionCall(ctx, callID, from, to, fields)
	if err != nil {
		var conflict *ConflictError
		if errors.Is(err, ErrNotFound) || errors.As(err, &conflict) {
			return nil, err
		}
		return nil, &PersistenceError{Op: "transition call", Err: err}
	}
	return rec, nil
}

func (o *Orchestrator) payloadFor(rec *Record) push.CallPayload {
	return push.CallPayload{
		CallID:      rec.CallID,
		ChannelName: rec.ChannelName,
		CallerName:  rec.CallerNameSnapshot,
		CallerID:    rec.CallerID,
		GroupID:     rec.GroupID,
		ReceiverID:  rec.ReceiverID,
	}
}

func (o *Orchestrator) logPush(callID string, kind push.Kind, result push.Result) {
	if o.pushLog == nil {
		return
	}
	entry := PushLogEntry{
		CallID:    callID,
		Platform:  result.Platform,
		Kind:      string(kind),
		MessageID: result.MessageID,
		Success:   result.Success,
		Timestamp: o.now().UTC(),
	}
	if !result.Success {
		entry.Error = result.ErrorDetail
		if entry.Error == "" {
			entry.Error = result.ErrorKind
		}
	}
	if err := o.pushLog.Log(entry); err != nil {
		slog.Error("failed to write push log", "call_id", callID, "error", err)
	}
}
