package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/carevoice/carevoice/internal/push"
)

// fakeStore is an in-memory RecordStore with the same transactional
// semantics as the real one: status checks and the push reservation are
// atomic under a single mutex.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]*Record

	createErr   error
	reserveErr  error
	platformErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*Record)}
}

func (f *fakeStore) CreateCall(ctx context.Context, rec *Record) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.records[rec.CallID] = &cp
	return nil
}

func (f *fakeStore) GetCall(ctx context.Context, callID string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[callID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) TransitionCall(ctx context.Context, callID string, from, to Status, fields TransitionFields) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !from.CanTransitionTo(to) {
		return nil, fmt.Errorf("no %s -> %s edge in the call state machine", from, to)
	}
	rec, ok := f.records[callID]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Status != from {
		return nil, &ConflictError{CallID: callID, Current: rec.Status}
	}
	rec.Status = to
	if fields.AnsweredAt != nil {
		rec.AnsweredAt = fields.AnsweredAt
	}
	if fields.EndedAt != nil {
		rec.EndedAt = fields.EndedAt
	}
	if fields.DurationSec != nil {
		rec.DurationSec = fields.DurationSec
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) ReservePushSend(ctx context.Context, callID string) (ReserveOutcome, error) {
	if f.reserveErr != nil {
		return 0, f.reserveErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[callID]
	if !ok {
		return 0, ErrNotFound
	}
	if rec.PushSent {
		return AlreadyReserved, nil
	}
	now := time.Now()
	rec.PushSent = true
	rec.PushReservedAt = &now
	return ReservedNow, nil
}

func (f *fakeStore) SetPushPlatform(ctx context.Context, callID, platform string) error {
	if f.platformErr != nil {
		return f.platformErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[callID]; ok {
		rec.PushPlatform = platform
	}
	return nil
}

func (f *fakeStore) MarkMissedExpired(ctx context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, rec := range f.records {
		if rec.Status == StatusPending && !rec.CreatedAt.After(cutoff) {
			rec.Status = StatusMissed
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) get(callID string) *Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[callID]
	if rec == nil {
		return nil
	}
	cp := *rec
	return &cp
}

// fakeDirectory implements TokenDirectory.
type fakeDirectory struct {
	tokens *push.DeviceTokens
	err    error
}

func (f *fakeDirectory) GetUserTokens(ctx context.Context, userID string) (*push.DeviceTokens, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.tokens, nil
}

// fakeDispatcher implements Dispatcher with a scripted result.
type fakeDispatcher struct {
	mu      sync.Mutex
	result  push.Result
	sends   int
	kinds   []push.Kind
	payload push.CallPayload
}

func (f *fakeDispatcher) Send(ctx context.Context, kind push.Kind, tokens push.DeviceTokens, payload push.CallPayload) push.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	f.kinds = append(f.kinds, kind)
	f.payload = payload
	return f.result
}

func (f *fakeDispatcher) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

// fakeScheduler implements Scheduler and captures the fire callbacks.
type fakeScheduler struct {
	mu       sync.Mutex
	armed    map[string]func()
	disarmed []string
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{armed: make(map[string]func())}
}

func (f *fakeScheduler) Arm(callID string, delay time.Duration, fire func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed[callID] = fire
}

func (f *fakeScheduler) Disarm(callID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disarmed = append(f.disarmed, callID)
	delete(f.armed, callID)
}

func (f *fakeScheduler) fireFor(callID string) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.armed[callID]
}

// fakePushLog implements PushLogger.
type fakePushLog struct {
	mu      sync.Mutex
	entries []PushLogEntry
}

func (f *fakePushLog) Log(entry PushLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

type fixture struct {
	store      *fakeStore
	directory  *fakeDirectory
	dispatcher *fakeDispatcher
	scheduler  *fakeScheduler
	pushLog    *fakePushLog
	orch       *Orchestrator
}

func newFixture() *fixture {
	f := &fixture{
		store: newFakeStore(),
		directory: &fakeDirectory{tokens: &push.DeviceTokens{
			Platform: push.PlatformAndroid,
			FCMToken: "fcm-token",
		}},
		dispatcher: &fakeDispatcher{result: push.Result{
			Success:   true,
			Platform:  push.PlatformAndroid,
			MessageID: "msg-1",
		}},
		scheduler: newFakeScheduler(),
		pushLog:   &fakePushLog{},
	}
	f.orch = NewOrchestrator(f.store, f.directory, f.dispatcher, f.scheduler, f.pushLog, 45*time.Second)
	return f
}

func (f *fixture) invite(t *testing.T) *InviteResult {
	t.Helper()
	res, err := f.orch.Invite(context.Background(), InviteRequest{
		GroupID:    "grp1",
		CallerID:   "alice",
		ReceiverID: "bob",
		CallerName: "Alice",
	})
	if err != nil {
		t.Fatalf("Invite() error: %v", err)
	}
	return res
}

func TestInvite_HappyPath(t *testing.T) {
	f := newFixture()
	res := f.invite(t)

	if res.CallID == "" {
		t.Fatal("empty call ID")
	}
	if !res.PushSent {
		t.Error("PushSent = false")
	}
	if res.PushPlatform != push.PlatformAndroid {
		t.Errorf("PushPlatform = %q", res.PushPlatform)
	}
	if res.PushError != "" {
		t.Errorf("PushError = %q, want empty", res.PushError)
	}

	rec := f.store.get(res.CallID)
	if rec == nil {
		t.Fatal("record not persisted")
	}
	if rec.Status != StatusPending {
		t.Errorf("Status = %s, want pending", rec.Status)
	}
	if !rec.PushSent {
		t.Error("record PushSent = false")
	}
	if rec.PushPlatform != push.PlatformAndroid {
		t.Errorf("record PushPlatform = %q", rec.PushPlatform)
	}
	if rec.CallerNameSnapshot != "Alice" {
		t.Errorf("CallerNameSnapshot = %q", rec.CallerNameSnapshot)
	}

	if f.scheduler.fireFor(res.CallID) == nil {
		t.Error("missed-call timer was not armed")
	}
	if f.dispatcher.sendCount() != 1 {
		t.Errorf("dispatch count = %d, want 1", f.dispatcher.sendCount())
	}
	if f.dispatcher.payload.CallID != res.CallID {
		t.Errorf("payload CallID = %q", f.dispatcher.payload.CallID)
	}
}

func TestInvite_Validation(t *testing.T) {
	f := newFixture()

	_, err := f.orch.Invite(context.Background(), InviteRequest{GroupID: "grp1"})
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestInvite_DefaultsCallerName(t *testing.T) {
	f := newFixture()

	res, err := f.orch.Invite(context.Background(), InviteRequest{
		GroupID: "grp1", CallerID: "alice", ReceiverID: "bob",
	})
	if err != nil {
		t.Fatalf("Invite() error: %v", err)
	}
	if rec := f.store.get(res.CallID); rec.CallerNameSnapshot != "alice" {
		t.Errorf("CallerNameSnapshot = %q, want caller ID fallback", rec.CallerNameSnapshot)
	}
}

func TestInvite_UnregisteredToken(t *testing.T) {
	f := newFixture()
	f.dispatcher.result = push.Result{
		Platform:    push.PlatformAndroid,
		ErrorKind:   push.ErrKindUnregistered,
		ErrorDetail: "Token unregistered",
	}

	res := f.invite(t)

	// The reservation committed before dispatch, so the attempt is recorded
	// even though delivery failed.
	if !res.PushSent {
		t.Error("PushSent = false, want true (reservation precedes dispatch)")
	}
	if res.PushError != "Token unregistered" {
		t.Errorf("PushError = %q", res.PushError)
	}
	if rec := f.store.get(res.CallID); !rec.PushSent {
		t.Error("record PushSent = false")
	}

	// The failure is logged.
	f.pushLog.mu.Lock()
	defer f.pushLog.mu.Unlock()
	if len(f.pushLog.entries) != 1 {
		t.Fatalf("push log entries = %d, want 1", len(f.pushLog.entries))
	}
	if f.pushLog.entries[0].Success {
		t.Error("logged entry marked success")
	}
	if f.pushLog.entries[0].Error != "Token unregistered" {
		t.Errorf("logged error = %q", f.pushLog.entries[0].Error)
	}
}

func TestInvite_ReceiverUnknown(t *testing.T) {
	f := newFixture()
	f.directory.err = ErrUserNotFound

	res := f.invite(t)
	if res.PushSent {
		t.Error("PushSent = true with unknown receiver")
	}
	if res.PushError != "user_not_found" {
		t.Errorf("PushError = %q, want user_not_found", res.PushError)
	}
	if f.dispatcher.sendCount() != 0 {
		t.Error("dispatched despite unknown receiver")
	}

	// The call record still exists: push failure never fails the invite.
	if rec := f.store.get(res.CallID); rec == nil || rec.Status != StatusPending {
		t.Error("call record missing or not pending")
	}
}

func TestInvite_DirectoryUnavailable(t *testing.T) {
	f := newFixture()
	f.directory.err = errors.New("dial tcp: i/o timeout")

	res := f.invite(t)
	if res.PushError != "directory_unavailable" {
		t.Errorf("PushError = %q, want directory_unavailable", res.PushError)
	}
}

func TestInvite_ReservationFailure(t *testing.T) {
	f := newFixture()
	f.store.reserveErr = errors.New("transaction aborted")

	res := f.invite(t)
	if res.PushSent {
		t.Error("PushSent = true despite failed reservation")
	}
	if res.PushError != "push_reservation_failed" {
		t.Errorf("PushError = %q", res.PushError)
	}
	if f.dispatcher.sendCount() != 0 {
		t.Error("dispatched without holding the reservation")
	}
}

func TestNotifyReceiver_ConcurrentReservation(t *testing.T) {
	f := newFixture()
	res := f.invite(t)
	rec := f.store.get(res.CallID)

	// Hammer the notify path concurrently; the reservation must admit
	// exactly one dispatch beyond the one Invite already performed.
	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var r InviteResult
			f.orch.notifyReceiver(context.Background(), rec, &r)
			if !r.PushSent {
				t.Error("PushSent = false on retry")
			}
		}()
	}
	wg.Wait()

	if got := f.dispatcher.sendCount(); got != 1 {
		t.Errorf("dispatch count = %d, want exactly 1", got)
	}
}

func TestTransition_RejectsUnknownEdge(t *testing.T) {
	f := newFixture()
	res := f.invite(t)

	// pending -> ended is not an edge; the guard must fire before any
	// store mutation.
	if _, err := f.orch.transition(context.Background(), res.CallID, StatusPending, StatusEnded, TransitionFields{}); err == nil {
		t.Fatal("expected error for pending -> ended")
	}

	if got := f.store.get(res.CallID).Status; got != StatusPending {
		t.Errorf("status = %q after rejected transition, want pending", got)
	}
}

func TestAnswer_Accept(t *testing.T) {
	f := newFixture()
	res := f.invite(t)

	ans, err := f.orch.Answer(context.Background(), res.CallID, ActionAccept)
	if err != nil {
		t.Fatalf("Answer() error: %v", err)
	}
	if ans.Status != StatusAccepted {
		t.Errorf("Status = %s", ans.Status)
	}
	if ans.ChannelName != res.ChannelName {
		t.Errorf("ChannelName = %q, want %q", ans.ChannelName, res.ChannelName)
	}

	rec := f.store.get(res.CallID)
	if rec.AnsweredAt == nil {
		t.Fatal("AnsweredAt not set")
	}
	if rec.AnsweredAt.Before(rec.CreatedAt) {
		t.Error("AnsweredAt before CreatedAt")
	}

	// Repeated answer loses to the committed transition.
	_, err = f.orch.Answer(context.Background(), res.CallID, ActionAccept)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("repeat answer err = %v, want ConflictError", err)
	}
	if conflict.Current != StatusAccepted {
		t.Errorf("conflict.Current = %s, want accepted", conflict.Current)
	}
}

func TestAnswer_Decline(t *testing.T) {
	f := newFixture()
	res := f.invite(t)

	ans, err := f.orch.Answer(context.Background(), res.CallID, ActionDecline)
	if err != nil {
		t.Fatalf("Answer() error: %v", err)
	}
	if ans.Status != StatusDeclined {
		t.Errorf("Status = %s", ans.Status)
	}

	rec := f.store.get(res.CallID)
	if rec.EndedAt == nil {
		t.Error("EndedAt not set on decline")
	}
	if rec.AnsweredAt != nil {
		t.Error("AnsweredAt set on decline")
	}
}

func TestAnswer_InvalidAction(t *testing.T) {
	f := newFixture()
	res := f.invite(t)

	_, err := f.orch.Answer(context.Background(), res.CallID, AnswerAction("reject"))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture()
	res := f.invite(t)

	// Make the cancellation push fail; cancel must still succeed.
	f.dispatcher.result = push.Result{
		Platform:    push.PlatformAndroid,
		ErrorKind:   push.ErrKindException,
		ErrorDetail: "connection refused",
	}

	out, err := f.orch.Cancel(context.Background(), res.CallID)
	if err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	if out.Status != StatusCancelled {
		t.Errorf("Status = %s", out.Status)
	}

	rec := f.store.get(res.CallID)
	if rec.Status != StatusCancelled {
		t.Errorf("record Status = %s", rec.Status)
	}

	// Invite push + cancel push.
	f.dispatcher.mu.Lock()
	kinds := append([]push.Kind(nil), f.dispatcher.kinds...)
	f.dispatcher.mu.Unlock()
	if len(kinds) != 2 || kinds[1] != push.KindCallCancelled {
		t.Errorf("dispatched kinds = %v", kinds)
	}
}

func TestMarkMissed_Pending(t *testing.T) {
	f := newFixture()
	res := f.invite(t)

	out, err := f.orch.MarkMissed(context.Background(), res.CallID)
	if err != nil {
		t.Fatalf("MarkMissed() error: %v", err)
	}
	if out.Status != StatusMissed {
		t.Errorf("Status = %s", out.Status)
	}
	if rec := f.store.get(res.CallID); rec.Status != StatusMissed {
		t.Errorf("record Status = %s", rec.Status)
	}
}

func TestMarkMissed_NoOpAfterOutcome(t *testing.T) {
	f := newFixture()
	res := f.invite(t)

	if _, err := f.orch.Answer(context.Background(), res.CallID, ActionAccept); err != nil {
		t.Fatalf("Answer() error: %v", err)
	}

	// Marking missed after an outcome exists succeeds without mutating.
	out, err := f.orch.MarkMissed(context.Background(), res.CallID)
	if err != nil {
		t.Fatalf("MarkMissed() after accept error: %v", err)
	}
	if out.Status != StatusAccepted {
		t.Errorf("Status = %s, want the actual status accepted", out.Status)
	}
	if rec := f.store.get(res.CallID); rec.Status != StatusAccepted {
		t.Errorf("record Status = %s, want accepted (unchanged)", rec.Status)
	}
}

func TestMarkMissed_NotFound(t *testing.T) {
	f := newFixture()
	if _, err := f.orch.MarkMissed(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestTimerFiresMarkMissed(t *testing.T) {
	f := newFixture()
	res := f.invite(t)

	fire := f.scheduler.fireFor(res.CallID)
	if fire == nil {
		t.Fatal("no timer armed")
	}
	fire()

	if rec := f.store.get(res.CallID); rec.Status != StatusMissed {
		t.Errorf("record Status = %s, want missed", rec.Status)
	}
}

func TestTimerLosesRaceToAnswer(t *testing.T) {
	f := newFixture()
	res := f.invite(t)
	fire := f.scheduler.fireFor(res.CallID)

	if _, err := f.orch.Answer(context.Background(), res.CallID, ActionAccept); err != nil {
		t.Fatalf("Answer() error: %v", err)
	}

	// The timer fires after the answer committed; the call stays accepted.
	fire()

	if rec := f.store.get(res.CallID); rec.Status != StatusAccepted {
		t.Errorf("record Status = %s, want accepted", rec.Status)
	}
}

func TestEnd_Duration(t *testing.T) {
	f := newFixture()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	f.orch.now = func() time.Time { return current }

	res := f.invite(t)
	if _, err := f.orch.Answer(context.Background(), res.CallID, ActionAccept); err != nil {
		t.Fatalf("Answer() error: %v", err)
	}

	current = base.Add(90 * time.Second)
	out, err := f.orch.End(context.Background(), res.CallID)
	if err != nil {
		t.Fatalf("End() error: %v", err)
	}
	if out.DurationSeconds != 90 {
		t.Errorf("DurationSeconds = %d, want 90", out.DurationSeconds)
	}

	rec := f.store.get(res.CallID)
	if rec.Status != StatusEnded {
		t.Errorf("record Status = %s", rec.Status)
	}
	if rec.DurationSec == nil || *rec.DurationSec != 90 {
		t.Errorf("record DurationSec = %v, want 90", rec.DurationSec)
	}
}

func TestEnd_RequiresAccepted(t *testing.T) {
	f := newFixture()
	res := f.invite(t)

	_, err := f.orch.End(context.Background(), res.CallID)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want ConflictError", err)
	}
	if conflict.Current != StatusPending {
		t.Errorf("conflict.Current = %s", conflict.Current)
	}
}

func TestSweep(t *testing.T) {
	f := newFixture()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	f.orch.now = func() time.Time { return current }

	stale := f.invite(t)

	// A second call created later stays pending.
	current = base.Add(30 * time.Second)
	fresh := f.invite(t)

	// Sweep with a 20s timeout at t+40: only the first call has exceeded it.
	current = base.Add(40 * time.Second)
	count, err := f.orch.Sweep(context.Background(), 20)
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if count != 1 {
		t.Errorf("updated count = %d, want 1", count)
	}
	if rec := f.store.get(stale.CallID); rec.Status != StatusMissed {
		t.Errorf("stale call Status = %s, want missed", rec.Status)
	}
	if rec := f.store.get(fresh.CallID); rec.Status != StatusPending {
		t.Errorf("fresh call Status = %s, want pending", rec.Status)
	}
}

func TestSweep_ZeroTimeoutCatchesAllPending(t *testing.T) {
	f := newFixture()
	res := f.invite(t)

	count, err := f.orch.Sweep(context.Background(), 0)
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if count != 1 {
		t.Errorf("updated count = %d, want 1", count)
	}
	if rec := f.store.get(res.CallID); rec.Status != StatusMissed {
		t.Errorf("Status = %s, want missed", rec.Status)
	}
}

func TestGetStatus(t *testing.T) {
	f := newFixture()
	res := f.invite(t)

	rec, err := f.orch.GetStatus(context.Background(), res.CallID)
	if err != nil {
		t.Fatalf("GetStatus() error: %v", err)
	}
	if rec.CallID != res.CallID {
		t.Errorf("CallID = %q", rec.CallID)
	}

	if _, err := f.orch.GetStatus(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
