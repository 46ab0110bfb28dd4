package call

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a call session. It is the single source
// of truth for what operations are legal on the session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusDeclined  Status = "declined"
	StatusCancelled Status = "cancelled"
	StatusMissed    Status = "missed"
	StatusEnded     Status = "ended"
)

// transitions defines the legal state machine edges. Anything not listed
// here is an illegal transition and must be rejected without mutation.
var transitions = map[Status][]Status{
	StatusPending:  {StatusAccepted, StatusDeclined, StatusCancelled, StatusMissed},
	StatusAccepted: {StatusEnded},
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusDeclined, StatusCancelled, StatusMissed, StatusEnded:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0 && s.Valid()
}

// CanTransitionTo reports whether the edge s -> next exists in the state machine.
func (s Status) CanTransitionTo(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Record is a call session document. One record exists per call attempt,
// keyed by CallID. Field tags match the Firestore document layout consumed
// by the mobile apps, so they must not be renamed casually.
type Record struct {
	CallID      string `firestore:"callId" json:"callId"`
	ChannelName string `firestore:"channelName" json:"channelName"`

	GroupID    string `firestore:"groupId" json:"groupId"`
	CallerID   string `firestore:"caregiverUserId" json:"caregiverUserId"`
	ReceiverID string `firestore:"receiverId" json:"receiverId"`

	// Display-name snapshots captured at creation, never refreshed.
	GroupNameSnapshot    string `firestore:"groupNameSnapshot" json:"groupNameSnapshot"`
	CallerNameSnapshot   string `firestore:"giverNameSnapshot" json:"giverNameSnapshot"`
	ReceiverNameSnapshot string `firestore:"receiverNameSnapshot" json:"receiverNameSnapshot"`

	Status Status `firestore:"status" json:"status"`

	CreatedAt   time.Time  `firestore:"createdAt" json:"createdAt"`
	AnsweredAt  *time.Time `firestore:"answeredAt" json:"answeredAt"`
	EndedAt     *time.Time `firestore:"endedAt" json:"endedAt"`
	DurationSec *int       `firestore:"durationSec" json:"durationSec"`

	// PushSent flips false -> true exactly once, inside the store's
	// reservation transaction. It means "a push attempt has been claimed",
	// not "a push was delivered".
	PushSent       bool       `firestore:"pushSent" json:"pushSent"`
	PushReservedAt *time.Time `firestore:"pushReservedAt" json:"pushReservedAt,omitempty"`
	PushPlatform   string     `firestore:"pushPlatform" json:"pushPlatform,omitempty"`

	// Review fields written by the apps after a call; carried through
	// unexamined by the orchestrator.
	HumanSummary  string     `firestore:"humanSummary" json:"humanSummary"`
	HumanKeywords []string   `firestore:"humanKeywords" json:"humanKeywords"`
	HumanNotes    string     `firestore:"humanNotes" json:"humanNotes"`
	AISummary     string     `firestore:"aiSummary" json:"aiSummary"`
	ReviewCount   int        `firestore:"reviewCount" json:"reviewCount"`
	LastReviewAt  *time.Time `firestore:"lastReviewAt" json:"lastReviewAt"`
}

// ChannelName builds the media channel identifier for a new call:
// {groupId}_{callerId}_{receiverId}_{unix millis}.
func ChannelName(groupID, callerID, receiverID string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%s_%d", groupID, callerID, receiverID, at.UnixMilli())
}
