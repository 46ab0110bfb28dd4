// Package store implements the durable call-record store and the user
// token directory on Cloud Firestore.
//
// Collections:
//   - calls/{callId}: call session records
//   - users/{uid}:    device tokens for push notifications
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/carevoice/carevoice/internal/call"
	"github.com/carevoice/carevoice/internal/push"
)

const (
	usersCollection = "users"
	callsCollection = "calls"
)

// Store wraps a Firestore client with the call-record operations consumed
// by the orchestrator. It implements call.RecordStore and call.TokenDirectory.
type Store struct {
	client *firestore.Client
}

// Config holds Firestore connection settings.
type Config struct {
	// ProjectID is the Firebase/GCP project. Required unless the
	// credentials file carries one.
	ProjectID string
	// CredentialsFile is the path to a service-account JSON file. If
	// empty, the SDK falls back to GOOGLE_APPLICATION_CREDENTIALS or the
	// default service account (and honours FIRESTORE_EMULATOR_HOST).
	CredentialsFile string
}

// Open initialises the Firebase app and returns a ready Firestore store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	var fbCfg *firebase.Config
	if cfg.ProjectID != "" {
		fbCfg = &firebase.Config{ProjectID: cfg.ProjectID}
	}

	app, err := firebase.NewApp(ctx, fbCfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase app: %w", err)
	}

	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining firestore client: %w", err)
	}

	slog.Info("firestore store opened", "project_id", cfg.ProjectID)
	return &Store{client: client}, nil
}

// Close releases the Firestore client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping verifies Firestore connectivity with a minimal read.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.client.Collection(callsCollection).Limit(1).Documents(ctx).GetAll(); err != nil {
		return fmt.Errorf("pinging firestore: %w", err)
	}
	return nil
}

func (s *Store) callRef(callID string) *firestore.DocumentRef {
	return s.client.Collection(callsCollection).Doc(callID)
}

// CreateCall persists a new call record. The document ID is the call ID,
// so a duplicate create fails rather than overwriting.
func (s *Store) CreateCall(ctx context.Context, rec *call.Record) error {
	if _, err := s.callRef(rec.CallID).Create(ctx, rec); err != nil {
		return fmt.Errorf("creating call record: %w", err)
	}
	return nil
}

// GetCall returns the record for callID, or call.ErrNotFound.
func (s *Store) GetCall(ctx context.Context, callID string) (*call.Record, error) {
	snap, err := s.callRef(callID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, call.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting call record: %w", err)
	}

	var rec call.Record
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("decoding call record: %w", err)
	}
	return &rec, nil
}

// TransitionCall atomically moves a call from one status to another inside
// a single-document transaction. The in-transaction status check makes the
// store the final arbiter for concurrent transitions: whichever mutation
// commits first wins, the loser observes a ConflictError.
func (s *Store) TransitionCall(ctx context.Context, callID string, from, to call.Status, fields call.TransitionFields) (*call.Record, error) {
	if !from.CanTransitionTo(to) {
		return nil, fmt.Errorf("no %s -> %s edge in the call state machine", from, to)
	}

	ref := s.callRef(callID)
	var rec call.Record

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return call.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reading call record: %w", err)
		}
		if err := snap.DataTo(&rec); err != nil {
			return fmt.Errorf("decoding call record: %w", err)
		}

		if rec.Status != from {
			return &call.ConflictError{CallID: callID, Current: rec.Status}
		}

		updates := []firestore.Update{{Path: "status", Value: string(to)}}
		if fields.AnsweredAt != nil {
			updates = append(updates, firestore.Update{Path: "answeredAt", Value: *fields.AnsweredAt})
			rec.AnsweredAt = fields.AnsweredAt
		}
		if fields.EndedAt != nil {
			updates = append(updates, firestore.Update{Path: "endedAt", Value: *fields.EndedAt})
			rec.EndedAt = fields.EndedAt
		}
		if fields.DurationSec != nil {
			updates = append(updates, firestore.Update{Path: "durationSec", Value: *fields.DurationSec})
			rec.DurationSec = fields.DurationSec
		}
		rec.Status = to

		return tx.Update(ref, updates)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ReservePushSend claims the single push attempt for a call. The read of
// pushSent and the conditional write happen in one transaction, so N
// concurrent reservation attempts yield exactly one ReservedNow.
func (s *Store) ReservePushSend(ctx context.Context, callID string) (call.ReserveOutcome, error) {
	ref := s.callRef(callID)
	outcome := call.ReservedNow

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return call.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reading call record: %w", err)
		}

		var rec call.Record
		if err := snap.DataTo(&rec); err != nil {
			return fmt.Errorf("decoding call record: %w", err)
		}

		if rec.PushSent {
			outcome = call.AlreadyReserved
			return nil
		}

		return tx.Update(ref, []firestore.Update{
			{Path: "pushSent", Value: true},
			{Path: "pushReservedAt", Value: firestore.ServerTimestamp},
		})
	})
	if err != nil {
		return 0, err
	}
	return outcome, nil
}

// SetPushPlatform records which platform delivered the call's push.
func (s *Store) SetPushPlatform(ctx context.Context, callID, platform string) error {
	_, err := s.callRef(callID).Update(ctx, []firestore.Update{
		{Path: "pushPlatform", Value: platform},
	})
	if err != nil {
		return fmt.Errorf("updating push platform: %w", err)
	}
	return nil
}

// MarkMissedExpired finds every pending call created at or before cutoff
// and transitions each to missed. Updates go through a BulkWriter, so each
// document succeeds or fails independently; the returned count covers only
// confirmed writes.
func (s *Store) MarkMissedExpired(ctx context.Context, cutoff time.Time) (int, error) {
	iter := s.client.Collection(callsCollection).
		Where("status", "==", string(call.StatusPending)).
		Where("createdAt", "<=", cutoff).
		Documents(ctx)
	defer iter.Stop()

	endedAt := time.Now().UTC()
	bw := s.client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			bw.End()
			return 0, fmt.Errorf("querying pending calls: %w", err)
		}

		job, err := bw.Update(doc.Ref, []firestore.Update{
			{Path: "status", Value: string(call.StatusMissed)},
			{Path: "endedAt", Value: endedAt},
		})
		if err != nil {
			slog.Warn("sweep: enqueueing update failed", "call_id", doc.Ref.ID, "error", err)
			continue
		}
		jobs = append(jobs, job)
	}

	bw.End()

	count := 0
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			slog.Warn("sweep: document update failed", "error", err)
			continue
		}
		count++
	}
	return count, nil
}

// userTokensDoc is the subset of users/{uid} read for push dispatch.
type userTokensDoc struct {
	FCMToken  string `firestore:"fcmToken"`
	VoIPToken string `firestore:"voipToken"`
	Platform  string `firestore:"platform"`
}

// GetUserTokens returns the user's registered device tokens, or
// call.ErrUserNotFound when no directory entry exists.
func (s *Store) GetUserTokens(ctx context.Context, userID string) (*push.DeviceTokens, error) {
	snap, err := s.client.Collection(usersCollection).Doc(userID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, call.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting user tokens: %w", err)
	}

	var doc userTokensDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decoding user tokens: %w", err)
	}

	return &push.DeviceTokens{
		Platform:  doc.Platform,
		FCMToken:  doc.FCMToken,
		VoIPToken: doc.VoIPToken,
	}, nil
}
