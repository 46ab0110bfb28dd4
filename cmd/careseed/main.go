// Command careseed loads a JSON fixture into Firestore so a fresh
// environment has users, care groups, receivers, and call history to work
// against.
//
// Seeding a production project requires --confirm-prod, and is refused
// outright when FIRESTORE_EMULATOR_HOST is set together with that flag:
// mixing the two almost always means the wrong target. --reset clears
// groups, receivers, calls, and meta before seeding; user documents are
// never deleted because they hold live device tokens.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// fixture is the top-level shape of the seed file.
type fixture struct {
	Users     []userDoc     `json:"users"`
	Groups    []groupDoc    `json:"groups"`
	Receivers []receiverDoc `json:"receivers"`
	Calls     []callDoc     `json:"calls"`
}

type userDoc struct {
	UID          string   `json:"uid" firestore:"uid"`
	Name         string   `json:"name" firestore:"name"`
	Email        string   `json:"email" firestore:"email"`
	ProfileImage string   `json:"profileImage" firestore:"profileImage"`
	GroupIDs     []string `json:"groupIds" firestore:"groupIds"`

	// Device tokens consumed by the push dispatcher.
	FCMToken  string `json:"fcmToken" firestore:"fcmToken"`
	VoIPToken string `json:"voipToken" firestore:"voipToken"`
	Platform  string `json:"platform" firestore:"platform"`

	CreatedAt time.Time `json:"-" firestore:"createdAt"`
}

type groupDoc struct {
	GroupID          string   `json:"groupId" firestore:"groupId"`
	Name             string   `json:"name" firestore:"name"`
	CareGiverUserIDs []string `json:"careGiverUserIds" firestore:"careGiverUserIds"`
	ReceiverID       string   `json:"receiverId" firestore:"receiverId"`
}

type residence struct {
	ResidenceID string `json:"residenceId" firestore:"residenceId"`
	Era         string `json:"era" firestore:"era"`
	Location    string `json:"location" firestore:"location"`
	Detail      string `json:"detail" firestore:"detail"`
}

type receiverDoc struct {
	ReceiverID      string      `json:"receiverId" firestore:"receiverId"`
	GroupID         string      `json:"groupId" firestore:"groupId"`
	Name            string      `json:"name" firestore:"name"`
	ProfileImage    string      `json:"profileImage" firestore:"profileImage"`
	MajorResidences []residence `json:"majorResidences" firestore:"majorResidences"`
}

// callDoc seeds completed call history. Timestamps are derived from
// DaysAgo at seed time so the fixture stays valid as it ages.
type callDoc struct {
	CallID               string `json:"callId"`
	GroupID              string `json:"groupId"`
	CaregiverUserID      string `json:"caregiverUserId"`
	ReceiverID           string `json:"receiverId"`
	GroupNameSnapshot    string `json:"groupNameSnapshot"`
	GiverNameSnapshot    string `json:"giverNameSnapshot"`
	ReceiverNameSnapshot string `json:"receiverNameSnapshot"`
	DaysAgo              int    `json:"daysAgo"`
	DurationSec          int    `json:"durationSec"`
	HumanSummary         string `json:"humanSummary"`
}

func main() {
	projectID := flag.String("project", os.Getenv("CAREVOICE_FIREBASE_PROJECT"), "Firebase project ID")
	credentials := flag.String("credentials", os.Getenv("CAREVOICE_FIREBASE_CREDENTIALS"), "path to a service-account JSON file")
	fixturePath := flag.String("fixture", "", "path to the JSON fixture file (required)")
	reset := flag.Bool("reset", false, "clear groups, receivers, calls, and meta before seeding (users are kept)")
	confirmProd := flag.Bool("confirm-prod", false, "acknowledge that this targets a production project")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if *fixturePath == "" {
		fmt.Fprintln(os.Stderr, "error: --fixture is required")
		os.Exit(1)
	}

	emulator := os.Getenv("FIRESTORE_EMULATOR_HOST")
	if emulator == "" && !*confirmProd {
		fmt.Fprintln(os.Stderr, "error: no FIRESTORE_EMULATOR_HOST set; refusing to seed a real project without --confirm-prod")
		os.Exit(1)
	}
	if emulator != "" && *confirmProd {
		fmt.Fprintln(os.Stderr, "error: FIRESTORE_EMULATOR_HOST is set but --confirm-prod was given; unset one of them")
		os.Exit(1)
	}

	fix, err := loadFixture(*fixturePath)
	if err != nil {
		slog.Error("failed to load fixture", "path", *fixturePath, "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	client, err := openFirestore(ctx, *projectID, *credentials)
	if err != nil {
		slog.Error("failed to open firestore", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	if *reset {
		if err := clearCollections(ctx, client); err != nil {
			slog.Error("reset failed", "error", err)
			os.Exit(1)
		}
	}

	if err := seed(ctx, client, fix); err != nil {
		slog.Error("seed failed", "error", err)
		os.Exit(1)
	}

	slog.Info("seed completed",
		"users", len(fix.Users),
		"groups", len(fix.Groups),
		"receivers", len(fix.Receivers),
		"calls", len(fix.Calls),
	)
}

func loadFixture(path string) (*fixture, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fix fixture
	if err := json.Unmarshal(raw, &fix); err != nil {
		return nil, fmt.Errorf("parsing fixture: %w", err)
	}
	return &fix, nil
}

func openFirestore(ctx context.Context, projectID, credentials string) (*firestore.Client, error) {
	var opts []option.ClientOption
	if credentials != "" {
		opts = append(opts, option.WithCredentialsFile(credentials))
	}

	var fbCfg *firebase.Config
	if projectID != "" {
		fbCfg = &firebase.Config{ProjectID: projectID}
	}

	app, err := firebase.NewApp(ctx, fbCfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase app: %w", err)
	}
	return app.Firestore(ctx)
}

// clearCollections deletes seedable collections. The users collection is
// deliberately left alone.
func clearCollections(ctx context.Context, client *firestore.Client) error {
	for _, name := range []string{"groups", "receivers", "calls", "meta"} {
		n, err := clearCollection(ctx, client, name)
		if err != nil {
			return fmt.Errorf("clearing %s: %w", name, err)
		}
		slog.Info("cleared collection", "collection", name, "deleted", n)
	}
	return nil
}

func clearCollection(ctx context.Context, client *firestore.Client, name string) (int, error) {
	bw := client.BulkWriter(ctx)
	iter := client.Collection(name).Documents(ctx)
	defer iter.Stop()

	var jobs int
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return 0, err
		}
		if _, err := bw.Delete(doc.Ref); err != nil {
			return 0, err
		}
		jobs++
	}
	bw.End()
	return jobs, nil
}

func seed(ctx context.Context, client *firestore.Client, fix *fixture) error {
	now := time.Now()

	for _, u := range fix.Users {
		u.CreatedAt = now
		if _, err := client.Collection("users").Doc(u.UID).Set(ctx, u); err != nil {
			return fmt.Errorf("seeding user %s: %w", u.UID, err)
		}
	}

	for _, g := range fix.Groups {
		if _, err := client.Collection("groups").Doc(g.GroupID).Set(ctx, g); err != nil {
			return fmt.Errorf("seeding group %s: %w", g.GroupID, err)
		}
	}

	for _, r := range fix.Receivers {
		for i := range r.MajorResidences {
			if r.MajorResidences[i].Era == "" {
				r.MajorResidences[i].Era = "unknown era"
			}
			if r.MajorResidences[i].Location == "" {
				r.MajorResidences[i].Location = "unknown location"
			}
		}
		if _, err := client.Collection("receivers").Doc(r.ReceiverID).Set(ctx, r); err != nil {
			return fmt.Errorf("seeding receiver %s: %w", r.ReceiverID, err)
		}
	}

	for _, c := range fix.Calls {
		doc, err := callDocument(c, now)
		if err != nil {
			return err
		}
		if _, err := client.Collection("calls").Doc(c.CallID).Set(ctx, doc); err != nil {
			return fmt.Errorf("seeding call %s: %w", c.CallID, err)
		}
	}

	return nil
}

// callDocument expands a fixture call into a full ended call record.
func callDocument(c callDoc, now time.Time) (map[string]any, error) {
	if c.CallID == "" {
		return nil, fmt.Errorf("fixture call missing callId")
	}
	if c.DurationSec <= 0 {
		c.DurationSec = 600
	}

	createdAt := now.AddDate(0, 0, -c.DaysAgo)
	answeredAt := createdAt.Add(5 * time.Second)
	endedAt := answeredAt.Add(time.Duration(c.DurationSec) * time.Second)
	channelName := fmt.Sprintf("%s_%s_%s_%d", c.GroupID, c.CaregiverUserID, c.ReceiverID, createdAt.UnixMilli())

	return map[string]any{
		"callId":               c.CallID,
		"channelName":          channelName,
		"groupId":              c.GroupID,
		"caregiverUserId":      c.CaregiverUserID,
		"receiverId":           c.ReceiverID,
		"groupNameSnapshot":    c.GroupNameSnapshot,
		"giverNameSnapshot":    c.GiverNameSnapshot,
		"receiverNameSnapshot": c.ReceiverNameSnapshot,
		"createdAt":            createdAt,
		"answeredAt":           answeredAt,
		"endedAt":              endedAt,
		"durationSec":          c.DurationSec,
		"status":               "ended",
		"pushSent":             true,
		"humanSummary":         c.HumanSummary,
		"humanKeywords":        []string{},
		"humanNotes":           "",
		"aiSummary":            "",
		"reviewCount":          0,
	}, nil
}
