package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the CareVoice server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir             string
	HTTPPort            int
	LogLevel            string
	LogFormat           string // log output format: "text" or "json"
	FirebaseProjectID   string
	FirebaseCredentials string // path to a service-account JSON file
	APNsKeyFile         string // path to the .p8 provider token signing key
	APNsKeyID           string
	APNsTeamID          string
	APNsBundleID        string // app bundle ID; ".voip" is appended for the push topic
	APNsSandbox         bool
	MissedTimeoutSec    int    // seconds a call may ring before it is marked missed
	SweepIntervalSec    int    // seconds between missed-call sweep passes
	RecorderURL         string // base URL of the recording service; empty disables the proxy
	MediaTokenSecret    string // hex-encoded 32-byte secret for media token signing
	AdminKeyHash        string // bcrypt hash of the operator API key
	InviteRatePerMin    int    // per-caller invite rate limit
	InviteBurst         int
	PushLogMaxDays      int // days to keep push attempt rows; 0 disables retention cleanup
}

// defaults
const (
	defaultDataDir          = "./data"
	defaultHTTPPort         = 8080
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
	defaultMissedTimeout    = 45
	defaultSweepInterval    = 60
	defaultInviteRatePerMin = 30
	defaultInviteBurst      = 5
	defaultPushLogMaxDays   = 30
)

// envPrefix is the prefix for all CareVoice environment variables.
const envPrefix = "CAREVOICE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("carevoice", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for local databases")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.FirebaseProjectID, "firebase-project", "", "Firebase project ID for the call record store")
	fs.StringVar(&cfg.FirebaseCredentials, "firebase-credentials", "", "path to a Firebase service-account JSON file")
	fs.StringVar(&cfg.APNsKeyFile, "apns-key-file", "", "path to the APNs .p8 provider token signing key")
	fs.StringVar(&cfg.APNsKeyID, "apns-key-id", "", "APNs signing key ID")
	fs.StringVar(&cfg.APNsTeamID, "apns-team-id", "", "Apple developer team ID")
	fs.StringVar(&cfg.APNsBundleID, "apns-bundle-id", "", "iOS app bundle ID for the VoIP push topic")
	fs.BoolVar(&cfg.APNsSandbox, "apns-sandbox", false, "use the APNs sandbox environment")
	fs.IntVar(&cfg.MissedTimeoutSec, "missed-timeout", defaultMissedTimeout, "seconds a call may ring before it is marked missed")
	fs.IntVar(&cfg.SweepIntervalSec, "sweep-interval", defaultSweepInterval, "seconds between missed-call sweep passes")
	fs.StringVar(&cfg.RecorderURL, "recorder-url", "", "base URL of the call recording service (empty disables the proxy)")
	fs.StringVar(&cfg.MediaTokenSecret, "media-token-secret", "", "hex-encoded 32-byte secret for media token signing (auto-generated if empty)")
	fs.StringVar(&cfg.AdminKeyHash, "admin-key-hash", "", "bcrypt hash of the operator API key for admin endpoints")
	fs.IntVar(&cfg.InviteRatePerMin, "invite-rate", defaultInviteRatePerMin, "per-caller invite rate limit (requests per minute)")
	fs.IntVar(&cfg.InviteBurst, "invite-burst", defaultInviteBurst, "per-caller invite burst size")
	fs.IntVar(&cfg.PushLogMaxDays, "push-log-max-days", defaultPushLogMaxDays, "days to keep push attempt log rows (0 disables cleanup)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"data-dir":             envPrefix + "DATA_DIR",
		"http-port":            envPrefix + "HTTP_PORT",
		"log-level":            envPrefix + "LOG_LEVEL",
		"log-format":           envPrefix + "LOG_FORMAT",
		"firebase-project":     envPrefix + "FIREBASE_PROJECT",
		"firebase-credentials": envPrefix + "FIREBASE_CREDENTIALS",
		"apns-key-file":        envPrefix + "APNS_KEY_FILE",
		"apns-key-id":          envPrefix + "APNS_KEY_ID",
		"apns-team-id":         envPrefix + "APNS_TEAM_ID",
		"apns-bundle-id":       envPrefix + "APNS_BUNDLE_ID",
		"apns-sandbox":         envPrefix + "APNS_SANDBOX",
		"missed-timeout":       envPrefix + "MISSED_TIMEOUT",
		"sweep-interval":       envPrefix + "SWEEP_INTERVAL",
		"recorder-url":         envPrefix + "RECORDER_URL",
		"media-token-secret":   envPrefix + "MEDIA_TOKEN_SECRET",
		"admin-key-hash":       envPrefix + "ADMIN_KEY_HASH",
		"invite-rate":          envPrefix + "INVITE_RATE",
		"invite-burst":         envPrefix + "INVITE_BURST",
		"push-log-max-days":    envPrefix + "PUSH_LOG_MAX_DAYS",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "firebase-project":
			cfg.FirebaseProjectID = val
		case "firebase-credentials":
			cfg.FirebaseCredentials = val
		case "apns-key-file":
			cfg.APNsKeyFile = val
		case "apns-key-id":
			cfg.APNsKeyID = val
		case "apns-team-id":
			cfg.APNsTeamID = val
		case "apns-bundle-id":
			cfg.APNsBundleID = val
		case "apns-sandbox":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.APNsSandbox = v
			}
		case "missed-timeout":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MissedTimeoutSec = v
			}
		case "sweep-interval":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SweepIntervalSec = v
			}
		case "recorder-url":
			cfg.RecorderURL = val
		case "media-token-secret":
			cfg.MediaTokenSecret = val
		case "admin-key-hash":
			cfg.AdminKeyHash = val
		case "invite-rate":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.InviteRatePerMin = v
			}
		case "invite-burst":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.InviteBurst = v
			}
		case "push-log-max-days":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.PushLogMaxDays = v
			}
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.MissedTimeoutSec < 1 {
		return fmt.Errorf("missed-timeout must be at least 1 second, got %d", c.MissedTimeoutSec)
	}
	if c.SweepIntervalSec < 1 {
		return fmt.Errorf("sweep-interval must be at least 1 second, got %d", c.SweepIntervalSec)
	}
	if c.InviteRatePerMin < 1 {
		return fmt.Errorf("invite-rate must be at least 1, got %d", c.InviteRatePerMin)
	}
	if c.InviteBurst < 1 {
		return fmt.Errorf("invite-burst must be at least 1, got %d", c.InviteBurst)
	}
	if c.PushLogMaxDays < 0 {
		return fmt.Errorf("push-log-max-days must not be negative, got %d", c.PushLogMaxDays)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	// APNs credentials must be complete or entirely absent.
	apnsFields := []string{c.APNsKeyFile, c.APNsKeyID, c.APNsTeamID, c.APNsBundleID}
	var apnsSet int
	for _, f := range apnsFields {
		if f != "" {
			apnsSet++
		}
	}
	if apnsSet != 0 && apnsSet != len(apnsFields) {
		return fmt.Errorf("apns-key-file, apns-key-id, apns-team-id and apns-bundle-id must all be provided or all be omitted")
	}

	return nil
}

// APNsEnabled reports whether APNs credentials are configured.
func (c *Config) APNsEnabled() bool {
	return c.APNsKeyFile != ""
}

// MediaTokenSecretBytes returns the decoded 32-byte media token signing
// secret. If no secret is configured, it generates a random 32-byte key and
// stores the hex-encoded value back in the config for the process lifetime.
func (c *Config) MediaTokenSecretBytes() ([]byte, error) {
	if c.MediaTokenSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating media token secret: %w", err)
		}
		c.MediaTokenSecret = hex.EncodeToString(key)
		slog.Warn("no media-token-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.MediaTokenSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding media token secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("media token secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
