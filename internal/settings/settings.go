// Package settings is the typed view over the kiosk's key/value
// configuration table.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/database"
)

// Keys in the system_config table.
const (
	KeyAllowAllCalls     = "calls.allow_all"
	KeyRingerEnabled     = "calls.ringer_enabled"
	KeyDefaultSpeaker    = "calls.default_speaker"
	KeyLogRetentionDays  = "calls.log_retention_days"
	KeyNightModeEnabled  = "night_mode.enabled"
	KeyNightModeStart    = "night_mode.start"
	KeyNightModeEnd      = "night_mode.end"
	KeyAdminPINHash      = "admin.pin_hash"
	defaultNightStart    = "22:00"
	defaultNightEnd      = "07:00"
	clockLayout          = "15:04"
	maxLogRetentionDays  = 3650
)

var (
	// ErrInvalidPIN is returned when a PIN does not verify.
	ErrInvalidPIN = errors.New("invalid pin")
	// ErrPINNotSet is returned when no admin PIN has been configured yet.
	ErrPINNotSet = errors.New("admin pin not set")
)

// Settings is the full user-editable configuration.
type Settings struct {
	AllowAllCalls    bool   `json:"allow_all_calls"`
	RingerEnabled    bool   `json:"ringer_enabled"`
	DefaultSpeaker   bool   `json:"default_speaker"`
	LogRetentionDays int    `json:"log_retention_days"`
	NightModeEnabled bool   `json:"night_mode_enabled"`
	NightModeStart   string `json:"night_mode_start"`
	NightModeEnd     string `json:"night_mode_end"`
}

// Validate checks ranges and clock formats.
func (s Settings) Validate() error {
	if s.LogRetentionDays < 0 || s.LogRetentionDays > maxLogRetentionDays {
		return fmt.Errorf("log_retention_days must be between 0 and %d", maxLogRetentionDays)
	}
	if _, err := parseClock(s.NightModeStart); err != nil {
		return fmt.Errorf("night_mode_start: %w", err)
	}
	if _, err := parseClock(s.NightModeEnd); err != nil {
		return fmt.Errorf("night_mode_end: %w", err)
	}
	return nil
}

// Store reads and writes settings through a SystemConfigRepository.
type Store struct {
	repo database.SystemConfigRepository
}

// NewStore creates a Store backed by repo.
func NewStore(repo database.SystemConfigRepository) *Store {
	return &Store{repo: repo}
}

// Load returns the current settings with defaults applied for missing keys.
func (s *Store) Load(ctx context.Context) (Settings, error) {
	var out Settings
	var err error

	if out.AllowAllCalls, err = s.getBool(ctx, KeyAllowAllCalls, false); err != nil {
		return out, err
	}
	if out.RingerEnabled, err = s.getBool(ctx, KeyRingerEnabled, true); err != nil {
		return out, err
	}
	if out.DefaultSpeaker, err = s.getBool(ctx, KeyDefaultSpeaker, false); err != nil {
		return out, err
	}
	if out.LogRetentionDays, err = s.getInt(ctx, KeyLogRetentionDays, 0); err != nil {
		return out, err
	}
	if out.NightModeEnabled, err = s.getBool(ctx, KeyNightModeEnabled, false); err != nil {
		return out, err
	}
	if out.NightModeStart, err = s.getString(ctx, KeyNightModeStart, defaultNightStart); err != nil {
		return out, err
	}
	if out.NightModeEnd, err = s.getString(ctx, KeyNightModeEnd, defaultNightEnd); err != nil {
		return out, err
	}
	return out, nil
}

// Save validates and persists every field of in atomically.
func (s *Store) Save(ctx context.Context, in Settings) error {
	if err := in.Validate(); err != nil {
		return err
	}
	err := s.repo.SetMany(ctx, map[string]string{
		KeyAllowAllCalls:    strconv.FormatBool(in.AllowAllCalls),
		KeyRingerEnabled:    strconv.FormatBool(in.RingerEnabled),
		KeyDefaultSpeaker:   strconv.FormatBool(in.DefaultSpeaker),
		KeyLogRetentionDays: strconv.Itoa(in.LogRetentionDays),
		KeyNightModeEnabled: strconv.FormatBool(in.NightModeEnabled),
		KeyNightModeStart:   in.NightModeStart,
		KeyNightModeEnd:     in.NightModeEnd,
	})
	if err != nil {
		return fmt.Errorf("saving settings: %w", err)
	}
	return nil
}

// AllowAllCalls reports whether every caller with a dialable number rings
// through regardless of the address book.
func (s *Store) AllowAllCalls(ctx context.Context) (bool, error) {
	return s.getBool(ctx, KeyAllowAllCalls, false)
}

// RingerEnabled reports whether incoming calls should ring audibly. Night
// mode silences the ringer inside its window.
func (s *Store) RingerEnabled(ctx context.Context, now time.Time) (bool, error) {
	cur, err := s.Load(ctx)
	if err != nil {
		return true, err
	}
	if !cur.RingerEnabled {
		return false, nil
	}
	return !cur.NightModeActive(now), nil
}

// DefaultSpeakerEnabled reports whether answered calls start on the
// loudspeaker.
func (s *Store) DefaultSpeakerEnabled(ctx context.Context) (bool, error) {
	return s.getBool(ctx, KeyDefaultSpeaker, false)
}

// LogRetention returns how long call history is kept; zero keeps it forever.
func (s *Store) LogRetention(ctx context.Context) (time.Duration, error) {
	days, err := s.getInt(ctx, KeyLogRetentionDays, 0)
	if err != nil {
		return 0, err
	}
	return time.Duration(days) * 24 * time.Hour, nil
}

// SetPIN stores the Argon2id hash of pin as the admin PIN.
func (s *Store) SetPIN(ctx context.Context, pin string) error {
	hash, err := hashPIN(pin)
	if err != nil {
		return fmt.Errorf("hashing pin: %w", err)
	}
	if err := s.repo.Set(ctx, KeyAdminPINHash, hash); err != nil {
		return fmt.Errorf("storing pin: %w", err)
	}
	return nil
}

// HasPIN reports whether an admin PIN has been configured.
func (s *Store) HasPIN(ctx context.Context) (bool, error) {
	v, err := s.repo.Get(ctx, KeyAdminPINHash)
	if err != nil {
		return false, fmt.Errorf("reading pin: %w", err)
	}
	return v != "", nil
}

// VerifyPIN returns nil when pin matches the stored admin PIN. A matching
// PIN stored with older cost settings is rehashed with the current ones.
func (s *Store) VerifyPIN(ctx context.Context, pin string) error {
	encoded, err := s.repo.Get(ctx, KeyAdminPINHash)
	if err != nil {
		return fmt.Errorf("reading pin: %w", err)
	}
	if encoded == "" {
		return ErrPINNotSet
	}
	h, err := parsePINHash(encoded)
	if err != nil {
		return fmt.Errorf("checking pin: %w", err)
	}
	if !h.matches(pin) {
		return ErrInvalidPIN
	}
	if h.outdated() {
		return s.SetPIN(ctx, pin)
	}
	return nil
}

// NightModeActive reports whether now falls inside the night window. The
// window is [start, end) in local wall-clock time and wraps midnight when
// end is not after start. An empty window (start == end) is never active.
func (s Settings) NightModeActive(now time.Time) bool {
	if !s.NightModeEnabled {
		return false
	}
	start, err := parseClock(s.NightModeStart)
	if err != nil {
		return false
	}
	end, err := parseClock(s.NightModeEnd)
	if err != nil {
		return false
	}

	minute := now.Hour()*60 + now.Minute()
	switch {
	case start == end:
		return false
	case start < end:
		return minute >= start && minute < end
	default:
		return minute >= start || minute < end
	}
}

// parseClock converts "HH:MM" to minutes after midnight.
func parseClock(v string) (int, error) {
	t, err := time.Parse(clockLayout, strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q, want HH:MM", v)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (s *Store) getString(ctx context.Context, key, def string) (string, error) {
	v, err := s.repo.Get(ctx, key)
	if err != nil {
		return def, fmt.Errorf("reading %s: %w", key, err)
	}
	if v == "" {
		return def, nil
	}
	return v, nil
}

func (s *Store) getBool(ctx context.Context, key string, def bool) (bool, error) {
	v, err := s.getString(ctx, key, "")
	if err != nil || v == "" {
		return def, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("parsing %s: %w", key, err)
	}
	return b, nil
}

func (s *Store) getInt(ctx context.Context, key string, def int) (int, error) {
	v, err := s.getString(ctx, key, "")
	if err != nil || v == "" {
		return def, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("parsing %s: %w", key, err)
	}
	return n, nil
}
