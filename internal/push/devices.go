// Package push registers devices, stores per-device preferences, and
// dispatches notifications through a token-authenticated push gateway.
package push

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned by GetPreferences when the device id has no
// preferences row.
var ErrNotFound = errors.New("push: not found")

// Device is one registered push-notification endpoint.
type Device struct {
	ID          uuid.UUID
	DID         string
	DeviceToken string
}

// Preferences are a device's per-kind notification opt-in flags.
type Preferences struct {
	Mentions bool
	Replies  bool
	Likes    bool
	Reposts  bool
	Quotes   bool
	Follows  bool
}

// DefaultPreferences returns all notification kinds enabled, the
// default for a newly registered device.
func DefaultPreferences() Preferences {
	return Preferences{Mentions: true, Replies: true, Likes: true, Reposts: true, Quotes: true, Follows: true}
}

// DeviceStore manages device registration and preferences.
type DeviceStore struct {
	pool *pgxpool.Pool
}

// NewDeviceStore creates a DeviceStore.
func NewDeviceStore(pool *pgxpool.Pool) *DeviceStore {
	return &DeviceStore{pool: pool}
}

// Register upserts a device by device_token, updating its DID if the
// token was already registered to a different account (e.g. after a
// logout/login cycle on the same physical device), and creates default
// preferences for a brand-new device.
func (s *DeviceStore) Register(ctx context.Context, did, deviceToken string) (*Device, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("push: begin register tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var id uuid.UUID
	var existingDID string
	err = tx.QueryRow(ctx,
		`SELECT id, did FROM devices WHERE device_token = $1 FOR UPDATE`, deviceToken,
	).Scan(&id, &existingDID)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		id = uuid.New()
		if _, err := tx.Exec(ctx,
			`INSERT INTO devices (id, did, device_token) VALUES ($1, $2, $3)`,
			id, did, deviceToken); err != nil {
			return nil, fmt.Errorf("push: insert device: %w", err)
		}
		prefs := DefaultPreferences()
		if _, err := tx.Exec(ctx,
			`INSERT INTO notification_preferences (device_id, mentions, replies, likes, reposts, quotes, follows)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			id, prefs.Mentions, prefs.Replies, prefs.Likes, prefs.Reposts, prefs.Quotes, prefs.Follows); err != nil {
			return nil, fmt.Errorf("push: insert default preferences: %w", err)
		}

	case err != nil:
		return nil, fmt.Errorf("push: lookup device: %w", err)

	case existingDID != did:
		if _, err := tx.Exec(ctx,
			`UPDATE devices SET did = $1, updated_at = NOW() WHERE id = $2`, did, id); err != nil {
			return nil, fmt.Errorf("push: update device did: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("push: commit register tx: %w", err)
	}

	return &Device{ID: id, DID: did, DeviceToken: deviceToken}, nil
}

// GetPreferences returns a device's notification preferences.
func (s *DeviceStore) GetPreferences(ctx context.Context, deviceID uuid.UUID) (Preferences, error) {
	var p Preferences
	err := s.pool.QueryRow(ctx,
		`SELECT mentions, replies, likes, reposts, quotes, follows
		 FROM notification_preferences WHERE device_id = $1`, deviceID,
	).Scan(&p.Mentions, &p.Replies, &p.Likes, &p.Reposts, &p.Quotes, &p.Follows)
	if errors.Is(err, pgx.ErrNoRows) {
		return Preferences{}, ErrNotFound
	}
	if err != nil {
		return Preferences{}, fmt.Errorf("push: get preferences: %w", err)
	}
	return p, nil
}

// UpdatePreferences replaces a device's notification preferences.
func (s *DeviceStore) UpdatePreferences(ctx context.Context, deviceID uuid.UUID, p Preferences) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE notification_preferences
		 SET mentions = $2, replies = $3, likes = $4, reposts = $5, quotes = $6, follows = $7, updated_at = NOW()
		 WHERE device_id = $1`,
		deviceID, p.Mentions, p.Replies, p.Likes, p.Reposts, p.Quotes, p.Follows)
	if err != nil {
		return fmt.Errorf("push: update preferences: %w", err)
	}
	return nil
}

// DevicesForDID returns every device registered to a DID.
func (s *DeviceStore) DevicesForDID(ctx context.Context, did string) ([]Device, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, did, device_token FROM devices WHERE did = $1`, did)
	if err != nil {
		return nil, fmt.Errorf("push: devices for did: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.DID, &d.DeviceToken); err != nil {
			return nil, fmt.Errorf("push: scan device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RegisteredDIDs returns the distinct set of DIDs with at least one
// registered device, used to build the classifier's relevance filter.
func (s *DeviceStore) RegisteredDIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT did FROM devices`)
	if err != nil {
		return nil, fmt.Errorf("push: registered dids: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, fmt.Errorf("push: scan did: %w", err)
		}
		out[did] = true
	}
	return out, rows.Err()
}

// DeactivateDevice removes a device after the push gateway reports it
// as no longer installed (HTTP 410).
func (s *DeviceStore) DeactivateDevice(ctx context.Context, deviceToken string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM devices WHERE device_token = $1`, deviceToken)
	if err != nil {
		return fmt.Errorf("push: deactivate device: %w", err)
	}
	return nil
}
