// Package preferences stores each user's default plan request.
package preferences

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wecook/internal/planner"
)

// Repository is a SQLite-backed store of saved plan defaults.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepository creates a new Repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// Get returns the saved defaults for userID. ok is false when none exist.
func (r *Repository) Get(ctx context.Context, userID string) (planner.RawRequest, bool, error) {
	var data string
	err := r.db.QueryRowContext(ctx, `SELECT data FROM user_preferences WHERE user_id = ?`, userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return planner.RawRequest{}, false, nil
	}
	if err != nil {
		return planner.RawRequest{}, false, fmt.Errorf("failed to load preferences for user %s: %w", userID, err)
	}

	var raw planner.RawRequest
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return planner.RawRequest{}, false, fmt.Errorf("failed to parse preferences for user %s: %w", userID, err)
	}
	return raw, true, nil
}

// Save validates prefs and replaces the user's saved defaults. Days and
// meals may be left out; every field that is present must be valid.
func (r *Repository) Save(ctx context.Context, userID string, prefs planner.RawRequest) error {
	if err := Validate(prefs); err != nil {
		return err
	}

	data, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("failed to marshal preferences: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO user_preferences (user_id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		userID, string(data), r.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save preferences for user %s: %w", userID, err)
	}
	return nil
}

// Validate checks saved defaults with the same rules as a plan request,
// filling the required fields it does not carry with placeholders.
func Validate(prefs planner.RawRequest) error {
	check := prefs
	if check.Days == 0 {
		check.Days = 7
	}
	if len(check.Meals) == 0 {
		check.Meals = map[string]bool{string(planner.MealDinner): true}
	}
	_, err := planner.Normalize(check)
	return err
}
