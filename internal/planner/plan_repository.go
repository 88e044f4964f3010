package planner

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrPlanNotFound is returned when no stored batch matches a lookup.
var ErrPlanNotFound = errors.New("meal plan not found")

// StoredPlan is a submitted batch as recorded in the plan history.
type StoredPlan struct {
	ID             int64
	UserID         string
	BatchID        string
	AccessToken    string
	IdempotencyKey string
	JobCount       int
	Request        RawRequest
	CreatedAt      time.Time
}

// PlanRepository is a database-backed history of submitted batches.
type PlanRepository struct {
	db *sql.DB
}

// NewPlanRepository creates a new PlanRepository.
func NewPlanRepository(d *sql.DB) *PlanRepository {
	return &PlanRepository{db: d}
}

// Save records a submitted batch. Saving the same batch id again is a no-op.
func (r *PlanRepository) Save(ctx context.Context, p StoredPlan) error {
	data, err := json.Marshal(p.Request)
	if err != nil {
		return fmt.Errorf("failed to marshal plan request: %w", err)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO meal_plan_batches (user_id, batch_id, access_token, idempotency_key, job_count, request, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (batch_id) DO NOTHING`,
		p.UserID, p.BatchID, p.AccessToken, p.IdempotencyKey, p.JobCount, string(data), p.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save meal plan batch %s: %w", p.BatchID, err)
	}
	return nil
}

// ListRecentByUserID retrieves the N most recent batches for a given user.
func (r *PlanRepository) ListRecentByUserID(ctx context.Context, userID string, limit int) ([]StoredPlan, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, batch_id, access_token, idempotency_key, job_count, request, created_at
		FROM meal_plan_batches
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent meal plans for user %s: %w", userID, err)
	}
	defer rows.Close()

	var plans []StoredPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list recent meal plans for user %s: %w", userID, err)
	}
	return plans, nil
}

// GetByBatchID retrieves a stored batch by its executor batch id.
func (r *PlanRepository) GetByBatchID(ctx context.Context, batchID string) (StoredPlan, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, batch_id, access_token, idempotency_key, job_count, request, created_at
		FROM meal_plan_batches
		WHERE batch_id = ?`, batchID)

	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return StoredPlan{}, ErrPlanNotFound
	}
	return p, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(s scanner) (StoredPlan, error) {
	var p StoredPlan
	var request string
	if err := s.Scan(&p.ID, &p.UserID, &p.BatchID, &p.AccessToken, &p.IdempotencyKey, &p.JobCount, &request, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StoredPlan{}, err
		}
		return StoredPlan{}, fmt.Errorf("failed to scan meal plan batch: %w", err)
	}
	if err := json.Unmarshal([]byte(request), &p.Request); err != nil {
		return StoredPlan{}, fmt.Errorf("failed to parse stored plan request: %w", err)
	}
	return p, nil
}
