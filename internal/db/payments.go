package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

type BalanceRecord struct {
	UserID          int64      `json:"user_id"`
	Username        *string    `json:"username,omitempty"`
	PaidGenerations int        `json:"paid_generations"`
	LastPaymentAt   *time.Time `json:"last_payment_at,omitempty"`
	TotalSpentCents int64      `json:"total_spent_cents"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// GetBalance returns the user's paid generation count, or 0 when no row exists.
func (db *DB) GetBalance(ctx context.Context, userID int64) (int, error) {
	var balance int
	err := db.pool.QueryRow(ctx,
		"SELECT paid_generations FROM payments WHERE user_id = $1",
		userID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance for user %d: %w", userID, err)
	}
	return balance, nil
}

// IncrementBalance applies delta to the user's balance inside one transaction
// and returns the resulting value. The result is clamped at zero, so a
// decrement on an empty balance yields 0 rather than going negative.
// last_payment_at is refreshed only for positive deltas; username is stored
// when provided and not yet set.
func (db *DB) IncrementBalance(ctx context.Context, userID int64, delta int, username string) (int, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin balance transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current int
	exists := true
	err = tx.QueryRow(ctx,
		"SELECT paid_generations FROM payments WHERE user_id = $1 FOR UPDATE",
		userID,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		exists = false
		current = 0
	} else if err != nil {
		return 0, fmt.Errorf("failed to lock balance row for user %d: %w", userID, err)
	}

	newVal := current + delta
	if newVal < 0 {
		newVal = 0
	}

	if exists {
		if delta > 0 {
			_, err = tx.Exec(ctx,
				`UPDATE payments
				 SET paid_generations = $2,
				     last_payment_at = now(),
				     username = COALESCE(username, NULLIF($3, '')),
				     updated_at = now()
				 WHERE user_id = $1`,
				userID, newVal, username,
			)
		} else {
			_, err = tx.Exec(ctx,
				`UPDATE payments
				 SET paid_generations = $2,
				     username = COALESCE(username, NULLIF($3, '')),
				     updated_at = now()
				 WHERE user_id = $1`,
				userID, newVal, username,
			)
		}
	} else {
		if delta > 0 {
			_, err = tx.Exec(ctx,
				"INSERT INTO payments (user_id, username, paid_generations, last_payment_at) VALUES ($1, NULLIF($2, ''), $3, now())",
				userID, username, newVal,
			)
		} else {
			_, err = tx.Exec(ctx,
				"INSERT INTO payments (user_id, username, paid_generations) VALUES ($1, NULLIF($2, ''), $3)",
				userID, username, newVal,
			)
		}
	}
	if err != nil {
		return 0, fmt.Errorf("failed to update balance for user %d: %w", userID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit balance for user %d: %w", userID, err)
	}
	return newVal, nil
}

// GetBalanceRecord returns the full ledger row for a user.
func (db *DB) GetBalanceRecord(ctx context.Context, userID int64) (*BalanceRecord, error) {
	var rec BalanceRecord
	err := db.pool.QueryRow(ctx,
		`SELECT user_id, username, paid_generations, last_payment_at, total_spent_cents, created_at, updated_at
		 FROM payments WHERE user_id = $1`,
		userID,
	).Scan(&rec.UserID, &rec.Username, &rec.PaidGenerations, &rec.LastPaymentAt, &rec.TotalSpentCents, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListBalances returns ledger rows ordered by most recent payment first.
func (db *DB) ListBalances(ctx context.Context, limit int) ([]BalanceRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT user_id, username, paid_generations, last_payment_at, total_spent_cents, created_at, updated_at
		 FROM payments ORDER BY last_payment_at DESC NULLS LAST, user_id LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []BalanceRecord
	for rows.Next() {
		var rec BalanceRecord
		if err := rows.Scan(&rec.UserID, &rec.Username, &rec.PaidGenerations, &rec.LastPaymentAt, &rec.TotalSpentCents, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
