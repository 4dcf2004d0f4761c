package domain

import (
	"context"
	"time"
)

// ReviewRecord is a flagged decision persisted for offline review.
// Written by the review worker, never by the engine itself.
type ReviewRecord struct {
	ID         string        `json:"id"`
	DecisionID string        `json:"decisionId"`
	CheckType  string        `json:"checkType"`
	Identifier string        `json:"identifier"` // already hashed upstream
	RiskLevel  RiskLevel     `json:"riskLevel"`
	Score      float64       `json:"score"`
	Action     Action        `json:"action"`
	Reason     string        `json:"reason"`
	Signals    []FraudSignal `json:"signals"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// ReviewRepository persists flagged decisions for offline review.
type ReviewRepository interface {
	SaveReview(ctx context.Context, rec *ReviewRecord) error
	GetReview(ctx context.Context, id string) (*ReviewRecord, error)
	ListReviews(ctx context.Context, since time.Time, limit int) ([]*ReviewRecord, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for review repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
