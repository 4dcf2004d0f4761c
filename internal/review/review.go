// Package review persists flagged decisions for offline analysis.
package review

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.ReviewRepository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a review repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.ReviewRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	_, err := r.db.Exec(schemaReviews)
	return err
}

// SaveReview stores a flagged decision.
func (r *SQLRepository) SaveReview(ctx context.Context, rec *domain.ReviewRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: record with id is required", ErrInvalidInput)
	}

	signals, err := json.Marshal(rec.Signals)
	if err != nil {
		return fmt.Errorf("failed to marshal signals: %w", err)
	}

	query := `
		INSERT INTO reviews (
			id, decision_id, check_type, identifier,
			risk_level, score, action, reason, signals, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, rec.DecisionID, rec.CheckType, rec.Identifier,
		string(rec.RiskLevel), rec.Score, string(rec.Action),
		rec.Reason, string(signals), rec.CreatedAt,
	)
	return err
}

// GetReview retrieves a flagged decision by ID.
func (r *SQLRepository) GetReview(ctx context.Context, id string) (*domain.ReviewRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidInput)
	}

	query := `
		SELECT id, decision_id, check_type, identifier,
			   risk_level, score, action, reason, signals, created_at
		FROM reviews
		WHERE id = ?
	`

	rec, err := scanReview(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListReviews retrieves flagged decisions since a timestamp, newest first.
func (r *SQLRepository) ListReviews(ctx context.Context, since time.Time, limit int) ([]*domain.ReviewRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, decision_id, check_type, identifier,
			   risk_level, score, action, reason, signals, created_at
		FROM reviews
		WHERE created_at >= ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.ReviewRecord
	for rows.Next() {
		rec, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReview(row rowScanner) (*domain.ReviewRecord, error) {
	var rec domain.ReviewRecord
	var riskLevel, action, signals string

	err := row.Scan(
		&rec.ID, &rec.DecisionID, &rec.CheckType, &rec.Identifier,
		&riskLevel, &rec.Score, &action, &rec.Reason, &signals, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.RiskLevel = domain.RiskLevel(riskLevel)
	rec.Action = domain.Action(action)
	if signals != "" {
		if err := json.Unmarshal([]byte(signals), &rec.Signals); err != nil {
			return nil, fmt.Errorf("failed to unmarshal signals: %w", err)
		}
	}

	return &rec, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
