package review

// Schema for the review sink. Compatible with both SQLite and PostgreSQL.

const schemaReviews = `
CREATE TABLE IF NOT EXISTS reviews (
    id TEXT PRIMARY KEY,
    decision_id TEXT NOT NULL,
    check_type TEXT NOT NULL,
    identifier TEXT NOT NULL,
    risk_level TEXT NOT NULL,
    score REAL NOT NULL,
    action TEXT NOT NULL,
    reason TEXT,
    signals TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reviews_created ON reviews(created_at);
CREATE INDEX IF NOT EXISTS idx_reviews_identifier ON reviews(identifier);
CREATE INDEX IF NOT EXISTS idx_reviews_check_type ON reviews(check_type);
`
