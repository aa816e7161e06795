// Package history persists graded practice turns in PostgreSQL and recalls
// a learner's similar past utterances via pgvector nearest-neighbour search.
//
// Each recorded turn stores the utterance, the written feedback, the three
// scores, and an embedding of the utterance. Recall results surface the
// learner's recurring mistakes next to fresh feedback ("you said 'I go
// yesterday' last week too").
//
// The pgvector extension must be available in the target database;
// [Migrate] installs it automatically via CREATE EXTENSION IF NOT EXISTS.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/davrien/converso/pkg/provider/embeddings"
	"github.com/davrien/converso/pkg/types"
)

// Entry is one graded practice turn.
type Entry struct {
	ID        int64        `json:"id"`
	LearnerID string       `json:"learnerId"`
	TopicID   string       `json:"topicId"`
	Utterance string       `json:"utterance"`
	Feedback  string       `json:"feedback"`
	Scores    types.Scores `json:"scores"`
	At        time.Time    `json:"at"`
}

// SimilarEntry is a recall result: a past entry plus its cosine distance to
// the query utterance (smaller is more similar).
type SimilarEntry struct {
	Entry
	Distance float64 `json:"distance"`
}

// ProgressSummary aggregates a learner's graded turns over a period.
type ProgressSummary struct {
	// Turns is the number of graded turns in the period.
	Turns int `json:"turns"`

	// Average holds the mean of each score dimension, zero when Turns is 0.
	Average types.Scores `json:"average"`
}

// Store persists graded turns in PostgreSQL. All operations are safe for
// concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
}

// NewStore connects to the PostgreSQL database at dsn, registers pgvector
// types on every connection, and runs [Migrate]. The embedding column
// dimension is taken from embedder; changing the embedding model after the
// first migration requires a manual schema change.
func NewStore(ctx context.Context, dsn string, embedder embeddings.Provider) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history store: parse dsn: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embedder.Dimensions()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: migrate: %w", err)
	}

	return &Store{pool: pool, embedder: embedder}, nil
}

// ddlTurns returns the DDL with the embedding dimension substituted. The
// vector dimension is baked into the column type at schema creation time.
func ddlTurns(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS graded_turns (
    id          BIGSERIAL    PRIMARY KEY,
    learner_id  TEXT         NOT NULL,
    topic_id    TEXT         NOT NULL DEFAULT '',
    utterance   TEXT         NOT NULL,
    feedback    TEXT         NOT NULL DEFAULT '',
    fluency     INT          NOT NULL,
    vocabulary  INT          NOT NULL,
    grammar     INT          NOT NULL,
    embedding   vector(%d),
    at          TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_graded_turns_learner
    ON graded_turns (learner_id, at);

CREATE INDEX IF NOT EXISTS idx_graded_turns_embedding
    ON graded_turns USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures the required tables and extensions exist. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, ddlTurns(embeddingDimensions)); err != nil {
		return fmt.Errorf("history migrate: %w", err)
	}
	return nil
}

// RecordTurn embeds the utterance and stores the graded turn.
func (s *Store) RecordTurn(ctx context.Context, learnerID, topicID, utterance, feedback string, scores types.Scores) error {
	vec, err := s.embedder.Embed(ctx, utterance)
	if err != nil {
		return fmt.Errorf("history store: embed utterance: %w", err)
	}

	const q = `
		INSERT INTO graded_turns
		    (learner_id, topic_id, utterance, feedback, fluency, vocabulary, grammar, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = s.pool.Exec(ctx, q,
		learnerID,
		topicID,
		utterance,
		feedback,
		scores.Fluency,
		scores.Vocabulary,
		scores.Grammar,
		pgvector.NewVector(vec),
	)
	if err != nil {
		return fmt.Errorf("history store: record turn: %w", err)
	}
	return nil
}

// Recent returns the learner's most recent graded turns, newest first.
func (s *Store) Recent(ctx context.Context, learnerID string, limit int) ([]Entry, error) {
	const q = `
		SELECT id, learner_id, topic_id, utterance, feedback, fluency, vocabulary, grammar, at
		FROM   graded_turns
		WHERE  learner_id = $1
		ORDER  BY at DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, learnerID, limit)
	if err != nil {
		return nil, fmt.Errorf("history store: recent: %w", err)
	}

	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return nil, fmt.Errorf("history store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

// Similar embeds utterance and returns the learner's topK most similar past
// utterances, most similar first (ascending cosine distance).
func (s *Store) Similar(ctx context.Context, learnerID, utterance string, topK int) ([]SimilarEntry, error) {
	vec, err := s.embedder.Embed(ctx, utterance)
	if err != nil {
		return nil, fmt.Errorf("history store: embed query: %w", err)
	}

	const q = `
		SELECT id, learner_id, topic_id, utterance, feedback, fluency, vocabulary, grammar, at,
		       embedding <=> $1 AS distance
		FROM   graded_turns
		WHERE  learner_id = $2
		ORDER  BY distance
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vec), learnerID, topK)
	if err != nil {
		return nil, fmt.Errorf("history store: similar: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SimilarEntry, error) {
		var se SimilarEntry
		if err := row.Scan(
			&se.ID,
			&se.LearnerID,
			&se.TopicID,
			&se.Utterance,
			&se.Feedback,
			&se.Scores.Fluency,
			&se.Scores.Vocabulary,
			&se.Scores.Grammar,
			&se.At,
			&se.Distance,
		); err != nil {
			return SimilarEntry{}, err
		}
		return se, nil
	})
	if err != nil {
		return nil, fmt.Errorf("history store: scan rows: %w", err)
	}
	if results == nil {
		results = []SimilarEntry{}
	}
	return results, nil
}

// Progress aggregates the learner's graded turns since the given time.
func (s *Store) Progress(ctx context.Context, learnerID string, since time.Time) (ProgressSummary, error) {
	const q = `
		SELECT COUNT(*),
		       COALESCE(AVG(fluency), 0),
		       COALESCE(AVG(vocabulary), 0),
		       COALESCE(AVG(grammar), 0)
		FROM   graded_turns
		WHERE  learner_id = $1 AND at >= $2`

	var (
		summary                      ProgressSummary
		fluency, vocabulary, grammar float64
	)
	err := s.pool.QueryRow(ctx, q, learnerID, since).Scan(
		&summary.Turns, &fluency, &vocabulary, &grammar)
	if err != nil {
		return ProgressSummary{}, fmt.Errorf("history store: progress: %w", err)
	}
	summary.Average = types.Scores{
		Fluency:    int(fluency + 0.5),
		Vocabulary: int(vocabulary + 0.5),
		Grammar:    int(grammar + 0.5),
	}
	return summary, nil
}

// Ping verifies database connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// scanEntry scans one graded_turns row (without distance).
func scanEntry(row pgx.CollectableRow) (Entry, error) {
	var e Entry
	if err := row.Scan(
		&e.ID,
		&e.LearnerID,
		&e.TopicID,
		&e.Utterance,
		&e.Feedback,
		&e.Scores.Fluency,
		&e.Scores.Vocabulary,
		&e.Scores.Grammar,
		&e.At,
	); err != nil {
		return Entry{}, err
	}
	return e, nil
}
