package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/nuka-conductor/internal/knowledge"
)

var _ knowledge.Store = (*Store)(nil)

// Get retrieves a single entry by key.
func (s *Store) Get(ctx context.Context, key string) (*knowledge.Entry, error) {
	var e knowledge.Entry
	err := s.db.QueryRow(ctx, `
		SELECT key, value, tags, updated_at
		FROM knowledge_entries WHERE key = $1`, key,
	).Scan(&e.Key, &e.Value, &e.Tags, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", knowledge.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %s: %w", key, err)
	}
	if len(e.Tags) == 0 {
		e.Tags = nil
	}
	return &e, nil
}

// Put upserts an entry.
func (s *Store) Put(ctx context.Context, e knowledge.Entry) error {
	if e.Key == "" {
		return errors.New("knowledge: empty key")
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO knowledge_entries (key, value, tags, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			tags = EXCLUDED.tags,
			updated_at = EXCLUDED.updated_at`,
		e.Key, e.Value, tags, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put entry %s: %w", e.Key, err)
	}
	return nil
}

// Delete removes an entry; deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM knowledge_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete entry %s: %w", key, err)
	}
	return nil
}

// Search narrows candidates in SQL and ranks them with knowledge.Rank.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]knowledge.Entry, error) {
	terms := knowledge.Terms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	patterns := make([]string, len(terms))
	for i, t := range terms {
		patterns[i] = "%" + t + "%"
	}
	rows, err := s.db.Query(ctx, `
		SELECT key, value, tags, updated_at
		FROM knowledge_entries
		WHERE key ILIKE ANY($1)
		   OR value ILIKE ANY($1)
		   OR array_to_string(tags, ' ') ILIKE ANY($1)
		ORDER BY updated_at DESC
		LIMIT 500`, patterns)
	if err != nil {
		return nil, fmt.Errorf("search entries: %w", err)
	}
	defer rows.Close()

	var candidates []knowledge.Entry
	for rows.Next() {
		var e knowledge.Entry
		if err := rows.Scan(&e.Key, &e.Value, &e.Tags, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		candidates = append(candidates, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search entries: %w", err)
	}
	return knowledge.Rank(candidates, query, limit), nil
}
