package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/curator/internal/domain/content"
)

// SaveItem inserts an item, deduplicating on (user_id, source, external_id).
func (s *Store) SaveItem(ctx context.Context, item *content.Item) (bool, error) {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO content_items (user_id, agent_id, run_id, source, external_id, title, body, url, author,
		    tags, placeholder, content_hash, published_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (user_id, source, external_id) DO NOTHING
		 RETURNING id, created_at`,
		item.UserID, nullIfEmpty(item.AgentID), nullIfEmpty(item.RunID), item.Source, item.ExternalID,
		item.Title, item.Body, item.URL, item.Author, pgTextArray(item.Tags), item.Placeholder,
		item.ContentHash, nullTime(item.PublishedAt),
	).Scan(&item.ID, &item.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("save item %s: %w", item.DedupKey(), err)
	}
	return true, nil
}

func (s *Store) ListItemsByAgent(ctx context.Context, agentID string, limit int) ([]content.Item, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, agent_id, run_id, source, external_id, title, body, url, author, tags,
		    placeholder, content_hash, published_at, created_at
		 FROM content_items WHERE agent_id = $1 ORDER BY created_at DESC LIMIT $2`,
		agentID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []content.Item
	for rows.Next() {
		var (
			it             content.Item
			agentID, runID *string
		)
		if err := rows.Scan(&it.ID, &it.UserID, &agentID, &runID, &it.Source, &it.ExternalID, &it.Title,
			&it.Body, &it.URL, &it.Author, &it.Tags, &it.Placeholder, &it.ContentHash, &it.PublishedAt,
			&it.CreatedAt); err != nil {
			return nil, fmt.Errorf("list items: %w", err)
		}
		if agentID != nil {
			it.AgentID = *agentID
		}
		if runID != nil {
			it.RunID = *runID
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return orEmpty(items), nil
}
