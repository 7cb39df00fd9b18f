package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/bridge/internal/models"
)

// InsertAnnotation appends a note to the annotation log.
func (s *Store) InsertAnnotation(ctx context.Context, a *models.Annotation) error {
	if a.ID == "" {
		a.ID = "ann_" + uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx,
		`INSERT INTO annotations (id, target_id, body, kind, actor, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.TargetID, a.Body, a.Kind, a.Actor, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert annotation: %w", err)
	}
	return nil
}

// Annotations returns the notes on targetID, oldest first.
func (s *Store) Annotations(ctx context.Context, targetID string) ([]models.Annotation, error) {
	rows, err := s.query(ctx,
		`SELECT id, target_id, body, kind, actor, created_at FROM annotations WHERE target_id = ? ORDER BY created_at ASC`,
		targetID,
	)
	if err != nil {
		return nil, fmt.Errorf("query annotations: %w", err)
	}
	defer rows.Close()

	var out []models.Annotation
	for rows.Next() {
		var a models.Annotation
		if err := rows.Scan(&a.ID, &a.TargetID, &a.Body, &a.Kind, &a.Actor, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// InsertCapture appends a record to the capture log.
func (s *Store) InsertCapture(ctx context.Context, c *models.Capture) error {
	if c.ID == "" {
		c.ID = "mem_" + uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(c.Meta)
	if err != nil {
		return fmt.Errorf("encode capture meta: %w", err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO captures (id, body, kind, meta, meta_hash, actor, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Body, c.Kind, string(meta), c.MetaHash, c.Actor, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert capture: %w", err)
	}
	return nil
}

// Captures returns up to limit records of kind, newest first. An empty kind
// matches every kind.
func (s *Store) Captures(ctx context.Context, kind string, limit int) ([]models.Capture, error) {
	q := `SELECT id, body, kind, meta, meta_hash, actor, created_at FROM captures`
	var args []any
	if kind != "" {
		q += ` WHERE kind = ?`
		args = append(args, kind)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query captures: %w", err)
	}
	defer rows.Close()

	var out []models.Capture
	for rows.Next() {
		var c models.Capture
		var meta string
		if err := rows.Scan(&c.ID, &c.Body, &c.Kind, &meta, &c.MetaHash, &c.Actor, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan capture: %w", err)
		}
		if meta != "" && meta != "null" {
			if err := json.Unmarshal([]byte(meta), &c.Meta); err != nil {
				return nil, fmt.Errorf("decode capture meta for %s: %w", c.ID, err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
