package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/bridge/internal/models"
)

// Commitment outcomes recorded on close.
const (
	OutcomeCompleted = models.OutcomeCompleted
	OutcomeFailed    = models.OutcomeFailed
)

// errBadMeta marks a commitment row whose meta column cannot be decoded.
var errBadMeta = errors.New("unreadable meta")

const commitmentColumns = `id, workspace_id, body, source, kind, state, owner, claimed_at, meta, created_at, updated_at`

// CreateCommitment inserts c, assigning an id and timestamps when unset.
func (s *Store) CreateCommitment(ctx context.Context, c *models.Commitment) error {
	now := time.Now().UTC()
	if c.ID == "" {
		c.ID = "cmt_" + uuid.New().String()
	}
	if c.State == "" {
		c.State = models.CommitmentOpen
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	meta, err := json.Marshal(c.Meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}

	_, err = s.exec(ctx,
		`INSERT INTO commitments (id, workspace_id, body, source, kind, state, owner, claimed_at, meta, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.WorkspaceID, c.Body, c.Source, string(c.Kind), string(c.State),
		nullString(c.Owner), nullTime(c.ClaimedAt), string(meta), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert commitment: %w", err)
	}
	return nil
}

// GetCommitment returns the commitment with id or ErrNotFound.
func (s *Store) GetCommitment(ctx context.Context, id string) (*models.Commitment, error) {
	row := s.queryRow(ctx, `SELECT `+commitmentColumns+` FROM commitments WHERE id = ?`, id)
	c, err := scanCommitment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query commitment: %w", err)
	}
	return c, nil
}

// OpenCommitments returns up to limit open commitments, oldest first. Rows
// whose meta cannot be decoded are logged and left out.
func (s *Store) OpenCommitments(ctx context.Context, limit int) ([]models.Commitment, error) {
	rows, err := s.query(ctx,
		`SELECT `+commitmentColumns+` FROM commitments WHERE state = ? ORDER BY created_at ASC LIMIT ?`,
		string(models.CommitmentOpen), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query commitments: %w", err)
	}
	return scanCommitments(rows)
}

// StaleCommitments returns open commitments owned by owner that were
// claimed before cutoff.
func (s *Store) StaleCommitments(ctx context.Context, owner string, cutoff time.Time) ([]models.Commitment, error) {
	rows, err := s.query(ctx,
		`SELECT `+commitmentColumns+` FROM commitments
		 WHERE state = ? AND owner = ? AND (claimed_at IS NULL OR claimed_at < ?)
		 ORDER BY claimed_at ASC`,
		string(models.CommitmentOpen), owner, cutoff.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query stale commitments: %w", err)
	}
	return scanCommitments(rows)
}

// ResetStaleCommitment clears the claim on id if owner still holds it and
// it was taken before cutoff.
func (s *Store) ResetStaleCommitment(ctx context.Context, id, owner string, cutoff time.Time) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE commitments SET owner = NULL, claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND owner = ? AND state = ? AND (claimed_at IS NULL OR claimed_at < ?)`,
		time.Now().UTC(), id, owner, string(models.CommitmentOpen), cutoff.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("reset stale commitment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

func scanCommitments(rows *sql.Rows) ([]models.Commitment, error) {
	defer rows.Close()

	var out []models.Commitment
	for rows.Next() {
		c, err := scanCommitment(rows)
		if errors.Is(err, errBadMeta) {
			slog.Warn("skipping commitment", "component", "store", "error", err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("scan commitment: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// CommitmentStates returns the state of each existing id. Unknown ids are
// omitted.
func (s *Store) CommitmentStates(ctx context.Context, ids []string) (map[string]models.CommitmentState, error) {
	out := make(map[string]models.CommitmentState, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.query(ctx,
		`SELECT id, state FROM commitments WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query commitment states: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, state string
		if err := rows.Scan(&id, &state); err != nil {
			return nil, fmt.Errorf("scan commitment state: %w", err)
		}
		out[id] = models.CommitmentState(state)
	}
	return out, rows.Err()
}

// ClaimCommitment sets owner on an open, unowned commitment. It reports
// whether exactly one row changed.
func (s *Store) ClaimCommitment(ctx context.Context, id, owner string, at time.Time) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE commitments SET owner = ?, claimed_at = ?, updated_at = ?
		 WHERE id = ? AND owner IS NULL AND state = ?`,
		owner, at, at, id, string(models.CommitmentOpen),
	)
	if err != nil {
		return false, fmt.Errorf("claim commitment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

// CommitmentOwner returns the current owner of id.
func (s *Store) CommitmentOwner(ctx context.Context, id string) (string, bool, error) {
	var owner sql.NullString
	err := s.queryRow(ctx, `SELECT owner FROM commitments WHERE id = ?`, id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, ErrNotFound
	}
	if err != nil {
		return "", false, fmt.Errorf("query owner: %w", err)
	}
	return owner.String, owner.Valid && owner.String != "", nil
}

// ReleaseCommitment clears the owner if it is still owner.
func (s *Store) ReleaseCommitment(ctx context.Context, id, owner string) error {
	_, err := s.exec(ctx,
		`UPDATE commitments SET owner = NULL, claimed_at = NULL, updated_at = ? WHERE id = ? AND owner = ?`,
		time.Now().UTC(), id, owner,
	)
	if err != nil {
		return fmt.Errorf("release commitment: %w", err)
	}
	return nil
}

// CloseCommitment moves id to closed with outcome and an optional reason.
func (s *Store) CloseCommitment(ctx context.Context, id, outcome, reason string) error {
	now := time.Now().UTC()
	res, err := s.exec(ctx,
		`UPDATE commitments SET state = ?, outcome = ?, closed_reason = ?, closed_at = ?, updated_at = ?
		 WHERE id = ? AND state = ?`,
		string(models.CommitmentClosed), outcome, nullString(reason), now, now, id, string(models.CommitmentOpen),
	)
	if err != nil {
		return fmt.Errorf("close commitment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CommitmentOutcome returns the outcome and reason recorded on close.
func (s *Store) CommitmentOutcome(ctx context.Context, id string) (outcome, reason string, err error) {
	var o, r sql.NullString
	err = s.queryRow(ctx, `SELECT outcome, closed_reason FROM commitments WHERE id = ?`, id).Scan(&o, &r)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("query outcome: %w", err)
	}
	return o.String, r.String, nil
}

func scanCommitment(row scanner) (*models.Commitment, error) {
	var c models.Commitment
	var kind, state, meta string
	var owner sql.NullString
	var claimedAt sql.NullTime

	if err := row.Scan(&c.ID, &c.WorkspaceID, &c.Body, &c.Source, &kind, &state,
		&owner, &claimedAt, &meta, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Kind = models.Kind(kind)
	c.State = models.CommitmentState(state)
	if owner.Valid {
		c.Owner = owner.String
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		c.ClaimedAt = &t
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &c.Meta); err != nil {
			return nil, fmt.Errorf("%w for %s: %v", errBadMeta, c.ID, err)
		}
	}
	return &c, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
