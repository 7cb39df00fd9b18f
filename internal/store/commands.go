package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/bridge/internal/models"
)

const commandColumns = `id, workspace_id, command_type, prompt, working_directory, agent, flags,
	timeout_seconds, target_machine_id, status, claimed_by_machine_id, claimed_at, started_at,
	completed_at, approval_required, approval_status, on_approve, commitment_id, payload, result, created_at`

// CommandFilter selects pending commands.
type CommandFilter struct {
	Workspaces []string
	Kind       models.CommandKind
	Limit      int
}

// CreateCommand inserts cmd in pending state unless a status is set.
func (s *Store) CreateCommand(ctx context.Context, cmd *models.Command) error {
	now := time.Now().UTC()
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	if cmd.Status == "" {
		cmd.Status = models.CommandPending
	}
	if cmd.Kind == "" {
		cmd.Kind = models.CommandSpawn
	}
	if cmd.ApprovalStatus == "" {
		cmd.ApprovalStatus = models.ApprovalNotRequired
		if cmd.ApprovalRequired {
			cmd.ApprovalStatus = models.ApprovalPending
		}
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = now
	}

	flags, err := json.Marshal(cmd.Flags)
	if err != nil {
		return fmt.Errorf("encode flags: %w", err)
	}
	payload, err := json.Marshal(cmd.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	result, err := encodeResult(cmd.Result)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx,
		`INSERT INTO commands (id, workspace_id, command_type, prompt, working_directory, agent, flags,
			timeout_seconds, target_machine_id, status, claimed_by_machine_id, claimed_at, started_at,
			completed_at, approval_required, approval_status, on_approve, commitment_id, payload, result,
			created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cmd.ID, cmd.WorkspaceID, string(cmd.Kind), cmd.Prompt, cmd.WorkingDirectory, cmd.Agent, string(flags),
		cmd.TimeoutSeconds, nullString(cmd.TargetMachineID), string(cmd.Status), nullString(cmd.ClaimedByMachineID),
		nullTime(cmd.ClaimedAt), nullTime(cmd.StartedAt), nullTime(cmd.CompletedAt),
		cmd.ApprovalRequired, string(cmd.ApprovalStatus), nullString(cmd.OnApprove), nullString(cmd.CommitmentID),
		string(payload), result, cmd.CreatedAt, now,
	)
	if err != nil {
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

// GetCommand returns the command with id or ErrNotFound.
func (s *Store) GetCommand(ctx context.Context, id string) (*models.Command, error) {
	cmd, err := scanCommand(s.queryRow(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query command: %w", err)
	}
	return cmd, nil
}

// PendingCommands returns pending commands matching f, oldest first.
func (s *Store) PendingCommands(ctx context.Context, f CommandFilter) ([]models.Command, error) {
	var where []string
	var args []any

	where = append(where, "status = ?")
	args = append(args, string(models.CommandPending))
	if len(f.Workspaces) > 0 {
		where = append(where, "workspace_id IN ("+placeholders(len(f.Workspaces))+")")
		for _, w := range f.Workspaces {
			args = append(args, w)
		}
	}
	if f.Kind != "" {
		where = append(where, "command_type = ?")
		args = append(args, string(f.Kind))
	}

	q := `SELECT ` + commandColumns + ` FROM commands WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at ASC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.listCommands(ctx, q, args...)
}

// ClaimedCommands returns commands in claimed status held by machineID,
// oldest first.
func (s *Store) ClaimedCommands(ctx context.Context, machineID string) ([]models.Command, error) {
	return s.listCommands(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE status = ? AND claimed_by_machine_id = ? ORDER BY created_at ASC`,
		string(models.CommandClaimed), machineID,
	)
}

// StaleClaims returns commands claimed by machineID before cutoff. An empty
// kind matches every kind.
func (s *Store) StaleClaims(ctx context.Context, machineID string, cutoff time.Time, kind models.CommandKind) ([]models.Command, error) {
	q := `SELECT ` + commandColumns + ` FROM commands
		WHERE status = ? AND claimed_by_machine_id = ? AND claimed_at < ?`
	args := []any{string(models.CommandClaimed), machineID, cutoff.UTC()}
	if kind != "" {
		q += ` AND command_type = ?`
		args = append(args, string(kind))
	}
	q += ` ORDER BY claimed_at ASC`
	return s.listCommands(ctx, q, args...)
}

func (s *Store) listCommands(ctx context.Context, q string, args ...any) ([]models.Command, error) {
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}
	defer rows.Close()

	var out []models.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		out = append(out, *cmd)
	}
	return out, rows.Err()
}

// ClaimCommand moves a pending command to claimed for machineID. It reports
// whether exactly one row changed.
func (s *Store) ClaimCommand(ctx context.Context, id, machineID string, at time.Time) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE commands SET status = ?, claimed_by_machine_id = ?, claimed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(models.CommandClaimed), machineID, at, at, id, string(models.CommandPending),
	)
	if err != nil {
		return false, fmt.Errorf("claim command: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

// CommandHolder returns the machine holding id and whether the command is
// still in a claimed or running state.
func (s *Store) CommandHolder(ctx context.Context, id string) (string, bool, error) {
	var holder sql.NullString
	var status string
	err := s.queryRow(ctx, `SELECT claimed_by_machine_id, status FROM commands WHERE id = ?`, id).Scan(&holder, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, ErrNotFound
	}
	if err != nil {
		return "", false, fmt.Errorf("query holder: %w", err)
	}
	held := models.CommandStatus(status) == models.CommandClaimed || models.CommandStatus(status) == models.CommandRunning
	return holder.String, held && holder.Valid, nil
}

// SetCommandStatus moves id to status. Running stamps started_at and terminal
// statuses stamp completed_at.
func (s *Store) SetCommandStatus(ctx context.Context, id string, status models.CommandStatus) error {
	now := time.Now().UTC()
	q := `UPDATE commands SET status = ?, updated_at = ?`
	args := []any{string(status), now}
	switch {
	case status == models.CommandRunning:
		q += `, started_at = ?`
		args = append(args, now)
	case status.Terminal():
		q += `, completed_at = ?`
		args = append(args, now)
	}
	q += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update command status: %w", err)
	}
	return expectOne(res)
}

// SetApprovalStatus records the human decision on id.
func (s *Store) SetApprovalStatus(ctx context.Context, id string, status models.ApprovalStatus) error {
	res, err := s.exec(ctx,
		`UPDATE commands SET approval_status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update approval status: %w", err)
	}
	return expectOne(res)
}

// SetCommandResult replaces the result blob of id.
func (s *Store) SetCommandResult(ctx context.Context, id string, r *models.CommandResultState) error {
	blob, err := encodeResult(r)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, `UPDATE commands SET result = ?, updated_at = ? WHERE id = ?`, blob, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update command result: %w", err)
	}
	return expectOne(res)
}

// ResetCommandToPending clears the claim on id so it can be claimed again.
func (s *Store) ResetCommandToPending(ctx context.Context, id string) error {
	res, err := s.exec(ctx,
		`UPDATE commands SET status = ?, claimed_by_machine_id = NULL, claimed_at = NULL, started_at = NULL, updated_at = ?
		 WHERE id = ?`,
		string(models.CommandPending), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("reset command: %w", err)
	}
	return expectOne(res)
}

// ResetStaleClaim resets id only while it is still claimed by machineID before
// cutoff. It reports whether the row changed.
func (s *Store) ResetStaleClaim(ctx context.Context, id, machineID string, cutoff time.Time) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE commands SET status = ?, claimed_by_machine_id = NULL, claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ? AND claimed_by_machine_id = ? AND claimed_at < ?`,
		string(models.CommandPending), time.Now().UTC(), id, string(models.CommandClaimed), machineID, cutoff.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("reset stale claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

// FailCommand marks id permanently failed with reason.
func (s *Store) FailCommand(ctx context.Context, id, reason string) error {
	failed := false
	blob, err := encodeResult(&models.CommandResultState{Success: &failed, Error: reason})
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := s.exec(ctx,
		`UPDATE commands SET status = ?, result = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		string(models.CommandFailed), blob, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("fail command: %w", err)
	}
	return expectOne(res)
}

// InsertCommandResult stores the outcome of one execution of commandID.
func (s *Store) InsertCommandResult(ctx context.Context, commandID string, r models.ExecutionResult) (string, error) {
	id := uuid.New().String()
	_, err := s.exec(ctx,
		`INSERT INTO command_results (id, command_id, status, exit_code, stdout, stderr,
			stdout_truncated, stderr_truncated, error_message, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, commandID, string(r.Status), r.ExitCode, r.Stdout, r.Stderr,
		r.StdoutTruncated, r.StderrTruncated, nullString(r.ErrorMessage), r.StartedAt.UTC(), r.CompletedAt.UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("insert command result: %w", err)
	}
	return id, nil
}

// CommandResults returns the recorded executions of commandID, oldest first.
func (s *Store) CommandResults(ctx context.Context, commandID string) ([]models.ExecutionResult, error) {
	rows, err := s.query(ctx,
		`SELECT status, exit_code, stdout, stderr, stdout_truncated, stderr_truncated, error_message, started_at, completed_at
		 FROM command_results WHERE command_id = ? ORDER BY started_at ASC`,
		commandID,
	)
	if err != nil {
		return nil, fmt.Errorf("query command results: %w", err)
	}
	defer rows.Close()

	var out []models.ExecutionResult
	for rows.Next() {
		var r models.ExecutionResult
		var status string
		var errMsg sql.NullString
		if err := rows.Scan(&status, &r.ExitCode, &r.Stdout, &r.Stderr, &r.StdoutTruncated, &r.StderrTruncated,
			&errMsg, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan command result: %w", err)
		}
		r.Status = models.ExecStatus(status)
		r.ErrorMessage = errMsg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// CommandCounts returns the number of commands per status.
func (s *Store) CommandCounts(ctx context.Context) (map[models.CommandStatus]int, error) {
	rows, err := s.query(ctx, `SELECT status, COUNT(*) FROM commands GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count commands: %w", err)
	}
	defer rows.Close()

	out := make(map[models.CommandStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[models.CommandStatus(status)] = n
	}
	return out, rows.Err()
}

func scanCommand(row scanner) (*models.Command, error) {
	var cmd models.Command
	var kind, status, approval, flags, payload string
	var target, claimedBy, onApprove, commitmentID, result sql.NullString
	var claimedAt, startedAt, completedAt sql.NullTime

	if err := row.Scan(&cmd.ID, &cmd.WorkspaceID, &kind, &cmd.Prompt, &cmd.WorkingDirectory, &cmd.Agent, &flags,
		&cmd.TimeoutSeconds, &target, &status, &claimedBy, &claimedAt, &startedAt,
		&completedAt, &cmd.ApprovalRequired, &approval, &onApprove, &commitmentID, &payload, &result, &cmd.CreatedAt); err != nil {
		return nil, err
	}

	cmd.Kind = models.CommandKind(kind)
	cmd.Status = models.CommandStatus(status)
	cmd.ApprovalStatus = models.ApprovalStatus(approval)
	cmd.TargetMachineID = target.String
	cmd.ClaimedByMachineID = claimedBy.String
	cmd.OnApprove = onApprove.String
	cmd.CommitmentID = commitmentID.String
	cmd.ClaimedAt = timePtr(claimedAt)
	cmd.StartedAt = timePtr(startedAt)
	cmd.CompletedAt = timePtr(completedAt)

	if flags != "" && flags != "null" {
		if err := json.Unmarshal([]byte(flags), &cmd.Flags); err != nil {
			return nil, fmt.Errorf("decode flags for %s: %w", cmd.ID, err)
		}
	}
	if payload != "" && payload != "null" {
		if err := json.Unmarshal([]byte(payload), &cmd.Payload); err != nil {
			return nil, fmt.Errorf("decode payload for %s: %w", cmd.ID, err)
		}
	}
	if result.Valid && result.String != "" {
		var r models.CommandResultState
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return nil, fmt.Errorf("decode result for %s: %w", cmd.ID, err)
		}
		cmd.Result = &r
	}
	return &cmd, nil
}

func encodeResult(r *models.CommandResultState) (sql.NullString, error) {
	if r == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode result: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
