// Package audit writes the best-effort annotation and capture trail.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fentz26/bridge/internal/models"
)

// Backend persists audit records. Both the SQL store and the ledger client
// implement it.
type Backend interface {
	InsertAnnotation(ctx context.Context, a *models.Annotation) error
	InsertCapture(ctx context.Context, c *models.Capture) error
}

// Recorder writes annotations and captures. Write failures are logged and
// never returned, so a broken sink cannot stop scheduling.
type Recorder struct {
	backend Backend
	actor   string
	now     func() time.Time
	logger  *slog.Logger
}

// NewRecorder creates a recorder that stamps records with actor.
func NewRecorder(backend Backend, actor string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		backend: backend,
		actor:   actor,
		now:     time.Now,
		logger:  logger.With("component", "audit"),
	}
}

// Annotate attaches a note to targetID.
func (r *Recorder) Annotate(ctx context.Context, targetID, body, kind string) {
	a := &models.Annotation{
		TargetID:  targetID,
		Body:      body,
		Kind:      kind,
		Actor:     r.actor,
		CreatedAt: r.now().UTC(),
	}
	if err := r.backend.InsertAnnotation(ctx, a); err != nil {
		r.logger.Warn("annotate failed", "target_id", targetID, "kind", kind, "error", err)
	}
}

// Capture appends an event record and returns its id, or "" when the write
// failed.
func (r *Recorder) Capture(ctx context.Context, body, kind string, meta map[string]interface{}) string {
	c := &models.Capture{
		Body:      body,
		Kind:      kind,
		Meta:      meta,
		MetaHash:  hashMeta(meta),
		Actor:     r.actor,
		CreatedAt: r.now().UTC(),
	}
	if err := r.backend.InsertCapture(ctx, c); err != nil {
		r.logger.Warn("capture failed", "kind", kind, "error", err)
		return ""
	}
	return c.ID
}

// hashMeta fingerprints the metadata so identical events can be correlated.
func hashMeta(meta map[string]interface{}) string {
	data, err := json.Marshal(meta)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
