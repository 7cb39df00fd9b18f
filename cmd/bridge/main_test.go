package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/bridge/internal/config"
	"github.com/fentz26/bridge/internal/controlplane"
	"github.com/fentz26/bridge/internal/deps"
	"github.com/fentz26/bridge/internal/models"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSchedulerClaimantIsMachineScoped(t *testing.T) {
	a, b := schedulerClaimant("machine-a"), schedulerClaimant("machine-b")
	assert.Equal(t, "agent:bridge:machine-a", a)
	assert.NotEqual(t, a, b)
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.Logging{Level: "warn", Format: "json"}, &buf)
	logger.Info("dropped")
	logger.Warn("kept", "component", "scheduler")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "scheduler", rec["component"])
}

type stateLookup map[string]models.CommitmentState

func (s stateLookup) CommitmentStates(_ context.Context, ids []string) (map[string]models.CommitmentState, error) {
	out := make(map[string]models.CommitmentState)
	for _, id := range ids {
		if st, ok := s[id]; ok {
			out[id] = st
		}
	}
	return out, nil
}

func TestPrintStates(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	list := []models.Commitment{
		{ID: "cmt_due", State: models.CommitmentOpen, Meta: models.Meta{DueAt: "2026-03-10T11:00:00Z"}},
		{ID: "cmt_blocked", State: models.CommitmentOpen, Meta: models.Meta{WaitFor: "cmt_dep"}},
	}
	resolver := deps.NewResolver(stateLookup{"cmt_dep": models.CommitmentOpen}, nil, nil)

	var buf bytes.Buffer
	require.NoError(t, printStates(context.Background(), &buf, list, resolver, now))
	out := buf.String()

	assert.Contains(t, out, "TEMPORAL")
	assert.Regexp(t, `cmt_due\s+open\s+due\s+2026-03-10T11:00:00Z`, out)
	assert.Regexp(t, `cmt_blocked\s+open\s+\S+.*cmt_dep`, out)
}

func TestRunStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(controlplane.HealthResponse{OK: true, DB: "ok", Version: "9.9.9", Time: "now"})
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"scheduler":{"ticks":3},"commands":{"pending":1}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	old := apiAddr
	apiAddr = srv.URL
	defer func() { apiAddr = old }()

	var buf bytes.Buffer
	statusCmd.SetOut(&buf)
	defer statusCmd.SetOut(nil)
	require.NoError(t, runStatus(statusCmd, nil))

	out := buf.String()
	assert.Contains(t, out, "Daemon:   ok (version 9.9.9)")
	assert.Contains(t, out, "[scheduler]")
	assert.Contains(t, out, `{"ticks":3}`)
	assert.Less(t, strings.Index(out, "[commands]"), strings.Index(out, "[scheduler]"))
}

func TestCheckHealthUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(controlplane.HealthResponse{OK: false, DB: "sql: database is closed"})
	}))
	defer srv.Close()

	old := apiAddr
	apiAddr = srv.URL
	defer func() { apiAddr = old }()

	health, err := CheckHealth()
	require.Error(t, err)
	require.NotNil(t, health)
	assert.False(t, health.OK)
	assert.Equal(t, "sql: database is closed", health.DB)
}
