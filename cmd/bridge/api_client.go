package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fentz26/bridge/internal/controlplane"
)

const statusClientTimeout = 10 * time.Second

var apiClient = &http.Client{Timeout: statusClientTimeout}

// fetch GETs path from the status server and returns the body and code.
func fetch(path string) ([]byte, int, error) {
	resp, err := apiClient.Get(apiAddr + path)
	if err != nil {
		return nil, 0, fmt.Errorf("status request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read %s: %w", path, err)
	}
	return body, resp.StatusCode, nil
}

// getJSON decodes a successful response into out.
func getJSON(path string, out any) error {
	body, code, err := fetch(path)
	if err != nil {
		return err
	}
	if code >= 400 {
		return fmt.Errorf("status server (%d): %s", code, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// CheckHealth returns the parsed health payload even on non-200 responses,
// so callers can report the database status alongside the error.
func CheckHealth() (*controlplane.HealthResponse, error) {
	body, code, err := fetch("/health")
	if err != nil {
		return nil, err
	}
	var health controlplane.HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	if code != http.StatusOK {
		return &health, fmt.Errorf("health check failed (status %d): %s", code, body)
	}
	return &health, nil
}
