// Package connector registers the change-data-capture connector that turns
// rows of the players table into bus records.
package connector

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/sangdongvan/football-events/internal/logging"
)

//go:embed football-connector.json
var defaultDefinition []byte

// Default returns the embedded connector definition.
func Default() []byte {
	return bytes.Clone(defaultDefinition)
}

// Load returns the definition at path, or the embedded one when path is empty.
// The file must be a JSON object with a name.
func Load(path string) ([]byte, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read connector definition: %w", err)
	}
	if _, err := Name(data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return data, nil
}

// Name extracts the connector name from a definition.
func Name(definition []byte) (string, error) {
	var d struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(definition, &d); err != nil {
		return "", fmt.Errorf("invalid connector definition: %w", err)
	}
	if d.Name == "" {
		return "", fmt.Errorf("invalid connector definition: missing name")
	}
	return d.Name, nil
}

// RegistrationError is returned for any answer other than 201 or 409.
type RegistrationError struct {
	URL    string
	Status int
	Body   string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("unable to create connector at %s, HTTP status: %d %s", e.URL, e.Status, e.Body)
}

// Register posts definition to the connect REST API at url.
//
// 201 Created means the connector was created. 409 Conflict means it already
// exists and is logged as a warning; registration is idempotent.
func Register(ctx context.Context, client *http.Client, url string, definition []byte, logger *slog.Logger) error {
	logger = logging.OrDefault(logger)
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(definition))
	if err != nil {
		return fmt.Errorf("create connector request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("register connector: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch resp.StatusCode {
	case http.StatusCreated:
		logger.Info("connector created", "url", url)
		return nil
	case http.StatusConflict:
		logger.Warn("connector already exists", "url", url, "response", string(body))
		return nil
	default:
		return &RegistrationError{URL: url, Status: resp.StatusCode, Body: string(body)}
	}
}
