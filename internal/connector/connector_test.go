package connector

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sangdongvan/football-events/internal/logging"
)

func TestDefault_IsNamedPostgresConnector(t *testing.T) {
	name, err := Name(Default())
	require.NoError(t, err)
	assert.Equal(t, "football-connector", name)
	assert.Contains(t, string(Default()), `"table.include.list": "public.players"`)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"name":"custom","config":{}}`), 0o600))
	unnamed := filepath.Join(dir, "unnamed.json")
	require.NoError(t, os.WriteFile(unnamed, []byte(`{"config":{}}`), 0o600))

	data, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), data)

	data, err = Load(good)
	require.NoError(t, err)
	assert.Equal(t, `{"name":"custom","config":{}}`, string(data))

	_, err = Load(unnamed)
	assert.ErrorContains(t, err, "missing name")

	_, err = Load(filepath.Join(dir, "absent.json"))
	assert.ErrorContains(t, err, "failed to read connector definition")
}

func TestRegister(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
		wantLog string
	}{
		{"created", http.StatusCreated, false, "connector created"},
		{"already exists", http.StatusConflict, false, "connector already exists"},
		{"bad request", http.StatusBadRequest, true, ""},
		{"server error", http.StatusInternalServerError, true, ""},
		{"ok is not created", http.StatusOK, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotBody []byte
			var gotType string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotBody, _ = io.ReadAll(r.Body)
				gotType = r.Header.Get("Content-Type")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"message":"x"}`))
			}))
			defer srv.Close()

			var logs bytes.Buffer
			err := Register(context.Background(), srv.Client(), srv.URL+"/connectors/", Default(), logging.New(&logs, logging.LevelTrace))

			assert.Equal(t, Default(), gotBody)
			assert.Equal(t, "application/json", gotType)
			if tt.wantErr {
				var re *RegistrationError
				require.True(t, errors.As(err, &re))
				assert.Equal(t, tt.status, re.Status)
				assert.Contains(t, err.Error(), `{"message":"x"}`)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, logs.String(), tt.wantLog)
		})
	}
}

func TestRegister_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := Register(context.Background(), nil, url, Default(), logging.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "register connector")
}
