package main_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percona/percona-oplogsync-mongodb/errors"
)

// errCommandTimeout is returned when the command execution times out.
var errCommandTimeout = errors.New("command timed out")

// binaryPath holds the path to the compiled posm binary.
//
//nolint:gochecknoglobals
var binaryPath string

// TestMain builds the binary once before running all tests.
func TestMain(m *testing.M) {
	code := runTestMain(m)
	os.Exit(code)
}

func runTestMain(m *testing.M) int {
	tmpDir, err := os.MkdirTemp("", "posm-cli-test")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create temp dir: %v\n", err)

		return 1
	}
	defer os.RemoveAll(tmpDir)

	binaryPath = filepath.Join(tmpDir, "posm")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(ctx, "go", "build", "-race", "-o", binaryPath, ".")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err = cmd.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build binary: %v\n", err)

		return 1
	}

	return m.Run()
}

// capturedRequest holds the details of an HTTP request captured by the mock server.
type capturedRequest struct {
	Method string
	Path   string
	Body   []byte
}

// mockPOSMServer creates a mock POSM HTTP server that captures requests.
func mockPOSMServer(t *testing.T, response any) (*httptest.Server, *capturedRequest, *sync.Mutex) {
	t.Helper()

	var captured capturedRequest
	var mu sync.Mutex

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		captured.Method = r.Method
		captured.Path = r.URL.Path

		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("failed to read request body: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)

			return
		}
		captured.Body = body

		w.Header().Set("Content-Type", "application/json")

		encErr := json.NewEncoder(w).Encode(response)
		if encErr != nil {
			t.Errorf("failed to encode response: %v", encErr)
		}
	}))

	return server, &captured, &mu
}

func extractPort(serverURL string) string {
	parts := strings.Split(serverURL, ":")
	if len(parts) < 3 {
		return ""
	}

	return parts[len(parts)-1]
}

// runPOSM runs the posm binary with the given arguments and environment variables.
func runPOSM(t *testing.T, args []string, env map[string]string) (string, string, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, binaryPath, args...)

	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return stdout.String(), stderr.String(), errCommandTimeout
	}

	return stdout.String(), stderr.String(), err
}

func writeJobsFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

type mockJob struct {
	JobID  string `json:"jobId"`
	State  string `json:"state"`
	Error  string `json:"error,omitempty"`
	Action string `json:"action,omitempty"`
}

type mockResponse struct {
	Ok   bool      `json:"ok"`
	Jobs []mockJob `json:"jobs"`
}

func TestStatusCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name             string
		response         mockResponse
		expectedInOutput []string
	}{
		{
			name: "tailing",
			response: mockResponse{
				Ok:   true,
				Jobs: []mockJob{{JobID: "users-sync", State: "tailing"}},
			},
			expectedInOutput: []string{`"ok": true`, `"jobId": "users-sync"`, `"state": "tailing"`},
		},
		{
			name: "copying",
			response: mockResponse{
				Ok:   true,
				Jobs: []mockJob{{JobID: "users-sync", State: "copying"}},
			},
			expectedInOutput: []string{`"state": "copying"`},
		},
		{
			name: "fatal with action",
			response: mockResponse{
				Ok: false,
				Jobs: []mockJob{{
					JobID:  "orders-sync",
					State:  "fatal",
					Error:  "resume position not found in log",
					Action: "set forceFullCopy",
				}},
			},
			expectedInOutput: []string{
				`"ok": false`,
				`"state": "fatal"`,
				`"error": "resume position not found in log"`,
				`"action": "set forceFullCopy"`,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server, captured, mu := mockPOSMServer(t, tt.response)
			defer server.Close()

			port := extractPort(server.URL)

			stdout, stderr, err := runPOSM(t, []string{"--port", port, "status"}, nil)

			require.NoError(t, err, "stderr: %s", stderr)

			mu.Lock()
			defer mu.Unlock()

			assert.Equal(t, http.MethodGet, captured.Method)
			assert.Equal(t, "/status", captured.Path)
			assert.Empty(t, captured.Body)

			for _, expected := range tt.expectedInOutput {
				assert.Contains(t, stdout, expected)
			}
		})
	}
}

func TestPortConfiguration(t *testing.T) {
	t.Parallel()

	t.Run("port via POSM_PORT env var", func(t *testing.T) {
		t.Parallel()

		server, captured, mu := mockPOSMServer(t, mockResponse{Ok: true})
		defer server.Close()

		port := extractPort(server.URL)

		_, stderr, err := runPOSM(t, []string{"status"}, map[string]string{
			"POSM_PORT": port,
		})
		require.NoError(t, err, "stderr: %s", stderr)

		mu.Lock()
		defer mu.Unlock()

		assert.Equal(t, "/status", captured.Path)
	})

	t.Run("flag takes precedence over env var", func(t *testing.T) {
		t.Parallel()

		wrongServer, _, _ := mockPOSMServer(t, mockResponse{Ok: false})
		defer wrongServer.Close()

		correct := mockResponse{Ok: true, Jobs: []mockJob{{JobID: "correct", State: "tailing"}}}
		correctServer, captured, mu := mockPOSMServer(t, correct)
		defer correctServer.Close()

		stdout, stderr, err := runPOSM(t,
			[]string{"--port", extractPort(correctServer.URL), "status"},
			map[string]string{"POSM_PORT": extractPort(wrongServer.URL)})
		require.NoError(t, err, "stderr: %s", stderr)

		mu.Lock()
		defer mu.Unlock()

		assert.Equal(t, "/status", captured.Path)
		assert.Contains(t, stdout, `"jobId": "correct"`)
	})
}

func TestRunErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		args     []string
		jobs     string
		expected string
	}{
		{
			name:     "no jobs file",
			args:     []string{"--port", "59998"},
			expected: "jobs file is not set",
		},
		{
			name:     "port out of range",
			args:     []string{"--port", "80", "--jobs-file", "jobs.yaml"},
			expected: "port value is outside the supported range",
		},
		{
			name: "heartbeat not shorter than the resume window",
			args: []string{
				"--port", "59998", "--jobs-file", "jobs.yaml",
				"--resume-window", "10s", "--heartbeat-interval", "10s",
			},
			expected: "heartbeat interval must be shorter than the resume window",
		},
		{
			name:     "invalid jobs file",
			jobs:     "jobs:\n  - jobId: users-sync\n",
			expected: "load jobs",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			args := tt.args
			if tt.jobs != "" {
				args = []string{"--port", "59998", "--jobs-file", writeJobsFile(t, tt.jobs)}
			}

			_, stderr, err := runPOSM(t, args, nil)

			require.Error(t, err)
			assert.NotErrorIs(t, err, errCommandTimeout)
			assert.Contains(t, stderr, tt.expected)
		})
	}
}

func TestResetCommandErrors(t *testing.T) {
	t.Parallel()

	jobs := writeJobsFile(t, `
jobs:
  - jobId: users-sync
    source:
      url: mongodb://127.0.0.1:1
      namespace: app
    destination:
      url: mongodb://127.0.0.1:2
    collections: [users]
`)

	t.Run("missing --job", func(t *testing.T) {
		t.Parallel()

		_, stderr, err := runPOSM(t, []string{"--jobs-file", jobs, "reset"}, nil)

		require.Error(t, err)
		assert.Contains(t, stderr, "required flag --job not set")
	})

	t.Run("unknown job", func(t *testing.T) {
		t.Parallel()

		_, stderr, err := runPOSM(t, []string{"--jobs-file", jobs, "reset", "--job", "orders-sync"}, nil)

		require.Error(t, err)
		assert.Contains(t, stderr, "orders-sync")
		assert.Contains(t, stderr, "is not in")
	})
}

func TestVersionCommand(t *testing.T) {
	t.Parallel()

	stdout, stderr, err := runPOSM(t, []string{"version"}, nil)

	require.NoError(t, err, "stderr: %s", stderr)
	assert.Contains(t, stdout+stderr, "Version:")
	assert.Contains(t, stdout+stderr, "GoVersion:")
}

func TestConnectionRefused(t *testing.T) {
	t.Parallel()

	_, stderr, err := runPOSM(t, []string{"--port", "59999", "status"}, nil)

	require.Error(t, err)
	assert.True(t,
		strings.Contains(stderr, "connection refused") ||
			strings.Contains(stderr, "connect:") ||
			strings.Contains(stderr, "dial"),
		"expected connection error, got: %s", stderr)
}
