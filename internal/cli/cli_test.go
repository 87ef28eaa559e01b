package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/ggoodman/chatfanout/internal/config"
	"github.com/ggoodman/chatfanout/internal/metrics"
	"github.com/ggoodman/chatfanout/jobqueue"
	"github.com/ggoodman/chatfanout/jobqueue/memorystore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig(t *testing.T, env map[string]string) *config.Config {
	t.Helper()
	for _, k := range []string{"APP_ENV", "BACKEND", "JWT_SECRET", "JWKS_URL", "OIDC_ISSUER", "JWT_ISSUER", "JWT_AUDIENCE", "REDIS_HOST", "REDIS_PORT"} {
		t.Setenv(k, "")
	}
	for k, v := range env {
		t.Setenv(k, v)
	}
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	return cfg
}

func TestBuildCLI(t *testing.T) {
	root := BuildCLI()
	assert.Equal(t, "chatfleet", root.Use)

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "jobs", "balancer", "supervisor"} {
		assert.True(t, names[want], "missing %q command", want)
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("env-file"))

	failed, _, err := root.Find([]string{"jobs", "failed"})
	require.NoError(t, err)
	assert.Equal(t, "failed", failed.Name())
	assert.Equal(t, "20", failed.Flags().Lookup("limit").DefValue)
	assert.Equal(t, jobqueue.QueueMessages, failed.Flags().Lookup("queue").DefValue)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := BuildCLI()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "absent.env")}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestJobsFailedPrintsJSON(t *testing.T) {
	testConfig(t, map[string]string{"BACKEND": "memory"})
	out, err := execute(t, "jobs", "failed", "--queue", "notifications")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)
}

func TestJobsFailedRejectsUnknownQueue(t *testing.T) {
	testConfig(t, map[string]string{"BACKEND": "memory"})
	_, err := execute(t, "jobs", "failed", "--queue", "emails")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown queue")
}

func TestConfigErrorFailsCommand(t *testing.T) {
	testConfig(t, nil)
	t.Setenv("BACKEND", "etcd")
	_, err := execute(t, "jobs", "failed")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BACKEND")
}

func TestRedisFallback(t *testing.T) {
	unreachable := map[string]string{"REDIS_HOST": "127.0.0.1", "REDIS_PORT": "1"}

	t.Run("development falls back to memory", func(t *testing.T) {
		cfg := testConfig(t, unreachable)
		be, err := openBackends(context.Background(), cfg, quiet)
		require.NoError(t, err)
		defer be.close()
		assert.Equal(t, config.BackendMemory, be.driver)
	})

	t.Run("production fails", func(t *testing.T) {
		env := map[string]string{"APP_ENV": "production"}
		for k, v := range unreachable {
			env[k] = v
		}
		cfg := testConfig(t, env)
		_, err := openBackends(context.Background(), cfg, quiet)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis 127.0.0.1:1")
	})
}

func TestNewAuthenticator(t *testing.T) {
	t.Run("none", func(t *testing.T) {
		a, err := newAuthenticator(context.Background(), testConfig(t, nil))
		require.NoError(t, err)
		assert.Nil(t, a)
	})
	t.Run("shared secret", func(t *testing.T) {
		a, err := newAuthenticator(context.Background(), testConfig(t, map[string]string{"JWT_SECRET": "s3cret"}))
		require.NoError(t, err)
		assert.NotNil(t, a)
	})
	t.Run("jwks needs audience", func(t *testing.T) {
		cfg := testConfig(t, map[string]string{"JWKS_URL": "https://idp.example/jwks", "JWT_ISSUER": "https://idp.example"})
		_, err := newAuthenticator(context.Background(), cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "audience")
	})
}

func TestJobsHandler(t *testing.T) {
	s := memorystore.New()
	q := jobqueue.NewQueue(jobqueue.QueueMessages, s, jobqueue.WithLogger(quiet))
	_, err := q.Enqueue(context.Background(), "persist_message", map[string]string{"id": "m1"})
	require.NoError(t, err)

	hs := httptest.NewServer(jobsHandler(s, metrics.NewCollector()))
	defer hs.Close()

	resp, err := http.Get(hs.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status string                    `json:"status"`
		Queues map[string]jobqueue.Stats `json:"queues"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "OK", body.Status)
	assert.EqualValues(t, 1, body.Queues[jobqueue.QueueMessages].Queued)
	assert.Zero(t, body.Queues[jobqueue.QueueNotifications].Queued)

	mresp, err := http.Get(hs.URL + "/metrics")
	require.NoError(t, err)
	mresp.Body.Close()
	assert.Equal(t, http.StatusOK, mresp.StatusCode)
}
