// SPDX-License-Identifier: PolyForm-Noncommercial-1.0.0

package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChecker struct {
	name   string
	result CheckResult
}

func (c stubChecker) Name() string                        { return c.name }
func (c stubChecker) Check(_ context.Context) CheckResult { return c.result }

func TestHealth_NoCheckers(t *testing.T) {
	m := NewManager("1.2.3")
	resp := m.Health(context.Background(), true)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Empty(t, resp.Checks)
}

func TestHealth_VerboseRunsChecks(t *testing.T) {
	m := NewManager("dev")
	m.RegisterChecker(stubChecker{"ok", CheckResult{Status: StatusHealthy}})
	m.RegisterChecker(stubChecker{"slow", CheckResult{Status: StatusDegraded, Message: "high load"}})

	resp := m.Health(context.Background(), true)
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Len(t, resp.Checks, 2)
	assert.Equal(t, StatusDegraded, resp.Checks["slow"].Status)
}

func TestHealth_NonVerboseSkipsChecks(t *testing.T) {
	m := NewManager("dev")
	m.RegisterChecker(stubChecker{"broken", CheckResult{Status: StatusUnhealthy}})

	resp := m.Health(context.Background(), false)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Empty(t, resp.Checks)
}

func TestReady_UnhealthyComponentBlocksReadiness(t *testing.T) {
	m := NewManager("dev")
	m.RegisterChecker(stubChecker{"ok", CheckResult{Status: StatusHealthy}})
	m.RegisterChecker(stubChecker{"broken", CheckResult{Status: StatusUnhealthy, Error: "gone"}})

	resp := m.Ready(context.Background())
	assert.False(t, resp.Ready)
	assert.Equal(t, StatusUnhealthy, resp.Status)
}

func TestReady_DegradedStillReady(t *testing.T) {
	m := NewManager("dev")
	m.RegisterChecker(stubChecker{"busy", CheckResult{Status: StatusDegraded}})

	resp := m.Ready(context.Background())
	assert.True(t, resp.Ready)
	assert.Equal(t, StatusDegraded, resp.Status)
}

func TestServeHealth_Always200(t *testing.T) {
	m := NewManager("dev")
	m.RegisterChecker(stubChecker{"broken", CheckResult{Status: StatusUnhealthy}})

	rec := httptest.NewRecorder()
	m.ServeHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz?verbose=true", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusUnhealthy, resp.Status)
}

func TestServeReady_503WhenNotReady(t *testing.T) {
	m := NewManager("dev")
	m.RegisterChecker(stubChecker{"broken", CheckResult{Status: StatusUnhealthy}})

	rec := httptest.NewRecorder()
	m.ServeReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Ready)
}

func TestServeReady_200WhenHealthy(t *testing.T) {
	m := NewManager("dev")
	rec := httptest.NewRecorder()
	m.ServeReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBinaryChecker(t *testing.T) {
	ok := NewBinaryChecker("shell", "sh").Check(context.Background())
	assert.Equal(t, StatusHealthy, ok.Status)
	assert.NotEmpty(t, ok.Message)

	missing := NewBinaryChecker("ghost", "no-such-binary-xyz").Check(context.Background())
	assert.Equal(t, StatusUnhealthy, missing.Status)
	assert.Equal(t, "binary not found", missing.Error)
}

func TestDirChecker(t *testing.T) {
	dir := t.TempDir()

	ok := NewDirChecker("cache", dir).Check(context.Background())
	assert.Equal(t, StatusHealthy, ok.Status)

	missing := NewDirChecker("cache", filepath.Join(dir, "nope")).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, missing.Status)

	file := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	notDir := NewDirChecker("cache", file).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, notDir.Status)
	assert.Contains(t, notDir.Error, "not a directory")
}

func TestActiveJobsChecker(t *testing.T) {
	n := 0
	c := NewActiveJobsChecker(func() int { return n }, 2)

	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)

	n = 2
	res := c.Check(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Contains(t, res.Message, "limit 2")

	unlimited := NewActiveJobsChecker(func() int { return 100 }, 0)
	assert.Equal(t, StatusHealthy, unlimited.Check(context.Background()).Status)
}
