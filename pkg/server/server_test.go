package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gocoord/config"
	"gocoord/pkg/coordination"
)

func newTestServer(t *testing.T) (*Server, coordination.Service) {
	t.Helper()
	cfg := config.GetDefaultConfig()
	cfg.Coordination.Jobs = []config.JobConfig{{Name: "worker", NumTasks: 2}}
	svc, err := coordination.NewService("standalone", cfg.Coordination, nil)
	require.NoError(t, err)
	t.Cleanup(svc.Stop)
	return NewServer(cfg, svc), svc
}

func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	s.handleHealth(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHandleTasks(t *testing.T) {
	s, svc := newTestServer(t)

	require.NoError(t, svc.RegisterTask(coordination.Task{JobName: "worker", TaskID: 0}, 1))

	rr := httptest.NewRecorder()
	s.handleTasks(rr, httptest.NewRequest(http.MethodGet, "/v1/tasks", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var out []taskStateResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, "/job:worker/replica:0/task:0", out[0].Task)
	assert.Equal(t, "CONNECTED", out[0].State)
	assert.Equal(t, "/job:worker/replica:0/task:1", out[1].Task)
	assert.Equal(t, "DISCONNECTED", out[1].State)
}
