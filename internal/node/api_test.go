package node

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/hive/internal/cluster"
	"github.com/dreamware/hive/internal/membership"
)

func newAPIServer(t *testing.T) (*testNode, *httptest.Server) {
	t.Helper()
	c := newTestCluster(t, "solo")
	n := c.leader()
	srv := httptest.NewServer(n.Handler())
	t.Cleanup(srv.Close)
	return n, srv
}

func do(t *testing.T, method, url string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func TestAPITaskLifecycle(t *testing.T) {
	n, srv := newAPIServer(t)

	status, body := do(t, http.MethodPost, srv.URL+"/api/tasks", computeTask("via http"))
	require.Equal(t, http.StatusCreated, status, string(body))
	var created submitResponse
	require.NoError(t, json.Unmarshal(body, &created))
	require.NotEmpty(t, created.TaskID)

	require.Eventually(t, func() bool {
		task, err := n.Scheduler().Task(created.TaskID)
		return err == nil && task.Status == cluster.TaskCompleted
	}, 5*time.Second, 20*time.Millisecond)

	status, body = do(t, http.MethodGet, srv.URL+"/api/tasks/"+created.TaskID, nil)
	require.Equal(t, http.StatusOK, status)
	var view taskView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, cluster.TaskCompleted, view.Task.Status)
	require.NotNil(t, view.Assignment)
	assert.Equal(t, "solo", view.Assignment.NodeID)

	status, body = do(t, http.MethodGet, srv.URL+"/api/tasks?status=completed", nil)
	require.Equal(t, http.StatusOK, status)
	var tasks []cluster.Task
	require.NoError(t, json.Unmarshal(body, &tasks))
	assert.Len(t, tasks, 1)

	status, body = do(t, http.MethodDelete, srv.URL+"/api/tasks/"+created.TaskID, nil)
	assert.Equal(t, http.StatusConflict, status, string(body))

	status, body = do(t, http.MethodGet, srv.URL+"/api/nodes/solo/trust", nil)
	assert.Equal(t, http.StatusOK, status, string(body))
}

func TestAPIErrors(t *testing.T) {
	_, srv := newAPIServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown task type", http.MethodPost, "/api/tasks", cluster.Task{Type: "mining"}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/tasks", map[string]any{"colour": "red"}, http.StatusBadRequest},
		{"missing task", http.MethodGet, "/api/tasks/nope", nil, http.StatusNotFound},
		{"cancel missing task", http.MethodDelete, "/api/tasks/nope", nil, http.StatusNotFound},
		{"missing validation", http.MethodGet, "/api/validations/nope", nil, http.StatusNotFound},
		{"vote on missing validation", http.MethodPost, "/api/validations/nope/results", voteRequest{ValidatorID: "solo", Approved: true}, http.StatusNotFound},
		{"vote without validator", http.MethodPost, "/api/validations/nope/results", voteRequest{Approved: true}, http.StatusBadRequest},
		{"vote in another node's name", http.MethodPost, "/api/validations/nope/results", voteRequest{ValidatorID: "other", Approved: true}, http.StatusForbidden},
		{"missing join request", http.MethodGet, "/api/join/nope", nil, http.StatusNotFound},
		{"join without address", http.MethodPost, "/api/join", membership.JoinRequest{Node: membership.Member{ID: "x"}}, http.StatusBadRequest},
		{"unknown trust record", http.MethodGet, "/api/nodes/ghost/trust", nil, http.StatusNotFound},
		{"leave for stranger", http.MethodPost, "/api/leave", leaveRequest{NodeID: "ghost"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := do(t, tt.method, srv.URL+tt.path, tt.body)
			assert.Equal(t, tt.want, status, string(body))
			var e ErrResponse
			require.NoError(t, json.Unmarshal(body, &e))
			assert.Equal(t, tt.want, e.HttpStatusCode)
			assert.NotEmpty(t, e.Msg)
		})
	}
}

func TestAPIStateAndOps(t *testing.T) {
	_, srv := newAPIServer(t)

	status, body := do(t, http.MethodGet, srv.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"node":"solo"`)

	status, body = do(t, http.MethodGet, srv.URL+"/api/state", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"isLeader":true`)

	status, body = do(t, http.MethodGet, srv.URL+"/api/members", nil)
	require.Equal(t, http.StatusOK, status)
	var members []membership.Member
	require.NoError(t, json.Unmarshal(body, &members))
	require.Len(t, members, 1)
	assert.Equal(t, "solo", members[0].ID)

	status, body = do(t, http.MethodGet, srv.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "hive_")

	status, _ = do(t, http.MethodPost, srv.URL+"/api/nodes/mallory/blacklist", blacklistRequest{Reason: "forged results"})
	assert.Equal(t, http.StatusAccepted, status)
	status, body = do(t, http.MethodGet, srv.URL+"/api/nodes/mallory/trust", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"blacklisted":true`)
}
