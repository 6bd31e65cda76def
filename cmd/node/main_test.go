package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/hive/internal/cluster"
	"github.com/dreamware/hive/internal/config"
	"github.com/dreamware/hive/internal/node"
)

// TestGetenv tests the getenv utility function
func TestGetenv(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		value    string
		def      string
		expected string
	}{
		{
			name:     "environment variable set",
			key:      "HIVE_TEST_ENV_VAR",
			value:    "test_value",
			def:      "default",
			expected: "test_value",
		},
		{
			name:     "environment variable not set",
			key:      "HIVE_UNSET_ENV_VAR",
			def:      "default_value",
			expected: "default_value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				t.Setenv(tt.key, tt.value)
			}
			assert.Equal(t, tt.expected, getenv(tt.key, tt.def))
		})
	}
}

func singleNodeConfig(t *testing.T, ln net.Listener) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Node.ID = "n1"
	cfg.Node.Listen = ln.Addr().String()
	cfg.Node.Advertise = "http://" + ln.Addr().String()
	cfg.Node.Capacity = cluster.Capacity{CPU: 400, Memory: 8192, Bandwidth: 100}
	cfg.Cluster.Bootstrap = true
	cfg.Scheduler.TickInterval = 50 * time.Millisecond
	require.NoError(t, cfg.Validate())
	return cfg
}

// TestRunServesUntilCancelled starts a single node cluster over real HTTP,
// runs a task through it and shuts it down.
func TestRunServesUntilCancelled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg := singleNodeConfig(t, ln)
	base := cfg.Node.Advertise

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, cfg, ln, zap.NewNop(), node.WithLoadProbe(nil))
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/state")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var st struct {
			IsLeader bool `json:"isLeader"`
		}
		return resp.StatusCode == http.StatusOK &&
			json.NewDecoder(resp.Body).Decode(&st) == nil && st.IsLeader
	}, 5*time.Second, 20*time.Millisecond)

	body, err := json.Marshal(cluster.Task{Type: cluster.TaskCompute, Priority: 5, Payload: []byte("over http")})
	require.NoError(t, err)
	resp, err := http.Post(base+"/api/tasks", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var created struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/tasks/" + created.TaskID)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var view struct {
			Task cluster.Task `json:"task"`
		}
		return json.NewDecoder(resp.Body).Decode(&view) == nil && view.Task.Status == cluster.TaskCompleted
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	_, err = http.Get(base + "/health")
	assert.Error(t, err)
}

func TestRunRejectsBadConfig(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg := singleNodeConfig(t, ln)
	cfg.Scheduler.Balancer = "coin_flip"

	err = run(context.Background(), cfg, ln, zap.NewNop())
	require.Error(t, err)
}
