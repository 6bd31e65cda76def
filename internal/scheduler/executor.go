package scheduler

import (
	"context"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/dreamware/hive/internal/cluster"
)

// Executor runs tasks assigned to this node and reviews results this node
// validates.
type Executor interface {
	Execute(ctx context.Context, task cluster.Task) ([]byte, error)
	Validate(ctx context.Context, task cluster.Task, result []byte) (cluster.ValidationResult, error)
}

// DigestExecutor is the built-in executor: the result of a task is the
// xxhash digest of its payload, so any node can validate it by recomputing.
// Delay simulates work.
type DigestExecutor struct {
	Delay time.Duration
}

func (e DigestExecutor) Execute(ctx context.Context, task cluster.Task) ([]byte, error) {
	if e.Delay > 0 {
		timer := time.NewTimer(e.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return Digest(task.Payload), nil
}

func (e DigestExecutor) Validate(_ context.Context, task cluster.Task, result []byte) (cluster.ValidationResult, error) {
	if string(Digest(task.Payload)) != string(result) {
		return cluster.ValidationResult{Approved: false, Reason: "digest mismatch"}, nil
	}
	return cluster.ValidationResult{Approved: true}, nil
}

// Digest returns the hex xxhash64 of payload.
func Digest(payload []byte) []byte {
	return strconv.AppendUint(nil, xxhash.Sum64(payload), 16)
}
