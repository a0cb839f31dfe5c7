package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-amortization/jobs"
)

type stubEnqueuer struct {
	tasks []*asynq.Task
}

func (s *stubEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	s.tasks = append(s.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Type: task.Type(), Queue: jobs.QueueDefault}, nil
}

func (s *stubEnqueuer) Close() error { return nil }

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s *stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

func (s *stubInspector) Close() error { return nil }

func testEnv(enq *stubEnqueuer, insp *stubInspector) (Env, *bytes.Buffer, *bytes.Buffer) {
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	return Env{
		Stdout: stdout,
		Stderr: stderr,
		newJobs: func(string) (*JobsCLI, error) {
			return &JobsCLI{client: enq, inspector: insp}, nil
		},
	}, stdout, stderr
}

func TestRunUsage(t *testing.T) {
	env, _, stderr := testEnv(&stubEnqueuer{}, &stubInspector{})
	require.Equal(t, 2, Run(context.Background(), nil, env))
	require.Contains(t, stderr.String(), "usage")
	require.Equal(t, 2, Run(context.Background(), []string{"serve"}, env))
	require.Equal(t, 2, Run(context.Background(), []string{"migrate", "sideways"}, env))
	require.Equal(t, 2, Run(context.Background(), []string{"jobs"}, env))
	require.Equal(t, 2, Run(context.Background(), []string{"jobs", "trigger"}, env))
}

func TestRunJobsTrigger(t *testing.T) {
	enq := &stubEnqueuer{}
	env, stdout, stderr := testEnv(enq, &stubInspector{})

	code := Run(context.Background(), []string{"jobs", "trigger", jobs.TaskAmortizationSync, "--company", "ACME"}, env)
	require.Equal(t, 0, code, stderr.String())
	require.Contains(t, stdout.String(), "task-1")
	require.Len(t, enq.tasks, 1)
	require.Equal(t, jobs.TaskAmortizationSync, enq.tasks[0].Type())

	code = Run(context.Background(), []string{"jobs", "trigger", jobs.TaskAmortizationSync}, env)
	require.Equal(t, 1, code)

	code = Run(context.Background(), []string{"jobs", "trigger", "consol:refresh"}, env)
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "unsupported job")
}

func TestRunJobsStats(t *testing.T) {
	insp := &stubInspector{info: &asynq.QueueInfo{Queue: jobs.QueueDefault, Pending: 3, Retry: 1}}
	env, stdout, _ := testEnv(&stubEnqueuer{}, insp)

	require.Equal(t, 0, Run(context.Background(), []string{"jobs", "stats"}, env))
	var stats QueueStats
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &stats))
	require.Equal(t, 3, stats.Pending)
	require.Equal(t, 1, stats.Retry)

	insp.err = errors.New("redis down")
	require.Equal(t, 1, Run(context.Background(), []string{"jobs", "stats"}, env))
}
