package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/acronym-cli/internal/model"
	"github.com/sells-group/acronym-cli/internal/store"
)

func TestNewManager_RequiresDeps(t *testing.T) {
	t.Parallel()

	deps := testDeps(t, newTestStore(t), &fakeClient{}, 1)
	deps.Keys = nil
	_, err := NewManager(deps)
	assert.Error(t, err)

	deps = testDeps(t, nil, &fakeClient{}, 1)
	_, err = NewManager(deps)
	assert.Error(t, err)
}

func TestManager_OneActiveRun(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	client := &fakeClient{latency: 50 * time.Millisecond}
	m := newTestManager(t, testDeps(t, st, client, 1))

	id, err := m.Start(context.Background(), StartRequest{Jobs: jobs("API", "CPU", "GPU"), Source: "test"})
	require.NoError(t, err)

	_, err = m.Start(context.Background(), StartRequest{Jobs: jobs("RAM")})
	assert.ErrorIs(t, err, ErrRunActive)

	status, err := m.Status(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, status.Live)
	assert.Len(t, status.Credentials, 1)
	assert.Equal(t, "test", status.Run.Options.Source)
	assert.Equal(t, 3, status.Run.Summary.Total)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, err := m.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, 3, run.Summary.Done)

	id2, err := m.Start(context.Background(), StartRequest{Jobs: jobs("RAM")})
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)
	_, err = m.Wait(ctx, id2)
	require.NoError(t, err)

	runs, err := m.List(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestManager_UnknownRun(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, testDeps(t, newTestStore(t), &fakeClient{}, 1))
	ctx := context.Background()

	_, err := m.Status(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = m.Results(ctx, "missing", 0, 0)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, m.Cancel(ctx, "missing"), store.ErrNotFound)
}

func TestManager_RecordsIncludeFailures(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	m := newTestManager(t, testDeps(t, st, &fakeClient{}, 1))
	ctx := context.Background()

	run, err := m.Run(ctx, StartRequest{Jobs: jobs("API")})
	require.NoError(t, err)

	_, err = st.Record(ctx, model.FailedRecord("older", model.Job{Token: "XYZ"}, model.ReasonFatal, "boom", 1))
	require.NoError(t, err)

	all, err := m.Records(ctx, store.ResultFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	failed, err := m.Records(ctx, store.ResultFilter{Status: model.ProgressFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "XYZ", failed[0].Token)

	results, err := m.Results(ctx, run.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "API", results[0].Acronym)
}

func TestManager_ShutdownDrainsBackgroundRun(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	client := &fakeClient{latency: 20 * time.Millisecond}
	deps := testDeps(t, st, client, 1)
	deps.Workers = 1
	m, err := NewManager(deps)
	require.NoError(t, err)

	id, err := m.Start(context.Background(), StartRequest{Jobs: jobs("A", "B", "C", "D", "E", "F")})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(client.Calls()) >= 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	run, err := st.GetRun(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, run.Status.Terminal())
	assert.Equal(t, run.Summary.Total, run.Summary.Done+run.Summary.Failed+run.Summary.Pending)
}
