package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/discobot/discobot/internal/model"
)

func strPtr(s string) *string { return &s }

func TestClaimJobOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low := &model.Job{Type: model.JobSessionInit, Priority: 0}
	high := &model.Job{Type: model.JobSessionInit, Priority: 5}
	require.NoError(t, s.CreateJob(ctx, low))
	require.NoError(t, s.CreateJob(ctx, high))

	claimed, err := s.ClaimJobOfTypes(ctx, []model.JobType{model.JobSessionInit}, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, high.ID, claimed.ID)
	require.Equal(t, model.JobRunning, claimed.Status)
	require.Equal(t, 1, claimed.Attempts)

	claimed, err = s.ClaimJobOfTypes(ctx, []model.JobType{model.JobSessionInit}, "w1")
	require.NoError(t, err)
	require.Equal(t, low.ID, claimed.ID)

	// Queue drained.
	claimed, err = s.ClaimJobOfTypes(ctx, []model.JobType{model.JobSessionInit}, "w1")
	require.NoError(t, err)
	require.Nil(t, claimed)
}

func TestClaimJobRespectsScheduledAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	future := &model.Job{Type: model.JobSessionInit, ScheduledAt: time.Now().UTC().Add(time.Hour)}
	require.NoError(t, s.CreateJob(ctx, future))

	claimed, err := s.ClaimJobOfTypes(ctx, []model.JobType{model.JobSessionInit}, "w1")
	require.NoError(t, err)
	require.Nil(t, claimed)
}

func TestClaimJobFiltersTypes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, &model.Job{Type: model.JobContainerCreate}))

	claimed, err := s.ClaimJobOfTypes(ctx, []model.JobType{model.JobSessionInit}, "w1")
	require.NoError(t, err)
	require.Nil(t, claimed)

	claimed, err = s.ClaimJobOfTypes(ctx, []model.JobType{model.JobContainerCreate, model.JobSessionInit}, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
}

func TestClaimJobSerializesResource(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &model.Job{
		Type:         model.JobSessionInit,
		ResourceType: strPtr("session"),
		ResourceID:   strPtr("sess-1"),
	}
	second := &model.Job{
		Type:         model.JobSessionCommit,
		ResourceType: strPtr("session"),
		ResourceID:   strPtr("sess-1"),
	}
	other := &model.Job{
		Type:         model.JobSessionInit,
		ResourceType: strPtr("session"),
		ResourceID:   strPtr("sess-2"),
	}
	require.NoError(t, s.CreateJob(ctx, first))
	require.NoError(t, s.CreateJob(ctx, second))
	require.NoError(t, s.CreateJob(ctx, other))

	types := []model.JobType{model.JobSessionInit, model.JobSessionCommit}

	claimed, err := s.ClaimJobOfTypes(ctx, types, "w1")
	require.NoError(t, err)
	require.Equal(t, first.ID, claimed.ID)

	// sess-1 has a running job, so only sess-2 is claimable.
	claimed, err = s.ClaimJobOfTypes(ctx, types, "w2")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, other.ID, claimed.ID)

	claimed, err = s.ClaimJobOfTypes(ctx, types, "w3")
	require.NoError(t, err)
	require.Nil(t, claimed)

	// Completing the running job unblocks the queued one.
	require.NoError(t, s.CompleteJob(ctx, first.ID))
	claimed, err = s.ClaimJobOfTypes(ctx, types, "w3")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, second.ID, claimed.ID)
}

func TestFailJobRequeuesThenGoesTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &model.Job{Type: model.JobSessionInit, MaxAttempts: 2}
	require.NoError(t, s.CreateJob(ctx, job))

	claimed, err := s.ClaimJobOfTypes(ctx, []model.JobType{model.JobSessionInit}, "w1")
	require.NoError(t, err)
	require.Equal(t, 1, claimed.Attempts)

	require.NoError(t, s.FailJob(ctx, job.ID, errors.New("boom")))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobPending, got.Status)
	require.NotNil(t, got.Error)
	require.Equal(t, "boom", *got.Error)
	require.Nil(t, got.WorkerID)
	// First retry is pushed out by one backoff unit.
	require.True(t, got.ScheduledAt.After(time.Now().UTC().Add(retryBackoffUnit/2)))

	// Pull the retry forward so it can be claimed again.
	_, err = s.w().ExecContext(ctx, s.w().Rebind(
		`UPDATE jobs SET scheduled_at = ? WHERE id = ?`), time.Now().UTC().Add(-time.Second), job.ID)
	require.NoError(t, err)

	claimed, err = s.ClaimJobOfTypes(ctx, []model.JobType{model.JobSessionInit}, "w1")
	require.NoError(t, err)
	require.Equal(t, 2, claimed.Attempts)

	require.NoError(t, s.FailJob(ctx, job.ID, errors.New("boom again")))
	got, err = s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestDeferJobRollsBackClaimAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &model.Job{Type: model.JobContainerCreate, MaxAttempts: 3}
	require.NoError(t, s.CreateJob(ctx, job))

	claimed, err := s.ClaimJobOfTypes(ctx, []model.JobType{model.JobContainerCreate}, "w1")
	require.NoError(t, err)
	require.Equal(t, 1, claimed.Attempts)

	require.NoError(t, s.DeferJob(ctx, job.ID, time.Second))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobPending, got.Status)
	require.Zero(t, got.Attempts, "deferral is not an execution")
	require.Nil(t, got.WorkerID)
	require.Nil(t, got.StartedAt)
	require.True(t, got.ScheduledAt.After(time.Now().UTC()))

	// Only running jobs can be deferred.
	require.ErrorIs(t, s.DeferJob(ctx, job.ID, time.Second), ErrNotFound)
}

func TestCleanupStaleJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &model.Job{Type: model.JobSessionInit}
	require.NoError(t, s.CreateJob(ctx, job))
	_, err := s.ClaimJobOfTypes(ctx, []model.JobType{model.JobSessionInit}, "w1")
	require.NoError(t, err)

	// Not yet stale.
	n, err := s.CleanupStaleJobs(ctx, time.Minute)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = s.w().ExecContext(ctx, s.w().Rebind(
		`UPDATE jobs SET started_at = ? WHERE id = ?`), time.Now().UTC().Add(-time.Hour), job.ID)
	require.NoError(t, err)

	n, err = s.CleanupStaleJobs(ctx, time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobPending, got.Status)
	require.Nil(t, got.WorkerID)
}

func TestLeadershipLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	timeout := 30 * time.Second

	ok, err := s.TryAcquireLeadership(ctx, "a", timeout)
	require.NoError(t, err)
	require.True(t, ok)

	// Holder renews; challenger is refused while the lease is fresh.
	ok, err = s.TryAcquireLeadership(ctx, "a", timeout)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.TryAcquireLeadership(ctx, "b", timeout)
	require.NoError(t, err)
	require.False(t, ok)

	// Stale lease is stolen.
	_, err = s.w().ExecContext(ctx, s.w().Rebind(
		`UPDATE dispatcher_leader SET heartbeat_at = ? WHERE singleton = 1`),
		time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)

	ok, err = s.TryAcquireLeadership(ctx, "b", timeout)
	require.NoError(t, err)
	require.True(t, ok)

	leader, err := s.GetLeader(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", leader.ServerID)

	// Release makes room for an immediate successor.
	require.NoError(t, s.ReleaseLeadership(ctx, "b"))
	ok, err = s.TryAcquireLeadership(ctx, "a", timeout)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestProjectEventSeqMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, s)

	var last int64
	for i := 0; i < 5; i++ {
		ev := &model.ProjectEvent{ProjectID: p.ID, Type: model.EventSessionUpdated, Data: []byte(`{"i":1}`)}
		require.NoError(t, s.CreateProjectEvent(ctx, ev))
		require.Greater(t, ev.Seq, last)
		last = ev.Seq
	}

	events, err := s.ListEventsAfterSeq(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i := 1; i < len(events); i++ {
		require.Greater(t, events[i].Seq, events[i-1].Seq)
	}

	max, err := s.MaxEventSeq(ctx)
	require.NoError(t, err)
	require.Equal(t, last, max)

	// Replay from the middle.
	events, err = s.ListProjectEventsAfterSeq(ctx, p.ID, events[2].Seq, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestTerminalHistoryAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := createTestProject(t, s)
	ws := createTestWorkspace(t, s, p.ID)
	sess := &model.Session{ProjectID: p.ID, WorkspaceID: ws.ID, Name: "term"}
	require.NoError(t, s.CreateSession(ctx, sess))

	require.NoError(t, s.AppendTerminalEvent(ctx, &model.TerminalEvent{
		SessionID: sess.ID, Kind: model.TerminalInput, Data: []byte("ls\n"),
	}))
	require.NoError(t, s.AppendTerminalEvent(ctx, &model.TerminalEvent{
		SessionID: sess.ID, Kind: model.TerminalOutput, Data: []byte("README.md\n"),
	}))

	events, err := s.ListTerminalEvents(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, model.TerminalInput, events[0].Kind)
	require.Greater(t, events[1].ID, events[0].ID)
}
