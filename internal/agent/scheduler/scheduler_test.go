package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thioby/homeclaw-agent-sub000/internal/db"
	"github.com/Thioby/homeclaw-agent-sub000/internal/logging"
)

func init() {
	logging.Disable()
}

type recordingTurn struct {
	mu       sync.Mutex
	sessions []string
	texts    []string
	response string
	err      error
}

func (r *recordingTurn) fn(ctx context.Context, sessionID, text string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, sessionID)
	r.texts = append(r.texts, text)
	return r.response, r.err
}

func newTestScheduler(t *testing.T, turn TurnFunc) *Scheduler {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return New(database, turn)
}

func TestAddComputesNextRun(t *testing.T) {
	s := newTestScheduler(t, nil)

	job, err := s.Add("morning report", "0 7 * * *", "summarize the house", false, "user")
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.True(t, job.Enabled)
	require.NotNil(t, job.NextRun)
	assert.True(t, job.NextRun.After(time.Now().Add(-time.Minute)))

	loaded, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "morning report", loaded.Name)
	assert.Equal(t, "0 7 * * *", loaded.Cron)
}

func TestAddRejectsBadCron(t *testing.T) {
	s := newTestScheduler(t, nil)

	_, err := s.Add("bad", "every tuesday", "x", false, "user")
	assert.Error(t, err)
}

func TestRemoveAndNotFound(t *testing.T) {
	s := newTestScheduler(t, nil)

	job, err := s.Add("j", "* * * * *", "x", false, "user")
	require.NoError(t, err)

	require.NoError(t, s.Remove(job.ID))
	assert.ErrorIs(t, s.Remove(job.ID), ErrJobNotFound)
	_, err = s.GetJob(job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestEnableDisable(t *testing.T) {
	s := newTestScheduler(t, nil)

	job, err := s.Add("j", "* * * * *", "x", false, "user")
	require.NoError(t, err)

	require.NoError(t, s.Enable(job.ID, false))
	loaded, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.False(t, loaded.Enabled)
	assert.Nil(t, loaded.NextRun)

	require.NoError(t, s.Enable(job.ID, true))
	loaded, err = s.GetJob(job.ID)
	require.NoError(t, err)
	assert.True(t, loaded.Enabled)
	assert.NotNil(t, loaded.NextRun)
}

func TestRunNowRecordsHistoryAndSession(t *testing.T) {
	turn := &recordingTurn{response: "All lights are off."}
	s := newTestScheduler(t, turn.fn)

	job, err := s.Add("check", "* * * * *", "check the lights", false, "agent")
	require.NoError(t, err)

	rec, err := s.RunNow(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "ok", rec.Status)
	assert.Equal(t, "All lights are off.", rec.Response)

	require.Len(t, turn.sessions, 1)
	assert.Equal(t, "scheduler:"+job.ID, turn.sessions[0])
	assert.Equal(t, "[scheduled: check the lights]", turn.texts[0])

	history, err := s.History(10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, job.ID, history[0].JobID)
	assert.Equal(t, "ok", history[0].Status)

	loaded, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "ok", loaded.LastStatus)
	assert.NotNil(t, loaded.LastRun)
}

func TestRunNowErrorRecorded(t *testing.T) {
	turn := &recordingTurn{err: errors.New("provider down")}
	s := newTestScheduler(t, turn.fn)

	job, err := s.Add("check", "* * * * *", "x", false, "user")
	require.NoError(t, err)

	rec, err := s.RunNow(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "error", rec.Status)
	assert.Contains(t, rec.Error, "provider down")

	loaded, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.True(t, loaded.Enabled, "a failed run must not disable the job")
	assert.Equal(t, "error", loaded.LastStatus)
}

func TestOneShotDisablesAfterSuccess(t *testing.T) {
	turn := &recordingTurn{response: "done"}
	s := newTestScheduler(t, turn.fn)

	job, err := s.Add("once", "* * * * *", "x", true, "user")
	require.NoError(t, err)

	_, err = s.RunNow(context.Background(), job.ID)
	require.NoError(t, err)

	loaded, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.False(t, loaded.Enabled)
	assert.Nil(t, loaded.NextRun)
}

func TestFireDueRunsOverdueJobs(t *testing.T) {
	turn := &recordingTurn{response: "done"}
	s := newTestScheduler(t, turn.fn)

	job, err := s.Add("due", "* * * * *", "x", false, "user")
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour).Unix()
	_, err = s.db.Exec(`UPDATE jobs SET next_run = ? WHERE id = ?`, past, job.ID)
	require.NoError(t, err)

	s.fireDue()

	require.Len(t, turn.sessions, 1)
	loaded, err := s.GetJob(job.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.NextRun)
	assert.True(t, loaded.NextRun.After(time.Now().Add(-time.Minute)))
}

func TestHistoryTrim(t *testing.T) {
	s := newTestScheduler(t, nil)

	for i := 0; i < 7; i++ {
		s.recordRun(&RunRecord{
			JobID: "j", JobName: "j", FiredAt: time.Now().UTC(), Status: "ok",
		})
	}
	s.trimHistory(3)

	history, err := s.History(10)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestStatusAndList(t *testing.T) {
	s := newTestScheduler(t, nil)
	_, err := s.Add("a", "* * * * *", "x", false, "user")
	require.NoError(t, err)
	_, err = s.Add("b", "0 7 * * *", "y", false, "user")
	require.NoError(t, err)

	st, err := s.Status()
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Equal(t, 2, st.JobCount)
	assert.NotNil(t, st.NextRun)

	jobs, err := s.List()
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].Name, "every-minute job sorts first")

	s.Start()
	st, err = s.Status()
	require.NoError(t, err)
	assert.True(t, st.Running)
	s.Stop()
}

func TestJobSchedulerInterface(t *testing.T) {
	s := newTestScheduler(t, nil)

	job, err := s.Schedule(context.Background(), "j", "* * * * *", "p", true, "session-1")
	require.NoError(t, err)
	assert.True(t, job.OneShot)

	jobs, err := s.Jobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, s.Cancel(context.Background(), job.ID))
	jobs, err = s.Jobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
