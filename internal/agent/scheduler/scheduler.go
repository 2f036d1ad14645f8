// Package scheduler fires stored cron jobs back into the agent as
// synthetic turns. One dispatcher, serial job runs; user turns are not
// affected by a running job.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/tools"
	"github.com/Thioby/homeclaw-agent-sub000/internal/logging"
)

// historyKeep is the run-history ring size.
const historyKeep = 100

// jobTimeout bounds one scheduled turn.
const jobTimeout = 5 * time.Minute

// idlePoll is how often the dispatcher re-checks when no job is due.
const idlePoll = time.Minute

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

var _ tools.JobScheduler = (*Scheduler)(nil)

// cronParser accepts standard 5-field expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Job is one stored schedule entry.
type Job struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Cron       string     `json:"cron"`
	Prompt     string     `json:"prompt"`
	Enabled    bool       `json:"enabled"`
	OneShot    bool       `json:"one_shot"`
	CreatedBy  string     `json:"created_by"`
	CreatedAt  time.Time  `json:"created_at"`
	NextRun    *time.Time `json:"next_run,omitempty"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

// RunRecord is one entry of the run history ring.
type RunRecord struct {
	JobID      string    `json:"job_id"`
	JobName    string    `json:"job_name"`
	FiredAt    time.Time `json:"timestamp"`
	Status     string    `json:"status"`
	DurationMS int64     `json:"duration_ms"`
	Response   string    `json:"response,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Status is the scheduler's runtime snapshot.
type Status struct {
	Running  bool       `json:"running"`
	JobCount int        `json:"job_count"`
	NextRun  *time.Time `json:"next_run,omitempty"`
}

// TurnFunc re-enters the agent with a synthetic message and returns the
// final assistant response. The kernel injects it at wiring time.
type TurnFunc func(ctx context.Context, sessionID, text string) (string, error)

// Scheduler owns the job table and the dispatcher goroutine.
type Scheduler struct {
	db   *sql.DB
	turn TurnFunc

	runMu sync.Mutex // serializes job runs

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wake    chan struct{}
}

// New creates a scheduler over an already-migrated database.
func New(db *sql.DB, turn TurnFunc) *Scheduler {
	return &Scheduler{
		db:   db,
		turn: turn,
		wake: make(chan struct{}, 1),
	}
}

// Start launches the dispatcher. Safe to call once per lifecycle.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	go s.loop(s.stop)
	logging.Infof("[scheduler] started")
}

// Stop halts the dispatcher. A job in flight finishes first.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stop)
	logging.Infof("[scheduler] stopped")
}

func (s *Scheduler) loop(stop <-chan struct{}) {
	for {
		wait := idlePoll
		if next, ok := s.earliestNextRun(); ok {
			until := time.Until(next)
			if until < 0 {
				until = 0
			}
			if until < wait {
				wait = until
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
			s.fireDue()
		}
	}
}

// signalWake nudges the dispatcher to recompute its sleep.
func (s *Scheduler) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Add stores a job and activates it. The cron expression is validated
// here; callers get the computed first run back.
func (s *Scheduler) Add(name, cronExpr, prompt string, oneShot bool, createdBy string) (*Job, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	if createdBy == "" {
		createdBy = "user"
	}

	now := time.Now().UTC()
	next := sched.Next(now)
	job := &Job{
		ID:        uuid.New().String(),
		Name:      name,
		Cron:      cronExpr,
		Prompt:    prompt,
		Enabled:   true,
		OneShot:   oneShot,
		CreatedBy: createdBy,
		CreatedAt: now,
		NextRun:   &next,
	}

	_, err = s.db.Exec(
		`INSERT INTO jobs (id, name, cron, prompt, enabled, one_shot, created_by, created_at, next_run)
		 VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?)`,
		job.ID, job.Name, job.Cron, job.Prompt, boolInt(oneShot), createdBy, now.Unix(), next.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to store job: %w", err)
	}

	s.signalWake()
	return job, nil
}

// Remove deletes a job. Its history stays.
func (s *Scheduler) Remove(id string) error {
	res, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	s.signalWake()
	return nil
}

// Enable flips a job on or off, recomputing next_run on enable.
func (s *Scheduler) Enable(id string, enabled bool) error {
	job, err := s.GetJob(id)
	if err != nil {
		return err
	}

	var next any
	if enabled {
		sched, err := cronParser.Parse(job.Cron)
		if err != nil {
			return fmt.Errorf("stored cron expression is invalid: %w", err)
		}
		next = sched.Next(time.Now().UTC()).Unix()
	}

	_, err = s.db.Exec(`UPDATE jobs SET enabled = ?, next_run = ? WHERE id = ?`,
		boolInt(enabled), next, id)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	s.signalWake()
	return nil
}

// RunNow fires a job immediately, serialized with scheduled runs.
func (s *Scheduler) RunNow(ctx context.Context, id string) (*RunRecord, error) {
	job, err := s.GetJob(id)
	if err != nil {
		return nil, err
	}
	return s.runJob(ctx, job), nil
}

// GetJob loads one job.
func (s *Scheduler) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(
		`SELECT id, name, cron, prompt, enabled, one_shot, created_by, created_at, next_run, last_run, last_status, last_error
		 FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// List returns all jobs, soonest first.
func (s *Scheduler) List() ([]Job, error) {
	rows, err := s.db.Query(
		`SELECT id, name, cron, prompt, enabled, one_shot, created_by, created_at, next_run, last_run, last_status, last_error
		 FROM jobs ORDER BY next_run IS NULL, next_run ASC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// History returns the most recent run records, newest first.
func (s *Scheduler) History(limit int) ([]RunRecord, error) {
	if limit <= 0 || limit > historyKeep {
		limit = historyKeep
	}
	rows, err := s.db.Query(
		`SELECT job_id, job_name, fired_at, status, duration_ms, response, error
		 FROM job_history ORDER BY fired_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load job history: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		var firedAt int64
		var resp, errMsg sql.NullString
		if err := rows.Scan(&rec.JobID, &rec.JobName, &firedAt, &rec.Status, &rec.DurationMS, &resp, &errMsg); err != nil {
			return nil, err
		}
		rec.FiredAt = time.Unix(firedAt, 0).UTC()
		rec.Response = resp.String
		rec.Error = errMsg.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Status reports the runtime snapshot.
func (s *Scheduler) Status() (*Status, error) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&count); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	st := &Status{Running: running, JobCount: count}
	if next, ok := s.earliestNextRun(); ok {
		st.NextRun = &next
	}
	return st, nil
}

func (s *Scheduler) earliestNextRun() (time.Time, bool) {
	var next sql.NullInt64
	err := s.db.QueryRow(`SELECT MIN(next_run) FROM jobs WHERE enabled = 1 AND next_run IS NOT NULL`).Scan(&next)
	if err != nil || !next.Valid {
		return time.Time{}, false
	}
	return time.Unix(next.Int64, 0).UTC(), true
}

// fireDue runs every enabled job whose next_run has passed, one at a
// time in due order.
func (s *Scheduler) fireDue() {
	now := time.Now().UTC()
	rows, err := s.db.Query(
		`SELECT id, name, cron, prompt, enabled, one_shot, created_by, created_at, next_run, last_run, last_status, last_error
		 FROM jobs WHERE enabled = 1 AND next_run IS NOT NULL AND next_run <= ? ORDER BY next_run ASC`, now.Unix())
	if err != nil {
		logging.Warnf("[scheduler] due query failed: %v", err)
		return
	}
	var due []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			logging.Warnf("[scheduler] due scan failed: %v", err)
			break
		}
		due = append(due, *job)
	}
	rows.Close()

	for i := range due {
		s.runJob(context.Background(), &due[i])
	}
}

// runJob executes one job turn, records the outcome, and recomputes
// next_run. One-shot jobs disable themselves after a successful run.
func (s *Scheduler) runJob(ctx context.Context, job *Job) *RunRecord {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	logging.Infof("[scheduler] running job %s (%s)", job.Name, job.ID)
	start := time.Now()

	turnCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	var response string
	var runErr error
	if s.turn == nil {
		runErr = errors.New("no turn handler configured")
	} else {
		sessionID := "scheduler:" + job.ID
		response, runErr = s.turn(turnCtx, sessionID, "[scheduled: "+job.Prompt+"]")
	}

	rec := &RunRecord{
		JobID:      job.ID,
		JobName:    job.Name,
		FiredAt:    start.UTC(),
		Status:     "ok",
		DurationMS: time.Since(start).Milliseconds(),
		Response:   response,
	}
	if runErr != nil {
		rec.Status = "error"
		rec.Error = runErr.Error()
		logging.Warnf("[scheduler] job %s failed: %v", job.Name, runErr)
	}

	s.recordRun(rec)
	s.advanceJob(job, rec)
	return rec
}

func (s *Scheduler) recordRun(rec *RunRecord) {
	_, err := s.db.Exec(
		`INSERT INTO job_history (job_id, job_name, fired_at, status, duration_ms, response, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.JobID, rec.JobName, rec.FiredAt.Unix(), rec.Status, rec.DurationMS,
		nullString(rec.Response), nullString(rec.Error))
	if err != nil {
		logging.Warnf("[scheduler] history write failed: %v", err)
		return
	}
	s.trimHistory(historyKeep)
}

// trimHistory keeps only the newest records.
func (s *Scheduler) trimHistory(keep int) {
	_, err := s.db.Exec(
		`DELETE FROM job_history WHERE id NOT IN
		   (SELECT id FROM job_history ORDER BY fired_at DESC, id DESC LIMIT ?)`, keep)
	if err != nil {
		logging.Warnf("[scheduler] history trim failed: %v", err)
	}
}

func (s *Scheduler) advanceJob(job *Job, rec *RunRecord) {
	enabled := 1
	var next any
	if job.OneShot && rec.Status == "ok" {
		enabled = 0
	} else if sched, err := cronParser.Parse(job.Cron); err == nil {
		next = sched.Next(time.Now().UTC()).Unix()
	}

	_, err := s.db.Exec(
		`UPDATE jobs SET enabled = ?, next_run = ?, last_run = ?, last_status = ?, last_error = ? WHERE id = ?`,
		enabled, next, rec.FiredAt.Unix(), rec.Status, nullString(rec.Error), job.ID)
	if err != nil {
		logging.Warnf("[scheduler] job advance failed: %v", err)
	}
}

// Schedule implements tools.JobScheduler.
func (s *Scheduler) Schedule(ctx context.Context, name, cronExpr, prompt string, oneShot bool, createdBy string) (*tools.ScheduledJob, error) {
	job, err := s.Add(name, cronExpr, prompt, oneShot, createdBy)
	if err != nil {
		return nil, err
	}
	return toScheduled(job), nil
}

// Jobs implements tools.JobScheduler.
func (s *Scheduler) Jobs(ctx context.Context) ([]tools.ScheduledJob, error) {
	jobs, err := s.List()
	if err != nil {
		return nil, err
	}
	out := make([]tools.ScheduledJob, 0, len(jobs))
	for i := range jobs {
		out = append(out, *toScheduled(&jobs[i]))
	}
	return out, nil
}

// Cancel implements tools.JobScheduler.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	return s.Remove(id)
}

func toScheduled(job *Job) *tools.ScheduledJob {
	sj := &tools.ScheduledJob{
		ID:      job.ID,
		Name:    job.Name,
		Cron:    job.Cron,
		Prompt:  job.Prompt,
		OneShot: job.OneShot,
		Enabled: job.Enabled,
	}
	if job.NextRun != nil {
		sj.NextRun = *job.NextRun
	}
	return sj
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var enabled, oneShot int
	var createdAt int64
	var nextRun, lastRun sql.NullInt64
	var lastStatus, lastError sql.NullString
	err := row.Scan(&job.ID, &job.Name, &job.Cron, &job.Prompt, &enabled, &oneShot,
		&job.CreatedBy, &createdAt, &nextRun, &lastRun, &lastStatus, &lastError)
	if err != nil {
		return nil, err
	}
	job.Enabled = enabled != 0
	job.OneShot = oneShot != 0
	job.CreatedAt = time.Unix(createdAt, 0).UTC()
	if nextRun.Valid {
		t := time.Unix(nextRun.Int64, 0).UTC()
		job.NextRun = &t
	}
	if lastRun.Valid {
		t := time.Unix(lastRun.Int64, 0).UTC()
		job.LastRun = &t
	}
	job.LastStatus = lastStatus.String
	job.LastError = lastError.String
	return &job, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
