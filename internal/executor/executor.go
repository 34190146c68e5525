// Package executor runs agent jobs asynchronously against the upstream
// assistant API. Submission returns a job id immediately; a bounded worker
// pool drives each run to a terminal status and records the outcome.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tollgate-ai/tollgate/internal/assistant"
	"github.com/tollgate-ai/tollgate/internal/cache"
	"github.com/tollgate-ai/tollgate/internal/config"
	"github.com/tollgate-ai/tollgate/internal/metrics"
	"github.com/tollgate-ai/tollgate/internal/store"
	"github.com/tollgate-ai/tollgate/pkg/models"
)

var (
	ErrQueueFull      = errors.New("executor queue is full")
	ErrResultNotReady = errors.New("job result is not ready")
	ErrNotCancellable = errors.New("job is not cancellable")
	ErrClosed         = errors.New("executor is closed")
)

// statusTTL bounds how long the cached status mirror outlives the last write.
const statusTTL = 30 * time.Minute

// agentEndpoint is the endpoint usage records for async runs are attributed to.
const agentEndpoint = "/api/v1/agents/execute"

// SubmitRequest holds the validated parameters of one agent execution.
type SubmitRequest struct {
	UserID       uuid.UUID
	AgentID      string
	Message      string
	ThreadID     string
	Instructions string
	Tools        json.RawMessage
	WebhookURL   string
}

// submitParams is the shape persisted in the job's parameters column.
type submitParams struct {
	AgentID      string          `json:"agent_id"`
	ThreadID     string          `json:"thread_id"`
	Message      string          `json:"message"`
	Instructions string          `json:"instructions,omitempty"`
	Tools        json.RawMessage `json:"tools,omitempty"`
	WebhookURL   string          `json:"webhook_url,omitempty"`
}

// resultPayload is the shape persisted in the job's result column.
type resultPayload struct {
	Response string           `json:"response"`
	ThreadID string           `json:"thread_id"`
	RunID    string           `json:"run_id"`
	Usage    *assistant.Usage `json:"usage,omitempty"`
}

// StatusInfo is a job row annotated with live progress when the job is
// currently running in this process.
type StatusInfo struct {
	Job                *models.Job
	ElapsedSeconds     *float64
	EstimatedRemaining *float64
}

type task struct {
	jobID    uuid.UUID
	userID   uuid.UUID
	threadID string
	req      SubmitRequest
}

// activeRun tracks one in-flight run. The table is process-local and best
// effort: a restart loses it, the durable job row survives.
type activeRun struct {
	startedAt time.Time
	cancel    context.CancelFunc
}

// Executor owns the worker pool and the in-memory active-run table.
type Executor struct {
	store    store.Store
	cache    cache.Cache
	client   assistant.Client
	webhooks *WebhookNotifier
	metrics  *metrics.Collector
	cfg      config.ExecutorConfig

	queue chan task
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	mu     sync.Mutex
	active map[uuid.UUID]*activeRun
}

// New creates an Executor and starts its worker pool.
func New(st store.Store, ca cache.Cache, client assistant.Client, mc *metrics.Collector, cfg config.ExecutorConfig) *Executor {
	e := &Executor{
		store:    st,
		cache:    ca,
		client:   client,
		webhooks: NewWebhookNotifier(cfg.WebhookTimeout),
		metrics:  mc,
		cfg:      cfg,
		queue:    make(chan task, cfg.QueueSize),
		done:     make(chan struct{}),
		active:   make(map[uuid.UUID]*activeRun),
	}

	for i := 0; i < cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}

	return e
}

// Submit creates the job and hands it to the worker pool. It returns the job
// id without waiting for the run to start. When no thread id is given a fresh
// remote thread is created first, so the caller can reuse it on follow-ups.
func (e *Executor) Submit(ctx context.Context, req SubmitRequest) (uuid.UUID, error) {
	select {
	case <-e.done:
		return uuid.Nil, ErrClosed
	default:
	}

	// Cheap early out before spending an upstream call on a thread that
	// would be rejected anyway. The authoritative check is the enqueue.
	if len(e.queue) == cap(e.queue) {
		return uuid.Nil, ErrQueueFull
	}

	threadID := req.ThreadID
	if threadID == "" {
		thread, err := e.client.CreateThread(ctx)
		if err != nil {
			return uuid.Nil, fmt.Errorf("creating thread: %w", err)
		}
		threadID = thread.ID
	}

	params, err := json.Marshal(submitParams{
		AgentID:      req.AgentID,
		ThreadID:     threadID,
		Message:      req.Message,
		Instructions: req.Instructions,
		Tools:        req.Tools,
		WebhookURL:   req.WebhookURL,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("encoding parameters: %w", err)
	}

	endpoint := agentEndpoint
	job := &models.Job{
		ID:         uuid.New(),
		UserID:     req.UserID,
		Type:       models.JobTypeAgentExecution,
		Status:     models.JobStatusPending,
		Parameters: params,
		EndpointID: &endpoint,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}

	if err := e.store.CreateJob(ctx, job); err != nil {
		return uuid.Nil, fmt.Errorf("creating job: %w", err)
	}

	_ = e.cache.SetJobStatus(ctx, job.ID, models.JobStatusPending, statusTTL)

	select {
	case e.queue <- task{jobID: job.ID, userID: req.UserID, threadID: threadID, req: req}:
	default:
		msg := "executor queue full"
		_ = e.store.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed, store.WithErrorMessage(msg))
		_ = e.cache.SetJobStatus(ctx, job.ID, models.JobStatusFailed, statusTTL)
		return uuid.Nil, ErrQueueFull
	}

	e.metrics.RecordSubmitted()
	e.updateQueueStats()

	slog.Info("job submitted", "job_id", job.ID, "user_id", req.UserID, "agent_id", req.AgentID, "thread_id", threadID)
	return job.ID, nil
}

// Status returns the job annotated with elapsed and estimated-remaining
// seconds while the run is active in this process.
func (e *Executor) Status(ctx context.Context, userID uuid.UUID, admin bool, jobID uuid.UUID) (*StatusInfo, error) {
	job, err := e.store.GetJobForUser(ctx, jobID, userID, admin)
	if err != nil {
		return nil, err
	}

	info := &StatusInfo{Job: job}

	e.mu.Lock()
	ar, ok := e.active[jobID]
	e.mu.Unlock()
	if ok {
		elapsed := time.Since(ar.startedAt).Seconds()
		remaining := e.cfg.PollBudget.Seconds() - elapsed
		if remaining < 0 {
			remaining = 0
		}
		info.ElapsedSeconds = &elapsed
		info.EstimatedRemaining = &remaining
	}

	return info, nil
}

// Result returns the job once it has reached a terminal status.
func (e *Executor) Result(ctx context.Context, userID uuid.UUID, admin bool, jobID uuid.UUID) (*models.Job, error) {
	job, err := e.store.GetJobForUser(ctx, jobID, userID, admin)
	if err != nil {
		return nil, err
	}
	if !job.Terminal() {
		return nil, ErrResultNotReady
	}
	return job, nil
}

// Cancel moves a pending or processing job to cancelled and fires the job's
// cancel token so an in-flight poll loop stops. The store's transition table
// rejects the cancel if a terminal status won the race.
func (e *Executor) Cancel(ctx context.Context, userID uuid.UUID, admin bool, jobID uuid.UUID) error {
	job, err := e.store.GetJobForUser(ctx, jobID, userID, admin)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return ErrNotCancellable
	}

	if err := e.store.UpdateJobStatus(ctx, jobID, models.JobStatusCancelled); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return ErrNotCancellable
		}
		return fmt.Errorf("cancelling job: %w", err)
	}
	_ = e.cache.SetJobStatus(ctx, jobID, models.JobStatusCancelled, statusTTL)

	e.mu.Lock()
	if ar, ok := e.active[jobID]; ok {
		ar.cancel()
	}
	e.mu.Unlock()

	e.metrics.RecordCancelled()
	slog.Info("job cancelled", "job_id", jobID, "user_id", userID)
	return nil
}

// Close stops the worker pool. Queued jobs that were never picked up stay
// pending in the store; in-flight runs get until ctx expires to finish, then
// their poll loops are cancelled.
func (e *Executor) Close(ctx context.Context) error {
	e.once.Do(func() { close(e.done) })

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		e.mu.Lock()
		for _, ar := range e.active {
			ar.cancel()
		}
		e.mu.Unlock()
		<-finished
		return ctx.Err()
	}
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case t := <-e.queue:
			e.run(t)
		}
	}
}

// run drives one job end-to-end. Store and cache writes use a background
// context so a cancelled run can still record its outcome; the run context
// only governs upstream calls and the poll loop.
func (e *Executor) run(t task) {
	ctx := context.Background()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	e.active[t.jobID] = &activeRun{startedAt: time.Now(), cancel: cancel}
	e.mu.Unlock()
	e.updateQueueStats()

	defer func() {
		e.mu.Lock()
		delete(e.active, t.jobID)
		e.mu.Unlock()
		e.updateQueueStats()
	}()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in job runner", "error", r, "job_id", t.jobID)
			_ = e.store.UpdateJobStatus(ctx, t.jobID, models.JobStatusFailed,
				store.WithErrorMessage(fmt.Sprintf("panic: %v", r)))
			_ = e.cache.SetJobStatus(ctx, t.jobID, models.JobStatusFailed, statusTTL)
		}
	}()

	started := time.Now()

	// A cancel can land between enqueue and pickup. The cached mirror is
	// cheaper to check than an update the transition table would reject.
	if status, ok, err := e.cache.GetJobStatus(ctx, t.jobID); err == nil && ok && models.JobStatusTerminal(status) {
		slog.Info("job already terminal before pickup", "job_id", t.jobID, "status", status)
		return
	}

	if err := e.store.UpdateJobStatus(ctx, t.jobID, models.JobStatusProcessing); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			slog.Info("job no longer pending, skipping", "job_id", t.jobID)
			return
		}
		slog.Error("marking job processing", "error", err, "job_id", t.jobID)
		return
	}
	_ = e.cache.SetJobStatus(ctx, t.jobID, models.JobStatusProcessing, statusTTL)

	if _, err := e.client.AddMessage(runCtx, t.threadID, "user", t.req.Message); err != nil {
		if runCtx.Err() != nil {
			slog.Info("job cancelled while posting message", "job_id", t.jobID)
			return
		}
		e.fail(t, started, fmt.Sprintf("posting message: %v", err))
		return
	}

	run, err := e.client.CreateRun(runCtx, t.threadID, assistant.RunRequest{
		AssistantID:  t.req.AgentID,
		Instructions: t.req.Instructions,
		Tools:        t.req.Tools,
	})
	if err != nil {
		if runCtx.Err() != nil {
			slog.Info("job cancelled while creating run", "job_id", t.jobID)
			return
		}
		e.fail(t, started, fmt.Sprintf("creating run: %v", err))
		return
	}

	slog.Info("run started", "job_id", t.jobID, "thread_id", t.threadID, "run_id", run.ID)
	e.poll(runCtx, t, started, run)
}

// poll checks the remote run until it reaches a terminal status, the poll
// budget runs out, or the job's cancel token fires.
func (e *Executor) poll(runCtx context.Context, t task, started time.Time, run *assistant.Run) {
	deadline := time.Now().Add(e.cfg.PollBudget)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			slog.Info("job cancelled, abandoning run", "job_id", t.jobID, "run_id", run.ID)
			return
		case <-ticker.C:
		}
		if runCtx.Err() != nil {
			slog.Info("job cancelled, abandoning run", "job_id", t.jobID, "run_id", run.ID)
			return
		}

		current, err := e.client.GetRun(runCtx, t.threadID, run.ID)
		if err != nil {
			if runCtx.Err() != nil {
				slog.Info("job cancelled during poll", "job_id", t.jobID, "run_id", run.ID)
				return
			}
			e.fail(t, started, fmt.Sprintf("polling run: %v", err))
			return
		}

		switch {
		case current.Status == assistant.RunStatusCompleted:
			e.complete(t, started, current)
			return
		case assistant.TerminalFailure(current.Status):
			msg := fmt.Sprintf("run %s", current.Status)
			if current.LastError != nil && current.LastError.Message != "" {
				msg = current.LastError.Message
			}
			e.fail(t, started, msg)
			return
		}

		if time.Now().After(deadline) {
			e.fail(t, started, fmt.Sprintf("run timed out after %s", e.cfg.PollBudget))
			return
		}
	}
}

// complete fetches the assistant's reply, stores the result, and records the
// metered usage for the run.
func (e *Executor) complete(t task, started time.Time, run *assistant.Run) {
	ctx := context.Background()

	response := ""
	msgs, err := e.client.ListMessages(ctx, t.threadID, 5)
	if err != nil {
		e.fail(t, started, fmt.Sprintf("fetching result: %v", err))
		return
	}
	for _, m := range msgs {
		if m.Role == "assistant" {
			response = m.Content
			break
		}
	}

	raw, err := json.Marshal(resultPayload{
		Response: response,
		ThreadID: t.threadID,
		RunID:    run.ID,
		Usage:    run.Usage,
	})
	if err != nil {
		e.fail(t, started, fmt.Sprintf("encoding result: %v", err))
		return
	}

	if err := e.store.UpdateJobStatus(ctx, t.jobID, models.JobStatusCompleted, store.WithResult(raw)); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			slog.Info("job cancelled before completion could be recorded", "job_id", t.jobID)
			return
		}
		slog.Error("marking job completed", "error", err, "job_id", t.jobID)
		return
	}
	_ = e.cache.SetJobStatus(ctx, t.jobID, models.JobStatusCompleted, statusTTL)

	rec := &models.UsageRecord{
		ID:       uuid.New(),
		UserID:   t.userID,
		JobID:    &t.jobID,
		Endpoint: agentEndpoint,
	}
	if run.Model != "" {
		rec.Model = &run.Model
	}
	if run.Usage != nil {
		rec.PromptTokens = run.Usage.PromptTokens
		rec.CompletionTokens = run.Usage.CompletionTokens
		rec.TotalTokens = run.Usage.TotalTokens
	}
	if err := e.store.CreateUsageRecord(ctx, rec); err != nil {
		slog.Error("recording usage", "error", err, "job_id", t.jobID)
	}

	duration := time.Since(started)
	e.metrics.RecordCompleted(duration.Seconds())
	slog.Info("job completed", "job_id", t.jobID, "run_id", run.ID, "duration_ms", duration.Milliseconds())

	if t.req.WebhookURL != "" {
		go e.webhooks.Notify(t.req.WebhookURL, t.jobID, models.JobStatusCompleted, raw)
	}
}

// fail records a failed terminal status with the given message.
func (e *Executor) fail(t task, started time.Time, msg string) {
	ctx := context.Background()

	if err := e.store.UpdateJobStatus(ctx, t.jobID, models.JobStatusFailed, store.WithErrorMessage(msg)); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			slog.Info("job cancelled before failure could be recorded", "job_id", t.jobID)
			return
		}
		slog.Error("marking job failed", "error", err, "job_id", t.jobID)
		return
	}
	_ = e.cache.SetJobStatus(ctx, t.jobID, models.JobStatusFailed, statusTTL)

	e.metrics.RecordFailed(time.Since(started).Seconds())
	slog.Warn("job failed", "job_id", t.jobID, "error", msg)
}

func (e *Executor) updateQueueStats() {
	e.mu.Lock()
	active := len(e.active)
	e.mu.Unlock()
	e.metrics.SetQueueStats(len(e.queue), active)
}
