// Package supervisor runs agent processes under a deadline inside private workspaces.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"workrelay/internal/domain"
	"workrelay/internal/workspace"
)

var ErrClosed = errors.New("supervisor is shut down")

// Request asks for one invocation of an agent.
type Request struct {
	InvocationID string
	WorkflowID   string
	AgentRole    domain.Role
	AgentID      string
	Task         string
	Context      domain.Context
	Timeout      time.Duration
}

// Supervisor is what the orchestrator needs from invocation execution.
type Supervisor interface {
	// Dispatch enqueues the request and returns the queued invocation without waiting for it to run.
	Dispatch(ctx context.Context, req Request) (domain.Invocation, error)
	// Cancel stops queued and running invocations of the workflow. It reports whether any existed.
	Cancel(workflowID string) bool
	Shutdown(ctx context.Context) error
}

// Workspaces is the part of the workspace manager the supervisor uses.
type Workspaces interface {
	Acquire(ctx context.Context, workflowID string) (workspace.Handle, error)
	Release(ctx context.Context, h workspace.Handle, mode workspace.Mode) error
}

// Reporter receives every status change: running once started, then exactly one terminal status.
type Reporter func(domain.Invocation)

type Options struct {
	Command        string
	Args           []string
	Env            map[string]string
	MaxConcurrent  int
	DefaultTimeout time.Duration
	KillGrace      time.Duration
	OutputLimit    int

	Workspaces Workspaces
	Launcher   Launcher
	Clock      Clock
	Logger     *slog.Logger
	Report     Reporter
}

type job struct {
	inv    domain.Invocation
	req    Request
	ctx    context.Context
	cancel context.CancelCauseFunc
	once   sync.Once
}

// ProcessSupervisor runs each invocation as an OS process group. Requests beyond
// MaxConcurrent wait in submission order.
type ProcessSupervisor struct {
	opts Options
	log  *slog.Logger
	sem  *semaphore.Weighted

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	queue   []*job
	jobs    map[string]*job
	running int
	closed  bool
	wake    chan struct{}

	loopDone chan struct{}
	workers  sync.WaitGroup
}

var _ Supervisor = (*ProcessSupervisor)(nil)

func New(opts Options) (*ProcessSupervisor, error) {
	if opts.Workspaces == nil {
		return nil, errors.New("supervisor: workspaces required")
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Minute
	}
	if opts.KillGrace < 0 {
		opts.KillGrace = 0
	}
	if opts.Launcher == nil {
		opts.Launcher = ExecLauncher{}
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Report == nil {
		opts.Report = func(domain.Invocation) {}
	}
	ctx, stop := context.WithCancel(context.Background())
	s := &ProcessSupervisor{
		opts:     opts,
		log:      opts.Logger,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		baseCtx:  ctx,
		stop:     stop,
		jobs:     map[string]*job{},
		wake:     make(chan struct{}, 1),
		loopDone: make(chan struct{}),
	}
	go s.loop()
	return s, nil
}

func (s *ProcessSupervisor) Dispatch(_ context.Context, req Request) (domain.Invocation, error) {
	if req.WorkflowID == "" {
		return domain.Invocation{}, &domain.ValidationError{Field: "workflow_id", Reason: "required"}
	}
	if req.AgentRole == "" {
		return domain.Invocation{}, &domain.ValidationError{Field: "agent_role", Reason: "required"}
	}
	if req.Timeout <= 0 {
		req.Timeout = s.opts.DefaultTimeout
	}
	if req.InvocationID == "" {
		req.InvocationID = uuid.NewString()
	}
	now := s.opts.Clock.Now().UTC()
	inv := domain.Invocation{
		ID:         req.InvocationID,
		WorkflowID: req.WorkflowID,
		AgentRole:  req.AgentRole,
		AgentID:    req.AgentID,
		Deadline:   now.Add(req.Timeout),
		Status:     domain.InvocationQueued,
		CreatedAt:  now,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.Invocation{}, ErrClosed
	}
	ctx, cancel := context.WithCancelCause(s.baseCtx)
	j := &job{inv: inv, req: req, ctx: ctx, cancel: cancel}
	s.queue = append(s.queue, j)
	s.jobs[inv.ID] = j
	s.mu.Unlock()
	s.signal()
	s.log.Debug("invocation queued", "invocation_id", inv.ID, "workflow_id", inv.WorkflowID, "role", inv.AgentRole)
	return inv, nil
}

func (s *ProcessSupervisor) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cancel stops every queued or running invocation of the workflow.
func (s *ProcessSupervisor) Cancel(workflowID string) bool {
	s.mu.Lock()
	var dropped []*job
	found := false
	kept := s.queue[:0]
	for _, j := range s.queue {
		if j.inv.WorkflowID == workflowID {
			dropped = append(dropped, j)
			continue
		}
		kept = append(kept, j)
	}
	s.queue = kept
	for _, j := range s.jobs {
		if j.inv.WorkflowID == workflowID {
			found = true
			j.cancel(errCancelled)
		}
	}
	s.mu.Unlock()
	// Reported off the caller's goroutine: callers may hold locks the reporter needs.
	for _, j := range dropped {
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			s.finishUnstarted(j, "cancelled before start")
		}()
	}
	return found
}

var (
	errCancelled = errors.New("invocation cancelled")
	errShutdown  = errors.New("supervisor shutting down")
)

// Stats reports queued and running invocation counts.
func (s *ProcessSupervisor) Stats() (queued, running int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs) - s.running, s.running
}

// Shutdown cancels everything in flight and waits for processes to be reaped.
func (s *ProcessSupervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	queued := s.queue
	s.queue = nil
	for _, j := range s.jobs {
		j.cancel(errShutdown)
	}
	s.mu.Unlock()
	for _, j := range queued {
		s.finishUnstarted(j, errShutdown.Error())
	}
	s.stop()
	s.signal()

	done := make(chan struct{})
	go func() {
		<-s.loopDone
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ProcessSupervisor) next() *job {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			j := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return j
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil
		}
		<-s.wake
	}
}

// loop hands queued jobs to workers strictly in submission order.
func (s *ProcessSupervisor) loop() {
	defer close(s.loopDone)
	for {
		j := s.next()
		if j == nil {
			return
		}
		if err := s.sem.Acquire(j.ctx, 1); err != nil {
			s.finishUnstarted(j, cancelReason(j.ctx))
			continue
		}
		s.mu.Lock()
		s.running++
		s.mu.Unlock()
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			defer s.sem.Release(1)
			s.run(j)
		}()
	}
}

func cancelReason(ctx context.Context) string {
	if cause := context.Cause(ctx); cause != nil {
		return cause.Error()
	}
	return "cancelled"
}

func (s *ProcessSupervisor) finishUnstarted(j *job, reason string) {
	inv := j.inv
	now := s.opts.Clock.Now().UTC()
	inv.Status = domain.InvocationFailed
	inv.Output = &domain.Output{Error: reason}
	inv.FinishedAt = &now
	s.complete(j, inv, false)
}

func (s *ProcessSupervisor) complete(j *job, inv domain.Invocation, started bool) {
	j.once.Do(func() {
		s.mu.Lock()
		delete(s.jobs, inv.ID)
		if started {
			s.running--
		}
		s.mu.Unlock()
		j.cancel(nil)
		s.log.Info("invocation finished", "invocation_id", inv.ID, "workflow_id", inv.WorkflowID, "status", inv.Status)
		s.opts.Report(inv)
	})
}

func (s *ProcessSupervisor) run(j *job) {
	inv := j.inv
	h, err := s.opts.Workspaces.Acquire(j.ctx, inv.WorkflowID)
	if err != nil {
		now := s.opts.Clock.Now().UTC()
		inv.Status = domain.InvocationFailed
		inv.Output = &domain.Output{Error: err.Error()}
		inv.FinishedAt = &now
		s.complete(j, inv, true)
		return
	}
	started := s.opts.Clock.Now().UTC()
	inv.WorkspacePath = h.Path
	inv.StartedAt = &started
	inv.Deadline = started.Add(j.req.Timeout)
	inv.Status = domain.InvocationRunning
	s.opts.Report(inv)

	inv = s.execute(j, inv, h)

	mode := workspace.Discard
	if inv.Status == domain.InvocationSucceeded {
		mode = workspace.Integrate
	}
	if err := s.opts.Workspaces.Release(context.WithoutCancel(j.ctx), h, mode); err != nil {
		s.log.Warn("workspace release failed", "invocation_id", inv.ID, "path", h.Path, "err", err)
		if inv.Output == nil {
			inv.Output = &domain.Output{}
		}
		if inv.Status == domain.InvocationSucceeded {
			inv.Status = domain.InvocationFailed
		}
		inv.Output.Error = joinReason(inv.Output.Error, err.Error())
	}
	finished := s.opts.Clock.Now().UTC()
	inv.FinishedAt = &finished
	s.complete(j, inv, true)
}

func joinReason(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}

type waitResult struct {
	code int
	err  error
}

func (s *ProcessSupervisor) execute(j *job, inv domain.Invocation, h workspace.Handle) domain.Invocation {
	control := filepath.Join(h.Path, workspace.ControlDir)
	taskPath := filepath.Join(control, TaskFile)
	resultPath := filepath.Join(control, ResultFile)
	if err := s.writePayload(j, inv, h, taskPath, resultPath); err != nil {
		inv.Status = domain.InvocationFailed
		inv.Output = &domain.Output{Error: (&domain.WorkspaceError{Op: "write payload", Path: taskPath, Err: err}).Error()}
		return inv
	}
	if strings.TrimSpace(s.opts.Command) == "" {
		inv.Status = domain.InvocationFailed
		inv.Output = &domain.Output{Error: "no agent command configured"}
		return inv
	}

	stdout := newTailBuffer(s.opts.OutputLimit)
	stderr := newTailBuffer(rawTail)
	proc, err := s.opts.Launcher.Start(j.ctx, Spec{
		Command:   s.opts.Command,
		Args:      s.expandArgs(inv, h, taskPath),
		Dir:       h.Path,
		Env:       s.env(inv, h, taskPath, resultPath),
		Stdout:    stdout,
		Stderr:    stderr,
		WaitDelay: s.opts.KillGrace,
	})
	if err != nil {
		inv.Status = domain.InvocationFailed
		inv.Output = &domain.Output{Error: (&domain.InvocationCrashError{InvocationID: inv.ID, ExitCode: -1, Reason: "start: " + err.Error()}).Error()}
		return inv
	}
	s.log.Info("invocation started", "invocation_id", inv.ID, "workflow_id", inv.WorkflowID, "pid", proc.Pid(), "deadline", inv.Deadline)

	done := make(chan waitResult, 1)
	go func() {
		code, err := proc.Wait()
		done <- waitResult{code: code, err: err}
	}()

	var stopReason error
	select {
	case r := <-done:
		return s.classify(inv, r, resultPath, stdout, stderr)
	case <-s.opts.Clock.After(inv.Deadline.Sub(s.opts.Clock.Now())):
		stopReason = &domain.InvocationTimeoutError{InvocationID: inv.ID, Deadline: inv.Deadline}
	case <-j.ctx.Done():
		stopReason = context.Cause(j.ctx)
	}

	if err := proc.Terminate(); err != nil {
		s.log.Warn("terminate process group", "invocation_id", inv.ID, "err", err)
	}
	var r waitResult
	select {
	case r = <-done:
	case <-s.opts.Clock.After(s.opts.KillGrace):
		if err := proc.Kill(); err != nil {
			s.log.Warn("kill process group", "invocation_id", inv.ID, "err", err)
		}
		r = <-done
	}
	code := r.code
	inv.ExitCode = &code
	raw := tail(append(stdout.Bytes(), stderr.Bytes()...), rawTail)
	var timeout *domain.InvocationTimeoutError
	if errors.As(stopReason, &timeout) {
		inv.Status = domain.InvocationTimedOut
	} else {
		inv.Status = domain.InvocationFailed
	}
	inv.Output = &domain.Output{Error: stopReason.Error(), Raw: raw}
	return inv
}

func (s *ProcessSupervisor) classify(inv domain.Invocation, r waitResult, resultPath string, stdout, stderr *tailBuffer) domain.Invocation {
	code := r.code
	inv.ExitCode = &code
	out := stdout.Bytes()
	raw := tail(append(out, stderr.Bytes()...), rawTail)
	if r.err != nil {
		inv.Status = domain.InvocationFailed
		inv.Output = &domain.Output{Error: (&domain.InvocationCrashError{InvocationID: inv.ID, ExitCode: code, Reason: r.err.Error()}).Error(), Raw: raw}
		return inv
	}
	if code != 0 {
		inv.Status = domain.InvocationFailed
		inv.Output = &domain.Output{Error: (&domain.InvocationCrashError{InvocationID: inv.ID, ExitCode: code, Reason: "non-zero exit"}).Error(), Raw: raw}
		return inv
	}
	parsed, err := parseOutput(resultPath, out)
	if err != nil {
		inv.Status = domain.InvocationFailed
		inv.Output = &domain.Output{Error: (&domain.InvocationCrashError{InvocationID: inv.ID, ExitCode: code, Reason: err.Error()}).Error(), Raw: raw}
		return inv
	}
	inv.Output = parsed
	if parsed.Error != "" {
		inv.Status = domain.InvocationFailed
		parsed.Raw = raw
		return inv
	}
	inv.Status = domain.InvocationSucceeded
	return inv
}

func (s *ProcessSupervisor) writePayload(j *job, inv domain.Invocation, h workspace.Handle, taskPath, resultPath string) error {
	if err := os.MkdirAll(filepath.Dir(taskPath), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(Payload{
		InvocationID: inv.ID,
		WorkflowID:   inv.WorkflowID,
		Role:         inv.AgentRole,
		AgentID:      inv.AgentID,
		Task:         j.req.Task,
		Context:      j.req.Context,
		Deadline:     inv.Deadline.Format(time.RFC3339),
		Workspace:    h.Path,
		ResultPath:   resultPath,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return os.WriteFile(taskPath, data, 0o644)
}

func (s *ProcessSupervisor) expandArgs(inv domain.Invocation, h workspace.Handle, taskPath string) []string {
	r := strings.NewReplacer(
		"{workflow_id}", inv.WorkflowID,
		"{invocation_id}", inv.ID,
		"{role}", string(inv.AgentRole),
		"{agent_id}", inv.AgentID,
		"{workspace}", h.Path,
		"{task_file}", taskPath,
	)
	args := make([]string, len(s.opts.Args))
	for i, a := range s.opts.Args {
		args[i] = r.Replace(a)
	}
	return args
}

func (s *ProcessSupervisor) env(inv domain.Invocation, h workspace.Handle, taskPath, resultPath string) []string {
	env := os.Environ()
	for k, v := range s.opts.Env {
		env = append(env, k+"="+v)
	}
	return append(env,
		"RELAY_WORKFLOW_ID="+inv.WorkflowID,
		"RELAY_INVOCATION_ID="+inv.ID,
		"RELAY_ROLE="+string(inv.AgentRole),
		"RELAY_AGENT_ID="+inv.AgentID,
		"RELAY_WORKSPACE="+h.Path,
		"RELAY_TASK_FILE="+taskPath,
		"RELAY_RESULT_FILE="+resultPath,
		"RELAY_DEADLINE="+inv.Deadline.Format(time.RFC3339),
	)
}
