package runner

import (
	"context"
	"sync"
	"time"
)

// Script is one pre-recorded session: events emitted in order, then the
// result. StepDelay inserts a pause before each event; IgnoreCancel makes
// the script deaf to context cancellation, which exercises the scheduler's
// cancel-grace detach path.
type Script struct {
	Events       []Event
	Result       Result
	StepDelay    time.Duration
	IgnoreCancel bool
}

// ScriptedRunner replays pre-recorded sessions. Used by tests and dry runs.
// Init plays for RunInit; Coding is consulted per call so successive coding
// sessions can differ. A nil Coding func replays an empty completed session.
type ScriptedRunner struct {
	Init   Script
	Coding func(req CodingRequest) Script

	mu          sync.Mutex
	initCalls   int
	codingCalls int
}

// RunInit replays the init script.
func (s *ScriptedRunner) RunInit(ctx context.Context, _ InitRequest) *Run {
	s.mu.Lock()
	s.initCalls++
	script := s.Init
	s.mu.Unlock()
	return s.play(ctx, script)
}

// RunCoding replays the script selected for this call.
func (s *ScriptedRunner) RunCoding(ctx context.Context, req CodingRequest) *Run {
	s.mu.Lock()
	s.codingCalls++
	s.mu.Unlock()

	script := Script{Result: Result{Status: StatusCompleted}}
	if s.Coding != nil {
		script = s.Coding(req)
	}
	return s.play(ctx, script)
}

// InitCalls returns how many init sessions have been started.
func (s *ScriptedRunner) InitCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initCalls
}

// CodingCalls returns how many coding sessions have been started.
func (s *ScriptedRunner) CodingCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codingCalls
}

func (s *ScriptedRunner) play(ctx context.Context, script Script) *Run {
	run := NewRun(len(script.Events) + 1)
	go func() {
		for _, ev := range script.Events {
			if script.StepDelay > 0 {
				if !sleep(ctx, script.StepDelay, script.IgnoreCancel) {
					run.Finish(Result{Status: StatusCancelled})
					return
				}
			}
			if !script.IgnoreCancel && ctx.Err() != nil {
				run.Finish(Result{Status: StatusCancelled})
				return
			}
			run.events <- ev
		}
		if !script.IgnoreCancel && ctx.Err() != nil {
			run.Finish(Result{Status: StatusCancelled})
			return
		}
		run.Finish(script.Result)
	}()
	return run
}

// sleep waits for d, returning false if the context ended first and the
// script honors cancellation.
func sleep(ctx context.Context, d time.Duration, ignoreCancel bool) bool {
	if ignoreCancel {
		time.Sleep(d)
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
