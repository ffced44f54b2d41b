package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, run *Run) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatal("run never finished")
		}
	}
}

func TestScriptedRunner_ReplaysInitScript(t *testing.T) {
	r := &ScriptedRunner{
		Init: Script{
			Events: []Event{
				EpicPlanned{ExternalID: "e1", Name: "storage", Priority: 1},
				TaskPlanned{ExternalID: "t1", ExternalEpicID: "e1", Priority: 1, Action: "schema"},
				TestPlanned{ExternalID: "te1", ExternalTaskID: "t1", Category: "functional"},
			},
			Result: Result{Status: StatusCompleted},
		},
	}

	run := r.RunInit(context.Background(), InitRequest{})
	got := drain(t, run)

	require.Len(t, got, 3)
	assert.Equal(t, "e1", got[0].(EpicPlanned).ExternalID)
	assert.Equal(t, "e1", got[1].(TaskPlanned).ExternalEpicID)
	assert.Equal(t, StatusCompleted, run.Result().Status)
	assert.Equal(t, 1, r.InitCalls())
}

func TestScriptedRunner_CodingScriptPerCall(t *testing.T) {
	calls := 0
	r := &ScriptedRunner{
		Coding: func(CodingRequest) Script {
			calls++
			return Script{
				Events: []Event{TaskCompleted{TaskID: "task"}},
				Result: Result{Status: StatusCompleted},
			}
		},
	}

	for i := 0; i < 3; i++ {
		run := r.RunCoding(context.Background(), CodingRequest{})
		got := drain(t, run)
		require.Len(t, got, 1)
	}
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, r.CodingCalls())
}

func TestScriptedRunner_CancelEndsStream(t *testing.T) {
	r := &ScriptedRunner{
		Coding: func(CodingRequest) Script {
			return Script{
				Events:    []Event{Progress{}, Progress{}, Progress{}},
				StepDelay: 50 * time.Millisecond,
				Result:    Result{Status: StatusCompleted},
			}
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := r.RunCoding(ctx, CodingRequest{})
	cancel()

	drain(t, run)
	assert.Equal(t, StatusCancelled, run.Result().Status)
}

func TestScriptedRunner_IgnoreCancelKeepsPlaying(t *testing.T) {
	r := &ScriptedRunner{
		Coding: func(CodingRequest) Script {
			return Script{
				Events:       []Event{Progress{}, Progress{}},
				IgnoreCancel: true,
				Result:       Result{Status: StatusCompleted},
			}
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	run := r.RunCoding(ctx, CodingRequest{})

	got := drain(t, run)
	assert.Len(t, got, 2, "cancel-deaf script emits everything")
	assert.Equal(t, StatusCompleted, run.Result().Status)
}
