package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStage 可编程的阶段处理器，按 Process 调用次数返回预置结果
type fakeStage struct {
	stageType    string
	validateErr  error
	results      []*StageResult
	processErr   error
	processCalls int
	failures     []error
}

func (f *fakeStage) StageType() string { return f.stageType }

func (f *fakeStage) Validate(ctx context.Context, c *Context) error { return f.validateErr }

func (f *fakeStage) Process(ctx context.Context, c *Context) (*StageResult, error) {
	f.processCalls++
	if f.processErr != nil {
		return nil, f.processErr
	}
	idx := f.processCalls - 1
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	return f.results[idx], nil
}

func (f *fakeStage) ProcessStream(ctx context.Context, c *Context) <-chan Event {
	events := make(chan Event)
	go func() {
		defer close(events)
		result, err := f.Process(ctx, c)
		if err != nil {
			events <- Event{Type: EventError, Error: err.Error()}
			return
		}
		if !result.Success {
			events <- Event{Type: EventError, Error: result.Error}
			return
		}
		events <- Event{Type: EventDone, Data: result.Data}
	}()
	return events
}

func (f *fakeStage) OnFailure(ctx context.Context, c *Context, cause error) {
	f.failures = append(f.failures, cause)
}

type recorderCall struct {
	event     string
	stageType string
}

type fakeRecorder struct {
	calls []recorderCall
}

func (r *fakeRecorder) StageStarted(ctx context.Context, projectID, stageType string) error {
	r.calls = append(r.calls, recorderCall{"started", stageType})
	return nil
}

func (r *fakeRecorder) StageCompleted(ctx context.Context, projectID, stageType string, output map[string]interface{}) error {
	r.calls = append(r.calls, recorderCall{"completed", stageType})
	return nil
}

func (r *fakeRecorder) StageFailed(ctx context.Context, projectID, stageType, errMsg string) error {
	r.calls = append(r.calls, recorderCall{"failed", stageType})
	return nil
}

func okStage(stageType string) *fakeStage {
	return &fakeStage{
		stageType: stageType,
		results:   []*StageResult{{Success: true, Data: map[string]interface{}{"stage": stageType}}},
	}
}

func noSleep(o *Orchestrator) { o.sleep = func(time.Duration) {} }

func TestOrchestratorRunsStagesInOrder(t *testing.T) {
	recorder := &fakeRecorder{}
	stages := []StageProcessor{okStage("one"), okStage("two"), okStage("three")}
	o := NewOrchestrator(stages, recorder)
	noSleep(o)

	c, err := o.Execute(context.Background(), "p1")
	require.NoError(t, err)

	assert.Equal(t, []string{"one", "two", "three"}, c.Stages())
	data, ok := c.Result("two")
	require.True(t, ok)
	assert.Equal(t, "two", data["stage"])

	require.Len(t, recorder.calls, 6)
	assert.Equal(t, recorderCall{"started", "one"}, recorder.calls[0])
	assert.Equal(t, recorderCall{"completed", "one"}, recorder.calls[1])
	assert.Equal(t, recorderCall{"completed", "three"}, recorder.calls[5])
}

func TestOrchestratorHaltsOnValidationFailure(t *testing.T) {
	recorder := &fakeRecorder{}
	bad := &fakeStage{stageType: "two", validateErr: errors.New("missing input")}
	last := okStage("three")
	o := NewOrchestrator([]StageProcessor{okStage("one"), bad, last}, recorder)
	noSleep(o)

	_, err := o.Execute(context.Background(), "p1")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "two", verr.StageType)

	// 校验失败不进入 Process，后续阶段不再执行
	assert.Zero(t, bad.processCalls)
	assert.Zero(t, last.processCalls)
	require.Len(t, bad.failures, 1)
	assert.Equal(t, recorderCall{"failed", "two"}, recorder.calls[len(recorder.calls)-1])
}

func TestOrchestratorRetriesWithExponentialBackoff(t *testing.T) {
	flaky := &fakeStage{
		stageType: "one",
		results: []*StageResult{
			{Success: false, Error: "timeout", CanRetry: true},
			{Success: false, Error: "timeout", CanRetry: true},
			{Success: false, Error: "timeout", CanRetry: true},
			{Success: true, Data: map[string]interface{}{}},
		},
	}
	o := NewOrchestrator([]StageProcessor{flaky}, nil)

	var delays []time.Duration
	o.sleep = func(d time.Duration) { delays = append(delays, d) }

	_, err := o.Execute(context.Background(), "p1")
	require.NoError(t, err)

	assert.Equal(t, 4, flaky.processCalls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)
}

func TestOrchestratorDoesNotRetryPermanentFailure(t *testing.T) {
	broken := &fakeStage{
		stageType: "one",
		results:   []*StageResult{{Success: false, Error: "bad config", CanRetry: false}},
	}
	o := NewOrchestrator([]StageProcessor{broken}, nil)
	noSleep(o)

	_, err := o.Execute(context.Background(), "p1")
	require.Error(t, err)
	assert.Equal(t, 1, broken.processCalls)
	require.Len(t, broken.failures, 1)
}

func TestOrchestratorGivesUpAfterRetryBudget(t *testing.T) {
	recorder := &fakeRecorder{}
	flaky := &fakeStage{
		stageType: "one",
		results:   []*StageResult{{Success: false, Error: "timeout", CanRetry: true}},
	}
	o := NewOrchestrator([]StageProcessor{flaky}, recorder)
	noSleep(o)

	_, err := o.Execute(context.Background(), "p1")
	require.Error(t, err)

	// 首次执行 + maxRetries 次重试
	assert.Equal(t, 1+o.maxRetries, flaky.processCalls)
	assert.Equal(t, recorderCall{"failed", "one"}, recorder.calls[len(recorder.calls)-1])
}

func TestOrchestratorPropagatesProcessError(t *testing.T) {
	boom := errors.New("connection refused")
	broken := &fakeStage{stageType: "one", processErr: boom}
	o := NewOrchestrator([]StageProcessor{broken}, nil)
	noSleep(o)

	_, err := o.Execute(context.Background(), "p1")
	assert.ErrorIs(t, err, boom)
	require.Len(t, broken.failures, 1)
}

func TestExecuteStageUnknownType(t *testing.T) {
	o := NewOrchestrator([]StageProcessor{okStage("one")}, nil)
	noSleep(o)

	result, err := o.ExecuteStage(context.Background(), "p1", "bogus")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.False(t, result.CanRetry)
}
