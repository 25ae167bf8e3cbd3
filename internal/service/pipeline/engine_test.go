package pipeline

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/splax/deployctl/internal/domain"
)

var testStart = time.Date(2025, time.November, 5, 12, 0, 0, 0, time.UTC)

func newTestEngine(inc Increment) *Engine {
	n := 0
	return NewEngine(Options{
		Increment: inc,
		Now:       func() time.Time { return testStart },
		NewID: func() string {
			n++
			return fmt.Sprintf("pipe-%d", n)
		},
	})
}

func threeStageSpec() CreateSpec {
	return CreateSpec{
		Name:        "checkout-api",
		Environment: domain.EnvironmentStaging,
		Branch:      "main",
		CommitHash:  "a1b2c3d4",
		Version:     "v1.4.0",
		DeployedBy:  "alice",
		Stages: []domain.StageDefinition{
			{Name: "Build"},
			{Name: "Security Scan"},
			{Name: "Deploy"},
		},
	}
}

func mustCreate(t *testing.T, e *Engine, spec CreateSpec) domain.Pipeline {
	t.Helper()
	p, err := e.Create(spec)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	return p
}

func TestCreateInitializesPendingStages(t *testing.T) {
	e := newTestEngine(Fixed(20))
	p := mustCreate(t, e, threeStageSpec())

	if p.Status != domain.PipelineRunning {
		t.Fatalf("expected running, got %s", p.Status)
	}
	if p.Progress != 0 {
		t.Fatalf("expected zero progress, got %.2f", p.Progress)
	}
	if p.StartTime == nil || !p.StartTime.Equal(testStart) {
		t.Fatalf("expected start time %s, got %v", testStart, p.StartTime)
	}
	for _, st := range p.Stages {
		if st.Status != domain.StagePending {
			t.Fatalf("stage %s expected pending, got %s", st.ID, st.Status)
		}
	}
}

func TestCreateDeferredIsIdle(t *testing.T) {
	e := newTestEngine(Fixed(20))
	spec := threeStageSpec()
	spec.Deferred = true
	p := mustCreate(t, e, spec)
	if p.Status != domain.PipelineIdle {
		t.Fatalf("expected idle, got %s", p.Status)
	}

	advanced, err := e.Advance(p, time.Second)
	if err != nil {
		t.Fatalf("Advance returned error: %v", err)
	}
	if advanced.Progress != 0 || advanced.Revision != p.Revision {
		t.Fatalf("expected idle pipeline to be untouched")
	}

	started, err := e.Start(p)
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if started.Status != domain.PipelineRunning || started.StartTime == nil {
		t.Fatalf("expected running pipeline with start time, got %s", started.Status)
	}
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	e := newTestEngine(Fixed(20))
	cases := map[string]func(*CreateSpec){
		"no stages":       func(s *CreateSpec) { s.Stages = nil },
		"bad environment": func(s *CreateSpec) { s.Environment = "qa" },
		"empty name":      func(s *CreateSpec) { s.Name = "" },
		"bad commit":      func(s *CreateSpec) { s.CommitHash = "not-a-sha" },
		"unnamed stage":   func(s *CreateSpec) { s.Stages = []domain.StageDefinition{{Name: ""}} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			spec := threeStageSpec()
			mutate(&spec)
			if _, err := e.Create(spec); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestAdvanceFixedIncrementsCompletesAllStages(t *testing.T) {
	e := newTestEngine(Fixed(20))
	p := mustCreate(t, e, threeStageSpec())

	var err error
	for i := 0; i < 5; i++ {
		p, err = e.Advance(p, time.Second)
		if err != nil {
			t.Fatalf("Advance %d returned error: %v", i+1, err)
		}
	}

	if p.Progress != 100 {
		t.Fatalf("expected progress 100, got %.2f", p.Progress)
	}
	if p.Status != domain.PipelineSuccess {
		t.Fatalf("expected success, got %s", p.Status)
	}
	for _, st := range p.Stages {
		if st.Status != domain.StageSuccess {
			t.Fatalf("stage %s expected success, got %s", st.ID, st.Status)
		}
		if st.StartTime == nil || st.EndTime == nil || st.DurationMs == nil {
			t.Fatalf("stage %s missing timing", st.ID)
		}
		if st.EndTime.Before(*st.StartTime) {
			t.Fatalf("stage %s ends before it starts", st.ID)
		}
		if *st.DurationMs != st.EndTime.Sub(*st.StartTime).Milliseconds() {
			t.Fatalf("stage %s duration mismatch", st.ID)
		}
	}
	if p.EndTime == nil || !p.EndTime.Equal(testStart.Add(5*time.Second)) {
		t.Fatalf("expected end time at +5s, got %v", p.EndTime)
	}
}

func TestAdvanceOpensStagesInOrder(t *testing.T) {
	e := newTestEngine(Fixed(20))
	p := mustCreate(t, e, threeStageSpec())

	p, _ = e.Advance(p, time.Second)
	assertStages(t, p, domain.StageRunning, domain.StagePending, domain.StagePending)
	p, _ = e.Advance(p, time.Second)
	assertStages(t, p, domain.StageSuccess, domain.StageRunning, domain.StagePending)
	p, _ = e.Advance(p, time.Second)
	assertStages(t, p, domain.StageSuccess, domain.StageRunning, domain.StagePending)
	p, _ = e.Advance(p, time.Second)
	assertStages(t, p, domain.StageSuccess, domain.StageSuccess, domain.StageRunning)
}

func TestAdvanceProgressIsMonotonicAndIdempotentWhenTerminal(t *testing.T) {
	e := newTestEngine(Random(3, 17, rand.New(rand.NewSource(7))))
	p := mustCreate(t, e, threeStageSpec())

	prev := p.Progress
	for i := 0; i < 100 && !p.Status.Terminal(); i++ {
		next, err := e.Advance(p, 500*time.Millisecond)
		if err != nil {
			t.Fatalf("Advance returned error: %v", err)
		}
		if next.Progress < prev {
			t.Fatalf("progress decreased from %.2f to %.2f", prev, next.Progress)
		}
		if next.Progress == 100 && !next.Status.Terminal() {
			t.Fatalf("progress 100 with non-terminal status %s", next.Status)
		}
		assertSequential(t, next)
		prev = next.Progress
		p = next
	}
	if p.Status != domain.PipelineSuccess {
		t.Fatalf("expected pipeline to finish, got %s", p.Status)
	}

	again, err := e.Advance(p, time.Second)
	if err != nil {
		t.Fatalf("Advance on terminal pipeline returned error: %v", err)
	}
	if again.Revision != p.Revision || again.ElapsedMs != p.ElapsedMs || !again.EndTime.Equal(*p.EndTime) {
		t.Fatalf("expected terminal pipeline to be unchanged")
	}
}

func TestMarkStageResultFailureSkipsRemaining(t *testing.T) {
	e := newTestEngine(Fixed(20))
	p := mustCreate(t, e, threeStageSpec())
	p, _ = e.Advance(p, time.Second)
	p, _ = e.Advance(p, time.Second)
	frozen := p.Progress

	failed, err := e.MarkStageResult(p, "stage-2", domain.StageFailed, "scanner found critical CVE")
	if err != nil {
		t.Fatalf("MarkStageResult returned error: %v", err)
	}
	if failed.Status != domain.PipelineFailed {
		t.Fatalf("expected failed pipeline, got %s", failed.Status)
	}
	assertStages(t, failed, domain.StageSuccess, domain.StageFailed, domain.StageSkipped)
	if failed.Progress != frozen {
		t.Fatalf("expected progress frozen at %.2f, got %.2f", frozen, failed.Progress)
	}
	if failed.EndTime == nil {
		t.Fatalf("expected end time on failed pipeline")
	}

	after, _ := e.Advance(failed, time.Second)
	if after.Progress != frozen || after.Status != domain.PipelineFailed {
		t.Fatalf("expected failed pipeline to stay frozen")
	}
}

func TestMarkStageResultRejectsNonRunningStage(t *testing.T) {
	e := newTestEngine(Fixed(20))
	p := mustCreate(t, e, threeStageSpec())
	p, _ = e.Advance(p, time.Second)

	before := p.Clone()
	_, err := e.MarkStageResult(p, "stage-3", domain.StageSuccess, "")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if p.Stages[2].Status != before.Stages[2].Status || p.Revision != before.Revision {
		t.Fatalf("expected input pipeline untouched")
	}

	if _, err := e.MarkStageResult(p, "stage-9", domain.StageSuccess, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := e.MarkStageResult(p, "stage-1", domain.StageSkipped, ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestMarkStageResultSuccessOpensNextStage(t *testing.T) {
	e := newTestEngine(Fixed(5))
	p := mustCreate(t, e, threeStageSpec())
	p, _ = e.Advance(p, time.Second)

	p, err := e.MarkStageResult(p, "stage-1", domain.StageSuccess, "build finished early")
	if err != nil {
		t.Fatalf("MarkStageResult returned error: %v", err)
	}
	assertStages(t, p, domain.StageSuccess, domain.StageRunning, domain.StagePending)
	if p.Progress < 100.0/3 {
		t.Fatalf("expected progress lifted to first share end, got %.2f", p.Progress)
	}
}

func TestExternalStageHoldsUntilResult(t *testing.T) {
	e := newTestEngine(Fixed(50))
	spec := threeStageSpec()
	spec.Stages[1].External = true
	p := mustCreate(t, e, spec)

	for i := 0; i < 10; i++ {
		p, _ = e.Advance(p, time.Second)
	}
	assertStages(t, p, domain.StageSuccess, domain.StageRunning, domain.StagePending)
	if p.Progress >= 200.0/3 {
		t.Fatalf("expected progress held below external stage end, got %.2f", p.Progress)
	}

	p, err := e.MarkStageResult(p, "stage-2", domain.StageSuccess, "approved")
	if err != nil {
		t.Fatalf("MarkStageResult returned error: %v", err)
	}
	p, _ = e.Advance(p, time.Second)
	if p.Status != domain.PipelineSuccess || p.Progress != 100 {
		t.Fatalf("expected success at 100, got %s at %.2f", p.Status, p.Progress)
	}
}

func TestPauseResumeAndCancel(t *testing.T) {
	e := newTestEngine(Fixed(20))
	p := mustCreate(t, e, threeStageSpec())
	p, _ = e.Advance(p, time.Second)

	paused, err := e.Pause(p)
	if err != nil {
		t.Fatalf("Pause returned error: %v", err)
	}
	held, _ := e.Advance(paused, time.Second)
	if held.Progress != paused.Progress {
		t.Fatalf("expected paused pipeline not to advance")
	}
	if _, err := e.Pause(paused); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition pausing twice, got %v", err)
	}

	resumed, err := e.Resume(paused)
	if err != nil {
		t.Fatalf("Resume returned error: %v", err)
	}
	if resumed.Status != domain.PipelineRunning {
		t.Fatalf("expected running after resume, got %s", resumed.Status)
	}

	cancelled, err := e.Cancel(resumed, "")
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if cancelled.Status != domain.PipelineFailed {
		t.Fatalf("expected failed after cancel, got %s", cancelled.Status)
	}
	assertStages(t, cancelled, domain.StageFailed, domain.StageSkipped, domain.StageSkipped)
	if _, err := e.Cancel(cancelled, ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition cancelling terminal pipeline, got %v", err)
	}
}

func TestStageTransitionsFollowLifecycle(t *testing.T) {
	// Increments stay below one stage share so every transition is observable.
	e := newTestEngine(Random(1, 30, rand.New(rand.NewSource(42))))
	p := mustCreate(t, e, threeStageSpec())
	for i := 0; i < 50 && !p.Status.Terminal(); i++ {
		next, err := e.Advance(p, time.Second)
		if err != nil {
			t.Fatalf("advance: %v", err)
		}
		assertLegalTransitions(t, p, next)
		p = next
		if i == 6 && p.CurrentStage() >= 0 {
			failed, err := e.MarkStageResult(p, p.Stages[p.CurrentStage()].ID, domain.StageFailed, "")
			if err != nil {
				t.Fatalf("mark stage result: %v", err)
			}
			assertLegalTransitions(t, p, failed)
			p = failed
		}
	}
	if !p.Status.Terminal() {
		t.Fatalf("expected pipeline to finish, got %s", p.Status)
	}
}

func assertLegalTransitions(t *testing.T, before, after domain.Pipeline) {
	t.Helper()
	for j := range after.Stages {
		from, to := before.Stages[j].Status, after.Stages[j].Status
		if from != to && !from.CanTransition(to) {
			t.Fatalf("illegal stage %d transition %s -> %s", j+1, from, to)
		}
	}
}

func assertStages(t *testing.T, p domain.Pipeline, want ...domain.StageStatus) {
	t.Helper()
	if len(p.Stages) != len(want) {
		t.Fatalf("expected %d stages, got %d", len(want), len(p.Stages))
	}
	for i, status := range want {
		if p.Stages[i].Status != status {
			t.Fatalf("stage %d expected %s, got %s", i+1, status, p.Stages[i].Status)
		}
	}
}

func assertSequential(t *testing.T, p domain.Pipeline) {
	t.Helper()
	seenOpen := false
	for _, st := range p.Stages {
		if st.Status == domain.StagePending || st.Status == domain.StageRunning {
			if seenOpen && st.Status == domain.StageRunning {
				t.Fatalf("stage %s running after an unfinished stage", st.ID)
			}
			seenOpen = true
		}
	}
}
