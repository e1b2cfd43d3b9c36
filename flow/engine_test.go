package flow

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/flowrx/flowrx-go/flow/store"
	"github.com/flowrx/flowrx-go/flow/task"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func addJob(t *testing.T, repo store.Repository, job *task.Task) {
	t.Helper()
	if err := repo.Add(context.Background(), job); err != nil {
		t.Fatalf("add job: %v", err)
	}
}

func testEngine(repo store.Repository, job *task.Task, kinds *task.KindRegistry) *Engine {
	return New(repo, job.ID, Options{Kinds: kinds, RetrySettle: 20 * time.Millisecond})
}

func TestEngineRun_TwoTaskChain(t *testing.T) {
	kinds := task.NewKindRegistry()
	kinds.Register("emit_v1", func(_ context.Context, _ *task.Task) (any, error) {
		return map[string]any{"v": 1}, nil
	})
	kinds.Register("echo_input", func(_ context.Context, tk *task.Task) (any, error) {
		return tk.Input, nil
	})

	job := task.NewJob("chain", "J")
	a := task.New("emit_v1", "A")
	b := task.New("echo_input", "B")
	job.AddChild(a, b)
	if err := b.AddUpstream(task.MergeReplace, "", a); err != nil {
		t.Fatal(err)
	}

	repo := store.NewMemory()
	addJob(t, repo, job)

	if err := testEngine(repo, job, kinds).Run(testCtx(t)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if a.Status != task.StatusSuccess {
		t.Errorf("A status = %s, want SUCCESS", a.Status)
	}
	if out, ok := a.Output.(map[string]any); !ok || out["v"] != 1 {
		t.Errorf("A output = %v, want map with v:1", a.Output)
	}
	if b.Status != task.StatusSuccess {
		t.Errorf("B status = %s, want SUCCESS", b.Status)
	}
	if in, ok := b.Input.(map[string]any); !ok || in["v"] != 1 {
		t.Errorf("B input = %v, want A's output", b.Input)
	}
	if job.Status != task.StatusSuccess {
		t.Errorf("J status = %s, want SUCCESS", job.Status)
	}

	for _, tk := range []*task.Task{a, b, job} {
		if tk.StartedAt == nil || tk.FinishedAt == nil {
			t.Fatalf("%s is missing timestamps", tk.Name)
		}
		if tk.FinishedAt.Before(*tk.StartedAt) {
			t.Errorf("%s finished before it started", tk.Name)
		}
	}
}

func TestEngineRun_FanInCustomMerge(t *testing.T) {
	if err := task.RegisterMapper("pick_first", func(outputs []any) (any, error) {
		return outputs[0], nil
	}); err != nil {
		t.Fatal(err)
	}

	kinds := task.NewKindRegistry()
	kinds.Register("emit_a", func(_ context.Context, _ *task.Task) (any, error) {
		return map[string]any{"k": "a"}, nil
	})
	kinds.Register("emit_b", func(_ context.Context, _ *task.Task) (any, error) {
		return map[string]any{"k": "b"}, nil
	})
	kinds.Register("consume", func(_ context.Context, tk *task.Task) (any, error) {
		return tk.Input, nil
	})

	job := task.NewJob("fanin", "J")
	a := task.New("emit_a", "A")
	b := task.New("emit_b", "B")
	c := task.New("consume", "C")
	job.AddChild(a, b, c)
	if err := c.AddUpstream(task.MergeCustom, "pick_first", a, b); err != nil {
		t.Fatal(err)
	}

	repo := store.NewMemory()
	addJob(t, repo, job)

	if err := testEngine(repo, job, kinds).Run(testCtx(t)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, tk := range []*task.Task{a, b, c, job} {
		if tk.Status != task.StatusSuccess {
			t.Errorf("%s status = %s, want SUCCESS", tk.Name, tk.Status)
		}
	}
	if in, ok := c.Input.(map[string]any); !ok || in["k"] != "a" {
		t.Errorf("C input = %v, want A's output", c.Input)
	}
}

func TestEngineRun_FailureIsolation(t *testing.T) {
	kinds := task.NewKindRegistry()
	kinds.Register("explode", func(_ context.Context, _ *task.Task) (any, error) {
		return nil, errors.New("boom")
	})
	kinds.Register("slow_ok", func(ctx context.Context, _ *task.Task) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
			return "done", nil
		}
	})

	job := task.NewJob("mixed", "J")
	a := task.New("explode", "A")
	b := task.New("slow_ok", "B")
	job.AddChild(a, b)

	repo := store.NewMemory()
	addJob(t, repo, job)

	// A FAILED outcome is a verdict, not an engine error.
	if err := testEngine(repo, job, kinds).Run(testCtx(t)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if a.Status != task.StatusFailed {
		t.Errorf("A status = %s, want FAILED", a.Status)
	}
	if a.Error != "boom" {
		t.Errorf("A error = %q, want boom", a.Error)
	}
	if b.Status != task.StatusSuccess {
		t.Errorf("B status = %s, want SUCCESS", b.Status)
	}
	if job.Status != task.StatusFailed {
		t.Errorf("J status = %s, want FAILED", job.Status)
	}
}

func TestEngineRun_FailureBlocksDownstream(t *testing.T) {
	kinds := task.NewKindRegistry()
	kinds.Register("explode", func(_ context.Context, _ *task.Task) (any, error) {
		return nil, errors.New("boom")
	})
	kinds.Register("never", func(_ context.Context, _ *task.Task) (any, error) {
		return nil, errors.New("must not run")
	})

	job := task.NewJob("blocked", "J")
	a := task.New("explode", "A")
	b := task.New("never", "B")
	job.AddChild(a, b)
	if err := b.AddUpstream(task.MergeReplace, "", a); err != nil {
		t.Fatal(err)
	}

	repo := store.NewMemory()
	addJob(t, repo, job)

	if err := testEngine(repo, job, kinds).Run(testCtx(t)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if b.Status != task.StatusScheduled {
		t.Errorf("B status = %s, want SCHEDULED (blocked by failed upstream)", b.Status)
	}
	if job.Status != task.StatusFailed {
		t.Errorf("J status = %s, want FAILED", job.Status)
	}
}

func TestEngineRun_NestedSubJobs(t *testing.T) {
	if err := task.RegisterMapper("first_output", func(outputs []any) (any, error) {
		return outputs[0], nil
	}); err != nil {
		t.Fatal(err)
	}

	kinds := task.NewKindRegistry()
	kinds.Register("build_image", func(_ context.Context, tk *task.Task) (any, error) {
		return fmt.Sprintf("engine-%v", tk.Input), nil
	})
	kinds.Register("trigger_pricing", func(_ context.Context, tk *task.Task) (any, error) {
		return tk.Input, nil
	})
	kinds.Register("collation_pricing", func(_ context.Context, tk *task.Task) (any, error) {
		return map[string]any{"collation": tk.Input, "status": "OK"}, nil
	})

	job := task.NewJob("night_batch", "NightBatch")
	build := task.NewJob("build_library", "BuildLibraryJob")
	image := task.New("build_image", "BuildImage")
	image.Input = "1.0.0-candidate"
	build.AddChild(image)
	pricing := task.NewJob("multi_price", "MultiPriceJob")
	trigger := task.New("trigger_pricing", "TriggerPricing")
	trigger.Input = "collation-1"
	collation := task.New("collation_pricing", "CollationPricing")
	pricing.AddChild(trigger, collation)
	if err := collation.AddUpstream(task.MergeCustom, "first_output", trigger); err != nil {
		t.Fatal(err)
	}
	job.AddChild(build, pricing)
	if err := pricing.AddUpstream(task.MergeReplace, "", build); err != nil {
		t.Fatal(err)
	}

	repo := store.NewMemory()
	addJob(t, repo, job)

	if err := testEngine(repo, job, kinds).Run(testCtx(t)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, tk := range []*task.Task{image, trigger, collation, build, pricing, job} {
		if tk.Status != task.StatusSuccess {
			t.Errorf("%s status = %s, want SUCCESS", tk.Name, tk.Status)
		}
		if tk.StartedAt == nil || tk.FinishedAt == nil {
			t.Errorf("%s is missing timestamps", tk.Name)
		}
	}
	// The pricing sub-job's input is the build sub-job's output list,
	// merged in over the sub-job edge.
	if in, ok := pricing.Input.([]any); !ok || len(in) != 1 || in[0] != "engine-1.0.0-candidate" {
		t.Errorf("pricing input = %v, want the build job's outputs", pricing.Input)
	}
	if collation.Input != "collation-1" {
		t.Errorf("collation input = %v, want the trigger's output", collation.Input)
	}
}

func TestEngineRun_FailedUpstreamBlocksSubJob(t *testing.T) {
	kinds := task.NewKindRegistry()
	kinds.Register("explode", func(_ context.Context, _ *task.Task) (any, error) {
		return nil, errors.New("boom")
	})
	kinds.Register("never", func(_ context.Context, _ *task.Task) (any, error) {
		return nil, errors.New("must not run")
	})

	job := task.NewJob("gated", "J")
	a := task.New("explode", "A")
	sub := task.NewJob("sub", "S")
	c1 := task.New("never", "C1")
	sub.AddChild(c1)
	job.AddChild(a, sub)
	if err := sub.AddUpstream(task.MergeReplace, "", a); err != nil {
		t.Fatal(err)
	}

	repo := store.NewMemory()
	addJob(t, repo, job)

	// The sub-job's gate never opens, so C1 keeps no usable trigger; the
	// run must still terminate on the root's FAILED fold instead of
	// waiting for C1 forever.
	if err := testEngine(repo, job, kinds).Run(testCtx(t)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if a.Status != task.StatusFailed {
		t.Errorf("A status = %s, want FAILED", a.Status)
	}
	if sub.Status != task.StatusScheduled {
		t.Errorf("S status = %s, want SCHEDULED", sub.Status)
	}
	if c1.Status != task.StatusScheduled {
		t.Errorf("C1 status = %s, want SCHEDULED", c1.Status)
	}
	if job.Status != task.StatusFailed {
		t.Errorf("J status = %s, want FAILED", job.Status)
	}
	if job.FinishedAt == nil {
		t.Error("J is missing finished_at")
	}
}

func TestEngineRetry_InsideSubJob(t *testing.T) {
	var xRuns, yRuns atomic.Int32

	kinds := task.NewKindRegistry()
	kinds.Register("stage_one", func(_ context.Context, _ *task.Task) (any, error) {
		xRuns.Add(1)
		return "one", nil
	})
	kinds.Register("stage_two", func(_ context.Context, tk *task.Task) (any, error) {
		yRuns.Add(1)
		return tk.Input, nil
	})

	job := task.NewJob("outer", "J")
	sub := task.NewJob("inner", "S")
	x := task.New("stage_one", "X")
	y := task.New("stage_two", "Y")
	sub.AddChild(x, y)
	if err := y.AddUpstream(task.MergeReplace, "", x); err != nil {
		t.Fatal(err)
	}
	job.AddChild(sub)

	repo := store.NewMemory()
	addJob(t, repo, job)
	eng := testEngine(repo, job, kinds)
	ctx := testCtx(t)

	if err := eng.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := eng.Retry(ctx, x.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}

	if got := xRuns.Load(); got != 2 {
		t.Errorf("X ran %d times, want 2", got)
	}
	if got := yRuns.Load(); got != 2 {
		t.Errorf("Y ran %d times, want 2", got)
	}
	for _, tk := range []*task.Task{x, y, sub, job} {
		if tk.Status != task.StatusSuccess {
			t.Errorf("%s status = %s after retry, want SUCCESS", tk.Name, tk.Status)
		}
		if tk.FinishedAt == nil {
			t.Errorf("%s is missing finished_at after retry", tk.Name)
		}
	}

	// The reopen wave must reach both leaves durably even though they sit
	// one job level down from the engine's root.
	reopened := map[uuid.UUID]bool{}
	for _, rec := range repo.CommitLog() {
		if rec.To == task.StatusReadyToRetry {
			reopened[rec.TaskID] = true
		}
	}
	if !reopened[x.ID] || !reopened[y.ID] {
		t.Error("retry did not reopen both X and Y")
	}
}

func TestEngineRetry_Propagation(t *testing.T) {
	var buildCand, buildRef, priceCand, priceRef atomic.Int32
	counting := func(counter *atomic.Int32, out any) task.Action {
		return func(_ context.Context, _ *task.Task) (any, error) {
			counter.Add(1)
			return out, nil
		}
	}

	kinds := task.NewKindRegistry()
	kinds.Register("build_candidate", counting(&buildCand, "candidate-lib"))
	kinds.Register("build_reference", counting(&buildRef, "reference-lib"))
	kinds.Register("price_candidate", counting(&priceCand, "candidate-prices"))
	kinds.Register("price_reference", counting(&priceRef, "reference-prices"))

	job := task.NewJob("night_batch", "NightBatch")
	bc := task.New("build_candidate", "BuildCandidate")
	br := task.New("build_reference", "BuildReference")
	pc := task.New("price_candidate", "CandidatePricing")
	pr := task.New("price_reference", "ReferencePricing")
	job.AddChild(bc, br, pc, pr)
	if err := pc.AddUpstream(task.MergeReplace, "", bc); err != nil {
		t.Fatal(err)
	}
	if err := pr.AddUpstream(task.MergeReplace, "", br); err != nil {
		t.Fatal(err)
	}

	repo := store.NewMemory()
	addJob(t, repo, job)
	eng := testEngine(repo, job, kinds)
	ctx := testCtx(t)

	if err := eng.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, tk := range []*task.Task{bc, br, pc, pr, job} {
		if tk.Status != task.StatusSuccess {
			t.Fatalf("%s status = %s after run, want SUCCESS", tk.Name, tk.Status)
		}
	}

	if err := eng.Retry(ctx, bc.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}

	if got := buildCand.Load(); got != 2 {
		t.Errorf("BuildCandidate ran %d times, want 2", got)
	}
	if got := priceCand.Load(); got != 2 {
		t.Errorf("CandidatePricing ran %d times, want 2", got)
	}
	if got := buildRef.Load(); got != 1 {
		t.Errorf("BuildReference ran %d times, want 1", got)
	}
	if got := priceRef.Load(); got != 1 {
		t.Errorf("ReferencePricing ran %d times, want 1", got)
	}
	for _, tk := range []*task.Task{bc, br, pc, pr, job} {
		if tk.Status != task.StatusSuccess {
			t.Errorf("%s status = %s after retry, want SUCCESS", tk.Name, tk.Status)
		}
		if tk.FinishedAt == nil {
			t.Errorf("%s is missing finished_at after retry", tk.Name)
		}
	}

	// The retried region must have passed through READY_TO_RETRY durably.
	reopened := map[string]bool{}
	for _, rec := range repo.CommitLog() {
		if rec.To == task.StatusReadyToRetry {
			switch rec.TaskID {
			case bc.ID:
				reopened["BuildCandidate"] = true
			case pc.ID:
				reopened["CandidatePricing"] = true
			case br.ID, pr.ID:
				t.Errorf("task %s was reopened but is outside the retried region", rec.TaskID)
			}
		}
	}
	if !reopened["BuildCandidate"] || !reopened["CandidatePricing"] {
		t.Errorf("reopened tasks = %v, want BuildCandidate and CandidatePricing", reopened)
	}
}

func TestEngineRun_CommitsDoNotInterleave(t *testing.T) {
	kinds := task.NewKindRegistry()
	kinds.Register("seed", func(_ context.Context, _ *task.Task) (any, error) {
		return []any{1, 2, 3}, nil
	})
	kinds.Register("worker", func(_ context.Context, tk *task.Task) (any, error) {
		return tk.Input, nil
	})

	job := task.NewJob("wide", "J")
	seed := task.New("seed", "Seed")
	job.AddChild(seed)
	leaves := make([]*task.Task, 10)
	for i := range leaves {
		leaves[i] = task.New("worker", fmt.Sprintf("W%d", i))
		job.AddChild(leaves[i])
		if err := leaves[i].AddUpstream(task.MergeReplace, "", seed); err != nil {
			t.Fatal(err)
		}
	}

	repo := store.NewMemory()
	addJob(t, repo, job)

	if err := testEngine(repo, job, kinds).Run(testCtx(t)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	log := repo.CommitLog()

	// Each commit must carry exactly one status transition: mutations are
	// serialised under the graph lock and committed immediately.
	bySeq := map[int]int{}
	for _, rec := range log {
		bySeq[rec.Seq]++
	}
	for seq, count := range bySeq {
		if count != 1 {
			t.Errorf("commit %d carried %d transitions, want 1", seq, count)
		}
	}

	// Per task the transitions must chain: each From picks up where the
	// previous To left off, and leaves go through RUNNING to SUCCESS
	// exactly once.
	last := map[string]task.Status{}
	runs := map[string]int{}
	for _, rec := range log {
		id := rec.TaskID.String()
		if prev, seen := last[id]; seen && rec.From != prev {
			t.Errorf("task %s jumped from %s to a commit starting at %s", id, prev, rec.From)
		}
		last[id] = rec.To
		if rec.To == task.StatusRunning {
			runs[id]++
		}
	}
	for _, leaf := range append(leaves, seed) {
		if got := runs[leaf.ID.String()]; got != 1 {
			t.Errorf("%s entered RUNNING %d times, want 1", leaf.Name, got)
		}
		if last[leaf.ID.String()] != task.StatusSuccess {
			t.Errorf("%s final committed status = %s, want SUCCESS", leaf.Name, last[leaf.ID.String()])
		}
	}
}

func TestEngineRun_UnregisteredKindFailsLoudly(t *testing.T) {
	job := task.NewJob("broken", "J")
	a := task.New("mystery", "A")
	job.AddChild(a)

	repo := store.NewMemory()
	addJob(t, repo, job)

	err := testEngine(repo, job, task.NewKindRegistry()).Run(testCtx(t))
	if err == nil {
		t.Fatal("expected error for unregistered kind")
	}
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Code != ErrCodeBuildFailed {
		t.Errorf("error = %v, want EngineError with code %s", err, ErrCodeBuildFailed)
	}

	// No task state mutated, nothing committed.
	if a.Status != task.StatusScheduled || job.Status != task.StatusScheduled {
		t.Errorf("statuses mutated: A=%s J=%s", a.Status, job.Status)
	}
	if log := repo.CommitLog(); len(log) != 0 {
		t.Errorf("commit log has %d records, want 0", len(log))
	}
}

func TestEngineRun_JobNotFound(t *testing.T) {
	repo := store.NewMemory()
	eng := New(repo, uuid.New(), Options{})

	err := eng.Run(testCtx(t))
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Code != ErrCodeJobNotFound {
		t.Errorf("error = %v, want EngineError with code %s", err, ErrCodeJobNotFound)
	}
}

func TestEngineRetry_UnknownTask(t *testing.T) {
	kinds := task.NewKindRegistry()
	kinds.Register("ok", func(_ context.Context, _ *task.Task) (any, error) { return nil, nil })

	job := task.NewJob("solo", "J")
	a := task.New("ok", "A")
	job.AddChild(a)

	repo := store.NewMemory()
	addJob(t, repo, job)
	eng := testEngine(repo, job, kinds)
	ctx := testCtx(t)

	if err := eng.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	err := eng.Retry(ctx, uuid.New())
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Code != ErrCodeTaskNotFound {
		t.Errorf("error = %v, want EngineError with code %s", err, ErrCodeTaskNotFound)
	}
}

func TestRegistry_OneEnginePerJob(t *testing.T) {
	kinds := task.NewKindRegistry()
	kinds.Register("ok", func(_ context.Context, _ *task.Task) (any, error) { return nil, nil })

	job := task.NewJob("solo", "J")
	job.AddChild(task.New("ok", "A"))

	repo := store.NewMemory()
	addJob(t, repo, job)

	reg := NewRegistry()
	e1, existed := reg.GetOrSet(repo, job.ID, Options{Kinds: kinds})
	if existed {
		t.Fatal("first GetOrSet reported an existing engine")
	}
	e2, existed := reg.GetOrSet(repo, job.ID, Options{Kinds: kinds})
	if !existed || e1 != e2 {
		t.Fatal("second GetOrSet did not return the same engine")
	}
	if reg.Len() != 1 {
		t.Fatalf("registry has %d engines, want 1", reg.Len())
	}

	if err := e1.Run(testCtx(t)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Engines created through the registry deregister themselves.
	if _, ok := reg.Get(job.ID); ok {
		t.Error("engine still registered after its run finished")
	}
}
