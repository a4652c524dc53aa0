package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/darkroom"
	"github.com/xraph/darkroom/coordinator"
	"github.com/xraph/darkroom/engine"
	"github.com/xraph/darkroom/gpuq"
	"github.com/xraph/darkroom/ledger"
	"github.com/xraph/darkroom/store/memory"
)

type fixture struct {
	eng     *engine.Engine
	store   *memory.Store
	channel *gpuq.Memory
}

func newFixture(t *testing.T, opts ...engine.Option) *fixture {
	t.Helper()
	store := memory.New()
	channel := gpuq.NewMemory()

	cfg := darkroom.DefaultConfig()
	cfg.FlushDelay = 10 * time.Millisecond

	all := append([]engine.Option{
		engine.WithConfig(cfg),
		engine.WithCallbackURL("http://localhost:8080/callbacks"),
	}, opts...)

	eng, err := engine.Build(store, channel, all...)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := eng.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return &fixture{eng: eng, store: store, channel: channel}
}

// waitFlushed polls the journal until the job's flush lands.
func (f *fixture) waitFlushed(t *testing.T, jobID string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := f.store.GetJob(context.Background(), jobID); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never flushed to the journal", jobID)
}

// runJob drives a job to queued and returns its id and work message.
func (f *fixture) runJob(t *testing.T, userID string, items int) (string, *gpuq.Message) {
	t.Helper()
	ctx := context.Background()
	snap, err := f.eng.CreateJob(ctx, userID, "portrait-v2", items)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	jobID := snap.Job.ID
	if err := f.eng.ConfirmUpload(ctx, jobID); err != nil {
		t.Fatalf("ConfirmUpload: %v", err)
	}
	concepts := map[string]darkroom.Concept{"background": {Action: "replace", Value: "studio"}}
	if err := f.eng.ExecuteJob(ctx, jobID, concepts, []string{"face"}, ""); err != nil {
		t.Fatalf("ExecuteJob: %v", err)
	}

	select {
	case msg := <-f.channel.Receive():
		return jobID, msg
	case <-time.After(time.Second):
		t.Fatal("no work message dispatched")
		return "", nil
	}
}

func TestLifecycle_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.eng.InitUser(ctx, "user-1", darkroom.PlanPro); err != nil {
		t.Fatalf("InitUser: %v", err)
	}

	jobID, msg := f.runJob(t, "user-1", 3)

	state, err := f.eng.UserState(ctx, "user-1")
	if err != nil {
		t.Fatalf("UserState: %v", err)
	}
	if state.Credits != 197 || state.ActiveJobs != 1 {
		t.Errorf("state = %d credits, %d active; want 197, 1", state.Credits, state.ActiveJobs)
	}

	if msg.JobID != jobID || len(msg.Items) != 3 {
		t.Errorf("message = %s with %d items, want %s with 3", msg.JobID, len(msg.Items), jobID)
	}
	if msg.Items[0].InputKey != "input/user-1/"+jobID+"/0" {
		t.Errorf("InputKey = %q", msg.Items[0].InputKey)
	}
	if msg.Items[2].OutputKey != "output/user-1/"+jobID+"/2" {
		t.Errorf("OutputKey = %q", msg.Items[2].OutputKey)
	}
	if msg.CallbackURL != "http://localhost:8080/callbacks" {
		t.Errorf("CallbackURL = %q", msg.CallbackURL)
	}
	if msg.BatchConcurrency != 3 {
		t.Errorf("BatchConcurrency = %d, want 3", msg.BatchConcurrency)
	}

	// Worker posts results: two done, one failed.
	results := []coordinator.ItemResult{
		{Idx: 0, Status: coordinator.ItemDone, IdempotencyKey: jobID + "-0"},
		{Idx: 1, Status: coordinator.ItemFailed, Error: "oom", IdempotencyKey: jobID + "-1"},
		{Idx: 2, Status: coordinator.ItemDone, IdempotencyKey: jobID + "-2"},
	}
	var last coordinator.Ack
	for _, res := range results {
		ack, cbErr := f.eng.HandleCallback(ctx, jobID, res)
		if cbErr != nil {
			t.Fatalf("HandleCallback idx %d: %v", res.Idx, cbErr)
		}
		last = ack
	}
	if last.Status != coordinator.StatusDone {
		t.Errorf("terminal status = %q, want done", last.Status)
	}

	f.waitFlushed(t, jobID)

	rec, err := f.store.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if rec.Status != "done" || rec.DoneItems != 2 || rec.FailedItems != 1 {
		t.Errorf("journaled %s %d/%d, want done 2/1", rec.Status, rec.DoneItems, rec.FailedItems)
	}

	// Every item settled: no refund, but the concurrency slot frees up
	// and the reservation clears.
	waitState(t, f.eng, "user-1", func(s ledger.State) bool { return s.ActiveJobs == 0 })
	state, _ = f.eng.UserState(ctx, "user-1")
	if state.Credits != 197 {
		t.Errorf("Credits after settle = %d, want 197", state.Credits)
	}
	if _, err := f.store.GetReservation(ctx, jobID); !errors.Is(err, darkroom.ErrReservationNotFound) {
		t.Errorf("reservation survived the flush: err = %v", err)
	}
}

func TestCancel_RefundsUnprocessedItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.eng.InitUser(ctx, "user-1", darkroom.PlanFree); err != nil {
		t.Fatalf("InitUser: %v", err)
	}
	jobID, _ := f.runJob(t, "user-1", 2)

	if _, err := f.eng.HandleCallback(ctx, jobID, coordinator.ItemResult{
		Idx: 0, Status: coordinator.ItemDone, IdempotencyKey: jobID + "-0",
	}); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if err := f.eng.CancelJob(ctx, jobID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}

	f.waitFlushed(t, jobID)

	// One of two items processed: one credit back, slot freed.
	waitState(t, f.eng, "user-1", func(s ledger.State) bool {
		return s.Credits == 9 && s.ActiveJobs == 0
	})

	snap, err := f.eng.JobStatus(ctx, jobID)
	if err != nil {
		t.Fatalf("JobStatus: %v", err)
	}
	if snap.Job.Status != coordinator.StatusCanceled {
		t.Errorf("status = %q, want canceled", snap.Job.Status)
	}
}

func TestCreateJob_DeniedChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.eng.InitUser(ctx, "user-1", darkroom.PlanFree); err != nil {
		t.Fatalf("InitUser: %v", err)
	}
	if _, err := f.eng.CreateJob(ctx, "user-1", "p", 1); err != nil {
		t.Fatalf("first CreateJob: %v", err)
	}

	// Free plan allows one concurrent job.
	_, err := f.eng.CreateJob(ctx, "user-1", "p", 1)
	var denied *ledger.DeniedError
	if !errors.As(err, &denied) || denied.Reason != ledger.ReasonConcurrencyLimit {
		t.Fatalf("err = %v, want concurrency denial", err)
	}

	state, _ := f.eng.UserState(ctx, "user-1")
	if state.Credits != 9 || state.ActiveJobs != 1 {
		t.Errorf("state = %d credits, %d active; want 9, 1", state.Credits, state.ActiveJobs)
	}
}

func TestExecuteJob_RetrySendsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.eng.InitUser(ctx, "user-1", darkroom.PlanPro); err != nil {
		t.Fatalf("InitUser: %v", err)
	}
	jobID, _ := f.runJob(t, "user-1", 1)

	// A retried execute for an already-queued job is accepted, and the
	// dedupe key suppresses a second message.
	if err := f.eng.ExecuteJob(ctx, jobID, nil, nil, ""); err != nil {
		t.Fatalf("retried ExecuteJob: %v", err)
	}
	select {
	case msg := <-f.channel.Receive():
		t.Errorf("duplicate work message dispatched: %s", msg.JobID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestExecuteJob_RequiresUploadedState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.eng.InitUser(ctx, "user-1", darkroom.PlanPro); err != nil {
		t.Fatalf("InitUser: %v", err)
	}
	snap, err := f.eng.CreateJob(ctx, "user-1", "p", 1)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := f.eng.ExecuteJob(ctx, snap.Job.ID, nil, nil, ""); !errors.Is(err, darkroom.ErrInvalidTransition) {
		t.Errorf("ExecuteJob before upload err = %v, want ErrInvalidTransition", err)
	}
}

func TestHandleCallback_DuplicateAbsorbed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.eng.InitUser(ctx, "user-1", darkroom.PlanPro); err != nil {
		t.Fatalf("InitUser: %v", err)
	}
	jobID, _ := f.runJob(t, "user-1", 2)

	res := coordinator.ItemResult{Idx: 0, Status: coordinator.ItemDone, IdempotencyKey: jobID + "-0"}
	if _, err := f.eng.HandleCallback(ctx, jobID, res); err != nil {
		t.Fatalf("first callback: %v", err)
	}
	ack, err := f.eng.HandleCallback(ctx, jobID, res)
	if err != nil {
		t.Fatalf("redelivered callback: %v", err)
	}
	if !ack.Duplicate {
		t.Errorf("ack = %+v, want duplicate", ack)
	}
}

func TestHandleCallback_Throttled(t *testing.T) {
	cfg := darkroom.DefaultConfig()
	cfg.FlushDelay = 10 * time.Millisecond
	cfg.CallbackRate = 0.1
	cfg.CallbackBurst = 1
	f := newFixture(t, engine.WithConfig(cfg))
	ctx := context.Background()

	if err := f.eng.InitUser(ctx, "user-1", darkroom.PlanPro); err != nil {
		t.Fatalf("InitUser: %v", err)
	}
	jobID, _ := f.runJob(t, "user-1", 2)

	if _, err := f.eng.HandleCallback(ctx, jobID, coordinator.ItemResult{
		Idx: 0, Status: coordinator.ItemDone, IdempotencyKey: jobID + "-0",
	}); err != nil {
		t.Fatalf("first callback: %v", err)
	}
	_, err := f.eng.HandleCallback(ctx, jobID, coordinator.ItemResult{
		Idx: 1, Status: coordinator.ItemDone, IdempotencyKey: jobID + "-1",
	})
	if !errors.Is(err, darkroom.ErrThrottled) {
		t.Errorf("second callback err = %v, want ErrThrottled", err)
	}
}

func TestJobStatus_UnknownJob(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.JobStatus(context.Background(), "job_00000000000000000000000000")
	if !errors.Is(err, darkroom.ErrJobNotFound) {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}

func TestRuleSlots_ThroughEngine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.eng.InitUser(ctx, "user-1", darkroom.PlanFree); err != nil {
		t.Fatalf("InitUser: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := f.eng.ClaimRuleSlot(ctx, "user-1"); err != nil {
			t.Fatalf("ClaimRuleSlot %d: %v", i, err)
		}
	}
	ok, err := f.eng.CheckRuleSlot(ctx, "user-1")
	if err != nil {
		t.Fatalf("CheckRuleSlot: %v", err)
	}
	if ok {
		t.Error("CheckRuleSlot at cap = true, want false")
	}

	var denied *ledger.DeniedError
	if err := f.eng.ClaimRuleSlot(ctx, "user-1"); !errors.As(err, &denied) {
		t.Errorf("claim past cap err = %v, want *DeniedError", err)
	}
	if err := f.eng.ReleaseRuleSlot(ctx, "user-1"); err != nil {
		t.Fatalf("ReleaseRuleSlot: %v", err)
	}
}

func TestCommitJob_ClearsReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.eng.InitUser(ctx, "user-1", darkroom.PlanPro); err != nil {
		t.Fatalf("InitUser: %v", err)
	}
	snap, err := f.eng.CreateJob(ctx, "user-1", "portrait-v2", 2)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	jobID := snap.Job.ID
	if _, err := f.store.GetReservation(ctx, jobID); err != nil {
		t.Fatalf("reservation missing after create: %v", err)
	}

	if err := f.eng.CommitJob(ctx, "user-1", jobID); err != nil {
		t.Fatalf("CommitJob: %v", err)
	}
	if _, err := f.store.GetReservation(ctx, jobID); !errors.Is(err, darkroom.ErrReservationNotFound) {
		t.Errorf("GetReservation err = %v, want ErrReservationNotFound", err)
	}

	// Commit never moves the balance; the hold stands as spent.
	state, err := f.eng.UserState(ctx, "user-1")
	if err != nil {
		t.Fatalf("UserState: %v", err)
	}
	if state.Credits != 198 || state.ActiveJobs != 1 {
		t.Errorf("state = %d credits, %d active; want 198, 1", state.Credits, state.ActiveJobs)
	}

	// A retried commit is a no-op.
	if err := f.eng.CommitJob(ctx, "user-1", jobID); err != nil {
		t.Fatalf("second CommitJob: %v", err)
	}
}

func TestBillingTrail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.eng.InitUser(ctx, "user-1", darkroom.PlanFree); err != nil {
		t.Fatalf("InitUser: %v", err)
	}
	jobID, _ := f.runJob(t, "user-1", 2)
	if err := f.eng.CancelJob(ctx, jobID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	f.waitFlushed(t, jobID)
	waitState(t, f.eng, "user-1", func(s ledger.State) bool { return s.Credits == 10 })

	events, err := f.eng.ListBilling(ctx, "user-1", 0)
	if err != nil {
		t.Fatalf("ListBilling: %v", err)
	}
	// Newest first: refund of the untouched batch, then the reserve.
	if len(events) != 2 {
		t.Fatalf("billing events = %d, want 2", len(events))
	}
	if events[0].Type != ledger.BillingRefund || events[0].Amount != 2 {
		t.Errorf("events[0] = %s/%d, want refund/2", events[0].Type, events[0].Amount)
	}
	if events[1].Type != ledger.BillingReserve || events[1].Amount != 2 {
		t.Errorf("events[1] = %s/%d, want reserve/2", events[1].Type, events[1].Amount)
	}
}

// waitState polls the user's ledger state until cond holds.
func waitState(t *testing.T, eng *engine.Engine, userID string, cond func(ledger.State) bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		state, err := eng.UserState(context.Background(), userID)
		if err == nil && cond(state) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("ledger state never reached the expected condition")
}
