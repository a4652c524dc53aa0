package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/darkroom"
	"github.com/xraph/darkroom/deadletter"
	"github.com/xraph/darkroom/id"
	"github.com/xraph/darkroom/journal"
	"github.com/xraph/darkroom/ledger"
	"github.com/xraph/darkroom/store/memory"
)

func TestAccountRoundTrip(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	if _, err := s.GetAccount(ctx, "user-1"); !errors.Is(err, darkroom.ErrAccountNotFound) {
		t.Errorf("GetAccount on empty store err = %v, want ErrAccountNotFound", err)
	}

	acct := &ledger.Account{UserID: "user-1", Plan: darkroom.PlanPro, Credits: 200, CreatedAt: time.Now().UTC()}
	if err := s.SaveAccount(ctx, acct); err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}

	got, err := s.GetAccount(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.Plan != darkroom.PlanPro || got.Credits != 200 {
		t.Errorf("got %+v, want pro plan with 200 credits", got)
	}

	// Returned rows are copies; mutating one must not touch the store.
	got.Credits = 0
	again, _ := s.GetAccount(ctx, "user-1")
	if again.Credits != 200 {
		t.Error("store row aliased to a returned copy")
	}
}

func TestReservationLifecycle(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	res := &ledger.Reservation{JobID: "job-1", UserID: "user-1", Items: 5, ReservedAt: time.Now().UTC()}
	if err := s.PutReservation(ctx, res); err != nil {
		t.Fatalf("PutReservation: %v", err)
	}

	got, err := s.GetReservation(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetReservation: %v", err)
	}
	if got.Items != 5 {
		t.Errorf("Items = %d, want 5", got.Items)
	}

	if err := s.DeleteReservation(ctx, "job-1"); err != nil {
		t.Fatalf("DeleteReservation: %v", err)
	}
	if _, err := s.GetReservation(ctx, "job-1"); !errors.Is(err, darkroom.ErrReservationNotFound) {
		t.Errorf("GetReservation after delete err = %v, want ErrReservationNotFound", err)
	}

	// Deleting an absent reservation is not an error.
	if err := s.DeleteReservation(ctx, "job-1"); err != nil {
		t.Errorf("second DeleteReservation: %v", err)
	}
}

func TestListBilling_NewestFirstWithLimit(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	for i, typ := range []ledger.BillingType{ledger.BillingReserve, ledger.BillingCommit, ledger.BillingRefund} {
		evt := &ledger.BillingEvent{
			ID:        id.NewBillingID(),
			UserID:    "user-1",
			Type:      typ,
			Amount:    i + 1,
			Ref:       "job-1",
			CreatedAt: time.Now().UTC(),
		}
		if err := s.AppendBilling(ctx, evt); err != nil {
			t.Fatalf("AppendBilling: %v", err)
		}
	}
	s.AppendBilling(ctx, &ledger.BillingEvent{ID: id.NewBillingID(), UserID: "user-2", Type: ledger.BillingReserve, Amount: 1})

	events, err := s.ListBilling(ctx, "user-1", 2)
	if err != nil {
		t.Fatalf("ListBilling: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len = %d, want 2", len(events))
	}
	if events[0].Type != ledger.BillingRefund || events[1].Type != ledger.BillingCommit {
		t.Errorf("order = %s, %s; want refund, commit", events[0].Type, events[1].Type)
	}
}

func TestJournalUpsertsReplace(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	rec := &journal.JobRecord{JobID: "job-1", UserID: "user-1", Status: "running", TotalItems: 2}
	if err := s.UpsertJob(ctx, rec); err != nil {
		t.Fatalf("UpsertJob: %v", err)
	}
	rec.Status = "done"
	rec.DoneItems = 2
	if err := s.UpsertJob(ctx, rec); err != nil {
		t.Fatalf("second UpsertJob: %v", err)
	}

	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != "done" || got.DoneItems != 2 {
		t.Errorf("got %s %d, want done 2", got.Status, got.DoneItems)
	}

	items := []*journal.ItemRecord{
		{JobID: "job-1", Idx: 1, Status: "done"},
		{JobID: "job-1", Idx: 0, Status: "failed"},
	}
	if err := s.UpsertItems(ctx, "job-1", items); err != nil {
		t.Fatalf("UpsertItems: %v", err)
	}
	rows, err := s.ListItems(ctx, "job-1")
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(rows) != 2 || rows[0].Idx != 0 || rows[1].Idx != 1 {
		t.Errorf("rows not ordered by index: %+v", rows)
	}
}

func TestDeadLetterLifecycle(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	old := &deadletter.Entry{
		ID: id.NewDeadLetterID(), Op: "ledger.release", JobID: "job-old",
		Error: "boom", Attempts: 5, FailedAt: time.Now().UTC().Add(-2 * time.Hour),
	}
	fresh := &deadletter.Entry{
		ID: id.NewDeadLetterID(), Op: "ledger.release", JobID: "job-new",
		Error: "boom", Attempts: 5, FailedAt: time.Now().UTC(),
	}
	for _, e := range []*deadletter.Entry{old, fresh} {
		if err := s.PushEntry(ctx, e); err != nil {
			t.Fatalf("PushEntry: %v", err)
		}
	}

	entries, err := s.ListEntries(ctx, deadletter.ListOpts{Op: "ledger.release"})
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != 2 || entries[0].JobID != "job-new" {
		t.Errorf("entries not newest first: %+v", entries)
	}

	if err := s.ResolveEntry(ctx, fresh.ID); err != nil {
		t.Fatalf("ResolveEntry: %v", err)
	}
	n, err := s.CountEntries(ctx)
	if err != nil {
		t.Fatalf("CountEntries: %v", err)
	}
	if n != 1 {
		t.Errorf("unresolved count = %d, want 1", n)
	}

	purged, err := s.PurgeEntries(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("PurgeEntries: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
	if _, err := s.GetEntry(ctx, old.ID); !errors.Is(err, darkroom.ErrEntryNotFound) {
		t.Errorf("GetEntry after purge err = %v, want ErrEntryNotFound", err)
	}
}
