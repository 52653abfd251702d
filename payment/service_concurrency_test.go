package payment

import (
	"context"
	"errors"
	"testing"

	"lexflow/actor"
	"lexflow/fault"
)

// The optimistic-concurrency contract: a writer that loses a version race
// re-reads current state and rebuilds its mutation, so the retry is judged
// against what actually happened in between.

func TestCaptureRetriesAfterVersionRace(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeGateway{verifyOK: true})
	rec := createTestPayment(t, svc)

	store.applyErrs = []error{fault.New(fault.KindConcurrentModification, "version moved")}

	got, err := svc.RecordCapture(context.Background(), client, rec.ID, CaptureProof{
		OrderID: rec.GatewayOrderID, PaymentRef: "pay_ref_1", Signature: "sig", Amount: rec.TotalAmount,
	})
	if err != nil {
		t.Fatalf("capture after retry: %v", err)
	}
	if got.Status != StatusReceived {
		t.Fatalf("status = %s, want received", got.Status)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeGateway{verifyOK: true})
	rec := createTestPayment(t, svc)

	race := fault.New(fault.KindConcurrentModification, "version moved")
	store.applyErrs = []error{race, race, race}

	_, err := svc.RecordCapture(context.Background(), client, rec.ID, CaptureProof{
		OrderID: rec.GatewayOrderID, PaymentRef: "pay_ref_1", Signature: "sig", Amount: rec.TotalAmount,
	})
	if !errors.Is(err, fault.ConcurrentModification) {
		t.Fatalf("err = %v, want concurrent modification after budget", err)
	}
}

func TestCaptureLosesRaceToDisputeFreeze(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeGateway{verifyOK: true})
	rec := captureTestPayment(t, svc, createTestPayment(t, svc))

	// A dispute freezes the payment between the capturer's read and write.
	freeze, err := BuildFreezeMutation(store.recs[rec.ID], "d-1", "client-1", "work incomplete")
	if err != nil {
		t.Fatalf("BuildFreezeMutation: %v", err)
	}
	if _, err := store.Apply(context.Background(), freeze); err != nil {
		t.Fatalf("apply freeze: %v", err)
	}

	// A late capture retry for the frozen payment must not slide it back to
	// received through the withdrawal edge.
	_, err = svc.RecordCapture(context.Background(), client, rec.ID, CaptureProof{
		OrderID: rec.GatewayOrderID, PaymentRef: "pay_ref_2", Signature: "sig", Amount: rec.TotalAmount,
	})
	if !errors.Is(err, fault.GuardViolation) {
		t.Fatalf("err = %v, want guard violation", err)
	}
	if store.recs[rec.ID].Status != StatusDisputed {
		t.Fatalf("status = %s, want disputed untouched", store.recs[rec.ID].Status)
	}
}

func TestConcurrentReleaseAdoptsWinner(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{verifyOK: true}
	svc := newTestService(store, gw)
	rec := captureTestPayment(t, svc, createTestPayment(t, svc))

	if _, err := svc.MarkWorkSubmitted(context.Background(), rec.ID, ""); err != nil {
		t.Fatalf("MarkWorkSubmitted: %v", err)
	}
	if _, err := svc.Approve(context.Background(), client, rec.ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	// First Apply (attempt marker) succeeds; the finalize Apply loses the
	// race because another worker finalized the same release in between.
	trf := "trf_other"
	store.applyErrs = []error{nil, fault.New(fault.KindConcurrentModification, "version moved")}
	store.onApplyErr = func() {
		cur := store.recs[rec.ID]
		cur.Status = StatusReleased
		cur.GatewayTransferID = &trf
		cur.Version++
		store.recs[rec.ID] = cur
	}

	got, err := svc.Release(context.Background(), actor.System, rec.ID)
	if err != nil {
		t.Fatalf("Release must adopt the winner: %v", err)
	}
	if got.Status != StatusReleased || got.GatewayTransferID == nil || *got.GatewayTransferID != "trf_other" {
		t.Fatalf("rec = %+v, want the rival's released outcome", got)
	}
}
