package dispute

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"lexflow/actor"
	"lexflow/fault"
	"lexflow/payment"
)

type fakeStore struct {
	disputes map[string]Record

	createErr   error
	createCalls int
	lastFreeze  payment.Mutation

	closeErrs []error
	lastClose CloseParams
	lastExit  payment.Mutation

	stale     []Record
	escalated []string
}

func (f *fakeStore) Get(_ context.Context, id string) (Record, error) {
	d, ok := f.disputes[id]
	if !ok {
		return Record{}, fault.New(fault.KindNotFound, "dispute %s not found", id)
	}
	return d, nil
}

func (f *fakeStore) ListByPayment(_ context.Context, paymentID string) ([]Record, error) {
	var out []Record
	for _, d := range f.disputes {
		if d.PaymentID == paymentID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeStore) OpenDisputeForPayment(_ context.Context, paymentID string) (bool, error) {
	for _, d := range f.disputes {
		if d.PaymentID == paymentID && d.Status.Blocking() {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) CreateWithFreeze(_ context.Context, rec Record, freeze payment.Mutation) (Record, error) {
	f.createCalls++
	f.lastFreeze = freeze
	if f.createErr != nil {
		return Record{}, f.createErr
	}
	rec.Status = StatusOpen
	rec.RaisedAt = time.Now()
	if f.disputes == nil {
		f.disputes = map[string]Record{}
	}
	f.disputes[rec.ID] = rec
	return rec, nil
}

func (f *fakeStore) CloseWithRelease(_ context.Context, close CloseParams, exit payment.Mutation) (Record, error) {
	f.lastClose = close
	f.lastExit = exit
	if len(f.closeErrs) > 0 {
		err := f.closeErrs[0]
		f.closeErrs = f.closeErrs[1:]
		if err != nil {
			return Record{}, err
		}
	}
	d := f.disputes[close.DisputeID]
	d.Status = close.ToStatus
	d.Outcome = close.Outcome
	d.Resolution = close.Resolution
	f.disputes[close.DisputeID] = d
	return d, nil
}

func (f *fakeStore) StaleOpen(_ context.Context, cutoff time.Time, limit int) ([]Record, error) {
	return f.stale, nil
}

func (f *fakeStore) Escalate(_ context.Context, id string) (Record, error) {
	f.escalated = append(f.escalated, id)
	d := f.disputes[id]
	d.Status = StatusEscalated
	return d, nil
}

type fakePayments struct {
	rec          payment.Record
	getErr       error
	releaseCalls []string
	releaseErr   error
}

func (f *fakePayments) Get(_ context.Context, id string) (payment.Record, error) {
	if f.getErr != nil {
		return payment.Record{}, f.getErr
	}
	if id != f.rec.ID {
		return payment.Record{}, fault.New(fault.KindNotFound, "payment %s not found", id)
	}
	return f.rec, nil
}

func (f *fakePayments) Release(_ context.Context, _ actor.Actor, paymentID string) (payment.Record, error) {
	f.releaseCalls = append(f.releaseCalls, paymentID)
	if f.releaseErr != nil {
		return payment.Record{}, f.releaseErr
	}
	return f.rec, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testService(store *fakeStore, pays *fakePayments) *Service {
	return NewService(store, pays, Config{SLADays: 14, MaxRetries: 3}, testLogger())
}

func paidRecord(status payment.Status) payment.Record {
	return payment.Record{
		ID:         "pay-1",
		CaseID:     "case-1",
		ClientID:   "client-1",
		ProviderID: "provider-1",
		Status:     status,
		Version:    3,
	}
}

func TestRaiseFreezesPayment(t *testing.T) {
	store := &fakeStore{}
	pays := &fakePayments{rec: paidRecord(payment.StatusWorkSubmitted)}
	svc := testService(store, pays)

	who := actor.Actor{ID: "client-1", Role: actor.RoleClient}
	d, err := svc.Raise(context.Background(), who, "pay-1", "deliverable incomplete")
	if err != nil {
		t.Fatalf("Raise: %v", err)
	}
	if d.Status != StatusOpen {
		t.Fatalf("status = %s, want open", d.Status)
	}
	if store.lastFreeze.ToStatus != payment.StatusDisputed {
		t.Fatalf("freeze target = %s, want disputed", store.lastFreeze.ToStatus)
	}
	if store.lastFreeze.Changes.ReturnStatus == nil || *store.lastFreeze.Changes.ReturnStatus != payment.StatusWorkSubmitted {
		t.Fatalf("freeze did not remember return status, got %v", store.lastFreeze.Changes.ReturnStatus)
	}
	if store.lastFreeze.FromVersion != 3 {
		t.Fatalf("freeze version = %d, want 3", store.lastFreeze.FromVersion)
	}
}

func TestRaiseRequiresReason(t *testing.T) {
	svc := testService(&fakeStore{}, &fakePayments{rec: paidRecord(payment.StatusReceived)})
	who := actor.Actor{ID: "client-1", Role: actor.RoleClient}
	_, err := svc.Raise(context.Background(), who, "pay-1", "   ")
	if !errors.Is(err, fault.Validation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestRaiseRejectsNonParty(t *testing.T) {
	svc := testService(&fakeStore{}, &fakePayments{rec: paidRecord(payment.StatusReceived)})
	who := actor.Actor{ID: "someone-else", Role: actor.RoleClient}
	_, err := svc.Raise(context.Background(), who, "pay-1", "reason")
	if !errors.Is(err, fault.Forbidden) {
		t.Fatalf("err = %v, want forbidden", err)
	}
}

func TestRaiseRejectsTerminalPayment(t *testing.T) {
	svc := testService(&fakeStore{}, &fakePayments{rec: paidRecord(payment.StatusReleased)})
	who := actor.Actor{ID: "client-1", Role: actor.RoleClient}
	_, err := svc.Raise(context.Background(), who, "pay-1", "too late")
	if !errors.Is(err, fault.GuardViolation) {
		t.Fatalf("err = %v, want guard violation", err)
	}
}

func TestRaiseSecondOpenDisputeBlocked(t *testing.T) {
	store := &fakeStore{createErr: fault.New(fault.KindGuardViolation, "already open")}
	svc := testService(store, &fakePayments{rec: paidRecord(payment.StatusReceived)})
	who := actor.Actor{ID: "provider-1", Role: actor.RoleProvider}
	_, err := svc.Raise(context.Background(), who, "pay-1", "payment short")
	if !errors.Is(err, fault.GuardViolation) {
		t.Fatalf("err = %v, want guard violation", err)
	}
}

func TestWithdrawReturnsPaymentToPriorStatus(t *testing.T) {
	prior := payment.StatusApproved
	releaseDate := time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC)
	rec := paidRecord(payment.StatusDisputed)
	rec.ReturnStatus = &prior
	rec.ReleaseDate = &releaseDate

	store := &fakeStore{disputes: map[string]Record{
		"d-1": {ID: "d-1", PaymentID: "pay-1", RaisedBy: "client-1", Status: StatusOpen},
	}}
	svc := testService(store, &fakePayments{rec: rec})

	who := actor.Actor{ID: "client-1", Role: actor.RoleClient}
	d, err := svc.Withdraw(context.Background(), who, "d-1")
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if d.Status != StatusWithdrawn {
		t.Fatalf("dispute status = %s, want withdrawn", d.Status)
	}
	if store.lastExit.ToStatus != payment.StatusApproved {
		t.Fatalf("payment exit = %s, want approved", store.lastExit.ToStatus)
	}
	if !store.lastExit.Changes.SetDispute || store.lastExit.Changes.DisputeID != nil {
		t.Fatalf("exit mutation did not clear dispute fields")
	}
	// The payment resumes exactly where the dispute froze it: the original
	// release date stands and the remaining holding period still runs.
	if store.lastExit.Changes.SetReleaseDate {
		t.Fatal("withdrawal must not move the release date")
	}
	if store.lastExit.Event != payment.EventDisputeClosed {
		t.Fatalf("event = %s, want dispute-closed", store.lastExit.Event)
	}
}

func TestWithdrawOnlyByRaiser(t *testing.T) {
	store := &fakeStore{disputes: map[string]Record{
		"d-1": {ID: "d-1", PaymentID: "pay-1", RaisedBy: "client-1", Status: StatusOpen},
	}}
	svc := testService(store, &fakePayments{rec: paidRecord(payment.StatusDisputed)})

	who := actor.Actor{ID: "provider-1", Role: actor.RoleProvider}
	_, err := svc.Withdraw(context.Background(), who, "d-1")
	if !errors.Is(err, fault.Forbidden) {
		t.Fatalf("err = %v, want forbidden", err)
	}
}

func TestResolveFavorClientRefunds(t *testing.T) {
	prior := payment.StatusWorkSubmitted
	rec := paidRecord(payment.StatusDisputed)
	rec.ReturnStatus = &prior

	store := &fakeStore{disputes: map[string]Record{
		"d-1": {ID: "d-1", PaymentID: "pay-1", RaisedBy: "client-1", Status: StatusOpen},
	}}
	pays := &fakePayments{rec: rec}
	svc := testService(store, pays)

	admin := actor.Actor{ID: "admin-1", Role: actor.RoleAdmin}
	d, err := svc.Resolve(context.Background(), admin, "d-1", OutcomeFavorClient, "provider never delivered")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Status != StatusResolved || d.Outcome == nil || *d.Outcome != OutcomeFavorClient {
		t.Fatalf("dispute = %+v, want resolved favor_client", d)
	}
	if store.lastExit.ToStatus != payment.StatusRefunded {
		t.Fatalf("payment exit = %s, want refunded", store.lastExit.ToStatus)
	}
	if len(pays.releaseCalls) != 0 {
		t.Fatalf("refund outcome must not trigger release")
	}
}

func TestResolveFavorProviderReleases(t *testing.T) {
	prior := payment.StatusApproved
	rec := paidRecord(payment.StatusDisputed)
	rec.ReturnStatus = &prior

	store := &fakeStore{disputes: map[string]Record{
		"d-1": {ID: "d-1", PaymentID: "pay-1", RaisedBy: "client-1", Status: StatusOpen},
	}}
	pays := &fakePayments{rec: rec}
	svc := testService(store, pays)

	admin := actor.Actor{ID: "admin-1", Role: actor.RoleAdmin}
	if _, err := svc.Resolve(context.Background(), admin, "d-1", OutcomeFavorProvider, "work was delivered"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if store.lastExit.ToStatus != payment.StatusApproved {
		t.Fatalf("payment exit = %s, want approved", store.lastExit.ToStatus)
	}
	if store.lastExit.Changes.ReleaseDate == nil {
		t.Fatalf("provider-favor resolution must set an immediate release date")
	}
	if len(pays.releaseCalls) != 1 || pays.releaseCalls[0] != "pay-1" {
		t.Fatalf("release calls = %v, want [pay-1]", pays.releaseCalls)
	}
}

func TestResolveReleaseFailureIsDeferred(t *testing.T) {
	prior := payment.StatusApproved
	rec := paidRecord(payment.StatusDisputed)
	rec.ReturnStatus = &prior

	store := &fakeStore{disputes: map[string]Record{
		"d-1": {ID: "d-1", PaymentID: "pay-1", RaisedBy: "client-1", Status: StatusOpen},
	}}
	pays := &fakePayments{rec: rec, releaseErr: fault.New(fault.KindExternalDependency, "gateway down")}
	svc := testService(store, pays)

	admin := actor.Actor{ID: "admin-1", Role: actor.RoleAdmin}
	d, err := svc.Resolve(context.Background(), admin, "d-1", OutcomeFavorProvider, "delivered")
	if err != nil {
		t.Fatalf("resolution must succeed even when release fails: %v", err)
	}
	if d.Status != StatusResolved {
		t.Fatalf("dispute status = %s, want resolved", d.Status)
	}
}

func TestResolveRequiresAdmin(t *testing.T) {
	store := &fakeStore{disputes: map[string]Record{
		"d-1": {ID: "d-1", PaymentID: "pay-1", RaisedBy: "client-1", Status: StatusOpen},
	}}
	svc := testService(store, &fakePayments{rec: paidRecord(payment.StatusDisputed)})

	who := actor.Actor{ID: "client-1", Role: actor.RoleClient}
	_, err := svc.Resolve(context.Background(), who, "d-1", OutcomeFavorClient, "note")
	if !errors.Is(err, fault.Forbidden) {
		t.Fatalf("err = %v, want forbidden", err)
	}
}

func TestResolveRejectsUnknownOutcome(t *testing.T) {
	svc := testService(&fakeStore{}, &fakePayments{})
	admin := actor.Actor{ID: "admin-1", Role: actor.RoleAdmin}
	_, err := svc.Resolve(context.Background(), admin, "d-1", Outcome("coin_flip"), "note")
	if !errors.Is(err, fault.Validation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestWithdrawRetriesOnVersionRace(t *testing.T) {
	prior := payment.StatusReceived
	rec := paidRecord(payment.StatusDisputed)
	rec.ReturnStatus = &prior

	store := &fakeStore{
		disputes: map[string]Record{
			"d-1": {ID: "d-1", PaymentID: "pay-1", RaisedBy: "client-1", Status: StatusOpen},
		},
		closeErrs: []error{fault.New(fault.KindConcurrentModification, "version moved"), nil},
	}
	svc := testService(store, &fakePayments{rec: rec})

	who := actor.Actor{ID: "client-1", Role: actor.RoleClient}
	d, err := svc.Withdraw(context.Background(), who, "d-1")
	if err != nil {
		t.Fatalf("Withdraw after retry: %v", err)
	}
	if d.Status != StatusWithdrawn {
		t.Fatalf("status = %s, want withdrawn", d.Status)
	}
}

func TestEscalateStale(t *testing.T) {
	store := &fakeStore{
		disputes: map[string]Record{
			"d-old": {ID: "d-old", PaymentID: "pay-1", Status: StatusOpen},
		},
		stale: []Record{{ID: "d-old", PaymentID: "pay-1", Status: StatusOpen}},
	}
	svc := testService(store, &fakePayments{})

	n, err := svc.EscalateStale(context.Background(), 10)
	if err != nil {
		t.Fatalf("EscalateStale: %v", err)
	}
	if n != 1 || len(store.escalated) != 1 || store.escalated[0] != "d-old" {
		t.Fatalf("escalated = %v (n=%d), want [d-old]", store.escalated, n)
	}
}
