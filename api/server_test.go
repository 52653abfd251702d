package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"lexflow/actor"
	"lexflow/dispute"
	"lexflow/fault"
	"lexflow/ledger"
	"lexflow/payment"
	"lexflow/pricing"
	"lexflow/workitem"
)

type stubPayments struct {
	rec payment.Record
	err error
}

func (s *stubPayments) Create(_ context.Context, _ actor.Actor, _ payment.CreateParams) (payment.Record, error) {
	return s.rec, s.err
}

func (s *stubPayments) Get(_ context.Context, _ string) (payment.Record, error) {
	return s.rec, s.err
}

func (s *stubPayments) ListByCase(_ context.Context, _ string) ([]payment.Record, error) {
	return []payment.Record{s.rec}, s.err
}

func (s *stubPayments) RecordCapture(_ context.Context, _ actor.Actor, _ string, _ payment.CaptureProof) (payment.Record, error) {
	return s.rec, s.err
}

func (s *stubPayments) Cancel(_ context.Context, _ actor.Actor, _ string) (payment.Record, error) {
	return s.rec, s.err
}

type stubWorkItems struct {
	rec     workitem.Record
	comm    workitem.Communication
	lastWho actor.Actor
	err     error
}

func (s *stubWorkItems) Create(_ context.Context, who actor.Actor, _ workitem.CreateParams) (workitem.Record, error) {
	s.lastWho = who
	return s.rec, s.err
}

func (s *stubWorkItems) Get(_ context.Context, _ string) (workitem.Record, error) {
	return s.rec, s.err
}

func (s *stubWorkItems) ListByCase(_ context.Context, _ string) ([]workitem.Record, error) {
	return []workitem.Record{s.rec}, s.err
}

func (s *stubWorkItems) Start(_ context.Context, who actor.Actor, _ string) (workitem.Record, error) {
	s.lastWho = who
	return s.rec, s.err
}

func (s *stubWorkItems) Submit(_ context.Context, who actor.Actor, _ string, _ string, _ []string) (workitem.Record, error) {
	s.lastWho = who
	return s.rec, s.err
}

func (s *stubWorkItems) Review(_ context.Context, who actor.Actor, _ string, _ workitem.ReviewDecision, _ string) (workitem.Record, error) {
	s.lastWho = who
	return s.rec, s.err
}

func (s *stubWorkItems) AddCommunication(_ context.Context, who actor.Actor, _ string, _ workitem.CommunicationType, _ string) (workitem.Communication, error) {
	s.lastWho = who
	return s.comm, s.err
}

func (s *stubWorkItems) Communications(_ context.Context, _ string) ([]workitem.Communication, error) {
	return []workitem.Communication{s.comm}, s.err
}

type stubDisputes struct {
	rec dispute.Record
	err error
}

func (s *stubDisputes) Raise(_ context.Context, _ actor.Actor, _, _ string) (dispute.Record, error) {
	return s.rec, s.err
}

func (s *stubDisputes) Withdraw(_ context.Context, _ actor.Actor, _ string) (dispute.Record, error) {
	return s.rec, s.err
}

func (s *stubDisputes) Resolve(_ context.Context, _ actor.Actor, _ string, _ dispute.Outcome, _ string) (dispute.Record, error) {
	return s.rec, s.err
}

func (s *stubDisputes) Get(_ context.Context, _ string) (dispute.Record, error) {
	return s.rec, s.err
}

type stubRateCards struct {
	card pricing.RateCard
	err  error

	lastID      string
	lastParams  pricing.CreateParams
	deactivated []string
}

func (s *stubRateCards) Create(_ context.Context, params pricing.CreateParams) (pricing.RateCard, error) {
	s.lastParams = params
	return s.card, s.err
}

func (s *stubRateCards) Update(_ context.Context, id string, params pricing.CreateParams) (pricing.RateCard, error) {
	s.lastID = id
	s.lastParams = params
	return s.card, s.err
}

func (s *stubRateCards) Deactivate(_ context.Context, providerID, id string) error {
	s.deactivated = append(s.deactivated, providerID+"/"+id)
	return s.err
}

func (s *stubRateCards) Get(_ context.Context, _ string) (pricing.RateCard, error) {
	return s.card, s.err
}

func (s *stubRateCards) ListByProvider(_ context.Context, _ string) ([]pricing.RateCard, error) {
	return []pricing.RateCard{s.card}, s.err
}

type stubHistory struct {
	entries []ledger.Entry
	err     error
}

func (s *stubHistory) History(_ context.Context, _ string) ([]ledger.Entry, error) {
	return s.entries, s.err
}

type stubVerifier struct {
	who actor.Actor
	err error
}

func (s *stubVerifier) Verify(_ string) (actor.Actor, error) {
	return s.who, s.err
}

func newTestServer(pay *stubPayments, wi *stubWorkItems, d *stubDisputes, h *stubHistory) http.Handler {
	srv := NewServer(pay, wi, d, &stubRateCards{}, h,
		&stubVerifier{who: actor.Actor{ID: "client-1", Role: actor.RoleClient}},
		slog.New(slog.DiscardHandler))
	return srv.Handler()
}

func newRateCardServer(rc *stubRateCards, who actor.Actor) http.Handler {
	srv := NewServer(&stubPayments{}, &stubWorkItems{}, &stubDisputes{}, rc, &stubHistory{},
		&stubVerifier{who: who}, slog.New(slog.DiscardHandler))
	return srv.Handler()
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	req.Header.Set("Authorization", "Bearer token")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestHealthzSkipsAuth(t *testing.T) {
	h := newTestServer(&stubPayments{}, &stubWorkItems{}, &stubDisputes{}, &stubHistory{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", w.Code)
	}
}

func TestMissingBearerTokenRejected(t *testing.T) {
	h := newTestServer(&stubPayments{}, &stubWorkItems{}, &stubDisputes{}, &stubHistory{})
	req := httptest.NewRequest(http.MethodGet, "/payments/p-1", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestInvalidTokenRejected(t *testing.T) {
	srv := NewServer(&stubPayments{}, &stubWorkItems{}, &stubDisputes{}, &stubRateCards{}, &stubHistory{},
		&stubVerifier{err: errors.New("bad signature")},
		slog.New(slog.DiscardHandler))
	w := doRequest(t, srv.Handler(), http.MethodGet, "/payments/p-1", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestCreatePayment(t *testing.T) {
	pay := &stubPayments{rec: payment.Record{ID: "p-1", Status: payment.StatusPending}}
	h := newTestServer(pay, &stubWorkItems{}, &stubDisputes{}, &stubHistory{})

	w := doRequest(t, h, http.MethodPost, "/payments",
		`{"case_id":"c-1","client_id":"client-1","provider_id":"prov-1","rate_card_id":"rc-1","tier":"moderate"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body)
	}
	var got paymentView
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != "p-1" || got.Status != "pending" {
		t.Fatalf("got %+v", got)
	}
}

func TestListPaymentsRequiresCaseFilter(t *testing.T) {
	pay := &stubPayments{rec: payment.Record{ID: "p-1", Status: payment.StatusReceived}}
	h := newTestServer(pay, &stubWorkItems{}, &stubDisputes{}, &stubHistory{})

	w := doRequest(t, h, http.MethodGet, "/payments", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status without case_id = %d, want 400", w.Code)
	}

	w = doRequest(t, h, http.MethodGet, "/payments?case_id=c-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body)
	}
	var got []paymentView
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 || got[0].ID != "p-1" {
		t.Fatalf("got %+v", got)
	}
}

func TestMalformedBodyRejected(t *testing.T) {
	h := newTestServer(&stubPayments{}, &stubWorkItems{}, &stubDisputes{}, &stubHistory{})
	w := doRequest(t, h, http.MethodPost, "/payments", `{"case_id": 12,`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestFaultKindsMapToStatusCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", fault.New(fault.KindValidation, "bad input"), http.StatusBadRequest},
		{"guard", fault.New(fault.KindGuardViolation, "illegal transition"), http.StatusConflict},
		{"race", fault.New(fault.KindConcurrentModification, "version moved"), http.StatusConflict},
		{"not found", fault.New(fault.KindNotFound, "no such payment"), http.StatusNotFound},
		{"forbidden", fault.New(fault.KindForbidden, "wrong actor"), http.StatusForbidden},
		{"gateway", fault.New(fault.KindExternalDependency, "gateway down"), http.StatusBadGateway},
		{"inconsistent", fault.New(fault.KindInconsistent, "amounts diverge"), http.StatusInternalServerError},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestServer(&stubPayments{err: tc.err}, &stubWorkItems{}, &stubDisputes{}, &stubHistory{})
			w := doRequest(t, h, http.MethodGet, "/payments/p-1", "")
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestReviewPassesActorThrough(t *testing.T) {
	wi := &stubWorkItems{rec: workitem.Record{ID: "wi-1", Status: workitem.StatusApproved}}
	h := newTestServer(&stubPayments{}, wi, &stubDisputes{}, &stubHistory{})

	w := doRequest(t, h, http.MethodPost, "/work-items/wi-1/review", `{"decision":"approve"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body)
	}
	if wi.lastWho.ID != "client-1" || wi.lastWho.Role != actor.RoleClient {
		t.Fatalf("actor = %+v, want authenticated client", wi.lastWho)
	}
}

func TestRaiseDispute(t *testing.T) {
	d := &stubDisputes{rec: dispute.Record{ID: "d-1", PaymentID: "p-1", Status: dispute.StatusOpen}}
	h := newTestServer(&stubPayments{}, &stubWorkItems{}, d, &stubHistory{})

	w := doRequest(t, h, http.MethodPost, "/disputes", `{"payment_id":"p-1","reason":"incomplete work"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body)
	}
	var got disputeView
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Status != "open" {
		t.Fatalf("got %+v", got)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	hist := &stubHistory{entries: []ledger.Entry{
		{EntityID: "p-1", Seq: 1, EntityKind: ledger.KindPayment, EventType: "PAYMENT_CREATED", NewStatus: "pending"},
		{EntityID: "p-1", Seq: 2, EntityKind: ledger.KindPayment, EventType: "PAYMENT_CAPTURED", PrevStatus: "pending", NewStatus: "received"},
	}}
	h := newTestServer(&stubPayments{}, &stubWorkItems{}, &stubDisputes{}, hist)

	w := doRequest(t, h, http.MethodGet, "/history/p-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got []historyEntryView
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 2 || got[0].Seq != 1 || got[1].Seq != 2 {
		t.Fatalf("got %+v", got)
	}
}

func TestRateCardOwnershipEnforced(t *testing.T) {
	rc := &stubRateCards{card: pricing.RateCard{ID: "rc-1", ProviderID: "provider-1"}}
	body := `{"provider_id":"provider-1","base_rate":"10000","billing_unit":"per_case","moderate_multiplier":"1.5"}`

	h := newRateCardServer(rc, actor.Actor{ID: "provider-2", Role: actor.RoleProvider})
	if w := doRequest(t, h, http.MethodPost, "/rate-cards", body); w.Code != http.StatusForbidden {
		t.Fatalf("status for foreign provider = %d, want 403", w.Code)
	}

	h = newRateCardServer(rc, actor.Actor{ID: "provider-1", Role: actor.RoleProvider})
	if w := doRequest(t, h, http.MethodPost, "/rate-cards", body); w.Code != http.StatusCreated {
		t.Fatalf("status for owner = %d, want 201: %s", w.Code, w.Body)
	}
}

func TestUpdateRateCard(t *testing.T) {
	rc := &stubRateCards{card: pricing.RateCard{ID: "rc-1", ProviderID: "provider-1", Unit: pricing.UnitPerHour}}
	h := newRateCardServer(rc, actor.Actor{ID: "provider-1", Role: actor.RoleProvider})

	body := `{"provider_id":"provider-1","base_rate":"12000","billing_unit":"per_hour"}`
	w := doRequest(t, h, http.MethodPut, "/rate-cards/rc-1", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body)
	}
	if rc.lastID != "rc-1" {
		t.Fatalf("updated id = %q, want rc-1", rc.lastID)
	}
	if rc.lastParams.Unit != pricing.UnitPerHour || !rc.lastParams.BaseRate.Equal(decimal.NewFromInt(12000)) {
		t.Fatalf("params = %+v", rc.lastParams)
	}
	var got rateCardView
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != "rc-1" || got.BillingUnit != "per_hour" {
		t.Fatalf("got %+v", got)
	}
}

func TestListRateCardsRequiresProviderFilter(t *testing.T) {
	rc := &stubRateCards{card: pricing.RateCard{ID: "rc-1", ProviderID: "provider-1"}}
	h := newRateCardServer(rc, actor.Actor{ID: "client-1", Role: actor.RoleClient})

	if w := doRequest(t, h, http.MethodGet, "/rate-cards", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("status without provider_id = %d, want 400", w.Code)
	}

	w := doRequest(t, h, http.MethodGet, "/rate-cards?provider_id=provider-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body)
	}
	var got []rateCardView
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 || got[0].ID != "rc-1" {
		t.Fatalf("got %+v", got)
	}
}

func TestDeactivateRateCardAsAdmin(t *testing.T) {
	rc := &stubRateCards{card: pricing.RateCard{ID: "rc-1", ProviderID: "provider-1"}}
	h := newRateCardServer(rc, actor.Actor{ID: "admin-1", Role: actor.RoleAdmin})

	w := doRequest(t, h, http.MethodPost, "/rate-cards/rc-1/deactivate", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body)
	}
	if len(rc.deactivated) != 1 || rc.deactivated[0] != "provider-1/rc-1" {
		t.Fatalf("deactivated = %v, want the provider's card", rc.deactivated)
	}
}
