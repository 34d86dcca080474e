package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/deltayeb/iofteoi/internal/auth"
	"github.com/deltayeb/iofteoi/internal/dispute"
	"github.com/deltayeb/iofteoi/internal/settlement"
	"github.com/deltayeb/iofteoi/internal/store"
)

type fakeSettler struct {
	result *settlement.Result
	err    error

	gotCaller   string
	gotProtocol string
	gotInput    any
	gotDebug    bool
}

func (f *fakeSettler) Settle(ctx context.Context, callerID, protocolID string, input any, debugSharing bool) (*settlement.Result, error) {
	f.gotCaller, f.gotProtocol, f.gotInput, f.gotDebug = callerID, protocolID, input, debugSharing
	return f.result, f.err
}

type fakeReporter struct {
	outcome *dispute.Outcome
	err     error
}

func (f *fakeReporter) Report(ctx context.Context, callerID, invocationID string, reason *string) (*dispute.Outcome, error) {
	return f.outcome, f.err
}

type fakeBalances struct {
	account      store.Account
	accountErr   error
	withdrawErr  error
	transactions []store.BalanceTransaction
	deposited    int64
	withdrawn    int64
}

func (f *fakeBalances) GetAccount(ctx context.Context, id string) (store.Account, error) {
	return f.account, f.accountErr
}

func (f *fakeBalances) Deposit(ctx context.Context, accountID string, amountCents int64) error {
	f.deposited += amountCents
	f.account.BalanceCents += amountCents
	return nil
}

func (f *fakeBalances) WithdrawPublisher(ctx context.Context, accountID string, amountCents int64) error {
	if f.withdrawErr != nil {
		return f.withdrawErr
	}
	f.withdrawn += amountCents
	f.account.PublisherBalanceCents -= amountCents
	return nil
}

func (f *fakeBalances) ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]store.BalanceTransaction, error) {
	return f.transactions, nil
}

func newTestRouter(s Settler, rep Reporter, b BalanceStore) *chi.Mux {
	h := NewHandler(s, rep, b, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(auth.WithAccountID(req.Context(), "caller")))
		})
	})
	h.Routes(r)
	return r
}

func TestInvokeSuccess(t *testing.T) {
	s := &fakeSettler{result: &settlement.Result{
		InvocationID: "inv-1", Status: store.StatusSuccess, Output: json.RawMessage(`{"answer":42}`),
	}}
	r := newTestRouter(s, &fakeReporter{}, &fakeBalances{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("POST", "/invoke/proto-1",
		strings.NewReader(`{"input":{"q":"meaning"},"debugSharing":true}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if s.gotCaller != "caller" || s.gotProtocol != "proto-1" || !s.gotDebug {
		t.Errorf("settler saw (%s, %s, debug=%v)", s.gotCaller, s.gotProtocol, s.gotDebug)
	}
	var resp struct {
		InvocationID string          `json:"invocationId"`
		Status       string          `json:"status"`
		Output       json.RawMessage `json:"output"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Status != store.StatusSuccess || string(resp.Output) != `{"answer":42}` {
		t.Errorf("resp = %+v", resp)
	}
}

func TestInvokeRefused(t *testing.T) {
	s := &fakeSettler{result: &settlement.Result{
		InvocationID: "inv-1", Status: store.StatusRefused,
		RefusalCode: "BAD_INPUT", RefusalMessage: "Protocol refused this input",
	}}
	r := newTestRouter(s, &fakeReporter{}, &fakeBalances{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("POST", "/invoke/proto-1", strings.NewReader(`{"input":"x"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for a refusal", rec.Code)
	}
	var resp struct {
		Status  string `json:"status"`
		Refusal struct {
			Code string `json:"code"`
		} `json:"refusal"`
		Refunded bool `json:"refunded"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Status != store.StatusRefused || resp.Refusal.Code != "BAD_INPUT" || !resp.Refunded {
		t.Errorf("resp = %+v", resp)
	}
}

func TestInvokeFailure(t *testing.T) {
	s := &fakeSettler{result: &settlement.Result{
		InvocationID: "inv-1", Status: store.StatusFailure, ErrorClass: "TIMEOUT",
	}}
	r := newTestRouter(s, &fakeReporter{}, &fakeBalances{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("POST", "/invoke/proto-1", strings.NewReader(`{"input":"x"}`)))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	var resp struct {
		ErrorClass string `json:"errorClass"`
		Refunded   bool   `json:"refunded"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.ErrorClass != "TIMEOUT" || !resp.Refunded {
		t.Errorf("resp = %+v", resp)
	}
}

func TestInvokeErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"unknown protocol", settlement.ErrProtocolNotFound, http.StatusNotFound},
		{"inactive protocol", &settlement.ProtocolInactiveError{Status: store.ProtocolDeprecated}, http.StatusBadRequest},
		{"unknown account", settlement.ErrAccountNotFound, http.StatusNotFound},
		{"poor caller", &settlement.InsufficientBalanceError{Required: 100, Available: 40}, http.StatusPaymentRequired},
	}
	for _, tc := range cases {
		r := newTestRouter(&fakeSettler{err: tc.err}, &fakeReporter{}, &fakeBalances{})
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest("POST", "/invoke/p", strings.NewReader(`{"input":1}`)))
		if rec.Code != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, rec.Code, tc.want)
		}
	}
}

func TestInvokeInsufficientBalanceBody(t *testing.T) {
	r := newTestRouter(&fakeSettler{err: &settlement.InsufficientBalanceError{Required: 100, Available: 40}},
		&fakeReporter{}, &fakeBalances{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("POST", "/invoke/p", strings.NewReader(`{"input":1}`)))
	var resp struct {
		RequiredCents  int64 `json:"requiredCents"`
		AvailableCents int64 `json:"availableCents"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.RequiredCents != 100 || resp.AvailableCents != 40 {
		t.Errorf("resp = %+v, want required 100 available 40", resp)
	}
}

func TestReportMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"not found", dispute.ErrInvocationNotFound, http.StatusNotFound},
		{"wrong caller", dispute.ErrNotReporter, http.StatusForbidden},
		{"bad state", &dispute.InvalidStateError{Status: store.StatusFailure}, http.StatusBadRequest},
		{"duplicate", dispute.ErrAlreadyReported, http.StatusConflict},
	}
	for _, tc := range cases {
		r := newTestRouter(&fakeSettler{}, &fakeReporter{err: tc.err}, &fakeBalances{})
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest("POST", "/invocations/inv-1/report", strings.NewReader(`{}`)))
		if rec.Code != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, rec.Code, tc.want)
		}
	}

	rep := &fakeReporter{outcome: &dispute.Outcome{Reported: true, Refunded: true, Message: "Report accepted, invocation refunded"}}
	r := newTestRouter(&fakeSettler{}, rep, &fakeBalances{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("POST", "/invocations/inv-1/report", strings.NewReader(`{"reason":"garbage output"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out dispute.Outcome
	json.Unmarshal(rec.Body.Bytes(), &out)
	if !out.Reported || !out.Refunded {
		t.Errorf("outcome = %+v", out)
	}
}

func TestBalance(t *testing.T) {
	b := &fakeBalances{account: store.Account{
		ID: "caller", BalanceCents: 1234, PublisherBalanceCents: 5000, TrustScore: 100,
	}}
	r := newTestRouter(&fakeSettler{}, &fakeReporter{}, b)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/balance", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		BalanceCents   int64   `json:"balanceCents"`
		BalanceDollars float64 `json:"balanceDollars"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.BalanceCents != 1234 || resp.BalanceDollars != 12.34 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestDeposit(t *testing.T) {
	b := &fakeBalances{account: store.Account{ID: "caller"}}
	r := newTestRouter(&fakeSettler{}, &fakeReporter{}, b)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("POST", "/balance/deposit", strings.NewReader(`{"amountCents":499}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("below-minimum status = %d, want 400", rec.Code)
	}
	if b.deposited != 0 {
		t.Errorf("below-minimum deposit credited %d", b.deposited)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("POST", "/balance/deposit", strings.NewReader(`{"amountCents":500}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if b.deposited != 500 {
		t.Errorf("deposited = %d, want 500", b.deposited)
	}
}

func TestWithdraw(t *testing.T) {
	b := &fakeBalances{account: store.Account{ID: "caller", PublisherBalanceCents: 5000}}
	r := newTestRouter(&fakeSettler{}, &fakeReporter{}, b)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("POST", "/balance/withdraw", strings.NewReader(`{"amountCents":999}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("below-minimum status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("POST", "/balance/withdraw", strings.NewReader(`{"amountCents":1000}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if b.withdrawn != 1000 {
		t.Errorf("withdrawn = %d, want 1000", b.withdrawn)
	}

	b.withdrawErr = store.ErrInsufficientFunds
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("POST", "/balance/withdraw", strings.NewReader(`{"amountCents":100000}`)))
	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("overdraw status = %d, want 402", rec.Code)
	}
}
