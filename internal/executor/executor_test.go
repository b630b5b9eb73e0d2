package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/payintelli/hookd/internal/backoff"
	"github.com/payintelli/hookd/internal/delivery"
	"github.com/payintelli/hookd/internal/directory"
	"github.com/payintelli/hookd/internal/logging"
	"github.com/payintelli/hookd/internal/signature"
	"github.com/payintelli/hookd/internal/store"
)

type fakeDirectory struct {
	endpoints map[int64]*directory.Endpoint
	err       error
}

func (f *fakeDirectory) FindByID(_ context.Context, id int64) (*directory.Endpoint, error) {
	if f.err != nil {
		return nil, f.err
	}
	ep, ok := f.endpoints[id]
	if !ok {
		return nil, directory.ErrNotFound
	}
	return ep, nil
}

type recordedOutcome struct {
	deliveryID   int64
	attemptCount int32
	out          delivery.Outcome
}

type fakeStore struct {
	recorded []recordedOutcome
	err      error
}

func (f *fakeStore) RecordOutcome(_ context.Context, deliveryID int64, attemptCount int32, out delivery.Outcome) error {
	if f.err != nil {
		return f.err
	}
	f.recorded = append(f.recorded, recordedOutcome{deliveryID: deliveryID, attemptCount: attemptCount, out: out})
	return nil
}

type dispatchCall struct {
	msg   delivery.Message
	delay time.Duration
}

type fakeDispatcher struct {
	calls []dispatchCall
	err   error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, msg delivery.Message, delay time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, dispatchCall{msg: msg, delay: delay})
	return nil
}

func activeEndpoint(id int64, url, secret string) *directory.Endpoint {
	return &directory.Endpoint{
		ID:                   id,
		TenantID:             "tenant-1",
		URL:                  url,
		SubscribedEventTypes: []string{directory.Wildcard},
		Secret:               secret,
		IsActive:             true,
	}
}

func newTestExecutor(dir *fakeDirectory, st *fakeStore, disp *fakeDispatcher) *Executor {
	return New(dir, st, disp, http.DefaultClient, backoff.Default(), 5, logging.New("test"))
}

func TestProcessDeliversOn2xx(t *testing.T) {
	var gotReq *http.Request
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReq = r.Clone(context.Background())
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	dir := &fakeDirectory{endpoints: map[int64]*directory.Endpoint{
		7: activeEndpoint(7, srv.URL, "whsec_test"),
	}}
	st := &fakeStore{}
	disp := &fakeDispatcher{}
	e := newTestExecutor(dir, st, disp)

	msg := delivery.Message{
		DeliveryID:   42,
		EndpointID:   7,
		EventType:    "payment.completed",
		Payload:      `{"amount":100}`,
		AttemptCount: 1,
	}
	if err := e.Process(context.Background(), msg); err != nil {
		t.Fatalf("Process() error = %v, want nil", err)
	}

	if gotReq == nil {
		t.Fatal("endpoint was never called")
	}
	if got := gotReq.Header.Get("User-Agent"); got != "Webhook-Delivery/1.0" {
		t.Errorf("User-Agent = %q, want %q", got, "Webhook-Delivery/1.0")
	}
	if got := gotReq.Header.Get("X-Webhook-Event"); got != "payment.completed" {
		t.Errorf("X-Webhook-Event = %q, want %q", got, "payment.completed")
	}
	if got := gotReq.Header.Get("X-Webhook-Attempt"); got != "1" {
		t.Errorf("X-Webhook-Attempt = %q, want %q", got, "1")
	}
	if got := gotReq.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want %q", got, "application/json")
	}
	if sig := gotReq.Header.Get("X-Webhook-Signature"); !signature.Verify(msg.Payload, "whsec_test", sig) {
		t.Errorf("X-Webhook-Signature = %q does not verify against the payload", sig)
	}
	if gotBody != msg.Payload {
		t.Errorf("request body = %q, want %q", gotBody, msg.Payload)
	}

	if len(st.recorded) != 1 {
		t.Fatalf("recorded outcomes = %d, want 1", len(st.recorded))
	}
	rec := st.recorded[0]
	if rec.deliveryID != 42 || rec.attemptCount != 1 {
		t.Errorf("RecordOutcome(%d, %d), want (42, 1)", rec.deliveryID, rec.attemptCount)
	}
	if rec.out.Status != delivery.StatusDelivered {
		t.Errorf("outcome status = %q, want %q", rec.out.Status, delivery.StatusDelivered)
	}
	if rec.out.ResponseStatus == nil || *rec.out.ResponseStatus != 200 {
		t.Errorf("outcome response status = %v, want 200", rec.out.ResponseStatus)
	}
	if rec.out.ResponseBody != "ok" {
		t.Errorf("outcome response body = %q, want %q", rec.out.ResponseBody, "ok")
	}
	if rec.out.NextRetryAt != nil {
		t.Errorf("outcome NextRetryAt = %v, want nil on success", rec.out.NextRetryAt)
	}
	if len(disp.calls) != 0 {
		t.Errorf("dispatch calls = %d, want 0 on success", len(disp.calls))
	}
}

func TestProcessOmitsSignatureWithoutSecret(t *testing.T) {
	var gotSig string
	var sawHeader bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawHeader = r.Header["X-Webhook-Signature"]
		gotSig = r.Header.Get("X-Webhook-Signature")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	dir := &fakeDirectory{endpoints: map[int64]*directory.Endpoint{
		7: activeEndpoint(7, srv.URL, ""),
	}}
	st := &fakeStore{}
	e := newTestExecutor(dir, st, &fakeDispatcher{})

	err := e.Process(context.Background(), delivery.Message{DeliveryID: 1, EndpointID: 7, EventType: "t", Payload: "{}", AttemptCount: 1})
	if err != nil {
		t.Fatalf("Process() error = %v, want nil", err)
	}
	if sawHeader {
		t.Errorf("X-Webhook-Signature = %q, want header absent for secretless endpoint", gotSig)
	}
	if len(st.recorded) != 1 || st.recorded[0].out.Status != delivery.StatusDelivered {
		t.Errorf("expected one DELIVERED outcome, got %+v", st.recorded)
	}
}

func TestProcessTerminatesMissingEndpoint(t *testing.T) {
	dir := &fakeDirectory{endpoints: map[int64]*directory.Endpoint{}}
	st := &fakeStore{}
	disp := &fakeDispatcher{}
	e := newTestExecutor(dir, st, disp)

	err := e.Process(context.Background(), delivery.Message{DeliveryID: 42, EndpointID: 99, AttemptCount: 1})
	if err != nil {
		t.Fatalf("Process() error = %v, want nil", err)
	}

	if len(st.recorded) != 1 {
		t.Fatalf("recorded outcomes = %d, want 1", len(st.recorded))
	}
	out := st.recorded[0].out
	if out.Status != delivery.StatusFailed {
		t.Errorf("outcome status = %q, want %q", out.Status, delivery.StatusFailed)
	}
	if out.FailureReason != delivery.ReasonEndpointMissing {
		t.Errorf("failure reason = %q, want %q", out.FailureReason, delivery.ReasonEndpointMissing)
	}
	if out.ResponseBody != "Endpoint not found or inactive" {
		t.Errorf("response body = %q, want %q", out.ResponseBody, "Endpoint not found or inactive")
	}
	if out.NextRetryAt != nil {
		t.Error("NextRetryAt set on terminal failure, want nil")
	}
	if len(disp.calls) != 0 {
		t.Errorf("dispatch calls = %d, want 0 on terminal failure", len(disp.calls))
	}
}

func TestProcessTerminatesInactiveEndpoint(t *testing.T) {
	ep := activeEndpoint(7, "http://example.invalid/hook", "s")
	ep.IsActive = false
	dir := &fakeDirectory{endpoints: map[int64]*directory.Endpoint{7: ep}}
	st := &fakeStore{}
	disp := &fakeDispatcher{}
	e := newTestExecutor(dir, st, disp)

	err := e.Process(context.Background(), delivery.Message{DeliveryID: 42, EndpointID: 7, AttemptCount: 3})
	if err != nil {
		t.Fatalf("Process() error = %v, want nil", err)
	}

	if len(st.recorded) != 1 {
		t.Fatalf("recorded outcomes = %d, want 1", len(st.recorded))
	}
	out := st.recorded[0].out
	if out.Status != delivery.StatusFailed || out.FailureReason != delivery.ReasonEndpointInactive {
		t.Errorf("outcome = %q/%q, want FAILED/endpoint_inactive", out.Status, out.FailureReason)
	}
	if len(disp.calls) != 0 {
		t.Errorf("dispatch calls = %d, want 0", len(disp.calls))
	}
}

func TestProcessReturnsDirectoryInfraError(t *testing.T) {
	wantErr := errors.New("redis unreachable")
	dir := &fakeDirectory{err: wantErr}
	st := &fakeStore{}
	e := newTestExecutor(dir, st, &fakeDispatcher{})

	err := e.Process(context.Background(), delivery.Message{DeliveryID: 42, EndpointID: 7, AttemptCount: 1})
	if !errors.Is(err, wantErr) {
		t.Errorf("Process() error = %v, want %v", err, wantErr)
	}
	if len(st.recorded) != 0 {
		t.Errorf("recorded outcomes = %d, want 0 when lookup fails", len(st.recorded))
	}
}

func TestProcessSchedulesRetryOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := &fakeDirectory{endpoints: map[int64]*directory.Endpoint{
		7: activeEndpoint(7, srv.URL, "s"),
	}}
	st := &fakeStore{}
	disp := &fakeDispatcher{}
	e := newTestExecutor(dir, st, disp)

	msg := delivery.Message{DeliveryID: 42, EndpointID: 7, EventType: "t", Payload: "{}", AttemptCount: 2}
	if err := e.Process(context.Background(), msg); err != nil {
		t.Fatalf("Process() error = %v, want nil", err)
	}

	if len(st.recorded) != 1 {
		t.Fatalf("recorded outcomes = %d, want 1", len(st.recorded))
	}
	out := st.recorded[0].out
	if out.Status != delivery.StatusFailed {
		t.Errorf("outcome status = %q, want %q", out.Status, delivery.StatusFailed)
	}
	if out.ResponseStatus == nil || *out.ResponseStatus != 500 {
		t.Errorf("response status = %v, want 500", out.ResponseStatus)
	}
	if out.NextRetryAt == nil {
		t.Fatal("NextRetryAt = nil, want retry time for in-budget failure")
	}

	if len(disp.calls) != 1 {
		t.Fatalf("dispatch calls = %d, want 1", len(disp.calls))
	}
	call := disp.calls[0]
	if call.msg.AttemptCount != 3 {
		t.Errorf("dispatched attempt = %d, want 3", call.msg.AttemptCount)
	}
	if call.msg.DeliveryID != 42 || call.msg.EndpointID != 7 {
		t.Errorf("dispatched identity = (%d, %d), want (42, 7)", call.msg.DeliveryID, call.msg.EndpointID)
	}
	// Second failed attempt waits the second schedule entry.
	if call.delay != 5*time.Minute {
		t.Errorf("dispatched delay = %v, want %v", call.delay, 5*time.Minute)
	}
}

func TestProcessAbandonsAtMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "still broken", http.StatusBadGateway)
	}))
	defer srv.Close()

	dir := &fakeDirectory{endpoints: map[int64]*directory.Endpoint{
		7: activeEndpoint(7, srv.URL, "s"),
	}}
	st := &fakeStore{}
	disp := &fakeDispatcher{}
	e := newTestExecutor(dir, st, disp)

	msg := delivery.Message{DeliveryID: 42, EndpointID: 7, EventType: "t", Payload: "{}", AttemptCount: 5}
	if err := e.Process(context.Background(), msg); err != nil {
		t.Fatalf("Process() error = %v, want nil", err)
	}

	if len(st.recorded) != 1 {
		t.Fatalf("recorded outcomes = %d, want 1", len(st.recorded))
	}
	out := st.recorded[0].out
	if out.Status != delivery.StatusAbandoned {
		t.Errorf("outcome status = %q, want %q", out.Status, delivery.StatusAbandoned)
	}
	if out.FailureReason != delivery.ReasonMaxAttempts {
		t.Errorf("failure reason = %q, want %q", out.FailureReason, delivery.ReasonMaxAttempts)
	}
	if out.NextRetryAt != nil {
		t.Error("NextRetryAt set on abandonment, want nil")
	}
	if len(disp.calls) != 0 {
		t.Errorf("dispatch calls = %d, want 0 after abandonment", len(disp.calls))
	}
}

func TestProcessRecordsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close() // connection refused from here on

	dir := &fakeDirectory{endpoints: map[int64]*directory.Endpoint{
		7: activeEndpoint(7, url, "s"),
	}}
	st := &fakeStore{}
	disp := &fakeDispatcher{}
	e := newTestExecutor(dir, st, disp)

	msg := delivery.Message{DeliveryID: 42, EndpointID: 7, EventType: "t", Payload: "{}", AttemptCount: 1}
	if err := e.Process(context.Background(), msg); err != nil {
		t.Fatalf("Process() error = %v, want nil", err)
	}

	if len(st.recorded) != 1 {
		t.Fatalf("recorded outcomes = %d, want 1", len(st.recorded))
	}
	out := st.recorded[0].out
	if out.Status != delivery.StatusFailed {
		t.Errorf("outcome status = %q, want %q", out.Status, delivery.StatusFailed)
	}
	if out.ResponseStatus != nil {
		t.Errorf("response status = %v, want nil for transport failure", out.ResponseStatus)
	}
	if !strings.HasPrefix(out.ResponseBody, "Exception: ") {
		t.Errorf("response body = %q, want %q prefix", out.ResponseBody, "Exception: ")
	}
	if len(disp.calls) != 1 {
		t.Errorf("dispatch calls = %d, want 1", len(disp.calls))
	}
}

func TestProcessSkipsAlreadyTerminalDelivery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := &fakeDirectory{endpoints: map[int64]*directory.Endpoint{
		7: activeEndpoint(7, srv.URL, "s"),
	}}
	st := &fakeStore{err: store.ErrAlreadyTerminal}
	disp := &fakeDispatcher{}
	e := newTestExecutor(dir, st, disp)

	// Queue redelivered a message for a finished delivery. The duplicate
	// outcome is dropped without error so the message gets acked.
	err := e.Process(context.Background(), delivery.Message{DeliveryID: 42, EndpointID: 7, Payload: "{}", AttemptCount: 1})
	if err != nil {
		t.Errorf("Process() error = %v, want nil for already-terminal delivery", err)
	}
	if len(disp.calls) != 0 {
		t.Errorf("dispatch calls = %d, want 0", len(disp.calls))
	}
}

func TestProcessReturnsStoreError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := &fakeDirectory{endpoints: map[int64]*directory.Endpoint{
		7: activeEndpoint(7, srv.URL, "s"),
	}}
	st := &fakeStore{err: errors.New("db down")}
	e := newTestExecutor(dir, st, &fakeDispatcher{})

	err := e.Process(context.Background(), delivery.Message{DeliveryID: 42, EndpointID: 7, Payload: "{}", AttemptCount: 1})
	if err == nil {
		t.Error("Process() error = nil, want store error to force redelivery")
	}
}

func TestProcessReturnsErrorForUnknownDelivery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := &fakeDirectory{endpoints: map[int64]*directory.Endpoint{
		7: activeEndpoint(7, srv.URL, "s"),
	}}
	st := &fakeStore{err: fmt.Errorf("delivery 42: %w", store.ErrNotFound)}
	e := newTestExecutor(dir, st, &fakeDispatcher{})

	// A delivery id the store has never seen is not a safe replay; acking
	// it would hide the fault. The message must be surfaced, not dropped.
	err := e.Process(context.Background(), delivery.Message{DeliveryID: 42, EndpointID: 7, Payload: "{}", AttemptCount: 1})
	if err == nil {
		t.Error("Process() error = nil, want unknown-delivery error to surface")
	}
}

func TestProcessReturnsDispatchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := &fakeDirectory{endpoints: map[int64]*directory.Endpoint{
		7: activeEndpoint(7, srv.URL, "s"),
	}}
	st := &fakeStore{}
	disp := &fakeDispatcher{err: errors.New("nsqd unreachable")}
	e := newTestExecutor(dir, st, disp)

	err := e.Process(context.Background(), delivery.Message{DeliveryID: 42, EndpointID: 7, Payload: "{}", AttemptCount: 1})
	if err == nil {
		t.Error("Process() error = nil, want dispatch error to force redelivery")
	}
}

func TestFlattenHeaders(t *testing.T) {
	h := http.Header{}
	h.Add("Content-Type", "application/json")
	h.Add("Set-Cookie", "a=1")
	h.Add("Set-Cookie", "b=2")

	got := flattenHeaders(h)
	if got["Content-Type"] != "application/json" {
		t.Errorf("flattenHeaders()[Content-Type] = %q, want %q", got["Content-Type"], "application/json")
	}
	if got["Set-Cookie"] != "a=1, b=2" {
		t.Errorf("flattenHeaders()[Set-Cookie] = %q, want all values kept", got["Set-Cookie"])
	}

	if flattenHeaders(nil) != nil {
		t.Error("flattenHeaders(nil) != nil, want nil")
	}
}

func TestClassifyReason(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		want   string
	}{
		{"timeout", errors.New("context deadline exceeded"), 0, "timeout"},
		{"client timeout", errors.New("Client.Timeout exceeded while awaiting headers"), 0, "timeout"},
		{"connection refused", errors.New("dial tcp: connection refused"), 0, "connection_refused"},
		{"dns", errors.New("lookup hooks.example.com: no such host"), 0, "dns_error"},
		{"other network", errors.New("EOF"), 0, "network"},
		{"server error", nil, 500, "http_5xx"},
		{"bad gateway", nil, 502, "http_5xx"},
		{"rate limited", nil, 429, "http_429"},
		{"client error", nil, 404, "http_4xx"},
		{"unclassified", nil, 0, "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyReason(tt.err, tt.status)
			if got != tt.want {
				t.Errorf("classifyReason(%v, %d) = %q, want %q", tt.err, tt.status, got, tt.want)
			}
		})
	}
}
