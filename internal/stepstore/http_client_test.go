package stepstore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func TestHTTPClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/v1/assessments/demo-1/steps/goals" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"stepKey":"goals","data":{"goals":["g1"]}}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	data, err := client.GetStepData(context.Background(), "demo-1", "goals")
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if string(data) != `{"goals":["g1"]}` {
		t.Fatalf("unexpected step data %s", data)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientNullDataIsAbsent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"stepKey":"goals","data":null}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	data, err := client.GetStepData(context.Background(), "demo-1", "goals")
	if err != nil || data != nil {
		t.Fatalf("expected nil data, got %s err=%v", data, err)
	}
}

func TestHTTPClientSaveStepSendsPayloadAndHeaders(t *testing.T) {
	var gotBody, gotAuth, gotCorrelation, gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotAuth = r.Header.Get("Authorization")
		gotCorrelation = r.Header.Get("X-Correlation-Id")
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "tok", server.Client())
	if err := client.SaveStep(context.Background(), "demo-1", "goals", json.RawMessage(`{"goals":["g1"]}`)); err != nil {
		t.Fatalf("save step failed: %v", err)
	}
	if gotMethod != http.MethodPut {
		t.Fatalf("expected PUT, got %s", gotMethod)
	}
	if gotBody != `{"data":{"goals":["g1"]}}` {
		t.Fatalf("unexpected body %s", gotBody)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("unexpected authorization header %q", gotAuth)
	}
	if !strings.HasPrefix(gotCorrelation, "sync_") {
		t.Fatalf("expected correlation id, got %q", gotCorrelation)
	}
}

func TestHTTPClientMapsErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/status") {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":"bad_request","message":"invalid status"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"not_found","message":"assessment not found"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "tok", server.Client())
	_, err := client.GetAssessment(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != "not_found" {
		t.Fatalf("expected http error with code, got %v", err)
	}
	if err := client.SetStatus(context.Background(), "x", "bogus"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestHTTPClientHonorsRetryAfterOn429(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"3f2b8c1e-7d4a-4e2b-9c1a-0b5e6f7a8d9c","evaluationType":"Initial Assessment","status":"draft"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "tok", server.Client())
	record, err := client.CreateAssessment(context.Background(), "Initial Assessment")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if record.ID != "3f2b8c1e-7d4a-4e2b-9c1a-0b5e6f7a8d9c" || record.Status != StatusDraft {
		t.Fatalf("unexpected assessment %+v", record)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected one retry, got %d calls", calls)
	}
}

func TestHTTPClientSubscribeReadsEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		for _, key := range []string{"goals", "domains"} {
			ev := Event{Type: EventStepSaved, AssessmentID: "demo-1", StepKey: key, SavedAt: time.Now().UTC()}
			if err := wsjson.Write(r.Context(), conn, ev); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "tok", server.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []string
	err := client.Subscribe(ctx, "demo-1", func(ev Event) {
		got = append(got, ev.StepKey)
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if len(got) != 2 || got[0] != "goals" || got[1] != "domains" {
		t.Fatalf("unexpected events %v", got)
	}
}
