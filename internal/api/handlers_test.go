package api

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/engine"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/normalize"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/testutil"
)

type submission struct {
	requestID string
	body      []byte
	header    http.Header
}

type fakeSubmitter struct {
	mu   sync.Mutex
	subs []submission
	err  error
}

func (f *fakeSubmitter) Submit(requestID string, body []byte, header http.Header) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subs = append(f.subs, submission{requestID: requestID, body: body, header: header})
	return nil
}

func newTestServer() (*Server, *store.InMemoryStore, *fakeSubmitter) {
	st := store.NewInMemoryStore()
	sub := &fakeSubmitter{}
	return NewServer(st, sub), st, sub
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestWebhookHandler_AcknowledgesAndSubmits(t *testing.T) {
	s, st, sub := newTestServer()
	body := testutil.WebhookBody(t, "conv-1", "hello")

	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, "/webhook", body))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "webhook")
	resp := testutil.AssertJSONResponse(t, rr, models.APIStatusOK)
	if resp.Message != ReceivedMessage {
		t.Errorf("expected message %q, got %q", ReceivedMessage, resp.Message)
	}

	if len(sub.subs) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(sub.subs))
	}
	got := sub.subs[0]
	if !bytes.Equal(got.body, body) {
		t.Errorf("submitted body differs from request body")
	}
	if got.requestID == "" || rr.Header().Get(RequestIDHeader) != got.requestID {
		t.Errorf("request id header %q does not match submission %q", rr.Header().Get(RequestIDHeader), got.requestID)
	}

	logs, _ := st.ListWebhookLogs("", 0)
	if len(logs) != 1 || logs[0].Status != models.WebhookStatusReceived || logs[0].Direction != models.WebhookInbound {
		t.Errorf("expected one received inbound log row, got %+v", logs)
	}
	if logs[0].RequestID != got.requestID {
		t.Errorf("log row request id %q, want %q", logs[0].RequestID, got.requestID)
	}
}

func TestWebhookHandler_UnparseableBodyStillAcknowledged(t *testing.T) {
	s, _, sub := newTestServer()
	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, "/webhook", []byte("not json")))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "bad body")
	if len(sub.subs) != 1 {
		t.Errorf("body should still be handed to the engine, got %d submissions", len(sub.subs))
	}
}

func TestWebhookHandler_PathClientID(t *testing.T) {
	s, _, sub := newTestServer()
	body := []byte(`{"message_body":"hi","contact_id":"c1"}`)

	serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, "/webhook/client-42", body))
	if got := sub.subs[0].header.Get(normalize.ClientIDHeader); got != "client-42" {
		t.Errorf("expected client id from path, got %q", got)
	}

	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/webhook/client-42", body)
	req.Header.Set(normalize.ClientIDHeader, "from-header")
	serve(s, req)
	if got := sub.subs[1].header.Get(normalize.ClientIDHeader); got != "from-header" {
		t.Errorf("explicit header should win, got %q", got)
	}
}

func TestWebhookHandler_BodyTooLarge(t *testing.T) {
	s, st, sub := newTestServer()
	big := []byte(`{"message_body":"` + strings.Repeat("a", MaxWebhookBody) + `"}`)

	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, "/webhook", big))
	testutil.AssertHTTPStatus(t, http.StatusRequestEntityTooLarge, rr.Code, "oversized body")
	if len(sub.subs) != 0 {
		t.Errorf("oversized body must not be submitted")
	}
	logs, _ := st.ListWebhookLogs("", 0)
	if len(logs) != 1 || logs[0].Status != models.WebhookStatusRejected {
		t.Errorf("expected one rejected log row, got %+v", logs)
	}
}

func TestWebhookHandler_EngineClosed(t *testing.T) {
	s, _, sub := newTestServer()
	sub.err = engine.ErrEngineClosed
	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, "/webhook", testutil.WebhookBody(t, "c", "hi")))
	testutil.AssertHTTPStatus(t, http.StatusServiceUnavailable, rr.Code, "closed engine")
	testutil.AssertJSONResponse(t, rr, models.APIStatusError)
}

func TestWebhookHandler_SubmitError(t *testing.T) {
	s, _, sub := newTestServer()
	sub.err = errors.New("boom")
	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodPost, "/webhook", testutil.WebhookBody(t, "c", "hi")))
	testutil.AssertHTTPStatus(t, http.StatusInternalServerError, rr.Code, "submit error")
}

func TestWebhookHandler_MethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer()
	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodGet, "/webhook", nil))
	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "GET /webhook")
}

func TestHealthHandler(t *testing.T) {
	s, _, _ := newTestServer()
	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodGet, "/health", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
	resp := testutil.AssertJSONResponse(t, rr, models.APIStatusOK)
	result, ok := resp.Result.(map[string]interface{})
	if !ok || result["uptime"] == nil {
		t.Errorf("expected uptime in result, got %#v", resp.Result)
	}
}

func TestConversationHandlers(t *testing.T) {
	s, st, _ := newTestServer()
	account, strat := testutil.SeedAccount(t, st, "")
	conv, err := st.GetOrCreateConversation(account.ID, "ext-1", strat.ID, models.Contact{ID: "contact-1", Name: "Ada"})
	if err != nil {
		t.Fatalf("GetOrCreateConversation failed: %v", err)
	}
	for _, text := range []string{"one", "two", "three"} {
		if _, err := st.AppendMessage(conv.ID, models.SenderContact, text); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	t.Run("get existing", func(t *testing.T) {
		rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodGet, "/conversations/"+conv.ID, nil))
		testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get conversation")
		var resp struct {
			Result models.Conversation `json:"result"`
		}
		testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &resp)
		if resp.Result.ID != conv.ID {
			t.Errorf("expected conversation %s, got %s", conv.ID, resp.Result.ID)
		}
	})

	t.Run("get missing", func(t *testing.T) {
		rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodGet, "/conversations/nope", nil))
		testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "missing conversation")
	})

	t.Run("messages default limit", func(t *testing.T) {
		rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodGet, "/conversations/"+conv.ID+"/messages", nil))
		testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "messages")
		var resp struct {
			Result []models.Message `json:"result"`
		}
		testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &resp)
		if len(resp.Result) != 3 {
			t.Errorf("expected 3 messages, got %d", len(resp.Result))
		}
	})

	t.Run("messages with limit", func(t *testing.T) {
		rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodGet, "/conversations/"+conv.ID+"/messages?limit=2", nil))
		var resp struct {
			Result []models.Message `json:"result"`
		}
		testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &resp)
		if len(resp.Result) != 2 || resp.Result[1].Content != "three" {
			t.Errorf("expected the 2 most recent messages, got %+v", resp.Result)
		}
	})

	t.Run("bad limit", func(t *testing.T) {
		for _, q := range []string{"abc", "0", "-1"} {
			rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodGet, "/conversations/"+conv.ID+"/messages?limit="+q, nil))
			testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "limit="+q)
		}
	})

	t.Run("messages missing conversation", func(t *testing.T) {
		rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodGet, "/conversations/nope/messages", nil))
		testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "missing conversation messages")
	})
}

type countingRecoverer struct {
	calls int
}

func (c *countingRecoverer) RecoverStaleJobs() error {
	c.calls++
	return nil
}

func TestNewMaintenanceScheduler(t *testing.T) {
	st := store.NewInMemoryStore()
	sched, err := newMaintenanceScheduler(st, &countingRecoverer{}, 30)
	if err != nil {
		t.Fatalf("newMaintenanceScheduler failed: %v", err)
	}
	if sched.Len() != 2 {
		t.Errorf("expected 2 maintenance jobs, got %d", sched.Len())
	}

	sched, err = newMaintenanceScheduler(st, &countingRecoverer{}, 0)
	if err != nil {
		t.Fatalf("newMaintenanceScheduler failed: %v", err)
	}
	if sched.Len() != 1 {
		t.Errorf("retention disabled should only schedule recovery, got %d jobs", sched.Len())
	}
}

func TestPruneWebhookLogs(t *testing.T) {
	st := store.NewInMemoryStore()
	_ = st.AddWebhookLog(models.WebhookLog{RequestID: "old", Status: models.WebhookStatusProcessed, CreatedAt: time.Now().AddDate(0, 0, -40)})
	_ = st.AddWebhookLog(models.WebhookLog{RequestID: "new", Status: models.WebhookStatusProcessed, CreatedAt: time.Now()})

	pruneWebhookLogs(st, 30)

	logs, _ := st.ListWebhookLogs("", 0)
	if len(logs) != 1 || logs[0].RequestID != "new" {
		t.Errorf("expected only the recent row to survive, got %+v", logs)
	}
}
