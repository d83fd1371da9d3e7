package testutil

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/normalize"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

// recordingTB captures failures instead of failing the enclosing test.
type recordingTB struct {
	testing.TB
	failed bool
}

func (r *recordingTB) Helper()                                   {}
func (r *recordingTB) Errorf(format string, args ...interface{}) { r.failed = true }

func TestAssertHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		expected   int
		actual     int
		shouldFail bool
	}{
		{"matching status codes", 200, 200, false},
		{"different status codes", 200, 404, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingTB{TB: t}
			AssertHTTPStatus(rec, tt.expected, tt.actual, "ctx")
			if rec.failed != tt.shouldFail {
				t.Errorf("expected failed=%v, got %v", tt.shouldFail, rec.failed)
			}
		})
	}
}

func TestAssertJSONResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.WriteHeader(http.StatusOK)
	rr.Body.Write(MustMarshalJSON(t, models.SuccessWithMessage("received", nil)))
	resp := AssertJSONResponse(t, rr, models.APIStatusOK)
	if resp.Message != "received" {
		t.Errorf("unexpected message %q", resp.Message)
	}
}

func TestSeedAccountAndWebhookBody(t *testing.T) {
	st := store.NewInMemoryStore()
	account, strategy := SeedAccount(t, st, "gold")
	if strategy.AccountID != account.ID {
		t.Errorf("strategy not linked to account")
	}
	got, _ := st.GetAccountByClientID(ClientID)
	if got == nil || got.ID != account.ID {
		t.Errorf("account not retrievable by client id: %+v", got)
	}

	p, err := normalize.Normalize(WebhookBody(t, "conv-1", "hello"), nil)
	if err != nil {
		t.Fatalf("seeded webhook should normalize: %v", err)
	}
	if p.ConversationID != "conv-1" || p.ClientID != ClientID || p.AccountExternalID != LocationID {
		t.Errorf("unexpected payload: %+v", p)
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, http.MethodPost, "/webhook", []byte(`{}`))
	if req.Method != http.MethodPost || req.Header.Get("Content-Type") != "application/json" {
		t.Errorf("unexpected request: %s %v", req.Method, req.Header)
	}
}
