// Package testutil provides common test helpers for LeadPipe packages.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

// Seeded identifiers created by SeedAccount.
const (
	ClientID   = "client-test"
	LocationID = "loc-test"
)

// SeedAccount saves an account with ClientID/LocationID and one strategy tagged tag.
func SeedAccount(t testing.TB, st store.Store, tag string) (*models.Account, *models.Strategy) {
	t.Helper()
	account := &models.Account{ClientID: ClientID, ExternalID: LocationID, Name: "Test Account"}
	if err := st.SaveAccount(account); err != nil {
		t.Fatalf("failed to save account: %v", err)
	}
	strategy := &models.Strategy{AccountID: account.ID, Name: "Test Strategy", Tag: tag, Role: "a helpful assistant"}
	if err := st.SaveStrategy(strategy); err != nil {
		t.Fatalf("failed to save strategy: %v", err)
	}
	return account, strategy
}

// WebhookBody returns a webhook body in the underscored shape.
func WebhookBody(t testing.TB, conversationID, message string) []byte {
	t.Helper()
	return MustMarshalJSON(t, map[string]any{
		"contact_id":      "contact-" + conversationID,
		"full_name":       "Test Contact",
		"message_body":    message,
		"conversation_id": conversationID,
		"location_id":     LocationID,
		"customData":      map[string]string{"clientID": ClientID},
	})
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testing.TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes an APIResponse and checks its status field.
func AssertJSONResponse(t testing.TB, rr *httptest.ResponseRecorder, expectedStatus models.APIStatus) models.APIResponse {
	t.Helper()
	var response models.APIResponse
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if response.Status != string(expectedStatus) {
		t.Errorf("expected status %q, got %q (message %q)", expectedStatus, response.Status, response.Message)
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with an optional raw body.
func CreateHTTPRequest(t testing.TB, method, url string, body []byte) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails the test on error.
func MustMarshalJSON(t testing.TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails the test on error.
func MustUnmarshalJSON(t testing.TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
