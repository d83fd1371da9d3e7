package normalize

import (
	"errors"
	"net/http"
	"reflect"
	"testing"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

func TestNormalize_ContactIDShapes(t *testing.T) {
	bodies := map[string]string{
		"nested contact.id": `{"message":"hi","contact":{"id":"c1"}}`,
		"flat contact_id":   `{"message":"hi","contact_id":"c1"}`,
		"flat contactId":    `{"message":"hi","contactId":"c1"}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			p, err := Normalize([]byte(body), nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.ContactID != "c1" {
				t.Errorf("expected contact id c1, got %q", p.ContactID)
			}
		})
	}
}

func TestNormalize_PrefersUnderscoredVariant(t *testing.T) {
	body := `{
		"contact_id": "flat",
		"contact": {"id": "nested", "name": "Nested Name", "phone": "+2"},
		"contactId": "camel",
		"message_body": "underscored",
		"message": {"body": "nested body"},
		"phone": "+1"
	}`
	p, err := Normalize([]byte(body), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ContactID != "flat" {
		t.Errorf("expected contact_id to win, got %q", p.ContactID)
	}
	if p.Message != "underscored" {
		t.Errorf("expected message_body to win, got %q", p.Message)
	}
	if p.ContactPhone != "+1" {
		t.Errorf("expected top-level phone to win, got %q", p.ContactPhone)
	}
	if p.ContactName != "Nested Name" {
		t.Errorf("expected nested name, got %q", p.ContactName)
	}
}

func TestNormalize_FullPayload(t *testing.T) {
	body := `{
		"contact_id": "c1",
		"first_name": "Ada",
		"last_name": "Lovelace",
		"email": "ada@example.com",
		"tags": "gold, Silver ,gold,,silver",
		"text": "Can I book a call tomorrow?",
		"conversation_id": "v1",
		"location": {"id": "loc-9"},
		"customData": {"clientID": "acct1"}
	}`
	p, err := Normalize([]byte(body), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := models.InboundPayload{
		Message:           "Can I book a call tomorrow?",
		ContactID:         "c1",
		ContactName:       "Ada Lovelace",
		ContactEmail:      "ada@example.com",
		Tags:              []string{"gold", "Silver"},
		ConversationID:    "v1",
		AccountExternalID: "loc-9",
		ClientID:          "acct1",
	}
	if !reflect.DeepEqual(p, want) {
		t.Errorf("unexpected payload:\n got %+v\nwant %+v", p, want)
	}
}

func TestNormalize_TagsArray(t *testing.T) {
	p, err := Normalize([]byte(`{"body":"x","contactId":"c","contact":{"tags":["vip"," ","VIP","new"]}}`), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(p.Tags, []string{"vip", "new"}) {
		t.Errorf("unexpected tags: %v", p.Tags)
	}
}

func TestNormalize_ConversationFallsBackToContact(t *testing.T) {
	p, err := Normalize([]byte(`{"body":"x","contact_id":"c7"}`), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ConversationID != "c7" {
		t.Errorf("expected conversation id to fall back to contact id, got %q", p.ConversationID)
	}
}

func TestNormalize_ClientIDFromHeader(t *testing.T) {
	h := http.Header{}
	h.Set(ClientIDHeader, "hdr-client")
	p, err := Normalize([]byte(`{"body":"x","contact_id":"c"}`), h)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ClientID != "hdr-client" {
		t.Errorf("expected header client id, got %q", p.ClientID)
	}

	p, err = Normalize([]byte(`{"body":"x","contact_id":"c","custom_data":{"client_id":"body-client"}}`), h)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ClientID != "body-client" {
		t.Errorf("expected body client id to win over header, got %q", p.ClientID)
	}
}

func TestNormalize_Errors(t *testing.T) {
	tests := map[string]string{
		"invalid json":     `{"body":`,
		"not an object":    `["body"]`,
		"no message":       `{"contact_id":"c1"}`,
		"object message":   `{"contact_id":"c1","message":{"type":"SMS"}}`,
		"blank message":    `{"contact_id":"c1","body":"   "}`,
		"no contact id":    `{"body":"hello"}`,
		"empty contact id": `{"body":"hello","contact":{"id":""}}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Normalize([]byte(body), nil)
			if !errors.Is(err, models.ErrNormalization) {
				t.Errorf("expected ErrNormalization, got %v", err)
			}
		})
	}
}
