package genai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGeminiProvider_Generate(t *testing.T) {
	var got geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/gemini-test:generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "gk" {
			t.Errorf("missing api key header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hi "},{"text":"there"}]}}]}`))
	}))
	defer srv.Close()

	p, err := NewGeminiProvider("gk", "gemini-test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.baseURL = srv.URL

	out, err := p.Generate(context.Background(), Request{
		SystemPrompt: "be nice",
		Turns:        []Turn{{Role: RoleUser, Content: "hello"}, {Role: RoleAssistant, Content: "hey"}, {Role: RoleUser, Content: "book"}},
		Temperature:  0.5,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "Hi there" {
		t.Errorf("expected 'Hi there', got %q", out)
	}
	if got.SystemInstruction == nil || got.SystemInstruction.Parts[0].Text != "be nice" {
		t.Errorf("system instruction not sent: %+v", got.SystemInstruction)
	}
	if len(got.Contents) != 3 || got.Contents[1].Role != "model" {
		t.Errorf("unexpected contents: %+v", got.Contents)
	}
	if got.GenerationConfig.Temperature != 0.5 {
		t.Errorf("unexpected temperature %v", got.GenerationConfig.Temperature)
	}
}

func TestGeminiProvider_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"quota"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p, _ := NewGeminiProvider("gk", "")
	p.baseURL = srv.URL
	_, err := p.Generate(context.Background(), Request{Turns: []Turn{{Role: RoleUser, Content: "x"}}})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("expected status error, got %v", err)
	}
}

func TestGeminiProvider_NoCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	p, _ := NewGeminiProvider("gk", "")
	p.baseURL = srv.URL
	if _, err := p.Generate(context.Background(), Request{}); err != ErrNoChoicesReturned {
		t.Errorf("expected ErrNoChoicesReturned, got %v", err)
	}
}

func TestGeminiProvider_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()
	p, _ := NewGeminiProvider("key", "")
	p.baseURL = srv.URL
	if _, err := p.Generate(context.Background(), Request{Turns: []Turn{{Role: RoleUser, Content: "hi"}}}); err == nil {
		t.Error("expected decode error for invalid JSON")
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	if got := truncate("ñandú", 3); got != "ñan..." {
		t.Errorf("expected %q, got %q", "ñan...", got)
	}
}
