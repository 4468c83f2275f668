package openai_provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/vooli/provider/models"
)

var intentSchema = models.Schema{
	Name: "intent",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"intentIsProductReview": map[string]any{"type": "boolean"},
			"queries":               map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required":             []string{"intentIsProductReview", "queries"},
		"additionalProperties": false,
	},
}

func completionServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body request
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body.ResponseFormat == nil || body.ResponseFormat.Type != "json_schema" {
			t.Errorf("expected json_schema response format, got %+v", body.ResponseFormat)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", got)
		}
		payload, _ := json.Marshal(content)
		fmt.Fprintf(w, `{"choices":[{"message":{"content":%s}}]}`, payload)
	}))
}

func TestGenerateObjectDecodes(t *testing.T) {
	srv := completionServer(t, `{"intentIsProductReview":true,"queries":["best headphones"]}`)
	defer srv.Close()
	c := NewOpenAIClient(Options{APIKey: "sk-test", BaseURL: srv.URL, ObjectModel: "o3-mini"})

	var out struct {
		IntentIsProductReview bool     `json:"intentIsProductReview"`
		Queries               []string `json:"queries"`
	}
	if err := c.GenerateObject(context.Background(), models.ObjectRequest{Prompt: "hi", Schema: intentSchema}, &out); err != nil {
		t.Fatalf("GenerateObject: %v", err)
	}
	if !out.IntentIsProductReview || len(out.Queries) != 1 || out.Queries[0] != "best headphones" {
		t.Fatalf("unexpected object %+v", out)
	}
}

func TestGenerateObjectAcceptsFencedContent(t *testing.T) {
	srv := completionServer(t, "```json\n{\"intentIsProductReview\":false,\"queries\":[]}\n```")
	defer srv.Close()
	c := NewOpenAIClient(Options{APIKey: "sk-test", BaseURL: srv.URL})

	var out struct {
		IntentIsProductReview bool     `json:"intentIsProductReview"`
		Queries               []string `json:"queries"`
	}
	if err := c.GenerateObject(context.Background(), models.ObjectRequest{Prompt: "hi", Schema: intentSchema}, &out); err != nil {
		t.Fatalf("GenerateObject: %v", err)
	}
	if out.IntentIsProductReview || len(out.Queries) != 0 {
		t.Fatalf("unexpected object %+v", out)
	}
}

func TestGenerateObjectRejectsProse(t *testing.T) {
	srv := completionServer(t, "I am not able to answer that.")
	defer srv.Close()
	c := NewOpenAIClient(Options{APIKey: "sk-test", BaseURL: srv.URL})

	var out map[string]any
	err := c.GenerateObject(context.Background(), models.ObjectRequest{Prompt: "hi", Schema: intentSchema}, &out)
	if err == nil || !strings.Contains(err.Error(), "failed to parse object") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestGenerateObjectMissingRequired(t *testing.T) {
	srv := completionServer(t, `{"intentIsProductReview":true}`)
	defer srv.Close()
	c := NewOpenAIClient(Options{APIKey: "sk-test", BaseURL: srv.URL})

	var out map[string]any
	err := c.GenerateObject(context.Background(), models.ObjectRequest{Prompt: "hi", Schema: intentSchema}, &out)
	if !errors.Is(err, models.ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}

func TestGenerateObjectAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
	}))
	defer srv.Close()
	c := NewOpenAIClient(Options{APIKey: "sk-test", BaseURL: srv.URL})

	var out map[string]any
	err := c.GenerateObject(context.Background(), models.ObjectRequest{Prompt: "hi", Schema: intentSchema}, &out)
	if err == nil || !strings.Contains(err.Error(), "slow down") {
		t.Fatalf("expected api error, got %v", err)
	}
}

func TestStreamTextYieldsDeltasInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range []string{"Hel", "lo", " world"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", tok)
		}
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()
	c := NewOpenAIClient(Options{APIKey: "sk-test", BaseURL: srv.URL, StreamModel: "gpt-4o-mini"})

	stream, err := c.StreamText(context.Background(), models.TextRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("StreamText: %v", err)
	}
	defer stream.Close()

	var got []string
	for {
		tok, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, tok)
	}
	if strings.Join(got, "|") != "Hel|lo| world" {
		t.Fatalf("unexpected tokens %q", got)
	}
	if _, err := stream.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF after completion, got %v", err)
	}
}
