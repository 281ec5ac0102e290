package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestOpenRouter_Generate(t *testing.T) {
	var got completionRequest
	var gotAuth, gotTitle string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		gotTitle = r.Header.Get("X-Title")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"{\"trust_level\":60}"}}]}`)
	}))
	defer srv.Close()

	c := NewOpenRouterClientWithBaseURL("test-key", "test/model", srv.URL+"/")
	out, err := c.Generate(context.Background(), "evolve this")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != `{"trust_level":60}` {
		t.Errorf("out = %q", out)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotTitle != "storytrace" {
		t.Errorf("X-Title = %q", gotTitle)
	}
	if got.Model != "test/model" || len(got.Messages) != 1 || got.Messages[0].Content != "evolve this" {
		t.Errorf("request = %+v", got)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Errorf("response_format = %+v, want json_object", got.ResponseFormat)
	}
}

func TestOpenRouter_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusUnauthorized, false},
		{http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewOpenRouterClientWithBaseURL("k", "m", srv.URL)
			_, err := c.Generate(context.Background(), "p")
			if err == nil {
				t.Fatal("expected error")
			}
			if IsTransient(err) != tt.transient {
				t.Errorf("IsTransient = %v, want %v (err %v)", IsTransient(err), tt.transient, err)
			}
		})
	}
}

func TestOpenRouter_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	c := NewOpenRouterClientWithBaseURL("k", "m", srv.URL)
	if _, err := c.Generate(context.Background(), "p"); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestOllama_Generate(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat":
			if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
				t.Errorf("decoding request: %v", err)
			}
			fmt.Fprint(w, `{"message":{"role":"assistant","content":"{}"}}`)
		case "/api/tags":
			fmt.Fprint(w, `{"models":[]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "", 0.3)
	if !c.IsRunning(context.Background()) {
		t.Fatal("IsRunning = false")
	}
	out, err := c.Generate(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "{}" {
		t.Errorf("out = %q", out)
	}
	if got.Stream || got.Format != "json" || got.Model != DefaultOllamaModel {
		t.Errorf("request = %+v", got)
	}
}

func TestOllama_NotRunning(t *testing.T) {
	c := NewOllamaClient("http://127.0.0.1:1", "m", 0)
	if c.IsRunning(context.Background()) {
		t.Error("IsRunning = true for closed port")
	}
	_, err := c.Generate(context.Background(), "p")
	if !IsTransient(err) {
		t.Errorf("connection failure should be transient, got %v", err)
	}
}

func TestOllama_EnsureReadyPullsMissingModel(t *testing.T) {
	var pulled atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			if pulled.Load() {
				w.Write([]byte(`{"models":[{"name":"qwen2.5:latest"}]}`))
				return
			}
			w.Write([]byte(`{"models":[{"name":"llama3:8b"}]}`))
		case "/api/pull":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if body["name"] != "qwen2.5" {
				t.Errorf("pull name = %v", body["name"])
			}
			pulled.Store(true)
			fmt.Fprintln(w, `{"status":"downloading","total":100,"completed":50}`)
			fmt.Fprintln(w, `{"status":"success"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "qwen2.5", 0)
	if c.HasModel(context.Background()) {
		t.Fatal("HasModel = true before pull")
	}

	var out strings.Builder
	if err := c.EnsureReady(context.Background(), &out); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if !pulled.Load() {
		t.Error("model was not pulled")
	}
	for _, want := range []string{"pulling", "downloading 50%", "success", "ready"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("progress output missing %q:\n%s", want, out.String())
		}
	}
	if !c.HasModel(context.Background()) {
		t.Error("HasModel = false after pull")
	}
}

func TestOllama_EnsureReadyNotRunning(t *testing.T) {
	c := NewOllamaClient("http://127.0.0.1:1", "m", 0)
	var out strings.Builder
	if err := c.EnsureReady(context.Background(), &out); err == nil {
		t.Error("expected error for unreachable server")
	}
}

type scriptedGenerator struct {
	calls atomic.Int32
	errs  []error
}

func (g *scriptedGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	n := int(g.calls.Add(1)) - 1
	if n < len(g.errs) && g.errs[n] != nil {
		return "", g.errs[n]
	}
	return "ok", nil
}

func TestWithRetry_RecoversFromTransient(t *testing.T) {
	g := &scriptedGenerator{errs: []error{Transient(errors.New("429")), Transient(errors.New("503"))}}
	r := WithRetry(g, 3, time.Millisecond)

	out, err := r.Generate(context.Background(), "p")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "ok" || g.calls.Load() != 3 {
		t.Errorf("out = %q after %d calls", out, g.calls.Load())
	}
}

func TestWithRetry_Exhausted(t *testing.T) {
	boom := Transient(errors.New("rate limited"))
	g := &scriptedGenerator{errs: []error{boom, boom, boom, boom}}
	r := WithRetry(g, 3, time.Millisecond)

	_, err := r.Generate(context.Background(), "p")
	if err == nil || !strings.Contains(err.Error(), "after 3 attempts") {
		t.Fatalf("err = %v", err)
	}
	if g.calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", g.calls.Load())
	}
}

func TestWithRetry_PermanentNotRetried(t *testing.T) {
	g := &scriptedGenerator{errs: []error{errors.New("unauthorized")}}
	r := WithRetry(g, 5, time.Millisecond)

	if _, err := r.Generate(context.Background(), "p"); err == nil {
		t.Fatal("expected error")
	}
	if g.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", g.calls.Load())
	}
}

func TestWithRetry_ContextCancelledDuringBackoff(t *testing.T) {
	boom := Transient(errors.New("busy"))
	g := &scriptedGenerator{errs: []error{boom, boom, boom}}
	r := WithRetry(g, 3, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	done := make(chan error, 1)
	go func() {
		_, err := r.Generate(ctx, "p")
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not honour cancellation")
	}
}

func TestNew_Providers(t *testing.T) {
	ctx := context.Background()

	c, err := New(ctx, Config{Provider: ProviderNone})
	if err != nil || c != nil {
		t.Fatalf("none: client=%v err=%v", c, err)
	}

	if _, err := New(ctx, Config{Provider: ProviderOpenRouter}); err == nil {
		t.Error("openrouter without key should fail")
	}
	if _, err := New(ctx, Config{Provider: ProviderGemini}); err == nil {
		t.Error("gemini without key should fail")
	}
	if _, err := New(ctx, Config{Provider: "carrier-pigeon"}); err == nil {
		t.Error("unknown provider should fail")
	}

	c, err = New(ctx, Config{Provider: ProviderOllama, Model: "llama3", Temperature: 0.3})
	if err != nil {
		t.Fatalf("ollama: %v", err)
	}
	defer c.Close()
	if c.Provider() != ProviderOllama {
		t.Errorf("Provider = %q", c.Provider())
	}
	mc := c.ModelConfig()
	if mc["model"] != "llama3" || mc["temperature"] != "0.3" || mc["provider"] != ProviderOllama {
		t.Errorf("ModelConfig = %v", mc)
	}
	mc["model"] = "mutated"
	if c.ModelConfig()["model"] != "llama3" {
		t.Error("ModelConfig returned shared map")
	}
}

func TestNew_OpenRouterEndToEnd(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"done"}}]}`)
	}))
	defer srv.Close()

	c, err := New(context.Background(), Config{
		Provider:     ProviderOpenRouter,
		APIKey:       "k",
		BaseURL:      srv.URL,
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := c.Generate(context.Background(), "p")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "done" || calls.Load() != 2 {
		t.Errorf("out = %q after %d calls", out, calls.Load())
	}
}
