package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"Xinyu/server/internal/config"
)

type chatBody struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func completionJSON(finish string, contents ...string) string {
	type choice struct {
		Index        int               `json:"index"`
		Message      map[string]string `json:"message"`
		FinishReason string            `json:"finish_reason"`
	}
	choices := make([]choice, 0, len(contents))
	for i, c := range contents {
		choices = append(choices, choice{
			Index:        i,
			Message:      map[string]string{"role": "assistant", "content": c},
			FinishReason: finish,
		})
	}
	data, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"model":   "test-model",
		"choices": choices,
	})
	return string(data)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *GenerationClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewGenerationClient(config.GenerationConfig{
		BaseURL: srv.URL + "/v1",
		APIKey:  "sk-test",
		Model:   "test-model",
		Timeout: 2 * time.Second,
	}, nil)
}

func TestCompleteSuccess(t *testing.T) {
	var got chatBody
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("auth header = %q", r.Header.Get("Authorization"))
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, completionJSON("stop", "  ", "她笑了笑。"))
	})

	text, err := client.Complete(context.Background(), "继续")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if text != "她笑了笑。" {
		t.Errorf("text = %q, want first non-empty choice", text)
	}
	if got.Model != "test-model" || len(got.Messages) != 1 || got.Messages[0].Role != "user" || got.Messages[0].Content != "继续" {
		t.Errorf("request body = %+v", got)
	}
}

func TestCompleteFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		kind    FailureKind
		status  int
		finish  string
	}{
		{
			name: "api error status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				io.WriteString(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
			},
			kind:   FailureStatus,
			status: http.StatusTooManyRequests,
		},
		{
			name: "non json status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
				io.WriteString(w, "bad gateway")
			},
			kind:   FailureStatus,
			status: http.StatusBadGateway,
		},
		{
			name: "no choices",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				io.WriteString(w, completionJSON("stop"))
			},
			kind: FailureEmpty,
		},
		{
			name: "content filter",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				io.WriteString(w, completionJSON("content_filter", ""))
			},
			kind:   FailureEmpty,
			finish: "content_filter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, tt.handler)
			_, err := client.Complete(context.Background(), "x")

			var genErr *GenerationError
			if !errors.As(err, &genErr) {
				t.Fatalf("expected *GenerationError, got %T %v", err, err)
			}
			if genErr.Kind != tt.kind {
				t.Errorf("kind = %s, want %s", genErr.Kind, tt.kind)
			}
			if tt.status != 0 && genErr.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", genErr.StatusCode, tt.status)
			}
			if tt.finish != "" && genErr.FinishReason != tt.finish {
				t.Errorf("finish = %q, want %q", genErr.FinishReason, tt.finish)
			}
		})
	}
}

func TestCompleteTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := NewGenerationClient(config.GenerationConfig{BaseURL: url, Model: "m", Timeout: time.Second}, nil)
	_, err := client.Complete(context.Background(), "x")
	if !IsTransport(err) {
		t.Fatalf("expected transport failure, got %v", err)
	}
	var genErr *GenerationError
	errors.As(err, &genErr)
	if !genErr.Retryable() {
		t.Error("transport failures are retryable")
	}
}

func TestCompleteTimeoutIsTransport(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.Complete(ctx, "x"); !IsTransport(err) {
		t.Fatalf("expected transport failure on timeout, got %v", err)
	}
}
