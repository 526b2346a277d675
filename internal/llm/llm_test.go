package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/minion-dev/minion/internal/models"
)

func TestBuildPromptPerTaskType(t *testing.T) {
	payload := models.Payload{
		Description: "cover the edge cases",
		Code:        "func Add(a, b int) int { return a + b }",
		TargetPath:  "pkg/add_test.go",
	}

	prompt := BuildPrompt(models.TaskWriteTests, payload)
	if !strings.Contains(prompt, "unit tests") {
		t.Errorf("Expected test instruction, got %q", prompt)
	}
	if !strings.Contains(prompt, payload.Code) {
		t.Error("Expected code to be included")
	}
	if !strings.Contains(prompt, payload.TargetPath) {
		t.Error("Expected target path to be included")
	}

	// Unknown types get the generic instruction rather than failing.
	prompt = BuildPrompt("something_else", models.Payload{Description: "x"})
	if !strings.Contains(prompt, "Complete the following task") {
		t.Errorf("Expected generic instruction, got %q", prompt)
	}
}

func TestHTTPClientComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("Missing api key header")
		}
		w.Write([]byte(`{"content":[{"text":"generated code"}]}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "test-key", "test-model", time.Second)
	resp, err := client.Complete(context.Background(), Request{
		TaskType: models.TaskGeneral,
		Payload:  models.Payload{Description: "hello"},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.GeneratedText != "generated code" {
		t.Errorf("Unexpected text: %q", resp.GeneratedText)
	}
}

func TestHTTPClientErrorWrapping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "k", "m", time.Second)
	_, err := client.Complete(context.Background(), Request{TaskType: models.TaskGeneral})
	if !errors.Is(err, ErrExternalService) {
		t.Fatalf("Expected ErrExternalService, got %v", err)
	}
}

func TestHTTPClientTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "k", "m", time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Complete(ctx, Request{TaskType: models.TaskGeneral})
	if !errors.Is(err, ErrExternalService) {
		t.Fatalf("Expected ErrExternalService on timeout, got %v", err)
	}
}
