package node

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPRequestNode_Validate(t *testing.T) {
	n := &HTTPRequestNode{}
	if v := n.Validate(map[string]any{"url": "https://api.example.com/v1"}); !v.Valid {
		t.Errorf("valid url rejected: %v", v.Errors)
	}
	if v := n.Validate(map[string]any{"url": "https://api.example.com/{{user.id}}"}); !v.Valid {
		t.Errorf("templated url rejected: %v", v.Errors)
	}
	if v := n.Validate(map[string]any{}); v.Valid {
		t.Error("missing url accepted")
	}
	if v := n.Validate(map[string]any{"url": "not a url"}); v.Valid {
		t.Error("malformed url accepted")
	}
	if v := n.Validate(map[string]any{"url": "https://x.test", "method": "TRACE"}); v.Valid {
		t.Error("unsupported method accepted")
	}
}

func TestHTTPRequestNode_Get(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/u1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name": "jane"}`))
	}))
	defer srv.Close()

	n := &HTTPRequestNode{Client: srv.Client()}
	data := map[string]any{"user": map[string]any{"id": "u1"}}
	config := map[string]any{"url": srv.URL + "/users/{{user.id}}"}
	out, err := n.Execute(context.Background(), nodeInput(data, config), testRC(t))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Data["status"] != 200 {
		t.Errorf("status = %v", out.Data["status"])
	}
	body, ok := out.Data["body"].(map[string]any)
	if !ok {
		t.Fatalf("json body not decoded, got %T", out.Data["body"])
	}
	if body["name"] != "jane" {
		t.Errorf("body = %v", body)
	}
}

func TestHTTPRequestNode_PostBody(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &received)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	n := &HTTPRequestNode{Client: srv.Client()}
	data := map[string]any{"name": "jane"}
	config := map[string]any{
		"url":    srv.URL,
		"method": "POST",
		"body":   map[string]any{"user": "{{name}}"},
	}
	out, err := n.Execute(context.Background(), nodeInput(data, config), testRC(t))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Data["status"] != 201 {
		t.Errorf("status = %v", out.Data["status"])
	}
	if received["user"] != "jane" {
		t.Errorf("server received %v", received)
	}
}

func TestHTTPRequestNode_Headers(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("X-Token")
	}))
	defer srv.Close()

	n := &HTTPRequestNode{Client: srv.Client()}
	data := map[string]any{"token": "t-123"}
	config := map[string]any{
		"url":     srv.URL,
		"headers": map[string]any{"X-Token": "{{token}}"},
	}
	if _, err := n.Execute(context.Background(), nodeInput(data, config), testRC(t)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if auth != "t-123" {
		t.Errorf("header = %q", auth)
	}
}

func TestHTTPRequestNode_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := &HTTPRequestNode{Client: srv.Client()}

	t.Run("status returned by default", func(t *testing.T) {
		out, err := n.Execute(context.Background(), nodeInput(nil, map[string]any{"url": srv.URL}), testRC(t))
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if out.Data["status"] != 502 {
			t.Errorf("status = %v", out.Data["status"])
		}
	})

	t.Run("failOnError turns status into error", func(t *testing.T) {
		config := map[string]any{"url": srv.URL, "failOnError": true}
		if _, err := n.Execute(context.Background(), nodeInput(nil, config), testRC(t)); err == nil {
			t.Fatal("expected error for 502 with failOnError")
		}
	})
}

func TestHTTPRequestNode_NetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // closed server: connection refused

	n := &HTTPRequestNode{}
	_, err := n.Execute(context.Background(), nodeInput(nil, map[string]any{"url": srv.URL}), testRC(t))
	if err == nil {
		t.Fatal("expected network error")
	}
}
