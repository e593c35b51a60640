package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDeepgramTranscribe(t *testing.T) {
	var gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"results": {"channels": [{"alternatives": [
				{"transcript": "check my order status", "confidence": 0.97}
			]}]}
		}`))
	}))
	defer srv.Close()

	c := NewDeepgramClient(srv.URL, "dg-key")
	got, err := c.Transcribe(context.Background(), []byte("audio"))
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if got != "check my order status" {
		t.Fatalf("unexpected transcript %q", got)
	}
	if gotAuth != "Token dg-key" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotQuery != "model=nova-2&punctuate=true&smart_format=true" {
		t.Fatalf("unexpected query %q", gotQuery)
	}
}

func TestDeepgramTranscribeEmptyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results": {"channels": []}}`))
	}))
	defer srv.Close()

	c := NewDeepgramClient(srv.URL, "dg-key")
	got, err := c.Transcribe(context.Background(), []byte("audio"))
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty transcript, got %q", got)
	}
}

func TestDeepgramTranscribeErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad audio", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewDeepgramClient(srv.URL, "dg-key")
	if _, err := c.Transcribe(context.Background(), []byte("audio")); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}
