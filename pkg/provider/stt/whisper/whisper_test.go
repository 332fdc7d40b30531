package whisper_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/renfield-ai/renfield/pkg/provider/stt"
	"github.com/renfield-ai/renfield/pkg/provider/stt/whisper"
)

func TestTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inference" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("missing file field: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		f.Close()
		if got := r.FormValue("language"); got != "de" {
			t.Errorf("language field = %q, want de", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"text":     "  Schalte das Licht im Wohnzimmer ein. ",
			"language": "de",
		})
	}))
	defer srv.Close()

	p, err := whisper.New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := p.Transcribe(context.Background(), stt.Request{
		Audio:    []byte("RIFF-fake-wav"),
		Language: "de",
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "Schalte das Licht im Wohnzimmer ein." {
		t.Errorf("Text = %q", res.Text)
	}
	if res.Language != "de" {
		t.Errorf("Language = %q, want de", res.Language)
	}
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	p, err := whisper.New("http://127.0.0.1:19999")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Transcribe(context.Background(), stt.Request{}); err == nil {
		t.Fatal("expected error for empty audio")
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, err := whisper.New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte("x")}); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestTranscribe_ErrorField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "failed to decode audio"})
	}))
	defer srv.Close()

	p, err := whisper.New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte("x")}); err == nil {
		t.Fatal("expected error from server error field")
	}
}

func TestNew_EmptyURL(t *testing.T) {
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty baseURL")
	}
}
