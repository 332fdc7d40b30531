package speakerid

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIdentify(t *testing.T) {
	var gotBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/identify" {
			t.Errorf("path = %q", r.URL.Path)
		}
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"user_id": "alice", "confidence": 0.93}`))
	}))
	defer ts.Close()

	c, err := New(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	user, confidence, err := c.Identify(context.Background(), []byte{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if user != "alice" || confidence != 0.93 {
		t.Errorf("got %q/%v", user, confidence)
	}
	if len(gotBody) != 3 {
		t.Errorf("body = %v", gotBody)
	}
}

func TestIdentify_Unrecognised(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"user_id": "", "confidence": 0}`))
	}))
	defer ts.Close()

	c, _ := New(ts.URL)
	user, confidence, err := c.Identify(context.Background(), []byte{1})
	if err != nil || user != "" || confidence != 0 {
		t.Errorf("got %q/%v/%v, want empty result without error", user, confidence, err)
	}
}

func TestIdentify_Errors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	c, _ := New(ts.URL)
	if _, _, err := c.Identify(context.Background(), []byte{1}); err == nil {
		t.Error("bad status accepted")
	}
	if _, _, err := c.Identify(context.Background(), nil); err == nil {
		t.Error("empty audio accepted")
	}
	if _, err := New(""); err == nil {
		t.Error("empty baseURL accepted")
	}
}
