package voice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestOpenAITranscriberPostsMultipart(t *testing.T) {
	var gotModel, gotFormat, gotFile, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openai/v1/audio/transcriptions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm() error = %v", err)
		}
		gotAuth = r.Header.Get("Authorization")
		gotModel = r.FormValue("model")
		gotFormat = r.FormValue("response_format")
		if _, hdr, err := r.FormFile("file"); err == nil {
			gotFile = hdr.Filename
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"text":     "  I have had a fever since Monday ",
			"language": "english",
			"duration": 1.5,
		})
	}))
	defer srv.Close()

	tr, err := NewOpenAITranscriber(OpenAITranscriberConfig{
		APIKey:  "test-key",
		BaseURL: srv.URL + "/openai/v1/",
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("NewOpenAITranscriber() error = %v", err)
	}

	out, err := tr.Transcribe(context.Background(), []byte("RIFF....WAVE"), "audio/wav")
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if out.Text != "I have had a fever since Monday" {
		t.Fatalf("Text = %q", out.Text)
	}
	if out.Duration != 1500*time.Millisecond {
		t.Fatalf("Duration = %v, want 1.5s", out.Duration)
	}
	if gotModel != DefaultSTTModel {
		t.Fatalf("model = %q, want %q", gotModel, DefaultSTTModel)
	}
	if gotFormat != "verbose_json" {
		t.Fatalf("response_format = %q, want verbose_json", gotFormat)
	}
	if gotFile != "uploaded.wav" {
		t.Fatalf("file name = %q, want uploaded.wav", gotFile)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
}

func TestOpenAITranscriberSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":{"message":"upstream down","type":"server_error"}}`))
	}))
	defer srv.Close()

	tr, err := NewOpenAITranscriber(OpenAITranscriberConfig{APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewOpenAITranscriber() error = %v", err)
	}
	if _, err := tr.Transcribe(context.Background(), []byte{1, 2}, "audio/webm"); err == nil {
		t.Fatalf("Transcribe() error = nil, want error")
	}
	if _, err := tr.Transcribe(context.Background(), nil, "audio/webm"); err == nil {
		t.Fatalf("Transcribe(empty) error = nil, want error")
	}
}

func TestNewOpenAITranscriberRequiresKey(t *testing.T) {
	if _, err := NewOpenAITranscriber(OpenAITranscriberConfig{}); err == nil {
		t.Fatalf("NewOpenAITranscriber() error = nil, want error")
	}
}

func TestUploadName(t *testing.T) {
	cases := map[string]string{
		"audio/wav":              "uploaded.wav",
		"audio/webm;codecs=opus": "uploaded.webm",
		"":                       "uploaded.webm",
		"audio/mpeg":             "uploaded.mp3",
	}
	for in, want := range cases {
		if got := uploadName(in); got != want {
			t.Fatalf("uploadName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFailoverTranscriberSwitchesAndSticks(t *testing.T) {
	ctx := context.Background()
	var primaryCalls, fallbackCalls int
	primaryDown := true

	primary := TranscriberFunc(func(context.Context, []byte, string) (Transcript, error) {
		primaryCalls++
		if primaryDown {
			return Transcript{}, errors.New("primary unavailable")
		}
		return Transcript{Text: "primary"}, nil
	})
	fallbackDown := false
	fallback := TranscriberFunc(func(context.Context, []byte, string) (Transcript, error) {
		fallbackCalls++
		if fallbackDown {
			return Transcript{}, errors.New("fallback unavailable")
		}
		return Transcript{Text: "fallback"}, nil
	})

	f := NewFailoverTranscriber(primary, fallback)
	for i := 0; i < 2; i++ {
		out, err := f.Transcribe(ctx, []byte{1}, "audio/wav")
		if err != nil || out.Text != "fallback" {
			t.Fatalf("Transcribe() = (%q, %v), want fallback", out.Text, err)
		}
	}
	if primaryCalls != 1 || fallbackCalls != 2 {
		t.Fatalf("calls primary=%d fallback=%d, want 1 and 2", primaryCalls, fallbackCalls)
	}
	if !f.FallbackActive() {
		t.Fatalf("FallbackActive() = false, want true")
	}

	primaryDown, fallbackDown = false, true
	out, err := f.Transcribe(ctx, []byte{1}, "audio/wav")
	if err != nil || out.Text != "primary" {
		t.Fatalf("Transcribe() = (%q, %v), want primary", out.Text, err)
	}
	if f.FallbackActive() {
		t.Fatalf("FallbackActive() = true after primary recovered")
	}
}

func TestMockTranscriber(t *testing.T) {
	m := NewMockTranscriber()
	if _, err := m.Transcribe(context.Background(), nil, "audio/wav"); err == nil {
		t.Fatalf("Transcribe(empty) error = nil, want error")
	}
	out, err := m.Transcribe(context.Background(), []byte{1, 2}, "audio/webm")
	if err != nil || out.Text != "simulated voice input" {
		t.Fatalf("Transcribe() = (%q, %v)", out.Text, err)
	}
	if m.Calls() != 2 {
		t.Fatalf("Calls() = %d, want 2", m.Calls())
	}
}
