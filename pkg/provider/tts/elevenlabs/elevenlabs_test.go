package elevenlabs

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

func TestStreamURL(t *testing.T) {
	t.Parallel()

	p, _ := New("key", WithModel("eleven_turbo_v2"), WithOutputFormat("pcm_16000"))
	raw := p.streamURL("voice 1")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Scheme != "wss" {
		t.Errorf("scheme = %q, want wss", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/voice 1/stream-input") {
		t.Errorf("path = %q", u.Path)
	}
	if got := u.Query().Get("model_id"); got != "eleven_turbo_v2" {
		t.Errorf("model_id = %q", got)
	}
	if got := u.Query().Get("output_format"); got != "pcm_16000" {
		t.Errorf("output_format = %q", got)
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel || p.outputFormat != defaultOutputFmt {
		t.Errorf("defaults = %q/%q", p.model, p.outputFormat)
	}
}

func TestSynthesizeStream_EmptyVoice(t *testing.T) {
	t.Parallel()
	p, _ := New("key")
	if _, err := p.SynthesizeStream(context.Background(), make(chan string), tts.VoiceProfile{}); err == nil {
		t.Fatal("expected error for empty voice ID")
	}
}

// fakeElevenLabs echoes every text fragment back as base64 "audio" and sends
// a final message after the empty flush fragment.
type fakeElevenLabs struct {
	mu       sync.Mutex
	received []textMessage
}

func (f *fakeElevenLabs) handler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/v1/voices" {
		if r.Header.Get("xi-api-key") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"voices":[{"voice_id":"v1","name":"Rachel","category":"premade","labels":{"accent":"american"}}]}`))
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()
	for {
		var msg textMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		f.mu.Lock()
		f.received = append(f.received, msg)
		f.mu.Unlock()
		switch {
		case msg.Text == "":
			_ = wsjson.Write(ctx, conn, audioResponse{IsFinal: true})
			return
		case strings.TrimSpace(msg.Text) == "":
		default:
			audio := base64.StdEncoding.EncodeToString([]byte(strings.TrimSpace(msg.Text)))
			_ = wsjson.Write(ctx, conn, audioResponse{Audio: audio})
		}
	}
}

func TestSynthesizeStream_RoundTrip(t *testing.T) {
	t.Parallel()

	fake := &fakeElevenLabs{}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	t.Cleanup(srv.Close)

	p, _ := New("key", WithBaseURL(srv.URL))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	text := make(chan string, 3)
	text <- "Hello there."
	text <- "  "
	text <- "How are you?"
	close(text)

	audio, err := p.SynthesizeStream(ctx, text, tts.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}

	var got []string
	for chunk := range audio {
		got = append(got, string(chunk))
	}
	if len(got) != 2 || got[0] != "Hello there." || got[1] != "How are you?" {
		t.Errorf("audio = %q", got)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.received) == 0 || fake.received[0].XiAPIKey != "key" {
		t.Error("first message should carry the API key")
	}
}

func TestListVoices(t *testing.T) {
	t.Parallel()

	fake := &fakeElevenLabs{}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	t.Cleanup(srv.Close)

	p, _ := New("key", WithBaseURL(srv.URL))
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 1 {
		t.Fatalf("voices = %d, want 1", len(voices))
	}
	v := voices[0]
	if v.ID != "v1" || v.Name != "Rachel" || v.Provider != "elevenlabs" {
		t.Errorf("voice = %+v", v)
	}
	if v.Metadata["category"] != "premade" || v.Metadata["accent"] != "american" {
		t.Errorf("metadata = %v", v.Metadata)
	}

	bad, _ := New("wrong", WithBaseURL(srv.URL))
	if _, err := bad.ListVoices(context.Background()); err == nil {
		t.Error("expected error for rejected key")
	}
}
