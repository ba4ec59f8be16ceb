package elevenlabs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/relayline/frontdesk/pkg/types"
)

// ---- Synthesize ----

// newTestProvider returns a Provider whose HTTP client is rewired to hit the
// given test server regardless of the request host.
func newTestProvider(t *testing.T, srv *httptest.Server) *Provider {
	t.Helper()
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.httpClient = srv.Client()
	p.httpClient.Transport = rewriteTransport{srv: srv}
	return p
}

// rewriteTransport redirects every request to the test server.
type rewriteTransport struct {
	srv *httptest.Server
}

func (rt rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = strings.TrimPrefix(rt.srv.URL, "http://")
	return http.DefaultTransport.RoundTrip(req)
}

func TestSynthesize_RequestShape(t *testing.T) {
	var gotPath, gotQuery, gotKey string
	var gotBody synthesizeRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("output_format")
		gotKey = r.Header.Get("xi-api-key")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Write([]byte{0x01, 0x02, 0x03})
	}))
	defer srv.Close()

	p := newTestProvider(t, srv)
	voice := types.VoiceProfile{ID: "voice-abc123", Name: "Sarah"}

	samples, err := p.Synthesize(t.Context(), "Hello there.", voice)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if gotPath != "/v1/text-to-speech/voice-abc123" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotQuery != "ulaw_8000" {
		t.Errorf("expected output_format ulaw_8000, got %q", gotQuery)
	}
	if gotKey != "test-key" {
		t.Errorf("expected api key header, got %q", gotKey)
	}
	if gotBody.Text != "Hello there." {
		t.Errorf("expected text in body, got %q", gotBody.Text)
	}
	if gotBody.ModelID != "eleven_flash_v2_5" {
		t.Errorf("expected default model, got %q", gotBody.ModelID)
	}
	if gotBody.VoiceSettings.Stability != 0.5 {
		t.Errorf("expected stability 0.5, got %f", gotBody.VoiceSettings.Stability)
	}
	if gotBody.VoiceSettings.SimilarityBoost != 0.8 {
		t.Errorf("expected similarity 0.8, got %f", gotBody.VoiceSettings.SimilarityBoost)
	}
	if gotBody.VoiceSettings.UseSpeakerBoost {
		t.Error("expected speaker boost off")
	}
	if !bytes.Equal(samples, []byte{0x01, 0x02, 0x03}) {
		t.Errorf("unexpected samples %v", samples)
	}
}

func TestSynthesize_StripsWAVHeader(t *testing.T) {
	raw := []byte{0xAA, 0xBB, 0xCC}
	wav := make([]byte, 44)
	copy(wav, "RIFF")
	wav = append(wav, raw...)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(wav)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv)
	samples, err := p.Synthesize(t.Context(), "Hi.", types.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !bytes.Equal(samples, raw) {
		t.Errorf("expected stripped samples %v, got %v", raw, samples)
	}
}

func TestSynthesize_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"quota exceeded"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv)
	_, err := p.Synthesize(t.Context(), "Hi.", types.VoiceProfile{ID: "v1"})
	if err == nil {
		t.Fatal("expected error for non-200 status")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("expected status in error, got %v", err)
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Synthesize(t.Context(), "", types.VoiceProfile{ID: "v1"}); err == nil {
		t.Error("expected error for empty text")
	}
}

func TestSynthesize_MissingVoiceID(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Synthesize(t.Context(), "Hi.", types.VoiceProfile{}); err == nil {
		t.Error("expected error for missing voice ID")
	}
}

// ---- voices parsing ----

func TestParseVoicesResponse(t *testing.T) {
	raw := []byte(`{
		"voices": [
			{"voice_id": "v1", "name": "Sarah", "labels": {"accent": "American", "gender": "female"}},
			{"voice_id": "v2", "name": "George", "labels": {"accent": "British", "gender": "male"}}
		]
	}`)

	profiles, err := parseVoicesResponse(raw)
	if err != nil {
		t.Fatalf("parseVoicesResponse: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(profiles))
	}
	if profiles[0].ID != "v1" || profiles[0].Name != "Sarah" {
		t.Errorf("unexpected first profile: %+v", profiles[0])
	}
	if profiles[0].Accent != "American" || profiles[0].Gender != "female" {
		t.Errorf("expected labels mapped, got %+v", profiles[0])
	}
	if profiles[1].Provider != "elevenlabs" {
		t.Errorf("expected provider elevenlabs, got %q", profiles[1].Provider)
	}
}

func TestParseVoicesResponse_Invalid(t *testing.T) {
	if _, err := parseVoicesResponse([]byte(`{invalid`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

// ---- Constructor ----

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Options(t *testing.T) {
	p, err := New("key", WithModel("eleven_turbo_v2"), WithOutputFormat("pcm_16000"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "eleven_turbo_v2" {
		t.Errorf("expected model override, got %q", p.model)
	}
	if p.outputFormat != "pcm_16000" {
		t.Errorf("expected output format override, got %q", p.outputFormat)
	}
}

func TestSynthesizeEndpointFormat(t *testing.T) {
	got := fmt.Sprintf(synthesizeEndpointFmt, "voice-x", "ulaw_8000")
	want := "https://api.elevenlabs.io/v1/text-to-speech/voice-x?output_format=ulaw_8000"
	if got != want {
		t.Errorf("endpoint = %q, want %q", got, want)
	}
}
