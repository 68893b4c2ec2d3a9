package asr_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/voxpipe/voxpipe"
	"github.com/voxpipe/voxpipe/asr"
)

type fakeTranscriber struct {
	id       string
	lang     string
	conf     float64
	err      error
	mu       sync.Mutex
	calls    []string // languages passed to Transcribe
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeTranscriber) ID() string { return f.id }

func (f *fakeTranscriber) Transcribe(_ context.Context, _ []byte, lang string) (*asr.Result, error) {
	cur := f.inFlight.Add(1)
	for {
		max := f.maxSeen.Load()
		if cur <= max || f.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}
	defer f.inFlight.Add(-1)

	f.mu.Lock()
	f.calls = append(f.calls, lang)
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	return &asr.Result{Text: "hello from " + f.id, DetectedLang: lang}, nil
}

func (f *fakeTranscriber) DetectLanguage(context.Context, []byte) (string, float64, error) {
	return f.lang, f.conf, nil
}

type fakeTranslator struct {
	id  string
	err error
}

func (f *fakeTranslator) ID() string { return f.id }

func (f *fakeTranslator) Translate(_ context.Context, text, _, tgt string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "[" + tgt + "] " + text, nil
}

func TestRouter_LanguageHintSelectsModel(t *testing.T) {
	primary := &fakeTranscriber{id: "whisper"}
	fallback := &fakeTranscriber{id: "omni"}
	r, err := asr.NewRouter(primary, fallback, nil)
	if err != nil {
		t.Fatal(err)
	}

	res, err := r.Transcribe(context.Background(), []byte("audio"), "hi", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.ModelID != "whisper" {
		t.Errorf("ModelID = %q, want whisper for primary language", res.ModelID)
	}

	res, err = r.Transcribe(context.Background(), []byte("audio"), "fr", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.ModelID != "omni" {
		t.Errorf("ModelID = %q, want omni for out-of-set language", res.ModelID)
	}
}

func TestRouter_NormalizesFullLanguageNames(t *testing.T) {
	primary := &fakeTranscriber{id: "whisper"}
	fallback := &fakeTranscriber{id: "omni"}
	r, err := asr.NewRouter(primary, fallback, nil)
	if err != nil {
		t.Fatal(err)
	}

	res, err := r.Transcribe(context.Background(), []byte("audio"), "Kannada", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.ModelID != "whisper" {
		t.Errorf("ModelID = %q, want whisper (kannada is a primary language)", res.ModelID)
	}
	if got := primary.calls[0]; got != "kn" {
		t.Errorf("model received lang %q, want normalized kn", got)
	}
}

func TestRouter_ForceModel(t *testing.T) {
	primary := &fakeTranscriber{id: "whisper"}
	fallback := &fakeTranscriber{id: "omni"}
	r, err := asr.NewRouter(primary, fallback, nil)
	if err != nil {
		t.Fatal(err)
	}

	res, err := r.Transcribe(context.Background(), []byte("audio"), "en", "omni")
	if err != nil {
		t.Fatal(err)
	}
	if res.ModelID != "omni" {
		t.Errorf("ModelID = %q, want forced omni", res.ModelID)
	}

	if _, err := r.Transcribe(context.Background(), []byte("audio"), "en", "nope"); !errors.Is(err, voxpipe.ErrModelUnavailable) {
		t.Errorf("forcing unknown model: err = %v, want ErrModelUnavailable", err)
	}
}

func TestRouter_DetectionRoutesRareLanguageToFallback(t *testing.T) {
	primary := &fakeTranscriber{id: "whisper", lang: "french", conf: 0.93}
	fallback := &fakeTranscriber{id: "omni"}
	r, err := asr.NewRouter(primary, fallback, nil)
	if err != nil {
		t.Fatal(err)
	}

	res, err := r.Transcribe(context.Background(), []byte("audio"), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.ModelID != "omni" {
		t.Errorf("ModelID = %q, want omni", res.ModelID)
	}
	if res.DetectedLang != "french" && res.DetectedLang != "fr" {
		t.Errorf("DetectedLang = %q", res.DetectedLang)
	}
	if res.Confidence != 0.93 {
		t.Errorf("Confidence = %v, want 0.93", res.Confidence)
	}
}

func TestRouter_DetectionKeepsPrimaryLanguageOnPrimary(t *testing.T) {
	primary := &fakeTranscriber{id: "whisper", lang: "telugu", conf: 0.88}
	fallback := &fakeTranscriber{id: "omni"}
	r, err := asr.NewRouter(primary, fallback, nil)
	if err != nil {
		t.Fatal(err)
	}

	res, err := r.Transcribe(context.Background(), []byte("audio"), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.ModelID != "whisper" {
		t.Errorf("ModelID = %q, want whisper", res.ModelID)
	}
	if res.DetectedLang != "te" {
		t.Errorf("DetectedLang = %q, want te", res.DetectedLang)
	}
}

func TestRouter_DegradedFallback(t *testing.T) {
	primary := &fakeTranscriber{id: "whisper"}
	fallback := &fakeTranscriber{id: "omni", err: voxpipe.ErrModelUnavailable}
	r, err := asr.NewRouter(primary, fallback, nil, asr.WithDegradedFallback(true))
	if err != nil {
		t.Fatal(err)
	}

	res, err := r.Transcribe(context.Background(), []byte("audio"), "fr", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.ModelID != "whisper" {
		t.Errorf("ModelID = %q, want whisper after degrade", res.ModelID)
	}
	// Degraded runs with no language hint.
	if got := primary.calls[0]; got != "" {
		t.Errorf("degraded primary call received lang %q, want empty", got)
	}
	if res.DetectedLang != "fr" {
		t.Errorf("DetectedLang = %q, want fr preserved", res.DetectedLang)
	}
}

func TestRouter_DegradedFallbackDisabled(t *testing.T) {
	primary := &fakeTranscriber{id: "whisper"}
	fallback := &fakeTranscriber{id: "omni", err: voxpipe.ErrModelUnavailable}
	r, err := asr.NewRouter(primary, fallback, nil, asr.WithDegradedFallback(false))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.Transcribe(context.Background(), []byte("audio"), "fr", ""); !errors.Is(err, voxpipe.ErrModelUnavailable) {
		t.Errorf("err = %v, want ErrModelUnavailable", err)
	}
}

func TestRouter_NoFallbackConfigured(t *testing.T) {
	primary := &fakeTranscriber{id: "whisper"}
	r, err := asr.NewRouter(primary, nil, nil, asr.WithDegradedFallback(true))
	if err != nil {
		t.Fatal(err)
	}

	res, err := r.Transcribe(context.Background(), []byte("audio"), "fr", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.ModelID != "whisper" {
		t.Errorf("ModelID = %q, want whisper", res.ModelID)
	}
}

func TestRouter_ConcurrencyGate(t *testing.T) {
	primary := &fakeTranscriber{id: "whisper"}
	r, err := asr.NewRouter(primary, nil, nil, asr.WithPrimaryConcurrency(2))
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Transcribe(context.Background(), []byte("audio"), "en", ""); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if max := primary.maxSeen.Load(); max > 2 {
		t.Errorf("observed %d concurrent transcriptions, gate allows 2", max)
	}
}

func TestRouter_Translate(t *testing.T) {
	primary := &fakeTranscriber{id: "whisper"}
	r, err := asr.NewRouter(primary, nil, &fakeTranslator{id: "indictrans"})
	if err != nil {
		t.Fatal(err)
	}

	out, err := r.Translate(context.Background(), "hello", "en", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if out != "[hi] hello" {
		t.Errorf("Translate = %q", out)
	}
}

func TestRouter_TranslateWithoutTranslator(t *testing.T) {
	primary := &fakeTranscriber{id: "whisper"}
	r, err := asr.NewRouter(primary, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.Translate(context.Background(), "hello", "en", "hi"); !errors.Is(err, voxpipe.ErrModelUnavailable) {
		t.Errorf("err = %v, want ErrModelUnavailable", err)
	}
}
