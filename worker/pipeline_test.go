package worker_test

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxpipe/voxpipe/asr"
	"github.com/voxpipe/voxpipe/batch"
	"github.com/voxpipe/voxpipe/envelope"
	"github.com/voxpipe/voxpipe/id"
	"github.com/voxpipe/voxpipe/storage"
	"github.com/voxpipe/voxpipe/worker"
)

type stubTranscriber struct {
	id string
}

func (s *stubTranscriber) ID() string { return s.id }

func (s *stubTranscriber) Transcribe(_ context.Context, audio []byte, lang string) (*asr.Result, error) {
	return &asr.Result{
		Text:    fmt.Sprintf("transcript(%d bytes, lang=%s)", len(audio), lang),
		ModelID: s.id,
	}, nil
}

func (s *stubTranscriber) DetectLanguage(_ context.Context, _ []byte) (string, float64, error) {
	return "hi", 0.95, nil
}

type stubTranslator struct{}

func (s *stubTranslator) ID() string { return "nmt-stub" }

func (s *stubTranslator) Translate(_ context.Context, text, srcLang, tgtLang string) (string, error) {
	return fmt.Sprintf("%s→%s: %s", srcLang, tgtLang, text), nil
}

func newTestRouter(t *testing.T) *asr.Router {
	t.Helper()
	r, err := asr.NewRouter(&stubTranscriber{id: "whisper-stub"}, nil, &stubTranslator{})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return r
}

func newMediaEnvelope(jt batch.JobType, in batch.Input) *envelope.Envelope {
	return &envelope.Envelope{
		TaskID:  id.NewTaskID(),
		BatchID: id.NewBatchID(),
		JobType: jt,
		Input:   in,
		SrcLang: "hi",
		TgtLang: "en",
	}
}

func TestMediaPipeline_TranscribesBase64Audio(t *testing.T) {
	p := worker.MediaPipeline(newTestRouter(t), nil)

	audio := []byte("fake wav bytes")
	env := newMediaEnvelope(batch.JobTypeASR, batch.Input{
		Kind: batch.InputAudioB64,
		Ref:  base64.StdEncoding.EncodeToString(audio),
	})

	out, err := p(context.Background(), env)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if !out.Success {
		t.Error("expected Success")
	}
	if out.Transcript != fmt.Sprintf("transcript(%d bytes, lang=hi)", len(audio)) {
		t.Errorf("Transcript = %q", out.Transcript)
	}
	if out.ModelUsed != "whisper-stub" {
		t.Errorf("ModelUsed = %q", out.ModelUsed)
	}
	if out.Translation != "" {
		t.Errorf("unexpected Translation %q for transcription-only job", out.Translation)
	}
}

func TestMediaPipeline_DownloadsRemoteAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("remote audio"))
	}))
	defer srv.Close()

	p := worker.MediaPipeline(newTestRouter(t), nil, worker.WithMediaHTTPClient(srv.Client()))

	env := newMediaEnvelope(batch.JobTypeASR, batch.Input{Kind: batch.InputAudioURL, Ref: srv.URL})
	out, err := p(context.Background(), env)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if out.Transcript != fmt.Sprintf("transcript(%d bytes, lang=hi)", len("remote audio")) {
		t.Errorf("Transcript = %q", out.Transcript)
	}
}

func TestMediaPipeline_FetchesStoredAudio(t *testing.T) {
	blobs := storage.NewMemoryStore()
	key := storage.InputKey("batch_x", "task_y", "audio/wav")
	if err := blobs.Put(context.Background(), key, []byte("stored audio"), "audio/wav"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	p := worker.MediaPipeline(newTestRouter(t), blobs)

	env := newMediaEnvelope(batch.JobTypeASR, batch.Input{Kind: batch.InputAudioURL, Ref: key})
	out, err := p(context.Background(), env)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if out.Transcript != fmt.Sprintf("transcript(%d bytes, lang=hi)", len("stored audio")) {
		t.Errorf("Transcript = %q", out.Transcript)
	}
}

func TestMediaPipeline_TranslatesTextInput(t *testing.T) {
	p := worker.MediaPipeline(newTestRouter(t), nil)

	env := newMediaEnvelope(batch.JobTypeNMT, batch.Input{Kind: batch.InputText, Ref: "namaste"})
	out, err := p(context.Background(), env)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if out.Translation != "hi→en: namaste" {
		t.Errorf("Translation = %q", out.Translation)
	}
	if out.Transcript != "" {
		t.Errorf("unexpected Transcript %q for text job", out.Transcript)
	}
}

func TestMediaPipeline_ChainsTranscriptionIntoTranslation(t *testing.T) {
	p := worker.MediaPipeline(newTestRouter(t), nil)

	audio := []byte("audio")
	env := newMediaEnvelope(batch.JobTypeASRNMT, batch.Input{
		Kind: batch.InputAudioB64,
		Ref:  base64.StdEncoding.EncodeToString(audio),
	})

	out, err := p(context.Background(), env)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	want := fmt.Sprintf("hi→en: transcript(%d bytes, lang=hi)", len(audio))
	if out.Translation != want {
		t.Errorf("Translation = %q, want %q", out.Translation, want)
	}
}

func TestMediaPipeline_TranslationRequiresTargetLang(t *testing.T) {
	p := worker.MediaPipeline(newTestRouter(t), nil)

	env := newMediaEnvelope(batch.JobTypeNMT, batch.Input{Kind: batch.InputText, Ref: "namaste"})
	env.TgtLang = ""

	if _, err := p(context.Background(), env); err == nil {
		t.Fatal("expected error for missing target language")
	}
}

func TestMediaPipeline_BadBase64Fails(t *testing.T) {
	p := worker.MediaPipeline(newTestRouter(t), nil)

	env := newMediaEnvelope(batch.JobTypeASR, batch.Input{Kind: batch.InputAudioB64, Ref: "%%not-base64%%"})
	if _, err := p(context.Background(), env); err == nil {
		t.Fatal("expected error for invalid base64 input")
	}
}
