package worker

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/voxpipe/voxpipe"
	"github.com/voxpipe/voxpipe/asr"
	"github.com/voxpipe/voxpipe/batch"
	"github.com/voxpipe/voxpipe/envelope"
	"github.com/voxpipe/voxpipe/storage"
)

// Pipeline executes one attempt of a task and returns its outcome. A nil
// error with Outcome.Success=false is not used; pipelines signal failure
// through the error return and the executor builds the failed outcome.
type Pipeline func(ctx context.Context, e *envelope.Envelope) (*batch.Outcome, error)

// Registry maps job types to pipelines. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	pipelines map[batch.JobType]Pipeline
}

// NewRegistry creates an empty pipeline registry.
func NewRegistry() *Registry {
	return &Registry{pipelines: make(map[batch.JobType]Pipeline)}
}

// Register binds a pipeline to a job type, replacing any previous one.
func (r *Registry) Register(jt batch.JobType, p Pipeline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelines[jt] = p
}

// Get returns the pipeline for a job type.
func (r *Registry) Get(jt batch.JobType) (Pipeline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[jt]
	return p, ok
}

// MediaPipeline builds the standard transcription/translation pipeline
// over a model router and blob store. Register it for all three job
// types; it branches on the envelope's JobType.
func MediaPipeline(router *asr.Router, blobs storage.Store, opts ...MediaOption) Pipeline {
	p := &mediaPipeline{
		router: router,
		blobs:  blobs,
		client: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p.run
}

// MediaOption configures the media pipeline.
type MediaOption func(*mediaPipeline)

// WithMediaHTTPClient replaces the client used to download remote audio.
func WithMediaHTTPClient(c *http.Client) MediaOption {
	return func(p *mediaPipeline) {
		if c != nil {
			p.client = c
		}
	}
}

type mediaPipeline struct {
	router *asr.Router
	blobs  storage.Store
	client *http.Client
}

func (p *mediaPipeline) run(ctx context.Context, e *envelope.Envelope) (*batch.Outcome, error) {
	out := &batch.Outcome{}

	// Step 1: transcription for job types that consume audio.
	if e.JobType.NeedsAudio() {
		audio, err := p.fetchAudio(ctx, e)
		if err != nil {
			return nil, fmt.Errorf("fetch audio: %w", err)
		}

		res, err := p.router.Transcribe(ctx, audio, e.SrcLang, "")
		if err != nil {
			return nil, err
		}
		out.Transcript = res.Text
		out.DetectedLang = res.DetectedLang
		out.ModelUsed = res.ModelID
	}

	// Step 2: translation.
	if e.JobType.NeedsTranslation() {
		text := out.Transcript
		if e.JobType == batch.JobTypeNMT {
			text = e.Input.Ref
		}
		if text != "" {
			if e.TgtLang == "" {
				return nil, fmt.Errorf("translation requires a target language")
			}
			srcLang := e.SrcLang
			if srcLang == "" {
				srcLang = out.DetectedLang
			}
			if srcLang == "" {
				srcLang = "en"
			}
			translated, err := p.router.Translate(ctx, text, srcLang, e.TgtLang)
			if err != nil {
				return nil, err
			}
			out.Translation = translated
			if out.ModelUsed == "" {
				out.ModelUsed = p.router.TranslatorID()
			}
		}
	}

	out.Success = true
	return out, nil
}

// fetchAudio resolves the envelope's input to raw audio bytes. URL
// inputs pointing inside the blob store namespace are read directly from
// storage; anything else is downloaded over HTTP.
func (p *mediaPipeline) fetchAudio(ctx context.Context, e *envelope.Envelope) ([]byte, error) {
	switch e.Input.Kind {
	case batch.InputAudioURL:
		if p.blobs != nil && strings.HasPrefix(e.Input.Ref, "jobs/") {
			return p.blobs.Fetch(ctx, e.Input.Ref)
		}
		return p.download(ctx, e.Input.Ref)
	case batch.InputAudioB64:
		data, err := base64.StdEncoding.DecodeString(e.Input.Ref)
		if err != nil {
			return nil, fmt.Errorf("decode base64 audio: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("input kind %q cannot provide audio: %w", e.Input.Kind, voxpipe.ErrNoPipeline)
	}
}

func (p *mediaPipeline) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
