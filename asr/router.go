package asr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/voxpipe/voxpipe"
)

// langNames maps model-reported language names to the short codes used
// throughout the system. Codes already in short form pass through.
var langNames = map[string]string{
	"english":   "en",
	"hindi":     "hi",
	"kannada":   "kn",
	"marathi":   "mr",
	"telugu":    "te",
	"malayalam": "ml",
	"tamil":     "ta",
}

// NormalizeLang lowercases a language identifier and collapses known
// full names to their short codes.
func NormalizeLang(lang string) string {
	l := strings.ToLower(strings.TrimSpace(lang))
	if code, ok := langNames[l]; ok {
		return code
	}
	return l
}

// Router selects a transcriber per task and serializes access to each
// model through weighted semaphores. It is safe for concurrent use.
type Router struct {
	primary    Transcriber
	fallback   Transcriber
	translator Translator

	primaryGate   *semaphore.Weighted
	fallbackGate  *semaphore.Weighted
	translateGate *semaphore.Weighted

	primaryLangs     map[string]struct{}
	degradedFallback bool
	logger           *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithPrimaryConcurrency caps concurrent calls into the primary model.
func WithPrimaryConcurrency(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.primaryGate = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithFallbackConcurrency caps concurrent calls into the fallback model.
func WithFallbackConcurrency(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.fallbackGate = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithTranslateConcurrency caps concurrent calls into the translator.
func WithTranslateConcurrency(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.translateGate = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithPrimaryLanguages replaces the set of languages served by the
// primary model. Codes are normalized before matching.
func WithPrimaryLanguages(langs ...string) RouterOption {
	return func(r *Router) {
		r.primaryLangs = make(map[string]struct{}, len(langs))
		for _, l := range langs {
			r.primaryLangs[NormalizeLang(l)] = struct{}{}
		}
	}
}

// WithDegradedFallback controls whether an unavailable fallback model
// degrades to the primary model instead of failing the task.
func WithDegradedFallback(enabled bool) RouterOption {
	return func(r *Router) { r.degradedFallback = enabled }
}

// WithRouterLogger sets the structured logger.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRouter creates a Router. The primary transcriber is required; the
// fallback transcriber and translator may be nil when the deployment
// does not need them.
func NewRouter(primary Transcriber, fallback Transcriber, translator Translator, opts ...RouterOption) (*Router, error) {
	if primary == nil {
		return nil, fmt.Errorf("asr: primary transcriber is required: %w", voxpipe.ErrModelUnavailable)
	}
	cfg := voxpipe.DefaultConfig()
	r := &Router{
		primary:          primary,
		fallback:         fallback,
		translator:       translator,
		primaryGate:      semaphore.NewWeighted(int64(cfg.PrimaryConcurrency)),
		fallbackGate:     semaphore.NewWeighted(int64(cfg.FallbackConcurrency)),
		translateGate:    semaphore.NewWeighted(int64(cfg.TranslateConcurrency)),
		degradedFallback: cfg.DegradedFallback,
		logger:           slog.Default(),
	}
	WithPrimaryLanguages(cfg.PrimaryLanguages...)(r)
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// isPrimary reports whether the primary model serves the language.
func (r *Router) isPrimary(lang string) bool {
	_, ok := r.primaryLangs[NormalizeLang(lang)]
	return ok
}

// Transcribe converts audio to text, selecting a model from the language
// hint. Empty lang triggers detection-based routing. forceModel pins the
// choice to a specific transcriber ID when non-empty.
func (r *Router) Transcribe(ctx context.Context, audio []byte, lang, forceModel string) (*Result, error) {
	if lang == "" && forceModel == "" {
		return r.transcribeWithDetection(ctx, audio)
	}

	usePrimary := true
	switch {
	case forceModel != "":
		switch forceModel {
		case r.primary.ID():
			usePrimary = true
		default:
			if r.fallback == nil || forceModel != r.fallback.ID() {
				return nil, fmt.Errorf("asr: no model %q: %w", forceModel, voxpipe.ErrModelUnavailable)
			}
			usePrimary = false
		}
	case lang != "":
		usePrimary = r.isPrimary(lang)
	}

	if usePrimary {
		return r.transcribePrimary(ctx, audio, NormalizeLang(lang))
	}
	return r.transcribeFallback(ctx, audio, NormalizeLang(lang))
}

// transcribeWithDetection detects the language under the primary gate,
// then routes: primary languages stay on the primary model, everything
// else goes to the fallback.
func (r *Router) transcribeWithDetection(ctx context.Context, audio []byte) (*Result, error) {
	detected, conf, err := r.detectLanguage(ctx, audio)
	if err != nil {
		return nil, fmt.Errorf("asr: detect language: %w", err)
	}

	if r.isPrimary(detected) {
		res, err := r.transcribePrimary(ctx, audio, detected)
		if err != nil {
			return nil, err
		}
		res.DetectedLang = detected
		res.Confidence = conf
		return res, nil
	}

	res, err := r.transcribeFallback(ctx, audio, detected)
	if err != nil {
		return nil, err
	}
	res.DetectedLang = detected
	res.Confidence = conf
	return res, nil
}

func (r *Router) detectLanguage(ctx context.Context, audio []byte) (string, float64, error) {
	if err := r.primaryGate.Acquire(ctx, 1); err != nil {
		return "", 0, err
	}
	defer r.primaryGate.Release(1)

	lang, conf, err := r.primary.DetectLanguage(ctx, audio)
	if err != nil {
		return "", 0, err
	}
	return NormalizeLang(lang), conf, nil
}

func (r *Router) transcribePrimary(ctx context.Context, audio []byte, lang string) (*Result, error) {
	if err := r.primaryGate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.primaryGate.Release(1)

	res, err := r.primary.Transcribe(ctx, audio, lang)
	if err != nil {
		return nil, fmt.Errorf("asr: %s: %w", r.primary.ID(), err)
	}
	if res.ModelID == "" {
		res.ModelID = r.primary.ID()
	}
	return res, nil
}

// transcribeFallback runs the fallback model. When the fallback is
// missing or reports itself unavailable and degraded mode is on, the
// audio is retried on the primary model with no language hint.
func (r *Router) transcribeFallback(ctx context.Context, audio []byte, lang string) (*Result, error) {
	if r.fallback == nil {
		return r.degrade(ctx, audio, lang, voxpipe.ErrModelUnavailable)
	}

	if err := r.fallbackGate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	res, err := r.fallback.Transcribe(ctx, audio, lang)
	r.fallbackGate.Release(1)
	if err != nil {
		if errors.Is(err, voxpipe.ErrModelUnavailable) {
			return r.degrade(ctx, audio, lang, err)
		}
		return nil, fmt.Errorf("asr: %s: %w", r.fallback.ID(), err)
	}
	if res.ModelID == "" {
		res.ModelID = r.fallback.ID()
	}
	return res, nil
}

func (r *Router) degrade(ctx context.Context, audio []byte, lang string, cause error) (*Result, error) {
	if !r.degradedFallback {
		return nil, fmt.Errorf("asr: fallback for %q: %w", lang, cause)
	}
	r.logger.Warn("fallback model unavailable, degrading to primary",
		slog.String("lang", lang),
		slog.String("model", r.primary.ID()))

	// No language hint: the primary model was not trained on this
	// language, so let it make its own call.
	res, err := r.transcribePrimary(ctx, audio, "")
	if err != nil {
		return nil, err
	}
	res.DetectedLang = lang
	return res, nil
}

// Translate converts text between languages under the translate gate.
func (r *Router) Translate(ctx context.Context, text, srcLang, tgtLang string) (string, error) {
	if r.translator == nil {
		return "", fmt.Errorf("asr: no translator configured: %w", voxpipe.ErrModelUnavailable)
	}
	if err := r.translateGate.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer r.translateGate.Release(1)

	out, err := r.translator.Translate(ctx, text, NormalizeLang(srcLang), NormalizeLang(tgtLang))
	if err != nil {
		return "", fmt.Errorf("asr: %s: %w", r.translator.ID(), err)
	}
	return out, nil
}

// TranslatorID returns the configured translator's identifier, or "".
func (r *Router) TranslatorID() string {
	if r.translator == nil {
		return ""
	}
	return r.translator.ID()
}
