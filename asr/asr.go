// Package asr routes transcription and translation work to the
// configured speech and text models.
//
// A Router holds a primary transcriber for well-supported languages, an
// optional fallback transcriber for the long tail, and a translator.
// Each model is guarded by a weighted semaphore so heavy inference never
// exceeds its configured concurrency, regardless of how many workers are
// pulling tasks.
package asr

import "context"

// Result is the outcome of a single transcription call.
type Result struct {
	// Text is the transcript, stripped of surrounding whitespace.
	Text string

	// DetectedLang is the resolved source language code, either the
	// caller's hint or the model's detection.
	DetectedLang string

	// Confidence is the language-detection probability, when known.
	Confidence float64

	// ModelID identifies the transcriber that produced the text.
	ModelID string
}

// Transcriber converts audio into text. Implementations wrap a concrete
// model runtime and must be safe for concurrent use; the Router enforces
// concurrency caps on top.
type Transcriber interface {
	// ID returns a short stable identifier recorded on completed tasks.
	ID() string

	// Transcribe converts audio to text. An empty lang requests
	// auto-detection inside the model.
	Transcribe(ctx context.Context, audio []byte, lang string) (*Result, error)

	// DetectLanguage returns the most likely language code for the
	// audio and the model's confidence in it.
	DetectLanguage(ctx context.Context, audio []byte) (lang string, confidence float64, err error)
}

// Translator converts text between languages.
type Translator interface {
	// ID returns a short stable identifier recorded on completed tasks.
	ID() string

	// Translate converts text from srcLang to tgtLang.
	Translate(ctx context.Context, text, srcLang, tgtLang string) (string, error)
}
