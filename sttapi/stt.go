// Package sttapi is the thin validating adapter over the admission
// pipeline for speech-to-text transcription: an extension allow-list,
// a plan-based size cap, and a non-empty-file check, ahead of a
// multipart upload. No minimum audio duration is enforced beyond a
// nonzero file size.
package sttapi

import (
	"context"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/emirhan-k/groq-go/admission"
	"github.com/emirhan-k/groq-go/internal/groqerr"
	"github.com/emirhan-k/groq-go/transport"
)

const transcriptionsPath = "/audio/transcriptions"

// supportedFormats is the fixed set of audio file extensions the
// provider accepts, matched case-insensitively against the input path.
var supportedFormats = []string{".mp3", ".mp4", ".mpeg", ".mpga", ".m4a", ".wav", ".webm", ".ogg", ".flac"}

func isSupportedFormat(ext string) bool {
	ext = strings.ToLower(ext)
	for _, f := range supportedFormats {
		if ext == f {
			return true
		}
	}
	return false
}

var mimeByExtension = map[string]string{
	".mp3":  "audio/mpeg",
	".mp4":  "audio/mp4",
	".mpeg": "audio/mpeg",
	".mpga": "audio/mpeg",
	".m4a":  "audio/mp4",
	".wav":  "audio/wav",
	".webm": "audio/webm",
	".ogg":  "audio/ogg",
	".flac": "audio/flac",
}

func guessMIME(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	if t, ok := mimeByExtension[ext]; ok {
		return t
	}
	return "audio/mpeg"
}

// Request is a transcription request.
type Request struct {
	FilePath       string
	Model          string
	Language       string
	Prompt         string
	ResponseFormat string // "json", "text", "verbose_json", "srt", "vtt"
	Temperature    *float64
}

// Response is the provider's transcription result. Shape varies with
// ResponseFormat; Text is always populated for the default "json" format.
type Response struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// HeaderIngester is satisfied by *ratelimit.Tracker.
type HeaderIngester interface {
	Ingest(header map[string][]string)
}

// API is the validating adapter over the admission gate and transport
// for transcription requests.
type API struct {
	gate        *admission.Gate
	tr          *transport.Transport
	tracker     HeaderIngester
	maxFileSize int64
}

// New returns an API bound to the given admission gate, transport, and
// header tracker, enforcing maxFileSize (plan-dependent) on input files.
func New(gate *admission.Gate, tr *transport.Transport, tracker HeaderIngester, maxFileSize int64) *API {
	return &API{gate: gate, tr: tr, tracker: tracker, maxFileSize: maxFileSize}
}

// validate runs the file-level checks before ever touching the
// network: extension allow-list, plan size cap, and a readable
// regular file. It does not re-derive the admission estimate —
// that's admission.EstimateAudioSeconds's job, called from Evaluate.
func (a *API) validate(req Request) (os.FileInfo, error) {
	if req.Model == "" {
		return nil, groqerr.Validation("model is required")
	}
	info, err := os.Stat(req.FilePath)
	if err != nil {
		return nil, groqerr.AudioFile(req.FilePath, "audio file not found or unreadable")
	}
	if info.IsDir() {
		return nil, groqerr.AudioFile(req.FilePath, "path is a directory, not a file")
	}

	ext := filepath.Ext(req.FilePath)
	if !isSupportedFormat(ext) {
		return nil, groqerr.UnsupportedFormat(req.FilePath, ext, supportedFormats)
	}
	if info.Size() > a.maxFileSize {
		return nil, groqerr.FileSize(req.FilePath, info.Size(), a.maxFileSize)
	}
	if info.Size() == 0 {
		return nil, groqerr.AudioFile(req.FilePath, "audio file is empty")
	}
	return info, nil
}

// Evaluate runs the file-level and admission checks for req without
// dispatching anything, for callers (the queue worker) that need the
// Verdict before deciding whether to run Transcribe now.
func (a *API) Evaluate(req Request) (admission.Verdict, error) {
	info, err := a.validate(req)
	if err != nil {
		return admission.Verdict{Tag: admission.Reject, Err: err}, err
	}
	return a.gate.EvaluateTranscription(req.Model, info.Size()), nil
}

// Transcribe uploads the audio file and returns the decoded
// transcription, ingesting the response's rate-limit headers on the
// way out. Callers are expected to have already obtained a Go verdict
// from Evaluate; Transcribe re-validates the file but does not
// re-check admission.
func (a *API) Transcribe(ctx context.Context, req Request) (*Response, error) {
	if _, err := a.validate(req); err != nil {
		return nil, err
	}

	fields := map[string]string{"model": req.Model}
	if req.Language != "" {
		fields["language"] = req.Language
	}
	if req.Prompt != "" {
		fields["prompt"] = req.Prompt
	}
	if req.ResponseFormat != "" {
		fields["response_format"] = req.ResponseFormat
	}
	if req.Temperature != nil {
		fields["temperature"] = strconv.FormatFloat(*req.Temperature, 'f', -1, 64)
	}

	var resp Response
	headers, err := a.tr.PostMultipart(ctx, transcriptionsPath, fields, "file", req.FilePath, guessMIME(req.FilePath), &resp)
	if headers != nil {
		a.tracker.Ingest(headers)
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

