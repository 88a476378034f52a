// Package transport is the HTTP boundary: JSON POSTs, multipart
// uploads, and SSE-framed streaming POSTs, each mapping non-2xx
// responses onto the shared error taxonomy, with the rate-limit
// header set and SSE line framing the provider actually sends.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/emirhan-k/groq-go/internal/groqerr"
)

// Per-operation transport deadlines: JSON round trips are expected to
// be quick; multipart uploads get twice the budget to cover the
// upload itself, not just the response.
const (
	jsonRequestTimeout      = 30 * time.Second
	multipartRequestTimeout = 60 * time.Second
)

// rateLimitHeaders is the fixed set of response headers the tracker
// cares about; everything else on the response is dropped rather than
// carried around as an opaque map.
var rateLimitHeaders = []string{
	"x-ratelimit-limit-requests",
	"x-ratelimit-remaining-requests",
	"x-ratelimit-reset-requests",
	"x-ratelimit-limit-tokens",
	"x-ratelimit-remaining-tokens",
	"x-ratelimit-reset-tokens",
	"x-ratelimit-limit-audio-seconds",
	"x-ratelimit-remaining-audio-seconds",
	"x-ratelimit-reset-audio-seconds",
}

// apiErrorEnvelope is the provider's {"error": {"message": ...}} shape.
type apiErrorEnvelope struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Transport issues HTTP requests against the provider's base URL,
// attaching bearer auth and translating failures into *groqerr.Error.
type Transport struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     zerolog.Logger
}

// New returns a Transport using the given pooled client.
func New(baseURL, apiKey string, client *http.Client, log zerolog.Logger) *Transport {
	return &Transport{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
		log:     log.With().Str("component", "transport").Logger(),
	}
}

func (t *Transport) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("User-Agent", "groq-go/0.1.0")
}

// Headers is the subset of a response's headers the caller needs —
// the rate-limit quota set, keyed by lowercase header name.
type Headers map[string][]string

func extractHeaders(h http.Header) Headers {
	out := make(Headers, len(rateLimitHeaders))
	for _, name := range rateLimitHeaders {
		if v := h.Values(name); len(v) > 0 {
			out[name] = v
		}
	}
	return out
}

// PostJSON sends a JSON-encoded POST and decodes a JSON response,
// returning the decoded body alongside the response's rate-limit
// headers for ingestion by the caller.
func (t *Transport) PostJSON(ctx context.Context, path string, payload any, out any) (Headers, error) {
	ctx, cancel := context.WithTimeout(ctx, jsonRequestTimeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, groqerr.Validation("encode request body: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, groqerr.Network(err)
	}
	req.Header.Set("Content-Type", "application/json")
	t.setHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, classifyDoErr(err)
	}
	defer resp.Body.Close()

	headers := extractHeaders(resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return headers, statusError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return headers, groqerr.InvalidResponse(resp.StatusCode, fmt.Sprintf("invalid JSON response: %v", err))
		}
	}
	return headers, nil
}

// PostMultipart sends a multipart/form-data POST built from the given
// form fields and a single file field, decoding a JSON response the
// same way PostJSON does. contentType sets the uploaded part's MIME
// type explicitly, matching the original client's (filename, file,
// mimetype) upload tuple rather than multipart's generic
// application/octet-stream default.
func (t *Transport) PostMultipart(ctx context.Context, path string, fields map[string]string, fileField, filePath, contentType string, out any) (Headers, error) {
	ctx, cancel := context.WithTimeout(ctx, multipartRequestTimeout)
	defer cancel()

	f, err := os.Open(filePath)
	if err != nil {
		return nil, groqerr.AudioFile(filePath, fmt.Sprintf("cannot open file: %v", err))
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, groqerr.Validation("encode multipart field %q: %v", k, err)
		}
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	partHeader := make(textproto.MIMEHeader)
	partHeader.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, fileField, filepath.Base(filePath)))
	partHeader.Set("Content-Type", contentType)
	part, err := w.CreatePart(partHeader)
	if err != nil {
		return nil, groqerr.Validation("create multipart file part: %v", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, groqerr.AudioFile(filePath, fmt.Sprintf("read file: %v", err))
	}
	if err := w.Close(); err != nil {
		return nil, groqerr.Validation("close multipart writer: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, &buf)
	if err != nil {
		return nil, groqerr.Network(err)
	}
	// Content-Type (with the multipart boundary) must come from the
	// writer, never be overridden — setHeaders only sets auth/UA.
	req.Header.Set("Content-Type", w.FormDataContentType())
	t.setHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, classifyDoErr(err)
	}
	defer resp.Body.Close()

	headers := extractHeaders(resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return headers, statusError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return headers, groqerr.InvalidResponse(resp.StatusCode, fmt.Sprintf("invalid JSON response: %v", err))
		}
	}
	return headers, nil
}

// Stream reads one SSE event at a time from a streaming POST response.
type Stream struct {
	resp    *http.Response
	scanner *bufio.Scanner
	headers Headers
	closed  bool
}

// Headers returns the rate-limit headers observed on the initial
// response, available as soon as the stream is opened.
func (s *Stream) Headers() Headers { return s.headers }

// Next returns the next decoded SSE data event. It returns io.EOF once
// the provider sends the terminal "[DONE]" sentinel or the body is
// exhausted. Malformed individual events are skipped without aborting
// the stream; a genuine read error on the underlying connection is
// surfaced here rather than swallowed — unlike the original client,
// which silently ignored any requests.exceptions.RequestException
// raised mid-stream.
func (s *Stream) Next(out any) error {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return io.EOF
		}
		if err := json.Unmarshal([]byte(data), out); err != nil {
			continue
		}
		return nil
	}
	if err := s.scanner.Err(); err != nil {
		return groqerr.Network(err)
	}
	return io.EOF
}

// Close releases the underlying connection.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.resp.Body.Close()
}

// PostStream sends a JSON-encoded POST and returns a Stream over its
// server-sent-events body. The caller must Close the stream.
func (t *Transport) PostStream(ctx context.Context, path string, payload any) (*Stream, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, groqerr.Validation("encode request body: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, groqerr.Network(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	t.setHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, classifyDoErr(err)
	}

	headers := extractHeaders(resp.Header)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}

	return &Stream{resp: resp, scanner: bufio.NewScanner(resp.Body), headers: headers}, nil
}

// classifyDoErr wraps a failed http.Client.Do call. A deadline exceeded
// on the request's context — whether from the per-operation timeout
// this package imposes or one the caller supplied — is a request
// timeout; anything else (dial, TLS, connection reset) is a network
// failure.
func classifyDoErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return groqerr.RequestTimeout(err)
	}
	return groqerr.Network(err)
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)

	message := fmt.Sprintf("API request failed with status %d", resp.StatusCode)
	var envelope apiErrorEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
	} else if len(raw) > 0 {
		message = fmt.Sprintf("%s: %s", message, string(raw))
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return groqerr.Authentication(message)
	case http.StatusBadRequest:
		return groqerr.Validation("%s", message)
	default:
		e := groqerr.API(resp.StatusCode, message)
		return e
	}
}

// DefaultTimeout is the pooled http.Client's own Timeout, used by
// callers constructing it when no explicit override is configured. It
// is a blunt backstop equal to the longer of the two per-operation
// deadlines above: PostJSON's 30s context deadline is tighter and fires
// first in the normal case, while PostMultipart's deadline equals it.
const DefaultTimeout = multipartRequestTimeout
