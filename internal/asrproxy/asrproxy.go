// Package asrproxy presents a uniform streaming ASR interface over the
// framed IPC transport, hiding the differences between stateful/stateless
// and framed/line-JSON backends. The framed and line-JSON transports are
// separate structs behind the Backend interface, each carrying a stateful
// flag; stateless backends answer stream calls by treating every push as
// an independent transcription.
package asrproxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/opendictation/dictation-core/internal/ipcframe"
)

// StreamContext configures a stateful backend's lookback/lookahead window
// at stream start.
type StreamContext struct {
	ContextLeftMs  int
	ContextRightMs int
	Depth          int
}

// Result is a transcript returned by any streaming call. An empty or
// whitespace-only Text is "no new text", not an error, per the contract.
type Result struct {
	Text string
}

func (r Result) HasText() bool { return strings.TrimSpace(r.Text) != "" }

// Backend is the uniform proxy surface every ASR worker implementation
// presents to the orchestrator, regardless of whether the underlying
// engine streams state or transports audio as framed binary vs. base64
// JSON.
type Backend interface {
	Warmup(ctx context.Context) error
	Stateful() bool
	StartStream(ctx context.Context, sampleRate int, sc StreamContext) error
	PushStream(ctx context.Context, audio []byte, sampleRate int) (Result, error)
	FlushStream(ctx context.Context) (Result, error)
	StopStream(ctx context.Context) error
	Shutdown(ctx context.Context) error
	// Transcribe performs a one-shot, out-of-stream transcription,
	// independent of any active streaming session; used for the
	// end-of-session final pass over the full recorded buffer.
	Transcribe(ctx context.Context, audio []byte, sampleRate int) (Result, error)
}

const (
	actionWarmup      = "warmup"
	actionTranscribe  = "transcribe"
	actionStreamReset = "stream_reset"
	actionStreamPush  = "stream_push"
	actionStreamFlush = "stream_flush"
	actionStreamClose = "stream_close"
)

// requestTimeout picks the per-action timeout: short-running control
// actions get the low end, audio-bearing calls get headroom for a cold
// model.
func requestTimeout(action string) time.Duration {
	switch action {
	case actionWarmup:
		return 120 * time.Second
	case actionStreamReset, actionStreamClose:
		return 10 * time.Second
	default:
		return 30 * time.Second
	}
}

type textResult struct {
	Text string `json:"text"`
}

// framedBackend talks to the child over internal/ipcframe, carrying audio
// as the request's binary tail.
type framedBackend struct {
	transport *ipcframe.Transport
	stateful  bool
}

// NewFramed constructs a Backend over a framed IPC transport.
func NewFramed(transport *ipcframe.Transport, stateful bool) Backend {
	return &framedBackend{transport: transport, stateful: stateful}
}

func (b *framedBackend) Stateful() bool { return b.stateful }

func (b *framedBackend) Warmup(ctx context.Context) error {
	if err := b.transport.Start(); err != nil {
		return err
	}
	_, err := b.transport.Request(ctx, actionWarmup, struct{}{}, nil, requestTimeout(actionWarmup))
	return err
}

func (b *framedBackend) StartStream(ctx context.Context, sampleRate int, sc StreamContext) error {
	if !b.stateful {
		return nil
	}
	params := struct {
		SampleRate     int `json:"sample_rate"`
		ContextLeftMs  int `json:"context_left_ms"`
		ContextRightMs int `json:"context_right_ms"`
		Depth          int `json:"depth"`
	}{sampleRate, sc.ContextLeftMs, sc.ContextRightMs, sc.Depth}
	_, err := b.transport.Request(ctx, actionStreamReset, params, nil, requestTimeout(actionStreamReset))
	return err
}

func (b *framedBackend) PushStream(ctx context.Context, audio []byte, sampleRate int) (Result, error) {
	action := actionStreamPush
	if !b.stateful {
		action = actionTranscribe
	}
	params := struct {
		SampleRate int `json:"sample_rate"`
	}{sampleRate}
	raw, err := b.transport.Request(ctx, action, params, audio, requestTimeout(action))
	if err != nil {
		return Result{}, err
	}
	return decodeTextResult(raw)
}

func (b *framedBackend) FlushStream(ctx context.Context) (Result, error) {
	if !b.stateful {
		return Result{}, nil
	}
	raw, err := b.transport.Request(ctx, actionStreamFlush, struct{}{}, nil, requestTimeout(actionStreamFlush))
	if err != nil {
		return Result{}, err
	}
	return decodeTextResult(raw)
}

func (b *framedBackend) StopStream(ctx context.Context) error {
	if !b.stateful {
		return nil
	}
	_, err := b.transport.Request(ctx, actionStreamClose, struct{}{}, nil, requestTimeout(actionStreamClose))
	return err
}

func (b *framedBackend) Shutdown(ctx context.Context) error {
	return b.transport.Stop()
}

func (b *framedBackend) Transcribe(ctx context.Context, audio []byte, sampleRate int) (Result, error) {
	params := struct {
		SampleRate int `json:"sample_rate"`
	}{sampleRate}
	raw, err := b.transport.Request(ctx, actionTranscribe, params, audio, requestTimeout(actionTranscribe))
	if err != nil {
		return Result{}, err
	}
	return decodeTextResult(raw)
}

// jsonLineBackend is for engines exposed only via the line-JSON transport:
// audio rides base64-encoded in the JSON body instead of a binary tail.
// It reuses the same framed transport underneath but encodes the payload
// differently.
type jsonLineBackend struct {
	transport *ipcframe.Transport
	stateful  bool
}

// NewJSONLine constructs a Backend that base64-encodes audio into the JSON
// body instead of using the binary tail.
func NewJSONLine(transport *ipcframe.Transport, stateful bool) Backend {
	return &jsonLineBackend{transport: transport, stateful: stateful}
}

func (b *jsonLineBackend) Stateful() bool { return b.stateful }

func (b *jsonLineBackend) Warmup(ctx context.Context) error {
	if err := b.transport.Start(); err != nil {
		return err
	}
	_, err := b.transport.Request(ctx, actionWarmup, struct{}{}, nil, requestTimeout(actionWarmup))
	return err
}

func (b *jsonLineBackend) StartStream(ctx context.Context, sampleRate int, sc StreamContext) error {
	if !b.stateful {
		return nil
	}
	params := struct {
		SampleRate     int `json:"sample_rate"`
		ContextLeftMs  int `json:"context_left_ms"`
		ContextRightMs int `json:"context_right_ms"`
		Depth          int `json:"depth"`
	}{sampleRate, sc.ContextLeftMs, sc.ContextRightMs, sc.Depth}
	_, err := b.transport.Request(ctx, actionStreamReset, params, nil, requestTimeout(actionStreamReset))
	return err
}

func (b *jsonLineBackend) PushStream(ctx context.Context, audio []byte, sampleRate int) (Result, error) {
	action := actionStreamPush
	if !b.stateful {
		action = actionTranscribe
	}
	params := struct {
		SampleRate int    `json:"sample_rate"`
		AudioB64   string `json:"audio_b64"`
	}{sampleRate, base64.StdEncoding.EncodeToString(audio)}
	raw, err := b.transport.Request(ctx, action, params, nil, requestTimeout(action))
	if err != nil {
		return Result{}, err
	}
	return decodeTextResult(raw)
}

func (b *jsonLineBackend) FlushStream(ctx context.Context) (Result, error) {
	if !b.stateful {
		return Result{}, nil
	}
	raw, err := b.transport.Request(ctx, actionStreamFlush, struct{}{}, nil, requestTimeout(actionStreamFlush))
	if err != nil {
		return Result{}, err
	}
	return decodeTextResult(raw)
}

func (b *jsonLineBackend) StopStream(ctx context.Context) error {
	if !b.stateful {
		return nil
	}
	_, err := b.transport.Request(ctx, actionStreamClose, struct{}{}, nil, requestTimeout(actionStreamClose))
	return err
}

func (b *jsonLineBackend) Shutdown(ctx context.Context) error {
	return b.transport.Stop()
}

func (b *jsonLineBackend) Transcribe(ctx context.Context, audio []byte, sampleRate int) (Result, error) {
	params := struct {
		SampleRate int    `json:"sample_rate"`
		AudioB64   string `json:"audio_b64"`
	}{sampleRate, base64.StdEncoding.EncodeToString(audio)}
	raw, err := b.transport.Request(ctx, actionTranscribe, params, nil, requestTimeout(actionTranscribe))
	if err != nil {
		return Result{}, err
	}
	return decodeTextResult(raw)
}

func decodeTextResult(raw json.RawMessage) (Result, error) {
	if len(raw) == 0 {
		return Result{}, nil
	}
	var tr textResult
	if err := json.Unmarshal(raw, &tr); err != nil {
		return Result{}, fmt.Errorf("asrproxy: decode result: %w", err)
	}
	return Result{Text: tr.Text}, nil
}
