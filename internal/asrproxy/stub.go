package asrproxy

import (
	"context"
	"strings"
)

// EchoStub is an in-process Backend for tests and the smoke CLI: callers
// queue the text each PushStream call should return via PushText rather
// than having it decode real audio. No external process, always ready,
// deterministic output.
type EchoStub struct {
	stateful  bool
	pending   []string
	flushed   string
	finalPass string
}

// NewEchoStub creates a stub backend. When stateful is false, FlushStream
// always reports no text, matching native-B's contract.
func NewEchoStub(stateful bool) *EchoStub {
	return &EchoStub{stateful: stateful}
}

// PushText queues text to be returned by the next PushStream call,
// letting tests drive deterministic transcripts without real audio.
func (e *EchoStub) PushText(text string) { e.pending = append(e.pending, text) }

// SetFlushText sets what FlushStream returns for stateful stubs.
func (e *EchoStub) SetFlushText(text string) { e.flushed = text }

func (e *EchoStub) Stateful() bool { return e.stateful }

func (e *EchoStub) Warmup(ctx context.Context) error { return nil }

func (e *EchoStub) StartStream(ctx context.Context, sampleRate int, sc StreamContext) error {
	e.pending = nil
	e.flushed = ""
	return nil
}

func (e *EchoStub) PushStream(ctx context.Context, audio []byte, sampleRate int) (Result, error) {
	if len(e.pending) == 0 {
		return Result{}, nil
	}
	text := e.pending[0]
	e.pending = e.pending[1:]
	return Result{Text: strings.ToLower(text)}, nil
}

func (e *EchoStub) FlushStream(ctx context.Context) (Result, error) {
	if !e.stateful {
		return Result{}, nil
	}
	text := e.flushed
	e.flushed = ""
	return Result{Text: text}, nil
}

func (e *EchoStub) StopStream(ctx context.Context) error { return nil }

func (e *EchoStub) Shutdown(ctx context.Context) error { return nil }

// SetFinalPassText sets what Transcribe returns, regardless of audio
// content, letting tests drive the final-pass correction scenario.
func (e *EchoStub) SetFinalPassText(text string) { e.finalPass = text }

func (e *EchoStub) Transcribe(ctx context.Context, audio []byte, sampleRate int) (Result, error) {
	if e.finalPass == "" {
		return Result{}, nil
	}
	return Result{Text: e.finalPass}, nil
}
