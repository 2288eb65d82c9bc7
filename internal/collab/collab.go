// Package collab defines the dictation core's external collaborator
// contracts (capture, formatter, injector) and ships small in-process
// implementations used by tests and the smoke-test CLI.
package collab

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Capture is the microphone collaborator: it streams 16kHz mono 16-bit
// little-endian PCM chunks to OnChunk until Stop is called.
type Capture interface {
	StartStreaming(ctx context.Context, chunkMs int, onChunk func([]byte)) error
	Stop() error
}

// Formatter rewrites the raw stitched transcript according to mode. Free
// to return the input unchanged.
type Formatter interface {
	Warmup(ctx context.Context) error
	Format(ctx context.Context, mode string, text string) (string, error)
	Shutdown(ctx context.Context) error
}

// Injector delivers text to the OS-level text field. ReplaceRecentText is
// optional; implementations that cannot replace simply inject in place.
type Injector interface {
	Inject(ctx context.Context, text string) error
	ReplaceRecentText(ctx context.Context, existingTrimmed, replacement string) error
	SupportsReplace() bool
}

// Format modes recognised by the orchestrator.
const (
	ModeLiteral = "literal"
	ModeClean   = "clean"
	ModeRewrite = "rewrite"
)

// ReplayCapture streams a pre-recorded PCM buffer in fixed-size chunks on
// a ticker, standing in for a real microphone in tests and the
// test-pipeline smoke CLI.
type ReplayCapture struct {
	audio []byte

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewReplayCapture creates a capture collaborator that will replay audio
// once StartStreaming is called.
func NewReplayCapture(audio []byte) *ReplayCapture {
	return &ReplayCapture{audio: audio}
}

func (r *ReplayCapture) StartStreaming(ctx context.Context, chunkMs int, onChunk func([]byte)) error {
	if chunkMs < 20 || chunkMs > 2000 {
		chunkMs = 100
	}
	chunkBytes := (16000 * 2 * chunkMs) / 1000
	if chunkBytes < 1 {
		chunkBytes = 1
	}

	streamCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.stopped = false
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Duration(chunkMs) * time.Millisecond)
		defer ticker.Stop()

		offset := 0
		for {
			select {
			case <-streamCtx.Done():
				return
			case <-ticker.C:
				if offset >= len(r.audio) {
					return
				}
				end := offset + chunkBytes
				if end > len(r.audio) {
					end = len(r.audio)
				}
				tail := end - offset
				// Emit a short trailing chunk only if it is at least half
				// the nominal chunk size, per the capture contract.
				if tail < chunkBytes/2 && end == len(r.audio) && offset > 0 {
					return
				}
				chunk := make([]byte, tail)
				copy(chunk, r.audio[offset:end])
				onChunk(chunk)
				offset = end
			}
		}
	}()
	return nil
}

func (r *ReplayCapture) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil
	}
	r.stopped = true
	if r.cancel != nil {
		r.cancel()
	}
	return nil
}

// PassthroughFormatter returns its input unchanged regardless of mode.
type PassthroughFormatter struct{}

func NewPassthroughFormatter() *PassthroughFormatter { return &PassthroughFormatter{} }

func (PassthroughFormatter) Warmup(ctx context.Context) error { return nil }

func (PassthroughFormatter) Format(ctx context.Context, mode string, text string) (string, error) {
	return text, nil
}

func (PassthroughFormatter) Shutdown(ctx context.Context) error { return nil }

// RuleFormatter is a small illustrative formatter: Literal is identity,
// Clean delegates to the rewriter's whitespace normalisation (passed in
// as a func to avoid an import cycle with internal/rewriter), Rewrite
// additionally upper-cases the first letter of every sentence.
type RuleFormatter struct {
	normalizeWhitespace func(string) string
}

// NewRuleFormatter builds a RuleFormatter. normalizeWhitespace is
// typically rewriter.NormalizeWhitespace.
func NewRuleFormatter(normalizeWhitespace func(string) string) *RuleFormatter {
	return &RuleFormatter{normalizeWhitespace: normalizeWhitespace}
}

func (f *RuleFormatter) Warmup(ctx context.Context) error { return nil }

func (f *RuleFormatter) Format(ctx context.Context, mode string, text string) (string, error) {
	switch mode {
	case ModeClean:
		return f.normalizeWhitespace(text), nil
	case ModeRewrite:
		return capitalizeSentences(f.normalizeWhitespace(text)), nil
	default:
		return text, nil
	}
}

func (f *RuleFormatter) Shutdown(ctx context.Context) error { return nil }

func capitalizeSentences(s string) string {
	runes := []rune(s)
	capitalizeNext := true
	for i, r := range runes {
		if capitalizeNext && r >= 'a' && r <= 'z' {
			runes[i] = r - 'a' + 'A'
			capitalizeNext = false
		} else if r != ' ' && r != '\t' {
			capitalizeNext = r == '.' || r == '!' || r == '?' || r == '\n'
		}
	}
	return string(runes)
}

// BufferInjector is an in-memory, strings.Builder-backed injector
// supporting replacement, used by tests and the smoke CLI.
type BufferInjector struct {
	mu   sync.Mutex
	text strings.Builder
}

func NewBufferInjector() *BufferInjector { return &BufferInjector{} }

func (b *BufferInjector) Inject(ctx context.Context, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.text.WriteString(text)
	return nil
}

func (b *BufferInjector) ReplaceRecentText(ctx context.Context, existingTrimmed, replacement string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	current := b.text.String()
	if idx := strings.LastIndex(current, existingTrimmed); idx >= 0 {
		current = current[:idx] + replacement
	} else {
		current += replacement
	}
	b.text.Reset()
	b.text.WriteString(current)
	return nil
}

func (b *BufferInjector) SupportsReplace() bool { return true }

// String returns the injector's accumulated text.
func (b *BufferInjector) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text.String()
}

// StdoutInjector appends text to stdout and logs (rather than failing)
// when asked to replace, since append-only sinks cannot honor it.
type StdoutInjector struct {
	write func(string)
}

// NewStdoutInjector creates an injector that calls write for every
// appended chunk.
func NewStdoutInjector(write func(string)) *StdoutInjector {
	return &StdoutInjector{write: write}
}

func (s *StdoutInjector) Inject(ctx context.Context, text string) error {
	s.write(text)
	return nil
}

func (s *StdoutInjector) ReplaceRecentText(ctx context.Context, existingTrimmed, replacement string) error {
	logrus.WithField("replacement_len", len(replacement)).Warn("stdout injector cannot replace recent text, appending instead")
	s.write(replacement)
	return nil
}

func (s *StdoutInjector) SupportsReplace() bool { return false }
