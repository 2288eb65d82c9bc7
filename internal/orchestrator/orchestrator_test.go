package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendictation/dictation-core/internal/asrproxy"
	"github.com/opendictation/dictation-core/internal/collab"
	"github.com/opendictation/dictation-core/internal/config"
	"github.com/opendictation/dictation-core/internal/events"
)

func testConfig() config.Config {
	return config.Config{
		SpokenFormattingCommands: true,
		LiveStreamChunkMs:        20,
		MinASRWindowMs:           40,
		NormalASRWindowMs:        100,
		BacklogASRWindowMs:       300,
		MaxASRWindowMs:           600,
		AdaptiveASRWindow:        true,
		SilenceGateDBFS:          -52,
		SpeechHangoverMs:         420,
	}
}

func silence(ms int) []byte {
	return make([]byte, (16000*2*ms)/1000)
}

func waitForStage(t *testing.T, o *Orchestrator, stage Stage, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if o.State().Stage == stage {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for stage %s, currently %s", stage, o.State().Stage)
}

// Trivial flush: pure silence produces no ASR call and an
// empty transcript.
func TestTrivialFlush(t *testing.T) {
	capture := collab.NewReplayCapture(silence(200))
	asr := asrproxy.NewEchoStub(true)
	injector := collab.NewBufferInjector()
	bus := events.NewBus(16)
	defer bus.Stop()

	o := New(testConfig(), capture, asr, collab.NewPassthroughFormatter(), injector, bus, collab.ModeLiteral)

	ctx := context.Background()
	require.NoError(t, o.HandlePress(ctx))
	waitForStage(t, o, StageRecording, time.Second)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, o.HandleRelease(ctx))

	assert.Equal(t, "", injector.String())
	history := o.History()
	require.Len(t, history, 1)
	assert.Equal(t, "", history[0].Raw)
}

// Spoken punctuation is rewritten, then dedup against an
// empty buffer is identity, and the injector receives the rewritten text.
func TestSpokenPunctuationAgainstEmptyBuffer(t *testing.T) {
	capture := collab.NewReplayCapture(nil)
	asr := asrproxy.NewEchoStub(true)
	injector := collab.NewBufferInjector()

	o := New(testConfig(), capture, asr, collab.NewPassthroughFormatter(), injector, nil, collab.ModeLiteral)

	o.emitTranscript(context.Background(), "hello comma world full stop new line next", 1, 1, 1, time.Now())

	assert.Equal(t, "hello, world.\nnext ", injector.String())
}

// Simple overlap across two successive windows is stitched without repeats.
func TestSimpleOverlapDedup(t *testing.T) {
	capture := collab.NewReplayCapture(nil)
	asr := asrproxy.NewEchoStub(true)
	injector := collab.NewBufferInjector()

	o := New(testConfig(), capture, asr, collab.NewPassthroughFormatter(), injector, nil, collab.ModeLiteral)

	o.emitTranscript(context.Background(), "hello world", 1, 1, 1, time.Now())
	o.emitTranscript(context.Background(), "world today", 1, 1, 1, time.Now())

	assert.Equal(t, "hello world today ", injector.String())
	assert.Equal(t, "hello world today", normalizeFinalTranscript(o.rawParts.String()))
}

// A new window that restates the last three words of the live text has
// them dropped by the tail-head match.
func TestRestatedTailDedup(t *testing.T) {
	capture := collab.NewReplayCapture(nil)
	asr := asrproxy.NewEchoStub(true)
	injector := collab.NewBufferInjector()

	o := New(testConfig(), capture, asr, collab.NewPassthroughFormatter(), injector, nil, collab.ModeLiteral)
	o.liveInjected.WriteString("the quick brown fox ")

	o.emitTranscript(context.Background(), "quick brown fox jumps over", 1, 1, 1, time.Now())

	assert.Equal(t, "jumps over ", injector.String())
}

// A final-pass correction issues a ReplaceRecentText call.
func TestFinalPassCorrection(t *testing.T) {
	capture := collab.NewReplayCapture(silence(100))
	asr := asrproxy.NewEchoStub(true)
	asr.SetFinalPassText("hello world")
	injector := collab.NewBufferInjector()

	cfg := testConfig()
	cfg.ParakeetFinalPass = true
	o := New(cfg, capture, asr, collab.NewPassthroughFormatter(), injector, nil, collab.ModeLiteral)

	ctx := context.Background()
	require.NoError(t, o.HandlePress(ctx))
	waitForStage(t, o, StageRecording, time.Second)

	o.mu.Lock()
	o.liveInjected.WriteString("helo world")
	o.rawParts.WriteString("helo world")
	o.mu.Unlock()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, o.HandleRelease(ctx))

	assert.Equal(t, "hello world", injector.String())
	history := o.History()
	require.Len(t, history, 1)
	assert.Equal(t, "hello world", history[0].Raw)
}

func TestPressReleaseIdempotency(t *testing.T) {
	capture := collab.NewReplayCapture(silence(100))
	asr := asrproxy.NewEchoStub(true)
	injector := collab.NewBufferInjector()
	o := New(testConfig(), capture, asr, collab.NewPassthroughFormatter(), injector, nil, collab.ModeLiteral)

	ctx := context.Background()
	require.NoError(t, o.HandlePress(ctx))
	waitForStage(t, o, StageRecording, time.Second)
	// A second press while already recording is a no-op.
	require.NoError(t, o.HandlePress(ctx))
	assert.Equal(t, StageRecording, o.State().Stage)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, o.HandleRelease(ctx))
	assert.Equal(t, StageIdle, o.State().Stage)

	// Release with nothing recording is a no-op, not an error.
	require.NoError(t, o.HandleRelease(ctx))
	assert.Equal(t, StageIdle, o.State().Stage)
}

func TestClearErrorReturnsToIdle(t *testing.T) {
	capture := collab.NewReplayCapture(nil)
	asr := asrproxy.NewEchoStub(true)
	injector := collab.NewBufferInjector()
	o := New(testConfig(), capture, asr, collab.NewPassthroughFormatter(), injector, nil, collab.ModeLiteral)

	o.enterError(assertError{})
	assert.Equal(t, StageError, o.State().Stage)

	o.ClearError()
	assert.Equal(t, StageIdle, o.State().Stage)
}

type assertError struct{}

func (assertError) Error() string { return "boom" }

func TestPipelineSmoke(t *testing.T) {
	capture := collab.NewReplayCapture(nil)
	asr := asrproxy.NewEchoStub(true)
	injector := collab.NewBufferInjector()
	o := New(testConfig(), capture, asr, collab.NewPassthroughFormatter(), injector, nil, collab.ModeLiteral)

	require.NoError(t, o.TestPipeline(context.Background(), "pipeline ok"))
	assert.Equal(t, "pipeline ok", injector.String())
	assert.Equal(t, StageIdle, o.State().Stage)
}
