// Package orchestrator implements the session state machine that drives
// one dictation session end to end: recorder lifecycle, the single-flight
// ASR scheduling loop, spoken-punctuation rewriting, overlap dedup,
// formatting, and injection. One mutex guards all session fields and is
// never held across a blocking call; the consumer loop is single-flight,
// respawned on trailing arrival instead of running forever.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opendictation/dictation-core/internal/asrproxy"
	"github.com/opendictation/dictation-core/internal/collab"
	"github.com/opendictation/dictation-core/internal/config"
	"github.com/opendictation/dictation-core/internal/dedup"
	"github.com/opendictation/dictation-core/internal/events"
	"github.com/opendictation/dictation-core/internal/history"
	"github.com/opendictation/dictation-core/internal/latency"
	"github.com/opendictation/dictation-core/internal/pcmring"
	"github.com/opendictation/dictation-core/internal/rewriter"
	"github.com/opendictation/dictation-core/internal/scheduler"
)

// Stage is one state of the session state machine.
type Stage string

const (
	StageIdle         Stage = "idle"
	StageRecording    Stage = "recording"
	StageTranscribing Stage = "transcribing"
	StageFormatting   Stage = "formatting"
	StageInjecting    Stage = "injecting"
	StageError        Stage = "error"
)

// State is a tagged copy of the session's current stage, safe to hand to
// external observers.
type State struct {
	Stage  Stage
	Detail string
}

const sampleRateHz = 16000

// Orchestrator owns one dictation session's lifecycle. It is safe for
// concurrent use: HandlePress/HandleRelease/ClearError/TestPipeline may be
// called from any goroutine, and the capture collaborator's chunk
// callback may fire concurrently with all of them.
type Orchestrator struct {
	cfg       config.Config
	capture   collab.Capture
	asr       asrproxy.Backend
	formatter collab.Formatter
	injector  collab.Injector
	bus       *events.Bus

	mu                sync.Mutex
	state             State
	mode              string
	releaseInProgress bool
	recording         bool
	asrLoopActive     bool
	asrLoopWG         sync.WaitGroup

	queue *pcmring.Queue
	sched *scheduler.Scheduler
	lat   *latency.Accumulator

	rawParts     strings.Builder
	liveInjected strings.Builder

	sessionID    string
	sessionStart time.Time

	history *history.Manager
}

// New builds an orchestrator wired to its collaborators. mode is the
// initial format mode (collab.ModeLiteral/Clean/Rewrite).
func New(cfg config.Config, capture collab.Capture, asr asrproxy.Backend, formatter collab.Formatter, injector collab.Injector, bus *events.Bus, mode string) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		capture:   capture,
		asr:       asr,
		formatter: formatter,
		injector:  injector,
		bus:       bus,
		mode:      mode,
		state:     State{Stage: StageIdle},
		queue:     pcmring.New(cfg.ParakeetFinalPass),
		sched: scheduler.New(scheduler.Config{
			MinWindowMs:      cfg.MinASRWindowMs,
			NormalWindowMs:   cfg.NormalASRWindowMs,
			BacklogWindowMs:  cfg.BacklogASRWindowMs,
			MaxWindowMs:      cfg.MaxASRWindowMs,
			Adaptive:         cfg.AdaptiveASRWindow,
			SilenceGateDBFS:  cfg.SilenceGateDBFS,
			SpeechHangoverMs: cfg.SpeechHangoverMs,
		}),
		lat:     latency.New(),
		history: history.NewManager(),
	}
}

// State returns a copy of the current session state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// SetMode changes the session's format mode, emitting mode_changed.
func (o *Orchestrator) SetMode(mode string) {
	o.mu.Lock()
	o.mode = mode
	o.mu.Unlock()
	o.publish(events.ModeChanged, mode)
}

func (o *Orchestrator) setStageLocked(stage Stage, detail string) {
	o.state = State{Stage: stage, Detail: detail}
	o.publish(events.StateChanged, events.StateChangedData{Stage: string(stage), Detail: detail})
}

func (o *Orchestrator) publish(t events.Type, data interface{}) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{Type: t, SessionID: o.sessionID, Data: data})
}

// HandlePress starts a new recording session. Ignored unless the current
// stage is Idle or Error, per the state machine's idempotency rule.
func (o *Orchestrator) HandlePress(ctx context.Context) error {
	o.mu.Lock()
	if o.state.Stage != StageIdle && o.state.Stage != StageError {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	o.resetSession()

	if err := o.capture.StartStreaming(ctx, o.cfg.LiveStreamChunkMs, o.onChunk); err != nil {
		o.enterError(fmt.Errorf("capture start: %w", err))
		return err
	}

	if o.asr.Stateful() {
		sc := asrproxy.StreamContext{
			ContextLeftMs:  o.cfg.ParakeetStreamContextLeftMs,
			ContextRightMs: o.cfg.ParakeetStreamContextRightMs,
			Depth:          o.cfg.ParakeetStreamContextDepth,
		}
		if err := o.asr.StartStream(ctx, sampleRateHz, sc); err != nil {
			_ = o.capture.Stop()
			o.enterError(fmt.Errorf("asr start_stream: %w", err))
			return err
		}
	}

	o.mu.Lock()
	o.recording = true
	o.setStageLocked(StageRecording, "")
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) resetSession() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sessionID = uuid.NewString()
	o.sessionStart = time.Now()
	o.queue.Clear()
	o.sched.Reset()
	o.lat.Reset()
	o.rawParts.Reset()
	o.liveInjected.Reset()
	o.recording = false
}

func (o *Orchestrator) enterError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recording = false
	o.setStageLocked(StageError, err.Error())
	logrus.WithError(err).Error("dictation session entered error state")
}

// ClearError returns the session to Idle from Error.
func (o *Orchestrator) ClearError() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.Stage != StageError {
		return
	}
	o.setStageLocked(StageIdle, "")
}

// onChunk is the capture collaborator's callback: non-blocking, O(1),
// enqueue-and-signal, per the capture contract.
func (o *Orchestrator) onChunk(b []byte) {
	o.mu.Lock()
	recording := o.recording
	o.mu.Unlock()
	if !recording || len(b) == 0 {
		return
	}
	o.queue.Enqueue(b)
	o.ensureASRLoop()
}

func (o *Orchestrator) ensureASRLoop() {
	o.mu.Lock()
	if o.asrLoopActive {
		o.mu.Unlock()
		return
	}
	o.asrLoopActive = true
	o.asrLoopWG.Add(1)
	o.mu.Unlock()

	go o.runASRLoop()
}

// runASRLoop is the single-flight consumer task: it repeatedly asks the
// scheduler for a slice and processes it, exiting the moment the
// scheduler has nothing more to say. Before clearing its active flag it
// re-checks under the session lock, so a chunk that landed after the
// first check is still processed by this loop; a chunk enqueued after the
// flag is cleared spawns a fresh loop via ensureASRLoop.
func (o *Orchestrator) runASRLoop() {
	defer o.asrLoopWG.Done()
	ctx := context.Background()

	for {
		n, ok := o.nextTake()
		if !ok {
			o.mu.Lock()
			n2, ok2 := o.nextTakeLocked()
			if ok2 {
				o.mu.Unlock()
				o.processSlice(ctx, n2)
				continue
			}
			o.asrLoopActive = false
			o.mu.Unlock()
			return
		}
		o.processSlice(ctx, n)
	}
}

func (o *Orchestrator) nextTake() (int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.nextTakeLocked()
}

func (o *Orchestrator) nextTakeLocked() (int, bool) {
	pending := o.queue.PendingBytes()
	return o.sched.NextTakeBytes(pending, o.recording)
}

func (o *Orchestrator) processSlice(ctx context.Context, n int) {
	slice, ok := o.queue.Take(n)
	if !ok {
		return
	}

	now := time.Now()
	queueMs := float64(now.Sub(slice.OldestEnqueuedAt).Milliseconds())
	audioMs := pcmring.MsForBytes(len(slice.Bytes))

	rms := scheduler.RMSDBFS(slice.Bytes)
	if o.sched.ArmOrCheckGate(rms, now) {
		return
	}

	asrStart := time.Now()
	result, err := o.asr.PushStream(ctx, slice.Bytes, sampleRateHz)
	asrElapsed := time.Since(asrStart)

	o.mu.Lock()
	pendingAfter := o.queue.PendingBytes()
	o.sched.RecordASRCall(audioMs, asrElapsed, pendingAfter)
	windowMs := o.sched.DynamicNormalMs()
	rtf := o.sched.EWMARTF()
	o.mu.Unlock()

	o.publish(events.QueueDepthChanged, events.QueueDepthData{PendingBytes: pendingAfter})
	o.publish(events.SchedulerWindowChanged, events.SchedulerWindowData{DynamicNormalMs: windowMs, EWMARTF: rtf})

	if err != nil {
		logrus.WithError(err).Debug("asr request failed, dropping slice")
		return
	}
	if !result.HasText() {
		return
	}

	o.emitTranscript(ctx, result.Text, queueMs, float64(audioMs), float64(asrElapsed.Milliseconds()), slice.OldestEnqueuedAt)
}

// emitTranscript runs one ASR chunk of text through the rewrite/dedup
// path, appends it to the live buffers, calls the injector, and records a
// latency sample. Each injected chunk carries a trailing space so
// successive windows don't run together; the drain-time normalisation
// pass trims the last one.
func (o *Orchestrator) emitTranscript(ctx context.Context, text string, queueMs, audioMs, asrMs float64, oldestEnqueuedAt time.Time) {
	if o.cfg.SpokenFormattingCommands {
		text, _ = rewriter.Rewrite(text)
	}

	o.mu.Lock()
	existing := o.liveInjected.String()
	o.mu.Unlock()

	deduped := dedup.Dedup(existing, text)
	if deduped == "" {
		return
	}
	if !endsInWhitespace(deduped) {
		deduped += " "
	}

	injectStart := time.Now()
	err := o.injector.Inject(ctx, deduped)
	injectMs := float64(time.Since(injectStart).Milliseconds())

	if err != nil {
		o.enterError(fmt.Errorf("injector: %w", err))
		return
	}

	o.mu.Lock()
	o.rawParts.WriteString(deduped)
	o.liveInjected.WriteString(deduped)
	o.mu.Unlock()

	endToEndMs := float64(time.Since(oldestEnqueuedAt).Milliseconds())
	o.lat.Push(latency.Sample{
		QueueMs:    queueMs,
		AudioMs:    audioMs,
		ASRMs:      asrMs,
		InjectMs:   injectMs,
		EndToEndMs: endToEndMs,
	})
}

// HandleRelease stops accepting new audio, drains the ASR loop, and runs
// the full drain procedure. Ignored if a release is already in progress
// or the session isn't Recording.
func (o *Orchestrator) HandleRelease(ctx context.Context) error {
	o.mu.Lock()
	if o.releaseInProgress || o.state.Stage != StageRecording {
		o.mu.Unlock()
		return nil
	}
	o.releaseInProgress = true
	o.setStageLocked(StageTranscribing, "")
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.releaseInProgress = false
		o.mu.Unlock()
	}()

	return o.drain(ctx)
}

// drain runs the session-stop procedure: stop the recorder, force-flush
// the queue through ASR, flush the stream tail, normalise the transcript,
// run the optional final pass, format, and complete.
func (o *Orchestrator) drain(ctx context.Context) error {
	_ = o.capture.Stop()

	o.mu.Lock()
	o.recording = false
	o.mu.Unlock()
	o.ensureASRLoop()
	o.asrLoopWG.Wait()

	if o.asr.Stateful() {
		result, err := o.asr.FlushStream(ctx)
		if err != nil {
			logrus.WithError(err).Warn("flush_stream failed, skipping tail emission")
		} else if result.HasText() {
			o.emitTranscript(ctx, result.Text, 0, 0, 0, time.Now())
		}
		if err := o.asr.StopStream(ctx); err != nil {
			logrus.WithError(err).Debug("stop_stream failed")
		}
	}

	o.mu.Lock()
	raw := normalizeFinalTranscript(o.rawParts.String())
	o.mu.Unlock()

	if o.cfg.ParakeetFinalPass {
		if full := o.queue.FullAudio(); len(full) > 0 {
			finalResult, err := o.asr.Transcribe(ctx, full, sampleRateHz)
			if err != nil {
				logrus.WithError(err).Warn("final pass failed, retaining live transcript")
			} else if finalResult.HasText() && finalResult.Text != raw {
				o.mu.Lock()
				trimmed := strings.TrimSpace(o.liveInjected.String())
				o.setStageLocked(StageInjecting, "")
				o.mu.Unlock()
				if o.injector.SupportsReplace() {
					if err := o.injector.ReplaceRecentText(ctx, trimmed, finalResult.Text); err != nil {
						o.enterError(fmt.Errorf("injector replace: %w", err))
						return err
					}
					raw = finalResult.Text
				}
			}
		}
	}

	o.mu.Lock()
	o.setStageLocked(StageFormatting, "")
	o.mu.Unlock()

	formatted, err := o.formatter.Format(ctx, o.currentMode(), raw)
	if err != nil {
		logrus.WithError(err).Warn("formatter failed, falling back to raw transcript")
		formatted = raw
	}

	o.mu.Lock()
	o.setStageLocked(StageInjecting, "")
	o.mu.Unlock()

	if formatted != raw && o.injector.SupportsReplace() {
		o.mu.Lock()
		trimmed := strings.TrimSpace(o.liveInjected.String())
		o.mu.Unlock()
		if err := o.injector.ReplaceRecentText(ctx, trimmed, formatted); err != nil {
			o.enterError(fmt.Errorf("injector replace: %w", err))
			return err
		}
	}

	o.completeSession(raw, formatted)
	return nil
}

func (o *Orchestrator) currentMode() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

func (o *Orchestrator) completeSession(raw, formatted string) {
	o.mu.Lock()
	summary := o.lat.Summarize()
	completed := history.Record{
		ID:        o.sessionID,
		StartedAt: o.sessionStart,
		EndedAt:   time.Now(),
		Mode:      o.mode,
		Raw:       raw,
		Formatted: formatted,
		Latency:   summary,
	}
	o.queue.Clear()
	o.setStageLocked(StageIdle, "")
	o.mu.Unlock()

	o.history.Add(completed)

	o.publish(events.DictationCompleted, events.DictationCompletedData{Raw: raw, Formatted: formatted})
	logrus.WithFields(logrus.Fields{
		"session_id": completed.ID,
		"duration":   completed.EndedAt.Sub(completed.StartedAt),
		"chars":      len(formatted),
		"mode":       completed.Mode,
	}).Info("dictation session completed")
}

// TestPipeline exercises the formatter and injector without a recording
// session, per the Idle -> test-pipeline -> Formatting -> Injecting ->
// Idle transition. It is ignored unless the current stage is Idle.
func (o *Orchestrator) TestPipeline(ctx context.Context, text string) error {
	o.mu.Lock()
	if o.state.Stage != StageIdle {
		o.mu.Unlock()
		return nil
	}
	o.setStageLocked(StageFormatting, "")
	mode := o.mode
	o.mu.Unlock()

	formatted, err := o.formatter.Format(ctx, mode, text)
	if err != nil {
		logrus.WithError(err).Warn("formatter failed during test-pipeline, falling back to raw text")
		formatted = text
	}

	o.mu.Lock()
	o.setStageLocked(StageInjecting, "")
	o.mu.Unlock()

	if err := o.injector.Inject(ctx, formatted); err != nil {
		o.enterError(fmt.Errorf("injector: %w", err))
		return err
	}

	o.mu.Lock()
	o.setStageLocked(StageIdle, "")
	o.mu.Unlock()
	return nil
}

// History returns a copy of every completed session so far.
func (o *Orchestrator) History() []history.Record {
	return o.history.List()
}

// ExportSession writes a completed session's record to a JSON file under
// exportDir, returning the file path.
func (o *Orchestrator) ExportSession(id, exportDir string) (string, error) {
	return o.history.Export(id, exportDir)
}

func endsInWhitespace(s string) bool {
	if s == "" {
		return false
	}
	switch s[len(s)-1] {
	case ' ', '\t', '\n':
		return true
	}
	return false
}

// normalizeFinalTranscript applies the drain-time normalisation pass:
// trailing horizontal whitespace before a newline is stripped, runs of
// 3+ newlines collapse to two, runs of 2+ spaces collapse to one, and
// the result is trimmed.
func normalizeFinalTranscript(s string) string {
	s = reTrailingSpaceBeforeNL.ReplaceAllString(s, "\n")
	s = reThreeNewlines.ReplaceAllString(s, "\n\n")
	s = reDoubleSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
