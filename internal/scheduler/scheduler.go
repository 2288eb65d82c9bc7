// Package scheduler implements the adaptive ASR window scheduler: it
// decides how many milliseconds of queued audio to hand to ASR on each
// call, and adjusts its target window based on an EWMA of observed
// real-time-factor. It also owns the RMS speech gate with its hangover
// timer, which discards silent slices before they reach ASR.
package scheduler

import (
	"math"
	"time"

	"github.com/opendictation/dictation-core/internal/pcmring"
)

const ewmaAlpha = 0.18

// Config holds the scheduler's window bounds and gate tunables, normally
// populated from internal/config.
type Config struct {
	MinWindowMs     int
	NormalWindowMs  int
	BacklogWindowMs int
	MaxWindowMs     int
	Adaptive        bool

	SilenceGateDBFS  float64
	SpeechHangoverMs int
}

// Scheduler owns the dynamic-window state and speech-gate hangover timer
// for one session. It is not safe for concurrent use; the orchestrator
// drives it from its single ASR-loop goroutine, apart from Reset at
// session start.
type Scheduler struct {
	cfg Config

	dynamicNormalMs int
	ewmaRTF         float64
	ewmaASRMs       float64

	speechHangoverUntil time.Time
}

// New creates a scheduler seeded at its normal window.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		cfg:             cfg,
		dynamicNormalMs: clamp(cfg.NormalWindowMs, cfg.MinWindowMs, cfg.MaxWindowMs),
	}
}

// Reset restores the scheduler to its initial state, called at session
// start.
func (s *Scheduler) Reset() {
	s.dynamicNormalMs = clamp(s.cfg.NormalWindowMs, s.cfg.MinWindowMs, s.cfg.MaxWindowMs)
	s.ewmaRTF = 0
	s.ewmaASRMs = 0
	s.speechHangoverUntil = time.Time{}
}

// DynamicNormalMs reports the current adaptive target window.
func (s *Scheduler) DynamicNormalMs() int { return s.dynamicNormalMs }

// EWMARTF reports the current real-time-factor average.
func (s *Scheduler) EWMARTF() float64 { return s.ewmaRTF }

// NextTakeBytes decides how many bytes to pull from the queue for the next
// ASR call, given the queue's current pending byte count. recording is
// true while the session is still capturing audio; false during drain,
// which forces the whole backlog out regardless of the min-window gate.
// It returns 0, false when the scheduler should defer (not enough audio
// yet, or nothing pending).
func (s *Scheduler) NextTakeBytes(pendingBytes int, recording bool) (int, bool) {
	if pendingBytes <= 0 {
		return 0, false
	}

	minBytes := pcmring.BytesForMs(s.cfg.MinWindowMs)
	if recording && pendingBytes < minBytes {
		return 0, false
	}

	if !recording {
		return pendingBytes, true
	}

	pendingMs := pcmring.MsForBytes(pendingBytes)
	target := s.cfg.NormalWindowMs
	if s.cfg.Adaptive {
		target = s.dynamicNormalMs
	}

	switch {
	case pendingMs >= 2*s.cfg.BacklogWindowMs:
		target = s.cfg.MaxWindowMs
	case pendingMs >= s.cfg.BacklogWindowMs:
		target = max(target, s.cfg.BacklogWindowMs)
	}
	target = clamp(target, s.cfg.MinWindowMs, s.cfg.MaxWindowMs)

	take := pcmring.BytesForMs(target)
	if take > pendingBytes {
		take = pendingBytes
	}
	return take, true
}

// RecordASRCall updates the EWMAs and, when adaptive mode is enabled,
// adjusts the dynamic window, given the audio duration (ms) handed to ASR,
// the elapsed wall time, and the queue's pending bytes immediately after the
// take (used to judge backlog/idle for the adjustment rule).
func (s *Scheduler) RecordASRCall(audioMs int, asrElapsed time.Duration, pendingBytesAfter int) {
	asrMs := float64(asrElapsed.Milliseconds())
	denom := float64(audioMs)
	if denom < 1 {
		denom = 1
	}
	rtf := asrMs / denom

	s.ewmaRTF = (1-ewmaAlpha)*s.ewmaRTF + ewmaAlpha*rtf
	s.ewmaASRMs = (1-ewmaAlpha)*s.ewmaASRMs + ewmaAlpha*asrMs

	if !s.cfg.Adaptive {
		return
	}

	pendingMs := pcmring.MsForBytes(pendingBytesAfter)
	next := s.dynamicNormalMs

	switch {
	case pendingMs >= s.cfg.BacklogWindowMs || s.ewmaRTF > 1.0:
		next += 24
	case pendingMs <= s.cfg.MinWindowMs && s.ewmaRTF < 0.68:
		next -= 10
	case pendingMs <= s.cfg.NormalWindowMs/2 && s.ewmaRTF < 0.80:
		next -= 4
	}

	s.dynamicNormalMs = clamp(next, s.cfg.MinWindowMs, s.cfg.MaxWindowMs)
}

// ArmOrCheckGate evaluates the speech gate for a slice about to be (or not
// to be) sent to ASR. rmsDBFS is the slice's RMS in dBFS. It returns true
// when the slice should be discarded without calling ASR.
func (s *Scheduler) ArmOrCheckGate(rmsDBFS float64, now time.Time) bool {
	if rmsDBFS >= s.cfg.SilenceGateDBFS {
		s.speechHangoverUntil = now.Add(time.Duration(s.cfg.SpeechHangoverMs) * time.Millisecond)
		return false
	}
	return now.After(s.speechHangoverUntil)
}

// RMSDBFS computes the RMS, in dBFS, of a little-endian 16-bit mono PCM
// buffer. Silence (all-zero or empty input) reports a very low floor
// rather than -Inf, so gate comparisons stay well-defined.
func RMSDBFS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return -120
	}
	var sumSquares float64
	for i := 0; i < n; i++ {
		sample := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		normalized := float64(sample) / 32768.0
		sumSquares += normalized * normalized
	}
	rms := math.Sqrt(sumSquares / float64(n))
	if rms <= 0 {
		return -120
	}
	dbfs := 20 * math.Log10(rms)
	if dbfs < -120 {
		return -120
	}
	return dbfs
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
