// Package ipcframe implements the framed length-prefixed IPC transport used
// to talk to a long-lived child ASR process over its stdin/stdout pipes.
// Requests carry a fixed-width little-endian uint32 header pair (json
// length, binary length) followed by a JSON envelope and an optional
// binary audio tail; responses carry a single length plus JSON. Concurrent
// in-flight requests are correlated by envelope id.
package ipcframe

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const maxJSONLen = 8 * 1024 * 1024

// ErrClosed is returned by Request after the transport has stopped.
var ErrClosed = fmt.Errorf("ipcframe: transport closed")

type writeJob struct {
	json   []byte
	binary []byte
	done   chan error
}

type pending struct {
	resultCh chan response
}

type response struct {
	ok     bool
	result json.RawMessage
	errMsg string
}

type envelope struct {
	ID     string          `json:"id"`
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}

type replyEnvelope struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Transport manages a single child process and its framed protocol.
type Transport struct {
	command []string

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	started bool
	closed  bool

	writeCh chan writeJob
	stopCh  chan struct{}
	exitCh  chan struct{}

	pendingMu sync.Mutex
	pendingM  map[string]pending

	stderrTail []byte
}

// New creates a transport that will spawn command on Start.
func New(command []string) *Transport {
	return &Transport{
		command:  command,
		writeCh:  make(chan writeJob, 32),
		stopCh:   make(chan struct{}),
		exitCh:   make(chan struct{}),
		pendingM: make(map[string]pending),
	}
}

// Start spawns the child process if it is not already running.
func (t *Transport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return nil
	}

	cmd := exec.Command(t.command[0], t.command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("ipcframe: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ipcframe: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("ipcframe: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ipcframe: start child: %w", err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.stdout = stdout
	t.started = true

	go t.drainStderr(stderr)
	go t.writeLoop()
	go t.readLoop(stdout)
	go t.waitChild()

	return nil
}

func (t *Transport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		t.mu.Lock()
		t.stderrTail = append(t.stderrTail, scanner.Bytes()...)
		t.stderrTail = append(t.stderrTail, '\n')
		if len(t.stderrTail) > 4096 {
			t.stderrTail = t.stderrTail[len(t.stderrTail)-4096:]
		}
		t.mu.Unlock()
	}
}

// waitChild owns the one and only Wait call on the child; everyone else
// learns about the exit through exitCh.
func (t *Transport) waitChild() {
	err := t.cmd.Wait()
	close(t.exitCh)

	t.mu.Lock()
	stopped := t.closed
	t.mu.Unlock()
	if stopped {
		return
	}
	logrus.WithField("err", err).Warn("ipcframe: child exited unexpectedly")
	t.failAllPending(fmt.Errorf("ipcframe: child exited: %v", err))
}

func (t *Transport) failAllPending(err error) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for id, p := range t.pendingM {
		p.resultCh <- response{ok: false, errMsg: err.Error()}
		delete(t.pendingM, id)
	}
}

// writeLoop is the single serializing writer goroutine: it guarantees two
// concurrent Request calls never interleave their header/json/binary
// segments.
func (t *Transport) writeLoop() {
	for {
		select {
		case job := <-t.writeCh:
			job.done <- t.writeFrame(job.json, job.binary)
		case <-t.stopCh:
			for {
				select {
				case job := <-t.writeCh:
					job.done <- ErrClosed
				default:
					return
				}
			}
		}
	}
}

func (t *Transport) writeFrame(jsonBytes, binaryBytes []byte) error {
	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(jsonBytes)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(binaryBytes)))

	if _, err := t.stdin.Write(header[:]); err != nil {
		return err
	}
	if _, err := t.stdin.Write(jsonBytes); err != nil {
		return err
	}
	if len(binaryBytes) > 0 {
		if _, err := t.stdin.Write(binaryBytes); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) readLoop(r io.Reader) {
	reader := bufio.NewReaderSize(r, 64*1024)
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(reader, lenBuf[:]); err != nil {
			return
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		if n > maxJSONLen {
			logrus.WithField("len", n).Error("ipcframe: response exceeds max json length, resync impossible")
			return
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return
		}

		var reply replyEnvelope
		if err := json.Unmarshal(payload, &reply); err != nil || reply.ID == "" {
			logrus.Warn("ipcframe: discarding malformed response frame")
			continue
		}

		t.pendingMu.Lock()
		p, ok := t.pendingM[reply.ID]
		if ok {
			delete(t.pendingM, reply.ID)
		}
		t.pendingMu.Unlock()
		if !ok {
			continue
		}
		p.resultCh <- response{ok: reply.OK, result: reply.Result, errMsg: reply.Error}
	}
}

// Request sends a framed request and waits up to timeout for its response.
// binaryTail, if non-empty, rides along as the request's binary segment.
func (t *Transport) Request(ctx context.Context, action string, params interface{}, binaryTail []byte, timeout time.Duration) (json.RawMessage, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("ipcframe: marshal params: %w", err)
	}
	id := uuid.NewString()
	env := envelope{ID: id, Action: action, Params: paramsJSON}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("ipcframe: marshal envelope: %w", err)
	}

	resultCh := make(chan response, 1)
	t.pendingMu.Lock()
	t.pendingM[id] = pending{resultCh: resultCh}
	t.pendingMu.Unlock()

	done := make(chan error, 1)
	select {
	case t.writeCh <- writeJob{json: envJSON, binary: binaryTail, done: done}:
	case <-t.stopCh:
		t.forgetPending(id)
		return nil, ErrClosed
	case <-ctx.Done():
		t.forgetPending(id)
		return nil, ctx.Err()
	}

	select {
	case err := <-done:
		if err != nil {
			t.forgetPending(id)
			return nil, fmt.Errorf("ipcframe: write: %w", err)
		}
	case <-t.stopCh:
		t.forgetPending(id)
		return nil, ErrClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-resultCh:
		if !r.ok {
			return nil, fmt.Errorf("ipcframe: %s", r.errMsg)
		}
		return r.result, nil
	case <-timer.C:
		t.forgetPending(id)
		return nil, fmt.Errorf("ipcframe: request %s timed out after %s", action, timeout)
	case <-ctx.Done():
		t.forgetPending(id)
		return nil, ctx.Err()
	}
}

func (t *Transport) forgetPending(id string) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	delete(t.pendingM, id)
}

// Stop terminates the child, first gracefully (closing its stdin and
// sending SIGTERM), then forcefully after 1.5s.
func (t *Transport) Stop() error {
	t.mu.Lock()
	if !t.started || t.closed {
		t.closed = true
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cmd := t.cmd
	stdin := t.stdin
	t.mu.Unlock()

	t.failAllPending(ErrClosed)
	close(t.stopCh)
	_ = stdin.Close()
	_ = cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-t.exitCh:
	case <-time.After(1500 * time.Millisecond):
		_ = cmd.Process.Kill()
		<-t.exitCh
	}
	return nil
}
