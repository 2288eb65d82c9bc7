package ipcframe

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMain lets this test binary double as the framed-echo child process,
// the standard library's self-reexec idiom (see os/exec's own tests) for
// exercising a subprocess without shipping a separate fixture binary.
func TestMain(m *testing.M) {
	if os.Getenv("IPCFRAME_HELPER_PROCESS") == "1" {
		runEchoChild()
		return
	}
	os.Exit(m.Run())
}

// runEchoChild reads framed requests from stdin and echoes the request's
// JSON envelope back wrapped in {ok:true, result:{...}}, together with the
// binary tail's length, without a real JSON codec on the child side.
func runEchoChild() {
	in := os.Stdin
	out := os.Stdout
	for {
		var header [8]byte
		if _, err := io.ReadFull(in, header[:]); err != nil {
			return
		}
		jsonLen := binary.LittleEndian.Uint32(header[0:4])
		binLen := binary.LittleEndian.Uint32(header[4:8])

		jsonBuf := make([]byte, jsonLen)
		if _, err := io.ReadFull(in, jsonBuf); err != nil {
			return
		}
		binBuf := make([]byte, binLen)
		if binLen > 0 {
			if _, err := io.ReadFull(in, binBuf); err != nil {
				return
			}
		}

		id := extractID(string(jsonBuf))
		reply := fmt.Sprintf(`{"id":%q,"ok":true,"result":{"echo_json":%s,"binary_len":%d}}`, id, jsonBuf, binLen)
		var replyHeader [4]byte
		binary.LittleEndian.PutUint32(replyHeader[:], uint32(len(reply)))
		_, _ = out.Write(replyHeader[:])
		_, _ = out.Write([]byte(reply))
	}
}

func extractID(s string) string {
	const key = `"id":"`
	idx := indexOf(s, key)
	if idx < 0 {
		return ""
	}
	start := idx + len(key)
	end := start
	for end < len(s) && s[end] != '"' {
		end++
	}
	return s[start:end]
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// startHelperChild wires tr up to a freshly spawned copy of this test
// binary running in helper-process mode, bypassing Transport.Start so the
// helper-process environment variable can be injected.
func startHelperChild(t *testing.T, tr *Transport) {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)

	cmd := exec.Command(self)
	cmd.Env = append(os.Environ(), "IPCFRAME_HELPER_PROCESS=1")
	stdin, err := cmd.StdinPipe()
	require.NoError(t, err)
	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)
	cmd.Stderr = os.Stderr

	require.NoError(t, cmd.Start())

	tr.cmd = cmd
	tr.stdin = stdin
	tr.stdout = stdout
	tr.started = true

	go tr.writeLoop()
	go tr.readLoop(stdout)
	go tr.waitChild()
}

// TestFramedRoundTrip exercises the wire contract end to end through a
// real child process: the JSON params come back in the echoed envelope and
// the binary tail arrives at its full length.
func TestFramedRoundTrip(t *testing.T) {
	self, err := os.Executable()
	require.NoError(t, err)

	tr := &Transport{
		command:  []string{self},
		writeCh:  make(chan writeJob, 32),
		stopCh:   make(chan struct{}),
		exitCh:   make(chan struct{}),
		pendingM: make(map[string]pending),
	}
	startHelperChild(t, tr)
	defer tr.Stop()

	payload := []byte{0x01, 0x02, 0x03, 0xff, 0x00}
	result, err := tr.Request(context.Background(), "transcribe", map[string]string{"k": "v"}, payload, 5*time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(result), `"params":{"k":"v"}`)
	assert.Contains(t, string(result), fmt.Sprintf(`"binary_len":%d`, len(payload)))
}

// TestFramedConcurrentRequestsDoNotInterleave sends many concurrent
// requests through the same transport and checks every one gets back its
// own echoed payload, proving the single writer goroutine never
// interleaves two callers' header/json/binary triples.
func TestFramedConcurrentRequestsDoNotInterleave(t *testing.T) {
	self, err := os.Executable()
	require.NoError(t, err)

	tr := &Transport{
		command:  []string{self},
		writeCh:  make(chan writeJob, 32),
		stopCh:   make(chan struct{}),
		exitCh:   make(chan struct{}),
		pendingM: make(map[string]pending),
	}
	startHelperChild(t, tr)
	defer tr.Stop()

	const n = 20
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			payload := []byte{byte(i)}
			res, err := tr.Request(context.Background(), "transcribe", map[string]int{"i": i}, payload, 5*time.Second)
			if err != nil {
				errCh <- err
				return
			}
			if !assert.Contains(t, string(res), fmt.Sprintf(`"params":{"i":%d}`, i)) ||
				!assert.Contains(t, string(res), `"binary_len":1`) {
				errCh <- fmt.Errorf("unexpected result for %d: %s", i, res)
				return
			}
			errCh <- nil
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errCh)
	}
}

// TestChildCrashFailsOutstandingRequests confirms an unexpected child
// exit fails every pending request rather than hanging them.
func TestChildCrashFailsOutstandingRequests(t *testing.T) {
	tr := &Transport{
		command:  []string{"/bin/sleep", "0.05"},
		writeCh:  make(chan writeJob, 32),
		stopCh:   make(chan struct{}),
		exitCh:   make(chan struct{}),
		pendingM: make(map[string]pending),
	}
	require.NoError(t, tr.Start())
	defer tr.Stop()

	_, err := tr.Request(context.Background(), "warmup", struct{}{}, nil, 5*time.Second)
	assert.Error(t, err)
}
