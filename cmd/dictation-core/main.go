// Command dictation-core hosts the dictation pipeline core as a
// long-running process: it wires the ASR worker proxy, capture
// collaborator, formatter, and injector according to the loaded
// configuration, and drives the session orchestrator from a push-to-talk
// loop.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/opendictation/dictation-core/internal/asrproxy"
	"github.com/opendictation/dictation-core/internal/collab"
	"github.com/opendictation/dictation-core/internal/config"
	"github.com/opendictation/dictation-core/internal/events"
	"github.com/opendictation/dictation-core/internal/ipcframe"
	"github.com/opendictation/dictation-core/internal/orchestrator"
	"github.com/opendictation/dictation-core/internal/rewriter"
)

var asrCommand string

func init() {
	flag.StringVar(&asrCommand, "asr-command", "", "override the ASR child process command")
	flag.Parse()

	_ = godotenv.Load()
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg := config.Load()
	if asrCommand != "" {
		cfg.ASRChildCommand = strings.Fields(asrCommand)
	}
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}

	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer cancel()

	bus := events.NewBus(64)
	defer bus.Stop()

	transport := ipcframe.New(cfg.ASRChildCommand)
	backend := buildBackend(cfg, transport)

	if err := backend.Warmup(ctx); err != nil {
		logrus.WithError(err).Fatal("asr warmup failed")
	}
	defer func() { _ = backend.Shutdown(context.Background()) }()

	capture := collab.NewReplayCapture(nil)
	injector := collab.NewStdoutInjector(func(s string) { fmt.Print(s) })
	formatter := collab.NewRuleFormatter(rewriter.NormalizeWhitespace)

	o := orchestrator.New(cfg, capture, backend, formatter, injector, bus, pickMode(cfg))

	bus.SubscribeAll(func(e events.Event) {
		logrus.WithFields(logrus.Fields{"event": e.Type, "session": e.SessionID}).Debug("session event")
	})

	logrus.Info("dictation-core ready; press enter to toggle recording, Ctrl-C to exit")
	runConsoleLoop(ctx, o)
}

func buildBackend(cfg config.Config, transport *ipcframe.Transport) asrproxy.Backend {
	stateful := cfg.ASRBackend == config.BackendNativeA || cfg.ASRBackend == config.BackendScriptA
	if cfg.ASRBackend == config.BackendScriptA || cfg.ASRBackend == config.BackendScriptB {
		return asrproxy.NewJSONLine(transport, stateful)
	}
	return asrproxy.NewFramed(transport, stateful)
}

func pickMode(cfg config.Config) string {
	if !cfg.SpokenFormattingCommands {
		return collab.ModeLiteral
	}
	return collab.ModeRewrite
}

// runConsoleLoop toggles recording on each Enter keypress, standing in
// for a global-hotkey collaborator provided by the hosting application.
func runConsoleLoop(ctx context.Context, o *orchestrator.Orchestrator) {
	scanner := bufio.NewScanner(os.Stdin)
	recording := false
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !scanner.Scan() {
			return
		}
		recording = !recording
		if recording {
			if err := o.HandlePress(ctx); err != nil {
				logrus.WithError(err).Error("failed to start recording")
			}
		} else {
			if err := o.HandleRelease(ctx); err != nil {
				logrus.WithError(err).Error("failed to stop recording")
			}
		}
	}
}
