package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/opendictation/dictation-core/internal/asrproxy"
	"github.com/opendictation/dictation-core/internal/collab"
	"github.com/opendictation/dictation-core/internal/config"
	"github.com/opendictation/dictation-core/internal/events"
	"github.com/opendictation/dictation-core/internal/orchestrator"
)

func main() {
	fmt.Println("Testing Dictation Pipeline Core")
	fmt.Println("================================")

	ctx := context.Background()

	// Test 1: Build an orchestrator over in-process collaborators.
	fmt.Println("\n1. Testing Orchestrator Construction...")

	cfg := config.Load()
	cfg.LiveStreamChunkMs = 20
	cfg.MinASRWindowMs = 40
	cfg.NormalASRWindowMs = 100
	cfg.BacklogASRWindowMs = 300
	cfg.MaxASRWindowMs = 600

	asr := asrproxy.NewEchoStub(true)
	injector := collab.NewBufferInjector()
	formatter := collab.NewPassthroughFormatter()
	capture := collab.NewReplayCapture(silencePCM(300))
	bus := events.NewBus(32)
	defer bus.Stop()

	o := orchestrator.New(cfg, capture, asr, formatter, injector, bus, collab.ModeLiteral)
	if o == nil {
		log.Fatal("❌ failed to construct orchestrator")
	}
	fmt.Println("✅ orchestrator constructed")

	// Test 2: Event bus subscription.
	fmt.Println("\n2. Testing Event Bus...")
	var stageEvents int
	unsub := bus.Subscribe(events.StateChanged, func(e events.Event) { stageEvents++ })
	defer unsub()
	fmt.Println("✅ subscribed to session.state_changed")

	// Test 3: Trivial flush - silence in, nothing injected.
	fmt.Println("\n3. Testing Trivial Flush (silence only)...")
	if err := o.HandlePress(ctx); err != nil {
		log.Fatalf("❌ HandlePress failed: %v", err)
	}
	waitForStage(o, orchestrator.StageRecording, time.Second)
	time.Sleep(150 * time.Millisecond)
	if err := o.HandleRelease(ctx); err != nil {
		log.Fatalf("❌ HandleRelease failed: %v", err)
	}
	if injector.String() != "" {
		log.Fatalf("❌ expected empty injector after silence, got %q", injector.String())
	}
	fmt.Println("✅ silence produced no injected text")

	// Test 4: Test-pipeline path (format and inject, no ASR, rewrite or dedup).
	fmt.Println("\n4. Testing Test-Pipeline Format and Inject...")
	injector2 := collab.NewBufferInjector()
	o2 := orchestrator.New(cfg, collab.NewReplayCapture(nil), asrproxy.NewEchoStub(true), formatter, injector2, nil, collab.ModeLiteral)
	if err := o2.TestPipeline(ctx, "hello comma world full stop"); err != nil {
		log.Fatalf("❌ TestPipeline failed: %v", err)
	}
	fmt.Printf("✅ pipeline emitted: %q\n", injector2.String())

	// Test 5: Session history accumulates.
	fmt.Println("\n5. Testing Session History...")
	history := o.History()
	fmt.Printf("✅ history has %d completed session(s)\n", len(history))
	if len(history) > 0 {
		fmt.Printf("   last session mode=%s chars=%d\n", history[0].Mode, len(history[0].Formatted))
	}

	// Test 6: Session export to JSON.
	fmt.Println("\n6. Testing Session Export...")
	if len(history) > 0 {
		exportDir, err := os.MkdirTemp("", "dictation-export")
		if err != nil {
			log.Fatalf("❌ failed to create export dir: %v", err)
		}
		defer os.RemoveAll(exportDir)
		path, err := o.ExportSession(history[0].ID, exportDir)
		if err != nil {
			log.Fatalf("❌ ExportSession failed: %v", err)
		}
		fmt.Printf("✅ session exported to %s\n", path)
	} else {
		fmt.Println("⚠️  no completed session to export")
	}

	// Test 7: Return to idle after a test-pipeline run.
	fmt.Println("\n7. Testing Return to Idle...")
	o3 := orchestrator.New(cfg, collab.NewReplayCapture(nil), asrproxy.NewEchoStub(true), formatter, collab.NewBufferInjector(), nil, collab.ModeLiteral)
	if err := o3.TestPipeline(ctx, "ok"); err != nil {
		log.Fatalf("❌ TestPipeline failed: %v", err)
	}
	if o3.State().Stage != orchestrator.StageIdle {
		log.Fatalf("❌ expected idle stage, got %s", o3.State().Stage)
	}
	fmt.Println("✅ orchestrator returned to idle")

	// Test 8: Graceful shutdown timing.
	fmt.Println("\n8. Testing Graceful Shutdown...")
	shutdownStart := time.Now()
	_ = asr.Shutdown(ctx)
	shutdownDuration := time.Since(shutdownStart)
	if shutdownDuration > 5*time.Second {
		log.Printf("⚠️  shutdown took %v (may be slow)", shutdownDuration)
	} else {
		fmt.Printf("✅ graceful shutdown completed in %v\n", shutdownDuration)
	}

	fmt.Printf("\n   total session.state_changed events observed: %d\n", stageEvents)
	fmt.Println("\n🎉 All pipeline smoke tests completed successfully!")
}

func silencePCM(ms int) []byte {
	return make([]byte, (16000*2*ms)/1000)
}

func waitForStage(o *orchestrator.Orchestrator, stage orchestrator.Stage, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if o.State().Stage == stage {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}
