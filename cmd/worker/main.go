package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"launchforge/internal/config"
	"launchforge/internal/events"
	"launchforge/internal/handlers"
	"launchforge/internal/registry"
	"launchforge/internal/store"
	"launchforge/internal/telemetry"
	"launchforge/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	reg := registry.New()
	reg.Register("dev.simulate", handlers.Simulate())

	artifact, err := handlers.NewArtifactHandler(ctx, cfg)
	if err != nil {
		log.Fatalf("init artifact handler: %v", err)
	}
	reg.Register("packet.publish_artifact", artifact.Handle)
	log.Printf("registered handlers: %v", reg.Types())

	// The emitter runs on its own context: it must keep accepting events while
	// the runner drains its last batch after the signal context is canceled.
	emitter := events.NewEmitter(st, cfg.EventBufferSize, cfg.EventFlushInterval)
	emitterCtx, stopEmitter := context.WithCancel(context.Background())
	var emitterWG sync.WaitGroup
	emitterWG.Add(1)
	go func() {
		defer emitterWG.Done()
		emitter.Run(emitterCtx)
	}()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	runner := worker.NewRunner(cfg, st, emitter, reg)
	err = runner.Run(ctx)

	// Stop the emitter only after the last batch has drained so terminal
	// status events are flushed, not dropped.
	stopEmitter()
	emitterWG.Wait()

	var fatal *worker.FatalError
	if errors.As(err, &fatal) {
		// Exit non-zero so the supervisor restarts a fresh process.
		log.Fatalf("worker %s: %v", cfg.WorkerID, fatal)
	}
	log.Printf("worker %s stopped: %v", cfg.WorkerID, err)
}
