package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tetrixcorps/voicecore/internal/callstate"
	"github.com/tetrixcorps/voicecore/internal/config"
	"github.com/tetrixcorps/voicecore/internal/flow"
	"github.com/tetrixcorps/voicecore/internal/pipeline"
	"github.com/tetrixcorps/voicecore/internal/policy"
	"github.com/tetrixcorps/voicecore/internal/repository"
	"github.com/tetrixcorps/voicecore/internal/service"
	"github.com/tetrixcorps/voicecore/internal/telephony"
	transporthttp "github.com/tetrixcorps/voicecore/internal/transport/http"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting voicecore...")
	log.Printf("Public HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Admin HTTP Port: %d", cfg.AdminPort)
	log.Printf("Database: %s", cfg.DatabaseURL)
	log.Printf("Telephony API: %s", cfg.TelephonyAPIURL)

	// Initialize store
	store, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	// Seed the default industry flows and agents on first run
	if err := flow.SeedDefaults(ctx, store); err != nil {
		log.Fatalf("Failed to seed default flows: %v", err)
	}

	// Initialize the transcription and response pipeline
	stt := pipeline.NewDeepgramClient(cfg.STTAPIURL, cfg.STTAPIKey)
	responder := pipeline.NewOpenAIResponder(cfg.OpenAIAPIKey)
	streams := pipeline.NewManager(store, stt, responder, cfg.STTTimeout, cfg.ResponderTimeout)

	// Initialize policy engine
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Initialize telephony client
	dialer := telephony.NewClient(cfg.TelephonyAPIURL, cfg.TelephonyAPIKey, cfg.PublicBaseURL, cfg.DispatchTimeout)

	// Initialize the state machine and per-call dispatcher
	resolver := flow.NewResolver(store)
	machine := callstate.NewMachine(store, resolver, streams, policyEngine, cfg.PublicBaseURL, cfg.MaxRetries)
	dispatcher := callstate.NewDispatcher(machine, cfg.DispatchTimeout)
	defer dispatcher.Close()

	// Initialize service
	svc := service.New(store, dispatcher, streams, dialer)

	// Create the public (provider-facing) and admin servers
	publicServer := transporthttp.NewPublicServer(svc, cfg.WebhookSecret, cfg.MediaMaxConcurrent)
	adminServer := transporthttp.NewAdminServer(svc)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := publicServer.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start public server: %v", err)
		}
	}()

	go func() {
		addr := fmt.Sprintf(":%d", cfg.AdminPort)
		if err := adminServer.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start admin server: %v", err)
		}
	}()

	log.Printf("Public API started on port %d", cfg.HTTPPort)
	log.Printf("Admin API started on port %d", cfg.AdminPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down voicecore...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := publicServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown public server gracefully: %v", err)
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown admin server gracefully: %v", err)
	}

	log.Println("Voicecore stopped")
}
