package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"reverie/api/internal/app"
	"reverie/api/internal/archive"
	"reverie/api/internal/config"
	"reverie/api/internal/model"
	"reverie/api/internal/personarepo"
	"reverie/api/internal/recall"
	"reverie/api/internal/schedmark"
	"reverie/api/internal/scheduler"
	"reverie/api/internal/scribe"
	"reverie/api/internal/state"
	"reverie/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.PersonaDir, 0o755); err != nil {
		log.Fatalf("failed to create persona dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	personas := personarepo.New(cfg.PersonaDir)

	var marks *schedmark.Store
	if strings.TrimSpace(cfg.RedisURL) != "" {
		marks, err = schedmark.NewStore(cfg.RedisURL)
		if err != nil {
			log.Printf("WARNING: redis unavailable, sweep marks and wake queue disabled: %v", err)
			marks = nil
		} else {
			defer marks.Close()
		}
	}

	var meiliClient *recall.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = recall.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	recallService := recall.NewService(meiliClient, recall.NewPgScan(db))

	var archiver scribe.Archiver = archive.Disabled{}
	if strings.TrimSpace(cfg.ArchiveEndpoint) != "" {
		s3, err := archive.NewS3(ctx, cfg.ArchiveEndpoint, cfg.ArchiveAccessKey, cfg.ArchiveSecretKey, cfg.ArchiveBucket, cfg.ArchiveUseSSL)
		if err != nil {
			log.Printf("WARNING: archive unavailable, trimmed entries will be dropped: %v", err)
		} else {
			archiver = s3
		}
	}

	client := model.NewOpenAI(cfg.ModelAPIKey, cfg.ModelBaseURL, cfg.ModelName)

	for i := 0; i < cfg.ScribeWorkers; i++ {
		worker := scribe.NewWorker(dataStore, client, scribe.Options{
			Archive:          archiver,
			Episodes:         recallService,
			Personas:         personaCommitter{personas},
			Wake:             wakeDequeue(marks),
			EpisodeSpan:      cfg.EpisodeBucketSize,
			MaxTotalAttempts: cfg.MaxTotalAttempts,
			StaleJobAge:      cfg.StaleJobAge,
		})
		go worker.Run(ctx)
	}

	sweeper := scheduler.NewSweeper(dataStore, client, scheduler.Options{
		Marks:         schedMarker(marks),
		Wake:          wakeEnqueue(marks),
		IdleThreshold: cfg.IdleThreshold,
		BatchSize:     cfg.SweepBatchSize,
	})

	service := app.NewService(dataStore, client, app.ServiceOptions{
		Recall:   recallService,
		Personas: personas,
		Wake:     wakeEnqueue(marks),
	})

	httpServer := app.NewHTTPServer(service, app.HTTPServerOptions{
		Sweeper:    sweeper,
		SweepToken: cfg.SweepToken,
		CORSOrigin: cfg.CORSOrigin,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Reverie API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// personaCommitter adapts the persona repo to the scribe, which only needs
// the commit side.
type personaCommitter struct {
	svc *personarepo.Service
}

func (p personaCommitter) CommitPersona(characterID string, doc state.CharacterDoc, author, message string) error {
	_, err := p.svc.CommitPersona(characterID, doc, author, message)
	return err
}

// The nil-checking wrappers below keep a missing Redis from turning into a
// typed-nil interface inside the scheduler and scribe.

func schedMarker(marks *schedmark.Store) scheduler.Marker {
	if marks == nil {
		return nil
	}
	return marks
}

func wakeEnqueue(marks *schedmark.Store) scheduler.Waker {
	if marks == nil {
		return nil
	}
	return marks
}

func wakeDequeue(marks *schedmark.Store) scribe.WakeQueue {
	if marks == nil {
		return nil
	}
	return marks
}
