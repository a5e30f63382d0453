package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"callscribe/internal/api"
	"callscribe/internal/calllog"
	"callscribe/internal/config"
	"callscribe/internal/credentials"
	"callscribe/internal/export"
	"callscribe/internal/pipeline"
	"callscribe/internal/ratelimit"
	"callscribe/internal/retry"
	"callscribe/internal/storage/sqlite"
	"callscribe/internal/transcriber"
	"callscribe/internal/transcriber/gemini"
	"callscribe/internal/transcriber/whisper"
	"callscribe/internal/websocket"
	"callscribe/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	dateFlag := flag.String("date", "", "Target date YYYY-MM-DD (default: yesterday)")
	flag.Parse()

	// Secrets may live in a .env during development; a missing file is fine
	_ = godotenv.Load()

	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	creds, err := config.LoadCredentials()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading credentials: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	loc, err := cfg.Scheduler.Location()
	if err != nil {
		log.Error("Invalid timezone", logger.Error(err))
		os.Exit(1)
	}

	targetDate, err := resolveTargetDate(*dateFlag, loc)
	if err != nil {
		log.Error("Invalid -date value", logger.Error(err))
		os.Exit(1)
	}

	runID := uuid.NewString()
	log = log.WithRunID(runID)
	log.Info("Starting callscribe run",
		logger.String("version", Version),
		logger.String("target_date", targetDate.Format("2006-01-02")),
		logger.Int("credentials", len(creds.TranscriptionKeys)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, creds, runID, targetDate, loc, log); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn("Run interrupted, partial results flushed")
			os.Exit(130)
		}
		log.Error("Run failed", logger.Error(err))
		os.Exit(1)
	}
}

// resolveTargetDate parses -date, defaulting to yesterday in the configured
// timezone.
func resolveTargetDate(value string, loc *time.Location) (time.Time, error) {
	if value == "" {
		return time.Now().In(loc).AddDate(0, 0, -1), nil
	}
	t, err := time.ParseInLocation("2006-01-02", value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM-DD: %w", err)
	}
	return t, nil
}

func run(ctx context.Context, cfg *config.Config, creds *config.Credentials, runID string, targetDate time.Time, loc *time.Location, log *logger.Logger) error {
	startedAt := time.Now()

	policy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Retry.BaseDelaySeconds) * time.Second,
		MaxDelay:    time.Duration(cfg.Retry.MaxDelaySeconds) * time.Second,
		QuotaDelay:  time.Duration(cfg.Retry.QuotaDelaySeconds) * time.Second,
	}

	client := calllog.NewClient(calllog.Config{
		BaseURL:            cfg.CallLog.BaseURL,
		ClientID:           creds.CallLogClientID,
		ClientSecret:       creds.CallLogClientSecret,
		JWT:                creds.CallLogJWT,
		PageSize:           cfg.CallLog.PageSize,
		TimeoutSeconds:     cfg.CallLog.TimeoutSeconds,
		MetadataIntervalMs: cfg.CallLog.MetadataIntervalMs,
		MediaIntervalMs:    cfg.CallLog.MediaIntervalMs,
	}, policy, log)

	if err := client.Authenticate(ctx); err != nil {
		return fmt.Errorf("telephony authentication failed: %w", err)
	}

	pool := credentials.NewPool(creds.TranscriptionKeys, credentials.PoolConfig{
		ErrorBanThreshold:  cfg.Transcription.ErrorBanThreshold,
		Cooldown:           time.Duration(cfg.Transcription.CooldownSeconds) * time.Second,
		HourlyAudioSeconds: cfg.Transcription.HourlyAudioSeconds,
	}, log)
	limiter := ratelimit.NewSlidingWindow(cfg.Transcription.RequestsPerMinute, time.Minute)
	selector := credentials.NewSelector(pool, limiter, cfg.Transcription.SafetyFactor)

	transcribers, err := buildTranscribers(ctx, cfg, creds.TranscriptionKeys, log)
	if err != nil {
		return err
	}

	store, err := sqlite.NewJobStore(cfg.Storage.BasePath, log)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer store.Close()

	writer, err := export.NewWriter(cfg.Export.OutputDir, log)
	if err != nil {
		return err
	}

	var notifier pipeline.Notifier = pipeline.NopNotifier{}
	var wsServer *websocket.Server
	if cfg.Server.Enabled {
		wsServer = websocket.NewServer(log)
		go wsServer.Run()
		notifier = wsServer
	}

	var sink pipeline.TranscriptSink
	if cfg.Export.WriteTranscripts {
		sink = writer
	}

	scheduler := pipeline.NewScheduler(
		pipeline.Config{
			AudioDir:           cfg.Scheduler.AudioDir,
			MinDurationSeconds: cfg.Transcription.MinDurationSeconds,
			MaxFileBytes:       int64(cfg.Transcription.MaxFileMB) * 1024 * 1024,
			WorkerCap:          cfg.Scheduler.WorkerCap,
			Budget:             time.Duration(cfg.Scheduler.BudgetMinutes) * time.Minute,
			GraceDrain:         time.Duration(cfg.Scheduler.GraceDrainSeconds) * time.Second,
			Language:           cfg.Transcription.Language,
			MIMEType:           "audio/mpeg",
		},
		client, client, transcribers, pool, selector, limiter, store, sink, notifier, policy, log,
	)

	var statusServer *http.Server
	if cfg.Server.Enabled {
		handler := api.NewHandler(api.RunInfo{
			RunID:      runID,
			TargetDate: targetDate.Format("2006-01-02"),
			StartedAt:  startedAt,
		}, scheduler, pool, store, wsServer, log)

		statusServer = &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      handler.Routes(),
			ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
			WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
			IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
		}
		go func() {
			log.Info("Starting status server", logger.String("addr", statusServer.Addr))
			if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("Status server error", logger.Error(err))
			}
		}()
	}

	dr := calllog.Day(targetDate, loc)
	result, runErr := scheduler.Run(ctx, dr)

	// Flush whatever the run produced, even on interrupt.
	if result != nil {
		flush(cfg, client, pool, writer, result, runID, targetDate, startedAt, runErr != nil, log)
	}

	if statusServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			log.Error("Status server shutdown error", logger.Error(err))
		}
	}

	return runErr
}

// buildTranscribers creates one provider client per API key so each key's
// usage is attributable.
func buildTranscribers(ctx context.Context, cfg *config.Config, keys []string, log *logger.Logger) (map[string]transcriber.Transcriber, error) {
	transcribers := make(map[string]transcriber.Transcriber, len(keys))
	for _, key := range keys {
		switch cfg.Transcription.Provider {
		case "whisper":
			transcribers[key] = whisper.NewClient(key, cfg.Transcription.BaseURL, cfg.Transcription.Model, cfg.Transcription.TimeoutSeconds, log)
		case "gemini":
			client, err := gemini.NewClient(ctx, key, cfg.Transcription.Model, log)
			if err != nil {
				return nil, fmt.Errorf("failed to create gemini client: %w", err)
			}
			transcribers[key] = client
		default:
			return nil, fmt.Errorf("unknown transcription provider %q", cfg.Transcription.Provider)
		}
	}
	return transcribers, nil
}

// flush writes the tabular exports and the run summary.
func flush(cfg *config.Config, client *calllog.Client, pool *credentials.Pool, writer *export.Writer, result *pipeline.Result, runID string, targetDate time.Time, startedAt time.Time, interrupted bool, log *logger.Logger) {
	rows := make([]export.Row, 0, result.Transcribed)
	for _, job := range result.Jobs {
		if job.State != pipeline.StateDone {
			continue
		}
		rows = append(rows, export.Row{
			RecordingID:     job.RecordingID(),
			SessionID:       job.Record.SessionID,
			StartTime:       job.Record.StartTime,
			DurationSeconds: job.Record.DurationSeconds,
			From:            job.Record.From,
			FromName:        job.Record.FromName,
			To:              job.Record.To,
			ToName:          job.Record.ToName,
			Extension:       job.Record.Extension,
			Direction:       job.Record.Direction,
			CallResult:      job.Record.Result,
			Transcript:      job.Transcript,
		})
	}

	baseName := "transcriptions_" + targetDate.Format("2006-01-02")
	if err := writer.WriteAll(rows, baseName, cfg.Export.Formats); err != nil {
		log.Error("Failed to write exports", logger.Error(err))
	}

	finished := time.Now()
	summary := export.Summary{
		RunID:           runID,
		TargetDate:      targetDate.Format("2006-01-02"),
		StartedAt:       startedAt,
		FinishedAt:      finished,
		ElapsedSeconds:  finished.Sub(startedAt).Seconds(),
		DeadlineReached: result.DeadlineReached,
		Interrupted:     interrupted,
		TotalCalls:      result.TotalCalls,
		WithRecording:   result.WithRecording,
		SkippedShort:    result.SkippedShort,
		Transcribed:     result.Transcribed,
		Failed:          result.Failed,
		ErrorsByKind:    result.ErrorsByKind,
		TokenRefreshes:  client.TokenRefreshes(),
		Credentials:     pool.UsageReport(),
	}
	path, err := writer.WriteSummary(summary, baseName)
	if err != nil {
		log.Error("Failed to write run summary", logger.Error(err))
		return
	}
	log.Info("Wrote run summary",
		logger.String("path", path),
		logger.Int("transcribed", summary.Transcribed),
		logger.Int("failed", summary.Failed))
}
