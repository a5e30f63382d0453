package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"callscribe/internal/calllog"
	"callscribe/internal/credentials"
	"callscribe/internal/ratelimit"
	"callscribe/internal/retry"
	"callscribe/internal/storage/sqlite"
	"callscribe/internal/transcriber"
	"callscribe/pkg/logger"
)

// Import logger functions
var (
	String   = logger.String
	Int      = logger.Int
	Float64  = logger.Float64
	Duration = logger.Duration
	Error    = logger.Error
)

// Source lists call-log records page by page.
type Source interface {
	FetchPage(ctx context.Context, dr calllog.DateRange, pageToken string) ([]calllog.Record, string, error)
}

// Fetcher downloads recording content and refreshes expired content URIs.
type Fetcher interface {
	Fetch(ctx context.Context, contentURI string) ([]byte, error)
	RefreshContentURI(ctx context.Context, recordingID string) (string, error)
}

// Store persists per-recording job state across runs.
type Store interface {
	UpsertPending(rec *sqlite.JobRecord) error
	GetJob(recordingID string) (*sqlite.JobRecord, error)
	UpdateState(recordingID, state string, attempts int) error
	SetAudioPath(recordingID, audioPath string) error
	SetTranscript(recordingID, state, transcript string) error
	SetFailure(recordingID, state, errorKind, errorMessage string) error
}

// TranscriptSink receives each finished transcript as it completes.
type TranscriptSink interface {
	WriteTranscript(recordingID, transcript string) error
}

// Notifier publishes progress events to observers.
type Notifier interface {
	Notify(event string, payload any)
}

// NopNotifier discards events.
type NopNotifier struct{}

func (NopNotifier) Notify(string, any) {}

// Config holds scheduler tuning.
type Config struct {
	AudioDir           string
	MinDurationSeconds int
	MaxFileBytes       int64
	WorkerCap          int
	Budget             time.Duration
	GraceDrain         time.Duration
	Language           string
	MIMEType           string
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		AudioDir:           "recordings",
		MinDurationSeconds: 20,
		MaxFileBytes:       transcriber.DefaultMaxFileBytes,
		WorkerCap:          8,
		Budget:             5*time.Hour + 30*time.Minute,
		GraceDrain:         2 * time.Minute,
		MIMEType:           "audio/mpeg",
	}
}

// Result is what a run produced, including partial output when interrupted.
type Result struct {
	TotalCalls      int
	WithRecording   int
	SkippedShort    int
	Reused          int
	Transcribed     int
	Failed          int
	ErrorsByKind    map[string]int
	DeadlineReached bool
	Jobs            []*Job
}

// Progress is a point-in-time snapshot for the status endpoints.
type Progress struct {
	Total           int           `json:"total"`
	Done            int           `json:"done"`
	Failed          int           `json:"failed"`
	InFlight        int           `json:"in_flight"`
	BudgetRemaining time.Duration `json:"budget_remaining_ns"`
}

// Scheduler drives recordings through download and transcription under the
// run's wall-clock budget. Downloads are serialized; transcription fans out
// across workers bounded by the credential pool size.
type Scheduler struct {
	config       Config
	source       Source
	fetcher      Fetcher
	transcribers map[string]transcriber.Transcriber
	pool         *credentials.Pool
	selector     *credentials.Selector
	limiter      *ratelimit.SlidingWindowLimiter
	store        Store
	sink         TranscriptSink
	notifier     Notifier
	policy       retry.Policy
	logger       *logger.Logger

	mu       sync.Mutex
	total    int
	done     int
	failed   int
	inFlight int
	errTally map[string]int
	deadline *Deadline
}

// NewScheduler wires the pipeline together.
func NewScheduler(
	config Config,
	source Source,
	fetcher Fetcher,
	transcribers map[string]transcriber.Transcriber,
	pool *credentials.Pool,
	selector *credentials.Selector,
	limiter *ratelimit.SlidingWindowLimiter,
	store Store,
	sink TranscriptSink,
	notifier Notifier,
	policy retry.Policy,
	log *logger.Logger,
) *Scheduler {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if config.MIMEType == "" {
		config.MIMEType = "audio/mpeg"
	}
	if config.MaxFileBytes <= 0 {
		config.MaxFileBytes = transcriber.DefaultMaxFileBytes
	}
	return &Scheduler{
		config:       config,
		source:       source,
		fetcher:      fetcher,
		transcribers: transcribers,
		pool:         pool,
		selector:     selector,
		limiter:      limiter,
		store:        store,
		sink:         sink,
		notifier:     notifier,
		policy:       policy,
		errTally:     make(map[string]int),
		logger:       log.Named("scheduler"),
	}
}

// Progress returns the current run snapshot.
func (s *Scheduler) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := Progress{
		Total:    s.total,
		Done:     s.done,
		Failed:   s.failed,
		InFlight: s.inFlight,
	}
	if s.deadline != nil {
		p.BudgetRemaining = s.deadline.Remaining()
	}
	return p
}

// Run processes every recorded call in the date range. It returns partial
// results when the context is cancelled or the budget runs out; the caller
// flushes whatever came back.
func (s *Scheduler) Run(ctx context.Context, dr calllog.DateRange) (*Result, error) {
	s.mu.Lock()
	s.deadline = NewDeadline(s.config.Budget)
	deadline := s.deadline
	s.mu.Unlock()

	if err := os.MkdirAll(s.config.AudioDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audio directory: %w", err)
	}

	records, err := s.fetchAll(ctx, dr)
	if err != nil {
		return nil, err
	}

	result := &Result{
		TotalCalls:   len(records),
		ErrorsByKind: s.errTally,
	}

	jobs := s.buildJobs(records, result)
	s.mu.Lock()
	s.total = len(jobs)
	s.mu.Unlock()

	s.logCapacityEstimate(len(jobs))

	pending := make([]*Job, 0, len(jobs))
	for _, job := range jobs {
		if job.State == StateDone {
			result.Reused++
			s.bumpDone()
			continue
		}
		pending = append(pending, job)
	}

	// workCtx outlives the deadline by the grace window so in-flight
	// requests can land.
	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	downloaded := make(chan *Job)
	go s.downloadLoop(workCtx, deadline, pending, downloaded)

	workers := s.workerCount()
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range downloaded {
				s.markInFlight(1)
				s.transcribeJob(workCtx, deadline, job)
				s.markInFlight(-1)
			}
		}()
	}

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	// Once the budget is spent the download loop stops feeding; give the
	// workers a bounded drain window, then cut them off.
	select {
	case <-drained:
	case <-ctx.Done():
		cancelWork()
		<-drained
	case <-s.afterDeadline(ctx, deadline):
		select {
		case <-drained:
		case <-time.After(s.config.GraceDrain):
			s.logger.Warn("Grace window expired, cancelling in-flight work")
			cancelWork()
			<-drained
		case <-ctx.Done():
			cancelWork()
			<-drained
		}
	}

	result.DeadlineReached = deadline.Exceeded()
	s.tally(jobs, result)
	result.Jobs = jobs

	s.logger.Info("Run complete",
		Int("total_calls", result.TotalCalls),
		Int("with_recording", result.WithRecording),
		Int("skipped_short", result.SkippedShort),
		Int("transcribed", result.Transcribed),
		Int("failed", result.Failed),
		Duration("elapsed", deadline.Elapsed()))

	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	return result, nil
}

// afterDeadline returns a channel that fires when the budget is spent.
func (s *Scheduler) afterDeadline(ctx context.Context, d *Deadline) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		remaining := d.Remaining()
		if remaining <= 0 {
			close(ch)
			return
		}
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		select {
		case <-timer.C:
			close(ch)
		case <-ctx.Done():
		}
	}()
	return ch
}

func (s *Scheduler) workerCount() int {
	n := 2 * s.pool.Size()
	if n > s.config.WorkerCap {
		n = s.config.WorkerCap
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (s *Scheduler) bumpDone() {
	s.mu.Lock()
	s.done++
	s.mu.Unlock()
}

func (s *Scheduler) bumpFailed() {
	s.mu.Lock()
	s.failed++
	s.mu.Unlock()
}

func (s *Scheduler) markInFlight(delta int) {
	s.mu.Lock()
	s.inFlight += delta
	s.mu.Unlock()
}

func (s *Scheduler) recordError(kind retry.Kind) {
	s.mu.Lock()
	s.errTally[kind.String()]++
	s.mu.Unlock()
}

// fetchAll walks every call-log page for the range.
func (s *Scheduler) fetchAll(ctx context.Context, dr calllog.DateRange) ([]calllog.Record, error) {
	var records []calllog.Record
	token := ""
	for {
		page, next, err := s.source.FetchPage(ctx, dr, token)
		if err != nil {
			return nil, fmt.Errorf("failed to list call log: %w", err)
		}
		records = append(records, page...)
		if next == "" {
			return records, nil
		}
		token = next
	}
}

// buildJobs filters records down to transcribable recordings and seeds the
// store. Jobs already completed by an earlier run come back in StateDone
// with their stored transcript.
func (s *Scheduler) buildJobs(records []calllog.Record, result *Result) []*Job {
	var jobs []*Job
	for _, rec := range records {
		if !rec.HasRecording() {
			continue
		}
		result.WithRecording++

		// Calls must be strictly longer than the minimum to be worth
		// transcribing; a call exactly at the threshold is skipped.
		if rec.DurationSeconds <= s.config.MinDurationSeconds {
			result.SkippedShort++
			s.logger.Debug("Skipping short call",
				String("recording_id", rec.Recording.ID),
				Int("duration_s", rec.DurationSeconds))
			continue
		}

		job := newJob(rec)

		stored, err := s.store.GetJob(job.RecordingID())
		if err != nil {
			s.logger.Warn("Failed to read stored job state", Error(err))
		}
		if stored != nil {
			job.AudioPath = stored.AudioPath
			if stored.State == string(StateDone) && stored.Transcript != "" {
				job.complete(stored.Transcript)
				jobs = append(jobs, job)
				continue
			}
		}

		if err := s.store.UpsertPending(&sqlite.JobRecord{
			RecordingID:     job.RecordingID(),
			SessionID:       rec.SessionID,
			StartTime:       rec.StartTime,
			DurationSeconds: rec.DurationSeconds,
			FromNumber:      rec.From,
			ToNumber:        rec.To,
			Direction:       rec.Direction,
			State:           string(StatePending),
		}); err != nil {
			s.logger.Warn("Failed to persist job", Error(err))
		}
		jobs = append(jobs, job)
	}
	return jobs
}

// logCapacityEstimate reports what the pool can theoretically sustain so an
// undersized run is visible up front.
func (s *Scheduler) logCapacityEstimate(jobCount int) {
	usable := len(s.pool.ListUsable())
	rpm := s.limiter.Limit()
	s.logger.Info("Run capacity",
		Int("jobs", jobCount),
		Int("usable_credentials", usable),
		Int("requests_per_minute_total", usable*rpm),
		Float64("audio_hours_per_hour", float64(usable)*s.pool.HourlyAudioSeconds()/3600),
		Duration("budget", s.config.Budget))
}

// downloadLoop fetches recordings one at a time in call order and hands
// them to the transcription workers. It stops admitting new work once the
// budget is spent.
func (s *Scheduler) downloadLoop(ctx context.Context, deadline *Deadline, jobs []*Job, out chan<- *Job) {
	defer close(out)
	for i, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		if deadline.Exceeded() {
			s.logger.Warn("Budget spent, not admitting remaining jobs",
				Int("remaining", len(jobs)-i))
			return
		}

		if err := s.download(ctx, job); err != nil {
			kind := retry.KindOf(err)
			s.recordError(kind)
			job.fail(kind, err)
			s.persistFailure(job)
			s.bumpFailed()
			s.notifier.Notify("job_failed", s.jobEvent(job))
			continue
		}

		if int64(len(job.Audio)) > s.config.MaxFileBytes {
			err := retry.Errorf(retry.KindOversized, "recording is %d bytes, limit %d", len(job.Audio), s.config.MaxFileBytes)
			s.recordError(retry.KindOversized)
			job.fail(retry.KindOversized, err)
			s.persistFailure(job)
			s.bumpFailed()
			s.notifier.Notify("job_failed", s.jobEvent(job))
			continue
		}

		select {
		case out <- job:
		case <-ctx.Done():
			return
		}
	}
}

// download obtains the recording bytes, reusing a prior run's file when one
// exists so re-runs make no media calls for finished downloads.
func (s *Scheduler) download(ctx context.Context, job *Job) error {
	path := filepath.Join(s.config.AudioDir, job.RecordingID()+".mp3")

	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		job.Audio = data
		job.AudioPath = path
		job.State = StateDownloaded
		s.logger.Debug("Reusing downloaded audio",
			String("recording_id", job.RecordingID()),
			Int("bytes", len(data)))
		return nil
	}

	job.State = StateDownloading
	if err := s.store.UpdateState(job.RecordingID(), string(StateDownloading), job.DownloadAttempts); err != nil {
		s.logger.Warn("Failed to persist download state", Error(err))
	}

	uri := job.Record.Recording.ContentURI
	refreshedURI := false
	for {
		data, err := s.fetcher.Fetch(ctx, uri)
		if err == nil {
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return fmt.Errorf("failed to write audio file: %w", err)
			}
			job.Audio = data
			job.AudioPath = path
			job.State = StateDownloaded
			if err := s.store.SetAudioPath(job.RecordingID(), path); err != nil {
				s.logger.Warn("Failed to persist audio path", Error(err))
			}
			return nil
		}

		kind := retry.KindOf(err)

		// Content links go stale between listing and download. Refresh
		// the URI once before burning retry attempts.
		if !refreshedURI && kind == retry.KindPermanent {
			refreshedURI = true
			fresh, refreshErr := s.fetcher.RefreshContentURI(ctx, job.RecordingID())
			if refreshErr == nil && fresh != "" {
				uri = fresh
				continue
			}
		}

		if !s.policy.ShouldRetry(kind, job.DownloadAttempts) {
			return err
		}
		job.DownloadAttempts++
		s.recordError(kind)
		delay := s.policy.Delay(kind, job.DownloadAttempts-1)
		s.logger.Warn("Download failed, retrying",
			String("recording_id", job.RecordingID()),
			String("kind", kind.String()),
			Int("attempt", job.DownloadAttempts),
			Duration("delay", delay))
		if err := s.policy.Wait(ctx, delay); err != nil {
			return err
		}
	}
}

// transcribeJob pushes one downloaded recording through the credential
// selector, the per-key rate limiter, and the provider client, retrying per
// the classified failure kind.
func (s *Scheduler) transcribeJob(ctx context.Context, deadline *Deadline, job *Job) {
	job.State = StateTranscribing
	if err := s.store.UpdateState(job.RecordingID(), string(StateTranscribing), job.TranscribeAttempts); err != nil {
		s.logger.Warn("Failed to persist transcribe state", Error(err))
	}
	s.notifier.Notify("job_started", s.jobEvent(job))

	audioSeconds := float64(job.Record.DurationSeconds)
	req := transcriber.Request{
		Audio:    job.Audio,
		MIMEType: s.config.MIMEType,
		Language: s.config.Language,
	}

	for {
		if ctx.Err() != nil {
			job.fail(retry.KindTransient, ctx.Err())
			s.persistFailure(job)
			s.bumpFailed()
			return
		}

		cred, err := s.pickCredential(ctx, deadline, audioSeconds)
		if err != nil {
			kind := retry.KindOf(err)
			s.recordError(kind)
			job.fail(kind, err)
			s.persistFailure(job)
			s.bumpFailed()
			s.notifier.Notify("job_failed", s.jobEvent(job))
			return
		}

		if err := s.limiter.Wait(ctx, cred.ID()); err != nil {
			job.fail(retry.KindTransient, err)
			s.persistFailure(job)
			s.bumpFailed()
			return
		}

		text, err := s.transcribers[cred.ID()].Transcribe(ctx, req)
		if err == nil {
			s.pool.RecordSuccess(cred.ID(), audioSeconds)
			job.complete(text)
			if err := s.store.SetTranscript(job.RecordingID(), string(StateDone), text); err != nil {
				s.logger.Warn("Failed to persist transcript", Error(err))
			}
			if s.sink != nil {
				if err := s.sink.WriteTranscript(job.RecordingID(), text); err != nil {
					s.logger.Warn("Failed to write transcript file", Error(err))
				}
			}
			s.bumpDone()
			s.notifier.Notify("job_done", s.jobEvent(job))
			s.logger.Info("Transcribed recording",
				String("recording_id", job.RecordingID()),
				String("credential", cred.MaskedID()),
				Int("duration_s", job.Record.DurationSeconds))
			return
		}

		kind := retry.KindOf(err)
		s.pool.RecordFailure(cred.ID(), kind)
		s.recordError(kind)
		job.TranscribeAttempts++

		if !s.policy.ShouldRetry(kind, job.TranscribeAttempts-1) {
			job.fail(kind, err)
			s.persistFailure(job)
			s.bumpFailed()
			s.notifier.Notify("job_failed", s.jobEvent(job))
			s.logger.Error("Transcription failed",
				String("recording_id", job.RecordingID()),
				String("credential", cred.MaskedID()),
				String("kind", kind.String()),
				Error(err))
			return
		}

		delay := s.policy.Delay(kind, job.TranscribeAttempts-1)
		s.logger.Warn("Transcription failed, retrying",
			String("recording_id", job.RecordingID()),
			String("credential", cred.MaskedID()),
			String("kind", kind.String()),
			Int("attempt", job.TranscribeAttempts),
			Duration("delay", delay))
		if err := s.policy.Wait(ctx, delay); err != nil {
			job.fail(retry.KindTransient, err)
			s.persistFailure(job)
			s.bumpFailed()
			return
		}
	}
}

// pickCredential resolves a credential for a job of the given length. When
// every hourly audio budget is spent the job is deferred until the earliest
// window rolls over; hourly capacity is a hard ceiling, never overridden.
// When every key is cooling down or banned it waits out the shortest
// cooldown if the budget allows, and otherwise falls back to the least
// recently failed key rather than dropping the job.
func (s *Scheduler) pickCredential(ctx context.Context, deadline *Deadline, audioSeconds float64) (*credentials.Credential, error) {
	for {
		cred, err := s.selector.Pick(audioSeconds)
		if err == nil {
			return cred, nil
		}

		var wait time.Duration
		switch {
		case errors.Is(err, credentials.ErrNoCapacity):
			reset, ok := s.pool.NextHourWindowReset()
			if !ok {
				// No window to wait for: the job cannot fit a fresh
				// hourly budget either.
				return nil, err
			}
			if reset > deadline.Remaining() {
				return nil, err
			}
			s.logger.Info("Hourly audio budgets exhausted, waiting for window reset",
				Duration("wait", reset))
			wait = reset
		case errors.Is(err, credentials.ErrPoolExhausted):
			cooldown, ok := s.pool.ShortestCooldown()
			if !ok || cooldown > deadline.Remaining() {
				if last := s.pool.LeastRecentlyFailed(); last != nil {
					s.logger.Warn("All credentials constrained, using least recently failed",
						String("credential", last.MaskedID()))
					return last, nil
				}
				return nil, err
			}
			s.logger.Info("All credentials cooling down, waiting",
				Duration("wait", cooldown))
			wait = cooldown
		default:
			return nil, err
		}

		if err := s.policy.Wait(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func (s *Scheduler) persistFailure(job *Job) {
	msg := ""
	if job.FailErr != nil {
		msg = job.FailErr.Error()
	}
	if err := s.store.SetFailure(job.RecordingID(), string(StateFailed), job.FailKind.String(), msg); err != nil {
		s.logger.Warn("Failed to persist job failure", Error(err))
	}
}

func (s *Scheduler) jobEvent(job *Job) map[string]any {
	ev := map[string]any{
		"recording_id": job.RecordingID(),
		"state":        string(job.State),
		"duration_s":   job.Record.DurationSeconds,
	}
	if job.FailKind != retry.KindNone {
		ev["error_kind"] = job.FailKind.String()
	}
	return ev
}

func (s *Scheduler) tally(jobs []*Job, result *Result) {
	result.Transcribed = 0
	result.Failed = 0
	for _, job := range jobs {
		switch job.State {
		case StateDone:
			result.Transcribed++
		case StateFailed:
			result.Failed++
		}
	}
}
