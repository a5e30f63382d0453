package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"callscribe/internal/calllog"
	"callscribe/internal/credentials"
	"callscribe/internal/ratelimit"
	"callscribe/internal/retry"
	"callscribe/internal/storage/sqlite"
	"callscribe/internal/transcriber"
	"callscribe/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

type fakeSource struct {
	records []calllog.Record
}

func (f *fakeSource) FetchPage(_ context.Context, _ calllog.DateRange, pageToken string) ([]calllog.Record, string, error) {
	if pageToken != "" {
		return nil, "", nil
	}
	return f.records, "", nil
}

type fakeFetcher struct {
	mu        sync.Mutex
	payload   []byte
	fetches   int
	refreshes int
	err       error
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	return f.payload, nil
}

func (f *fakeFetcher) RefreshContentURI(_ context.Context, recordingID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return "/restapi/refreshed/" + recordingID, nil
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

type memStore struct {
	mu   sync.Mutex
	rows map[string]*sqlite.JobRecord
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]*sqlite.JobRecord)}
}

func (m *memStore) UpsertPending(rec *sqlite.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.rows[rec.RecordingID]; ok {
		existing.SessionID = rec.SessionID
		return nil
	}
	cp := *rec
	m.rows[rec.RecordingID] = &cp
	return nil
}

func (m *memStore) GetJob(recordingID string) (*sqlite.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[recordingID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) UpdateState(recordingID, state string, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.rows[recordingID]; ok {
		rec.State = state
		rec.Attempts = attempts
	}
	return nil
}

func (m *memStore) SetAudioPath(recordingID, audioPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.rows[recordingID]; ok {
		rec.AudioPath = audioPath
	}
	return nil
}

func (m *memStore) SetTranscript(recordingID, state, transcript string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.rows[recordingID]; ok {
		rec.State = state
		rec.Transcript = transcript
	}
	return nil
}

func (m *memStore) SetFailure(recordingID, state, errorKind, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.rows[recordingID]; ok {
		rec.State = state
		rec.ErrorKind = errorKind
		rec.ErrorMessage = errorMessage
	}
	return nil
}

func (m *memStore) state(recordingID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.rows[recordingID]; ok {
		return rec.State
	}
	return ""
}

// scriptedTranscriber returns results in order, repeating the last one.
type scriptedTranscriber struct {
	mu      sync.Mutex
	calls   int
	results []scriptedResult
}

type scriptedResult struct {
	text string
	err  error
}

func (s *scriptedTranscriber) Transcribe(_ context.Context, _ transcriber.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	s.calls++
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	r := s.results[idx]
	return r.text, r.err
}

func (s *scriptedTranscriber) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func record(id string, durationSeconds int, withRecording bool) calllog.Record {
	rec := calllog.Record{
		ID:              "call-" + id,
		SessionID:       "sess-" + id,
		StartTime:       time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC),
		DurationSeconds: durationSeconds,
		From:            "+15550001111",
		To:              "+15550002222",
		Direction:       "Inbound",
	}
	if withRecording {
		rec.Recording = &calllog.RecordingRef{
			ID:         id,
			ContentURI: "/restapi/content/" + id,
		}
	}
	return rec
}

type testEnv struct {
	scheduler *Scheduler
	source    *fakeSource
	fetcher   *fakeFetcher
	store     *memStore
	pool      *credentials.Pool
	tr        map[string]*scriptedTranscriber
}

func newTestEnv(t *testing.T, cfg Config, keys []string, records ...calllog.Record) *testEnv {
	t.Helper()
	return newTestEnvWithPool(t, cfg, credentials.PoolConfig{
		ErrorBanThreshold:  5,
		Cooldown:           10 * time.Millisecond,
		HourlyAudioSeconds: 7200,
	}, keys, records...)
}

func newTestEnvWithPool(t *testing.T, cfg Config, poolCfg credentials.PoolConfig, keys []string, records ...calllog.Record) *testEnv {
	t.Helper()
	log := testLogger(t)

	if cfg.AudioDir == "" {
		cfg.AudioDir = t.TempDir()
	}
	if cfg.Budget == 0 {
		cfg.Budget = time.Minute
	}
	if cfg.GraceDrain == 0 {
		cfg.GraceDrain = time.Second
	}
	if cfg.MinDurationSeconds == 0 {
		cfg.MinDurationSeconds = 20
	}
	if cfg.WorkerCap == 0 {
		cfg.WorkerCap = 4
	}

	pool := credentials.NewPool(keys, poolCfg, log)
	limiter := ratelimit.NewSlidingWindow(300, time.Minute)
	selector := credentials.NewSelector(pool, limiter, 0.9)

	trs := make(map[string]*scriptedTranscriber, len(keys))
	transcribers := make(map[string]transcriber.Transcriber, len(keys))
	for _, key := range keys {
		st := &scriptedTranscriber{results: []scriptedResult{{text: "transcript from " + key}}}
		trs[key] = st
		transcribers[key] = st
	}

	source := &fakeSource{records: records}
	fetcher := &fakeFetcher{payload: []byte("mp3-bytes")}
	store := newMemStore()

	policy := retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		QuotaDelay:  time.Millisecond,
	}

	sched := NewScheduler(cfg, source, fetcher, transcribers, pool, selector, limiter, store, nil, nil, policy, log)

	return &testEnv{
		scheduler: sched,
		source:    source,
		fetcher:   fetcher,
		store:     store,
		pool:      pool,
		tr:        trs,
	}
}

func TestRunTranscribesRecordedCalls(t *testing.T) {
	env := newTestEnv(t, Config{}, []string{"key-alpha-00000001"},
		record("rec1", 120, true),
		record("rec2", 45, true),
		record("short", 15, true), // below minimum duration
		record("nocall", 60, false),
	)

	result, err := env.scheduler.Run(context.Background(), calllog.Day(time.Now(), time.UTC))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.TotalCalls != 4 {
		t.Fatalf("TotalCalls = %d, want 4", result.TotalCalls)
	}
	if result.WithRecording != 3 {
		t.Fatalf("WithRecording = %d, want 3", result.WithRecording)
	}
	if result.SkippedShort != 1 {
		t.Fatalf("SkippedShort = %d, want 1", result.SkippedShort)
	}
	if result.Transcribed != 2 {
		t.Fatalf("Transcribed = %d, want 2", result.Transcribed)
	}
	if result.Failed != 0 {
		t.Fatalf("Failed = %d, want 0", result.Failed)
	}

	if got := env.store.state("rec1"); got != string(StateDone) {
		t.Fatalf("rec1 stored state = %q, want done", got)
	}
	if got := env.store.state("short"); got != "" {
		t.Fatalf("short call must never be stored, got state %q", got)
	}
	if env.fetcher.fetchCount() != 2 {
		t.Fatalf("fetch count = %d, want 2", env.fetcher.fetchCount())
	}
}

func TestRunChargesAudioSecondsToCredential(t *testing.T) {
	env := newTestEnv(t, Config{}, []string{"key-alpha-00000001"},
		record("rec1", 120, true),
	)

	if _, err := env.scheduler.Run(context.Background(), calllog.Day(time.Now(), time.UTC)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	report := env.pool.UsageReport()
	if len(report) != 1 {
		t.Fatalf("expected 1 usage entry, got %d", len(report))
	}
	if report[0].AudioSecondsUsed != 120 {
		t.Fatalf("AudioSecondsUsed = %v, want 120", report[0].AudioSecondsUsed)
	}
	if report[0].Successes != 1 {
		t.Fatalf("Successes = %d, want 1", report[0].Successes)
	}
}

func TestRetryExhaustionFailsJobExactlyOnce(t *testing.T) {
	env := newTestEnv(t, Config{}, []string{"key-alpha-00000001"},
		record("rec1", 60, true),
	)
	env.tr["key-alpha-00000001"].results = []scriptedResult{
		{err: retry.Errorf(retry.KindTransient, "upstream hiccup")},
	}

	result, err := env.scheduler.Run(context.Background(), calllog.Day(time.Now(), time.UTC))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Failed != 1 {
		t.Fatalf("Failed = %d, want 1", result.Failed)
	}
	if got := env.tr["key-alpha-00000001"].callCount(); got != 3 {
		t.Fatalf("transcriber called %d times, want 3 (max attempts)", got)
	}
	if result.ErrorsByKind["transient"] != 3 {
		t.Fatalf("transient tally = %d, want 3", result.ErrorsByKind["transient"])
	}
	if got := env.store.state("rec1"); got != string(StateFailed) {
		t.Fatalf("stored state = %q, want failed", got)
	}
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	env := newTestEnv(t, Config{}, []string{"key-alpha-00000001"},
		record("rec1", 60, true),
	)
	env.tr["key-alpha-00000001"].results = []scriptedResult{
		{err: retry.Errorf(retry.KindPermanent, "unsupported codec")},
	}

	result, err := env.scheduler.Run(context.Background(), calllog.Day(time.Now(), time.UTC))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := env.tr["key-alpha-00000001"].callCount(); got != 1 {
		t.Fatalf("permanent failure retried: %d calls", got)
	}
	if result.Failed != 1 {
		t.Fatalf("Failed = %d, want 1", result.Failed)
	}
}

func TestQuotaFailureFailsOverToSecondCredential(t *testing.T) {
	env := newTestEnv(t, Config{}, []string{"key-alpha-00000001", "key-bravo-00000002"},
		record("rec1", 60, true),
	)
	env.tr["key-alpha-00000001"].results = []scriptedResult{
		{err: retry.Errorf(retry.KindQuotaExceeded, "429 too many requests")},
	}

	result, err := env.scheduler.Run(context.Background(), calllog.Day(time.Now(), time.UTC))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Transcribed != 1 {
		t.Fatalf("Transcribed = %d, want 1", result.Transcribed)
	}

	var job *Job
	for _, j := range result.Jobs {
		if j.RecordingID() == "rec1" {
			job = j
		}
	}
	if job == nil {
		t.Fatal("rec1 job missing from result")
	}
	if job.Transcript != "transcript from key-bravo-00000002" {
		t.Fatalf("transcript = %q, want failover to second key", job.Transcript)
	}

	report := env.pool.UsageReport()
	if report[0].QuotaHits == 0 {
		t.Fatal("expected a quota hit recorded on the first credential")
	}
}

func TestCompletedJobIsReusedWithoutNetworkCalls(t *testing.T) {
	env := newTestEnv(t, Config{}, []string{"key-alpha-00000001"},
		record("rec1", 60, true),
	)
	env.store.rows["rec1"] = &sqlite.JobRecord{
		RecordingID: "rec1",
		SessionID:   "sess-rec1",
		StartTime:   time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC),
		State:       string(StateDone),
		Transcript:  "transcript from an earlier run",
	}

	result, err := env.scheduler.Run(context.Background(), calllog.Day(time.Now(), time.UTC))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if env.fetcher.fetchCount() != 0 {
		t.Fatalf("reused job must make no media calls, got %d", env.fetcher.fetchCount())
	}
	if got := env.tr["key-alpha-00000001"].callCount(); got != 0 {
		t.Fatalf("reused job must not be transcribed again, got %d calls", got)
	}
	if result.Reused != 1 || result.Transcribed != 1 {
		t.Fatalf("Reused/Transcribed = %d/%d, want 1/1", result.Reused, result.Transcribed)
	}
}

func TestExistingAudioFileSkipsDownload(t *testing.T) {
	audioDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(audioDir, "rec1.mp3"), []byte("cached-bytes"), 0o644); err != nil {
		t.Fatalf("failed to seed audio file: %v", err)
	}

	env := newTestEnv(t, Config{AudioDir: audioDir}, []string{"key-alpha-00000001"},
		record("rec1", 60, true),
	)

	result, err := env.scheduler.Run(context.Background(), calllog.Day(time.Now(), time.UTC))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if env.fetcher.fetchCount() != 0 {
		t.Fatalf("expected zero downloads with cached audio, got %d", env.fetcher.fetchCount())
	}
	if result.Transcribed != 1 {
		t.Fatalf("Transcribed = %d, want 1", result.Transcribed)
	}
}

func TestOversizedRecordingFailsWithoutUpload(t *testing.T) {
	env := newTestEnv(t, Config{MaxFileBytes: 4}, []string{"key-alpha-00000001"},
		record("rec1", 60, true),
	)
	env.fetcher.payload = []byte("way-more-than-four-bytes")

	result, err := env.scheduler.Run(context.Background(), calllog.Day(time.Now(), time.UTC))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := env.tr["key-alpha-00000001"].callCount(); got != 0 {
		t.Fatalf("oversized audio must never reach the provider, got %d calls", got)
	}
	if result.Failed != 1 {
		t.Fatalf("Failed = %d, want 1", result.Failed)
	}
	if result.ErrorsByKind["oversized"] != 1 {
		t.Fatalf("oversized tally = %d, want 1", result.ErrorsByKind["oversized"])
	}

	var job *Job
	for _, j := range result.Jobs {
		if j.RecordingID() == "rec1" {
			job = j
		}
	}
	if job == nil || job.FailKind != retry.KindOversized {
		t.Fatalf("expected oversized fail kind, got %+v", job)
	}
}

func TestSpentBudgetAdmitsNothing(t *testing.T) {
	env := newTestEnv(t, Config{Budget: time.Nanosecond}, []string{"key-alpha-00000001"},
		record("rec1", 60, true),
		record("rec2", 60, true),
	)

	result, err := env.scheduler.Run(context.Background(), calllog.Day(time.Now(), time.UTC))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !result.DeadlineReached {
		t.Fatal("expected DeadlineReached")
	}
	if env.fetcher.fetchCount() != 0 {
		t.Fatalf("expected no downloads after budget, got %d", env.fetcher.fetchCount())
	}
	if result.Transcribed != 0 || result.Failed != 0 {
		t.Fatalf("Transcribed/Failed = %d/%d, want 0/0", result.Transcribed, result.Failed)
	}
}

func TestDownloadFailureExhaustsRetries(t *testing.T) {
	env := newTestEnv(t, Config{}, []string{"key-alpha-00000001"},
		record("rec1", 60, true),
	)
	env.fetcher.err = retry.Errorf(retry.KindTransient, "connection reset")

	result, err := env.scheduler.Run(context.Background(), calllog.Day(time.Now(), time.UTC))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Failed != 1 {
		t.Fatalf("Failed = %d, want 1", result.Failed)
	}
	if got := env.tr["key-alpha-00000001"].callCount(); got != 0 {
		t.Fatalf("failed download must not be transcribed, got %d calls", got)
	}
	if env.fetcher.fetchCount() != 3 {
		t.Fatalf("fetch attempts = %d, want 3", env.fetcher.fetchCount())
	}
}

func TestRunReturnsPartialResultsOnCancel(t *testing.T) {
	records := make([]calllog.Record, 20)
	for i := range records {
		records[i] = record(fmt.Sprintf("rec%02d", i), 60, true)
	}
	env := newTestEnv(t, Config{}, []string{"key-alpha-00000001"}, records...)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := env.scheduler.Run(ctx, calllog.Day(time.Now(), time.UTC))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if result == nil {
		t.Fatal("expected partial result on cancellation")
	}
}

func TestHourlyCeilingDefersRatherThanOverspends(t *testing.T) {
	// One key with a 100s hourly budget and two 60s calls. The first spends
	// 60s; the second cannot fit under the 0.9 safety share and the window
	// reset is an hour away, far beyond the run budget, so it must be
	// deferred out of the run instead of charged against a spent key.
	env := newTestEnvWithPool(t,
		Config{Budget: 2 * time.Second, WorkerCap: 1},
		credentials.PoolConfig{
			ErrorBanThreshold:  5,
			Cooldown:           10 * time.Millisecond,
			HourlyAudioSeconds: 100,
		},
		[]string{"key-alpha-00000001"},
		record("rec1", 60, true),
		record("rec2", 60, true),
	)

	result, err := env.scheduler.Run(context.Background(), calllog.Day(time.Now(), time.UTC))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Transcribed != 1 {
		t.Fatalf("Transcribed = %d, want 1", result.Transcribed)
	}
	if result.Failed != 1 {
		t.Fatalf("Failed = %d, want 1", result.Failed)
	}
	if got := env.tr["key-alpha-00000001"].callCount(); got != 1 {
		t.Fatalf("transcriber calls = %d, want 1", got)
	}

	usage := env.pool.UsageReport()[0]
	if usage.AudioSecondsUsed > 100 {
		t.Fatalf("hourly ceiling exceeded: used %.0f of 100", usage.AudioSecondsUsed)
	}
	if usage.AudioSecondsUsed != 60 {
		t.Fatalf("AudioSecondsUsed = %.0f, want 60", usage.AudioSecondsUsed)
	}
}

func TestDurationExactlyAtThresholdIsSkipped(t *testing.T) {
	env := newTestEnv(t, Config{MinDurationSeconds: 20}, []string{"key-alpha-00000001"},
		record("rec1", 20, true),
		record("rec2", 21, true),
	)

	result, err := env.scheduler.Run(context.Background(), calllog.Day(time.Now(), time.UTC))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.SkippedShort != 1 {
		t.Fatalf("SkippedShort = %d, want 1", result.SkippedShort)
	}
	if result.Transcribed != 1 {
		t.Fatalf("Transcribed = %d, want 1", result.Transcribed)
	}
	if got, err := env.store.GetJob("rec1"); err != nil || got != nil {
		t.Fatalf("threshold-length call must not be stored, got %+v err %v", got, err)
	}
	if got := env.store.state("rec2"); got != string(StateDone) {
		t.Fatalf("rec2 state = %q, want done", got)
	}
}
