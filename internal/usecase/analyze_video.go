package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/thekingoffamily/TSOS/internal/domain/entity"
	"github.com/thekingoffamily/TSOS/internal/domain/fault"
	"github.com/thekingoffamily/TSOS/internal/domain/port"
	"github.com/thekingoffamily/TSOS/internal/infra/metrics"
)

var digitsRe = regexp.MustCompile(`\d+`)

// AnalyzeVideoUseCase drives one video through sampling, per-frame provider
// calls and aggregation, and owns every status transition of the task
// record along the way.
type AnalyzeVideoUseCase struct {
	repo      port.TaskRepository
	storage   port.VideoStorage
	sampler   port.FrameSampler
	describer port.ImageDescriber // nil when no provider credential is configured
	publisher port.StatusPublisher
	dlq       port.DLQPublisher
	cache     port.StatusCache
	notifier  port.FailureNotifier
	logger    *zap.Logger
	cfg       AnalyzeVideoConfig
}

type AnalyzeVideoConfig struct {
	TempDir           string
	MaxFrames         int
	SummaryPrompt     string
	PeopleCountPrompt string
	// Extra retries applied only to the people-count call when it fails
	// with a provider timeout.
	CountExtraRetries int
	CountRetryPause   time.Duration
}

func NewAnalyzeVideoUseCase(
	repo port.TaskRepository,
	storage port.VideoStorage,
	sampler port.FrameSampler,
	describer port.ImageDescriber,
	publisher port.StatusPublisher,
	dlq port.DLQPublisher,
	cache port.StatusCache,
	notifier port.FailureNotifier,
	logger *zap.Logger,
	cfg AnalyzeVideoConfig,
) *AnalyzeVideoUseCase {
	return &AnalyzeVideoUseCase{
		repo:      repo,
		storage:   storage,
		sampler:   sampler,
		describer: describer,
		publisher: publisher,
		dlq:       dlq,
		cache:     cache,
		notifier:  notifier,
		logger:    logger,
		cfg:       cfg,
	}
}

// Execute is the queue-facing entry point: it unmarshals the request and
// runs Process. Malformed messages go to the DLQ instead of requeueing.
func (uc *AnalyzeVideoUseCase) Execute(ctx context.Context, rawMsg []byte) error {
	var msg entity.AnalysisRequestMessage
	if err := json.Unmarshal(rawMsg, &msg); err != nil {
		uc.logger.Error("failed to unmarshal message", zap.Error(err), zap.ByteString("body", rawMsg))
		_ = uc.dlq.PublishToDLQ(ctx, rawMsg, "unmarshal_error: "+err.Error())
		return nil
	}
	return uc.Process(ctx, msg)
}

// Process runs one full analysis for the task named in msg. It returns a
// non-nil error only for infrastructure failures worth a redelivery; every
// analysis failure terminates in the task's own `failed` state instead.
func (uc *AnalyzeVideoUseCase) Process(ctx context.Context, msg entity.AnalysisRequestMessage) error {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "AnalyzeVideoUseCase.Process")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", msg.TaskID.String()),
		attribute.String("task.video_key", msg.VideoKey),
	)

	start := time.Now()
	log := uc.logger.With(zap.String("task_id", msg.TaskID.String()), zap.String("video_key", msg.VideoKey))

	task, err := uc.repo.Load(ctx, msg.TaskID)
	if fault.KindOf(err) == fault.KindRecordMissing {
		// Lost or cancelled task, nothing to mark.
		log.Warn("task record not found, dropping message")
		return nil
	}
	if err != nil {
		log.Error("failed to load task", zap.Error(err))
		return fmt.Errorf("load task: %w", err)
	}

	if task.Status.Terminal() {
		log.Warn("task already terminal, skipping", zap.String("status", string(task.Status)))
		return nil
	}

	if err := task.MarkProcessing(); err != nil {
		log.Warn("cannot start processing", zap.Error(err))
		return nil
	}
	if err := uc.repo.Save(ctx, task); err != nil {
		log.Error("failed to persist processing status", zap.Error(err))
		return fmt.Errorf("save task: %w", err)
	}
	uc.publishStatus(ctx, task, log)

	metrics.TasksInProgress.Inc()
	defer metrics.TasksInProgress.Dec()

	workDir := filepath.Join(uc.cfg.TempDir, task.ID.String())
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create workdir: %w", err)
	}
	// Sampled frame files live under workDir, so this covers the cleanup
	// guarantee on success and on every failure path.
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.Warn("failed to remove workdir", zap.String("dir", workDir), zap.Error(err))
		}
	}()

	result, runErr := uc.runPipeline(ctx, task, workDir, start, log)
	if runErr != nil {
		return uc.markFailed(ctx, task, msg, runErr, log)
	}

	if err := task.MarkCompleted(*result); err != nil {
		log.Error("completed transition rejected", zap.Error(err))
		return nil
	}
	if err := uc.repo.Save(ctx, task); err != nil {
		log.Error("failed to persist completed task", zap.Error(err))
		return fmt.Errorf("save completed task: %w", err)
	}
	if err := uc.repo.AppendMetric(ctx, task.ID, "unique_people", float64(result.UniquePeople)); err != nil {
		log.Error("failed to append metric", zap.Error(err))
	}
	uc.publishStatus(ctx, task, log)

	metrics.TasksProcessedTotal.WithLabelValues("completed").Inc()
	metrics.ProcessingDuration.WithLabelValues("total").Observe(time.Since(start).Seconds())

	log.Info("analysis completed",
		zap.Int("total_frames", result.TotalFrames),
		zap.Int("unique_people", result.UniquePeople),
		zap.Float64("analysis_time", result.AnalysisTime),
	)
	return nil
}

func (uc *AnalyzeVideoUseCase) runPipeline(
	ctx context.Context,
	task *entity.Task,
	workDir string,
	start time.Time,
	log *zap.Logger,
) (*entity.AnalysisResult, error) {
	tracer := otel.Tracer("usecase")

	dlStart := time.Now()
	ctxDl, spanDl := tracer.Start(ctx, "download_video")
	videoPath := filepath.Join(workDir, "input"+videoExt(task.VideoKey))
	err := uc.storage.DownloadVideo(ctxDl, task.VideoKey, videoPath)
	spanDl.End()
	if err != nil {
		return nil, fmt.Errorf("download video: %w", err)
	}
	metrics.ProcessingDuration.WithLabelValues("download").Observe(time.Since(dlStart).Seconds())

	smStart := time.Now()
	ctxSm, spanSm := tracer.Start(ctx, "sample_frames")
	framesDir := filepath.Join(workDir, "frames")
	if err := os.MkdirAll(framesDir, 0o755); err != nil {
		spanSm.End()
		return nil, fmt.Errorf("create frames dir: %w", err)
	}
	sampled, err := uc.sampler.SampleFrames(ctxSm, videoPath, framesDir, uc.cfg.MaxFrames)
	spanSm.End()
	if err != nil {
		return nil, err
	}
	metrics.ProcessingDuration.WithLabelValues("sample").Observe(time.Since(smStart).Seconds())
	metrics.FramesSampledTotal.Add(float64(len(sampled.FramePaths)))

	result := &entity.AnalysisResult{
		TotalFrames:     sampled.TotalFrames,
		DurationSeconds: sampled.DurationSeconds,
	}

	if uc.describer == nil {
		log.Info("no provider configured, skipping description phase")
	} else if len(sampled.FramePaths) == 0 {
		log.Info("no motion frames sampled, nothing to describe")
	} else {
		ctxDesc, spanDesc := tracer.Start(ctx, "describe_frames")
		descriptions, uniquePeople, err := uc.describeFrames(ctxDesc, sampled.FramePaths, log)
		spanDesc.End()
		if err != nil {
			return nil, err
		}
		result.Provider = uc.describer.Name()
		result.UniquePeople = uniquePeople
		result.Summary = strings.Join(descriptions, " | ")
	}

	result.AnalysisTime = time.Since(start).Seconds()
	return result, nil
}

// describeFrames issues the two provider calls per frame, in sampling
// order, and aggregates the running maximum of the parsed people counts.
// Calls are sequential to bound rate-limit exposure.
func (uc *AnalyzeVideoUseCase) describeFrames(ctx context.Context, framePaths []string, log *zap.Logger) ([]string, int, error) {
	var descriptions []string
	uniquePeople := 0

	for _, framePath := range framePaths {
		description, err := uc.describer.Describe(ctx, framePath, uc.cfg.SummaryPrompt)
		if err != nil {
			return nil, 0, err
		}
		descriptions = append(descriptions, description)

		countText, err := uc.countPeople(ctx, framePath, log)
		if err != nil {
			return nil, 0, err
		}
		if n := parsePeopleCount(countText); n > uniquePeople {
			uniquePeople = n
		}
	}

	return descriptions, uniquePeople, nil
}

// countPeople is the people-count sub-call with its own timeout-only retry
// layer on top of the client's retry policy.
func (uc *AnalyzeVideoUseCase) countPeople(ctx context.Context, framePath string, log *zap.Logger) (string, error) {
	retries := 0
	for {
		text, err := uc.describer.Describe(ctx, framePath, uc.cfg.PeopleCountPrompt)
		if err == nil {
			return text, nil
		}
		retries++
		if retries > uc.cfg.CountExtraRetries || fault.KindOf(err) != fault.KindProviderTimeout {
			return "", err
		}
		log.Info("retrying people count after timeout",
			zap.String("frame", filepath.Base(framePath)),
			zap.Int("retry", retries),
		)
		select {
		case <-time.After(uc.cfg.CountRetryPause):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (uc *AnalyzeVideoUseCase) markFailed(
	ctx context.Context,
	task *entity.Task,
	msg entity.AnalysisRequestMessage,
	runErr error,
	log *zap.Logger,
) error {
	errMsg := failureMessage(runErr)
	log.Warn("analysis failed", zap.String("reason", errMsg), zap.Error(runErr))

	if err := task.MarkFailed(errMsg); err != nil {
		log.Error("failed transition rejected", zap.Error(err))
		return nil
	}
	if err := uc.repo.Save(ctx, task); err != nil {
		log.Error("failed to persist failed task", zap.Error(err))
		return fmt.Errorf("save failed task: %w", err)
	}
	uc.publishStatus(ctx, task, log)

	metrics.TasksProcessedTotal.WithLabelValues("failed").Inc()

	if msg.UserEmail != "" {
		_ = uc.notifier.NotifyFailure(ctx, msg.UserEmail, task.ID.String(), task.VideoKey, errMsg)
	}
	return nil
}

func (uc *AnalyzeVideoUseCase) publishStatus(ctx context.Context, task *entity.Task, log *zap.Logger) {
	statusMsg := entity.StatusMessageFor(task)

	if uc.cache != nil {
		if err := uc.cache.SetStatus(ctx, statusMsg); err != nil {
			log.Warn("failed to cache status", zap.Error(err))
		}
	}

	data, _ := json.Marshal(statusMsg)
	if err := uc.publisher.PublishStatus(ctx, data); err != nil {
		log.Error("failed to publish status", zap.Error(err))
	}
}

// failureMessage keeps the HTTP status visible for provider failures so the
// record's error_message explains what the provider answered.
func failureMessage(err error) string {
	switch fault.KindOf(err) {
	case fault.KindProviderUnavailable, fault.KindProviderTimeout:
		if status := fault.StatusOf(err); status > 0 {
			return fmt.Sprintf("provider error (HTTP %d): %v", status, err)
		}
		return fmt.Sprintf("provider error: %v", err)
	default:
		return err.Error()
	}
}

// parsePeopleCount extracts the first run of decimal digits from the reply,
// 0 when none is present.
func parsePeopleCount(text string) int {
	match := digitsRe.FindString(text)
	if match == "" {
		return 0
	}
	n, err := strconv.Atoi(match)
	if err != nil {
		return 0
	}
	return n
}

func videoExt(videoKey string) string {
	if ext := filepath.Ext(videoKey); ext != "" {
		return ext
	}
	return ".mp4"
}
