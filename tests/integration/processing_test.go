package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	amqp "github.com/rabbitmq/amqp091-go"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcminio "github.com/testcontainers/testcontainers-go/modules/minio"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcrabbitmq "github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/thekingoffamily/TSOS/internal/domain/entity"
	"github.com/thekingoffamily/TSOS/internal/infra/email"
	"github.com/thekingoffamily/TSOS/internal/infra/ffmpeg"
	miniostorage "github.com/thekingoffamily/TSOS/internal/infra/minio"
	"github.com/thekingoffamily/TSOS/internal/infra/openrouter"
	"github.com/thekingoffamily/TSOS/internal/infra/postgres"
	"github.com/thekingoffamily/TSOS/internal/infra/rabbitmq"
	"github.com/thekingoffamily/TSOS/internal/infra/rediscache"
	"github.com/thekingoffamily/TSOS/internal/usecase"
	"github.com/thekingoffamily/TSOS/pkg/logger"
)

// fakeProvider answers every chat completion with a canned scene
// description that carries a people count.
func fakeProvider(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "A test pattern with 2 people"}},
			},
		})
	}))
}

// generateTestVideo renders a short moving test pattern with ffmpeg so the
// motion sampler has something to pick frames from.
func generateTestVideo(t *testing.T, dir string) string {
	t.Helper()
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not available on PATH")
	}
	videoPath := filepath.Join(dir, "test.mp4")
	cmd := exec.Command("ffmpeg",
		"-f", "lavfi", "-i", "testsrc=duration=2:size=320x240:rate=24",
		"-c:v", "libx264", "-pix_fmt", "yuv420p",
		videoPath,
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "ffmpeg: %s", out)
	return videoPath
}

func TestAnalyzeVideoEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	testVideoPath := generateTestVideo(t, t.TempDir())

	// Start PostgreSQL container
	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:15-alpine",
		tcpostgres.WithDatabase("tsos"),
		tcpostgres.WithUsername("tsos_user"),
		tcpostgres.WithPassword("tsos_pass"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	defer pgContainer.Terminate(ctx)

	pgConnStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// Start RabbitMQ container
	rmqContainer, err := tcrabbitmq.Run(ctx,
		"rabbitmq:3.12-management-alpine",
	)
	require.NoError(t, err)
	defer rmqContainer.Terminate(ctx)

	rmqURL, err := rmqContainer.AmqpURL(ctx)
	require.NoError(t, err)

	// Start MinIO container
	minioContainer, err := tcminio.Run(ctx,
		"minio/minio:latest",
		tcminio.WithUsername("minioadmin"),
		tcminio.WithPassword("minioadmin"),
	)
	require.NoError(t, err)
	defer minioContainer.Terminate(ctx)

	minioEndpoint, err := minioContainer.ConnectionString(ctx)
	require.NoError(t, err)

	// Start Redis container
	redisContainer, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	defer redisContainer.Terminate(ctx)

	redisURL, err := redisContainer.ConnectionString(ctx)
	require.NoError(t, err)

	provider := fakeProvider(t)
	defer provider.Close()

	// Setup DB pool and schema
	pool, err := pgxpool.New(ctx, pgConnStr)
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, postgres.RunMigrations(ctx, pool))

	// Setup MinIO storage and upload the test video
	storage, err := miniostorage.NewStorage(miniostorage.StorageConfig{
		Endpoint:     minioEndpoint,
		AccessKey:    "minioadmin",
		SecretKey:    "minioadmin",
		UseSSL:       false,
		UploadBucket: "uploads",
	})
	require.NoError(t, err)
	require.NoError(t, storage.EnsureBuckets(ctx))

	minioClient, err := miniogo.New(minioEndpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
		Secure: false,
	})
	require.NoError(t, err)

	videoKey := "testuser/test.mp4"
	_, err = minioClient.FPutObject(ctx, "uploads", videoKey, testVideoPath, miniogo.PutObjectOptions{
		ContentType: "video/mp4",
	})
	require.NoError(t, err)

	// Setup Redis status cache
	redisOpts, err := goredis.ParseURL(redisURL)
	require.NoError(t, err)
	redisClient := goredis.NewClient(redisOpts)
	defer redisClient.Close()
	cache := rediscache.NewStatusCache(redisClient)

	// Setup RabbitMQ publishers
	rmqConn, err := amqp.Dial(rmqURL)
	require.NoError(t, err)
	defer rmqConn.Close()

	pub, err := rabbitmq.NewPublisher(rmqConn, "tsos.analysis")
	require.NoError(t, err)

	statusPub := rabbitmq.NewStatusPublisher(pub)
	dlqPub := rabbitmq.NewDLQPublisher(pub, "analysis.dlq")

	// Setup use case against the fake provider
	log, _ := logger.New("debug")
	repo := postgres.NewTaskRepository(pool)
	sampler := ffmpeg.NewSampler(2.0, log)
	notifier := email.NewSMTPNotifier("localhost", 1025, "noreply@tsos.local", log)

	transport := openrouter.NewTransport(openrouter.TransportConfig{
		Timeout:    10 * time.Second,
		MaxRetries: 2,
		RetryDelay: 100 * time.Millisecond,
	}, log)
	describer, err := openrouter.NewClient(openrouter.ClientConfig{
		APIKey:      "test-key",
		BaseURL:     provider.URL,
		Model:       "test-model",
		MaxAttempts: 3,
		RetryDelay:  100 * time.Millisecond,
		Cooldown:    50 * time.Millisecond,
	}, transport, log)
	require.NoError(t, err)

	uc := usecase.NewAnalyzeVideoUseCase(
		repo, storage, sampler, describer,
		statusPub, dlqPub, cache, notifier,
		log,
		usecase.AnalyzeVideoConfig{
			TempDir:           t.TempDir(),
			MaxFrames:         5,
			SummaryPrompt:     "describe the scene",
			PeopleCountPrompt: "how many people are visible?",
			CountExtraRetries: 2,
			CountRetryPause:   100 * time.Millisecond,
		},
	)

	// Setup consumer
	consumer, err := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
		URL:         rmqURL,
		Queue:       "analysis.requested",
		Exchange:    "tsos.analysis",
		DLQ:         "analysis.dlq",
		StatusQueue: "analysis.status",
		Prefetch:    1,
		WorkerCount: 1,
		BaseDelayMs: 100,
	}, uc.Execute, log)
	require.NoError(t, err)
	defer consumer.Close()

	consumerCtx, consumerCancel := context.WithCancel(ctx)
	defer consumerCancel()
	go func() {
		consumer.Start(consumerCtx)
	}()

	// Give consumer time to start
	time.Sleep(500 * time.Millisecond)

	// Create the task record the API half would have written
	task := entity.NewTask("test.mp4", videoKey)
	require.NoError(t, repo.Create(ctx, task))

	// Publish the analysis request
	reqMsg := entity.AnalysisRequestMessage{TaskID: task.ID, VideoKey: videoKey}
	msgBody, err := json.Marshal(reqMsg)
	require.NoError(t, err)

	pubCh, err := rmqConn.Channel()
	require.NoError(t, err)
	err = pubCh.PublishWithContext(ctx,
		"tsos.analysis",
		"analysis.requested",
		false, false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        msgBody,
		},
	)
	require.NoError(t, err)
	pubCh.Close()

	// Drain status messages until terminal
	statusCh, err := rmqConn.Channel()
	require.NoError(t, err)
	defer statusCh.Close()

	statusMsgs, err := statusCh.Consume("analysis.status", "", true, false, false, false, nil)
	require.NoError(t, err)

	var statusMsg entity.TaskStatusMessage
	deadline := time.After(2 * time.Minute)
	for !statusMsg.Status.Terminal() {
		select {
		case delivery := <-statusMsgs:
			require.NoError(t, json.Unmarshal(delivery.Body, &statusMsg))
		case <-deadline:
			t.Fatal("timeout waiting for terminal status message")
		}
	}

	assert.Equal(t, task.ID, statusMsg.TaskID)
	assert.Equal(t, entity.TaskStatusCompleted, statusMsg.Status, "error: %s", statusMsg.ErrorMessage)
	assert.Equal(t, "openrouter", statusMsg.Provider)
	assert.Equal(t, 2, statusMsg.UniquePeople)
	assert.Greater(t, statusMsg.TotalFrames, 0)

	// Verify task record in database
	stored, err := repo.Load(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.TaskStatusCompleted, stored.Status)
	assert.Equal(t, 2, stored.UniquePeople)
	assert.NotEmpty(t, stored.Summary)
	assert.Greater(t, stored.AnalysisTime, 0.0)

	// Verify cached status in Redis
	cachedRaw, err := redisClient.Get(ctx, "task:status:"+task.ID.String()).Result()
	require.NoError(t, err)
	var cached entity.TaskStatusMessage
	require.NoError(t, json.Unmarshal([]byte(cachedRaw), &cached))
	assert.Equal(t, entity.TaskStatusCompleted, cached.Status)

	consumerCancel()
}

func TestMalformedMessageGoesToDLQ(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	rmqContainer, err := tcrabbitmq.Run(ctx,
		"rabbitmq:3.12-management-alpine",
	)
	require.NoError(t, err)
	defer rmqContainer.Terminate(ctx)

	rmqURL, err := rmqContainer.AmqpURL(ctx)
	require.NoError(t, err)

	rmqConn, err := amqp.Dial(rmqURL)
	require.NoError(t, err)
	defer rmqConn.Close()

	pub, err := rabbitmq.NewPublisher(rmqConn, "tsos.analysis")
	require.NoError(t, err)
	dlqPub := rabbitmq.NewDLQPublisher(pub, "analysis.dlq")

	log, _ := logger.New("debug")

	// A handler that mirrors the use case's malformed-message contract
	// without needing the full pipeline behind it.
	handler := func(ctx context.Context, body []byte) error {
		var msg entity.AnalysisRequestMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return dlqPub.PublishToDLQ(ctx, body, "unmarshal_error: "+err.Error())
		}
		return nil
	}

	consumer, err := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
		URL:         rmqURL,
		Queue:       "analysis.requested",
		Exchange:    "tsos.analysis",
		DLQ:         "analysis.dlq",
		StatusQueue: "analysis.status",
		Prefetch:    1,
		WorkerCount: 1,
		BaseDelayMs: 100,
	}, handler, log)
	require.NoError(t, err)
	defer consumer.Close()

	consumerCtx, consumerCancel := context.WithCancel(ctx)
	defer consumerCancel()
	go func() {
		consumer.Start(consumerCtx)
	}()
	time.Sleep(500 * time.Millisecond)

	pubCh, err := rmqConn.Channel()
	require.NoError(t, err)
	err = pubCh.PublishWithContext(ctx,
		"tsos.analysis",
		"analysis.requested",
		false, false,
		amqp.Publishing{ContentType: "application/json", Body: []byte(`{not json`)},
	)
	require.NoError(t, err)
	pubCh.Close()

	dlqCh, err := rmqConn.Channel()
	require.NoError(t, err)
	defer dlqCh.Close()

	deliveries, err := dlqCh.Consume("analysis.dlq", "", true, false, false, false, nil)
	require.NoError(t, err)

	select {
	case d := <-deliveries:
		assert.Equal(t, `{not json`, string(d.Body))
		assert.Contains(t, d.Headers["x-dlq-reason"], "unmarshal_error")
	case <-time.After(time.Minute):
		t.Fatal("timeout waiting for DLQ message")
	}
}
