package bootstrap

import (
	"context"
	"fmt"
	"log"
	"time"

	es "github.com/elastic/go-elasticsearch/v8"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"datacuration/internal/ai"
	"datacuration/internal/app"
	"datacuration/internal/bias"
	"datacuration/internal/cache"
	"datacuration/internal/classifier"
	"datacuration/internal/config"
	"datacuration/internal/index"
	"datacuration/internal/lock"
	"datacuration/internal/model"
	"datacuration/internal/platform/database"
	elasticClient "datacuration/internal/platform/elasticsearch"
	rabbitmqClient "datacuration/internal/platform/rabbitmq"
	redisClient "datacuration/internal/platform/redis"
	"datacuration/internal/repository"
	"datacuration/internal/schema"
	"datacuration/internal/worker"
)

type App struct {
	Config *config.Config
	DB     *gorm.DB
	Redis  *redis.Client
	MQConn *amqp.Connection
	ES     *es.Client

	Updater     *index.Updater
	IndexWorker *worker.IndexWorker

	Ingest         *app.IngestService
	Retrieval      *app.RetrievalService
	Classification *app.ClassificationService
	Bias           *app.BiasService

	StartedAt time.Time
	cancel    context.CancelFunc
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig connects every enabled backend and wires the services.
// Redis, RabbitMQ and Elasticsearch are optional; without them the process
// falls back to in-process locks, dispatch and index.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, StartedAt: time.Now()}
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	db, err := database.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.DB = db
	if err := db.AutoMigrate(model.AllModels...); err != nil {
		return nil, fmt.Errorf("auto migrate tables failed: %w", err)
	}

	if cfg.Redis.Enabled {
		if a.Redis, err = redisClient.New(ctx, cfg.Redis); err != nil {
			return nil, err
		}
	}
	if cfg.RabbitMQ.Enabled {
		if a.MQConn, err = rabbitmqClient.New(ctx, cfg.RabbitMQ.URL, cfg.RabbitMQ.IndexQueue); err != nil {
			return nil, err
		}
	}

	var idx index.Index = index.NewMemoryIndex()
	if cfg.Elasticsearch.Enabled {
		if a.ES, err = elasticClient.New(ctx, cfg.Elasticsearch); err != nil {
			return nil, err
		}
		esIndex := index.NewElasticIndex(a.ES, cfg.Elasticsearch.Index)
		if err := esIndex.EnsureIndex(ctx); err != nil {
			return nil, err
		}
		idx = esIndex
	}

	var locker lock.Locker = lock.NewLocal()
	var searchCache app.SearchCache
	if a.Redis != nil {
		locker = lock.NewRedis(a.Redis, time.Duration(cfg.Redis.LockTTLSeconds)*time.Second)
		searchCache = cache.NewSearchCache(a.Redis, time.Duration(cfg.Redis.SearchTTLSeconds)*time.Second)
	}

	validator := schema.NewValidator(cfg.Classifier.Categories)
	cls, err := a.newClassifier(validator)
	if err != nil {
		return nil, err
	}
	classifierSvc := classifier.NewService(cls, classifier.Options{
		Threshold:   cfg.Classifier.ConfidenceThreshold,
		Concurrency: cfg.Classifier.Concurrency,
		MaxAttempts: cfg.Classifier.MaxAttempts,
		Backoff:     time.Duration(cfg.Classifier.BackoffMS) * time.Millisecond,
	})

	tracker := index.NewAckTracker()
	handler := index.NewHandler(idx, tracker)
	if searchCache != nil {
		handler.OnApplied = func(ctx context.Context, datasetID uint) {
			if err := searchCache.Invalidate(ctx, datasetID); err != nil {
				log.Printf("index: invalidate search cache dataset=%d failed: %v", datasetID, err)
			}
		}
	}

	var dispatcher index.Dispatcher
	if a.MQConn != nil {
		a.IndexWorker = worker.NewIndexWorker(a.MQConn, handler, cfg.RabbitMQ.IndexQueue)
		if err := a.IndexWorker.Start(runCtx); err != nil {
			return nil, fmt.Errorf("start index worker failed: %w", err)
		}
		dispatcher = rabbitmqClient.NewIndexPublisher(a.MQConn, cfg.RabbitMQ.IndexQueue)
	} else {
		a.Updater = index.NewUpdater(handler, cfg.Index.QueueSize)
		a.Updater.Start(runCtx)
		dispatcher = a.Updater
	}

	a.Ingest = app.NewIngestService(app.IngestDeps{
		DB:         db,
		Validator:  validator,
		Classifier: classifierSvc,
		Index:      idx,
		Dispatcher: dispatcher,
		Tracker:    tracker,
		Locker:     locker,
		Cache:      searchCache,
	}, app.IngestOptions{
		BatchSize:      cfg.Ingest.BatchSize,
		Workers:        cfg.Ingest.Workers,
		MaxErrorRate:   cfg.Ingest.MaxErrorRate,
		SpoolDir:       cfg.Ingest.SpoolDir,
		MaxUploadBytes: int64(cfg.App.MaxUploadMB) << 20,
		AckTimeout:     cfg.AckTimeout(),
	})
	a.Retrieval = app.NewRetrievalService(idx, searchCache, repository.NewQuestionRepository(db), repository.NewAnswerRepository(db))
	a.Classification = app.NewClassificationService(db, validator, dispatcher, locker)
	a.Bias = app.NewBiasService(db, locker, bias.Options{
		MinGroupSize: cfg.Bias.MinGroupSize,
		OutcomeField: cfg.Bias.OutcomeField,
		LabelField:   cfg.Bias.LabelField,
	})

	log.Printf("bootstrap: driver=%s index=%T dispatcher=%T classifier=%s",
		cfg.Database.Driver, idx, dispatcher, classifierSvc.ModelVersion())
	ok = true
	return a, nil
}

func (a *App) newClassifier(validator *schema.Validator) (classifier.Classifier, error) {
	cfg := a.Config.Classifier
	switch cfg.Provider {
	case "keyword":
		return classifier.NewKeywordClassifier(validator.Categories()), nil
	case "llm":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("classifier.api_key is required for the llm provider")
		}
		client := ai.NewOpenAICompatibleClient(ai.ChatConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			Seed:    cfg.Seed,
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		})
		var resultCache classifier.ResultCache = classifier.NewMemoryCache(0)
		if a.Redis != nil {
			resultCache = cache.NewClassificationCache(a.Redis, time.Duration(a.Config.Redis.ClassifierTTLSeconds)*time.Second)
		}
		return classifier.NewLLMClassifier(client, resultCache, validator.Categories(), schema.Difficulties), nil
	default:
		return nil, fmt.Errorf("unsupported classifier provider %q", cfg.Provider)
	}
}

func (a *App) Close() error {
	var closeErr error
	if a.Updater != nil {
		a.Updater.Close()
	}
	if a.IndexWorker != nil {
		a.IndexWorker.Close()
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MQConn != nil {
		if err := a.MQConn.Close(); err != nil {
			closeErr = err
		}
	}
	if a.DB != nil {
		sqlDB, err := a.DB.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				closeErr = err
			}
		}
	}
	return closeErr
}
