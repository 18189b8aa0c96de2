// Package bootstrap provides dependency initialization for the
// generation service.
package bootstrap

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/GitHub-GodOne/fitness-sub000/internal/config"
	"github.com/GitHub-GodOne/fitness-sub000/internal/httpx"
	"github.com/GitHub-GodOne/fitness-sub000/internal/imagegen"
	"github.com/GitHub-GodOne/fitness-sub000/internal/lifecycle"
	"github.com/GitHub-GodOne/fitness-sub000/internal/media"
	"github.com/GitHub-GodOne/fitness-sub000/internal/pipeline"
	"github.com/GitHub-GodOne/fitness-sub000/internal/progress"
	"github.com/GitHub-GodOne/fitness-sub000/internal/server"
	"github.com/GitHub-GodOne/fitness-sub000/internal/speech"
	"github.com/GitHub-GodOne/fitness-sub000/internal/statusq"
	"github.com/GitHub-GodOne/fitness-sub000/internal/storage"
	"github.com/GitHub-GodOne/fitness-sub000/internal/task"
	"github.com/GitHub-GodOne/fitness-sub000/internal/videogen"
	"github.com/GitHub-GodOne/fitness-sub000/internal/vision"
)

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	Repo       task.Repository
	Controller *lifecycle.Controller
	Handlers   *server.Handlers

	closers []func() error
}

// Close releases held resources, in reverse initialization order.
func (d *Dependencies) Close() error {
	var firstErr error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NewDependencies creates and initializes all dependencies for the
// application.
func NewDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{}

	repo, err := initRepository(cfg, logger, deps)
	if err != nil {
		return nil, err
	}

	// Pipelines publish local URLs; the promote pass moves artifacts to
	// durable storage after Success when S3 is configured.
	localStore, err := storage.NewLocalStorage(filepath.Join(cfg.WorkDir, "artifacts"))
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}

	httpClient := httpx.NewClient(httpx.WithLogger(logger))
	downloader := httpx.NewDownloader(httpx.WithDownloadLogger(logger))

	visionClient, err := vision.NewClient(vision.Config{
		BaseURL: cfg.VisionBaseURL,
		APIKey:  cfg.VisionAPIKey,
		Model:   cfg.VisionModel,
	}, httpClient)
	if err != nil {
		return nil, fmt.Errorf("create vision client: %w", err)
	}

	compositor := media.NewFFmpegCompositor("", logger)
	tracker := progress.NewTracker(repo, logger)

	shared := pipeline.Deps{
		Vision:     visionClient,
		Downloader: downloader,
		Compositor: compositor,
		Storage:    localStore,
		Repo:       repo,
		Tracker:    tracker,
		Logger:     logger,
		WorkDir:    cfg.WorkDir,
	}

	pipelines, err := initPipelines(cfg, logger, httpClient, shared)
	if err != nil {
		return nil, err
	}

	ctrlOpts := []lifecycle.Option{lifecycle.WithLogger(logger)}
	if cfg.S3Enabled() {
		s3Store, err := storage.NewS3Storage(storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		ctrlOpts = append(ctrlOpts, lifecycle.WithStorage(s3Store, cfg.WorkDir))
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
	}

	controller := lifecycle.NewController(pipelines, repo, ctrlOpts...)

	deps.Repo = repo
	deps.Controller = controller
	deps.Handlers = server.NewHandlers(controller, statusq.NewService(repo), repo, logger)
	return deps, nil
}

// initRepository opens the SQLite repository when TASKS_DB is set and
// falls back to the in-memory adapter.
func initRepository(cfg *config.Config, logger *slog.Logger, deps *Dependencies) (task.Repository, error) {
	if cfg.TasksDB == "" {
		logger.Info("using in-memory task repository")
		return task.NewMemoryRepository(), nil
	}

	repo, err := task.OpenSQLite(cfg.TasksDB)
	if err != nil {
		return nil, fmt.Errorf("open task database: %w", err)
	}
	deps.closers = append(deps.closers, repo.Close)
	logger.Info("using SQLite task repository", slog.String("path", cfg.TasksDB))
	return repo, nil
}

// initPipelines builds one pipeline per provider whose backend is
// configured. Unconfigured providers are simply not routable.
func initPipelines(cfg *config.Config, logger *slog.Logger, hc *httpx.Client, shared pipeline.Deps) (map[task.Provider]lifecycle.Runner, error) {
	pipelines := make(map[task.Provider]lifecycle.Runner)

	if cfg.ImageBaseURL != "" && cfg.SpeechBaseURL != "" {
		speechClient, err := speech.NewClient(speech.Config{
			BaseURL: cfg.SpeechBaseURL,
			APIKey:  cfg.SpeechAPIKey,
			Voice:   cfg.SpeechVoice,
		}, hc)
		if err != nil {
			return nil, fmt.Errorf("create speech client: %w", err)
		}

		for provider, mode := range map[task.Provider]imagegen.Mode{
			task.ProviderDoubaoImage: imagegen.ModeAsync,
			task.ProviderGPTImage:    imagegen.ModeDirect,
		} {
			imageClient, err := imagegen.NewClient(imagegen.Config{
				BaseURL: cfg.ImageBaseURL,
				APIKey:  cfg.ImageAPIKey,
				Model:   cfg.ImageModel,
				Mode:    mode,
			}, hc)
			if err != nil {
				return nil, fmt.Errorf("create image client: %w", err)
			}

			variant, err := pipeline.VariantFor(provider)
			if err != nil {
				return nil, err
			}
			deps := shared
			deps.Images = imageClient
			deps.Speech = speechClient
			pipelines[provider] = pipeline.New(variant, deps)
		}
	}

	if cfg.VideoBaseURL != "" {
		videoClient, err := videogen.NewClient(videogen.Config{
			BaseURL: cfg.VideoBaseURL,
			APIKey:  cfg.VideoAPIKey,
			Model:   cfg.VideoModel,
		}, hc)
		if err != nil {
			return nil, fmt.Errorf("create video client: %w", err)
		}

		for _, provider := range []task.Provider{task.ProviderKling, task.ProviderWan} {
			variant, err := pipeline.VariantFor(provider)
			if err != nil {
				return nil, err
			}
			deps := shared
			deps.Video = videoClient
			pipelines[provider] = pipeline.New(variant, deps)
		}
	}

	logger.Info("pipelines configured", slog.Int("providers", len(pipelines)))
	return pipelines, nil
}
