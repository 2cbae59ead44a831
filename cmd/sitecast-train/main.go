// Package main is the entrypoint for the offline training pipeline. It wires
// the configured PV history database and weather-grid archives into the
// sample pipeline, fits the regressor and writes the model artifact.
//
// The binary is operational glue only; every forecasting semantic lives in
// the internal packages.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"

	"sitecast/internal/config"
	"sitecast/internal/features"
	"sitecast/internal/gridded"
	"sitecast/internal/history"
	"sitecast/internal/persist"
	"sitecast/internal/regress"
	"sitecast/internal/sampler"
	"sitecast/internal/training"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if err := run(context.Background(), logger); err != nil {
		logger.Error("training run failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	pool, err := openPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()
	pv := history.NewPostgresSource(pool, cfg.PV.Lag)

	sources, err := openNWPSources(ctx, cfg, logger)
	if err != nil {
		return err
	}

	horizons, err := cfg.Model.Horizons()
	if err != nil {
		return err
	}
	assembler, err := features.NewAssembler(cfg.Model.FeatureConfig(horizons), pv, sources,
		features.AssemblerOptions{
			Rand:              rand.New(rand.NewSource(cfg.Training.Seed)),
			Logger:            logger,
			TiltGetter:        features.MetadataTilt,
			OrientationGetter: features.MetadataOrientation,
			CapacityGetter:    features.MetadataCapacity,
		})
	if err != nil {
		return err
	}
	regressor := regress.NewRidgeRegressor(cfg.Model.RidgeConfig(), logger)
	trainer := training.NewTrainer(assembler, regressor, pv, cfg.Training.Workers, logger)

	splits, err := sampler.SplitSites(ctx, pv, cfg.Training.TrainRatio, cfg.Training.ValidRatio)
	if err != nil {
		return fmt.Errorf("splitting sites: %w", err)
	}
	maxTS, err := pv.MaxTS(ctx)
	if err != nil {
		return fmt.Errorf("finding history range: %w", err)
	}
	start, end := sampler.TrainDateSplit{
		TrainDate:   maxTS,
		TrainDays:   cfg.Training.TrainDays,
		StepMinutes: cfg.Training.StepMinutes,
	}.Range()

	logger.Info("training",
		"sites", len(splits.Train),
		"start", start,
		"end", end,
		"samples", cfg.Training.NumSamples,
	)
	it := sampler.NewRandomIterator(splits.Train, start, end, cfg.Training.StepMinutes,
		rand.New(rand.NewSource(cfg.Training.Seed+1)))
	if err := trainer.Train(ctx, it, cfg.Training.NumSamples); err != nil {
		return fmt.Errorf("training: %w", err)
	}

	if len(splits.Valid) > 0 {
		sweep := sampler.NewSweepIterator(splits.Valid, start, end, cfg.Training.StepMinutes)
		res, err := trainer.Evaluate(ctx, sweep)
		if err != nil {
			return fmt.Errorf("evaluating: %w", err)
		}
		logger.Info("validation sweep", "samples", res.NumSamples, "mae_kw", res.MAE)
	}

	artifact := persist.NewArtifact(horizons, regressor)
	if err := persist.SaveFile(cfg.Model.ModelPath, artifact); err != nil {
		return err
	}
	logger.Info("model written", "id", artifact.ID, "path", cfg.Model.ModelPath)
	return nil
}

func openPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	pc.MaxConns = int32(cfg.MaxConns)
	pc.MinConns = int32(cfg.MinConns)
	pc.MaxConnLifetime = cfg.MaxConnLifetime
	pc.ConnConfig.ConnectTimeout = cfg.AcquireTimeout

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("opening database pool: %w", err)
	}
	return pool, nil
}

func openNWPSources(ctx context.Context, cfg *config.Config, logger *slog.Logger) (map[string]*gridded.Source, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			o.UsePathStyle = true
		}
	})
	store := gridded.NewBreakerStore(gridded.NewS3Store(client, cfg.NWP.Bucket), "nwp-archive")

	sources := make(map[string]*gridded.Source, len(cfg.NWP.SourceKeys))
	for _, key := range cfg.NWP.SourceKeys {
		prefix := key
		if cfg.NWP.Prefix != "" {
			prefix = path.Join(cfg.NWP.Prefix, key)
		}
		grid, err := gridded.OpenArchive(ctx, store, prefix, logger)
		if err != nil {
			return nil, fmt.Errorf("opening %s archive: %w", key, err)
		}
		src, err := gridded.NewSource(grid, cfg.NWP.SourceOptions(), logger)
		if err != nil {
			return nil, err
		}
		sources[key] = src
	}
	return sources, nil
}
