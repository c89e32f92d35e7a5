package core

import (
	"context"
	"fmt"
	"io"
	"time"

	"polygene/internal/config"
	"polygene/internal/infra/blob/fs"
	"polygene/internal/infra/blob/s3"
	"polygene/internal/infra/persistence/dynamo"
	"polygene/internal/infra/persistence/mapstore"
	"polygene/internal/infra/persistence/memory"
	"polygene/internal/infra/persistence/postgres"
	"polygene/internal/infra/persistence/prefs"
	"polygene/internal/infra/persistence/sqlite"
	"polygene/internal/infra/persistence/sqlstore"
	"polygene/pkg/entity"
	"polygene/pkg/observe"
)

// StorageDriver identifies a concrete entity store implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
	StoragePrefs    StorageDriver = "prefs"    // YAML preferences tree
	StorageFS       StorageDriver = "fs"       // JSON documents in a directory
	StorageS3       StorageDriver = "s3"       // JSON documents in an S3 bucket
	StorageDynamoDB StorageDriver = "dynamodb" // DynamoDB table
)

// StorageConfig selects and configures the entity store. Fields are read from
// the environment by LoadStorageConfig.
type StorageConfig struct {
	Driver         StorageDriver `env:"POLYGENE_STORAGE_DRIVER" envDefault:"memory"`
	SQLitePath     string        `env:"POLYGENE_SQLITE_PATH" envDefault:"polygene.db"`
	PostgresDSN    string        `env:"POLYGENE_POSTGRES_DSN"`
	PrefsPath      string        `env:"POLYGENE_PREFS_PATH" envDefault:"polygene-prefs.yaml"`
	PrefsReload    time.Duration `env:"POLYGENE_PREFS_RELOAD" envDefault:"60s"`
	BlobPrefix     string        `env:"POLYGENE_BLOB_PREFIX" envDefault:"entities/"`
	BlobFSRoot     string        `env:"POLYGENE_BLOB_FS_ROOT" envDefault:"polygene-entities"`
	S3Bucket       string        `env:"POLYGENE_BLOB_S3_BUCKET"`
	S3Region       string        `env:"POLYGENE_BLOB_S3_REGION"`
	S3Endpoint     string        `env:"POLYGENE_BLOB_S3_ENDPOINT"`
	S3PathStyle    bool          `env:"POLYGENE_BLOB_S3_PATH_STYLE"`
	DynamoTable    string        `env:"POLYGENE_DYNAMODB_TABLE"`
	DynamoRegion   string        `env:"POLYGENE_DYNAMODB_REGION"`
	DynamoEndpoint string        `env:"POLYGENE_DYNAMODB_ENDPOINT"`
}

// LoadStorageConfig reads StorageConfig from the process environment.
func LoadStorageConfig() (StorageConfig, error) {
	var cfg StorageConfig
	if err := config.ParseEnv(&cfg); err != nil {
		return StorageConfig{}, err
	}
	return cfg, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// OpenEntityStore opens the store cfg selects. The returned closer releases
// connections, files, and background loops; it is never nil on success.
func OpenEntityStore(ctx context.Context, cfg StorageConfig, serializer entity.ValueSerializer, logger observe.Logger) (entity.StoreSPI, io.Closer, error) {
	if logger == nil {
		logger = observe.NopLogger()
	}
	driver := cfg.Driver
	if driver == "" {
		driver = StorageMemory
	}
	logger.Debug("opening entity store", "driver", string(driver))
	switch driver {
	case StorageMemory:
		return memory.NewStore(memory.WithLogger(logger)), nopCloser{}, nil
	case StorageSQLite:
		store, err := sqlite.NewStore(ctx, cfg.SQLitePath, serializer, sqlstore.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case StoragePostgres:
		store, err := postgres.NewStore(ctx, cfg.PostgresDSN, serializer, sqlstore.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case StoragePrefs:
		store, err := prefs.NewStore(cfg.PrefsPath, serializer, prefs.WithLogger(logger), prefs.WithReloadInterval(cfg.PrefsReload))
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case StorageFS:
		blobs, err := fs.New(cfg.BlobFSRoot)
		if err != nil {
			return nil, nil, fmt.Errorf("open blob directory: %w", err)
		}
		return mapstore.New(blobs, serializer, mapstore.WithPrefix(cfg.BlobPrefix), mapstore.WithLogger(logger)), nopCloser{}, nil
	case StorageS3:
		blobs, err := s3.New(ctx, s3.Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open s3 bucket: %w", err)
		}
		return mapstore.New(blobs, serializer, mapstore.WithPrefix(cfg.BlobPrefix), mapstore.WithLogger(logger)), nopCloser{}, nil
	case StorageDynamoDB:
		client, err := dynamo.NewClient(ctx, dynamo.ClientConfig{Region: cfg.DynamoRegion, Endpoint: cfg.DynamoEndpoint})
		if err != nil {
			return nil, nil, fmt.Errorf("open dynamodb: %w", err)
		}
		store, err := dynamo.New(client, cfg.DynamoTable, serializer, dynamo.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return store, nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
