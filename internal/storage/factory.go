// Package storage selects a backend implementation from configuration.
package storage

import (
	"fmt"

	"github.com/nullcms/server/internal/config"
	"github.com/nullcms/server/internal/logger"
	"github.com/nullcms/server/internal/model"
	"github.com/nullcms/server/internal/storage/memory"
	"github.com/nullcms/server/internal/storage/object"
	"github.com/nullcms/server/internal/storage/postgres"
	"github.com/nullcms/server/internal/storage/sqlite"
)

// Supported backend types.
const (
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
	TypeObject   = "object"
	TypeMemory   = "memory"
)

// New builds the configured storage backend. The returned strategy is not
// yet initialized.
func New(cfg config.Storage, log *logger.Logger) (model.StorageStrategy, error) {
	switch cfg.Type {
	case TypeSQLite:
		return sqlite.New(sqlite.Config{
			Path:        cfg.SQLite.Path,
			TablePrefix: cfg.TablePrefix,
		}, log), nil
	case TypePostgres:
		return postgres.New(postgres.Config{
			DSN:         cfg.Database.DSN,
			TablePrefix: cfg.TablePrefix,
		}, log), nil
	case TypeObject:
		return object.New(object.Config{
			Endpoint:  cfg.Object.Endpoint,
			AccessKey: cfg.Object.AccessKey,
			SecretKey: cfg.Object.SecretKey,
			Bucket:    cfg.Object.Bucket,
			UseSSL:    cfg.Object.UseSSL,
			Prefix:    cfg.Object.Prefix,
		}, log), nil
	case TypeMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownStorageType, cfg.Type)
	}
}
