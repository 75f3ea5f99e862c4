// Package remote implements the sync backends the uploader pushes to.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kalambet/curio/internal/config"
	"github.com/kalambet/curio/internal/syncq"
)

// Driver is a syncq.Remote that owns resources.
type Driver interface {
	syncq.Remote
	Name() string
	Close() error
}

// New builds the driver selected by cfg.Driver.
func New(ctx context.Context, cfg config.SyncConfig, logger *slog.Logger) (Driver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Driver {
	case config.DriverNone, "":
		return NewNoop(logger), nil
	case config.DriverHTTP:
		return NewHTTP(HTTPOptions{BaseURL: cfg.RemoteURL, Token: cfg.APIToken}), nil
	case config.DriverS3:
		d, err := NewS3(ctx, S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			return nil, err
		}
		return d, nil
	case config.DriverPostgres:
		d, err := NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown sync driver %q", cfg.Driver)
	}
}

// Noop acknowledges every op without sending it anywhere. It backs the
// local-only mode so tombstones are still purged.
type Noop struct {
	logger *slog.Logger
}

// NewNoop returns a Noop driver.
func NewNoop(logger *slog.Logger) *Noop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Noop{logger: logger}
}

func (n *Noop) Name() string { return config.DriverNone }

func (n *Noop) Upsert(_ context.Context, namespace, id string, payload json.RawMessage) error {
	n.logger.Debug("sync disabled, dropping upsert", "namespace", namespace, "id", id, "bytes", len(payload))
	return nil
}

func (n *Noop) Delete(_ context.Context, namespace, id string) error {
	n.logger.Debug("sync disabled, dropping delete", "namespace", namespace, "id", id)
	return nil
}

func (n *Noop) Close() error { return nil }
