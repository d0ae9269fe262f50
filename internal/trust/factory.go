package trust

import (
	"context"
	"database/sql"
	"fmt"
)

// StoreConfig selects and configures a trust score backend.
type StoreConfig struct {
	Backend         string // "postgres" or "spanner"
	DB              *sql.DB
	SpannerProject  string
	SpannerInstance string
	SpannerDatabase string
}

// NewStore creates the appropriate trust backend based on configuration.
func NewStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "spanner":
		if cfg.SpannerProject == "" || cfg.SpannerInstance == "" || cfg.SpannerDatabase == "" {
			return nil, fmt.Errorf("spanner configuration incomplete")
		}
		return NewSpannerStore(ctx, cfg.SpannerProject, cfg.SpannerInstance, cfg.SpannerDatabase)

	case "postgres", "":
		// Default: scores live on the agents table
		if cfg.DB == nil {
			return nil, fmt.Errorf("postgres backend requires a database handle")
		}
		return NewPostgresStore(cfg.DB), nil

	default:
		return nil, fmt.Errorf("unknown trust backend: %s", cfg.Backend)
	}
}
