package savewatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/hazyhaar/savewatch/dbopen"
	"github.com/hazyhaar/savewatch/internal/blob"
	"github.com/hazyhaar/savewatch/internal/config"
	"github.com/hazyhaar/savewatch/internal/sink"
	"github.com/hazyhaar/savewatch/internal/store"
)

// OpenStore opens the record store described by cfg. The returned close
// function releases the backing database, if any.
func OpenStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*store.Store, func() error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		slot    store.Slot
		closeFn = func() error { return nil }
	)
	switch cfg.Driver {
	case "", "sqlite":
		db, err := dbopen.Open(cfg.Path, dbopen.WithMkdirAll())
		if err != nil {
			return nil, nil, fmt.Errorf("savewatch: open store: %w", err)
		}
		s, err := store.NewSQLiteSlot(db, cfg.Slot)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		slot, closeFn = s, db.Close
	case "file":
		slot = store.NewFileSlot(cfg.Path)
	default:
		return nil, nil, fmt.Errorf("savewatch: unknown store driver %q", cfg.Driver)
	}

	st, err := store.Open(ctx, slot, store.WithLogger(logger))
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("savewatch: load store: %w", err)
	}
	return st, closeFn, nil
}

// OpenBlobs opens the artifact store described by cfg.
func OpenBlobs(ctx context.Context, cfg config.BlobConfig) (blob.Store, error) {
	return blob.Open(ctx, blob.Config{
		Driver: blob.Driver(cfg.Driver),
		Root:   cfg.Root,
		S3: blob.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			Prefix:          cfg.S3.Prefix,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			SessionToken:    cfg.S3.SessionToken,
			PathStyle:       cfg.S3.PathStyle,
		},
	})
}

// Sinks is the event fan-out built from configuration. Journal is nil
// unless a journal sink is configured.
type Sinks struct {
	Router  *sink.Router
	Journal *sink.Journal
}

// OpenSinks builds the configured sinks. The router owns them all.
func OpenSinks(cfgs []config.SinkConfig, logger *slog.Logger) (*Sinks, error) {
	if logger == nil {
		logger = slog.Default()
	}
	out := &Sinks{Router: sink.NewRouter(logger)}
	for _, sc := range cfgs {
		switch sc.Type {
		case "stdout":
			out.Router.Add(sink.NewStdout(os.Stdout))
		case "webhook":
			out.Router.Add(sink.NewWebhook(sc.URL, sink.WithWebhookLogger(logger)))
		case "journal":
			if out.Journal != nil {
				out.Router.Close()
				return nil, fmt.Errorf("savewatch: only one journal sink is supported")
			}
			j, err := sink.OpenJournal(sc.Path)
			if err != nil {
				out.Router.Close()
				return nil, fmt.Errorf("savewatch: open journal: %w", err)
			}
			out.Journal = j
			out.Router.Add(j)
		default:
			out.Router.Close()
			return nil, fmt.Errorf("savewatch: unknown sink type %q", sc.Type)
		}
	}
	return out, nil
}
