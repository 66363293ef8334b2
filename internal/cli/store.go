package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ChuLiYu/tickcast/internal/snapshot"
	"github.com/ChuLiYu/tickcast/internal/storage/wal"
	"github.com/ChuLiYu/tickcast/internal/store"
	"github.com/ChuLiYu/tickcast/internal/store/memory"
	"github.com/ChuLiYu/tickcast/internal/store/sqlstore"
)

// openStore 依 store.driver 建立 Duration Store；driver 為 none 時回傳 nil
func openStore(ctx context.Context, cfg *Config, log *slog.Logger) (store.DurationStore, error) {
	driver := strings.ToLower(cfg.Store.Driver)

	switch driver {
	case "", "none":
		log.Info("Persistence disabled, timers live in memory only")
		return nil, nil

	case "memory":
		return memory.New(), nil

	case "file":
		enc, err := snapshot.ParseEncoding(cfg.Store.Encoding)
		if err != nil {
			return nil, err
		}
		log.Info("Using file duration store", "path", cfg.Store.Path, "encoding", enc)
		return snapshot.NewManager(cfg.Store.Path, enc, snapshot.WithLogger(log)), nil

	case "wal":
		w, err := wal.Open(cfg.Store.Path, wal.Options{
			SyncOnAppend:     cfg.Store.SyncOnAppend,
			CompactThreshold: cfg.Store.CompactThreshold,
			Logger:           log,
		})
		if err != nil {
			return nil, err
		}
		log.Info("Using WAL duration store", "path", cfg.Store.Path, "entries", w.Entries(), "last_seq", w.LastSeq())
		return w, nil

	case "sqlite", "sqlite3", "postgres", "postgresql", "mysql":
		dialect, err := sqlstore.ParseDialect(driver)
		if err != nil {
			return nil, err
		}

		openCtx, cancel := context.WithTimeout(ctx, cfg.Store.RestoreTimeout)
		defer cancel()

		db, err := sqlstore.Open(openCtx, dialect, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		st, err := sqlstore.NewWithConfig(db, dialect, sqlstore.TableConfig{Table: cfg.Store.Table})
		if err != nil {
			db.Close()
			return nil, err
		}
		if err := st.Migrate(openCtx); err != nil {
			st.Close()
			return nil, err
		}
		log.Info("Using SQL duration store", "dialect", dialect, "table", cfg.Store.Table)
		return st, nil
	}

	return nil, fmt.Errorf("%w: %q", store.ErrUnknownDriver, cfg.Store.Driver)
}
