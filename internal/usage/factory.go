package usage

import (
	"context"
	"errors"
	"fmt"

	"modelhub/internal/storage"
)

// Result bundles the ledger's writer and reader with the storage it owns.
type Result struct {
	Writer Writer
	// Reader is nil when the ledger is disabled.
	Reader  Reader
	Storage storage.Storage
}

// Close flushes the writer and closes owned storage. Safe to call twice.
func (r *Result) Close() error {
	var errs []error
	if r.Writer != nil {
		if err := r.Writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close usage writer: %w", err))
		}
	}
	if r.Storage != nil {
		if err := r.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close usage storage: %w", err))
		}
		r.Storage = nil
	}
	return errors.Join(errs...)
}

// New opens storage and builds the ledger. A disabled ledger returns a
// NopWriter and no storage.
func New(ctx context.Context, cfg Config, storeCfg storage.Config) (*Result, error) {
	if !cfg.Enabled {
		return &Result{Writer: NopWriter{}}, nil
	}
	st, err := storage.New(ctx, storeCfg)
	if err != nil {
		return nil, fmt.Errorf("open usage storage: %w", err)
	}
	res, err := NewWithStorage(ctx, cfg, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	res.Storage = st
	return res, nil
}

// NewWithStorage builds the ledger on storage owned by the caller.
func NewWithStorage(ctx context.Context, cfg Config, st storage.Storage) (*Result, error) {
	store, reader, err := open(ctx, st, cfg.RetentionDays)
	if err != nil {
		return nil, err
	}
	return &Result{Writer: NewLogger(store, cfg), Reader: reader}, nil
}

func open(ctx context.Context, st storage.Storage, retentionDays int) (Store, Reader, error) {
	switch st.Type() {
	case storage.TypeSQLite:
		s, err := NewSQLiteStore(st.SQLiteDB(), retentionDays)
		if err != nil {
			return nil, nil, err
		}
		r, err := NewSQLiteReader(st.SQLiteDB())
		return s, r, err
	case storage.TypePostgreSQL:
		s, err := NewPostgreSQLStore(ctx, st.PostgreSQLPool(), retentionDays)
		if err != nil {
			return nil, nil, err
		}
		r, err := NewPostgreSQLReader(st.PostgreSQLPool())
		return s, r, err
	case storage.TypeMongoDB:
		s, err := NewMongoDBStore(ctx, st.MongoDatabase(), retentionDays)
		if err != nil {
			return nil, nil, err
		}
		r, err := NewMongoDBReader(st.MongoDatabase())
		return s, r, err
	default:
		return nil, nil, fmt.Errorf("unknown storage type: %s", st.Type())
	}
}
