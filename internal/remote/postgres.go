package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/smolin/medvault/internal/common"
	"github.com/smolin/medvault/internal/dbx"
	"github.com/smolin/medvault/internal/record"
	"github.com/smolin/medvault/internal/remote/migrations"
)

// Postgres implements Store over a single documents table. The
// version-check precondition is enforced inside the upsert's WHERE
// clause, so concurrent writers cannot race past it.
type Postgres struct {
	db dbx.DBTX
}

// NewPostgres returns a store bound to the given DBTX.
func NewPostgres(db dbx.DBTX) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres connects via the pgx stdlib driver, applies migrations
// and returns a ready store with the underlying handle.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, *sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("%w: %v", common.ErrRemoteUnavailable, err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return NewPostgres(db), db, nil
}

// RunMigrations applies the embedded goose migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	return goose.UpContext(ctx, db, ".")
}

func (p *Postgres) GetByID(ctx context.Context, collection, id string) (*record.Document, error) {
	query := `SELECT fields, last_update FROM documents WHERE collection=$1 AND id=$2`
	row := p.db.QueryRowContext(ctx, query, collection, id)

	var raw []byte
	var lastUpdate time.Time
	if err := row.Scan(&raw, &lastUpdate); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", common.ErrRemoteUnavailable, err)
	}

	var fields record.Fields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode document %s/%s: %w", collection, id, err)
	}
	return &record.Document{Fields: fields, LastUpdate: lastUpdate}, nil
}

func (p *Postgres) StreamCollection(ctx context.Context, collection string, filters []Filter) <-chan StreamItem {
	ch := make(chan StreamItem)
	go func() {
		defer close(ch)

		query := `SELECT id, fields, last_update FROM documents WHERE collection=$1 ORDER BY id`
		rows, err := p.db.QueryContext(ctx, query, collection)
		if err != nil {
			ch <- StreamItem{Err: fmt.Errorf("%w: %v", common.ErrRemoteUnavailable, err)}
			return
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			var raw []byte
			var lastUpdate time.Time
			if err := rows.Scan(&id, &raw, &lastUpdate); err != nil {
				ch <- StreamItem{Err: err}
				return
			}
			var fields record.Fields
			if err := json.Unmarshal(raw, &fields); err != nil {
				ch <- StreamItem{Err: fmt.Errorf("decode document %s/%s: %w", collection, id, err)}
				return
			}
			doc := &record.Document{Fields: fields, LastUpdate: lastUpdate}
			if !matchFilters(doc, filters) {
				continue
			}
			select {
			case ch <- StreamItem{ID: id, Doc: doc}:
			case <-ctx.Done():
				return
			}
		}
		if err := rows.Err(); err != nil {
			ch <- StreamItem{Err: fmt.Errorf("%w: %v", common.ErrRemoteUnavailable, err)}
		}
	}()
	return ch
}

func (p *Postgres) SetDocument(ctx context.Context, collection, id string, fields record.Fields, opts ...SetOption) error {
	cfg := applySetOptions(opts)

	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode document %s/%s: %w", collection, id, err)
	}

	query := `
		INSERT INTO documents (collection, id, fields, last_update)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (collection, id)
		DO UPDATE SET fields = EXCLUDED.fields, last_update = now()`
	args := []any{collection, id, raw}

	if cfg.precondition {
		query += ` WHERE documents.last_update = $4`
		args = append(args, cfg.lastSeen)
	}

	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrRemoteUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return common.ErrVersionConflict
	default:
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
}

func (p *Postgres) DeleteDocument(ctx context.Context, collection, id string) error {
	query := `DELETE FROM documents WHERE collection=$1 AND id=$2`
	if _, err := p.db.ExecContext(ctx, query, collection, id); err != nil {
		return fmt.Errorf("%w: %v", common.ErrRemoteUnavailable, err)
	}
	return nil
}
