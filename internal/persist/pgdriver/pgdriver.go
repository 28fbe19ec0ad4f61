// Package pgdriver is a Postgres-backed persist.Driver, grounded on
// udisondev-la2go/internal/db/persistence.go's pgxpool-based transactional
// save/load pattern (here narrowed to the single generic entities table
// spec §6 describes: "one record per entity, keyed by TSID") and
// internal/db/migrate.go's goose-driven schema migrations.
package pgdriver

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/ElevenGiants/eleven-server/internal/persist"
	"github.com/ElevenGiants/eleven-server/internal/persist/pgdriver/migrations"
	"github.com/ElevenGiants/eleven-server/internal/tsid"
)

var gooseOnce sync.Once

// Driver persists entity records in a single `entities` table, one row per
// TSID, with the domain field bag and timer sub-records stored as JSONB —
// matching spec §6's "opaque bags of scalars + object-reference stubs"
// contract without needing a table per entity kind.
type Driver struct {
	log  *zap.Logger
	pool *pgxpool.Pool
}

// New constructs an unconnected Driver; call Init to open the pool.
func New(log *zap.Logger) *Driver {
	return &Driver{log: log}
}

// Init opens the connection pool and runs pending goose migrations,
// grounded on migrate.go's startup-time schema bootstrap.
func (d *Driver) Init(ctx context.Context, dsn string) error {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return errors.Wrap(err, "pgdriver: connect")
	}
	d.pool = pool

	return d.migrate(ctx, dsn)
}

// migrate runs pending goose migrations over a stdlib *sql.DB opened on the
// same DSN, grounded on migrate.go's RunMigrations (goose drives plain
// database/sql, not pgx's native pool, hence the separate stdlib-backed
// connection here).
func (d *Driver) migrate(ctx context.Context, dsn string) error {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return errors.Wrap(err, "pgdriver: opening sql connection for migrations")
	}
	defer sqlDB.Close()

	var dialectErr error
	gooseOnce.Do(func() {
		goose.SetBaseFS(migrations.FS)
		dialectErr = goose.SetDialect("postgres")
	})
	if dialectErr != nil {
		return errors.Wrap(dialectErr, "pgdriver: goose dialect")
	}
	if err := goose.UpContext(ctx, sqlDB, "."); err != nil {
		return errors.Wrap(err, "pgdriver: running migrations")
	}
	return nil
}

func (d *Driver) Close(ctx context.Context) error {
	if d.pool != nil {
		d.pool.Close()
	}
	return nil
}

func (d *Driver) Read(ctx context.Context, t tsid.TSID) (*persist.Record, error) {
	row := d.pool.QueryRow(ctx,
		`SELECT class, deleted, fields, timers FROM entities WHERE tsid = $1`, string(t))

	var class string
	var deleted bool
	var fieldsJSON, timersJSON []byte
	if err := row.Scan(&class, &deleted, &fieldsJSON, &timersJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "pgdriver: read %s", t)
	}

	rec := &persist.Record{TSID: t, Class: class, Deleted: deleted}
	if err := json.Unmarshal(fieldsJSON, &rec.Fields); err != nil {
		return nil, errors.Wrapf(err, "pgdriver: decode fields for %s", t)
	}
	if len(timersJSON) > 0 {
		if err := json.Unmarshal(timersJSON, &rec.Timers); err != nil {
			return nil, errors.Wrapf(err, "pgdriver: decode timers for %s", t)
		}
	}
	return rec, nil
}

// Write persists every record atomically per record (spec §6: "atomic per
// record; batch when the driver supports it"), grounded on
// persistence.go's SavePlayer transactional pattern.
func (d *Driver) Write(ctx context.Context, records []*persist.Record) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "pgdriver: begin tx")
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			d.log.Warn("pgdriver: rollback failed", zap.Error(rbErr))
		}
	}()

	for _, r := range records {
		fieldsJSON, err := json.Marshal(r.Fields)
		if err != nil {
			return errors.Wrapf(err, "pgdriver: encode fields for %s", r.TSID)
		}
		timersJSON, err := json.Marshal(r.Timers)
		if err != nil {
			return errors.Wrapf(err, "pgdriver: encode timers for %s", r.TSID)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO entities (tsid, class, deleted, fields, timers)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (tsid) DO UPDATE SET
				class = EXCLUDED.class,
				deleted = EXCLUDED.deleted,
				fields = EXCLUDED.fields,
				timers = EXCLUDED.timers
		`, string(r.TSID), r.Class, r.Deleted, fieldsJSON, timersJSON)
		if err != nil {
			return errors.Wrapf(err, "pgdriver: write %s", r.TSID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "pgdriver: commit")
	}
	return nil
}

func (d *Driver) Delete(ctx context.Context, t tsid.TSID) error {
	_, err := d.pool.Exec(ctx, `DELETE FROM entities WHERE tsid = $1`, string(t))
	if err != nil {
		return errors.Wrapf(err, "pgdriver: delete %s", t)
	}
	return nil
}

var _ persist.Driver = (*Driver)(nil)
