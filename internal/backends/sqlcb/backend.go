package sqlcb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/dreamware/cbstore/internal/cb"
	"github.com/dreamware/cbstore/internal/stamped"
)

// Table is the single table holding every record domain.
const Table = "cb_records"

var columns = []string{"id", "domain", "name", "value", "server_tag", "modified_ts"}

// Dialect captures what differs between SQL engines.
type Dialect struct {
	// Name is the backend type name, e.g. "mysql".
	Name string
	// Placeholder is the bind variable format of the driver.
	Placeholder squirrel.PlaceholderFormat
	// Returning selects INSERT ... RETURNING id over LastInsertId.
	Returning bool
	// Schema creates the records table if it does not exist.
	Schema string
	// IsConnectionError recognizes engine specific connection failures.
	IsConnectionError func(error) bool
	// IsDuplicate recognizes unique constraint violations.
	IsDuplicate func(error) bool
}

// Backend implements cb.Backend over a database/sql connection pool.
type Backend struct {
	host    string
	port    int
	db      *sql.DB
	dialect Dialect
	sb      squirrel.StatementBuilderType

	lastStamp time.Time
}

var _ cb.Backend = (*Backend)(nil)

// New wraps db. The records table must exist, see EnsureSchema.
func New(db *sql.DB, dialect Dialect, host string, port int) *Backend {
	return &Backend{
		host:    host,
		port:    port,
		db:      db,
		dialect: dialect,
		sb:      squirrel.StatementBuilder.PlaceholderFormat(dialect.Placeholder),
	}
}

// EnsureSchema creates the records table if needed.
func (b *Backend) EnsureSchema(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, b.dialect.Schema); err != nil {
		return b.writeError("create schema", err)
	}
	return nil
}

func (b *Backend) Type() string { return b.dialect.Name }
func (b *Backend) Host() string { return b.host }
func (b *Backend) Port() int    { return b.port }

// DB returns the underlying connection pool.
func (b *Backend) DB() *sql.DB { return b.db }

// where returns the predicate selecting the records of domain visible to
// sel, or with owned set, the records sel owns.
func (b *Backend) where(domain string, sel cb.Selector, owned bool) squirrel.And {
	where := squirrel.And{squirrel.Eq{"domain": domain}}
	switch {
	case sel.Kind() == cb.KindAll:
	case sel.Kind() == cb.KindUnassigned:
		where = append(where, squirrel.Eq{"server_tag": stamped.AllServers})
	case owned:
		tags := make([]string, 0, len(sel.Tags()))
		for _, tag := range sel.Tags() {
			tags = append(tags, tag.String())
		}
		where = append(where, squirrel.Eq{"server_tag": tags})
	default:
		where = append(where, squirrel.Eq{"server_tag": sel.ReadTags()})
	}
	return where
}

func (b *Backend) GetByID(ctx context.Context, domain string, sel cb.Selector, id uint64) (*cb.Record, error) {
	q := b.sb.Select(columns...).From(Table).
		Where(b.where(domain, sel, false)).
		Where(squirrel.Eq{"id": id})
	recs, err := b.query(ctx, b.db, q)
	if err != nil {
		return nil, b.queryError("get "+domain, err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

func (b *Backend) GetAll(ctx context.Context, domain string, sel cb.Selector) (cb.Records, error) {
	q := b.sb.Select(columns...).From(Table).
		Where(b.where(domain, sel, false)).
		OrderBy("id")
	recs, err := b.query(ctx, b.db, q)
	if err != nil {
		return nil, b.queryError("get all "+domain, err)
	}
	return recs, nil
}

func (b *Backend) GetModifiedSince(ctx context.Context, domain string, sel cb.Selector, since time.Time) (cb.Records, error) {
	q := b.sb.Select(columns...).From(Table).
		Where(b.where(domain, sel, false)).
		Where(squirrel.Gt{"modified_ts": since.UTC().Truncate(time.Microsecond)}).
		OrderBy("modified_ts", "id")
	recs, err := b.query(ctx, b.db, q)
	if err != nil {
		return nil, b.queryError("get modified "+domain, err)
	}
	return recs, nil
}

func (b *Backend) Upsert(ctx context.Context, rec cb.Record) (cb.Record, error) {
	op := "upsert " + rec.Domain
	if err := rec.Validate(); err != nil {
		return cb.Record{}, err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return cb.Record{}, b.writeError(op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := cb.CheckConstraints(rec, func(tag string) (bool, error) {
		return b.serverExists(ctx, tx, tag)
	}); err != nil {
		return cb.Record{}, b.writeError(op, err)
	}

	id, found, err := b.find(ctx, tx, rec)
	if err != nil {
		return cb.Record{}, b.writeError(op, err)
	}
	if rec.ID() != 0 && !found {
		return cb.Record{}, &cb.WriteError{Op: op, Err: fmt.Errorf("no record with id %d", rec.ID())}
	}

	stamp := b.stamp()
	tag := rec.ServerTag().String()
	if found {
		q := b.sb.Update(Table).
			Set("name", rec.Name).
			Set("value", rec.Value).
			Set("server_tag", tag).
			Set("modified_ts", stamp).
			Where(squirrel.Eq{"id": id})
		if _, err := q.RunWith(tx).ExecContext(ctx); err != nil {
			return cb.Record{}, b.writeError(op, err)
		}
	} else {
		id, err = b.insert(ctx, tx, rec, tag, stamp)
		if err != nil {
			return cb.Record{}, b.writeError(op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return cb.Record{}, b.writeError(op, fmt.Errorf("failed to commit transaction: %w", err))
	}
	rec.SetID(id)
	rec.SetModificationTime(stamp)
	return rec, nil
}

func (b *Backend) insert(ctx context.Context, tx *sql.Tx, rec cb.Record, tag string, stamp time.Time) (uint64, error) {
	q := b.sb.Insert(Table).
		Columns("domain", "name", "value", "server_tag", "modified_ts").
		Values(rec.Domain, rec.Name, rec.Value, tag, stamp)
	if b.dialect.Returning {
		var id uint64
		err := q.Suffix("RETURNING id").RunWith(tx).QueryRowContext(ctx).Scan(&id)
		return id, err
	}
	res, err := q.RunWith(tx).ExecContext(ctx)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

func (b *Backend) DeleteByID(ctx context.Context, domain string, sel cb.Selector, id uint64) (int, error) {
	where := append(b.where(domain, sel, true), squirrel.Eq{"id": id})
	return b.delete(ctx, "delete "+domain, domain, where)
}

func (b *Backend) DeleteAll(ctx context.Context, domain string, sel cb.Selector) (int, error) {
	return b.delete(ctx, "delete all "+domain, domain, b.where(domain, sel, true))
}

// delete removes the records matching where. Deleting servers also
// deletes every record they own.
func (b *Backend) delete(ctx context.Context, op, domain string, where squirrel.And) (int, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, b.writeError(op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	var servers []string
	if domain == cb.DomainServers {
		if servers, err = b.names(ctx, tx, where); err != nil {
			return 0, b.writeError(op, err)
		}
	}

	res, err := b.sb.Delete(Table).Where(where).RunWith(tx).ExecContext(ctx)
	if err != nil {
		return 0, b.writeError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, b.writeError(op, fmt.Errorf("failed to fetch affected rows: %w", err))
	}

	if len(servers) > 0 {
		cascade := b.sb.Delete(Table).
			Where(squirrel.NotEq{"domain": cb.DomainServers}).
			Where(squirrel.Eq{"server_tag": servers})
		if _, err := cascade.RunWith(tx).ExecContext(ctx); err != nil {
			return 0, b.writeError(op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, b.writeError(op, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return int(n), nil
}

func (b *Backend) Ping(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return &cb.ConnectionError{Backend: b.dialect.Name, Err: err}
	}
	return nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) query(ctx context.Context, runner squirrel.QueryerContext, q squirrel.SelectBuilder) (cb.Records, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to generate statement: %w", err)
	}
	rows, err := runner.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs cb.Records
	for rows.Next() {
		var (
			id                       uint64
			domain, name, value, tag string
			modified                 time.Time
		)
		if err := rows.Scan(&id, &domain, &name, &value, &tag, &modified); err != nil {
			return nil, fmt.Errorf("failed to fetch record: %w", err)
		}
		rec := cb.NewRecord(domain, name, value)
		if err := rec.SetServerTag(tag); err != nil {
			return nil, err
		}
		rec.SetID(id)
		rec.SetModificationTime(modified.UTC())
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (b *Backend) names(ctx context.Context, tx *sql.Tx, where squirrel.And) ([]string, error) {
	rows, err := b.sb.Select("name").From(Table).Where(where).RunWith(tx).QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// find returns the id of the stored record rec replaces: the one with its
// id, or without id the one with the same name and server tag.
func (b *Backend) find(ctx context.Context, tx *sql.Tx, rec cb.Record) (uint64, bool, error) {
	q := b.sb.Select("id").From(Table).Where(squirrel.Eq{"domain": rec.Domain})
	if rec.ID() != 0 {
		q = q.Where(squirrel.Eq{"id": rec.ID()})
	} else {
		q = q.Where(squirrel.Eq{"name": rec.Name, "server_tag": rec.ServerTag().String()})
	}
	var id uint64
	err := q.RunWith(tx).QueryRowContext(ctx).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, false, nil
	case err != nil:
		return 0, false, err
	}
	return id, true, nil
}

func (b *Backend) serverExists(ctx context.Context, tx *sql.Tx, tag string) (bool, error) {
	var n int
	err := b.sb.Select("COUNT(*)").From(Table).
		Where(squirrel.Eq{"domain": cb.DomainServers, "name": tag}).
		RunWith(tx).QueryRowContext(ctx).Scan(&n)
	return n > 0, err
}

func (b *Backend) stamp() time.Time {
	// Microsecond precision survives a round trip through both engines.
	now := stamped.Now().UTC().Truncate(time.Microsecond)
	if now.Before(b.lastStamp) {
		now = b.lastStamp
	}
	b.lastStamp = now
	return now
}
