package sqlcb

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/dreamware/cbstore/internal/cb"
)

// PostgreSQLType is the type name of the PostgreSQL backend.
const PostgreSQLType = "postgresql"

const postgresSchema = `
CREATE TABLE IF NOT EXISTS cb_records (
	id BIGSERIAL PRIMARY KEY,
	domain VARCHAR(64) NOT NULL,
	name VARCHAR(255) NOT NULL,
	value TEXT NOT NULL,
	server_tag VARCHAR(256) NOT NULL,
	modified_ts TIMESTAMPTZ NOT NULL,
	UNIQUE (domain, name, server_tag)
)`

// PostgreSQL is the dialect of PostgreSQL.
var PostgreSQL = Dialect{
	Name:        PostgreSQLType,
	Placeholder: squirrel.Dollar,
	Returning:   true,
	Schema:      postgresSchema,
	IsConnectionError: func(err error) bool {
		var connErr *pgconn.ConnectError
		if errors.As(err, &connErr) {
			return true
		}
		var e *pgconn.PgError
		if errors.As(err, &e) {
			// class 08 is connection exception, 57P0x are shutdowns
			return strings.HasPrefix(e.Code, "08") || strings.HasPrefix(e.Code, "57P0")
		}
		return pgconn.SafeToRetry(err)
	},
	IsDuplicate: func(err error) bool {
		var e *pgconn.PgError
		return errors.As(err, &e) && e.Code == "23505"
	},
}

// RegisterPostgreSQL installs the postgresql backend type in r.
func RegisterPostgreSQL(r *cb.Registry) {
	r.Register(PostgreSQLType, PostgreSQLFactory)
}

// PostgreSQLFactory connects to a PostgreSQL server and creates the
// records table if needed.
func PostgreSQLFactory(ctx context.Context, params cb.Parameters) (cb.Backend, error) {
	conn, err := readConnParams(params, 5432)
	if err != nil {
		return nil, err
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(conn.host, strconv.Itoa(conn.port)),
		Path:   "/" + conn.name,
	}
	if conn.user != "" {
		u.User = url.UserPassword(conn.user, conn.password)
	}
	q := u.Query()
	q.Set("connect_timeout", strconv.Itoa(max(1, int(conn.timeout.Seconds()))))
	u.RawQuery = q.Encode()

	cfg, err := pgx.ParseConfig(u.String())
	if err != nil {
		return nil, &cb.MalformedAccessStringError{Reason: err.Error()}
	}
	return connect(ctx, stdlib.OpenDB(*cfg), PostgreSQL, conn)
}
