package sqlcb

import (
	"context"
	"database/sql"
	"time"

	"github.com/dreamware/cbstore/internal/cb"
)

type connParams struct {
	host     string
	port     int
	user     string
	password string
	name     string
	timeout  time.Duration
}

func readConnParams(params cb.Parameters, defaultPort int) (connParams, error) {
	conn := connParams{
		host:     params.Value(cb.KeyHost, "localhost"),
		user:     params.Value(cb.KeyUser, ""),
		password: params.Value(cb.KeyPassword, ""),
		name:     params.Value(cb.KeyName, ""),
	}
	if conn.name == "" {
		return connParams{}, &cb.MalformedAccessStringError{Reason: params.Type() + " backend requires name"}
	}
	var err error
	if conn.port, err = params.Int(cb.KeyPort, defaultPort, 1, 65535); err != nil {
		return connParams{}, err
	}
	if conn.timeout, err = params.Duration(cb.KeyConnectTimeout, 5*time.Second); err != nil {
		return connParams{}, err
	}
	return conn, nil
}

// connect verifies db answers and holds the records table. db is closed
// on failure.
func connect(ctx context.Context, db *sql.DB, dialect Dialect, conn connParams) (*Backend, error) {
	db.SetMaxOpenConns(2)
	db.SetConnMaxIdleTime(4 * time.Minute)

	b := New(db, dialect, conn.host, conn.port)
	if err := b.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := b.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}
