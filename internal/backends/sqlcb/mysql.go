package sqlcb

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/VividCortex/mysqlerr"
	"github.com/go-sql-driver/mysql"

	"github.com/dreamware/cbstore/internal/cb"
)

// MySQLType is the type name of the MySQL backend.
const MySQLType = "mysql"

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS cb_records (
	id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
	domain VARCHAR(64) NOT NULL,
	name VARCHAR(255) NOT NULL,
	value TEXT NOT NULL,
	server_tag VARCHAR(256) NOT NULL,
	modified_ts TIMESTAMP(6) NOT NULL,
	UNIQUE KEY domain_name_tag (domain, name, server_tag),
	KEY modified (modified_ts)
)`

// MySQL is the dialect of MySQL and MariaDB.
var MySQL = Dialect{
	Name:        MySQLType,
	Placeholder: squirrel.Question,
	Schema:      mysqlSchema,
	IsConnectionError: func(err error) bool {
		if errors.Is(err, mysql.ErrInvalidConn) {
			return true
		}
		var e *mysql.MySQLError
		if !errors.As(err, &e) {
			return false
		}
		switch e.Number {
		case mysqlerr.ER_CON_COUNT_ERROR, mysqlerr.ER_SERVER_SHUTDOWN,
			mysqlerr.ER_NET_READ_ERROR, mysqlerr.ER_NET_WRITE_INTERRUPTED,
			mysqlerr.ER_ACCESS_DENIED_ERROR, mysqlerr.ER_BAD_DB_ERROR:
			return true
		}
		return false
	},
	IsDuplicate: func(err error) bool {
		var e *mysql.MySQLError
		return errors.As(err, &e) && e.Number == mysqlerr.ER_DUP_ENTRY
	},
}

// RegisterMySQL installs the mysql backend type in r.
func RegisterMySQL(r *cb.Registry) {
	r.Register(MySQLType, MySQLFactory)
}

// MySQLFactory connects to a MySQL server and creates the records table
// if needed.
func MySQLFactory(ctx context.Context, params cb.Parameters) (cb.Backend, error) {
	conn, err := readConnParams(params, 3306)
	if err != nil {
		return nil, err
	}

	cfg := mysql.NewConfig()
	cfg.User = conn.user
	cfg.Passwd = conn.password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(conn.host, strconv.Itoa(conn.port))
	cfg.DBName = conn.name
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.Timeout = conn.timeout
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, &cb.MalformedAccessStringError{Reason: err.Error()}
	}
	return connect(ctx, sql.OpenDB(connector), MySQL, conn)
}
