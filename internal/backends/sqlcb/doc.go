// Package sqlcb provides the "mysql" and "postgresql" configuration
// backends. Every record domain lives in one table:
//
//	cb_records(id, domain, name, value, server_tag, modified_ts)
//	unique (domain, name, server_tag)
//
// Statements are built with squirrel so that the two engines differ only
// in their Dialect: placeholder format, id retrieval and the errors that
// mean the connection is gone.
//
// Access string parameters:
//
//	host              server host, default localhost
//	port              server port, default 3306 or 5432
//	user, password    credentials
//	name              database name, required
//	connect-timeout   dial timeout in milliseconds, default 5000
//
// The table is created on connect when missing. Server deletes cascade to
// the records the server owns within the same transaction.
package sqlcb
