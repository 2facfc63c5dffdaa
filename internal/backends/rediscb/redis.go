// Package rediscb provides the "redis" configuration backend, storing
// records in Redis hashes through a redigo connection pool.
//
// Access string parameters:
//
//	host              server host, default localhost
//	port              server port, default 6379
//	password          AUTH password
//	name              key prefix, default "cb"
//	connect-timeout   dial timeout in milliseconds, default 5000
package rediscb

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/dreamware/cbstore/internal/backends/kvcb"
	"github.com/dreamware/cbstore/internal/cb"
)

// Type is the backend type name registered by Register.
const Type = "redis"

// Register installs the redis backend type in r.
func Register(r *cb.Registry) {
	r.Register(Type, Factory)
}

// Factory creates a redis backend and verifies the server answers.
func Factory(ctx context.Context, params cb.Parameters) (cb.Backend, error) {
	host := params.Value(cb.KeyHost, "localhost")
	port, err := params.Int(cb.KeyPort, 6379, 1, 65535)
	if err != nil {
		return nil, err
	}
	timeout, err := params.Duration(cb.KeyConnectTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}

	opts := []redis.DialOption{redis.DialConnectTimeout(timeout)}
	if password, ok := params.Get(cb.KeyPassword); ok {
		opts = append(opts, redis.DialPassword(password))
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	pool := &redis.Pool{
		MaxIdle:     2,
		IdleTimeout: 4 * time.Minute,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", addr, opts...)
		},
	}

	store := NewStore(pool, params.Value(cb.KeyName, "cb"))
	if err := store.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return kvcb.New(Type, host, port, store), nil
}
