// Package boltcb provides the "bolt" configuration backend, an embedded
// single-file database built on bbolt.
//
// Access string parameters:
//
//	name              database file path, required
//	connect-timeout   file lock wait in milliseconds, default 1000
//
// host and port are accepted for backend selection only.
package boltcb

import (
	"context"
	"time"

	"github.com/dreamware/cbstore/internal/backends/kvcb"
	"github.com/dreamware/cbstore/internal/cb"
)

// Type is the backend type name registered by Register.
const Type = "bolt"

// Register installs the bolt backend type in r.
func Register(r *cb.Registry) {
	r.Register(Type, Factory)
}

// Factory opens the database file named by the name parameter.
func Factory(_ context.Context, params cb.Parameters) (cb.Backend, error) {
	path, ok := params.Get(cb.KeyName)
	if !ok || path == "" {
		return nil, &cb.MalformedAccessStringError{Reason: "bolt backend requires name"}
	}
	port, err := params.Int(cb.KeyPort, 0, 0, 65535)
	if err != nil {
		return nil, err
	}
	timeout, err := params.Duration(cb.KeyConnectTimeout, time.Second)
	if err != nil {
		return nil, err
	}

	store, err := Open(path, timeout)
	if err != nil {
		return nil, err
	}
	return kvcb.New(Type, params.Value(cb.KeyHost, "localhost"), port, store), nil
}
