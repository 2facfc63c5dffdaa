package cb_test

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/cbstore/internal/backends/memfile"
	"github.com/dreamware/cbstore/internal/cb"
	"github.com/dreamware/cbstore/internal/stamped"
)

type recorder struct {
	lost, recovered, failed atomic.Int64
}

func (r *recorder) callbacks() cb.Callbacks {
	return cb.Callbacks{
		OnLost:      func(string) { r.lost.Add(1) },
		OnRecovered: func(string) { r.recovered.Add(1) },
		OnFailed:    func(string) { r.failed.Add(1) },
	}
}

func quiet() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// newPool returns a pool whose registry maps "postgresql" and "mysql" to
// in-memory databases.
func newPool(t *testing.T, opts ...cb.Option) *cb.Pool {
	t.Helper()
	reg := cb.NewRegistry()
	memfile.Register(reg)
	reg.Register("postgresql", memfile.Factory)
	reg.Register("mysql", memfile.Factory)

	pool := cb.NewPool(reg, append([]cb.Option{cb.WithLogger(quiet())}, opts...)...)
	t.Cleanup(pool.Close)
	return pool
}

// dbName returns a database name private to the test.
func dbName(t *testing.T) string {
	name := strings.ReplaceAll(t.Name(), "/", "_")
	t.Cleanup(func() { memfile.Drop(name) })
	return name
}

// TestPoolPostgresqlScenario walks through adding a backend, writing,
// losing connectivity and recovering.
func TestPoolPostgresqlScenario(t *testing.T) {
	rec := &recorder{}
	clock := clockwork.NewFakeClock()
	pool := newPool(t, cb.WithCallbacks(rec.callbacks()), cb.WithClock(clock))
	ctx := context.Background()
	name := dbName(t)

	id, err := pool.AddBackend(ctx, "type=postgresql;host=localhost;user=test;password=test;name="+name+";reconnect-wait-time=1000")
	require.NoError(t, err)

	backends := pool.GetAllBackends()
	require.Len(t, backends, 1)
	assert.Equal(t, id, backends[0].ID)
	assert.Equal(t, "postgresql", backends[0].Type)
	assert.Equal(t, "localhost", backends[0].Host)
	assert.Contains(t, backends[0].Access, "password=*****")

	n, err := pool.DeleteAll(ctx, cb.DomainGlobalParameters, cb.Unassigned())
	require.NoError(t, err)
	assert.Zero(t, n)

	stored, err := pool.UpsertGlobalParameter(ctx, cb.Unassigned(), cb.NewGlobalParameter("valid-lifetime", "4000"))
	require.NoError(t, err)
	got, err := pool.GetGlobalParameter(ctx, cb.Unassigned(), "valid-lifetime")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].AllServers())
	assert.Equal(t, stored.ID(), got[0].ID())

	// Break connectivity
	memfile.Database(name).SetOffline(true)
	_, err = pool.GetAllGlobalParameters(ctx, cb.Unassigned())
	require.Error(t, err)
	assert.True(t, cb.IsConnectionError(err))
	require.Eventually(t, func() bool { return rec.lost.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Restore it; the next probe recovers the backend
	memfile.Database(name).SetOffline(false)
	clock.BlockUntil(1)
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return rec.recovered.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	params, err := pool.GetAllGlobalParameters(ctx, cb.Unassigned())
	require.NoError(t, err)
	assert.Len(t, params, 1)
	assert.Equal(t, "connected", pool.GetAllBackends()[0].Phase)
	assert.Zero(t, rec.failed.Load())
}

func TestPoolAddBackendErrors(t *testing.T) {
	pool := newPool(t)
	ctx := context.Background()

	_, err := pool.AddBackend(ctx, "host=localhost")
	var malformed *cb.MalformedAccessStringError
	assert.ErrorAs(t, err, &malformed)

	_, err = pool.AddBackend(ctx, "type=oracle;host=localhost")
	var unknown *cb.UnknownBackendTypeError
	assert.ErrorAs(t, err, &unknown)

	_, err = pool.AddBackend(ctx, "type=memfile;readonly=maybe")
	assert.ErrorAs(t, err, &malformed)

	name := dbName(t)
	memfile.Database(name).SetOffline(true)
	rec := &recorder{}
	pool = newPool(t, cb.WithCallbacks(rec.callbacks()))
	_, err = pool.AddBackend(ctx, "type=memfile;name="+name)
	assert.True(t, cb.IsConnectionError(err))
	assert.Zero(t, rec.lost.Load(), "a backend failing to open never enters recovery")

	assert.Empty(t, pool.GetAllBackends())
}

// TestPoolRouting checks how selectors route reads and writes across
// backends serving different servers.
func TestPoolRouting(t *testing.T) {
	pool := newPool(t)
	ctx := context.Background()
	east, west := dbName(t)+"-east", dbName(t)+"-west"
	t.Cleanup(func() { memfile.Drop(east); memfile.Drop(west) })

	_, err := pool.AddBackend(ctx, "type=mysql;host=db-east;name="+east+";server-tags=e1,e2")
	require.NoError(t, err)
	_, err = pool.AddBackend(ctx, "type=mysql;host=db-west;name="+west+";server-tags=w1")
	require.NoError(t, err)

	e1 := cb.One(stamped.MustServerTag("e1"))
	w1 := cb.One(stamped.MustServerTag("w1"))

	// Writes need exactly one backend
	_, err = pool.UpsertGlobalParameter(ctx, cb.Unassigned(), cb.NewGlobalParameter("x", "1"))
	assert.ErrorIs(t, err, cb.ErrAmbiguousBackend)
	_, err = pool.UpsertGlobalParameter(ctx, cb.One(stamped.MustServerTag("nowhere")), cb.NewGlobalParameter("x", "1"))
	assert.ErrorIs(t, err, cb.ErrNoBackend)

	for _, sel := range []cb.Selector{e1, w1} {
		_, err := pool.UpsertGlobalParameter(ctx, sel, cb.NewGlobalParameter("x", sel.Tags()[0].String()))
		require.NoError(t, err)
	}
	_, err = pool.UpsertGlobalParameter(ctx, cb.Unassigned().WithBackend(cb.Target{Host: "db-west"}), cb.NewGlobalParameter("y", "west"))
	require.NoError(t, err)

	// ONE routes only to the backend serving the tag
	recs, err := pool.GetAll(ctx, cb.DomainGlobalParameters, w1)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	// ALL concatenates every backend in insertion order, duplicates kept
	recs, err = pool.GetAll(ctx, cb.DomainGlobalParameters, cb.AllServers())
	require.NoError(t, err)
	var values []string
	for r := range recs.All() {
		values = append(values, r.Value)
	}
	assert.Equal(t, []string{"e1", "w1", "west"}, values)

	// Both backends assign id 1: GetByID returns one record per backend
	recs, err = pool.GetByID(ctx, cb.DomainGlobalParameters, cb.AllServers(), 1)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	assert.Equal(t, 1, pool.RemoveBackend(cb.Target{Host: "db-east"}))
	recs, err = pool.GetAll(ctx, cb.DomainGlobalParameters, cb.AllServers())
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

// TestPoolServers exercises the typed server helpers and the cascade of
// server deletes.
func TestPoolServers(t *testing.T) {
	pool := newPool(t)
	ctx := context.Background()
	_, err := pool.AddBackend(ctx, "type=memfile;name="+dbName(t))
	require.NoError(t, err)

	s1, err := cb.NewServer("s1", "first")
	require.NoError(t, err)
	_, err = pool.UpsertServer(ctx, cb.AllServers(), s1)
	require.NoError(t, err)

	gp := cb.NewGlobalParameter("renew-timer", "900")
	gp.SetTag(stamped.MustServerTag("s1"))
	_, err = pool.UpsertGlobalParameter(ctx, cb.AllServers(), gp)
	require.NoError(t, err)

	gp = cb.NewGlobalParameter("renew-timer", "600")
	gp.SetTag(stamped.MustServerTag("ghost"))
	_, err = pool.UpsertGlobalParameter(ctx, cb.AllServers(), gp)
	var werr *cb.WriteError
	assert.ErrorAs(t, err, &werr)

	got, err := pool.GetServer(ctx, cb.AllServers(), stamped.MustServerTag("s1"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "first", got.Description)

	servers, err := pool.GetAllServers(ctx, cb.AllServers())
	require.NoError(t, err)
	assert.Len(t, servers, 1)

	n, err := pool.DeleteServer(ctx, cb.AllServers(), stamped.MustServerTag("s1"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	params, err := pool.GetAllGlobalParameters(ctx, cb.AllServers())
	require.NoError(t, err)
	assert.Empty(t, params, "deleting a server removes its parameters")

	missing, err := pool.GetServer(ctx, cb.AllServers(), stamped.MustServerTag("s1"))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPoolGlobalParameterLifecycle(t *testing.T) {
	pool := newPool(t)
	ctx := context.Background()
	_, err := pool.AddBackend(ctx, "type=memfile;name="+dbName(t))
	require.NoError(t, err)

	first, err := pool.UpsertGlobalParameter(ctx, cb.Unassigned(), cb.NewGlobalParameter("a", "1"))
	require.NoError(t, err)
	_, err = pool.UpsertGlobalParameter(ctx, cb.Unassigned(), cb.NewGlobalParameter("b", "1"))
	require.NoError(t, err)

	modified, err := pool.GetModifiedGlobalParameters(ctx, cb.Unassigned(), first.ModificationTime().Add(-time.Nanosecond))
	require.NoError(t, err)
	assert.Len(t, modified, 2)

	n, err := pool.DeleteGlobalParameter(ctx, cb.Unassigned(), "a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = pool.DeleteGlobalParameter(ctx, cb.Unassigned(), "a")
	require.NoError(t, err)
	assert.Zero(t, n)

	left, err := pool.GetAllGlobalParameters(ctx, cb.Unassigned())
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "b", left[0].Name)
}

// TestPoolPartialFailure verifies a fan-out returns the results of the
// healthy backends along with the failure of the others.
func TestPoolPartialFailure(t *testing.T) {
	pool := newPool(t)
	ctx := context.Background()
	up, down := dbName(t)+"-up", dbName(t)+"-down"
	t.Cleanup(func() { memfile.Drop(up); memfile.Drop(down) })

	_, err := pool.AddBackend(ctx, "type=memfile;host=up;name="+up)
	require.NoError(t, err)
	_, err = pool.AddBackend(ctx, "type=memfile;host=down;name="+down)
	require.NoError(t, err)

	_, err = pool.UpsertGlobalParameter(ctx, cb.Unassigned().WithBackend(cb.Target{Host: "up"}), cb.NewGlobalParameter("a", "1"))
	require.NoError(t, err)

	memfile.Database(down).SetOffline(true)
	params, err := pool.GetAllGlobalParameters(ctx, cb.Unassigned())
	require.Error(t, err)
	assert.True(t, cb.IsConnectionError(err))
	assert.Len(t, params, 1)
}

// TestPoolConcurrentAddRemove adds and removes backends from several
// goroutines while others query the pool.
func TestPoolConcurrentAddRemove(t *testing.T) {
	pool := newPool(t, cb.WithFanOutLimit(2))
	ctx := context.Background()
	name := dbName(t)

	const adders = 8
	const rounds = 20

	stop := make(chan struct{})
	var queries sync.WaitGroup
	for i := 0; i < 4; i++ {
		queries.Add(1)
		go func() {
			defer queries.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				_, err := pool.GetAll(ctx, cb.DomainGlobalParameters, cb.AllServers())
				assert.NoError(t, err)
				_ = pool.GetAllBackends()
			}
		}()
	}

	var kept atomic.Int64
	var workers sync.WaitGroup
	for i := 0; i < adders; i++ {
		workers.Add(1)
		go func(i int) {
			defer workers.Done()
			host := fmt.Sprintf("host-%d", i)
			access := fmt.Sprintf("type=memfile;host=%s;name=%s", host, name)
			for j := 0; j < rounds; j++ {
				_, err := pool.AddBackend(ctx, access)
				if !assert.NoError(t, err) {
					return
				}
				if j < rounds-1 {
					assert.Equal(t, 1, pool.RemoveBackend(cb.Target{Host: host}))
				}
			}
			kept.Add(1)
		}(i)
	}
	workers.Wait()
	close(stop)
	queries.Wait()

	assert.Len(t, pool.GetAllBackends(), int(kept.Load()))
	assert.Equal(t, adders, pool.RemoveBackend(cb.Target{}))
	assert.Empty(t, pool.GetAllBackends())
}

func TestPoolMetrics(t *testing.T) {
	metrics := cb.NewMetrics(nil)
	pool := newPool(t, cb.WithMetrics(metrics))
	ctx := context.Background()

	id, err := pool.AddBackend(ctx, "type=memfile;name="+dbName(t))
	require.NoError(t, err)
	_, err = pool.AddBackend(ctx, "type=memfile;host=other;name="+dbName(t))
	require.NoError(t, err)

	assert.True(t, pool.RemoveBackendByID(id))
	assert.False(t, pool.RemoveBackendByID(id))
	assert.Len(t, pool.GetAllBackends(), 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Backends))
}
