// Package endpoint implements the listening side of a connection: open
// a Listener, accept incoming Streams, and hand each one to a new
// connection.Connection, spec §4.9's counterpart for inbound links.
// Grounded on ioc_end_point.c (ioc_run_endpoint/ioc_try_to_open_endpoint/
// ioc_try_accept_new_sockets/ioc_establish_connection).
package endpoint

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"

	"github.com/iocafe/iocom-sub000/pkg/iocom/auth"
	"github.com/iocafe/iocom-sub000/pkg/iocom/connection"
	"github.com/iocafe/iocom-sub000/pkg/iocom/root"
	"github.com/iocafe/iocom-sub000/pkg/iocom/transport"
)

// ReopenDelay bounds how soon a failed Listen is retried, matching the
// original's two-second "socket_open_fail_timer" backoff.
const ReopenDelay = 2 * time.Second

// Config configures an EndPoint.
type Config struct {
	Root *root.Root

	// Listen opens the transport-specific listener (TCP, TLS, or
	// serial); EndPoint calls it once up front and again after a
	// listener failure, waiting ReopenDelay between attempts.
	Listen func() (transport.Listener, error)

	BidirectionalMblks bool
	// DynamicMblks lets an accepted connection create a memory block on
	// the fly for a peer mblk-info advertisement that matches nothing
	// local, instead of rejecting it (§4.5 DYNAMIC_MBLKS).
	DynamicMblks bool
	Credentials  auth.Credentials
	Authorize    auth.Authorizer

	// OnConnection is invoked with every accepted Connection before it
	// starts running, letting the caller log or track it. May be nil.
	OnConnection func(*connection.Connection)

	// Workers enables the optional parallel-thread model (§5): instead
	// of one ad-hoc goroutine per accepted link, links are dispatched
	// onto a fixed pool of this many worker goroutines, rendezvous-hashed
	// by the link's remote address so repeat connections from the same
	// peer keep landing on the same worker. Zero (the default) keeps the
	// simple one-goroutine-per-connection model.
	Workers int
}

// EndPoint accepts inbound connections on one listener and spins up a
// connection.Connection (and its Run goroutine) for each.
type EndPoint struct {
	cfg  Config
	ln   transport.Listener
	pool *workerPool
}

// New creates an EndPoint; call Run to start listening and accepting.
func New(cfg Config) *EndPoint {
	return &EndPoint{cfg: cfg}
}

// Run opens the listener (retrying on failure per ReopenDelay) and
// accepts connections in a loop until ctx is cancelled, matching
// ioc_run_endpoint's "open then accept forever" shape restructured as a
// blocking loop instead of a polled tick, since transport.Listener.Accept
// already blocks on ctx the way the teacher's USOCK read loop blocks on
// the port.
func (e *EndPoint) Run(ctx context.Context) error {
	if e.cfg.Workers > 0 && e.pool == nil {
		e.pool = newWorkerPool(ctx, e.cfg.Workers)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ln, err := e.cfg.Listen()
		if err != nil {
			log.Printf("endpoint: listen failed: %v, retrying in %s", err, ReopenDelay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(ReopenDelay):
			}
			continue
		}
		e.ln = ln

		if err := e.acceptLoop(ctx); err != nil {
			log.Printf("endpoint: listener broken: %v, reopening", err)
			e.ln.Close()
			e.ln = nil
			continue
		}
		return nil
	}
}

// acceptLoop accepts connections until ctx is done or Accept fails.
func (e *EndPoint) acceptLoop(ctx context.Context) error {
	for {
		stream, err := e.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		e.establish(ctx, stream)
	}
}

// establish wires an accepted Stream into a new Connection and starts
// it running in its own goroutine, matching ioc_establish_connection.
func (e *EndPoint) establish(ctx context.Context, stream transport.Stream) {
	conn, err := connection.New(connection.Config{
		Root:               e.cfg.Root,
		Stream:             stream,
		Listener:           true,
		BidirectionalMblks: e.cfg.BidirectionalMblks,
		DynamicMblks:       e.cfg.DynamicMblks,
		Credentials:        e.cfg.Credentials,
		Authorize:          e.cfg.Authorize,
	})
	if err != nil {
		log.Printf("endpoint: %v", err)
		stream.Close()
		return
	}
	if e.cfg.OnConnection != nil {
		e.cfg.OnConnection(conn)
	}

	run := func() {
		if err := conn.Run(ctx); err != nil {
			log.Printf("endpoint: connection ended: %v", err)
		}
		conn.Close()
	}

	if e.pool != nil {
		e.pool.dispatch(streamAffinityKey(stream), run)
		return
	}
	go run()
}

// streamAffinityKey returns the string a newly accepted link is
// rendezvous-hashed on: its remote address when the underlying stream
// exposes one (TCP and TLS both embed net.Conn), or the stream's own
// pointer identity for transports such as serial that have no address.
func streamAffinityKey(stream transport.Stream) string {
	if ra, ok := stream.(interface{ RemoteAddr() net.Addr }); ok {
		return ra.RemoteAddr().String()
	}
	return fmt.Sprintf("%p", stream)
}

// workerPool dispatches accepted connections across a fixed set of
// worker goroutines, matching §5's "Parallel threads (optional)": each
// worker owns an unbuffered-ish queue of run functions, and links are
// assigned to a worker by rendezvous hashing their affinity key across
// the worker names, so the same peer keeps reconnecting to the same
// worker instead of bouncing between them.
type workerPool struct {
	names  []string
	queues []chan func()
	hash   *rendezvous.Hash
}

func newWorkerPool(ctx context.Context, n int) *workerPool {
	names := make([]string, n)
	queues := make([]chan func(), n)
	for i := range names {
		names[i] = fmt.Sprintf("worker-%d", i)
		queues[i] = make(chan func(), 16)
	}
	wp := &workerPool{
		names:  names,
		queues: queues,
		hash:   rendezvous.New(names, xxhash.Sum64String),
	}
	for i := range queues {
		go wp.runWorker(ctx, queues[i])
	}
	return wp
}

func (wp *workerPool) runWorker(ctx context.Context, q chan func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-q:
			fn()
		}
	}
}

// dispatch queues fn onto the worker key rendezvous-hashes to. Falls
// back to running fn on a new goroutine if that worker's queue is full,
// so a burst of reconnects never blocks the accept loop indefinitely.
func (wp *workerPool) dispatch(key string, fn func()) {
	name := wp.hash.Get(key)
	for i, n := range wp.names {
		if n != name {
			continue
		}
		select {
		case wp.queues[i] <- fn:
		default:
			go fn()
		}
		return
	}
	go fn()
}

// Close shuts down the listener, refusing further Accept calls.
func (e *EndPoint) Close() error {
	if e.ln == nil {
		return nil
	}
	return e.ln.Close()
}

// Addr returns the bound listener's address, or an error if not yet
// listening.
func (e *EndPoint) Addr() (string, error) {
	if e.ln == nil {
		return "", fmt.Errorf("endpoint: not listening")
	}
	return e.ln.Addr(), nil
}
