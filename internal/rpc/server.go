package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fieldworks/caravan/internal/config"
	"github.com/fieldworks/caravan/internal/conflict"
	"github.com/fieldworks/caravan/internal/eventbus"
	"github.com/fieldworks/caravan/internal/optimistic"
	"github.com/fieldworks/caravan/internal/rules"
	"github.com/fieldworks/caravan/internal/storage"
)

// ServerVersion is reported by ping and status. The daemon entry point
// overwrites it with the build version before starting the server.
var ServerVersion = "dev"

const (
	// maxConns bounds concurrent client connections; extras are rejected
	// at accept so a stuck client cannot starve the daemon.
	maxConns = 32

	// connIdleTimeout is how long a connection may sit between requests.
	connIdleTimeout = 5 * time.Minute

	// writeTimeout bounds writing one response. It is applied after the
	// handler returns so a long poll cannot eat its own response window.
	writeTimeout = 10 * time.Second
)

// Server answers RPC requests on the workspace unix socket. It reads
// queue and conflict state directly from the store and routes update
// operations through the optimistic coordinator.
type Server struct {
	socketPath  string
	store       storage.Store
	resolver    *conflict.Resolver
	registry    *rules.Registry
	coordinator *optimistic.Coordinator
	bus         *eventbus.Bus
	tuning      config.Tuning
	actor       string

	// Kick, when set, wakes the sync engine after operations that make
	// items claimable again.
	Kick func()

	handlers map[string]func(context.Context, *Request) Response
	watch    *watchClock

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	listener        net.Listener
	shutdown        bool
	stopOnce        sync.Once
	readyChan       chan struct{}
	doneChan        chan struct{}
	pendingShutdown atomic.Bool
	wg              sync.WaitGroup
	connSlots       chan struct{}

	startTime time.Time
	now       func() time.Time
}

// NewServer wires a server over the daemon's shared components. The actor
// is the daemon's identity, used when a request carries none. Call Start
// to begin serving.
func NewServer(socketPath string, store storage.Store, resolver *conflict.Resolver, registry *rules.Registry, coordinator *optimistic.Coordinator, bus *eventbus.Bus, tuning config.Tuning, actor string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		socketPath:  socketPath,
		store:       store,
		resolver:    resolver,
		registry:    registry,
		coordinator: coordinator,
		bus:         bus,
		tuning:      tuning,
		actor:       actor,
		watch:       newWatchClock(),
		ctx:         ctx,
		cancel:      cancel,
		readyChan:   make(chan struct{}),
		doneChan:    make(chan struct{}),
		connSlots:   make(chan struct{}, maxConns),
		startTime:   time.Now().UTC(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	s.initHandlers()
	if bus != nil {
		bus.Register(s.watch.handler())
	}
	return s
}

func (s *Server) initHandlers() {
	s.handlers = map[string]func(context.Context, *Request) Response{
		OpPing:     s.handlePing,
		OpStatus:   s.handleStatus,
		OpShutdown: s.handleShutdown,

		OpQueueSummary:     s.handleQueueSummary,
		OpQueueList:        s.handleQueueList,
		OpQueueWatch:       s.handleQueueWatch,
		OpQueueRetry:       s.handleQueueRetry,
		OpQueueRemove:      s.handleQueueRemove,
		OpOverridePriority: s.handleOverridePriority,

		OpConflictList:    s.handleConflictList,
		OpConflictShow:    s.handleConflictShow,
		OpConflictStats:   s.handleConflictStats,
		OpConflictResolve: s.handleConflictResolve,

		OpUpdateList:        s.handleUpdateList,
		OpUpdateRetry:       s.handleUpdateRetry,
		OpUpdateRollback:    s.handleUpdateRollback,
		OpRollbackAllFailed: s.handleRollbackAllFailed,
	}
}

// Start listens on the unix socket and serves until Stop or a fatal
// accept error. It blocks; run it in a goroutine.
func (s *Server) Start(_ context.Context) error {
	if err := s.ensureSocketDir(); err != nil {
		return fmt.Errorf("prepare socket directory: %w", err)
	}
	if err := s.removeStaleSocket(); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}

	// Owner-only. Some filesystems (virtio-fs) reject chmod on sockets
	// with EINVAL; the 0700 parent directory still protects the socket.
	if runtime.GOOS != "windows" {
		if err := os.Chmod(s.socketPath, 0o600); err != nil && !permissionUnsupported(err) {
			_ = listener.Close()
			return fmt.Errorf("set socket permissions: %w", err)
		}
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	close(s.readyChan)
	defer close(s.doneChan)

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			shuttingDown := s.shutdown
			s.mu.Unlock()
			if shuttingDown {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		select {
		case s.connSlots <- struct{}{}:
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				defer func() { <-s.connSlots }()
				s.handleConnection(c)
			}(conn)
		default:
			_ = conn.Close()
		}
	}
}

// WaitReady returns a channel closed once the socket is accepting.
func (s *Server) WaitReady() <-chan struct{} {
	return s.readyChan
}

// Stop closes the listener, cancels in-flight long polls, and removes the
// socket. The store is shared with the engine and coordinator, so closing
// it is the daemon's job, not the server's.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.shutdown = true
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()

		s.cancel()

		if listener != nil {
			if closeErr := listener.Close(); closeErr != nil {
				err = fmt.Errorf("close listener: %w", closeErr)
			}
			select {
			case <-s.doneChan:
			case <-time.After(5 * time.Second):
			}
		}
		s.wg.Wait()

		if removeErr := os.Remove(s.socketPath); removeErr != nil && !os.IsNotExist(removeErr) && err == nil {
			err = fmt.Errorf("remove socket: %w", removeErr)
		}
	})
	return err
}

func (s *Server) ensureSocketDir() error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	_ = os.Chmod(dir, 0o700)
	return nil
}

// removeStaleSocket clears a leftover socket file, but refuses to evict a
// live daemon: if something answers on the socket, startup fails.
func (s *Server) removeStaleSocket() error {
	if _, err := os.Stat(s.socketPath); err != nil {
		return nil
	}
	conn, err := net.DialTimeout("unix", s.socketPath, 500*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("socket %s is in use by another daemon", s.socketPath)
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

func permissionUnsupported(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EINVAL || errno == syscall.ENOTSUP
	}
	return false
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	// A panicking handler must not take the daemon down.
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "rpc: panic in connection handler: %v\n%s\n", r, debug.Stack())
		}
	}()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(connIdleTimeout)); err != nil {
			return
		}
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}

		var req Request
		var resp Response
		if err := json.Unmarshal(line, &req); err != nil {
			resp = failf("invalid request: %v", err)
		} else {
			resp = s.dispatch(&req)
		}

		if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return
		}
		if err := writeResponse(writer, resp); err != nil {
			return
		}

		// Shutdown is acknowledged first, then acted on.
		if s.pendingShutdown.Load() {
			go func() { _ = s.Stop() }()
			return
		}
	}
}

func (s *Server) dispatch(req *Request) Response {
	handler, ok := s.handlers[req.Operation]
	if !ok {
		return failf("unknown operation %q", req.Operation)
	}
	return handler(s.ctx, req)
}

func writeResponse(writer *bufio.Writer, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		return err
	}
	if err := writer.WriteByte('\n'); err != nil {
		return err
	}
	return writer.Flush()
}
