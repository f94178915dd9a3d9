package converge

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"

	"github.com/modelcask/converge/internal/proto"
)

// acceptRetryDelay paces the accept loop after a transient failure such as
// fd exhaustion, which would otherwise fail again immediately and spin.
const acceptRetryDelay = 100 * time.Millisecond

// Server is the convergence server a primary runs: it accepts loopback
// connections from client processes and dispatches each framed request into
// the local subsystem.
//
// Connections are handled concurrently with each other, but requests on one
// connection are processed strictly one at a time, so a single client sees
// its calls answered in the order it issued them. No ordering holds across
// connections.
type Server struct {
	l               log15.Logger
	listener        *net.TCPListener
	accept          func() (*net.TCPConn, error)
	clk             clock.Clock
	dispatch        Dispatcher
	maxMessageBytes uint32

	// sem bounds concurrent connections; a connection that cannot acquire is
	// refused immediately rather than queued.
	sem *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	conns     map[net.Conn]struct{}
	closeOnce sync.Once
}

// newServer binds to an OS-assigned ephemeral loopback port. A fixed port
// would collide between independent libraries on one machine; the port is
// published through the registry instead. The accept loop starts immediately.
func newServer(dispatch Dispatcher, maxConnections int, maxMessageBytes uint32, clk clock.Clock, l log15.Logger) (*Server, error) {
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		return nil, errors.Wrap(err, "binding convergence server")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		l:               l.New("port", listener.Addr().(*net.TCPAddr).Port),
		listener:        listener,
		accept:          listener.AcceptTCP,
		clk:             clk,
		dispatch:        dispatch,
		maxMessageBytes: maxMessageBytes,
		sem:             semaphore.NewWeighted(int64(maxConnections)),
		ctx:             ctx,
		cancel:          cancel,
		conns:           make(map[net.Conn]struct{}),
	}
	go s.serve()
	return s, nil
}

// Port returns the bound loopback port.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Addr returns the bound loopback address.
func (s *Server) Addr() *net.TCPAddr {
	return s.listener.Addr().(*net.TCPAddr)
}

func (s *Server) serve() {
	for {
		conn, err := s.accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.l.Info("convergence server closed, no longer accepting")
				return
			}
			s.l.Error("error accepting connection", "err", err)
			<-s.clk.After(acceptRetryDelay)
			continue
		}
		if !s.sem.TryAcquire(1) {
			s.l.Warn("refusing connection, at connection limit", "remote", conn.RemoteAddr())
			conn.Close()
			continue
		}
		s.track(conn)
		go func() {
			defer s.sem.Release(1)
			defer s.untrack(conn)
			s.handleConn(conn)
		}()
	}
}

// handleConn runs one connection's read→dispatch→write cycle until the
// stream ends or breaks framing. Dispatch failures answer on the wire and
// keep going; framing failures close the connection, since the stream can no
// longer be trusted frame-aligned.
func (s *Server) handleConn(conn *net.TCPConn) {
	defer conn.Close()
	l := s.l.New("remote", conn.RemoteAddr())
	l.Info("accepted connection")

	for {
		msg, err := proto.Read(conn, s.maxMessageBytes)
		if err != nil {
			if proto.IsDecodeError(err) {
				l.Warn("closing connection after protocol violation", "err", err)
				// Best effort; the peer may already be gone.
				_ = proto.Write(conn, proto.NewError(0, proto.CodeParseError, err.Error()), s.maxMessageBytes)
			} else if errors.Is(err, io.EOF) {
				l.Info("connection closed by peer")
			} else {
				l.Warn("closing connection after read failure", "err", err)
			}
			return
		}
		if msg.Kind() != proto.KindRequest {
			l.Warn("closing connection: peer sent a non-request", "kind", msg.Kind())
			_ = proto.Write(conn, proto.NewError(msg.ID, proto.CodeParseError, "expected a request"), s.maxMessageBytes)
			return
		}

		resp := s.respond(msg)
		if err := proto.Write(conn, resp, s.maxMessageBytes); err != nil {
			var oversize *proto.OversizeError
			if errors.As(err, &oversize) {
				// The handler produced a result too large to frame. Nothing
				// went on the wire, so answer with an error and keep the
				// connection.
				l.Warn("response exceeds frame limit", "method", msg.Method, "size", oversize.Size)
				if err := proto.Write(conn, proto.NewError(msg.ID, proto.CodeInternalError, err.Error()), s.maxMessageBytes); err != nil {
					l.Warn("closing connection after write failure", "err", err)
					return
				}
				continue
			}
			l.Warn("closing connection after write failure", "err", err)
			return
		}
	}
}

func (s *Server) respond(req *proto.Message) *proto.Message {
	if req.Method == proto.MethodPing {
		return proto.NewResponse(req.ID, proto.ResultPong)
	}
	result, err := s.dispatch.Dispatch(s.ctx, req.Method, req.Params)
	switch {
	case errors.Is(err, ErrUnknownMethod):
		return proto.NewError(req.ID, proto.CodeMethodNotFound, err.Error())
	case err != nil:
		s.l.Warn("handler failed", "method", req.Method, "err", err)
		return proto.NewError(req.ID, proto.CodeInternalError, err.Error())
	}
	return proto.NewResponse(req.ID, result)
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// Close stops accepting, cancels in-flight dispatches, and closes every live
// connection. Safe to call more than once.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.listener.Close()
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
	})
	return err
}
