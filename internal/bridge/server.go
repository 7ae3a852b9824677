package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/roach88/realmsup/internal/codec"
	"github.com/roach88/realmsup/internal/endpoint"
)

// Resolver maps capability ids to capabilities.
// *composition.Registry implements it.
type Resolver interface {
	Lookup(id string) (endpoint.Capability, bool)
}

// Request is the wire form of one bridged message.
type Request struct {
	Capability string           `cbor:"capability"`
	Payload    endpoint.Payload `cbor:"payload,omitempty"`
	Call       bool             `cbor:"call,omitempty"`
}

// Response is the wire-format envelope for every bridge response.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

const (
	// readTimeout is how long we wait for the client to send its request.
	readTimeout = 30 * time.Second

	// writeTimeout is how long we wait for the response to be written.
	writeTimeout = 10 * time.Second

	// maxRequestSize bounds a single CBOR request.
	maxRequestSize = 1024 * 1024

	// DefaultCallTimeout bounds how long a bridged Call waits for the
	// supervisor's reply.
	DefaultCallTimeout = 30 * time.Second
)

// Server serves the bridge protocol on a Unix socket.
type Server struct {
	socketPath  string
	resolver    Resolver
	logger      *slog.Logger
	callTimeout time.Duration

	// activeConnections tracks in-flight requests; Serve waits for them.
	activeConnections sync.WaitGroup
}

// NewServer creates a server that will listen on socketPath.
func NewServer(socketPath string, resolver Resolver, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath:  socketPath,
		resolver:    resolver,
		logger:      logger.With("socket", socketPath),
		callTimeout: DefaultCallTimeout,
	}
}

// SetCallTimeout overrides DefaultCallTimeout. Must be called before Serve.
func (s *Server) SetCallTimeout(d time.Duration) {
	s.callTimeout = d
}

// Serve accepts connections until ctx is cancelled, then waits for active
// requests to complete.
//
// Any existing socket file at the configured path is removed before
// listening. The socket file is removed on return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("bridge listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	var req Request
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if req.Capability == "" {
		s.writeError(conn, "missing required field: capability")
		return
	}

	c, ok := s.resolver.Lookup(req.Capability)
	if !ok {
		s.writeError(conn, fmt.Sprintf("unknown capability %q", req.Capability))
		return
	}

	if !req.Call {
		if err := c.Send(ctx, req.Payload); err != nil {
			s.logger.Debug("bridged send failed", "capability", req.Capability, "error", err)
			s.writeError(conn, err.Error())
			return
		}
		s.writeSuccess(conn, nil)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	reply, err := c.Call(cctx, req.Payload)
	if err != nil {
		s.logger.Debug("bridged call failed", "capability", req.Capability, "error", err)
		s.writeError(conn, err.Error())
		return
	}
	s.writeSuccess(conn, reply)
}

// writeError sends {ok: false, error: "..."}. Write failures are logged
// at debug level; the connection is closing regardless.
func (s *Server) writeError(conn net.Conn, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(Response{OK: false, Error: message}); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

// writeSuccess sends {ok: true} with the reply payload, if any, in data.
func (s *Server) writeSuccess(conn net.Conn, reply endpoint.Payload) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	response := Response{OK: true}
	if reply != nil {
		data, err := codec.Marshal(reply)
		if err != nil {
			s.writeError(conn, fmt.Sprintf("internal: marshaling reply: %v", err))
			return
		}
		response.Data = data
	}

	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("failed to write success response", "error", err)
	}
}
