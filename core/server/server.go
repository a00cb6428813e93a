// Package server accepts raw TCP connections and shuttles fixed-width
// protocol messages between clients and the transaction engine. Each
// connection gets its own goroutine and its own read deadline; a connection
// that stays silent past the deadline is dropped.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/gojofs/core/engine"
	"github.com/sushant-115/gojofs/core/storage"
	"github.com/sushant-115/gojofs/core/wire"
)

const (
	// DefaultConnectionTimeout is how long a connection may sit silent
	// between packets before it is closed.
	DefaultConnectionTimeout = 10 * time.Second

	// DefaultMaxConnections is the cap on simultaneously served
	// connections. Connections accepted past the cap are closed at once.
	DefaultMaxConnections = 255

	// throttleChunk is the write granularity used when a response payload
	// is subject to the bandwidth limiter.
	throttleChunk = 32 * 1024
)

// Config carries the dispatcher's tunables.
type Config struct {
	// Addr is the IPv4 listen address, host:port.
	Addr string

	// ConnectionTimeout overrides DefaultConnectionTimeout when positive.
	ConnectionTimeout time.Duration

	// MaxConnections overrides DefaultMaxConnections when positive.
	MaxConnections int

	// ReadBandwidth caps response bytes per second, headers and payloads
	// of every command alike, across all connections. Zero means unlimited.
	ReadBandwidth int
}

// Server is the TCP dispatcher in front of an Engine.
type Server struct {
	cfg     Config
	engine  *engine.Engine
	logger  *zap.Logger
	limiter *rate.Limiter

	listener net.Listener
	active   atomic.Int32
	wg       sync.WaitGroup
}

// New builds a Server. Call Listen before Serve.
func New(cfg Config, eng *engine.Engine, logger *zap.Logger) *Server {
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = DefaultConnectionTimeout
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	s := &Server{cfg: cfg, engine: eng, logger: logger}
	if cfg.ReadBandwidth > 0 {
		burst := cfg.ReadBandwidth
		if burst < throttleChunk {
			burst = throttleChunk
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.ReadBandwidth), burst)
	}
	return s
}

// Listen binds the IPv4 listen socket.
func (s *Server) Listen() error {
	l, err := net.Listen("tcp4", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = l
	s.logger.Info("listening", zap.String("addr", l.Addr().String()))
	return nil
}

// Addr returns the bound listen address. Valid after Listen.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve runs the accept loop until ctx is cancelled, then closes the
// listener and drains the connection workers.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		if int(s.active.Load()) >= s.cfg.MaxConnections {
			s.logger.Warn("maximum connections reached, closing connection",
				zap.String("remote_addr", conn.RemoteAddr().String()),
			)
			conn.Close()
			continue
		}

		s.active.Add(1)
		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}

	s.wg.Wait()
	s.logger.Info("server stopped")
	return nil
}

// handleConnection reads fixed-width requests off one connection until the
// conversation ends, the peer disconnects, or a read deadline expires.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() {
		conn.Close()
		s.active.Add(-1)
		s.wg.Done()
	}()

	logger := s.logger.With(
		zap.String("conn_id", uuid.NewString()),
		zap.String("remote_addr", conn.RemoteAddr().String()),
	)
	logger.Debug("connection opened")
	defer logger.Debug("connection closed")

	header := make([]byte, wire.RequestHeaderLen)

	open := true
	for open && ctx.Err() == nil {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ConnectionTimeout))
		if err := storage.ReadFull(conn, header); err != nil {
			// Disconnects and idle timeouts are client-side events.
			logger.Debug("header read ended", zap.Error(err))
			return
		}

		var resp engine.Response
		cmd, txnID, seqNum, contentLen, err := wire.ParseRequest(header)
		if err != nil {
			logger.Warn("malformed request header", zap.ByteString("header", header))
			resp = engine.Response{
				Cmd:     wire.CmdError,
				TxnID:   wire.DefaultTxnID,
				SeqNum:  wire.ErrorSeqNum,
				ErrCode: wire.CodeInvalidMessageFormat,
				Payload: []byte(wire.ErrorMessage(wire.CodeInvalidMessageFormat)),
			}
			open = false
		} else {
			payload := make([]byte, contentLen)
			if contentLen > 0 {
				conn.SetReadDeadline(time.Now().Add(s.cfg.ConnectionTimeout))
				if err := storage.ReadFull(conn, payload); err != nil {
					logger.Debug("payload read ended", zap.Error(err))
					return
				}
			}
			resp, open = s.engine.Process(cmd, txnID, seqNum, payload)
		}

		msg, err := wire.EncodeResponse(resp.Cmd, resp.TxnID, resp.SeqNum, resp.ErrCode, resp.Payload)
		if err != nil {
			logger.Error("failed to encode response", zap.Error(err))
			return
		}
		if err := s.writeResponse(ctx, conn, msg); err != nil {
			logger.Debug("response write ended", zap.Error(err))
			return
		}
	}
}

// writeResponse sends a full message, feeding it through the bandwidth
// limiter in chunks when one is configured.
func (s *Server) writeResponse(ctx context.Context, conn net.Conn, msg []byte) error {
	if s.limiter == nil {
		return storage.WriteFull(conn, msg)
	}
	for len(msg) > 0 {
		n := len(msg)
		if n > throttleChunk {
			n = throttleChunk
		}
		if err := s.limiter.WaitN(ctx, n); err != nil {
			return err
		}
		if err := storage.WriteFull(conn, msg[:n]); err != nil {
			return err
		}
		msg = msg[n:]
	}
	return nil
}
