package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"go.uber.org/zap"

	"github.com/uhyunpark/peerbook/pkg/identity"
	"github.com/uhyunpark/peerbook/pkg/util"
)

// Handler serves one method. A nil response payload is sent as empty.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

const defaultHandlerTimeout = 30 * time.Second

type callerKey struct{}

// WithCaller tags ctx with the RPC key of the peer issuing a call.
func WithCaller(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, callerKey{}, key)
}

// Caller returns the RPC key of the peer that issued the call being served.
// Calls through Dispatch carry whatever the caller attached with WithCaller.
func Caller(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(callerKey{}).(string)
	return key, ok && key != ""
}

// Server dispatches inbound calls by method name. Every stream is served on
// its own goroutine; a failing call never affects the others.
type Server struct {
	host host.Host
	log  *zap.SugaredLogger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewServer registers ProtocolID on h. h may be nil for an in-process
// server reached only through Dispatch.
func NewServer(h host.Host, logger *zap.SugaredLogger) *Server {
	s := &Server{
		host:     h,
		log:      util.OrNop(logger),
		handlers: make(map[string]Handler),
	}
	if h != nil {
		h.SetStreamHandler(ProtocolID, s.handleStream)
	}
	return s
}

// Respond binds method to fn, replacing any previous binding.
func (s *Server) Respond(method string, fn Handler) {
	s.mu.Lock()
	s.handlers[method] = fn
	s.mu.Unlock()
}

// Dispatch runs the handler for method in the calling goroutine.
func (s *Server) Dispatch(ctx context.Context, method string, payload []byte) ([]byte, error) {
	s.mu.RLock()
	fn, ok := s.handlers[method]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownMethod
	}
	return fn(ctx, payload)
}

func (s *Server) handleStream(st network.Stream) {
	defer st.Close()
	remote := st.Conn().RemotePeer()

	_ = st.SetReadDeadline(time.Now().Add(defaultHandlerTimeout))
	var req Request
	if err := readFrame(st, &req); err != nil {
		s.log.Warnw("rpc_read_failed", "peer", remote, "err", err)
		_ = st.Reset()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultHandlerTimeout)
	defer cancel()
	if key, err := identity.PublicHexFromPeerID(remote); err == nil {
		ctx = WithCaller(ctx, key)
	} else {
		s.log.Warnw("rpc_caller_unknown", "peer", remote, "err", err)
	}

	out, err := s.Dispatch(ctx, req.Method, req.Payload)
	if err != nil {
		s.log.Warnw("rpc_call_failed", "method", req.Method, "peer", remote, "one_way", req.OneWay, "err", err)
	}
	if req.OneWay {
		return
	}

	resp := Response{Payload: out}
	if err != nil {
		resp = Response{Error: wireError(err)}
	}
	_ = st.SetWriteDeadline(time.Now().Add(defaultHandlerTimeout))
	if err := writeFrame(st, resp); err != nil {
		s.log.Warnw("rpc_write_failed", "method", req.Method, "peer", remote, "err", err)
	}
}

// Close stops accepting calls.
func (s *Server) Close() {
	if s.host != nil {
		s.host.RemoveStreamHandler(ProtocolID)
	}
}
