package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/rs/zerolog/log"

	"atlas/internal/storage"
)

// Server serves JSON-RPC 2.0 requests over a Unix-domain socket and,
// optionally, a TCP listener (spec §6.2). Each accepted connection both
// services requests and receives that connection's subscribed
// `atlas.event` notifications, multiplexed over the same bidirectional
// stream via a write mutex.
type Server struct {
	Router *Router
	Events *EventBus

	mu        sync.Mutex
	listeners []net.Listener
}

// NewServer builds a Server over router, fanning events out from bus.
func NewServer(router *Router, bus *EventBus) *Server {
	return &Server{Router: router, Events: bus}
}

// ListenAndServe binds the Unix socket at socketPath (removing any stale
// socket file first) and, when tcpPort > 0, an additional TCP listener, then
// accepts connections until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, socketPath string, tcpPort int) error {
	_ = os.Remove(socketPath)
	unixListener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("daemon: listen unix socket %s: %w", socketPath, err)
	}
	s.addListener(unixListener)
	go s.acceptLoop(ctx, unixListener)

	if tcpPort > 0 {
		tcpListener, err := net.Listen("tcp", fmt.Sprintf(":%d", tcpPort))
		if err != nil {
			unixListener.Close()
			return fmt.Errorf("daemon: listen tcp :%d: %w", tcpPort, err)
		}
		s.addListener(tcpListener)
		go s.acceptLoop(ctx, tcpListener)
	}

	<-ctx.Done()
	s.closeAll()
	return nil
}

func (s *Server) addListener(l net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listeners {
		_ = l.Close()
	}
}

func (s *Server) acceptLoop(ctx context.Context, l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Msg("daemon: accept failed")
			return
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	subID, events := s.Events.Subscribe()
	defer s.Events.Unsubscribe(subID)

	var writeMu sync.Mutex
	enc := json.NewEncoder(conn)
	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return enc.Encode(v)
	}

	requestsDone := make(chan struct{})
	go func() {
		defer close(requestsDone)
		dec := json.NewDecoder(conn)
		for {
			var req Request
			if err := dec.Decode(&req); err != nil {
				return
			}
			resp := s.Router.Dispatch(ctx, req)
			if err := write(resp); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			note := Notification{JSONRPC: "2.0", Method: "atlas.event", Params: eventParams(ev)}
			if err := write(note); err != nil {
				return
			}
		case <-requestsDone:
			return
		case <-ctx.Done():
			return
		}
	}
}

func eventParams(e storage.Event) map[string]any {
	return map[string]any{"type": e.Type, "data": e.Payload}
}
