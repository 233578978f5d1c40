// Package server wires the store, replication registry, and connection
// handling into a running redikv process.
package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"redikv/internal/config"
	"redikv/internal/replication"
	"redikv/internal/store"
)

// Server is a single redikv process: either a leader accepting followers,
// or a follower streaming a leader's writes into its own store.
type Server struct {
	cfg   *config.Config
	store *store.Store
	log   *logrus.Logger

	registry *replication.Registry

	// masterOffset is the number of bytes of serialized write commands this
	// process has propagated as a leader; REPLCONF GETACK frames sent for
	// WAIT are not counted. It is meaningless on a follower, which
	// tracks its own applied offset via replicaClient instead.
	masterOffset atomic.Int64

	replicaClient *replication.Client

	listener  net.Listener
	connIDSeq atomic.Int64

	startedAt time.Time

	wg sync.WaitGroup
}

// New builds a Server from cfg. It does not start listening or, for a
// follower, connect to the leader; call Start for that.
func New(cfg *config.Config, log *logrus.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    store.New(),
		log:      log,
		registry: replication.NewRegistry(),
	}
}

// Start begins accepting client connections, and, if this process is
// configured as a follower, also connects to its leader and starts
// applying the replicated stream in the background. It blocks until the
// listener closes.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	s.listener = ln
	s.startedAt = time.Now()

	s.log.WithField("addr", addr).Info("listening")

	if s.cfg.IsFollower() {
		if err := s.startReplica(); err != nil {
			return err
		}
	}

	return s.acceptLoop()
}

func (s *Server) startReplica() error {
	leaderAddr := fmt.Sprintf("%s:%d", s.cfg.ReplicaOf.Host, s.cfg.ReplicaOf.Port)
	listenPort := s.cfg.Port
	if tcpAddr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		listenPort = tcpAddr.Port
	}
	client, err := replication.Dial(leaderAddr, listenPort)
	if err != nil {
		return fmt.Errorf("server: connecting to leader %s: %w", leaderAddr, err)
	}
	s.replicaClient = client

	s.log.WithField("leader", leaderAddr).Info("handshake complete, streaming")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.replicaClient.Stream(s.store); err != nil {
			s.log.WithError(err).Warn("replication stream ended")
		}
	}()
	return nil
}

func (s *Server) acceptLoop() error {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return err
		}
		id := s.connIDSeq.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(id, nc)
		}()
	}
}

// Addr returns the address the server is listening on. It is only valid
// after Start has begun listening (in practice, callers use it from a
// goroutine racing Start, so it may briefly return nil).
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown closes the listener and the connection to the leader (if any)
// and waits for in-flight connection goroutines to exit.
func (s *Server) Shutdown() {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.replicaClient != nil {
		s.replicaClient.Close()
	}
	s.wg.Wait()
}
