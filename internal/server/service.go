package server

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	logs "github.com/danmuck/nreplctl/internal/logging"
)

// ServiceConfig configures the TCP endpoint.
type ServiceConfig struct {
	ListenAddr string
	Conn       Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr: "127.0.0.1:7888",
		Conn:       DefaultConfig(),
	}
}

// Runner is a sidecar run alongside the accept loop, such as the admin HTTP
// listener. It must return once ctx ends.
type Runner func(ctx context.Context) error

// Service accepts nREPL connections and serves each on its own Conn.
type Service struct {
	cfg ServiceConfig

	connsMu sync.Mutex
	conns   map[net.Conn]*Conn

	clientCount atomic.Int64
	addrMu      sync.Mutex
	addr        net.Addr
}

func NewService(cfg ServiceConfig) *Service {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = DefaultServiceConfig().ListenAddr
	}
	cfg.Conn.Session = cfg.Conn.Session.WithDefaults()
	if cfg.Conn.Handlers == nil {
		cfg.Conn.Handlers = DefaultHandlers()
	}
	return &Service{
		cfg:   cfg,
		conns: make(map[net.Conn]*Conn),
	}
}

// Run listens on the configured address and serves until ctx ends or any
// runner fails.
func (s *Service) Run(ctx context.Context, runners ...Runner) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	logs.Infof("server.Service.Run listening addr=%q", ln.Addr().String())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Serve(ctx, ln)
	})
	for _, run := range runners {
		g.Go(func() error {
			return run(ctx)
		})
	}
	return g.Wait()
}

// Serve runs the accept loop on an existing listener. It closes ln and every
// tracked connection once ctx ends.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	s.addrMu.Lock()
	s.addr = ln.Addr()
	s.addrMu.Unlock()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		c := NewConn(conn, s.cfg.Conn)
		s.trackConn(conn, c)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn, c)
		}()
	}
}

// Addr is the bound listener address once Serve has started.
func (s *Service) Addr() net.Addr {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.addr
}

// Connections snapshots every live connection ordered by start time.
func (s *Service) Connections() []ConnSnapshot {
	s.connsMu.Lock()
	out := make([]ConnSnapshot, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.Snapshot())
	}
	s.connsMu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Service) handleConn(ctx context.Context, conn net.Conn, c *Conn) {
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr().String()
	active := s.clientCount.Add(1)
	logs.Infof("server.Service client connected conn=%s remote=%q active_clients=%d", c.ID(), remote, active)
	defer func() {
		remaining := s.clientCount.Add(-1)
		logs.Infof("server.Service client disconnected conn=%s remote=%q active_clients=%d", c.ID(), remote, remaining)
	}()
	if err := c.Serve(ctx); err != nil {
		logs.Warnf("server.Service.handleConn conn=%s remote=%q err=%v", c.ID(), remote, err)
	}
}

func (s *Service) trackConn(conn net.Conn, c *Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = c
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}
