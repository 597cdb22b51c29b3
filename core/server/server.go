package server

import (
	"context"
	"net"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/masqtun/masqtun/core/internal/pipeline"
)

type Server interface {
	Serve() error
	Close() error
}

func NewServer(config *Config) (Server, error) {
	if err := config.fill(); err != nil {
		return nil, err
	}
	var opts pipeline.ServerOptions
	opts.TLSFallback = config.TLSFallback
	if config.DecoyURL != "" {
		opts.Fallback = NewDecoyProxy(config.DecoyURL).ServeConn
	}
	pcfg := pipeline.Config{
		Cipher:      config.Cipher,
		Masquerader: config.Masquerader,
		Dialer:      outboundDialer{config.Outbound},
		Relay:       config.RelayConfig.Options(),
		Registry:    pipeline.NewRegistry(),
	}
	if config.EventLogger != nil {
		pcfg.EventLogger = config.EventLogger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &serverImpl{
		config:   config,
		pipeline: pipeline.NewServer(pcfg, opts),
		sem:      semaphore.NewWeighted(int64(config.Threads * config.Multiplier)),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

type serverImpl struct {
	config   *Config
	pipeline *pipeline.Pipeline
	sem      *semaphore.Weighted
	ctx      context.Context
	cancel   context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// Serve accepts agent connections until the listener fails or the server
// is closed. At most Threads*Multiplier sessions run at once; beyond that
// the server stops accepting until one finishes.
func (s *serverImpl) Serve() error {
	for {
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			return net.ErrClosed
		}
		conn, err := s.config.Listener.Accept()
		if err != nil {
			s.sem.Release(1)
			return err
		}
		go func() {
			defer s.sem.Release(1)
			s.pipeline.Serve(s.ctx, conn)
		}()
	}
}

// Close stops accepting, closes every live session and waits for them.
func (s *serverImpl) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.config.Listener.Close()
		s.cancel()
		reg := s.pipeline.Registry()
		reg.CloseAll()
		reg.Wait()
	})
	return s.closeErr
}
