package client

import (
	"context"
	"net"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/masqtun/masqtun/core/internal/pipeline"
)

// Client is the agent: it accepts raw client traffic on Listener and
// relays it to the server in disguise.
type Client interface {
	Serve() error
	Close() error
}

func NewClient(config *Config) (Client, error) {
	if err := config.verifyAndFill(); err != nil {
		return nil, err
	}
	pcfg := pipeline.Config{
		Cipher:      config.Cipher,
		Masquerader: config.Masquerader,
		Dialer:      config.Dialer,
		Relay:       config.RelayConfig.Options(),
		Registry:    pipeline.NewRegistry(),
	}
	if config.EventLogger != nil {
		pcfg.EventLogger = config.EventLogger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &clientImpl{
		config:   config,
		pipeline: pipeline.NewAgent(pcfg, config.ServerAddr),
		sem:      semaphore.NewWeighted(int64(config.Threads * config.Multiplier)),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

type clientImpl struct {
	config   *Config
	pipeline *pipeline.Pipeline
	sem      *semaphore.Weighted
	ctx      context.Context
	cancel   context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

func (c *clientImpl) Serve() error {
	for {
		if err := c.sem.Acquire(c.ctx, 1); err != nil {
			return net.ErrClosed
		}
		conn, err := c.config.Listener.Accept()
		if err != nil {
			c.sem.Release(1)
			return err
		}
		go func() {
			defer c.sem.Release(1)
			c.pipeline.Serve(c.ctx, conn)
		}()
	}
}

func (c *clientImpl) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.config.Listener.Close()
		c.cancel()
		reg := c.pipeline.Registry()
		reg.CloseAll()
		reg.Wait()
	})
	return c.closeErr
}
