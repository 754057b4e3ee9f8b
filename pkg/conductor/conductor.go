package conductor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	startupTimeout  time.Duration = time.Duration(5 * time.Second)
	shutdownTimeout time.Duration = time.Duration(5 * time.Second)
)

// Service is anything the conductor can start and stop: it signals
// started once running, then stops when a context arrives on stop and
// signals stopped.
type Service interface {
	Run(started chan bool, stopped chan bool, stop chan context.Context) error
}

type serviceState struct {
	name     string
	service  Service
	ready    chan bool
	stopped  chan bool
	shutdown chan context.Context
	running  bool
}

// Conductor runs the relay's services in registration order and stops
// them in reverse.
type Conductor struct {
	mu           sync.Mutex
	started      bool
	startTimeout time.Duration // per service
	stopTimeout  time.Duration // shared by all services
	shutdown     chan bool     // closed once every service has stopped
	stopOnce     sync.Once
	services     []*serviceState
	log          *zap.Logger
}

// NewConductor builds a conductor; see options.go for the option funcs.
func NewConductor(opts ...func(*Conductor)) *Conductor {
	c := Conductor{
		startTimeout: startupTimeout,
		stopTimeout:  shutdownTimeout,
		shutdown:     make(chan bool),
		services:     []*serviceState{},
		log:          zap.NewNop(),
	}

	for _, optFn := range opts {
		optFn(&c)
	}
	return &c
}

// Service registers a service to be started by Start.
func (c *Conductor) Service(name string, service Service) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		panic("Cannot call Conductor.Service after Conductor.Start")
	}
	c.services = append(c.services, &serviceState{
		name:     name,
		service:  service,
		ready:    make(chan bool, 1),
		stopped:  make(chan bool, 1),
		shutdown: make(chan context.Context, 1),
	})
}

// Start runs each service in turn and waits for it to report ready. A
// service that fails or times out stops everything started before it. The
// returned channel closes once shutdown completes.
func (c *Conductor) Start() chan bool {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	for _, srv := range c.services {
		c.log.Info("starting service", zap.String("service", srv.name))
		if err := srv.service.Run(srv.ready, srv.stopped, srv.shutdown); err != nil {
			c.log.Error("service failed to start", zap.String("service", srv.name), zap.Error(err))
			go c.Stop()
			return c.shutdown
		}
		select {
		case <-srv.ready:
		case <-time.After(c.startTimeout):
			c.log.Error("service timed out during startup", zap.String("service", srv.name))
			go c.Stop()
			return c.shutdown
		}
		c.mu.Lock()
		srv.running = true
		c.mu.Unlock()
	}
	return c.shutdown
}

// Stop shuts services down in reverse start order. Safe to call more than once.
func (c *Conductor) Stop() {
	c.stopOnce.Do(c.stop)
}

func (c *Conductor) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), c.stopTimeout)
	defer cancel()

	c.mu.Lock()
	running := []*serviceState{}
	for i := len(c.services) - 1; i >= 0; i-- {
		if c.services[i].running {
			running = append(running, c.services[i])
		}
	}
	c.mu.Unlock()

	wg := sync.WaitGroup{}
	wg.Add(len(running))
	done := make(chan bool)
	go func() {
		wg.Wait()
		close(done)
	}()

	for _, state := range running {
		c.log.Info("requesting shutdown", zap.String("service", state.name))
		state.shutdown <- ctx
		go func(s *serviceState) {
			<-s.stopped
			c.log.Info("shutdown complete", zap.String("service", s.name))
			wg.Done()
		}(state)
	}

	select {
	case <-done:
		c.log.Info("all services stopped")
	case <-time.After(c.stopTimeout + time.Second):
		c.log.Warn("timeout exceeded waiting for services to stop")
	}
	close(c.shutdown)
}
