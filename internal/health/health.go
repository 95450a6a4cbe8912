// Package health reports dependency status over the standard gRPC health
// protocol and to the HTTP /health route.
package health

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported for the pipeline.
const ServiceName = "facecapture.Pipeline"

// Probe checks one dependency.
type Probe func(ctx context.Context) error

// Checker runs probes and mirrors the aggregate into a gRPC health server.
type Checker struct {
	probes  map[string]Probe
	timeout time.Duration
	server  *health.Server
	logger  *zap.Logger

	mu   sync.RWMutex
	last map[string]error
}

// NewChecker creates a checker. Each probe gets timeout per run.
func NewChecker(timeout time.Duration, logger *zap.Logger) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{
		probes:  make(map[string]Probe),
		timeout: timeout,
		server:  health.NewServer(),
		logger:  logger.Named("health"),
		last:    make(map[string]error),
	}
}

// Add registers a named probe. It must be called before Run.
func (c *Checker) Add(name string, probe Probe) {
	c.probes[name] = probe
}

// Check runs every probe once and updates the serving status.
func (c *Checker) Check(ctx context.Context) map[string]error {
	results := make(map[string]error, len(c.probes))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, probe := range c.probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			err := probe(probeCtx)
			mu.Lock()
			results[name] = err
			mu.Unlock()
		}()
	}
	wg.Wait()

	status := healthpb.HealthCheckResponse_SERVING
	for name, err := range results {
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			c.logger.Warn("dependency unhealthy", zap.String("dependency", name), zap.Error(err))
		}
	}
	c.server.SetServingStatus(ServiceName, status)
	c.server.SetServingStatus("", status)

	c.mu.Lock()
	c.last = results
	c.mu.Unlock()
	return results
}

// Last returns the results of the most recent Check.
func (c *Checker) Last() map[string]error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]error, len(c.last))
	for k, v := range c.last {
		out[k] = v
	}
	return out
}

// Healthy reports whether every probe passed in the most recent Check.
func Healthy(results map[string]error) bool {
	for _, err := range results {
		if err != nil {
			return false
		}
	}
	return true
}

// Summary renders results as name -> "ok" or the error text, sorted by name.
func Summary(results map[string]error) map[string]string {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make(map[string]string, len(names))
	for _, name := range names {
		if err := results[name]; err != nil {
			out[name] = err.Error()
		} else {
			out[name] = "ok"
		}
	}
	return out
}

// Run checks every interval until ctx is done.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	c.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.server.Shutdown()
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Serve exposes the gRPC health service on lis until ctx is done.
func (c *Checker) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, c.server)

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	c.logger.Info("gRPC health server listening", zap.String("addr", lis.Addr().String()))
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
