// Package maintenance runs the scheduled upkeep jobs: the idle-session
// eviction sweep and nightly archive optimization.
package maintenance

import (
	"log"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// Registry is the session registry slice maintenance drives.
type Registry interface {
	EvictIdle(maxIdle time.Duration) int
	ActiveCount() int
}

// Optimizer is the archive upkeep hook.
type Optimizer interface {
	Optimize() error
}

const (
	// evictSpec runs the idle sweep every five minutes (seconds field first).
	evictSpec = "0 */5 * * * *"
	// optimizeSpec merges the FTS index nightly at 03:30.
	optimizeSpec = "0 30 3 * * *"
)

type Service struct {
	registry  Registry
	optimizer Optimizer
	idle      time.Duration
	cron      *rcron.Cron
}

func NewService(registry Registry, optimizer Optimizer, idleTimeout time.Duration) *Service {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	return &Service{
		registry:  registry,
		optimizer: optimizer,
		idle:      idleTimeout,
	}
}

func (s *Service) Start() error {
	s.cron = rcron.New(rcron.WithSeconds())

	if _, err := s.cron.AddFunc(evictSpec, s.runEvict); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(optimizeSpec, s.runOptimize); err != nil {
		return err
	}

	s.cron.Start()
	log.Printf("[maintenance] started (idle timeout %s)", s.idle)
	return nil
}

// Stop halts scheduling and waits for any running job to finish.
func (s *Service) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	log.Printf("[maintenance] stopped")
}

func (s *Service) runEvict() {
	if evicted := s.registry.EvictIdle(s.idle); evicted > 0 {
		log.Printf("[maintenance] evicted %d idle sessions, %d active", evicted, s.registry.ActiveCount())
	}
}

func (s *Service) runOptimize() {
	if s.optimizer == nil {
		return
	}
	if err := s.optimizer.Optimize(); err != nil {
		log.Printf("[maintenance] archive optimize failed: %v", err)
		return
	}
	log.Printf("[maintenance] archive optimized")
}
