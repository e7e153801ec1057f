package app

import (
	"sync"

	"github.com/Lochnair/sqm-autorate/internal/config"
	"github.com/Lochnair/sqm-autorate/internal/util"
	"github.com/google/uuid"
)

// Supervisor loads the configuration and owns the runtime for one run of the
// daemon.
type Supervisor struct {
	configPath string
	logger     util.Logger
	mu         sync.Mutex
	runtime    *Runtime
}

func NewSupervisor(configPath string, logger util.Logger) *Supervisor {
	return &Supervisor{
		configPath: configPath,
		logger:     logger,
	}
}

func (s *Supervisor) Start() error {
	cfg, err := config.LoadConfig(s.configPath)
	if err != nil {
		return err
	}
	level, err := util.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := util.NewLoggerWithLevel(level).With("run_id", uuid.NewString())

	runtime, err := NewRuntime(cfg, logger)
	if err != nil {
		return err
	}
	if err := runtime.Start(); err != nil {
		runtime.Stop()
		return err
	}
	s.mu.Lock()
	s.runtime = runtime
	s.mu.Unlock()

	logger.Info("autorate running",
		"download", cfg.Download.Interface,
		"upload", cfg.Upload.Interface,
		"qdisc", cfg.Qdisc,
		"algorithm", cfg.Controller.Algorithm)
	return nil
}

// Wait blocks until the runtime's goroutines exit and returns the first
// error among them. After a clean Stop it returns nil.
func (s *Supervisor) Wait() error {
	s.mu.Lock()
	current := s.runtime
	s.mu.Unlock()
	if current == nil {
		return nil
	}
	return current.Wait()
}

func (s *Supervisor) Stop() {
	s.mu.Lock()
	current := s.runtime
	s.runtime = nil
	s.mu.Unlock()
	if current != nil {
		current.Stop()
	}
}
