// Package service implements the run orchestrator and artifact management.
package service

import (
	"github.com/xiaot623/mcprunner/internal/config"
	"github.com/xiaot623/mcprunner/internal/protocol"
	"github.com/xiaot623/mcprunner/internal/repository"
	"github.com/xiaot623/mcprunner/internal/runner"
)

// Broadcaster delivers an envelope to every live listener.
type Broadcaster interface {
	Broadcast(env protocol.Envelope) int
}

type Service struct {
	store       store.Store
	runner      runner.Runner
	broadcaster Broadcaster
	config      *config.Config
	runs        *supervisor
}

func New(store store.Store, r runner.Runner, broadcaster Broadcaster, cfg *config.Config) *Service {
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &Service{
		store:       store,
		runner:      r,
		broadcaster: broadcaster,
		config:      cfg,
		runs:        newSupervisor(),
	}
}
