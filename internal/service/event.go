package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/mcprunner/internal/domain"
	"github.com/xiaot623/mcprunner/internal/protocol"
)

// recordEvent records an event to the store.
func (s *Service) recordEvent(ctx context.Context, runID string, eventType domain.EventType, payload interface{}) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	event := &domain.Event{
		EventID: "evt_" + uuid.New().String()[:8],
		RunID:   runID,
		Ts:      time.Now().UnixMilli(),
		Type:    eventType,
		Payload: payloadBytes,
	}

	return s.store.CreateEvent(ctx, event)
}

// emit records the event and then broadcasts it to every live connection.
func (s *Service) emit(ctx context.Context, runID string, eventType domain.EventType, data map[string]interface{}) {
	if err := s.recordEvent(ctx, runID, eventType, data); err != nil {
		log.Printf("ERROR: failed to record %s event: %v", eventType, err)
	}

	env, err := protocol.NewEvent(string(eventType), data)
	if err != nil {
		log.Printf("ERROR: failed to build %s event: %v", eventType, err)
		return
	}
	if s.broadcaster == nil {
		return
	}
	n := s.broadcaster.Broadcast(env)
	if s.config.DebugEnabled() {
		log.Printf("DEBUG: %s for run %s delivered to %d connections", eventType, runID, n)
	}
}

// GetRunEvents returns the recorded lifecycle events of a run owned by userID.
func (s *Service) GetRunEvents(ctx context.Context, runID, userID string, afterTs int64, types []string, limit int) ([]domain.Event, error) {
	if _, err := s.ownedRun(ctx, runID, userID); err != nil {
		return nil, err
	}
	events, err := s.store.GetEvents(ctx, runID, afterTs, types, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get run events: %w", err)
	}
	return events, nil
}
