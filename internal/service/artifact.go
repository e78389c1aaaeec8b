package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/mcprunner/internal/domain"
)

func validateUpload(req domain.UploadRequest) (json.RawMessage, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("name is required: %w", domain.ErrInvalidArgument)
	}
	if !json.Valid(req.Content) {
		return nil, fmt.Errorf("uploaded file is not valid JSON: %w", domain.ErrInvalidArgument)
	}
	return json.RawMessage(req.Content), nil
}

// CreateCollection stores an uploaded collection for req.UserID.
func (s *Service) CreateCollection(ctx context.Context, req domain.UploadRequest) (*domain.Collection, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user_id is required: %w", domain.ErrInvalidArgument)
	}
	data, err := validateUpload(req)
	if err != nil {
		return nil, err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil || doc == nil {
		return nil, fmt.Errorf("collection must be a JSON object: %w", domain.ErrInvalidArgument)
	}

	collection := &domain.Collection{
		CollectionID: "col_" + uuid.New().String()[:8],
		Name:         req.Name,
		Description:  req.Description,
		Data:         data,
		UserID:       req.UserID,
		CreatedAt:    time.Now(),
	}
	if err := s.store.CreateCollection(ctx, collection); err != nil {
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}
	return collection, nil
}

// CreateEnvironment stores an environment for a collection owned by req.UserID.
func (s *Service) CreateEnvironment(ctx context.Context, req domain.UploadRequest) (*domain.Environment, error) {
	data, err := validateUpload(req)
	if err != nil {
		return nil, err
	}
	if _, err := s.ownedCollection(ctx, req.CollectionID, req.UserID); err != nil {
		return nil, err
	}

	env := &domain.Environment{
		EnvironmentID: "env_" + uuid.New().String()[:8],
		CollectionID:  req.CollectionID,
		Name:          req.Name,
		Description:   req.Description,
		Data:          data,
		CreatedAt:     time.Now(),
	}
	if err := s.store.CreateEnvironment(ctx, env); err != nil {
		return nil, fmt.Errorf("failed to create environment: %w", err)
	}
	return env, nil
}

// CreateTestData stores a data file for a collection owned by req.UserID.
func (s *Service) CreateTestData(ctx context.Context, req domain.UploadRequest) (*domain.TestData, error) {
	data, err := validateUpload(req)
	if err != nil {
		return nil, err
	}
	var rows []map[string]interface{}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("test data must be a JSON array of objects: %w", domain.ErrInvalidArgument)
	}
	if _, err := s.ownedCollection(ctx, req.CollectionID, req.UserID); err != nil {
		return nil, err
	}

	item := &domain.TestData{
		TestDataID:   "dat_" + uuid.New().String()[:8],
		CollectionID: req.CollectionID,
		Name:         req.Name,
		Description:  req.Description,
		Data:         data,
		CreatedAt:    time.Now(),
	}
	if err := s.store.CreateTestData(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to create test data: %w", err)
	}
	return item, nil
}

// GetCollection returns a collection with its attached artifacts.
func (s *Service) GetCollection(ctx context.Context, collectionID, userID string) (*domain.CollectionDetail, error) {
	collection, err := s.ownedCollection(ctx, collectionID, userID)
	if err != nil {
		return nil, err
	}
	envs, err := s.store.ListEnvironments(ctx, collectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}
	data, err := s.store.ListTestData(ctx, collectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list test data: %w", err)
	}
	return &domain.CollectionDetail{Collection: collection, Environments: envs, TestData: data}, nil
}

// ListCollections returns the collections of userID without their content.
func (s *Service) ListCollections(ctx context.Context, userID string) ([]domain.Collection, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required: %w", domain.ErrInvalidArgument)
	}
	collections, err := s.store.ListCollections(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	return collections, nil
}

func (s *Service) ownedCollection(ctx context.Context, collectionID, userID string) (*domain.Collection, error) {
	if collectionID == "" {
		return nil, fmt.Errorf("collection_id is required: %w", domain.ErrInvalidArgument)
	}
	if userID == "" {
		return nil, fmt.Errorf("user_id is required: %w", domain.ErrInvalidArgument)
	}
	collection, err := s.store.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get collection: %w", err)
	}
	if collection == nil {
		return nil, fmt.Errorf("collection %s: %w", collectionID, domain.ErrNotFound)
	}
	if collection.UserID != userID {
		return nil, fmt.Errorf("collection %s: %w", collectionID, domain.ErrForbidden)
	}
	return collection, nil
}
