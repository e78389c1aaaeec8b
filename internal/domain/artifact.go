package domain

import (
	"encoding/json"
	"time"
)

// Collection is an uploaded request collection.
type Collection struct {
	CollectionID string          `json:"collection_id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Data         json.RawMessage `json:"collection_data,omitempty"`
	UserID       string          `json:"user_id"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Environment is a set of variables bound to a collection.
type Environment struct {
	EnvironmentID string          `json:"environment_id"`
	CollectionID  string          `json:"collection_id"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Data          json.RawMessage `json:"environment_data,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// TestData is a data file of per-iteration variable rows bound to a collection.
type TestData struct {
	TestDataID   string          `json:"test_data_id"`
	CollectionID string          `json:"collection_id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Data         json.RawMessage `json:"test_data,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// CollectionDetail is a collection with the artifacts attached to it.
type CollectionDetail struct {
	*Collection
	Environments []Environment `json:"environments"`
	TestData     []TestData    `json:"test_data"`
}
