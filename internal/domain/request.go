package domain

// StartRunRequest represents the request to start a run.
type StartRunRequest struct {
	CollectionID  string `json:"collection_id"`
	EnvironmentID string `json:"environment_id,omitempty"`
	TestDataID    string `json:"test_data_id,omitempty"`
	UserID        string `json:"user_id"`
}

// UploadRequest carries a raw artifact upload.
type UploadRequest struct {
	Name         string
	Description  string
	CollectionID string // environments and test data only
	UserID       string
	Content      []byte
}
