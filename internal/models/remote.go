package models

// RemoteStore is a named vector store on the document store service
type RemoteStore struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty"`
}

// RemoteFile is an entry in the service's file registry
type RemoteFile struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	Purpose   string `json:"purpose,omitempty"`
	Bytes     int    `json:"bytes,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty"`
}

// Assistant is a named assistant with at most one bound vector store
type Assistant struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Model          string   `json:"model"`
	Instructions   string   `json:"instructions,omitempty"`
	Tools          []string `json:"tools,omitempty"`
	VectorStoreIDs []string `json:"vector_store_ids,omitempty"`
}

// AssistantSpec holds what is needed to create an assistant
type AssistantSpec struct {
	Name         string
	Instructions string
	Model        string
	Tools        []string
}

type BatchStatus string

const (
	BatchInProgress BatchStatus = "in_progress"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchCancelled  BatchStatus = "cancelled"
	// BatchTimedOut is never reported by the service, it marks a poll that gave up while in progress
	BatchTimedOut BatchStatus = "timed_out"
)

// Terminal reports whether polling can stop
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchCompleted, BatchFailed, BatchCancelled, BatchTimedOut:
		return true
	}
	return false
}

type FileCounts struct {
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Total      int `json:"total"`
}

// BatchResult is the outcome of an upload-and-poll call
type BatchResult struct {
	ID      string            `json:"id"`
	StoreID string            `json:"store_id"`
	Status  BatchStatus       `json:"status"`
	Counts  FileCounts        `json:"file_counts"`
	FileIDs map[string]string `json:"file_ids,omitempty"`
}
