// Package docstore talks to the hosted document store service: vector stores,
// the file registry, upload batches and assistants.
package docstore

import (
	"context"

	"assistant-sync/internal/models"
)

// Service is the set of remote operations the synchronizer consumes
type Service interface {
	ListStores(ctx context.Context) ([]models.RemoteStore, error)
	DeleteStore(ctx context.Context, id string) error
	CreateStore(ctx context.Context, name string) (models.RemoteStore, error)

	ListFiles(ctx context.Context) ([]models.RemoteFile, error)
	DeleteFile(ctx context.Context, id string) error

	// UploadBatch uploads every file, attaches them to the store as one batch and
	// blocks until the batch reaches a terminal status or the poll gives up
	UploadBatch(ctx context.Context, storeID string, uploads []models.Upload) (*models.BatchResult, error)

	ListAssistants(ctx context.Context) ([]models.Assistant, error)
	CreateAssistant(ctx context.Context, spec models.AssistantSpec) (models.Assistant, error)
	// BindAssistant points the assistant's file search tool at the store
	BindAssistant(ctx context.Context, assistant models.Assistant, storeID string) (models.Assistant, error)
}
