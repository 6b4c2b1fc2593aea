package docstore

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"

	"assistant-sync/internal/config"
	"assistant-sync/internal/models"
)

const listPageSize = 100

// OpenAIStore implements Service on the OpenAI assistants v2 API
type OpenAIStore struct {
	client *openai.Client
	poll   PollConfig
}

// NewOpenAIStore creates a store client from the openai section of the config
func NewOpenAIStore(cfg *config.OpenAIConfig, poll PollConfig) *OpenAIStore {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.OrgID != "" {
		clientConfig.OrgID = cfg.OrgID
	}

	log.Debug().Str("base_url", clientConfig.BaseURL).Msg("Created document store client")
	return &OpenAIStore{
		client: openai.NewClientWithConfig(clientConfig),
		poll:   poll,
	}
}

func (s *OpenAIStore) ListStores(ctx context.Context) ([]models.RemoteStore, error) {
	limit := listPageSize
	var stores []models.RemoteStore
	var after *string
	for {
		page, err := s.client.ListVectorStores(ctx, openai.Pagination{Limit: &limit, After: after})
		if err != nil {
			return nil, fmt.Errorf("failed to list vector stores: %w", err)
		}
		for _, vs := range page.VectorStores {
			stores = append(stores, models.RemoteStore{
				ID:        vs.ID,
				Name:      vs.Name,
				Status:    vs.Status,
				CreatedAt: vs.CreatedAt,
			})
		}
		if !page.HasMore || page.LastID == nil {
			return stores, nil
		}
		after = page.LastID
	}
}

func (s *OpenAIStore) DeleteStore(ctx context.Context, id string) error {
	if _, err := s.client.DeleteVectorStore(ctx, id); err != nil {
		return fmt.Errorf("failed to delete vector store %s: %w", id, err)
	}
	return nil
}

func (s *OpenAIStore) CreateStore(ctx context.Context, name string) (models.RemoteStore, error) {
	vs, err := s.client.CreateVectorStore(ctx, openai.VectorStoreRequest{Name: name})
	if err != nil {
		return models.RemoteStore{}, fmt.Errorf("failed to create vector store %q: %w", name, err)
	}
	return models.RemoteStore{ID: vs.ID, Name: vs.Name, Status: vs.Status, CreatedAt: vs.CreatedAt}, nil
}

func (s *OpenAIStore) ListFiles(ctx context.Context) ([]models.RemoteFile, error) {
	list, err := s.client.ListFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	files := make([]models.RemoteFile, 0, len(list.Files))
	for _, f := range list.Files {
		files = append(files, models.RemoteFile{
			ID:        f.ID,
			Filename:  f.FileName,
			Purpose:   f.Purpose,
			Bytes:     f.Bytes,
			CreatedAt: f.CreatedAt,
		})
	}
	return files, nil
}

func (s *OpenAIStore) DeleteFile(ctx context.Context, id string) error {
	if err := s.client.DeleteFile(ctx, id); err != nil {
		return fmt.Errorf("failed to delete file %s: %w", id, err)
	}
	return nil
}

// UploadBatch uploads each file to the registry, then creates one file batch on the store and polls it
func (s *OpenAIStore) UploadBatch(ctx context.Context, storeID string, uploads []models.Upload) (*models.BatchResult, error) {
	fileIDs := make(map[string]string, len(uploads))
	ids := make([]string, 0, len(uploads))
	for _, u := range uploads {
		data, err := io.ReadAll(u.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", u.Name, err)
		}
		f, err := s.client.CreateFileBytes(ctx, openai.FileBytesRequest{
			Name:    u.Name,
			Bytes:   data,
			Purpose: openai.PurposeAssistants,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to upload %s: %w", u.Name, err)
		}
		log.Debug().Str("file", u.Name).Str("file_id", f.ID).Msg("Uploaded file")
		fileIDs[u.Name] = f.ID
		ids = append(ids, f.ID)
	}

	batch, err := s.client.CreateVectorStoreFileBatch(ctx, storeID, openai.VectorStoreFileBatchRequest{FileIDs: ids})
	if err != nil {
		return nil, fmt.Errorf("failed to create file batch: %w", err)
	}

	result, err := PollBatch(ctx, s.poll, func(ctx context.Context) (*models.BatchResult, error) {
		if models.BatchStatus(batch.Status).Terminal() {
			return toBatchResult(batch), nil
		}
		next, err := s.client.RetrieveVectorStoreFileBatch(ctx, storeID, batch.ID)
		if err != nil {
			return nil, err
		}
		batch = next
		return toBatchResult(batch), nil
	})
	if result != nil {
		result.FileIDs = fileIDs
	}
	return result, err
}

func toBatchResult(b openai.VectorStoreFileBatch) *models.BatchResult {
	return &models.BatchResult{
		ID:      b.ID,
		StoreID: b.VectorStoreID,
		Status:  models.BatchStatus(b.Status),
		Counts: models.FileCounts{
			InProgress: b.FileCounts.InProgress,
			Completed:  b.FileCounts.Completed,
			Failed:     b.FileCounts.Failed,
			Cancelled:  b.FileCounts.Cancelled,
			Total:      b.FileCounts.Total,
		},
	}
}

func (s *OpenAIStore) ListAssistants(ctx context.Context) ([]models.Assistant, error) {
	limit := listPageSize
	var assistants []models.Assistant
	var after *string
	for {
		page, err := s.client.ListAssistants(ctx, &limit, nil, after, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to list assistants: %w", err)
		}
		for _, a := range page.Assistants {
			assistants = append(assistants, toAssistant(a))
		}
		if !page.HasMore || page.LastID == nil {
			return assistants, nil
		}
		after = page.LastID
	}
}

func (s *OpenAIStore) CreateAssistant(ctx context.Context, spec models.AssistantSpec) (models.Assistant, error) {
	tools := make([]openai.AssistantTool, 0, len(spec.Tools))
	for _, t := range spec.Tools {
		tools = append(tools, openai.AssistantTool{Type: openai.AssistantToolType(t)})
	}

	a, err := s.client.CreateAssistant(ctx, openai.AssistantRequest{
		Model:        spec.Model,
		Name:         &spec.Name,
		Instructions: &spec.Instructions,
		Tools:        tools,
	})
	if err != nil {
		return models.Assistant{}, fmt.Errorf("failed to create assistant %q: %w", spec.Name, err)
	}
	return toAssistant(a), nil
}

func (s *OpenAIStore) BindAssistant(ctx context.Context, assistant models.Assistant, storeID string) (models.Assistant, error) {
	// model is not omitempty on the request, send the current one so the update keeps it
	a, err := s.client.ModifyAssistant(ctx, assistant.ID, openai.AssistantRequest{
		Model: assistant.Model,
		ToolResources: &openai.AssistantToolResource{
			FileSearch: &openai.AssistantToolFileSearch{VectorStoreIDs: []string{storeID}},
		},
	})
	if err != nil {
		return models.Assistant{}, fmt.Errorf("failed to update assistant %s: %w", assistant.ID, err)
	}
	return toAssistant(a), nil
}

func toAssistant(a openai.Assistant) models.Assistant {
	out := models.Assistant{ID: a.ID, Model: a.Model}
	if a.Name != nil {
		out.Name = *a.Name
	}
	if a.Instructions != nil {
		out.Instructions = *a.Instructions
	}
	for _, t := range a.Tools {
		out.Tools = append(out.Tools, string(t.Type))
	}
	if a.ToolResources != nil && a.ToolResources.FileSearch != nil {
		out.VectorStoreIDs = a.ToolResources.FileSearch.VectorStoreIDs
	}
	return out
}
