// Package memory is an in-process docstore.Service. It backs dry runs and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"assistant-sync/internal/docstore"
	"assistant-sync/internal/models"
)

type Store struct {
	mu sync.Mutex

	poll       docstore.PollConfig
	stores     []models.RemoteStore
	files      []models.RemoteFile
	contents   map[string][]byte
	storeFiles map[string][]string
	assistants []models.Assistant
	batches    map[string]*models.BatchResult
	pending    map[string]int
	calls      []string

	// PendingPolls is how many polls a new batch reports in_progress before finishing
	PendingPolls int
	// FinalStatus is where a batch ends up, completed when empty
	FinalStatus models.BatchStatus
	// Fail maps an operation name, or "<operation>:<id>", to the error it returns
	Fail map[string]error
}

var _ docstore.Service = (*Store)(nil)

func New(poll docstore.PollConfig) *Store {
	return &Store{
		poll:       poll,
		contents:   make(map[string][]byte),
		storeFiles: make(map[string][]string),
		batches:    make(map[string]*models.BatchResult),
		pending:    make(map[string]int),
		Fail:       make(map[string]error),
	}
}

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// call records op and returns the injected failure for it, if any. Callers hold mu.
func (s *Store) call(op, id string) error {
	if id != "" {
		s.calls = append(s.calls, op+":"+id)
	} else {
		s.calls = append(s.calls, op)
	}
	if err, ok := s.Fail[op+":"+id]; ok && id != "" {
		return err
	}
	return s.Fail[op]
}

// Calls returns every operation invoked so far, in order
func (s *Store) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// AddStore seeds a vector store
func (s *Store) AddStore(name string) models.RemoteStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	vs := models.RemoteStore{ID: newID("vs"), Name: name, Status: "completed", CreatedAt: time.Now().Unix()}
	s.stores = append(s.stores, vs)
	return vs
}

// AddFile seeds an entry in the file registry
func (s *Store) AddFile(filename string) models.RemoteFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := models.RemoteFile{ID: newID("file"), Filename: filename, Purpose: models.FilePurpose, CreatedAt: time.Now().Unix()}
	s.files = append(s.files, f)
	return f
}

// AddAssistant seeds an assistant
func (s *Store) AddAssistant(name, model string) models.Assistant {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := models.Assistant{ID: newID("asst"), Name: name, Model: model}
	s.assistants = append(s.assistants, a)
	return a
}

func (s *Store) Stores() []models.RemoteStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.stores)
}

func (s *Store) Files() []models.RemoteFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.files)
}

func (s *Store) Assistants() []models.Assistant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Assistant, len(s.assistants))
	for i, a := range s.assistants {
		a.Tools = slices.Clone(a.Tools)
		a.VectorStoreIDs = slices.Clone(a.VectorStoreIDs)
		out[i] = a
	}
	return out
}

// StoreFiles returns the ids of the files attached to a store
func (s *Store) StoreFiles(storeID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.storeFiles[storeID])
}

// Content returns the uploaded bytes of a file
func (s *Store) Content(fileID string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.contents[fileID])
}

func (s *Store) ListStores(_ context.Context) ([]models.RemoteStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("ListStores", ""); err != nil {
		return nil, err
	}
	return slices.Clone(s.stores), nil
}

func (s *Store) DeleteStore(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("DeleteStore", id); err != nil {
		return err
	}
	i := slices.IndexFunc(s.stores, func(vs models.RemoteStore) bool { return vs.ID == id })
	if i < 0 {
		return fmt.Errorf("vector store %s not found", id)
	}
	s.stores = slices.Delete(s.stores, i, i+1)
	delete(s.storeFiles, id)
	return nil
}

func (s *Store) CreateStore(_ context.Context, name string) (models.RemoteStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("CreateStore", ""); err != nil {
		return models.RemoteStore{}, err
	}
	vs := models.RemoteStore{ID: newID("vs"), Name: name, Status: "completed", CreatedAt: time.Now().Unix()}
	s.stores = append(s.stores, vs)
	return vs, nil
}

func (s *Store) ListFiles(_ context.Context) ([]models.RemoteFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("ListFiles", ""); err != nil {
		return nil, err
	}
	return slices.Clone(s.files), nil
}

func (s *Store) DeleteFile(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("DeleteFile", id); err != nil {
		return err
	}
	i := slices.IndexFunc(s.files, func(f models.RemoteFile) bool { return f.ID == id })
	if i < 0 {
		return fmt.Errorf("file %s not found", id)
	}
	s.files = slices.Delete(s.files, i, i+1)
	delete(s.contents, id)
	for storeID, ids := range s.storeFiles {
		s.storeFiles[storeID] = slices.DeleteFunc(ids, func(fid string) bool { return fid == id })
	}
	return nil
}

func (s *Store) UploadBatch(ctx context.Context, storeID string, uploads []models.Upload) (*models.BatchResult, error) {
	batchID, fileIDs, err := s.startBatch(storeID, uploads)
	if err != nil {
		return nil, err
	}

	result, err := docstore.PollBatch(ctx, s.poll, func(context.Context) (*models.BatchResult, error) {
		return s.advance(batchID), nil
	})
	if result != nil {
		result.FileIDs = fileIDs
	}
	return result, err
}

func (s *Store) startBatch(storeID string, uploads []models.Upload) (string, map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("UploadBatch", storeID); err != nil {
		return "", nil, err
	}
	if !slices.ContainsFunc(s.stores, func(vs models.RemoteStore) bool { return vs.ID == storeID }) {
		return "", nil, fmt.Errorf("vector store %s not found", storeID)
	}

	fileIDs := make(map[string]string, len(uploads))
	for _, u := range uploads {
		data, err := io.ReadAll(u.Reader)
		if err != nil {
			return "", nil, fmt.Errorf("failed to read %s: %w", u.Name, err)
		}
		f := models.RemoteFile{
			ID:        newID("file"),
			Filename:  u.Name,
			Purpose:   models.FilePurpose,
			Bytes:     len(data),
			CreatedAt: time.Now().Unix(),
		}
		s.files = append(s.files, f)
		s.contents[f.ID] = data
		s.storeFiles[storeID] = append(s.storeFiles[storeID], f.ID)
		fileIDs[u.Name] = f.ID
	}

	batch := &models.BatchResult{
		ID:      newID("vsfb"),
		StoreID: storeID,
		Status:  models.BatchInProgress,
		Counts:  models.FileCounts{InProgress: len(uploads), Total: len(uploads)},
	}
	s.batches[batch.ID] = batch
	s.pending[batch.ID] = s.PendingPolls
	return batch.ID, fileIDs, nil
}

// advance moves the batch one poll closer to its final status and returns a copy
func (s *Store) advance(batchID string) *models.BatchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.batches[batchID]
	if batch.Status == models.BatchInProgress {
		if s.pending[batchID] > 0 {
			s.pending[batchID]--
		} else {
			final := s.FinalStatus
			if final == "" {
				final = models.BatchCompleted
			}
			n := batch.Counts.Total
			batch.Status = final
			batch.Counts = models.FileCounts{Total: n}
			switch final {
			case models.BatchCompleted:
				batch.Counts.Completed = n
			case models.BatchFailed:
				batch.Counts.Failed = n
			case models.BatchCancelled:
				batch.Counts.Cancelled = n
			}
		}
	}
	out := *batch
	return &out
}

func (s *Store) ListAssistants(_ context.Context) ([]models.Assistant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("ListAssistants", ""); err != nil {
		return nil, err
	}
	return slices.Clone(s.assistants), nil
}

func (s *Store) CreateAssistant(_ context.Context, spec models.AssistantSpec) (models.Assistant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("CreateAssistant", ""); err != nil {
		return models.Assistant{}, err
	}
	a := models.Assistant{
		ID:           newID("asst"),
		Name:         spec.Name,
		Model:        spec.Model,
		Instructions: spec.Instructions,
		Tools:        slices.Clone(spec.Tools),
	}
	s.assistants = append(s.assistants, a)
	return a, nil
}

func (s *Store) BindAssistant(_ context.Context, assistant models.Assistant, storeID string) (models.Assistant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call("BindAssistant", assistant.ID); err != nil {
		return models.Assistant{}, err
	}
	i := slices.IndexFunc(s.assistants, func(a models.Assistant) bool { return a.ID == assistant.ID })
	if i < 0 {
		return models.Assistant{}, fmt.Errorf("assistant %s not found", assistant.ID)
	}
	s.assistants[i].VectorStoreIDs = []string{storeID}
	return s.assistants[i], nil
}
