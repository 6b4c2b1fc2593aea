// Package synchronizer reconciles the local document folder with the remote vector store
// and the assistant that searches it.
package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"assistant-sync/internal/docstore"
	"assistant-sync/internal/helper"
	"assistant-sync/internal/models"
	"assistant-sync/internal/parser"
	"assistant-sync/internal/state"
)

// ErrStoreExists is returned when a store with the configured name exists and overwrite is off
var ErrStoreExists = errors.New("vector store already exists")

const noFilesMessage = "No files were successfully opened and uploaded."

type Options struct {
	StoreName           string
	Assistant           models.AssistantSpec
	Extensions          []string
	ConvertSpreadsheets bool
	MatchMode           string
}

// Report summarizes one run
type Report struct {
	RunID              string               `json:"run_id"`
	StoreID            string               `json:"store_id,omitempty"`
	AssistantID        string               `json:"assistant_id,omitempty"`
	AssistantCreated   bool                 `json:"assistant_created"`
	Uploaded           []string             `json:"uploaded"`
	Skipped            []models.FileFailure `json:"skipped,omitempty"`
	DeletedRemoteFiles []string             `json:"deleted_remote_files,omitempty"`
	Converted          []string             `json:"converted,omitempty"`
	Batch              *models.BatchResult  `json:"batch,omitempty"`
}

type Synchronizer struct {
	service docstore.Service
	fs      billy.Filesystem
	state   *state.File
	opts    Options

	newRunID func() string
	now      func() time.Time
}

// New creates a synchronizer over the documents in fs. st may be nil to run without a state file.
func New(service docstore.Service, fs billy.Filesystem, st *state.File, opts Options) *Synchronizer {
	return &Synchronizer{
		service:  service,
		fs:       fs,
		state:    st,
		opts:     opts,
		newRunID: helper.NewRunID,
		now:      time.Now,
	}
}

// run carries what one Reconcile call accumulates
type run struct {
	log    zerolog.Logger
	report *Report
	entry  state.Entry
	st     *state.State
}

// Reconcile replaces the remote store with the current local documents and points the
// assistant at it. When a store with the configured name already exists and overwrite is
// false nothing is changed and ErrStoreExists is returned.
func (s *Synchronizer) Reconcile(ctx context.Context, overwrite bool) (*Report, error) {
	r := &run{report: &Report{RunID: s.newRunID()}}
	r.log = log.With().Str("run_id", r.report.RunID).Str("store", s.opts.StoreName).Logger()
	r.st = s.loadState(r.log)
	r.entry = r.st.Lookup(s.opts.StoreName)

	existing, err := s.findStores(ctx, r.entry)
	if err != nil {
		return r.report, err
	}
	if len(existing) > 0 {
		if !overwrite {
			r.log.Warn().Str("store_id", existing[0].ID).Msg("Vector store already exists. Use --overwrite to replace it")
			return r.report, ErrStoreExists
		}
		for _, vs := range existing {
			if err := s.service.DeleteStore(ctx, vs.ID); err != nil {
				return r.report, err
			}
			r.log.Info().Str("store_id", vs.ID).Msg("Deleted existing vector store")
		}
	}

	vs, err := s.service.CreateStore(ctx, s.opts.StoreName)
	if err != nil {
		return r.report, err
	}
	r.report.StoreID = vs.ID
	r.log.Info().Str("store_id", vs.ID).Msg("Created vector store")

	if err := s.syncDocuments(ctx, r, vs.ID); err != nil {
		return r.report, err
	}

	if err := s.syncAssistant(ctx, r, vs.ID); err != nil {
		return r.report, err
	}

	s.saveState(r)
	return r.report, nil
}

func (s *Synchronizer) loadState(logger zerolog.Logger) *state.State {
	if s.state == nil {
		return &state.State{}
	}
	st, err := s.state.Load()
	if err != nil {
		logger.Warn().Err(err).Msg("Ignoring unreadable state file")
		return &state.State{}
	}
	return st
}

func (s *Synchronizer) saveState(r *run) {
	if s.state == nil {
		return
	}
	entry := state.Entry{
		StoreID:     r.report.StoreID,
		AssistantID: r.report.AssistantID,
		LastRunID:   r.report.RunID,
		UpdatedAt:   s.now().UTC(),
	}
	if r.report.Batch != nil {
		entry.Files = r.report.Batch.FileIDs
	}
	r.st.Put(s.opts.StoreName, entry)
	if err := s.state.Save(r.st); err != nil {
		r.log.Error().Err(err).Msg("Error saving state")
	}
}

// findStores returns every store with the configured name, plus the recorded one if it still exists
func (s *Synchronizer) findStores(ctx context.Context, entry state.Entry) ([]models.RemoteStore, error) {
	stores, err := s.service.ListStores(ctx)
	if err != nil {
		return nil, err
	}
	var found []models.RemoteStore
	for _, vs := range stores {
		if vs.Name == s.opts.StoreName || (entry.StoreID != "" && vs.ID == entry.StoreID) {
			found = append(found, vs)
		}
	}
	return found, nil
}

// opened is the outcome of preparing one document: a handle or the reason it was skipped
type opened struct {
	doc  models.Document
	file billy.File
	err  error
}

func (s *Synchronizer) syncDocuments(ctx context.Context, r *run, storeID string) error {
	docs, err := s.collectDocuments(r)
	defer func() {
		if n := parser.RemoveGenerated(s.fs, docs); n > 0 {
			r.log.Warn().Int("count", n).Msg("Some generated files could not be deleted")
		}
	}()
	if err != nil {
		return err
	}

	deleted := make(map[string]bool)
	outcomes := make([]opened, 0, len(docs))
	remote, err := s.service.ListFiles(ctx)
	if err != nil {
		// without the registry no earlier upload can be removed, so every document is skipped
		r.log.Error().Err(err).Msg("Error listing remote files")
		for _, doc := range docs {
			outcomes = append(outcomes, opened{doc: doc, err: fmt.Errorf("failed to list remote files: %w", err)})
		}
	} else {
		for i := range docs {
			outcomes = append(outcomes, s.prepare(ctx, r, &docs[i], remote, deleted))
		}
	}

	var uploads []models.Upload
	defer func() {
		for _, o := range outcomes {
			if o.file == nil {
				continue
			}
			if err := o.file.Close(); err != nil {
				r.log.Warn().Err(err).Str("file", o.doc.Name).Msg("Error closing file")
			}
		}
	}()
	for _, o := range outcomes {
		if o.err != nil {
			r.report.Skipped = append(r.report.Skipped, models.FileFailure{Name: o.doc.Name, Reason: o.err.Error()})
			continue
		}
		uploads = append(uploads, models.Upload{Name: o.doc.Name, Reader: o.file})
		r.report.Uploaded = append(r.report.Uploaded, o.doc.Name)
	}

	if len(uploads) == 0 {
		r.log.Warn().Msg(noFilesMessage)
		return nil
	}

	r.log.Info().Int("files", len(uploads)).Msg("Uploading files")
	batch, err := s.service.UploadBatch(ctx, storeID, uploads)
	if err != nil {
		r.report.Uploaded = nil
		return fmt.Errorf("failed to upload files: %w", err)
	}
	r.report.Batch = batch

	event := r.log.Info()
	if batch.Status != models.BatchCompleted {
		event = r.log.Warn()
	}
	event.Str("batch", batch.ID).
		Str("status", string(batch.Status)).
		Int("completed", batch.Counts.Completed).
		Int("failed", batch.Counts.Failed).
		Int("cancelled", batch.Counts.Cancelled).
		Int("in_progress", batch.Counts.InProgress).
		Int("total", batch.Counts.Total).
		Msg("File batch finished")
	return nil
}

// collectDocuments lists the input documents and, when enabled, converts spreadsheets into
// per-sheet text documents. The returned slice holds whatever was generated even on error.
func (s *Synchronizer) collectDocuments(r *run) ([]models.Document, error) {
	docs, err := parser.ListDocuments(s.fs, s.opts.Extensions)
	if err != nil {
		return nil, err
	}
	if !s.opts.ConvertSpreadsheets {
		return docs, nil
	}

	books, err := parser.ListSpreadsheets(s.fs)
	if err != nil {
		return docs, err
	}
	for _, book := range books {
		generated, err := parser.ConvertSpreadsheet(s.fs, book)
		if err != nil {
			r.log.Error().Err(err).Str("file", book).Msg("Error converting spreadsheet")
			r.report.Skipped = append(r.report.Skipped, models.FileFailure{Name: book, Reason: err.Error()})
			continue
		}
		for _, d := range generated {
			r.report.Converted = append(r.report.Converted, d.Name)
		}
		docs = append(docs, generated...)
	}
	return docs, nil
}

// prepare deletes the earlier uploads of doc and opens it for the batch
func (s *Synchronizer) prepare(ctx context.Context, r *run, doc *models.Document, remote []models.RemoteFile, deleted map[string]bool) opened {
	recorded := r.entry.Files[doc.Name]
	for _, f := range remote {
		if deleted[f.ID] {
			continue
		}
		match, loose := matchRemote(s.opts.MatchMode, doc.Name, f.Filename)
		if !match && (recorded == "" || f.ID != recorded) {
			continue
		}
		if loose {
			r.log.Warn().Str("file", doc.Name).Str("remote", f.Filename).Msg("Deleting remote file that only contains the document name")
		}
		if err := s.service.DeleteFile(ctx, f.ID); err != nil {
			r.log.Error().Err(err).Str("file", doc.Name).Str("file_id", f.ID).Msg("Error deleting remote file")
			return opened{doc: *doc, err: err}
		}
		deleted[f.ID] = true
		r.report.DeletedRemoteFiles = append(r.report.DeletedRemoteFiles, f.ID)
		r.log.Info().Str("file", doc.Name).Str("file_id", f.ID).Msg("Deleted remote file")
	}

	if err := parser.Inspect(s.fs, doc); err != nil {
		r.log.Warn().Err(err).Str("file", doc.Name).Msg("Could not inspect document, uploading anyway")
	}

	f, err := s.fs.Open(doc.Path)
	if err != nil {
		r.log.Error().Err(err).Str("file", doc.Name).Msg("Error opening file")
		return opened{doc: *doc, err: fmt.Errorf("failed to open %s: %w", doc.Name, err)}
	}
	return opened{doc: *doc, file: f}
}

// syncAssistant finds the assistant by recorded id or name, creates it when missing and binds it to the store
func (s *Synchronizer) syncAssistant(ctx context.Context, r *run, storeID string) error {
	assistants, err := s.service.ListAssistants(ctx)
	if err != nil {
		return err
	}

	var found *models.Assistant
	for i, a := range assistants {
		if r.entry.AssistantID != "" && a.ID == r.entry.AssistantID {
			found = &assistants[i]
			break
		}
		if found == nil && a.Name == s.opts.Assistant.Name {
			found = &assistants[i]
		}
	}

	if found == nil {
		a, err := s.service.CreateAssistant(ctx, s.opts.Assistant)
		if err != nil {
			return err
		}
		r.log.Info().Str("assistant_id", a.ID).Msg("Created assistant")
		r.report.AssistantCreated = true
		found = &a
	}

	bound, err := s.service.BindAssistant(ctx, *found, storeID)
	if err != nil {
		return err
	}
	r.report.AssistantID = bound.ID
	r.log.Info().Str("assistant_id", bound.ID).Str("store_id", storeID).Msg("Assistant bound to vector store")
	return nil
}
