package synchronizer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"assistant-sync/internal/config"
	"assistant-sync/internal/docstore"
	"assistant-sync/internal/docstore/memory"
	"assistant-sync/internal/models"
	"assistant-sync/internal/state"
)

const (
	storeName     = "Test APE"
	assistantName = "Acolad Assistant APE Test"
)

var fastPoll = docstore.PollConfig{Interval: time.Millisecond, Timeout: time.Second}

type fixture struct {
	sync    *Synchronizer
	service *memory.Store
	docs    billy.Filesystem
	state   *state.File
}

func newFixture(t *testing.T, files map[string]string, mutate ...func(*Options)) *fixture {
	t.Helper()
	docs := memfs.New()
	for name, content := range files {
		require.NoError(t, util.WriteFile(docs, name, []byte(content), 0o644))
	}

	opts := Options{
		StoreName: storeName,
		Assistant: models.AssistantSpec{
			Name:         assistantName,
			Instructions: models.DefaultInstructions,
			Model:        models.DefaultAssistantModel,
			Tools:        []string{models.FileSearchTool},
		},
		Extensions: []string{".pdf"},
		MatchMode:  config.MatchSubstring,
	}
	for _, m := range mutate {
		m(&opts)
	}

	service := memory.New(fastPoll)
	st := state.NewFile(memfs.New(), "state.yaml")
	s := New(service, docs, st, opts)
	s.newRunID = func() string { return "run-1" }
	s.now = func() time.Time { return time.Date(2024, 1, 31, 14, 25, 1, 0, time.UTC) }
	return &fixture{sync: s, service: service, docs: docs, state: st}
}

func (f *fixture) filenames() []string {
	var names []string
	for _, rf := range f.service.Files() {
		names = append(names, rf.Filename)
	}
	sort.Strings(names)
	return names
}

func (f *fixture) storesNamed(name string) []models.RemoteStore {
	var out []models.RemoteStore
	for _, vs := range f.service.Stores() {
		if vs.Name == name {
			out = append(out, vs)
		}
	}
	return out
}

func TestReconcile_FreshRun(t *testing.T) {
	f := newFixture(t, map[string]string{
		"guide.pdf": "%PDF-guide",
		"terms.pdf": "%PDF-terms",
		"notes.txt": "ignored",
	})

	report, err := f.sync.Reconcile(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, []string{"guide.pdf", "terms.pdf"}, report.Uploaded)
	assert.Empty(t, report.Skipped)
	assert.True(t, report.AssistantCreated)
	require.NotNil(t, report.Batch)
	assert.Equal(t, models.BatchCompleted, report.Batch.Status)
	assert.Equal(t, 2, report.Batch.Counts.Completed)

	stores := f.storesNamed(storeName)
	require.Len(t, stores, 1)
	assert.Equal(t, stores[0].ID, report.StoreID)
	assert.Len(t, f.service.StoreFiles(report.StoreID), 2)
	assert.Equal(t, []byte("%PDF-guide"), f.service.Content(report.Batch.FileIDs["guide.pdf"]))

	assistants := f.service.Assistants()
	require.Len(t, assistants, 1)
	assert.Equal(t, assistantName, assistants[0].Name)
	assert.Equal(t, models.DefaultAssistantModel, assistants[0].Model)
	assert.Equal(t, models.DefaultInstructions, assistants[0].Instructions)
	assert.Equal(t, []string{models.FileSearchTool}, assistants[0].Tools)
	assert.Equal(t, []string{report.StoreID}, assistants[0].VectorStoreIDs)
	assert.Equal(t, assistants[0].ID, report.AssistantID)

	st, err := f.state.Load()
	require.NoError(t, err)
	entry := st.Lookup(storeName)
	assert.Equal(t, report.StoreID, entry.StoreID)
	assert.Equal(t, report.AssistantID, entry.AssistantID)
	assert.Equal(t, report.Batch.FileIDs, entry.Files)
	assert.Equal(t, "run-1", entry.LastRunID)
}

func TestReconcile_ExistingStoreWithoutOverwrite(t *testing.T) {
	f := newFixture(t, map[string]string{"guide.pdf": "%PDF"})
	existing := f.service.AddStore(storeName)
	old := f.service.AddFile("guide.pdf")

	report, err := f.sync.Reconcile(context.Background(), false)
	require.ErrorIs(t, err, ErrStoreExists)
	require.NotNil(t, report)
	assert.Empty(t, report.StoreID)

	assert.Equal(t, []string{"ListStores"}, f.service.Calls())
	assert.Equal(t, []models.RemoteStore{existing}, f.service.Stores())
	assert.Equal(t, []models.RemoteFile{old}, f.service.Files())
	assert.Empty(t, f.service.Assistants())

	st, err := f.state.Load()
	require.NoError(t, err)
	assert.Empty(t, st.Stores)
}

func TestReconcile_OverwriteDeletesEverySameNamedStore(t *testing.T) {
	f := newFixture(t, map[string]string{"guide.pdf": "%PDF"})
	first := f.service.AddStore(storeName)
	second := f.service.AddStore(storeName)
	other := f.service.AddStore("Another store")

	report, err := f.sync.Reconcile(context.Background(), true)
	require.NoError(t, err)

	stores := f.service.Stores()
	require.Len(t, stores, 2)
	assert.Equal(t, other, stores[0])
	assert.Equal(t, report.StoreID, stores[1].ID)
	assert.NotEqual(t, first.ID, report.StoreID)
	assert.NotEqual(t, second.ID, report.StoreID)

	calls := f.service.Calls()
	assert.Contains(t, calls, "DeleteStore:"+first.ID)
	assert.Contains(t, calls, "DeleteStore:"+second.ID)
	assert.NotContains(t, calls, "DeleteStore:"+other.ID)
}

func TestReconcile_RecordedStoreCountsAsExisting(t *testing.T) {
	f := newFixture(t, map[string]string{"guide.pdf": "%PDF"})
	renamed := f.service.AddStore("Renamed in the dashboard")
	st := &state.State{}
	st.Put(storeName, state.Entry{StoreID: renamed.ID})
	require.NoError(t, f.state.Save(st))

	_, err := f.sync.Reconcile(context.Background(), false)
	assert.ErrorIs(t, err, ErrStoreExists)

	_, err = f.sync.Reconcile(context.Background(), true)
	require.NoError(t, err)
	assert.Contains(t, f.service.Calls(), "DeleteStore:"+renamed.ID)
}

func TestReconcile_DeletesPreviousUploads(t *testing.T) {
	f := newFixture(t, map[string]string{"guide.pdf": "%PDF-new"})
	exact := f.service.AddFile("guide.pdf")
	containing := f.service.AddFile("old_guide.pdf")
	stamped := f.service.AddFile("guide_20240131_142501.pdf")
	unrelated := f.service.AddFile("terms.pdf")

	report, err := f.sync.Reconcile(context.Background(), false)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{exact.ID, containing.ID}, report.DeletedRemoteFiles)
	assert.Equal(t, []string{"guide.pdf", "guide_20240131_142501.pdf", "terms.pdf"}, f.filenames())
	assert.NotContains(t, f.service.Calls(), "DeleteFile:"+stamped.ID)
	assert.NotContains(t, f.service.Calls(), "DeleteFile:"+unrelated.ID)
}

func TestReconcile_StemMatchMode(t *testing.T) {
	f := newFixture(t, map[string]string{"guide.pdf": "%PDF-new"}, func(o *Options) { o.MatchMode = config.MatchStem })
	exact := f.service.AddFile("guide.pdf")
	f.service.AddFile("old_guide.pdf")
	stamped := f.service.AddFile("guide_20240131_142501.pdf")

	report, err := f.sync.Reconcile(context.Background(), false)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{exact.ID, stamped.ID}, report.DeletedRemoteFiles)
	assert.Equal(t, []string{"guide.pdf", "old_guide.pdf"}, f.filenames())
}

func TestReconcile_DeletesRecordedFileID(t *testing.T) {
	f := newFixture(t, map[string]string{"guide.pdf": "%PDF"})
	renamed := f.service.AddFile("something else.pdf")
	st := &state.State{}
	st.Put(storeName, state.Entry{Files: map[string]string{"guide.pdf": renamed.ID}})
	require.NoError(t, f.state.Save(st))

	report, err := f.sync.Reconcile(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{renamed.ID}, report.DeletedRemoteFiles)
}

func TestReconcile_SharedRemoteMatchDeletedOnce(t *testing.T) {
	f := newFixture(t, map[string]string{"a.pdf": "%PDF-a", "ba.pdf": "%PDF-ba"})
	shared := f.service.AddFile("ba.pdf")

	report, err := f.sync.Reconcile(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, []string{shared.ID}, report.DeletedRemoteFiles)
	assert.Empty(t, report.Skipped)
	assert.Equal(t, []string{"a.pdf", "ba.pdf"}, report.Uploaded)
}

func TestReconcile_DeleteFailureSkipsDocument(t *testing.T) {
	f := newFixture(t, map[string]string{"guide.pdf": "%PDF", "terms.pdf": "%PDF"})
	stuck := f.service.AddFile("guide.pdf")
	f.service.Fail["DeleteFile:"+stuck.ID] = errors.New("permission denied")

	report, err := f.sync.Reconcile(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, []string{"terms.pdf"}, report.Uploaded)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, "guide.pdf", report.Skipped[0].Name)
	assert.Contains(t, report.Skipped[0].Reason, "permission denied")
	assert.Equal(t, []string{report.StoreID}, f.service.Assistants()[0].VectorStoreIDs)
}

func TestReconcile_OpenFailureSkipsDocumentAndClosesHandles(t *testing.T) {
	f := newFixture(t, map[string]string{"a.pdf": "%PDF-a", "b.pdf": "%PDF-b", "c.pdf": "%PDF-c"})
	tracked := &trackingFS{Filesystem: f.docs, fail: "b.pdf"}
	f.sync.fs = tracked

	report, err := f.sync.Reconcile(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, []string{"a.pdf", "c.pdf"}, report.Uploaded)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, "b.pdf", report.Skipped[0].Name)
	assert.NotEmpty(t, tracked.opened)
	assert.Zero(t, tracked.open(), "file handles left open")
}

func TestReconcile_NoFilesSkipsUpload(t *testing.T) {
	f := newFixture(t, map[string]string{"notes.txt": "not a pdf"})

	report, err := f.sync.Reconcile(context.Background(), false)
	require.NoError(t, err)

	assert.Empty(t, report.Uploaded)
	assert.Nil(t, report.Batch)
	for _, call := range f.service.Calls() {
		assert.NotContains(t, call, "UploadBatch")
	}
	assert.Len(t, f.storesNamed(storeName), 1)
	assert.Equal(t, []string{report.StoreID}, f.service.Assistants()[0].VectorStoreIDs)
}

func TestReconcile_ExistingAssistantIsUpdated(t *testing.T) {
	f := newFixture(t, map[string]string{"guide.pdf": "%PDF"})
	f.service.AddAssistant("Unrelated", "gpt-4o")
	existing := f.service.AddAssistant(assistantName, "gpt-4o")

	report, err := f.sync.Reconcile(context.Background(), false)
	require.NoError(t, err)

	assert.False(t, report.AssistantCreated)
	assert.Equal(t, existing.ID, report.AssistantID)
	assistants := f.service.Assistants()
	require.Len(t, assistants, 2)
	assert.Equal(t, []string{report.StoreID}, assistants[1].VectorStoreIDs)
	assert.Empty(t, assistants[0].VectorStoreIDs)
	assert.NotContains(t, f.service.Calls(), "CreateAssistant")
}

func TestReconcile_RecordedAssistantPreferredOverName(t *testing.T) {
	f := newFixture(t, map[string]string{"guide.pdf": "%PDF"})
	byName := f.service.AddAssistant(assistantName, "gpt-4o-mini")
	recorded := f.service.AddAssistant("Renamed assistant", "gpt-4o-mini")
	st := &state.State{}
	st.Put(storeName, state.Entry{AssistantID: recorded.ID})
	require.NoError(t, f.state.Save(st))

	report, err := f.sync.Reconcile(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, recorded.ID, report.AssistantID)
	assert.NotContains(t, f.service.Calls(), "BindAssistant:"+byName.ID)
}

func TestReconcile_IsIdempotentWithOverwrite(t *testing.T) {
	f := newFixture(t, map[string]string{"guide.pdf": "%PDF-1", "terms.pdf": "%PDF-2"})
	ctx := context.Background()

	first, err := f.sync.Reconcile(ctx, true)
	require.NoError(t, err)
	second, err := f.sync.Reconcile(ctx, true)
	require.NoError(t, err)

	assert.NotEqual(t, first.StoreID, second.StoreID)
	assert.Len(t, f.storesNamed(storeName), 1)
	assert.Len(t, f.service.Assistants(), 1)
	assert.True(t, first.AssistantCreated)
	assert.False(t, second.AssistantCreated)
	assert.Equal(t, []string{"guide.pdf", "terms.pdf"}, f.filenames())
}

func TestReconcile_BatchTimeoutStillBindsAssistant(t *testing.T) {
	f := newFixture(t, map[string]string{"guide.pdf": "%PDF"})
	f.service = memory.New(docstore.PollConfig{Interval: time.Millisecond, Timeout: 10 * time.Millisecond})
	f.service.PendingPolls = 1 << 20
	f.sync.service = f.service

	report, err := f.sync.Reconcile(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, models.BatchTimedOut, report.Batch.Status)
	assert.Equal(t, []string{report.StoreID}, f.service.Assistants()[0].VectorStoreIDs)
}

func TestReconcile_FailedBatchIsReported(t *testing.T) {
	f := newFixture(t, map[string]string{"guide.pdf": "%PDF"})
	f.service.FinalStatus = models.BatchFailed

	report, err := f.sync.Reconcile(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, models.BatchFailed, report.Batch.Status)
	assert.Equal(t, 1, report.Batch.Counts.Failed)
}

func TestReconcile_ServiceErrorsPropagate(t *testing.T) {
	for _, op := range []string{"ListStores", "CreateStore", "ListAssistants", "CreateAssistant"} {
		t.Run(op, func(t *testing.T) {
			f := newFixture(t, map[string]string{"guide.pdf": "%PDF"})
			boom := errors.New("service unavailable")
			f.service.Fail[op] = boom

			_, err := f.sync.Reconcile(context.Background(), false)
			assert.ErrorIs(t, err, boom)
		})
	}
}

func TestReconcile_FileListingFailureSkipsDocuments(t *testing.T) {
	f := newFixture(t, map[string]string{"guide.pdf": "%PDF-guide", "terms.pdf": "%PDF-terms"})
	f.service.Fail["ListFiles"] = errors.New("files endpoint 500")

	report, err := f.sync.Reconcile(context.Background(), false)
	require.NoError(t, err)

	require.Len(t, report.Skipped, 2)
	for _, s := range report.Skipped {
		assert.Contains(t, s.Reason, "files endpoint 500")
	}
	assert.ElementsMatch(t, []string{"guide.pdf", "terms.pdf"}, []string{report.Skipped[0].Name, report.Skipped[1].Name})
	assert.Empty(t, report.Uploaded)
	assert.Nil(t, report.Batch)
	assert.NotContains(t, f.service.Calls(), "UploadBatch:"+report.StoreID)

	require.Len(t, f.storesNamed(storeName), 1)
	assistants := f.service.Assistants()
	require.Len(t, assistants, 1)
	assert.Equal(t, []string{report.StoreID}, assistants[0].VectorStoreIDs)
	assert.Equal(t, assistants[0].ID, report.AssistantID)
}

func TestReconcile_ConvertsSpreadsheets(t *testing.T) {
	f := newFixture(t, map[string]string{"guide.pdf": "%PDF"}, func(o *Options) { o.ConvertSpreadsheets = true })
	writeWorkbook(t, f.docs, "glossary.xlsx", map[string][][]string{
		"EN-FR": {{"source", "target"}, {"invoice", "facture"}},
		"EN-DE": {{"source", "target"}, {"invoice", "Rechnung"}},
	})
	require.NoError(t, util.WriteFile(f.docs, "broken.xlsx", []byte("not a workbook"), 0o644))

	report, err := f.sync.Reconcile(context.Background(), false)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"glossary_EN-FR.txt", "glossary_EN-DE.txt"}, report.Converted)
	assert.ElementsMatch(t, []string{"guide.pdf", "glossary_EN-FR.txt", "glossary_EN-DE.txt"}, report.Uploaded)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, "broken.xlsx", report.Skipped[0].Name)
	assert.Equal(t, []byte("source\ttarget\ninvoice\tfacture\n"), f.service.Content(report.Batch.FileIDs["glossary_EN-FR.txt"]))

	entries, err := f.docs.ReadDir("/")
	require.NoError(t, err)
	var local []string
	for _, e := range entries {
		local = append(local, e.Name())
	}
	assert.ElementsMatch(t, []string{"guide.pdf", "glossary.xlsx", "broken.xlsx"}, local)
}

func TestReconcile_UploadFailureStillRemovesGeneratedFiles(t *testing.T) {
	f := newFixture(t, map[string]string{"guide.pdf": "%PDF"}, func(o *Options) { o.ConvertSpreadsheets = true })
	writeWorkbook(t, f.docs, "glossary.xlsx", map[string][][]string{"Main": {{"a"}, {"b"}}})
	tracked := &trackingFS{Filesystem: f.docs}
	f.sync.fs = tracked
	boom := errors.New("upload rejected")
	f.service.Fail["UploadBatch"] = boom

	_, err := f.sync.Reconcile(context.Background(), false)
	require.ErrorIs(t, err, boom)

	_, err = f.docs.Stat("glossary_Main.txt")
	assert.Error(t, err)
	assert.Empty(t, f.service.Assistants())
	assert.NotEmpty(t, tracked.opened)
	assert.Zero(t, tracked.open(), "file handles left open")
}

func TestReconcile_ConversionKeepsExistingTextFiles(t *testing.T) {
	f := newFixture(t, map[string]string{
		"guide.pdf":      "%PDF",
		"g_Main.txt":     "hand written notes",
		"glossary_A.txt": "kept",
	}, func(o *Options) { o.ConvertSpreadsheets = true })
	writeWorkbook(t, f.docs, "g.xlsx", map[string][][]string{"Main": {{"h"}, {"1"}}})
	writeWorkbook(t, f.docs, "glossary.xlsx", map[string][][]string{"B": {{"h"}, {"2"}}})

	report, err := f.sync.Reconcile(context.Background(), false)
	require.NoError(t, err)

	require.Len(t, report.Skipped, 1)
	assert.Equal(t, "g.xlsx", report.Skipped[0].Name)
	assert.Contains(t, report.Skipped[0].Reason, "already exists")
	assert.Equal(t, []string{"glossary_B.txt"}, report.Converted)
	assert.ElementsMatch(t, []string{"guide.pdf", "glossary_B.txt"}, report.Uploaded)

	data, err := util.ReadFile(f.docs, "g_Main.txt")
	require.NoError(t, err)
	assert.Equal(t, "hand written notes", string(data))
	_, err = f.docs.Stat("glossary_A.txt")
	assert.NoError(t, err)
	_, err = f.docs.Stat("glossary_B.txt")
	assert.Error(t, err)
}

func writeWorkbook(t *testing.T, fs billy.Filesystem, name string, sheets map[string][][]string) {
	t.Helper()
	wb := excelize.NewFile()
	defer wb.Close()

	names := make([]string, 0, len(sheets))
	for n := range sheets {
		names = append(names, n)
	}
	sort.Strings(names)
	for i, n := range names {
		if i == 0 {
			require.NoError(t, wb.SetSheetName("Sheet1", n))
		} else {
			_, err := wb.NewSheet(n)
			require.NoError(t, err)
		}
		for r, row := range sheets[n] {
			cells := make([]interface{}, len(row))
			for c, v := range row {
				cells[c] = v
			}
			cell, err := excelize.CoordinatesToCellName(1, r+1)
			require.NoError(t, err)
			require.NoError(t, wb.SetSheetRow(n, cell, &cells))
		}
	}

	buf, err := wb.WriteToBuffer()
	require.NoError(t, err)
	require.NoError(t, util.WriteFile(fs, name, buf.Bytes(), 0o644))
}

// trackingFS fails to open one file and counts the handles it hands out
type trackingFS struct {
	billy.Filesystem
	fail string

	mu     sync.Mutex
	opened []*trackedFile
}

type trackedFile struct {
	billy.File
	closed bool
}

func (t *trackedFile) Close() error {
	t.closed = true
	return t.File.Close()
}

func (t *trackingFS) Open(name string) (billy.File, error) {
	if name == t.fail {
		return nil, errors.New("locked by another process")
	}
	f, err := t.Filesystem.Open(name)
	if err != nil {
		return nil, err
	}
	tf := &trackedFile{File: f}
	t.mu.Lock()
	t.opened = append(t.opened, tf)
	t.mu.Unlock()
	return tf, nil
}

func (t *trackingFS) open() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, f := range t.opened {
		if !f.closed {
			n++
		}
	}
	return n
}
