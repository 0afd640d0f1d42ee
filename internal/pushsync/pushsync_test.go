package pushsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/emil-guirguis/edge-sync-agent/internal/model"
	"github.com/emil-guirguis/edge-sync-agent/internal/reliability"
)

type fakeStore struct {
	unsynced     []model.Reading
	deletedIDs   []string
	retriedIDs   []string
	retriedMax   int
	syncLogs     []model.SyncLog
	deleteErr    error
	listErr      error
	incrementErr error
}

func (f *fakeStore) ListUnsynchronized(limit int) ([]model.Reading, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if limit < len(f.unsynced) {
		return f.unsynced[:limit], nil
	}
	return f.unsynced, nil
}

func (f *fakeStore) DeleteIDs(ids []string) (int, error) {
	f.deletedIDs = append(f.deletedIDs, ids...)
	return len(ids), f.deleteErr
}

func (f *fakeStore) IncrementRetry(ids []string, maxRetries int) error {
	f.retriedIDs = append(f.retriedIDs, ids...)
	f.retriedMax = maxRetries
	return f.incrementErr
}

func (f *fakeStore) AppendSyncLog(entry model.SyncLog) error {
	f.syncLogs = append(f.syncLogs, entry)
	return nil
}

func sampleReadings() []model.Reading {
	return []model.Reading{
		{ID: "rd1", MeterID: "m1", TimestampNs: 1000, FieldName: "kwh_total", Value: 42, Quality: model.QualityGood},
		{ID: "rd2", MeterID: "m1", TimestampNs: 1000, FieldName: "kw_demand", Value: 3.2, Quality: model.QualityGood},
	}
}

func TestManager_Run_UploadsAndDeletesOnSuccess(t *testing.T) {
	var gotRequest *http.Request
	var gotBody batchPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		gotRequest = r
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(batchResponse{Success: true, RecordsProcessed: len(gotBody.Readings)})
	}))
	defer server.Close()

	store := &fakeStore{unsynced: sampleReadings()}
	mgr := New(Config{
		Store:   store,
		APIURL:  server.URL,
		APIKey:  "tenant-key",
		Retrier: reliability.NewRetrier(reliability.RetrierOptions{MaxRetries: 1, Base: 1}),
	})

	result, err := mgr.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Skipped || result.Failed {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Uploaded != 2 {
		t.Fatalf("expected 2 uploaded, got %d", result.Uploaded)
	}
	if len(store.deletedIDs) != 2 {
		t.Fatalf("expected 2 ids deleted, got %+v", store.deletedIDs)
	}
	if gotRequest.Header.Get("X-Api-Key") != "tenant-key" {
		t.Fatalf("expected X-Api-Key header, got %q", gotRequest.Header.Get("X-Api-Key"))
	}
	if len(store.syncLogs) != 1 || !store.syncLogs[0].Success {
		t.Fatalf("expected one successful sync_log entry, got %+v", store.syncLogs)
	}
}

func TestManager_Run_PartialAcknowledgementStillDeletesWholeBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		// success=true but recordsProcessed short of the batch size: per the
		// documented partial-ack decision this still counts as a full success.
		json.NewEncoder(w).Encode(batchResponse{Success: true, RecordsProcessed: 1})
	}))
	defer server.Close()

	store := &fakeStore{unsynced: sampleReadings()}
	mgr := New(Config{Store: store, APIURL: server.URL, APIKey: "k"})

	result, err := mgr.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Uploaded != 2 || len(store.deletedIDs) != 2 {
		t.Fatalf("expected full-batch deletion on partial ack, got result=%+v deleted=%+v", result, store.deletedIDs)
	}
}

func TestManager_Run_IncrementsRetryOnFailureResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(batchResponse{Success: false})
	}))
	defer server.Close()

	store := &fakeStore{unsynced: sampleReadings()}
	mgr := New(Config{
		Store:   store,
		APIURL:  server.URL,
		APIKey:  "k",
		Retrier: reliability.NewRetrier(reliability.RetrierOptions{MaxRetries: 1, Base: 1}),
	})

	result, err := mgr.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Failed {
		t.Fatalf("expected Failed=true, got %+v", result)
	}
	if len(store.deletedIDs) != 0 {
		t.Fatalf("expected no ids deleted on failure, got %+v", store.deletedIDs)
	}
	if len(store.retriedIDs) != 2 {
		t.Fatalf("expected both ids to have retry incremented, got %+v", store.retriedIDs)
	}
	if len(store.syncLogs) != 1 || store.syncLogs[0].Success {
		t.Fatalf("expected one failed sync_log entry, got %+v", store.syncLogs)
	}
}

func TestManager_Run_SkipsWhenDisconnected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	store := &fakeStore{unsynced: sampleReadings()}
	mgr := New(Config{Store: store, APIURL: server.URL, APIKey: "k"})

	result, err := mgr.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Skipped {
		t.Fatalf("expected Skipped=true when the connectivity probe fails, got %+v", result)
	}
	if len(store.deletedIDs) != 0 || len(store.retriedIDs) != 0 {
		t.Fatalf("expected no store mutation on a skipped cycle")
	}
}

func TestManager_Run_NoUnsyncedReadingsIsANoop(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := &fakeStore{}
	mgr := New(Config{Store: store, APIURL: server.URL, APIKey: "k"})

	result, err := mgr.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Attempted != 0 || result.Uploaded != 0 {
		t.Fatalf("expected a no-op result, got %+v", result)
	}
}
