package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/trove/internal/conn"
	"github.com/jacentio/trove/internal/ddbtest"
	"github.com/jacentio/trove/internal/retry"
	"github.com/jacentio/trove/store"
)

const testTable = "HolidayTracker.UserData"

func testConfig() store.Config {
	cfg := store.DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 4 * time.Millisecond
	return cfg
}

func newTestStore(t *testing.T) (*store.Store, *ddbtest.Fake) {
	t.Helper()
	fake := ddbtest.New()
	fake.AddTable(testTable, store.AttrPartitionKey, store.AttrID)
	return store.NewWithManager(conn.NewReady(fake, testTable), testConfig()), fake
}

func unavailable() error {
	return &retry.StatusError{Code: 503, Err: errors.New("service unavailable")}
}

// seed writes a raw item that bypasses the deterministic id path.
func seed(t *testing.T, fake *ddbtest.Fake, item map[string]any) {
	t.Helper()
	av, err := attributevalue.MarshalMap(item)
	require.NoError(t, err)
	_, err = fake.PutItem(context.Background(), &dynamodb.PutItemInput{
		TableName: aws.String(testTable),
		Item:      av,
	})
	require.NoError(t, err)
}

// --- Config ---

func TestDefaultConfig(t *testing.T) {
	cfg := store.DefaultConfig()
	assert.Equal(t, "us-east-1", cfg.Region)
	assert.Equal(t, "HolidayTracker", cfg.Database)
	assert.Equal(t, "UserData", cfg.Collection)
	assert.Equal(t, uint32(5), cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.ResetTimeout)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.BaseDelay)
	assert.Equal(t, 2*time.Second, cfg.MaxDelay)
	assert.Equal(t, 0, cfg.BatchConcurrency)
	assert.Equal(t, testTable, cfg.TableName())
}

// --- Save / Get ---

func TestSaveThenGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	err := s.Save(ctx, "alice", "holiday", map[string]any{
		"status": "pending",
		"days":   3,
		"dates":  []string{"2024-12-24", "2024-12-25"},
	})
	require.NoError(t, err)

	doc, err := s.Get(ctx, "alice", "holiday")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "alice-holiday", doc.ID)
	assert.Equal(t, "alice", doc.PartitionKey)
	assert.Equal(t, "holiday", doc.Type)
	assert.NotEmpty(t, doc.Version)
	assert.NotEmpty(t, doc.UpdatedAt)
	assert.Equal(t, "pending", doc.Payload["status"])
	assert.Equal(t, float64(3), doc.Payload["days"])
	assert.Equal(t, []any{"2024-12-24", "2024-12-25"}, doc.Payload["dates"])
	assert.NotContains(t, doc.Payload, store.AttrVersion)
}

func TestGet_Absent(t *testing.T) {
	s, _ := newTestStore(t)

	doc, err := s.Get(context.Background(), "bob", "holiday")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestGet_FindsTypeUnderAnyID(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()

	seed(t, fake, map[string]any{"partition_key": "alice", "id": "note-1", "type": "note"})
	seed(t, fake, map[string]any{"partition_key": "alice", "id": "req-1", "type": "request", "status": "pending", "version": "v7"})

	doc, err := s.Get(ctx, "alice", "request")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "req-1", doc.ID)
	assert.Equal(t, "pending", doc.Payload["status"])

	payload, version, err := s.GetWithVersion(ctx, "alice", "request")
	require.NoError(t, err)
	assert.Equal(t, "pending", payload["status"])
	assert.Equal(t, "v7", version)

	docs, err := s.Query(ctx, "alice", "request", nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, docs[0].ID, doc.ID)
}

func TestGet_PaginatesUntilMatch(t *testing.T) {
	s, fake := newTestStore(t)
	fake.PageSize = 1

	seed(t, fake, map[string]any{"partition_key": "alice", "id": "a-note", "type": "note"})
	seed(t, fake, map[string]any{"partition_key": "alice", "id": "b-note", "type": "note"})
	seed(t, fake, map[string]any{"partition_key": "alice", "id": "c-request", "type": "request"})
	seed(t, fake, map[string]any{"partition_key": "alice", "id": "d-request", "type": "request"})

	doc, err := s.Get(context.Background(), "alice", "request")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "c-request", doc.ID)
	assert.Equal(t, 3, fake.Calls("Query"), "stops at the first page with a match")
}

func TestSave_ReplacesWholeDocument(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "alice", "settings", map[string]any{"theme": "dark", "lang": "en"}))
	require.NoError(t, s.Save(ctx, "alice", "settings", map[string]any{"theme": "light"}))

	doc, err := s.Get(ctx, "alice", "settings")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"theme": "light"}, doc.Payload)
	assert.Len(t, fake.Items(testTable), 1)
}

func TestSave_NewVersionPerWrite(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "alice", "holiday", map[string]any{"status": "pending"}))
	_, v1, err := s.GetWithVersion(ctx, "alice", "holiday")
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, "alice", "holiday", map[string]any{"status": "pending"}))
	_, v2, err := s.GetWithVersion(ctx, "alice", "holiday")
	require.NoError(t, err)

	assert.NotEqual(t, v1, v2)
}

func TestHolidayScenario(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "alice", "holiday", map[string]any{"status": "pending"}))

	payload, version, err := s.GetWithVersion(ctx, "alice", "holiday")
	require.NoError(t, err)
	assert.Equal(t, "pending", payload["status"])
	require.NotEmpty(t, version)

	err = s.SaveWithConcurrency(ctx, "alice", "holiday", map[string]any{"status": "approved"}, version)
	require.NoError(t, err)

	payload, _, err = s.GetWithVersion(ctx, "alice", "holiday")
	require.NoError(t, err)
	assert.Equal(t, "approved", payload["status"])

	err = s.SaveWithConcurrency(ctx, "alice", "holiday", map[string]any{"status": "rejected"}, version)
	assert.ErrorIs(t, err, store.ErrConcurrencyConflict)
}

// --- SaveWithConcurrency ---

func TestSaveWithConcurrency_StaleVersionLeavesDocumentUnchanged(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "alice", "holiday", map[string]any{"status": "pending"}))
	_, stale, err := s.GetWithVersion(ctx, "alice", "holiday")
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "alice", "holiday", map[string]any{"status": "approved"}))
	_, current, err := s.GetWithVersion(ctx, "alice", "holiday")
	require.NoError(t, err)

	err = s.SaveWithConcurrency(ctx, "alice", "holiday", map[string]any{"status": "cancelled"}, stale)
	require.ErrorIs(t, err, store.ErrConcurrencyConflict)
	assert.Equal(t, 3, fake.Calls("PutItem"), "conflicts are not retried")

	payload, version, err := s.GetWithVersion(ctx, "alice", "holiday")
	require.NoError(t, err)
	assert.Equal(t, "approved", payload["status"])
	assert.Equal(t, current, version)
}

func TestSaveWithConcurrency_CurrentVersionAdvances(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "alice", "holiday", map[string]any{"status": "pending"}))
	_, v1, err := s.GetWithVersion(ctx, "alice", "holiday")
	require.NoError(t, err)

	require.NoError(t, s.SaveWithConcurrency(ctx, "alice", "holiday", map[string]any{"status": "approved"}, v1))

	_, v2, err := s.GetWithVersion(ctx, "alice", "holiday")
	require.NoError(t, err)
	assert.NotEmpty(t, v2)
	assert.NotEqual(t, v1, v2)
}

// lostAckAPI commits writes but reports the first n successful PutItem calls
// as timeouts, as if the acknowledgement was lost in transit.
type lostAckAPI struct {
	conn.API
	mu   sync.Mutex
	lost int
}

func (a *lostAckAPI) PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	out, err := a.API.PutItem(ctx, in, opts...)
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil && a.lost > 0 {
		a.lost--
		return nil, errors.New("read tcp 10.0.0.1:443: i/o timeout")
	}
	return out, err
}

func TestSaveWithConcurrency_RetryAfterLostAcknowledgement(t *testing.T) {
	fake := ddbtest.New()
	fake.AddTable(testTable, store.AttrPartitionKey, store.AttrID)
	api := &lostAckAPI{API: fake}
	s := store.NewWithManager(conn.NewReady(api, testTable), testConfig())
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "alice", "holiday", map[string]any{"status": "pending"}))
	_, version, err := s.GetWithVersion(ctx, "alice", "holiday")
	require.NoError(t, err)

	api.mu.Lock()
	api.lost = 1
	api.mu.Unlock()

	err = s.SaveWithConcurrency(ctx, "alice", "holiday", map[string]any{"status": "approved"}, version)
	require.NoError(t, err, "the retried attempt matches its own committed version")
	assert.Equal(t, 3, fake.Calls("PutItem"))

	payload, current, err := s.GetWithVersion(ctx, "alice", "holiday")
	require.NoError(t, err)
	assert.Equal(t, "approved", payload["status"])
	assert.NotEqual(t, version, current)

	err = s.SaveWithConcurrency(ctx, "alice", "holiday", map[string]any{"status": "rejected"}, version)
	assert.ErrorIs(t, err, store.ErrConcurrencyConflict)
}

func TestSaveWithConcurrency_MissingDocumentConflicts(t *testing.T) {
	s, fake := newTestStore(t)

	err := s.SaveWithConcurrency(context.Background(), "carol", "holiday", map[string]any{"status": "pending"}, "some-version")
	assert.ErrorIs(t, err, store.ErrConcurrencyConflict)
	assert.Empty(t, fake.Items(testTable))
}

func TestSaveWithConcurrency_EmptyVersionIsUnconditional(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveWithConcurrency(ctx, "carol", "holiday", map[string]any{"status": "pending"}, ""))
	require.NoError(t, s.SaveWithConcurrency(ctx, "carol", "holiday", map[string]any{"status": "approved"}, ""))

	payload, _, err := s.GetWithVersion(ctx, "carol", "holiday")
	require.NoError(t, err)
	assert.Equal(t, "approved", payload["status"])
}

func TestGetWithVersion_Absent(t *testing.T) {
	s, _ := newTestStore(t)

	payload, version, err := s.GetWithVersion(context.Background(), "nobody", "holiday")
	require.NoError(t, err)
	assert.Nil(t, payload)
	assert.Empty(t, version)
}

// --- Delete ---

func TestDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "alice", "holiday", map[string]any{"status": "pending"}))
	require.NoError(t, s.Delete(ctx, "alice", "holiday"))

	doc, err := s.Get(ctx, "alice", "holiday")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestDelete_Missing(t *testing.T) {
	s, fake := newTestStore(t)

	err := s.Delete(context.Background(), "alice", "holiday")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 1, fake.Calls("DeleteItem"))
}

// --- Query ---

func TestQuery_FiltersByTypeAndFields(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()

	seed(t, fake, map[string]any{"partition_key": "alice", "id": "req-1", "type": "request", "status": "pending", "days": 2})
	seed(t, fake, map[string]any{"partition_key": "alice", "id": "req-2", "type": "request", "status": "approved", "days": 2})
	seed(t, fake, map[string]any{"partition_key": "alice", "id": "req-3", "type": "request", "status": "pending", "days": 5})
	seed(t, fake, map[string]any{"partition_key": "alice", "id": "note-1", "type": "note", "status": "pending"})
	seed(t, fake, map[string]any{"partition_key": "bob", "id": "req-4", "type": "request", "status": "pending", "days": 2})

	docs, err := s.Query(ctx, "alice", "request", nil)
	require.NoError(t, err)
	assert.Len(t, docs, 3)

	docs, err = s.Query(ctx, "alice", "request", map[string]any{"status": "pending"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "req-1", docs[0].ID)
	assert.Equal(t, "req-3", docs[1].ID)

	docs, err = s.Query(ctx, "alice", "request", map[string]any{"status": "pending", "days": 5})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "req-3", docs[0].ID)
}

func TestQuery_Paginates(t *testing.T) {
	s, fake := newTestStore(t)
	fake.PageSize = 2

	for i := 0; i < 5; i++ {
		seed(t, fake, map[string]any{"partition_key": "alice", "id": fmt.Sprintf("req-%d", i), "type": "request"})
	}

	docs, err := s.Query(context.Background(), "alice", "request", nil)
	require.NoError(t, err)
	assert.Len(t, docs, 5)
	assert.Equal(t, 3, fake.Calls("Query"))
}

func TestQuery_NoMatches(t *testing.T) {
	s, _ := newTestStore(t)

	docs, err := s.Query(context.Background(), "alice", "request", map[string]any{"status": "pending"})
	require.NoError(t, err)
	assert.NotNil(t, docs)
	assert.Empty(t, docs)
}

func TestQuery_RejectsKeyAttributeFilter(t *testing.T) {
	s, fake := newTestStore(t)

	_, err := s.Query(context.Background(), "alice", "request", map[string]any{"partition_key": "bob"})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
	assert.Equal(t, 0, fake.Calls("Query"))
}

// --- Validation ---

func TestInvalidInput(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"get empty partition key", func() error { _, err := s.Get(ctx, "", "holiday"); return err }},
		{"get empty type", func() error { _, err := s.Get(ctx, "alice", ""); return err }},
		{"save empty partition key", func() error { return s.Save(ctx, "", "holiday", nil) }},
		{"save reserved field", func() error { return s.Save(ctx, "alice", "holiday", map[string]any{"version": "x"}) }},
		{"save-if empty type", func() error { return s.SaveWithConcurrency(ctx, "alice", "", nil, "v") }},
		{"version-of empty type", func() error { _, _, err := s.GetWithVersion(ctx, "alice", ""); return err }},
		{"delete empty partition key", func() error { return s.Delete(ctx, "", "holiday") }},
		{"query empty type", func() error { _, err := s.Query(ctx, "alice", "", nil); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), store.ErrInvalidInput)
		})
	}

	assert.Equal(t, 0, fake.Calls("PutItem")+fake.Calls("Query")+fake.Calls("DeleteItem"))
	assert.Equal(t, "closed", s.Status().Breaker, "invalid input never reaches the breaker")
}

// --- Resilience ---

func TestSave_RetriesTransientFailure(t *testing.T) {
	s, fake := newTestStore(t)
	fake.FailNext("PutItem", unavailable(), unavailable())

	require.NoError(t, s.Save(context.Background(), "alice", "holiday", map[string]any{"status": "pending"}))
	assert.Equal(t, 3, fake.Calls("PutItem"))
	assert.Len(t, fake.Items(testTable), 1)
}

func TestSave_RetryExhausted(t *testing.T) {
	s, fake := newTestStore(t)
	fake.FailNext("PutItem", unavailable(), unavailable(), unavailable())

	err := s.Save(context.Background(), "alice", "holiday", map[string]any{"status": "pending"})
	require.ErrorIs(t, err, store.ErrRetryExhausted)

	var status *retry.StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, 503, status.Code)
	assert.Equal(t, 3, fake.Calls("PutItem"))
}

func TestSave_NonRetryableRemoteFailure(t *testing.T) {
	s, fake := newTestStore(t)
	fake.FailNext("PutItem", errors.New("ValidationException: item size exceeded"))

	err := s.Save(context.Background(), "alice", "holiday", map[string]any{"status": "pending"})
	assert.ErrorIs(t, err, store.ErrRemoteOperation)
	assert.Equal(t, 1, fake.Calls("PutItem"))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()
	fake.OnCall("Query", func(any) error { return unavailable() })

	_, err := s.Get(ctx, "alice", "holiday")
	require.ErrorIs(t, err, store.ErrRetryExhausted)
	assert.Equal(t, 3, fake.Calls("Query"))

	_, err = s.Get(ctx, "alice", "holiday")
	require.ErrorIs(t, err, store.ErrCircuitOpen, "fifth consecutive failure trips the breaker")
	assert.Equal(t, 5, fake.Calls("Query"))
	assert.Equal(t, "open", s.Status().Breaker)

	_, err = s.Get(ctx, "alice", "holiday")
	require.ErrorIs(t, err, store.ErrCircuitOpen)
	assert.Equal(t, 5, fake.Calls("Query"), "open breaker must not invoke the store")

	err = s.Save(ctx, "alice", "holiday", map[string]any{"status": "pending"})
	require.ErrorIs(t, err, store.ErrCircuitOpen)
	assert.Equal(t, 0, fake.Calls("PutItem"))
}

func TestBreakerRecoversAfterResetTimeout(t *testing.T) {
	fake := ddbtest.New()
	fake.AddTable(testTable, store.AttrPartitionKey, store.AttrID)
	cfg := testConfig()
	cfg.FailureThreshold = 2
	cfg.ResetTimeout = 30 * time.Millisecond
	s := store.NewWithManager(conn.NewReady(fake, testTable), cfg)
	ctx := context.Background()

	fake.FailNext("PutItem", unavailable(), unavailable())
	err := s.Save(ctx, "alice", "holiday", map[string]any{"status": "pending"})
	require.ErrorIs(t, err, store.ErrCircuitOpen)

	time.Sleep(50 * time.Millisecond)

	require.NoError(t, s.Save(ctx, "alice", "holiday", map[string]any{"status": "pending"}))
	status := s.Status()
	assert.Equal(t, "closed", status.Breaker)
	assert.Equal(t, uint32(0), status.ConsecutiveFailures)
}

func TestContextCancelled(t *testing.T) {
	s, fake := newTestStore(t)
	fake.OnCall("Query", func(any) error { return unavailable() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Get(ctx, "alice", "holiday")
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, store.ErrRemoteOperation)
}

// --- Lazy connection ---

func TestLazyInitialization(t *testing.T) {
	fake := ddbtest.New()
	var dials int32
	cfg := testConfig()
	cfg.Key = conn.EncodeCredential("AKIDEXAMPLE", "secret")
	cfg.Dialer = func(context.Context, conn.Config, aws.Credentials) (conn.API, error) {
		atomic.AddInt32(&dials, 1)
		return fake, nil
	}
	s := store.New(cfg)
	assert.Equal(t, "uninitialized", s.Status().Connection)

	require.NoError(t, s.Save(context.Background(), "alice", "holiday", map[string]any{"status": "pending"}))
	doc, err := s.Get(context.Background(), "alice", "holiday")
	require.NoError(t, err)
	require.NotNil(t, doc)

	assert.Equal(t, "ready", s.Status().Connection)
	assert.Equal(t, int32(1), atomic.LoadInt32(&dials))
	assert.Equal(t, 1, fake.Calls("CreateTable"))
	assert.Len(t, fake.Items(testTable), 1)
}

func TestInitializationFailureIsTerminal(t *testing.T) {
	var dials int32
	cfg := testConfig()
	cfg.Key = conn.EncodeCredential("AKIDEXAMPLE", "secret")
	cfg.Dialer = func(context.Context, conn.Config, aws.Credentials) (conn.API, error) {
		atomic.AddInt32(&dials, 1)
		return nil, errors.New("connection refused")
	}
	s := store.New(cfg)
	ctx := context.Background()

	_, err := s.Get(ctx, "alice", "holiday")
	require.ErrorIs(t, err, store.ErrInitialization)

	err = s.Save(ctx, "alice", "holiday", map[string]any{"status": "pending"})
	require.ErrorIs(t, err, store.ErrInitialization)

	assert.Equal(t, int32(1), atomic.LoadInt32(&dials))
	assert.Equal(t, "failed", s.Status().Connection)
}

func TestMalformedCredential(t *testing.T) {
	cfg := testConfig()
	cfg.Key = "not base64!"
	cfg.Dialer = func(context.Context, conn.Config, aws.Credentials) (conn.API, error) {
		t.Fatal("dialer must not run with a malformed credential")
		return nil, nil
	}
	s := store.New(cfg)

	err := s.Save(context.Background(), "alice", "holiday", nil)
	assert.ErrorIs(t, err, store.ErrInitialization)
	assert.ErrorIs(t, err, store.ErrMalformedCredential)
}

// --- Batch ---

func TestBatchSave(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()

	items := make([]store.BatchItem, 20)
	for i := range items {
		items[i] = store.BatchItem{
			PartitionKey: fmt.Sprintf("user-%d", i),
			Type:         "holiday",
			Payload:      map[string]any{"n": i},
		}
	}

	require.NoError(t, s.BatchSave(ctx, items))
	assert.Len(t, fake.Items(testTable), 20)

	doc, err := s.Get(ctx, "user-7", "holiday")
	require.NoError(t, err)
	assert.Equal(t, float64(7), doc.Payload["n"])
}

func TestBatchSave_PartialFailure(t *testing.T) {
	s, fake := newTestStore(t)

	items := []store.BatchItem{
		{PartitionKey: "alice", Type: "holiday", Payload: map[string]any{"status": "pending"}},
		{PartitionKey: "bob", Type: "holiday", Payload: map[string]any{"status": "pending"}},
		{PartitionKey: "carol", Type: "holiday", Payload: map[string]any{"id": "not allowed"}},
		{PartitionKey: "dave", Type: "holiday", Payload: map[string]any{"status": "pending"}},
	}

	err := s.BatchSave(context.Background(), items)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	var batchErr *store.BatchError
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, 4, batchErr.Total)
	require.Len(t, batchErr.Failures, 1)
	assert.Equal(t, 2, batchErr.Failures[0].Index)
	assert.Equal(t, "carol", batchErr.Failures[0].Item.PartitionKey)
	assert.Contains(t, err.Error(), "1 of 4 items failed")

	assert.Len(t, fake.Items(testTable), 3)
}

func TestBatchSave_ItemsRetryIndependently(t *testing.T) {
	s, fake := newTestStore(t)
	fake.FailNext("PutItem", unavailable())

	items := []store.BatchItem{
		{PartitionKey: "alice", Type: "holiday"},
		{PartitionKey: "bob", Type: "holiday"},
	}
	require.NoError(t, s.BatchSave(context.Background(), items))
	assert.Len(t, fake.Items(testTable), 2)
	assert.Equal(t, 3, fake.Calls("PutItem"))
}

// inFlightAPI records the peak number of concurrent PutItem calls. With
// barrier > 0 each call holds until that many are in flight, failing if they
// never arrive.
type inFlightAPI struct {
	conn.API
	barrier int

	mu       sync.Mutex
	inFlight int
	peak     int
	release  chan struct{}
}

func (a *inFlightAPI) PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	a.mu.Lock()
	a.inFlight++
	a.peak = max(a.peak, a.inFlight)
	if a.barrier > 0 && a.inFlight == a.barrier {
		close(a.release)
	}
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.inFlight--
		a.mu.Unlock()
	}()

	if a.barrier > 0 {
		select {
		case <-a.release:
		case <-time.After(2 * time.Second):
			return nil, &retry.StatusError{Code: 400, Err: errors.New("writes were not issued together")}
		}
	} else {
		time.Sleep(5 * time.Millisecond)
	}
	return a.API.PutItem(ctx, in, opts...)
}

func holidayBatch(n int) []store.BatchItem {
	items := make([]store.BatchItem, n)
	for i := range items {
		items[i] = store.BatchItem{PartitionKey: fmt.Sprintf("user-%d", i), Type: "holiday"}
	}
	return items
}

func TestBatchSave_IssuesAllWritesAtOnce(t *testing.T) {
	fake := ddbtest.New()
	fake.AddTable(testTable, store.AttrPartitionKey, store.AttrID)
	api := &inFlightAPI{API: fake, barrier: 12, release: make(chan struct{})}
	s := store.NewWithManager(conn.NewReady(api, testTable), testConfig())

	require.NoError(t, s.BatchSave(context.Background(), holidayBatch(12)))
	assert.Equal(t, 12, api.peak)
	assert.Len(t, fake.Items(testTable), 12)
}

func TestBatchSave_ConcurrencyLimit(t *testing.T) {
	fake := ddbtest.New()
	fake.AddTable(testTable, store.AttrPartitionKey, store.AttrID)
	api := &inFlightAPI{API: fake}
	cfg := testConfig()
	cfg.BatchConcurrency = 2
	s := store.NewWithManager(conn.NewReady(api, testTable), cfg)

	require.NoError(t, s.BatchSave(context.Background(), holidayBatch(6)))
	assert.LessOrEqual(t, api.peak, 2)
	assert.Len(t, fake.Items(testTable), 6)
}

func TestBatchSave_Empty(t *testing.T) {
	s, _ := newTestStore(t)
	assert.NoError(t, s.BatchSave(context.Background(), nil))
}

// --- Examples ---

// ExampleStore_SaveWithConcurrency demonstrates a compare-and-swap update.
func ExampleStore_SaveWithConcurrency() {
	fake := ddbtest.New()
	fake.AddTable(testTable, store.AttrPartitionKey, store.AttrID)
	s := store.NewWithManager(conn.NewReady(fake, testTable), store.DefaultConfig())
	ctx := context.Background()

	_ = s.Save(ctx, "alice", "holiday", map[string]any{"status": "pending"})

	_, version, _ := s.GetWithVersion(ctx, "alice", "holiday")
	err := s.SaveWithConcurrency(ctx, "alice", "holiday", map[string]any{"status": "approved"}, version)
	fmt.Println(err)

	// The version has moved on, so a second write with it conflicts.
	err = s.SaveWithConcurrency(ctx, "alice", "holiday", map[string]any{"status": "rejected"}, version)
	fmt.Println(errors.Is(err, store.ErrConcurrencyConflict))

	payload, _, _ := s.GetWithVersion(ctx, "alice", "holiday")
	fmt.Println(payload["status"])
	// Output:
	// <nil>
	// true
	// approved
}
