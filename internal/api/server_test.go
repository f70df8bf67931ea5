package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"broadcast-fleet/internal/config"
	"broadcast-fleet/internal/lifecycle"
	"broadcast-fleet/internal/models"
	"broadcast-fleet/internal/queue"
	"broadcast-fleet/internal/store"
)

type fakeStore struct {
	mu         sync.Mutex
	broadcasts map[string]models.Broadcast
	byIdemKey  map[string]string
	devices    map[string]models.Device
	counts     map[string]int64
	nextID     int
	createErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		broadcasts: map[string]models.Broadcast{},
		byIdemKey:  map[string]string{},
		devices:    map[string]models.Device{},
		counts:     map[string]int64{},
	}
}

func (s *fakeStore) CreateBroadcast(_ context.Context, p store.CreateBroadcastParams) (models.Broadcast, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return models.Broadcast{}, false, s.createErr
	}
	if p.IdempotencyKey != "" {
		if id, ok := s.byIdemKey[p.IdempotencyKey]; ok {
			return s.broadcasts[id], true, nil
		}
	}
	s.nextID++
	b := models.Broadcast{
		ID:          fmt.Sprintf("b%d", s.nextID),
		TenantID:    p.TenantID,
		DeviceID:    p.DeviceID,
		Message:     p.Message,
		Contacts:    p.Contacts,
		Pacing:      p.Pacing,
		Priority:    p.Priority,
		Status:      models.BroadcastPending,
		MaxAttempts: p.MaxAttempts,
		CreatedAt:   time.Now(),
	}
	s.broadcasts[b.ID] = b
	if p.IdempotencyKey != "" {
		s.byIdemKey[p.IdempotencyKey] = b.ID
	}
	return b, false, nil
}

func (s *fakeStore) GetBroadcast(_ context.Context, id string) (models.Broadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.broadcasts[id]
	if !ok {
		return models.Broadcast{}, store.ErrBroadcastNotFound
	}
	return b, nil
}

func (s *fakeStore) CountBroadcastsByStatus(context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int64{}
	for k, v := range s.counts {
		out[k] = v
	}
	return out, nil
}

func (s *fakeStore) AppendAudit(context.Context, string, string, string) error { return nil }

func (s *fakeStore) CreateDevice(_ context.Context, tenantID, name string) (models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := models.Device{ID: "dev-" + name, TenantID: tenantID, Name: name, Status: models.DeviceDisconnected}
	s.devices[d.ID] = d
	return d, nil
}

func (s *fakeStore) GetDevice(_ context.Context, id string) (models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return models.Device{}, store.ErrDeviceNotFound
	}
	return d, nil
}

func (s *fakeStore) SetDeviceStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return store.ErrDeviceNotFound
	}
	d.Status = status
	s.devices[id] = d
	return nil
}

func newTestServer(t *testing.T, st Store) (*Server, *queue.Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := queue.New(client, time.Minute, "")
	cfg := config.Config{MaxAttempts: 3, IdempotencyTTL: 24 * time.Hour}
	return New(cfg, st, q, nil, nil, nil, zerolog.Nop()), q, mr
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Tenant-ID", "t1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestEnqueueBroadcast(t *testing.T) {
	st := newFakeStore()
	srv, q, _ := newTestServer(t, st)
	h := srv.Router()

	rec := doJSON(t, h, http.MethodPost, "/broadcasts", map[string]any{
		"device_id": "d1",
		"message":   "hello",
		"contacts":  []string{"+14155550001"},
		"priority":  2,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp enqueueResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.False(t, resp.Idempotent)
	require.Equal(t, "t1", resp.Broadcast.TenantID)
	require.Equal(t, 3, resp.Broadcast.MaxAttempts)

	jobID, err := q.DequeueWithLease(context.Background())
	require.NoError(t, err)
	require.Equal(t, resp.Broadcast.ID, jobID)
}

func TestEnqueueIdempotentReplayNotRequeued(t *testing.T) {
	st := newFakeStore()
	srv, q, _ := newTestServer(t, st)
	h := srv.Router()

	body := map[string]any{"device_id": "d1", "message": "hello", "idempotency_key": "k1"}
	first := doJSON(t, h, http.MethodPost, "/broadcasts", body)
	require.Equal(t, http.StatusAccepted, first.Code)
	second := doJSON(t, h, http.MethodPost, "/broadcasts", body)
	require.Equal(t, http.StatusAccepted, second.Code)

	var r1, r2 enqueueResponse
	require.NoError(t, json.NewDecoder(first.Body).Decode(&r1))
	require.NoError(t, json.NewDecoder(second.Body).Decode(&r2))
	require.False(t, r1.Idempotent)
	require.True(t, r2.Idempotent)
	require.Equal(t, r1.Broadcast.ID, r2.Broadcast.ID)

	// Only the first submission reached the queue.
	waiting, _, _, err := q.Depths(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, waiting)
}

func TestEnqueueValidation(t *testing.T) {
	st := newFakeStore()
	srv, _, _ := newTestServer(t, st)
	h := srv.Router()

	rec := doJSON(t, h, http.MethodPost, "/broadcasts", map[string]any{"message": "hi"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/broadcasts", map[string]any{"device_id": "d1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/broadcasts", bytes.NewBufferString("{not json"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueStoreFailure(t *testing.T) {
	st := newFakeStore()
	st.createErr = errors.New("postgres down")
	srv, _, _ := newTestServer(t, st)
	h := srv.Router()

	rec := doJSON(t, h, http.MethodPost, "/broadcasts", map[string]any{"device_id": "d1", "message": "hi"})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetBroadcast(t *testing.T) {
	st := newFakeStore()
	st.broadcasts["b1"] = models.Broadcast{ID: "b1", Status: models.BroadcastCompleted, SentCount: 5}
	srv, _, _ := newTestServer(t, st)
	h := srv.Router()

	rec := doJSON(t, h, http.MethodGet, "/broadcasts/b1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var b models.Broadcast
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&b))
	require.Equal(t, 5, b.SentCount)

	rec = doJSON(t, h, http.MethodGet, "/broadcasts/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueStatsHealth(t *testing.T) {
	st := newFakeStore()
	srv, q, _ := newTestServer(t, st)
	h := srv.Router()
	require.NoError(t, q.Enqueue(context.Background(), "j1", 5, time.Now()))

	st.counts = map[string]int64{models.BroadcastCompleted: 95, models.BroadcastFailed: 5}
	rec := doJSON(t, h, http.MethodGet, "/queue/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats queueStats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	require.Equal(t, "healthy", stats.Status)
	require.EqualValues(t, 1, stats.Waiting)

	st.counts = map[string]int64{models.BroadcastCompleted: 80, models.BroadcastFailed: 20}
	rec = doJSON(t, h, http.MethodGet, "/queue/stats", nil)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	require.Equal(t, "degraded", stats.Status)
}

func TestDLQListing(t *testing.T) {
	st := newFakeStore()
	srv, q, _ := newTestServer(t, st)
	h := srv.Router()
	require.NoError(t, q.DLQPush(context.Background(), "dead1"))

	rec := doJSON(t, h, http.MethodGet, "/dlq", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Items []string `json:"items"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, []string{"dead1"}, resp.Items)
}

func TestDeviceLifecycleEndpoints(t *testing.T) {
	st := newFakeStore()
	srv, _, _ := newTestServer(t, st)
	h := srv.Router()

	rec := doJSON(t, h, http.MethodPost, "/devices", map[string]any{"name": "phone1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var d models.Device
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&d))
	require.Equal(t, models.DeviceDisconnected, d.Status)

	rec = doJSON(t, h, http.MethodPost, "/devices/"+d.ID+"/connect", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	got, err := st.GetDevice(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, models.DeviceConnecting, got.Status)

	rec = doJSON(t, h, http.MethodPost, "/devices/"+d.ID+"/disconnect", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	got, err = st.GetDevice(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, models.DeviceDisconnected, got.Status)

	rec = doJSON(t, h, http.MethodPost, "/devices/nope/connect", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPairingEndpoint(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	pairings := lifecycle.NewPairings(client, time.Minute)
	require.NoError(t, pairings.Put(context.Background(), "d1", "CODE1234"))

	st := newFakeStore()
	q := queue.New(client, time.Minute, "")
	srv := New(config.Config{}, st, q, nil, nil, pairings, zerolog.Nop())
	h := srv.Router()

	rec := doJSON(t, h, http.MethodGet, "/devices/d1/pairing", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "CODE1234", resp["code"])

	rec = doJSON(t, h, http.MethodGet, "/devices/other/pairing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	st := newFakeStore()
	srv, _, _ := newTestServer(t, st)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
