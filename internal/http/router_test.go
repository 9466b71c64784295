package httpapi

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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/Krx-21/BotCareU-sub001/internal/metrics"
	"github.com/Krx-21/BotCareU-sub001/internal/models"
	"github.com/Krx-21/BotCareU-sub001/internal/repository"
)

type tokenAuth map[string]string

func (a tokenAuth) Authenticate(_ context.Context, token string) (string, error) {
	if id, ok := a[token]; ok {
		return id, nil
	}
	return "", errors.New("invalid token")
}

type fakeDevices map[string][]models.Device

func (f fakeDevices) ListByUser(_ context.Context, userID string) ([]models.Device, error) {
	if userID == "broken" {
		return nil, errors.New("db down")
	}
	return f[userID], nil
}

type fakeNotifications struct {
	mu      sync.Mutex
	items   map[string]models.Notification
	filters []repository.ListFilter
}

func (f *fakeNotifications) ListByUser(_ context.Context, userID string, filter repository.ListFilter) ([]models.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filter)
	var out []models.Notification
	for _, n := range f.items {
		if n.UserID == userID && (filter.IncludeArchived || !n.IsArchived) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeNotifications) update(userID, id string, at time.Time, set func(*models.Notification)) (*models.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.items[id]
	if !ok || n.UserID != userID {
		return nil, fmt.Errorf("notification %s: %w", id, repository.ErrNotFound)
	}
	set(&n)
	n.UpdatedAt = at
	f.items[id] = n
	return &n, nil
}

func (f *fakeNotifications) MarkRead(_ context.Context, userID, id string, at time.Time) (*models.Notification, error) {
	return f.update(userID, id, at, func(n *models.Notification) { n.IsRead = true })
}

func (f *fakeNotifications) Archive(_ context.Context, userID, id string, at time.Time) (*models.Notification, error) {
	return f.update(userID, id, at, func(n *models.Notification) { n.IsArchived = true })
}

type capturePublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *capturePublisher) Publish(ev models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

type testServer struct {
	handler       http.Handler
	notifications *fakeNotifications
	published     *capturePublisher
}

func newTestServer(t *testing.T, checks map[string]HealthCheck) *testServer {
	t.Helper()
	created := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	notifications := &fakeNotifications{items: map[string]models.Notification{
		"n-1": {ID: "n-1", UserID: "alice", DeviceID: "D1", Type: models.NotificationFeverAlert, Priority: models.PriorityHigh,
			Title: "Fever detected", Message: "38.6°C", CreatedAt: created, UpdatedAt: created,
			Delivery: map[models.Channel]models.ChannelDelivery{
				models.ChannelPush:     {Status: models.DeliveryExhausted, Attempts: 3},
				models.ChannelRealtime: {Status: models.DeliverySent, Attempts: 1},
			}},
		"n-2": {ID: "n-2", UserID: "alice", Type: models.NotificationInfo, Priority: models.PriorityLow,
			IsArchived: true, CreatedAt: created, UpdatedAt: created},
		"n-3": {ID: "n-3", UserID: "bob", Type: models.NotificationInfo, CreatedAt: created, UpdatedAt: created},
	}}
	published := &capturePublisher{}
	devices := fakeDevices{"alice": {{DeviceID: "D1", UserID: "alice", Status: models.DeviceOnline, UpdatedAt: created}}}

	reg := prometheus.NewRegistry()
	handler := NewRouter(RouterDeps{
		Devices:       NewDeviceHandler(devices, zap.NewNop()),
		Notifications: NewNotificationHandler(notifications, published, zap.NewNop()),
		Authenticator: tokenAuth{"tok-alice": "alice", "tok-broken": "broken"},
		Realtime: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusSwitchingProtocols)
		}),
		Metrics: metrics.New(reg, reg),
		Checks:  checks,
		Logger:  zap.NewNop(),
	})
	return &testServer{handler: handler, notifications: notifications, published: published}
}

func (s *testServer) do(t *testing.T, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) Result[T] {
	t.Helper()
	var out Result[T]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, map[string]HealthCheck{"redis": func(context.Context) error { return nil }})
	rec := s.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	res := decode[map[string]string](t, rec)
	assert.Equal(t, ResultSuccess, res.Code)
	assert.Equal(t, "ok", res.Result["redis"])

	s = newTestServer(t, map[string]HealthCheck{"postgres": func(context.Context) error { return errors.New("connection refused") }})
	rec = s.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	res = decode[map[string]string](t, rec)
	assert.Equal(t, ResultError, res.Code)
	assert.Equal(t, "connection refused", res.Result["postgres"])
}

func TestAPI_RequiresAuth(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/api/v1/devices", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, ResultError, decode[any](t, rec).Code)

	rec = s.do(t, http.MethodGet, "/api/v1/devices", "forged")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListDevices(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/api/v1/devices", "tok-alice")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[[]models.Device](t, rec)
	assert.Equal(t, ResultSuccess, res.Code)
	require.Len(t, res.Result, 1)
	assert.Equal(t, "D1", res.Result[0].DeviceID)
	assert.False(t, res.Result[0].UpdatedAt.IsZero())

	rec = s.do(t, http.MethodGet, "/api/v1/devices", "tok-broken")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestListNotifications(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/api/v1/notifications", "tok-alice")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.Notification](t, rec).Result, 1)

	rec = s.do(t, http.MethodGet, "/api/v1/notifications?include_archived=true&limit=20", "tok-alice")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.Notification](t, rec).Result, 2)

	last := s.notifications.filters[len(s.notifications.filters)-1]
	assert.True(t, last.IncludeArchived)
	assert.Equal(t, 20, last.Limit)
}

func TestMarkReadAndArchive(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/v1/notifications/n-1/read", "tok-alice")
	require.Equal(t, http.StatusOK, rec.Code)
	n := decode[models.Notification](t, rec).Result
	assert.True(t, n.IsRead)
	assert.True(t, n.UpdatedAt.After(n.CreatedAt))

	rec = s.do(t, http.MethodPost, "/api/v1/notifications/n-1/archive", "tok-alice")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[models.Notification](t, rec).Result.IsArchived)

	require.Len(t, s.published.events, 2)
	update, ok := s.published.events[1].(models.NotificationUpdate)
	require.True(t, ok)
	assert.Equal(t, models.Target{Kind: models.TargetUser, ID: "alice"}, update.Target())

	// another user's notification looks missing
	rec = s.do(t, http.MethodPost, "/api/v1/notifications/n-3/read", "tok-alice")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Len(t, s.published.events, 2)

	rec = s.do(t, http.MethodGet, "/api/v1/notifications/n-1/read", "tok-alice")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestExportNotifications(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/api/v1/notifications/export", "tok-alice")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ".xlsx")

	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(notificationSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3, "header plus archived and active rows")
	assert.Equal(t, NotificationExportHeader[0], rows[0][0])

	var fever []string
	for _, row := range rows[1:] {
		if row[1] == string(models.NotificationFeverAlert) {
			fever = row
		}
	}
	require.NotNil(t, fever)
	assert.Equal(t, "push=exhausted(3), realtime=sent(1)", fever[6])
}

func TestRealtimeAndMetricsRoutes(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/ws", "")
	assert.Equal(t, http.StatusSwitchingProtocols, rec.Code)

	s.do(t, http.MethodGet, "/health", "")
	rec = s.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "botcareu_http_requests_total")

	rec = s.do(t, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
