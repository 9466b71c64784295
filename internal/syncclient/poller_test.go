package syncclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Krx-21/BotCareU-sub001/internal/models"
	"github.com/Krx-21/BotCareU-sub001/internal/reducer"
)

func TestPoller_AppliesSnapshots(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/devices":
			_, _ = w.Write([]byte(`{"code":2000,"type":"success","message":"ok","result":[
				{"id":"1","device_id":"D1","user_id":"u1","status":"offline","battery_level":50,
				 "last_seen":"2025-03-01T12:00:00Z","updated_at":"2025-03-01T12:00:00Z"}]}`))
		case "/api/v1/notifications":
			assert.Equal(t, "true", r.URL.Query().Get("include_archived"))
			_, _ = w.Write([]byte(`{"code":2000,"type":"success","message":"ok","result":[
				{"id":"n1","user_id":"u1","type":"fever_alert","priority":"high","title":"t","message":"m",
				 "channels":["push"],"delivery":{"push":{"status":"sent","attempts":1}},
				 "updated_at":"2025-03-01T12:00:00Z","created_at":"2025-03-01T12:00:00Z"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	store := reducer.NewStore(nil)
	// a newer streamed status must survive the older snapshot
	store.Apply(reducer.FromEvent(models.DeviceStatusUpdate{
		DeviceID: "D1", Status: models.DeviceOnline, UpdatedAt: time.Date(2025, 3, 1, 12, 5, 0, 0, time.UTC),
	}))

	p := NewPoller(srv.URL, "tok", time.Minute, store, zap.NewNop())
	require.NoError(t, p.Poll(context.Background()))

	state := store.State()
	d := state.Devices["D1"]
	assert.Equal(t, models.DeviceOnline, d.Status)
	require.NotNil(t, d.BatteryLevel)
	assert.Equal(t, 50, *d.BatteryLevel)
	assert.Equal(t, models.DeliverySent, state.Notifications["n1"].Delivery[models.ChannelPush].Status)
}

func TestPoller_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":-1,"type":"error","message":"Invalid token","result":null}`))
	}))
	defer srv.Close()

	p := NewPoller(srv.URL, "bad", time.Minute, reducer.NewStore(nil), zap.NewNop())
	err := p.Poll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid token")
}
