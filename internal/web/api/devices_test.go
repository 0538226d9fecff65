package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homehub/internal/command"
	"homehub/internal/dispatch"
	"homehub/internal/guard"
	"homehub/internal/models"
	"homehub/internal/projector"
	"homehub/internal/web/middleware"
)

type fakeValidator struct{}

func (fakeValidator) ValidateToken(token string) (int, error) {
	if token != "good" {
		return 0, errors.New("invalid token")
	}
	return 1, nil
}

type fakeDeviceStore struct {
	devices []models.Device
}

func (f *fakeDeviceStore) GetAllDevices(context.Context) ([]models.Device, error) {
	return f.devices, nil
}

func (f *fakeDeviceStore) GetDeviceByDeviceID(_ context.Context, deviceID string) (*models.Device, error) {
	for _, dev := range f.devices {
		if dev.DeviceID == deviceID {
			d := dev
			return &d, nil
		}
	}
	return nil, errors.New("not found")
}

func (f *fakeDeviceStore) InsertDevice(_ context.Context, dev *models.Device) (int, error) {
	f.devices = append(f.devices, *dev)
	return len(f.devices), nil
}

func (f *fakeDeviceStore) UpdateDevice(context.Context, *models.Device) error { return nil }
func (f *fakeDeviceStore) DeleteDevice(context.Context, int) error            { return nil }

type fakeProjector struct {
	snapshots map[string]projector.RuntimeState
	pending   []command.DiscoveryAnnouncement
	acceptErr error
}

func (f *fakeProjector) Snapshot(deviceID string) (projector.RuntimeState, bool) {
	s, ok := f.snapshots[deviceID]
	return s, ok
}

func (f *fakeProjector) Pending() []command.DiscoveryAnnouncement { return f.pending }

func (f *fakeProjector) AcceptPending(_ context.Context, deviceID, name, location string) (*models.Device, error) {
	if f.acceptErr != nil {
		return nil, f.acceptErr
	}
	return &models.Device{DeviceID: deviceID, Name: name, Location: location}, nil
}

func (f *fakeProjector) Register(models.Device) {}
func (f *fakeProjector) Forget(string)          {}

type switchCall struct {
	deviceID string
	relay    int
	state    bool
}

type fakeSwitcher struct {
	calls []switchCall
	err   error
}

func (f *fakeSwitcher) SwitchRelay(_ context.Context, deviceID string, relay int, on bool) error {
	f.calls = append(f.calls, switchCall{deviceID, relay, on})
	return f.err
}

func (f *fakeSwitcher) SwitchAll(_ context.Context, deviceID string, on bool) error {
	f.calls = append(f.calls, switchCall{deviceID, -1, on})
	return f.err
}

func newDeviceRouter(store *fakeDeviceStore, proj *fakeProjector, switcher *fakeSwitcher) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterDeviceRoutes(router, middleware.NewManager(fakeValidator{}), store, proj, switcher)
	return router
}

func doJSON(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer good")
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestDeviceRoutesRequireAuth(t *testing.T) {
	router := newDeviceRouter(&fakeDeviceStore{}, &fakeProjector{}, &fakeSwitcher{})

	req := httptest.NewRequest(http.MethodGet, "/devices", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListDevicesMergesRuntimeState(t *testing.T) {
	store := &fakeDeviceStore{devices: []models.Device{
		{DeviceID: "ESP_ab12cd", Name: "Kitchen", RelayCount: 2},
	}}
	proj := &fakeProjector{snapshots: map[string]projector.RuntimeState{
		"ESP_ab12cd": {DeviceID: "ESP_ab12cd", Online: true, Relays: []bool{true, false}},
	}}
	router := newDeviceRouter(store, proj, &fakeSwitcher{})

	w := doJSON(router, http.MethodGet, "/devices", "")

	require.Equal(t, http.StatusOK, w.Code)
	var views []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, true, views[0]["online"])
	assert.Equal(t, []any{true, false}, views[0]["relays"])
}

func TestSwitchRelay(t *testing.T) {
	switcher := &fakeSwitcher{}
	router := newDeviceRouter(&fakeDeviceStore{}, &fakeProjector{}, switcher)

	w := doJSON(router, http.MethodPost, "/devices/ESP_ab12cd/relays/2", `{"state":true}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []switchCall{{"ESP_ab12cd", 2, true}}, switcher.calls)
}

func TestSwitchRelayBadIndex(t *testing.T) {
	switcher := &fakeSwitcher{}
	router := newDeviceRouter(&fakeDeviceStore{}, &fakeProjector{}, switcher)

	w := doJSON(router, http.MethodPost, "/devices/ESP_ab12cd/relays/two", `{"state":true}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, switcher.calls)
}

func TestSwitchErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{
			"unknown device",
			&guard.SendError{Kind: guard.Fatal, Err: dispatch.ErrUnknownDevice},
			http.StatusNotFound,
		},
		{
			"fatal command",
			&guard.SendError{Kind: guard.Fatal, Err: errors.New("relay out of range")},
			http.StatusBadRequest,
		},
		{
			"retries exhausted",
			&guard.SendError{Kind: guard.Retryable, Err: errors.New("ack timeout")},
			http.StatusBadGateway,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			router := newDeviceRouter(&fakeDeviceStore{}, &fakeProjector{}, &fakeSwitcher{err: tc.err})

			w := doJSON(router, http.MethodPost, "/devices/ESP_ab12cd/relays/0", `{"state":false}`)

			assert.Equal(t, tc.wantStatus, w.Code)
		})
	}
}

func TestAcceptPending(t *testing.T) {
	router := newDeviceRouter(&fakeDeviceStore{}, &fakeProjector{}, &fakeSwitcher{})

	w := doJSON(router, http.MethodPost, "/devices/pending/ESP_ab12cd/accept", `{"name":"Kitchen","location":"kitchen"}`)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), "ESP_ab12cd")
}

func TestAcceptPendingUnknownDevice(t *testing.T) {
	proj := &fakeProjector{acceptErr: projector.ErrNotPending}
	router := newDeviceRouter(&fakeDeviceStore{}, proj, &fakeSwitcher{})

	w := doJSON(router, http.MethodPost, "/devices/pending/ghost/accept", `{"name":"x"}`)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
