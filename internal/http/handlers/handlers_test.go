// README: Handler tests for authorization, error mapping and dispatch submission.
package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"ridecore/internal/config"
	"ridecore/internal/events"
	httpapi "ridecore/internal/http"
	"ridecore/internal/infra"
	"ridecore/internal/modules/driver"
	"ridecore/internal/modules/matching"
	"ridecore/internal/modules/pricing"
	"ridecore/internal/modules/ride"
	"ridecore/internal/modules/tracking"
	"ridecore/internal/types"
)

// stubTokenVerifier maps bearer tokens to callers; unknown tokens are rejected.
type stubTokenVerifier struct {
	tokens map[string]*infra.FirebaseToken
}

func (s *stubTokenVerifier) VerifyIDToken(_ context.Context, raw string) (*infra.FirebaseToken, error) {
	if t, ok := s.tokens[raw]; ok {
		return t, nil
	}
	return nil, errors.New("no token")
}

type fakeBus struct {
	mu        sync.Mutex
	err       error
	requests  []types.ID
	positions []tracking.Position
}

func (b *fakeBus) SubmitRideRequest(id types.ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.requests = append(b.requests, id)
	return nil
}

func (b *fakeBus) SubmitPosition(p tracking.Position) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions = append(b.positions, p)
	return nil
}

type fakeRegistry struct {
	profiles  map[types.ID]driver.Profile
	available map[types.ID]bool
}

func (r *fakeRegistry) Upsert(_ context.Context, p driver.Profile) error {
	r.profiles[p.ID] = p
	return nil
}

func (r *fakeRegistry) SetAvailability(_ context.Context, id types.ID, available bool) error {
	if _, ok := r.profiles[id]; !ok {
		return driver.ErrNotFound
	}
	r.available[id] = available
	return nil
}

type fakeResponder struct {
	err  error
	last matching.DriverResponse
}

func (f *fakeResponder) Respond(_ context.Context, resp matching.DriverResponse) (matching.Offer, error) {
	f.last = resp
	return matching.Offer{}, f.err
}

type testAPI struct {
	router    *gin.Engine
	rides     *ride.Service
	bus       *fakeBus
	registry  *fakeRegistry
	responder *fakeResponder
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	api := &testAPI{
		rides:     ride.NewService(ride.NewMemStore(), ride.Deps{Logger: log}),
		bus:       &fakeBus{},
		registry:  &fakeRegistry{profiles: map[types.ID]driver.Profile{}, available: map[types.ID]bool{}},
		responder: &fakeResponder{},
	}
	prices := pricing.NewService(config.PricingConfig{
		Currency:         "ZAR",
		Rates:            map[types.VehicleClass]config.Rate{types.ClassStandard: {BaseFare: 10, PerKm: 7, MinCharge: 30, PickupPerKm: 2}},
		PickupCapKm:      5,
		MaxTrafficFactor: 2,
		MaxTripKm:        200,
		RouteRatioLimit:  3,
		RouteCeilingKm:   300,
		AvgSpeedKmh:      30,
	}, config.SurgeConfig{Min: 1, Max: 2}, pricing.Deps{Logger: log})

	verifier := &stubTokenVerifier{tokens: map[string]*infra.FirebaseToken{
		"rider1":  {UID: "rider1", Claims: map[string]interface{}{}},
		"rider2":  {UID: "rider2", Claims: map[string]interface{}{}},
		"driverA": {UID: "driverA", Claims: map[string]interface{}{"role": "driver"}},
		"driverB": {UID: "driverB", Claims: map[string]interface{}{"role": "driver"}},
		"ops":     {UID: "ops", Claims: map[string]interface{}{"role": "admin"}},
	}}
	api.router = httpapi.NewRouter(httpapi.RouterDeps{
		Rides:    api.rides,
		Drivers:  api.registry,
		Pricing:  prices,
		Matching: api.responder,
		Bus:      api.bus,
		Verifier: verifier,
		Logger:   log,
	})
	return api
}

func (a *testAPI) do(method, path string, body any, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

var rideBody = map[string]any{
	"pickup":        map[string]float64{"lat": -33.9249, "lng": 18.4241},
	"destination":   map[string]float64{"lat": -33.9608, "lng": 18.4750},
	"vehicle_class": "standard",
}

// createRide returns the id of a new pending ride for rider1.
func (a *testAPI) createRide(t *testing.T) types.ID {
	t.Helper()
	w := a.do(http.MethodPost, "/api/rides", rideBody, "rider1")
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d %s", w.Code, w.Body.String())
	}
	return types.ID(decode(t, w)["ride_id"].(string))
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)
	if w := api.do(http.MethodGet, "/health", nil, ""); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestCreate_Unauthenticated(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(http.MethodPost, "/api/rides", rideBody, "badtoken")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestCreate_WrongRiderID(t *testing.T) {
	api := newTestAPI(t)
	body := map[string]any{"rider_id": "rider2"}
	for k, v := range rideBody {
		body[k] = v
	}
	w := api.do(http.MethodPost, "/api/rides", body, "rider1")
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestCreate_Validation(t *testing.T) {
	api := newTestAPI(t)
	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing pickup", map[string]any{"destination": rideBody["destination"], "vehicle_class": "standard"}},
		{"missing destination", map[string]any{"pickup": rideBody["pickup"], "vehicle_class": "standard"}},
		{"unknown class", map[string]any{"pickup": rideBody["pickup"], "destination": rideBody["destination"], "vehicle_class": "hovercraft"}},
		{"out of range", map[string]any{"pickup": map[string]float64{"lat": 91, "lng": 0}, "destination": rideBody["destination"], "vehicle_class": "standard"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := api.do(http.MethodPost, "/api/rides", tt.body, "rider1"); w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
		})
	}
}

func TestCreate_SubmitsPendingRide(t *testing.T) {
	api := newTestAPI(t)
	id := api.createRide(t)
	if len(api.bus.requests) != 1 || api.bus.requests[0] != id {
		t.Fatalf("expected ride %s submitted, got %v", id, api.bus.requests)
	}

	w := api.do(http.MethodPost, "/api/rides", rideBody, "rider1")
	if w.Code != http.StatusConflict {
		t.Errorf("second active ride: expected 409, got %d", w.Code)
	}
}

func TestCreate_QueueFullCancelsRide(t *testing.T) {
	api := newTestAPI(t)
	api.bus.err = events.ErrQueueFull
	if w := api.do(http.MethodPost, "/api/rides", rideBody, "rider1"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	api.bus.err = nil
	// The unqueued ride was cancelled, so the rider is free to retry.
	api.createRide(t)
}

func TestCardRideWaitsForPayment(t *testing.T) {
	api := newTestAPI(t)
	body := map[string]any{"payment_method": "card"}
	for k, v := range rideBody {
		body[k] = v
	}
	w := api.do(http.MethodPost, "/api/rides", body, "rider1")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	out := decode(t, w)
	if out["status"] != string(ride.StatusPaymentPending) {
		t.Fatalf("expected payment_pending, got %v", out["status"])
	}
	if len(api.bus.requests) != 0 {
		t.Fatalf("card ride dispatched before payment")
	}
	path := "/api/rides/" + out["ride_id"].(string) + "/payment/confirm"

	if w := api.do(http.MethodPost, path, nil, "rider2"); w.Code != http.StatusForbidden {
		t.Errorf("other rider: expected 403, got %d", w.Code)
	}
	if w := api.do(http.MethodPost, path, nil, "rider1"); w.Code != http.StatusOK {
		t.Fatalf("confirm: expected 200, got %d", w.Code)
	}
	if len(api.bus.requests) != 1 {
		t.Errorf("expected dispatch after payment, got %v", api.bus.requests)
	}
	if w := api.do(http.MethodPost, path, nil, "rider1"); w.Code != http.StatusConflict {
		t.Errorf("second confirm: expected 409, got %d", w.Code)
	}
}

func TestGet_Visibility(t *testing.T) {
	api := newTestAPI(t)
	id := api.createRide(t)
	path := "/api/rides/" + string(id)

	tests := []struct {
		token string
		want  int
	}{
		{"rider1", http.StatusOK},
		{"rider2", http.StatusForbidden},
		{"driverA", http.StatusForbidden},
		{"ops", http.StatusOK},
	}
	for _, tt := range tests {
		if w := api.do(http.MethodGet, path, nil, tt.token); w.Code != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.token, tt.want, w.Code)
		}
	}
	if w := api.do(http.MethodGet, "/api/rides/missing", nil, "rider1"); w.Code != http.StatusNotFound {
		t.Errorf("missing ride: expected 404, got %d", w.Code)
	}

	if err := api.rides.Accept(context.Background(), ride.AcceptCommand{RideID: id, DriverID: "driverA"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if w := api.do(http.MethodGet, path, nil, "driverA"); w.Code != http.StatusOK {
		t.Errorf("assigned driver: expected 200, got %d", w.Code)
	}
}

func TestStart_RequiresDriverRole(t *testing.T) {
	api := newTestAPI(t)
	id := api.createRide(t)
	if w := api.do(http.MethodPost, "/api/rides/"+string(id)+"/start", nil, "rider1"); w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestTripSteps(t *testing.T) {
	api := newTestAPI(t)
	id := api.createRide(t)
	if err := api.rides.Accept(context.Background(), ride.AcceptCommand{RideID: id, DriverID: "driverA"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	base := "/api/rides/" + string(id)

	if w := api.do(http.MethodPost, base+"/start", nil, "driverB"); w.Code != http.StatusForbidden {
		t.Errorf("other driver start: expected 403, got %d", w.Code)
	}
	if w := api.do(http.MethodPost, base+"/complete", nil, "driverA"); w.Code != http.StatusConflict {
		t.Errorf("complete before start: expected 409, got %d", w.Code)
	}
	if w := api.do(http.MethodPost, base+"/start", nil, "driverA"); w.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d", w.Code)
	}
	w := api.do(http.MethodPost, base+"/complete", nil, "driverA")
	if w.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d", w.Code)
	}
	if decode(t, w)["fare"] == nil {
		t.Errorf("expected fare in completion response")
	}

	w = api.do(http.MethodPost, base+"/cancel", map[string]string{"reason": "changed_mind"}, "rider1")
	if w.Code != http.StatusConflict {
		t.Fatalf("cancel completed ride: expected 409, got %d", w.Code)
	}
	if got := decode(t, w)["error"]; got != "this ride is no longer available" {
		t.Errorf("unexpected error message %v", got)
	}
}

func TestCancel_Actors(t *testing.T) {
	api := newTestAPI(t)
	id := api.createRide(t)
	path := "/api/rides/" + string(id) + "/cancel"

	if w := api.do(http.MethodPost, path, nil, "rider2"); w.Code != http.StatusForbidden {
		t.Errorf("other rider: expected 403, got %d", w.Code)
	}
	if w := api.do(http.MethodPost, path, nil, "driverA"); w.Code != http.StatusForbidden {
		t.Errorf("unassigned driver: expected 403, got %d", w.Code)
	}
	if w := api.do(http.MethodPost, path, nil, "rider1"); w.Code != http.StatusOK {
		t.Fatalf("rider cancel: expected 200, got %d", w.Code)
	}
	r, err := api.rides.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r.Cancellation == nil || r.Cancellation.Reason != "rider_cancel" {
		t.Errorf("expected default rider reason, got %+v", r.Cancellation)
	}
}

func TestDriverUpsert(t *testing.T) {
	api := newTestAPI(t)
	body := map[string]any{"vehicle_class": "comfort", "device_token": "tok", "rate_override": map[string]float64{"per_km": 8}}

	if w := api.do(http.MethodPut, "/api/drivers/driverB", body, "driverA"); w.Code != http.StatusForbidden {
		t.Errorf("other driver: expected 403, got %d", w.Code)
	}
	if w := api.do(http.MethodPut, "/api/drivers/rider1", body, "rider1"); w.Code != http.StatusForbidden {
		t.Errorf("no driver role: expected 403, got %d", w.Code)
	}
	if w := api.do(http.MethodPut, "/api/drivers/driverA", map[string]any{"vehicle_class": "boat"}, "driverA"); w.Code != http.StatusBadRequest {
		t.Errorf("bad class: expected 400, got %d", w.Code)
	}
	if w := api.do(http.MethodPut, "/api/drivers/driverA", body, "driverA"); w.Code != http.StatusOK {
		t.Fatalf("upsert: expected 200, got %d", w.Code)
	}
	p := api.registry.profiles["driverA"]
	if p.VehicleClass != types.ClassComfort || p.DeviceToken != "tok" || p.RateOverride == nil || p.RateOverride.PerKm != 8 {
		t.Errorf("unexpected profile %+v", p)
	}
}

func TestDriverAvailability(t *testing.T) {
	api := newTestAPI(t)
	path := "/api/drivers/driverA/availability"
	if w := api.do(http.MethodPost, path, map[string]any{"available": true}, "driverA"); w.Code != http.StatusNotFound {
		t.Errorf("unregistered: expected 404, got %d", w.Code)
	}
	api.registry.profiles["driverA"] = driver.Profile{ID: "driverA"}
	if w := api.do(http.MethodPost, path, map[string]any{}, "driverA"); w.Code != http.StatusBadRequest {
		t.Errorf("missing flag: expected 400, got %d", w.Code)
	}
	if w := api.do(http.MethodPost, path, map[string]any{"available": true}, "driverA"); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !api.registry.available["driverA"] {
		t.Errorf("driver not marked available")
	}
}

func TestDriverLocation(t *testing.T) {
	api := newTestAPI(t)
	path := "/api/drivers/driverA/location"
	if w := api.do(http.MethodPost, path, map[string]float64{"lat": 120, "lng": 0}, "driverA"); w.Code != http.StatusBadRequest {
		t.Errorf("invalid point: expected 400, got %d", w.Code)
	}
	if w := api.do(http.MethodPost, path, map[string]float64{"lat": 0}, "driverA"); w.Code != http.StatusBadRequest {
		t.Errorf("missing lng: expected 400, got %d", w.Code)
	}
	if w := api.do(http.MethodPost, path, map[string]float64{"lat": -33.92, "lng": 18.42}, "driverA"); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if len(api.bus.positions) != 1 || api.bus.positions[0].DriverID != "driverA" {
		t.Errorf("position not submitted: %+v", api.bus.positions)
	}
}

func TestDriverRespond(t *testing.T) {
	api := newTestAPI(t)
	path := "/api/drivers/driverA/rides/ride9/respond"

	if w := api.do(http.MethodPost, path, map[string]string{"decision": "maybe"}, "driverA"); w.Code != http.StatusBadRequest {
		t.Errorf("bad decision: expected 400, got %d", w.Code)
	}
	if w := api.do(http.MethodPost, path, map[string]string{"decision": "accept"}, "driverA"); w.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d", w.Code)
	}
	if api.responder.last.RideID != "ride9" || api.responder.last.Decision != matching.DecisionAccept {
		t.Errorf("unexpected response %+v", api.responder.last)
	}

	api.responder.err = matching.ErrNoLongerAvailable
	w := api.do(http.MethodPost, path, map[string]string{"decision": "accept"}, "driverA")
	if w.Code != http.StatusConflict {
		t.Fatalf("lost offer: expected 409, got %d", w.Code)
	}
	if got := decode(t, w)["error"]; got != "this ride is no longer available" {
		t.Errorf("unexpected error message %v", got)
	}
}

func TestQuote(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(http.MethodPost, "/api/quotes", rideBody, "rider1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", w.Code, w.Body.String())
	}
	out := decode(t, w)
	price := out["price"].(map[string]any)
	if price["amount"].(float64) < 30 || price["currency"] != "ZAR" {
		t.Errorf("unexpected price %v", price)
	}
	if out["surge"].(float64) != 1 {
		t.Errorf("expected base surge without counters, got %v", out["surge"])
	}

	body := map[string]any{"pickup": rideBody["pickup"], "destination": rideBody["destination"], "vehicle_class": "van"}
	if w := api.do(http.MethodPost, "/api/quotes", body, "rider1"); w.Code != http.StatusBadRequest {
		t.Errorf("unconfigured class: expected 400, got %d", w.Code)
	}
}
