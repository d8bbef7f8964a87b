package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/softdial/softdial/internal/api/middleware"
	"github.com/softdial/softdial/internal/callflow"
	"github.com/softdial/softdial/internal/database"
	"github.com/softdial/softdial/internal/database/models"
)

var testSecret = []byte("test-secret-key-for-api-tests")

type fakeController struct {
	placed     []string
	placeErr   error
	hangups    int
	hangErr    error
	dtmf       []rune
	dtmfErr    error
	reconnects int
	snap       callflow.Snapshot
}

func (f *fakeController) PlaceCall(ctx context.Context, number string) error {
	if f.placeErr != nil {
		return f.placeErr
	}
	f.placed = append(f.placed, number)
	return nil
}

func (f *fakeController) HangUp() error {
	if f.hangErr != nil {
		return f.hangErr
	}
	f.hangups++
	return nil
}

func (f *fakeController) SendDTMF(digit rune) error {
	if f.dtmfErr != nil {
		return f.dtmfErr
	}
	f.dtmf = append(f.dtmf, digit)
	return nil
}

func (f *fakeController) TriggerManualReconnect() { f.reconnects++ }

func (f *fakeController) Snapshot() callflow.Snapshot { return f.snap }

type fakeDevice struct {
	granted   bool
	errorKind string
	reports   int
}

func (f *fakeDevice) Report(granted bool, errorKind string) {
	f.granted = granted
	f.errorKind = errorKind
	f.reports++
}

type fakeRecordRepo struct {
	records    []models.CallRecord
	lastFilter database.CallRecordFilter
}

func (f *fakeRecordRepo) Create(ctx context.Context, rec *models.CallRecord) error { return nil }

func (f *fakeRecordRepo) GetBySessionID(ctx context.Context, sessionID string) (*models.CallRecord, error) {
	for i := range f.records {
		if f.records[i].SessionID == sessionID {
			return &f.records[i], nil
		}
	}
	return nil, errors.New("not found")
}

func (f *fakeRecordRepo) List(ctx context.Context, filter database.CallRecordFilter) ([]models.CallRecord, int, error) {
	f.lastFilter = filter
	return f.records, len(f.records), nil
}

func (f *fakeRecordRepo) ListRecent(ctx context.Context, limit int) ([]models.CallRecord, error) {
	return f.records, nil
}

func (f *fakeRecordRepo) CountByOutcome(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64)
	for _, r := range f.records {
		counts[r.Outcome]++
	}
	return counts, nil
}

func (f *fakeRecordRepo) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	return 0, nil
}

type fakeRateRepo struct {
	rates  map[int64]*models.Rate
	nextID int64
}

func newFakeRateRepo() *fakeRateRepo {
	return &fakeRateRepo{rates: make(map[int64]*models.Rate), nextID: 1}
}

func (f *fakeRateRepo) Create(ctx context.Context, rate *models.Rate) error {
	rate.ID = f.nextID
	f.nextID++
	f.rates[rate.ID] = rate
	return nil
}

func (f *fakeRateRepo) GetByID(ctx context.Context, id int64) (*models.Rate, error) {
	r, ok := f.rates[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return r, nil
}

func (f *fakeRateRepo) List(ctx context.Context) ([]models.Rate, error) {
	out := make([]models.Rate, 0, len(f.rates))
	for _, r := range f.rates {
		out = append(out, *r)
	}
	return out, nil
}

func (f *fakeRateRepo) Update(ctx context.Context, rate *models.Rate) error {
	if _, ok := f.rates[rate.ID]; !ok {
		return errors.New("not found")
	}
	f.rates[rate.ID] = rate
	return nil
}

func (f *fakeRateRepo) Delete(ctx context.Context, id int64) error {
	if _, ok := f.rates[id]; !ok {
		return errors.New("not found")
	}
	delete(f.rates, id)
	return nil
}

func (f *fakeRateRepo) MatchPrefix(ctx context.Context, number string) (*models.Rate, error) {
	var best *models.Rate
	for _, r := range f.rates {
		if len(number) > 0 && number[0] == '+' {
			number = number[1:]
		}
		if len(r.Prefix) <= len(number) && number[:len(r.Prefix)] == r.Prefix {
			if best == nil || len(r.Prefix) > len(best.Prefix) {
				best = r
			}
		}
	}
	return best, nil
}

type fakeUserRepo struct {
	users map[string]*models.AdminUser
}

func (f *fakeUserRepo) Create(ctx context.Context, user *models.AdminUser) error { return nil }
func (f *fakeUserRepo) GetByID(ctx context.Context, id int64) (*models.AdminUser, error) {
	for _, u := range f.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, errors.New("not found")
}
func (f *fakeUserRepo) GetByUsername(ctx context.Context, username string) (*models.AdminUser, error) {
	u, ok := f.users[username]
	if !ok {
		return nil, errors.New("not found")
	}
	return u, nil
}
func (f *fakeUserRepo) Update(ctx context.Context, user *models.AdminUser) error { return nil }
func (f *fakeUserRepo) Delete(ctx context.Context, id int64) error               { return nil }
func (f *fakeUserRepo) Count(ctx context.Context) (int64, error)                 { return int64(len(f.users)), nil }

type fakeConfigRepo struct {
	values map[string]string
}

func (f *fakeConfigRepo) Get(ctx context.Context, key string) (string, error) {
	v, ok := f.values[key]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func (f *fakeConfigRepo) Set(ctx context.Context, key, value string) error {
	f.values[key] = value
	return nil
}

func (f *fakeConfigRepo) GetAll(ctx context.Context) ([]models.SystemConfig, error) {
	out := make([]models.SystemConfig, 0, len(f.values))
	for k, v := range f.values {
		out = append(out, models.SystemConfig{Key: k, Value: v})
	}
	return out, nil
}

type serverFixture struct {
	server     *Server
	controller *fakeController
	device     *fakeDevice
	records    *fakeRecordRepo
	rates      *fakeRateRepo
	users      *fakeUserRepo
	sysConfig  *fakeConfigRepo
	token      string
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	hash, err := database.HashPassword("correct-horse")
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}

	f := &serverFixture{
		controller: &fakeController{snap: callflow.Snapshot{State: callflow.StateIdle, ProviderConnected: true}},
		device:     &fakeDevice{},
		records:    &fakeRecordRepo{},
		rates:      newFakeRateRepo(),
		users:      &fakeUserRepo{users: map[string]*models.AdminUser{"alice": {ID: 7, Username: "alice", PasswordHash: hash}}},
		sysConfig:  &fakeConfigRepo{values: map[string]string{"caller_id": "+15550100000"}},
	}

	f.server = NewServer(Config{
		Controller: f.controller,
		Device:     f.device,
		Records:    f.records,
		Rates:      f.rates,
		Users:      f.users,
		SysConfig:  f.sysConfig,
		JWTSecret:  testSecret,
		Logger:     slog.New(slog.DiscardHandler),
	})
	t.Cleanup(f.server.Stop)

	token, _, err := middleware.GenerateToken(testSecret, 7, "alice")
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}
	f.token = token

	return f
}

// do runs an authenticated request against the server and returns the recorder.
func (f *serverFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+f.token)
	req.RemoteAddr = "203.0.113.10:44000"
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var env struct {
		Data  T      `json:"data"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return env.Data
}

func TestLogin(t *testing.T) {
	f := newServerFixture(t)

	t.Run("valid credentials", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
			bytes.NewBufferString(`{"username":"alice","password":"correct-horse"}`))
		req.RemoteAddr = "203.0.113.20:44000"
		rec := httptest.NewRecorder()
		f.server.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		resp := decodeData[loginResponse](t, rec)
		if resp.Token == "" {
			t.Error("expected a token in the response")
		}
		if resp.Username != "alice" {
			t.Errorf("expected username alice, got %q", resp.Username)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
			bytes.NewBufferString(`{"username":"alice","password":"wrong"}`))
		req.RemoteAddr = "203.0.113.21:44000"
		rec := httptest.NewRecorder()
		f.server.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
			bytes.NewBufferString(`{"username":"mallory","password":"whatever"}`))
		req.RemoteAddr = "203.0.113.22:44000"
		rec := httptest.NewRecorder()
		f.server.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})
}

func TestAuthRequired(t *testing.T) {
	f := newServerFixture(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/v1/call"},
		{http.MethodGet, "/api/v1/call/state"},
		{http.MethodGet, "/api/v1/calls"},
		{http.MethodGet, "/api/v1/rates"},
		{http.MethodGet, "/api/v1/settings"},
	}

	for _, p := range paths {
		req := httptest.NewRequest(p.method, p.path, nil)
		req.RemoteAddr = "203.0.113.30:44000"
		rec := httptest.NewRecorder()
		f.server.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401 without token, got %d", p.method, p.path, rec.Code)
		}
	}
}

func TestPlaceCall(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		f := newServerFixture(t)
		rec := f.do(t, http.MethodPost, "/api/v1/call", placeCallRequest{Number: "+15550102030"})

		if rec.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
		}
		if len(f.controller.placed) != 1 || f.controller.placed[0] != "+15550102030" {
			t.Errorf("expected call placed to +15550102030, got %v", f.controller.placed)
		}
	})

	t.Run("missing number", func(t *testing.T) {
		f := newServerFixture(t)
		rec := f.do(t, http.MethodPost, "/api/v1/call", placeCallRequest{})

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("call in progress", func(t *testing.T) {
		f := newServerFixture(t)
		f.controller.placeErr = callflow.ErrCallInProgress
		rec := f.do(t, http.MethodPost, "/api/v1/call", placeCallRequest{Number: "+15550102030"})

		if rec.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", rec.Code)
		}
	})

	t.Run("engine error mapping", func(t *testing.T) {
		cases := []struct {
			category callflow.ErrorCategory
			want     int
		}{
			{callflow.ErrorInvalidNumber, http.StatusBadRequest},
			{callflow.ErrorMicrophoneUnavailable, http.StatusConflict},
			{callflow.ErrorNetworkFailure, http.StatusServiceUnavailable},
			{callflow.ErrorProviderInternal, http.StatusBadGateway},
		}
		for _, tc := range cases {
			f := newServerFixture(t)
			f.controller.placeErr = callflow.NewCallError(tc.category, "boom")
			rec := f.do(t, http.MethodPost, "/api/v1/call", placeCallRequest{Number: "+15550102030"})
			if rec.Code != tc.want {
				t.Errorf("%s: expected %d, got %d", tc.category, tc.want, rec.Code)
			}
		}
	})
}

func TestHangUpAndDTMF(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/call/hangup", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("hangup: expected 200, got %d", rec.Code)
	}
	if f.controller.hangups != 1 {
		t.Errorf("expected 1 hangup, got %d", f.controller.hangups)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/call/dtmf", dtmfRequest{Digit: "5"})
	if rec.Code != http.StatusOK {
		t.Fatalf("dtmf: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(f.controller.dtmf) != 1 || f.controller.dtmf[0] != '5' {
		t.Errorf("expected dtmf digit 5, got %v", f.controller.dtmf)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/call/dtmf", dtmfRequest{Digit: "55"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("multi-char dtmf: expected 400, got %d", rec.Code)
	}

	f.controller.dtmfErr = callflow.ErrNoActiveCall
	rec = f.do(t, http.MethodPost, "/api/v1/call/dtmf", dtmfRequest{Digit: "1"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("dtmf without call: expected 409, got %d", rec.Code)
	}
}

func TestCallStateAndReconnect(t *testing.T) {
	f := newServerFixture(t)
	f.controller.snap = callflow.Snapshot{
		State:             callflow.StateRinging,
		SessionID:         "sess-9",
		Number:            "+15550102030",
		ProviderConnected: true,
	}

	rec := f.do(t, http.MethodGet, "/api/v1/call/state", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	snap := decodeData[callflow.Snapshot](t, rec)
	if snap.State != callflow.StateRinging || snap.SessionID != "sess-9" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/reconnect", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("reconnect: expected 202, got %d", rec.Code)
	}
	if f.controller.reconnects != 1 {
		t.Errorf("expected 1 reconnect trigger, got %d", f.controller.reconnects)
	}
}

func TestMicrophoneReport(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/device/microphone",
		microphoneReport{Granted: false, ErrorKind: "permission_denied"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if f.device.reports != 1 || f.device.granted || f.device.errorKind != "permission_denied" {
		t.Errorf("unexpected device state: %+v", f.device)
	}
}

func TestListCallsScopedToUser(t *testing.T) {
	f := newServerFixture(t)
	f.records.records = []models.CallRecord{
		{SessionID: "sess-1", Number: "+15550102030", Outcome: "completed"},
	}

	rec := f.do(t, http.MethodGet, "/api/v1/calls?outcome=completed&limit=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	if f.records.lastFilter.UserID != 7 {
		t.Errorf("expected filter scoped to user 7, got %d", f.records.lastFilter.UserID)
	}
	if f.records.lastFilter.Outcome != "completed" {
		t.Errorf("expected outcome filter, got %q", f.records.lastFilter.Outcome)
	}
	if f.records.lastFilter.Limit != 10 {
		t.Errorf("expected limit 10, got %d", f.records.lastFilter.Limit)
	}
}

func TestGetCallAndStats(t *testing.T) {
	f := newServerFixture(t)
	f.records.records = []models.CallRecord{
		{SessionID: "sess-1", Outcome: "completed"},
		{SessionID: "sess-2", Outcome: "failed", FailureReason: "no answer"},
	}

	rec := f.do(t, http.MethodGet, "/api/v1/calls/sess-2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	got := decodeData[models.CallRecord](t, rec)
	if got.FailureReason != "no answer" {
		t.Errorf("expected failure reason, got %+v", got)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/calls/sess-missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/calls/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d", rec.Code)
	}
	stats := decodeData[map[string]any](t, rec)
	if stats["total"] != float64(2) {
		t.Errorf("expected total 2, got %v", stats["total"])
	}
}

func TestRateCRUD(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/rates",
		rateRequest{Prefix: "1555", Country: "US", PerMinute: 0.012, Currency: "USD"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeData[models.Rate](t, rec)
	if created.ID == 0 {
		t.Fatal("expected assigned rate id")
	}

	rec = f.do(t, http.MethodPost, "/api/v1/rates", rateRequest{Prefix: "+49"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("non-digit prefix: expected 400, got %d", rec.Code)
	}

	path := fmt.Sprintf("/api/v1/rates/%d", created.ID)
	rec = f.do(t, http.MethodPut, path,
		rateRequest{Prefix: "1555", Country: "US", PerMinute: 0.02, Currency: "USD"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/rates/match?number=%2B15550102030", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("match: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	matched := decodeData[models.Rate](t, rec)
	if matched.PerMinute != 0.02 {
		t.Errorf("expected updated per-minute 0.02, got %v", matched.PerMinute)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/rates/match?number=%2B4415550000", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("no match: expected 404, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodDelete, path, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, path, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted: expected 404, got %d", rec.Code)
	}
}

func TestSettings(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/settings", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	settings := decodeData[map[string]string](t, rec)
	if settings["caller_id"] != "+15550100000" {
		t.Errorf("expected seeded caller_id, got %v", settings)
	}

	rec = f.do(t, http.MethodPut, "/api/v1/settings", map[string]string{"caller_id": "+15550111111"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if f.sysConfig.values["caller_id"] != "+15550111111" {
		t.Errorf("expected caller_id updated, got %q", f.sysConfig.values["caller_id"])
	}

	rec = f.do(t, http.MethodPut, "/api/v1/settings", map[string]string{"no_such_key": "x"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown key: expected 400, got %d", rec.Code)
	}
}

func TestMe(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/auth/me", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	user := decodeData[models.AdminUser](t, rec)
	if user.Username != "alice" || user.ID != 7 {
		t.Errorf("unexpected account: %+v", user)
	}
}

func TestHealthUnauthenticated(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.RemoteAddr = "203.0.113.40:44000"
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	data := decodeData[map[string]any](t, rec)
	if data["status"] != "ok" {
		t.Errorf("expected status ok, got %v", data["status"])
	}
	if data["provider_connected"] != true {
		t.Errorf("expected provider_connected true, got %v", data["provider_connected"])
	}
}
