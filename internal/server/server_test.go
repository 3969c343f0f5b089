package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"stressline/internal/config"
	"stressline/internal/db"
	"stressline/internal/domain"
	"stressline/internal/engine"
	"stressline/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("me")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if err := e.Repo.UpsertProfileConfig(context.Background(), cfg.Profile.ID, cfg); err != nil {
		t.Fatalf("seed profile config: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func actorHeaders() map[string]string {
	return map[string]string{"X-Actor-Id": "tester"}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func TestEpisodeLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/episodes", map[string]any{
		"title":    "Intro section stuck",
		"strength": 7,
	}, actorHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create episode status %d: %s", res.StatusCode, string(data))
	}
	var ep domain.Episode
	if err := json.Unmarshal(data, &ep); err != nil {
		t.Fatalf("unmarshal episode: %v", err)
	}
	if ep.Status != domain.StatusActive {
		t.Fatalf("expected active episode, got %s", ep.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/episodes/"+ep.ID+"/strength", map[string]any{
		"value": 4,
	}, actorHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("record strength status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/episodes/"+ep.ID+"/resolve", map[string]any{
		"reason":         "finished the draft",
		"milestone_text": "Finished the intro",
	}, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve status %d: %s", res.StatusCode, string(data))
	}
	var resolved domain.Episode
	if err := json.Unmarshal(data, &resolved); err != nil {
		t.Fatalf("unmarshal resolved: %v", err)
	}
	if resolved.Status != domain.StatusResolved {
		t.Fatalf("expected resolved, got %s", resolved.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/milestones?kind="+domain.MilestoneInterventionDone, nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list milestones status %d: %s", res.StatusCode, string(data))
	}
	var milestones []domain.Milestone
	if err := json.Unmarshal(data, &milestones); err != nil {
		t.Fatalf("unmarshal milestones: %v", err)
	}
	if len(milestones) != 1 || milestones[0].Title != "Finished the intro" {
		t.Fatalf("expected one interventionDone milestone, got %+v", milestones)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/episodes/"+ep.ID, nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("detail status %d: %s", res.StatusCode, string(data))
	}
	var detail EpisodeDetailResponse
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("unmarshal detail: %v", err)
	}
	if detail.CurrentStrength != 4 {
		t.Fatalf("expected current strength 4, got %d", detail.CurrentStrength)
	}
	if len(detail.Timeline) == 0 {
		t.Fatalf("expected timeline nodes")
	}
}

func TestErrorEnvelopeStatuses(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/episodes/nope", nil, actorHeaders())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Error.Code != "not_found" {
		t.Fatalf("expected not_found code, got %s", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/episodes", map[string]any{
		"title": "   ",
	}, actorHeaders())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank title, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/episodes", map[string]any{
		"title":    "Review anxiety",
		"strength": 5,
	}, actorHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var ep domain.Episode
	_ = json.Unmarshal(data, &ep)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/episodes/"+ep.ID+"/snooze", map[string]any{
		"days": 2,
	}, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("snooze status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/episodes/"+ep.ID+"/resolve", map[string]any{}, actorHeaders())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 resolving snoozed episode, got %d: %s", res.StatusCode, string(data))
	}
	env = errorEnvelope{}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Error.Code != "conflict" {
		t.Fatalf("expected conflict code, got %s", env.Error.Code)
	}
}

func TestPlanConflictOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/episodes", map[string]any{
		"title":    "Deadline pressure",
		"strength": 6,
	}, actorHeaders())
	var ep domain.Episode
	_ = json.Unmarshal(data, &ep)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/episodes/"+ep.ID+"/plan", map[string]any{
		"text": "cannot finish the draft",
	}, actorHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start plan status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/episodes/"+ep.ID+"/plan", map[string]any{
		"text": "again",
	}, actorHeaders())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for second plan, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/episodes/"+ep.ID+"/plan/complete", map[string]any{
		"success": true,
	}, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete plan status %d: %s", res.StatusCode, string(data))
	}
	var done CompletePlanResponse
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal complete: %v", err)
	}
	if !done.Closed || done.Plan == nil || !done.Plan.Done {
		t.Fatalf("expected closed successful plan, got %+v", done)
	}
}

func TestSeedLogsAndDerived(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/logs/seed", nil, actorHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("seed status %d: %s", res.StatusCode, string(data))
	}
	var seeded AppendedResponse
	if err := json.Unmarshal(data, &seeded); err != nil {
		t.Fatalf("unmarshal seed: %v", err)
	}
	if seeded.Appended != 10 {
		t.Fatalf("expected 10 seeded events, got %d", seeded.Appended)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/signals", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("signals status %d: %s", res.StatusCode, string(data))
	}
	var signals []domain.Signal
	if err := json.Unmarshal(data, &signals); err != nil {
		t.Fatalf("unmarshal signals: %v", err)
	}
	if len(signals) != 2 {
		t.Fatalf("expected 2 signals, got %d", len(signals))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/progress", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("progress status %d: %s", res.StatusCode, string(data))
	}
	var progress domain.Progress
	if err := json.Unmarshal(data, &progress); err != nil {
		t.Fatalf("unmarshal progress: %v", err)
	}
	if progress.Focus25 != 2 {
		t.Fatalf("expected 2 focus blocks, got %d", progress.Focus25)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/summaries/rollup", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rollup status %d: %s", res.StatusCode, string(data))
	}
	var rollup RollupResponse
	if err := json.Unmarshal(data, &rollup); err != nil {
		t.Fatalf("unmarshal rollup: %v", err)
	}
	if len(rollup.Created) == 0 {
		t.Fatalf("expected persisted day summaries")
	}
}

func TestAPIKeyAuthForLogSource(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"actor_id": "extension",
		"name":     "browser extension",
	}, actorHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create apikey status %d: %s", res.StatusCode, string(data))
	}
	var created APIKeyCreatedResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal apikey: %v", err)
	}
	if created.Key == "" {
		t.Fatalf("expected plaintext key in create response")
	}

	keyHeaders := map[string]string{"X-Api-Key": created.Key}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/logs", map[string]any{
		"events": []map[string]any{
			{"kind": "active_block", "site": "overleaf", "duration_minutes": 30},
		},
	}, keyHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("append logs via api key status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, keyHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me Principal
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal principal: %v", err)
	}
	if me.ActorID != "extension" || me.Source != "api_key" {
		t.Fatalf("unexpected principal %+v", me)
	}
}

func TestJWTAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "me",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me Principal
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal principal: %v", err)
	}
	if me.ActorID != "me" || me.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", me)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d: %s", res.StatusCode, string(data))
	}
}

func TestHealthSkipsAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}
