package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"bidline/internal/config"
	"bidline/internal/db"
	"bidline/internal/domain"
	"bidline/internal/engine"
	"bidline/internal/evidence"
	"bidline/internal/migrate"
	"bidline/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Repo   repo.Repo
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, dialect, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn, Dialect: dialect}
	log := logrus.New()
	log.SetOutput(io.Discard)
	e := engine.New(r, config.Default(), log)
	handler, err := New(Config{
		Engine:   e,
		Repo:     r,
		Evidence: evidence.Local{Dir: t.TempDir()},
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true, Logger: log},
		Log:      log,
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
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		e.Close()
		conn.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String(), Repo: r, client: &http.Client{}}
}

func token(t *testing.T, actor string, roles ...string) map[string]string {
	t.Helper()
	tok, err := SignToken(testSecret, actor, roles, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + tok}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func expectStatus(t *testing.T, resp *http.Response, body []byte, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("expected %d, got %d: %s", want, resp.StatusCode, string(body))
	}
}

func errorCode(t *testing.T, body []byte) (string, map[string]any) {
	t.Helper()
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, string(body))
	}
	return env.Error.Code, env.Error.Details
}

func (s *testServer) createProject(t *testing.T, name string) domain.Project {
	t.Helper()
	resp, body := s.do(t, http.MethodPost, "/v0/projects", map[string]any{"name": name}, token(t, "boss", "admin"))
	expectStatus(t, resp, body, http.StatusCreated)
	var p domain.Project
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatalf("decode project: %v", err)
	}
	return p
}

var registrationBody = map[string]any{
	"contact_person": "李四",
	"contact_mobile": "13800000000",
	"computer":       "PC-01",
	"network":        "net-a",
	"images_path":    []string{"image/a.png"},
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t)
	resp, body := srv.do(t, http.MethodGet, "/v0/health", nil, nil)
	expectStatus(t, resp, body, http.StatusOK)
	resp, body = srv.do(t, http.MethodGet, "/v0/projects", nil, nil)
	expectStatus(t, resp, body, http.StatusUnauthorized)
}

func TestMeExpandsRoles(t *testing.T) {
	srv := newTestServer(t)
	resp, body := srv.do(t, http.MethodGet, "/v0/me", nil, token(t, "op-1", "operator"))
	expectStatus(t, resp, body, http.StatusOK)
	var me WhoAmIResponse
	if err := json.Unmarshal(body, &me); err != nil {
		t.Fatal(err)
	}
	if me.ActorID != "op-1" || me.Source != "jwt" || len(me.Permissions) == 0 {
		t.Fatalf("unexpected principal %+v", me)
	}
}

func TestTakeAndSubmitFlow(t *testing.T) {
	srv := newTestServer(t)
	p := srv.createProject(t, "Road works")
	op := token(t, "op-1", "operator")

	resp, body := srv.do(t, http.MethodPost, "/v0/projects/"+p.ID+"/take", nil, op)
	expectStatus(t, resp, body, http.StatusOK)
	resp, body = srv.do(t, http.MethodPost, "/v0/projects/"+p.ID+"/registration", registrationBody, op)
	expectStatus(t, resp, body, http.StatusOK)
	var got domain.Project
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusDeposit || got.RegistrationInfo == nil || got.RegistrationAt == nil {
		t.Fatalf("unexpected project %+v", got)
	}
	if got.AssignedOperator == nil || *got.AssignedOperator != "op-1" {
		t.Fatalf("expected op-1 assigned")
	}

	resp, body = srv.do(t, http.MethodGet, "/v0/events?project_id="+p.ID, nil, token(t, "aud", "auditor"))
	expectStatus(t, resp, body, http.StatusOK)
	var page paginatedEvents
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 3 {
		t.Fatalf("expected created, taken, submitted events, got %d", len(page.Items))
	}
}

func TestMissingFieldsAre400(t *testing.T) {
	srv := newTestServer(t)
	p := srv.createProject(t, "Bridge")
	op := token(t, "op-1", "operator")
	resp, body := srv.do(t, http.MethodPost, "/v0/projects/"+p.ID+"/take", nil, op)
	expectStatus(t, resp, body, http.StatusOK)

	resp, body = srv.do(t, http.MethodPost, "/v0/projects/"+p.ID+"/registration", map[string]any{"contact_person": "x"}, op)
	expectStatus(t, resp, body, http.StatusBadRequest)
	code, details := errorCode(t, body)
	if code != "validation_failed" {
		t.Fatalf("unexpected code %s", code)
	}
	if fields, ok := details["fields"].([]any); !ok || len(fields) == 0 {
		t.Fatalf("expected field list, got %v", details)
	}
}

func TestOtherOperatorForbidden(t *testing.T) {
	srv := newTestServer(t)
	p := srv.createProject(t, "Tunnel")
	resp, body := srv.do(t, http.MethodPost, "/v0/projects/"+p.ID+"/take", nil, token(t, "op-1", "operator"))
	expectStatus(t, resp, body, http.StatusOK)

	resp, body = srv.do(t, http.MethodPost, "/v0/projects/"+p.ID+"/registration", registrationBody, token(t, "op-2", "operator"))
	expectStatus(t, resp, body, http.StatusForbidden)
}

func TestMissingPermissionForbidden(t *testing.T) {
	srv := newTestServer(t)
	resp, body := srv.do(t, http.MethodPost, "/v0/projects", map[string]any{"name": "X"}, token(t, "op-1", "operator"))
	expectStatus(t, resp, body, http.StatusForbidden)
	if code, _ := errorCode(t, body); code != "forbidden" {
		t.Fatalf("unexpected code %s", code)
	}
}

func TestSecondTakeIsStale(t *testing.T) {
	srv := newTestServer(t)
	p := srv.createProject(t, "Harbour")
	resp, body := srv.do(t, http.MethodPost, "/v0/projects/"+p.ID+"/take", nil, token(t, "op-1", "operator"))
	expectStatus(t, resp, body, http.StatusOK)
	resp, body = srv.do(t, http.MethodPost, "/v0/projects/"+p.ID+"/take", nil, token(t, "op-2", "operator"))
	expectStatus(t, resp, body, http.StatusConflict)
	code, details := errorCode(t, body)
	if code != "stale_state" {
		t.Fatalf("unexpected code %s", code)
	}
	if details["actual"] != string(domain.StatusRegistration) {
		t.Fatalf("expected actual registration, got %v", details["actual"])
	}
}

func TestUnknownProjectIs404(t *testing.T) {
	srv := newTestServer(t)
	resp, body := srv.do(t, http.MethodGet, "/v0/projects/nope", nil, token(t, "op-1", "operator"))
	expectStatus(t, resp, body, http.StatusNotFound)
	resp, body = srv.do(t, http.MethodPost, "/v0/projects/nope/take", nil, token(t, "op-1", "operator"))
	expectStatus(t, resp, body, http.StatusNotFound)
}

func TestScanAndResolve(t *testing.T) {
	srv := newTestServer(t)
	a := srv.createProject(t, "Batch A")
	b := srv.createProject(t, "Batch A")
	for i, p := range []domain.Project{a, b} {
		op := token(t, []string{"op-1", "op-2"}[i], "operator")
		resp, body := srv.do(t, http.MethodPost, "/v0/projects/"+p.ID+"/take", nil, op)
		expectStatus(t, resp, body, http.StatusOK)
		resp, body = srv.do(t, http.MethodPost, "/v0/projects/"+p.ID+"/registration", registrationBody, op)
		expectStatus(t, resp, body, http.StatusOK)
	}

	auditor := token(t, "aud", "auditor")
	resp, body := srv.do(t, http.MethodPost, "/v0/projects/"+b.ID+"/scan", nil, auditor)
	expectStatus(t, resp, body, http.StatusOK)
	var scan ScanResponse
	if err := json.Unmarshal(body, &scan); err != nil {
		t.Fatal(err)
	}
	if scan.Check == nil || len(scan.Check.Entries) != 1 || scan.Check.Entries[0].SiblingID != a.ID {
		t.Fatalf("unexpected scan %+v", scan)
	}

	path := "/v0/conflicts/" + scan.Check.ID + "/resolve"
	resp, body = srv.do(t, http.MethodPost, path, map[string]any{}, auditor)
	expectStatus(t, resp, body, http.StatusBadRequest)
	resp, body = srv.do(t, http.MethodPost, path, map[string]any{"notes": "same agency"}, auditor)
	expectStatus(t, resp, body, http.StatusOK)
	resp, body = srv.do(t, http.MethodPost, path, map[string]any{"notes": "again"}, auditor)
	expectStatus(t, resp, body, http.StatusConflict)
	if code, _ := errorCode(t, body); code != "already_resolved" {
		t.Fatalf("unexpected code %s", code)
	}

	resp, body = srv.do(t, http.MethodGet, "/v0/conflicts?resolved=true&project_id="+b.ID, nil, auditor)
	expectStatus(t, resp, body, http.StatusOK)
	var list ConflictList
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Items) != 1 || !list.Items[0].Resolved {
		t.Fatalf("expected one resolved check, got %+v", list.Items)
	}
}

func TestEvidenceUploadAndDownload(t *testing.T) {
	srv := newTestServer(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("kind", "document"); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile("file", "bid plan.txt")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("sealed"))
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v0/evidence", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for k, v := range token(t, "op-1", "operator") {
		req.Header.Set(k, v)
	}
	resp, err := srv.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	expectStatus(t, resp, body, http.StatusCreated)
	var out EvidenceResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Kind != "document" || out.Size != 6 {
		t.Fatalf("unexpected evidence %+v", out)
	}

	resp, body = srv.do(t, http.MethodGet, "/v0/evidence/"+out.Path, nil, token(t, "op-1", "operator"))
	expectStatus(t, resp, body, http.StatusOK)
	if string(body) != "sealed" {
		t.Fatalf("unexpected content %q", string(body))
	}
	resp, body = srv.do(t, http.MethodGet, "/v0/evidence/document/missing.txt", nil, token(t, "op-1", "operator"))
	expectStatus(t, resp, body, http.StatusNotFound)
}

func TestLegacyActorHeader(t *testing.T) {
	srv := newTestServer(t)
	resp, body := srv.do(t, http.MethodGet, "/v0/projects", nil, map[string]string{"X-Actor-Id": "op-9"})
	expectStatus(t, resp, body, http.StatusOK)
}

func TestOpenAPIServed(t *testing.T) {
	srv := newTestServer(t)
	resp, body := srv.do(t, http.MethodGet, "/v0/openapi.json", nil, nil)
	expectStatus(t, resp, body, http.StatusOK)
	if !bytes.Contains(body, []byte("/v0/projects/{project_id}/registration")) {
		t.Fatalf("expected registration route in OpenAPI document")
	}
}

func TestOpenAPIConcurrentFirstRequests(t *testing.T) {
	srv := newTestServer(t)
	const n = 8
	bodies := make([][]byte, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			resp, err := srv.client.Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				errs[i] = err
				return
			}
			defer resp.Body.Close()
			bodies[i], errs[i] = io.ReadAll(resp.Body)
		}(i)
	}
	close(start)
	wg.Wait()
	for i := range bodies {
		if errs[i] != nil {
			t.Fatalf("request %d: %v", i, errs[i])
		}
		if len(bodies[i]) == 0 || !bytes.Equal(bodies[i], bodies[0]) {
			t.Fatalf("request %d got a different document", i)
		}
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	srv := newTestServer(t)
	admin := token(t, "boss", "admin")
	resp, body := srv.do(t, http.MethodPost, "/v0/api-keys", map[string]any{"actor_id": "ci-bot", "roles": []string{"auditor"}}, token(t, "op-1", "operator"))
	expectStatus(t, resp, body, http.StatusForbidden)

	resp, body = srv.do(t, http.MethodPost, "/v0/api-keys", map[string]any{"actor_id": "ci-bot", "roles": []string{"auditor"}}, admin)
	expectStatus(t, resp, body, http.StatusCreated)
	var created APIKeyResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatal(err)
	}
	if created.Key == "" {
		t.Fatalf("expected plaintext key on creation")
	}

	resp, body = srv.do(t, http.MethodGet, "/v0/me", nil, map[string]string{"X-Api-Key": created.Key})
	expectStatus(t, resp, body, http.StatusOK)
	var me WhoAmIResponse
	if err := json.Unmarshal(body, &me); err != nil {
		t.Fatal(err)
	}
	if me.ActorID != "ci-bot" || me.Source != "api_key" {
		t.Fatalf("unexpected principal %+v", me)
	}

	resp, body = srv.do(t, http.MethodDelete, "/v0/api-keys/"+created.ID, nil, admin)
	expectStatus(t, resp, body, http.StatusNoContent)
	resp, body = srv.do(t, http.MethodGet, "/v0/me", nil, map[string]string{"X-Api-Key": created.Key})
	expectStatus(t, resp, body, http.StatusUnauthorized)
}
