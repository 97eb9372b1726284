package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"hookdeploy/internal/auth"
	"hookdeploy/internal/deployment"
	"hookdeploy/internal/dispatch"
	"hookdeploy/internal/history"
	"hookdeploy/internal/notify"
	"hookdeploy/internal/project"
	"hookdeploy/internal/worker"
)

const testSecret = "test-secret-at-least-32-chars-long-here"

type fakeRunner struct {
	mu       sync.Mutex
	commands []string
}

func (f *fakeRunner) Run(ctx context.Context, command string, timeout time.Duration) deployment.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	return deployment.Outcome{Command: command, Kind: deployment.KindSuccess, StartedAt: time.Now()}
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commands)
}

type testEnv struct {
	server   *Server
	pool     *worker.Pool
	runner   *fakeRunner
	project  *project.Project
	notified chan notify.Message
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()

	testProject := project.New("test-project", testSecret, "/srv/test/deploy.sh", "https://hooks.slack.invalid/x", 0)
	registry, err := project.NewStaticRegistry([]*project.Project{testProject})
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	pool := worker.New(1, 8, worker.WithLogger(logger))
	runner := &fakeRunner{}
	notified := make(chan notify.Message, 8)
	notifier := notify.NotifierFunc(func(ctx context.Context, endpoint string, msg notify.Message) error {
		notified <- msg
		return nil
	})

	d := dispatch.New(registry, auth.NewHMACAuthenticator(), pool, runner, notifier, dispatch.WithLogger(logger))
	server := NewServer(registry, d, logger, true)
	server.Pool = pool

	t.Cleanup(func() { pool.Shutdown(context.Background()) })

	return &testEnv{server: server, pool: pool, runner: runner, project: testProject, notified: notified}
}

func (e *testEnv) post(t *testing.T, path string, payload []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func signedHeaders(payload []byte, secret, kind string) map[string]string {
	return map[string]string{
		"X-GitHub-Event":      kind,
		"X-Hub-Signature-256": auth.Sign(payload, secret),
		"X-GitHub-Delivery":   "d-1",
	}
}

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("Invalid JSON response %q: %v", rr.Body.String(), err)
	}
	return response
}

func TestHandleWebhook_AcceptedAndDeployed(t *testing.T) {
	env := setupTestServer(t)

	payload := []byte(`{"ref":"refs/heads/main","head_commit":{"message":"fix","id":"abcdef0123"}}`)
	rr := env.post(t, "/webhook/main", payload, signedHeaders(payload, testSecret, "push"))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}

	response := decodeMap(t, rr)
	if response["status"] != "success" {
		t.Errorf("Expected status 'success', got %v", response["status"])
	}
	if response["project"] != "test-project" {
		t.Errorf("Expected project 'test-project', got %v", response["project"])
	}
	if response["deploy"] != true {
		t.Errorf("Expected deploy true, got %v", response["deploy"])
	}
	if _, ok := response["response_time_ms"].(float64); !ok {
		t.Errorf("Expected numeric response_time_ms, got %v", response["response_time_ms"])
	}
	if strings.Contains(rr.Body.String(), testSecret) {
		t.Error("Response leaked the project secret")
	}

	select {
	case msg := <-env.notified:
		if msg.Event.ShortCommit() != "abcdef0" {
			t.Errorf("Expected short commit abcdef0, got %q", msg.Event.ShortCommit())
		}
		if msg.Event.DeliveryID != "d-1" {
			t.Errorf("Expected delivery id d-1, got %q", msg.Event.DeliveryID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Notification was not sent")
	}

	if err := env.pool.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if env.runner.count() != 1 {
		t.Errorf("Expected exactly one deployment, got %d", env.runner.count())
	}
}

func TestHandleWebhook_InvalidSignature(t *testing.T) {
	env := setupTestServer(t)

	payload := []byte(`{"ref":"refs/heads/main"}`)
	rr := env.post(t, "/webhook/main", payload, signedHeaders(payload, "wrong-secret-32-chars-long-xxxxxxx", "push"))

	if rr.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", rr.Code)
	}

	response := decodeMap(t, rr)
	if response["message"] != "Invalid signature" || response["status"] != "error" {
		t.Errorf("Expected 'Invalid signature' error, got %v", response)
	}
	if strings.Contains(rr.Body.String(), "test-project") {
		t.Error("Rejection disclosed a project name")
	}
}

func TestHandleWebhook_MissingSignature(t *testing.T) {
	env := setupTestServer(t)

	payload := []byte(`{"ref":"refs/heads/main"}`)
	rr := env.post(t, "/webhook/main", payload, map[string]string{"X-GitHub-Event": "push"})

	if rr.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", rr.Code)
	}
}

func TestHandleWebhook_PayloadTooLarge(t *testing.T) {
	env := setupTestServer(t)

	largePayload := make([]byte, MaxPayloadBytes+1)
	rr := env.post(t, "/webhook/main", largePayload, signedHeaders(largePayload, testSecret, "push"))

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected status 413, got %d", rr.Code)
	}
}

func TestHandleWebhook_InvalidContentType(t *testing.T) {
	env := setupTestServer(t)

	payload := []byte(`{"ref":"refs/heads/main"}`)
	headers := signedHeaders(payload, testSecret, "push")
	headers["Content-Type"] = "text/plain"
	rr := env.post(t, "/webhook/main", payload, headers)

	if rr.Code != http.StatusUnsupportedMediaType {
		t.Errorf("Expected status 415, got %d", rr.Code)
	}
}

func TestHandleWebhook_ContentTypeWithCharset(t *testing.T) {
	env := setupTestServer(t)

	payload := []byte(`{"ref":"refs/heads/main"}`)
	headers := signedHeaders(payload, testSecret, "push")
	headers["Content-Type"] = "application/json; charset=utf-8"
	rr := env.post(t, "/webhook/main", payload, headers)

	if rr.Code != http.StatusAccepted {
		t.Errorf("Expected status 202, got %d", rr.Code)
	}
}

func TestHandleWebhook_MalformedPayload(t *testing.T) {
	env := setupTestServer(t)

	payload := []byte(`not json`)
	rr := env.post(t, "/webhook/main", payload, signedHeaders(payload, testSecret, "push"))

	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rr.Code)
	}
}

func TestHandleWebhook_UnusualRouteBranch(t *testing.T) {
	for _, branch := range []string{"feat+x", "release@2", "ma..in"} {
		t.Run(branch, func(t *testing.T) {
			env := setupTestServer(t)

			payload := []byte(`{"ref":"refs/heads/main"}`)
			rr := env.post(t, "/webhook/"+branch, payload, signedHeaders(payload, testSecret, "push"))

			if rr.Code != http.StatusAccepted {
				t.Fatalf("Expected status 202, got %d: %s", rr.Code, rr.Body.String())
			}
			if response := decodeMap(t, rr); response["deploy"] != false {
				t.Errorf("Expected deploy false, got %v", response["deploy"])
			}

			env.pool.Shutdown(context.Background())
			if env.runner.count() != 0 {
				t.Errorf("Expected no deployment, got %d", env.runner.count())
			}
		})
	}
}

func TestHandleWebhook_UnusualRouteBranchUnsigned(t *testing.T) {
	env := setupTestServer(t)

	payload := []byte(`{"ref":"refs/heads/main"}`)
	headers := signedHeaders(payload, "some-other-secret-at-least-32-chars", "push")
	rr := env.post(t, "/webhook/feat+x", payload, headers)

	if rr.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", rr.Code)
	}
	if response := decodeMap(t, rr); response["message"] != "Invalid signature" {
		t.Errorf("Expected 'Invalid signature', got %v", response["message"])
	}
}

func TestHandleWebhook_NonDeployableEvents(t *testing.T) {
	tests := []struct {
		name string
		path string
		kind string
		ref  string
	}{
		{"non-push event", "/webhook/main", "pull_request", "refs/heads/main"},
		{"non-main route", "/webhook/develop", "push", "refs/heads/develop"},
		{"branch mismatch", "/webhook/main", "push", "refs/heads/develop"},
		{"tag push", "/webhook/main", "push", "refs/tags/v1.0.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t)

			payload := []byte(`{"ref":"` + tt.ref + `"}`)
			rr := env.post(t, tt.path, payload, signedHeaders(payload, testSecret, tt.kind))

			if rr.Code != http.StatusAccepted {
				t.Fatalf("Expected status 202, got %d", rr.Code)
			}
			if decodeMap(t, rr)["deploy"] != false {
				t.Error("Expected deploy false")
			}

			env.pool.Shutdown(context.Background())
			if env.runner.count() != 0 {
				t.Errorf("Expected no deployment, got %d", env.runner.count())
			}
		})
	}
}

func TestHandleWebhook_QueueFull(t *testing.T) {
	env := setupTestServer(t)
	env.pool.Shutdown(context.Background())

	payload := []byte(`{"ref":"refs/heads/main"}`)
	rr := env.post(t, "/webhook/main", payload, signedHeaders(payload, testSecret, "push"))

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}
}

func TestHandleWebhook_RegistryUnavailable(t *testing.T) {
	registry := project.NewRegistry(nil, nil)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	pool := worker.New(1, 1)
	defer pool.Shutdown(context.Background())

	d := dispatch.New(registry, auth.NewHMACAuthenticator(), pool, &fakeRunner{}, nil)
	server := NewServer(registry, d, logger, true)

	payload := []byte(`{"ref":"refs/heads/main"}`)
	req := httptest.NewRequest("POST", "/webhook/main", bytes.NewReader(payload))
	req.Header.Set("X-Hub-Signature-256", auth.Sign(payload, testSecret))
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", rr.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	env := setupTestServer(t)

	for _, path := range []string{"/", "/health"} {
		req := httptest.NewRequest("GET", path, nil)
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("%s: expected status 200, got %d", path, rr.Code)
		}

		response := decodeMap(t, rr)
		if response["status"] != "success" {
			t.Errorf("%s: expected status 'success', got %v", path, response["status"])
		}
		if response["message"] != healthMessage {
			t.Errorf("%s: unexpected message %v", path, response["message"])
		}
		if count, ok := response["projects"].(float64); !ok || count != 1 {
			t.Errorf("%s: expected projects 1, got %v", path, response["projects"])
		}
		if _, ok := response["workers"].(map[string]any); !ok {
			t.Errorf("%s: expected workers stats, got %v", path, response["workers"])
		}
	}
}

func TestHandleStatus_UnknownProject(t *testing.T) {
	env := setupTestServer(t)

	req := httptest.NewRequest("GET", "/status/unknown-project", nil)
	rr := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rr.Code)
	}
}

func TestHandleStatus_HistoryDisabled(t *testing.T) {
	env := setupTestServer(t)

	req := httptest.NewRequest("GET", "/status/test-project", nil)
	rr := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", rr.Code)
	}
}

func TestHandleStatus_Success(t *testing.T) {
	env := setupTestServer(t)

	hist, err := history.NewHistory(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create history: %v", err)
	}
	defer hist.Close()

	duration := 1.5
	_, err = hist.RecordDeployment(context.Background(), &history.DeploymentRecord{
		TaskID:          "task-1",
		Project:         "test-project",
		Branch:          "main",
		Ref:             "refs/heads/main",
		Status:          "success",
		StartedAt:       time.Now(),
		DurationSeconds: &duration,
	})
	if err != nil {
		t.Fatalf("Failed to record deployment: %v", err)
	}
	env.server.History = hist

	req := httptest.NewRequest("GET", "/status/test-project", nil)
	rr := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}

	response := decodeMap(t, rr)
	if response["project"] != "test-project" {
		t.Errorf("Expected project 'test-project', got %v", response["project"])
	}
	if response["latest_deployment"] == nil {
		t.Error("Expected latest_deployment to be present")
	}
	if recent, ok := response["recent_history"].([]any); !ok || len(recent) != 1 {
		t.Errorf("Expected one recent deployment, got %v", response["recent_history"])
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	handler := NewWebhookRateLimitMiddleware(2, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/webhook/main", nil)
		req.RemoteAddr = "203.0.113.7"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}

	if codes[0] != http.StatusNoContent || codes[1] != http.StatusNoContent {
		t.Errorf("Expected burst of 2 to pass, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("Expected third request to be limited, got %d", codes[2])
	}

	// other clients have their own bucket
	req := httptest.NewRequest("POST", "/webhook/main", nil)
	req.RemoteAddr = "203.0.113.8"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Errorf("Expected other client to pass, got %d", rr.Code)
	}
}

func TestRateLimiterPrunesIdleClients(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	rl.idle = 0

	for i := 0; i < maxTrackedClients; i++ {
		rl.GetLimiter("198.51.100." + string(rune('a'+i%26)) + strings.Repeat("x", i/26))
	}
	time.Sleep(time.Millisecond)
	rl.GetLimiter("192.0.2.1")

	if rl.Len() != 1 {
		t.Errorf("Expected idle clients to be pruned, %d left", rl.Len())
	}
}
