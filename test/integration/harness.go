// Package integration provides a reusable test harness for end-to-end
// integration testing of the docket API. It starts a full HTTP server over
// an in-memory workflow store with templates loaded and published from YAML.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/docket/internal/config"
	"github.com/pitabwire/docket/internal/definition"
	"github.com/pitabwire/docket/internal/idempotency"
	"github.com/pitabwire/docket/internal/observability"
	"github.com/pitabwire/docket/internal/transport"
	"github.com/pitabwire/docket/internal/workflow"
	"github.com/pitabwire/docket/model"
)

// TestHarness encapsulates a fully wired docket instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	// Internal components exposed for advanced test scenarios.
	Registry    *definition.Registry
	Store       *workflow.MemoryStore
	Engine      *workflow.Engine
	Idempotency idempotency.Store
	Metrics     *observability.Metrics
	Redis       *miniredis.Miniredis

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	templateDirs    []string
	duplicatePolicy workflow.DuplicatePolicy
	handlerTimeout  time.Duration
	redis           *miniredis.Miniredis
	redisEnabled    bool
	store           *workflow.MemoryStore
}

// WithTemplates sets the template directories to load.
func WithTemplates(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.templateDirs = dirs
	}
}

// WithDuplicatePolicy sets what a second activation of a template on the
// same matter does.
func WithDuplicatePolicy(p workflow.DuplicatePolicy) HarnessOption {
	return func(c *harnessConfig) {
		c.duplicatePolicy = p
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithRedisIdempotency stores idempotent responses in Redis. A nil server
// starts a fresh miniredis; passing one lets two harnesses share it.
func WithRedisIdempotency(mr *miniredis.Miniredis) HarnessOption {
	return func(c *harnessConfig) {
		c.redisEnabled = true
		c.redis = mr
	}
}

// WithStore runs the harness over an existing store, as a restarted server
// would.
func WithStore(store *workflow.MemoryStore) HarnessOption {
	return func(c *harnessConfig) {
		c.store = store
	}
}

// NewTestHarness creates and starts a full docket test instance. The server
// is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		duplicatePolicy: workflow.DuplicateAllow,
		handlerTimeout:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}
	if len(hc.templateDirs) == 0 {
		hc.templateDirs = []string{filepath.Join(testdataDir(), "templates")}
	}

	h := &TestHarness{
		t:       t,
		Store:   hc.store,
		Metrics: observability.InitMetrics(prometheus.NewRegistry()),
	}
	if h.Store == nil {
		h.Store = workflow.NewMemoryStore()
	}

	// Step 1: Build config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Conditions.Schema = map[string]string{
		"leasehold":      "bool",
		"taxable_estate": "bool",
	}
	h.cfg.Templates.Directories = hc.templateDirs
	h.cfg.Idempotency.Enabled = true

	// Step 2: Load, validate, and publish templates.
	tpls, err := definition.NewLoader().LoadAll(hc.templateDirs)
	if err != nil {
		t.Fatalf("load templates: %v", err)
	}
	if verrs := definition.NewValidator(h.cfg.Conditions.Schema).Validate(tpls); len(verrs) > 0 {
		t.Fatalf("template validation: %v", verrs)
	}
	published, err := definition.NewPublisher(h.Store, zap.NewNop(), h.Metrics).Publish(context.Background(), tpls)
	if err != nil {
		t.Fatalf("publish templates: %v", err)
	}
	h.Registry = definition.NewRegistry()
	h.Registry.Replace(published)

	// Step 3: Build the idempotency store.
	if hc.redisEnabled {
		h.Redis = hc.redis
		if h.Redis == nil {
			h.Redis = miniredis.RunT(t)
		}
		client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { client.Close() })
		b := h.cfg.Idempotency.Store.Breaker
		h.Idempotency = idempotency.NewGuardedStore(idempotency.NewRedisStore(client),
			idempotency.NewBreaker(b.FailureThreshold, b.SuccessThreshold, b.OpenTimeout))
	} else {
		h.Idempotency = idempotency.NewMemoryStore()
	}

	// Step 4: Build the engine.
	h.Engine = workflow.NewEngine(
		workflow.WithMetrics(h.Metrics),
		workflow.WithDuplicatePolicy(hc.duplicatePolicy),
	)

	// Step 5: Build router with full middleware chain.
	router := transport.NewRouter(transport.Dependencies{
		Config:      h.cfg,
		Store:       h.Store,
		Engine:      h.Engine,
		Registry:    h.Registry,
		Idempotency: h.Idempotency,
		Metrics:     h.Metrics,
	})

	// Step 6: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// --- Identities ---

// Identity is the caller a request is made as.
type Identity struct {
	FirmID  string
	ActorID string
}

// LawyerIdentity returns a fee earner at the default firm.
func LawyerIdentity() Identity {
	return Identity{FirmID: "firm-harbour", ActorID: "user-lawyer"}
}

// SupervisorIdentity returns a supervising partner at the default firm.
func SupervisorIdentity() Identity {
	return Identity{FirmID: "firm-harbour", ActorID: "user-partner"}
}

// OtherFirmIdentity returns a caller at a different firm.
func OtherFirmIdentity() Identity {
	return Identity{FirmID: "firm-rival", ActorID: "user-rival"}
}

// --- HTTP client helpers ---

// GET performs a GET request as id.
func (h *TestHarness) GET(path string, id Identity) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, id, nil)
}

// GETWithHeaders performs a GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path string, id Identity, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, id, headers)
}

// POST performs a POST request with a JSON body as id.
func (h *TestHarness) POST(path string, body any, id Identity) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, id, nil)
}

// POSTWithHeaders performs a POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, id Identity, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, id, headers)
}

// Do performs a request with a raw body and explicit headers. No identity
// headers are added.
func (h *TestHarness) Do(method, path, body string, headers map[string]string) *http.Response {
	h.t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, strings.NewReader(body))
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return h.send(req)
}

func (h *TestHarness) doRequest(method, path string, body any, id Identity, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if id.FirmID != "" {
		req.Header.Set(transport.HeaderFirmID, id.FirmID)
	}
	if id.ActorID != "" {
		req.Header.Set(transport.HeaderActorID, id.ActorID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return h.send(req)
}

func (h *TestHarness) send(req *http.Request) *http.Response {
	h.t.Helper()
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", req.Method, req.URL.Path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and the error envelope code of a response.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, expected int, code string) model.ErrorEnvelope {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, expected, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
	return body.Error
}

// --- Workflow helpers ---

// Activate activates a template on a matter and returns the result.
func (h *TestHarness) Activate(t *testing.T, matterID string, body map[string]any, id Identity) workflow.ActivationResult {
	t.Helper()
	var result workflow.ActivationResult
	h.AssertJSON(t, h.POST("/v1/matters/"+matterID+"/workflows", body, id), http.StatusCreated, &result)
	return result
}

// SetTaskStatus changes a task's status through the stage endpoint.
func (h *TestHarness) SetTaskStatus(t *testing.T, stageID, taskID string, status model.TaskStatus, id Identity) workflow.ProgressionResult {
	t.Helper()
	var result workflow.ProgressionResult
	h.AssertJSON(t, h.POST("/v1/stages/"+stageID+"/task-status", map[string]any{
		"task_id": taskID,
		"status":  status,
	}, id), http.StatusOK, &result)
	return result
}

// Workflow fetches a workflow with per-stage completion.
func (h *TestHarness) Workflow(t *testing.T, workflowID string, id Identity) WorkflowView {
	t.Helper()
	var view WorkflowView
	h.AssertJSON(t, h.GET("/v1/workflows/"+workflowID, id), http.StatusOK, &view)
	return view
}

// WorkflowView is the body of GET /v1/workflows/{id}.
type WorkflowView struct {
	Workflow model.MatterWorkflow             `json:"workflow"`
	Stages   []workflow.StageCompletionStatus `json:"stages"`
}

// Stage returns the stage with the given name.
func (v WorkflowView) Stage(name string) workflow.StageCompletionStatus {
	for _, s := range v.Stages {
		if s.Name == name {
			return s
		}
	}
	return workflow.StageCompletionStatus{}
}

// TimelineEvents returns the events recorded for a matter, in order.
func (h *TestHarness) TimelineEvents(firmID, matterID string) []model.TimelineEvent {
	h.t.Helper()
	var events []model.TimelineEvent
	err := h.Store.InTx(context.Background(), func(tx workflow.Tx) error {
		var err error
		events, err = tx.ListTimelineEvents(context.Background(), firmID, matterID)
		return err
	})
	if err != nil {
		h.t.Fatalf("list timeline events: %v", err)
	}
	return events
}

// Exceptions returns the exceptions recorded against a stage.
func (h *TestHarness) Exceptions(stageID string) []model.Exception {
	h.t.Helper()
	var excs []model.Exception
	err := h.Store.InTx(context.Background(), func(tx workflow.Tx) error {
		var err error
		excs, err = tx.ListExceptions(context.Background(), model.ObjectMatterStage, stageID)
		return err
	})
	if err != nil {
		h.t.Fatalf("list exceptions: %v", err)
	}
	return excs
}

// --- Helpers ---

// StageByName returns the stage with the given name from an activation.
func StageByName(result workflow.ActivationResult, name string) model.MatterStage {
	for _, s := range result.Stages {
		if s.Name == name {
			return s
		}
	}
	return model.MatterStage{}
}

// TaskByTitle returns the task with the given title from an activation.
func TaskByTitle(result workflow.ActivationResult, title string) model.Task {
	for _, task := range result.Tasks {
		if task.Title == title {
			return task
		}
	}
	return model.Task{}
}

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
