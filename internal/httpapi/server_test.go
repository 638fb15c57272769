package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"promptforge/internal/config"
	"promptforge/internal/db"
	"promptforge/internal/metrics"
	"promptforge/internal/orchestrator"
)

type testEnv struct {
	store  *db.Store
	server *httptest.Server
	refs   struct {
		promptID  string
		datasetID string
		metricID  string
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := db.Open(filepath.Join(dir, "promptforge.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		DBPath:  filepath.Join(dir, "promptforge.db"),
		DataDir: dir,
		Optimizer: config.OptimizerConfig{
			ModelMode:  "balanced",
			RateLimit:  10,
			TrainSplit: 0.8,
		},
	}

	orch := orchestrator.New(store, cfg, nil, nil, nil)
	srv := httptest.NewServer(NewServer(cfg, store, orch, metrics.NewRecorder()))
	t.Cleanup(srv.Close)

	env := &testEnv{store: store, server: srv}
	ctx := context.Background()
	prompt, err := store.CreatePrompt(ctx, "classifier", "You are a classifier.", "")
	if err != nil {
		t.Fatalf("create prompt: %v", err)
	}
	dataset, err := store.CreateDataset(ctx, "labels", `[{"input":"a","output":"b"},{"input":"c","output":"d"}]`, 2)
	if err != nil {
		t.Fatalf("create dataset: %v", err)
	}
	metric, err := store.CreateMetric(ctx, "accuracy", "")
	if err != nil {
		t.Fatalf("create metric: %v", err)
	}
	env.refs.promptID = prompt.ID
	env.refs.datasetID = dataset.ID
	env.refs.metricID = metric.ID
	return env
}

func (e *testEnv) post(t *testing.T, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := e.server.Client().Post(e.server.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := e.server.Client().Get(e.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func (e *testEnv) createJob(t *testing.T) string {
	t.Helper()
	resp, body := e.post(t, "/jobs", `{"name":"api test","prompt_id":"`+e.refs.promptID+
		`","dataset_id":"`+e.refs.datasetID+`","metric_id":"`+e.refs.metricID+`"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create job status = %d: %v", resp.StatusCode, body)
	}
	job := body["job"].(map[string]any)
	return job["id"].(string)
}

func TestCreateJob(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, body := env.post(t, "/jobs", `{"name":"first","prompt_id":"`+env.refs.promptID+
		`","dataset_id":"`+env.refs.datasetID+`","metric_id":"`+env.refs.metricID+`"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	job := body["job"].(map[string]any)
	if job["status"] != "starting" || job["prompt"] != "classifier" {
		t.Errorf("job view = %v", job)
	}
}

func TestCreateJob_BadRequests(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, _ := env.post(t, "/jobs", `{broken`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed json status = %d, want 400", resp.StatusCode)
	}

	resp, body := env.post(t, "/jobs", `{"name":"x","prompt_id":"nope","dataset_id":"`+
		env.refs.datasetID+`","metric_id":"`+env.refs.metricID+`"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unresolved ref status = %d, want 400", resp.StatusCode)
	}
	if msg, _ := body["error"].(string); !strings.Contains(msg, "prompt") {
		t.Errorf("error message should name the ref: %v", body)
	}
}

func TestListJobs_StatusFilter(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	jobID := env.createJob(t)

	ten := 10
	if err := env.store.TransitionStatus(context.Background(), jobID, db.StatusStarting, db.StatusRunning, db.StatusUpdate{Progress: &ten}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	env.createJob(t)

	resp, body := env.get(t, "/jobs?status=running")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	jobs := body["jobs"].([]any)
	if len(jobs) != 1 {
		t.Errorf("running jobs = %d, want 1", len(jobs))
	}

	_, body = env.get(t, "/jobs")
	if len(body["jobs"].([]any)) != 2 {
		t.Errorf("all jobs = %d, want 2", len(body["jobs"].([]any)))
	}
}

func TestGetJob_Snapshot(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	jobID := env.createJob(t)
	ctx := context.Background()

	_ = env.store.AppendLog(ctx, jobID, db.LevelInfo, "starting optimization run", nil)
	score := 0.5
	_ = env.store.AppendCandidate(ctx, jobID, db.LabelBaselineSystem, "base prompt", &score)

	resp, body := env.get(t, "/jobs/"+jobID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["id"] != jobID || body["status"] != "starting" {
		t.Errorf("snapshot job fields = %v", body)
	}
	logs := body["logs"].([]any)
	if len(logs) != 1 || logs[0].(map[string]any)["message"] != "starting optimization run" {
		t.Errorf("snapshot logs = %v", logs)
	}
	candidates := body["candidates"].([]any)
	if len(candidates) != 1 || candidates[0].(map[string]any)["score"].(float64) != 0.5 {
		t.Errorf("snapshot candidates = %v", candidates)
	}

	// Unique prefixes resolve too.
	resp, _ = env.get(t, "/jobs/"+strings.TrimPrefix(jobID, "pf-job-")[:8])
	if resp.StatusCode != http.StatusOK {
		t.Errorf("prefix lookup status = %d", resp.StatusCode)
	}

	resp, _ = env.get(t, "/jobs/pf-job-ffffffffffffffff")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown job status = %d, want 404", resp.StatusCode)
	}
}

func TestRetry_WrongStateConflicts(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	jobID := env.createJob(t)

	resp, _ := env.post(t, "/jobs/"+jobID+"/retry", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("retry starting job status = %d, want 409", resp.StatusCode)
	}

	ten := 10
	_ = env.store.TransitionStatus(context.Background(), jobID, db.StatusStarting, db.StatusRunning, db.StatusUpdate{Progress: &ten})
	msg := "boom"
	_ = env.store.TransitionStatus(context.Background(), jobID, db.StatusRunning, db.StatusFailed, db.StatusUpdate{ErrorMessage: &msg})

	resp, body := env.post(t, "/jobs/"+jobID+"/retry", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retry failed job status = %d: %v", resp.StatusCode, body)
	}
	if body["success"] != true || body["job_id"] != jobID {
		t.Errorf("retry body = %v", body)
	}
}

func TestContinue_RequiresArtifacts(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	jobID := env.createJob(t)
	ctx := context.Background()

	resp, _ := env.post(t, "/jobs/"+jobID+"/continue", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("continue non-completed status = %d, want 409", resp.StatusCode)
	}

	ten := 10
	_ = env.store.TransitionStatus(ctx, jobID, db.StatusStarting, db.StatusRunning, db.StatusUpdate{Progress: &ten})
	imp := "+3.0%"
	_ = env.store.TransitionStatus(ctx, jobID, db.StatusRunning, db.StatusCompleted, db.StatusUpdate{Improvement: &imp})

	resp, _ = env.post(t, "/jobs/"+jobID+"/continue", "")
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("continue without artifacts status = %d, want 422", resp.StatusCode)
	}

	if err := env.store.AddArtifact(ctx, jobID, db.ArtifactFinalSystemPrompt, "optimized", nil, 0); err != nil {
		t.Fatalf("add artifact: %v", err)
	}
	resp, body := env.post(t, "/jobs/"+jobID+"/continue", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("continue status = %d: %v", resp.StatusCode, body)
	}
	if body["new_job_id"] == "" {
		t.Errorf("continue body = %v", body)
	}
}

func TestCancelAndDelete(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	jobID := env.createJob(t)

	resp, _ := env.post(t, "/jobs/"+jobID+"/cancel", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("cancel status = %d", resp.StatusCode)
	}
	flagged, _ := env.store.CancelRequested(context.Background(), jobID)
	if !flagged {
		t.Errorf("cancel flag not set")
	}
	// No worker ever claimed the job, so cancel settles it terminally.
	resp, body := env.get(t, "/jobs/"+jobID)
	if resp.StatusCode != http.StatusOK || body["status"] != "failed" {
		t.Errorf("job after cancel = %d %v, want failed", resp.StatusCode, body["status"])
	}

	resp, body = env.post(t, "/jobs/"+jobID+"/delete", "")
	if resp.StatusCode != http.StatusOK || body["deleted"] != true {
		t.Errorf("delete = %d %v", resp.StatusCode, body)
	}

	resp, body = env.post(t, "/jobs/"+jobID+"/delete", "")
	if resp.StatusCode != http.StatusOK || body["deleted"] != false {
		t.Errorf("second delete = %d %v", resp.StatusCode, body)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.createJob(t)

	resp, body := env.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	if body["status"] != "ok" || body["jobs_running"].(float64) != 1 {
		t.Errorf("health body = %v", body)
	}

	metricsResp, err := env.server.Client().Get(env.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer metricsResp.Body.Close()
	if metricsResp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", metricsResp.StatusCode)
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store, err := db.Open(filepath.Join(dir, "promptforge.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		DBPath:  filepath.Join(dir, "promptforge.db"),
		DataDir: dir,
		Server:  config.ServerConfig{RateLimitRPS: 1, RateLimitBurst: 2},
	}
	orch := orchestrator.New(store, cfg, nil, nil, nil)
	srv := httptest.NewServer(NewServer(cfg, store, orch, nil))
	t.Cleanup(srv.Close)

	limited := false
	for i := 0; i < 5; i++ {
		resp, err := srv.Client().Get(srv.URL + "/health")
		if err != nil {
			t.Fatalf("health: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
		}
	}
	if !limited {
		t.Errorf("burst of requests was never rate limited")
	}
}
