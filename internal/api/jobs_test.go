package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/forgelabs/sumforge/internal/config"
	"github.com/forgelabs/sumforge/internal/model"
)

func TestCreateDemoJob(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := doJSON(t, "POST", ts.URL+"/v1/jobs/demo", "", "", `{"n":1000,"chunks":4}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	var snap model.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(snap.JobID) != 26 {
		t.Errorf("job_id length = %d, want 26", len(snap.JobID))
	}
	if snap.TotalChunks != 4 {
		t.Errorf("total_chunks = %d, want 4", snap.TotalChunks)
	}
	if snap.Cached {
		t.Error("fresh job marked cached")
	}

	final := waitForJobStatus(t, ts, snap.JobID, model.StatusCompleted)
	if final.Result == nil || *final.Result != 500500 {
		t.Fatalf("result = %v, want 500500", final.Result)
	}
	if final.Progress != 1 {
		t.Errorf("progress = %v, want 1", final.Progress)
	}
}

func TestCreateDemoJobExceedsLimits(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	cases := []struct {
		name string
		body string
	}{
		{"n over demo limit", `{"n":15000,"chunks":4}`},
		{"chunks over demo limit", `{"n":1000,"chunks":9}`},
		{"chunks exceed n", `{"n":3,"chunks":5}`},
		{"non-positive n", `{"n":0,"chunks":1}`},
		{"non-positive chunks", `{"n":10,"chunks":0}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doJSON(t, "POST", ts.URL+"/v1/jobs/demo", "", "", tc.body)
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestCreateDemoJobMalformedBody(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, body := range []string{"not json", `{"n":1000}`, `{"chunks":4}`, `{}`} {
		resp := doJSON(t, "POST", ts.URL+"/v1/jobs/demo", "", "", body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Errorf("body %q: status = %d, want 422", body, resp.StatusCode)
		}
	}
}

func TestCreateJobRequiresAuth(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := doJSON(t, "POST", ts.URL+"/v1/jobs", "", "", `{"n":1000,"chunks":4}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", resp.StatusCode)
	}

	resp2 := doJSON(t, "POST", ts.URL+"/v1/jobs", "tok-unknown", "", `{"n":1000,"chunks":4}`)
	defer resp2.Body.Close()

	if resp2.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", resp2.StatusCode)
	}
}

func TestCreateAuthedJobUsesWiderLimits(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// Over the demo limit but within the authenticated one.
	resp := doJSON(t, "POST", ts.URL+"/v1/jobs", "tok-alice", "", `{"n":50000,"chunks":10}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	var snap model.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	final := waitForJobStatus(t, ts, snap.JobID, model.StatusCompleted)
	if final.Result == nil || *final.Result != 1250025000 {
		t.Fatalf("result = %v, want 1250025000", final.Result)
	}
}

func TestCreateJobRateLimited(t *testing.T) {
	opts := testOptions()
	opts.DemoRate = config.RateLimit{PerMinute: 2}
	srv := newTestServerOpts(t, opts)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for i := 0; i < 2; i++ {
		resp := doJSON(t, "POST", ts.URL+"/v1/jobs/demo", "", "", `{"n":10,"chunks":1}`)
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("request %d: status = %d, want 202", i+1, resp.StatusCode)
		}
	}

	resp := doJSON(t, "POST", ts.URL+"/v1/jobs/demo", "", "", `{"n":10,"chunks":1}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After header")
	}

	var body struct {
		RetryAfter int `json:"retry_after"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode 429 body: %v", err)
	}
	if body.RetryAfter < 1 {
		t.Errorf("retry_after = %d, want >= 1", body.RetryAfter)
	}
}

func TestIdempotentCreateReplaysResponse(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	first := doJSON(t, "POST", ts.URL+"/v1/jobs", "tok-alice", "key-1", `{"n":1000,"chunks":4}`)
	firstBody, _ := io.ReadAll(first.Body)
	first.Body.Close()
	if first.StatusCode != http.StatusAccepted {
		t.Fatalf("first request: status = %d, want 202", first.StatusCode)
	}

	second := doJSON(t, "POST", ts.URL+"/v1/jobs", "tok-alice", "key-1", `{"n":1000,"chunks":4}`)
	secondBody, _ := io.ReadAll(second.Body)
	second.Body.Close()
	if second.StatusCode != http.StatusAccepted {
		t.Fatalf("replay: status = %d, want 202", second.StatusCode)
	}

	if string(firstBody) != string(secondBody) {
		t.Errorf("replay body differs:\nfirst:  %s\nsecond: %s", firstBody, secondBody)
	}

	// A different key creates a distinct job.
	third := doJSON(t, "POST", ts.URL+"/v1/jobs", "tok-alice", "key-2", `{"n":1000,"chunks":4}`)
	var snapFirst, snapThird model.Snapshot
	json.Unmarshal(firstBody, &snapFirst)
	json.NewDecoder(third.Body).Decode(&snapThird)
	third.Body.Close()

	if snapFirst.JobID == snapThird.JobID {
		t.Error("different idempotency keys returned the same job")
	}
}

func TestIdempotentReplayIgnoresPayload(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	first := doJSON(t, "POST", ts.URL+"/v1/jobs", "tok-alice", "key-1", `{"n":1000,"chunks":4}`)
	firstBody, _ := io.ReadAll(first.Body)
	first.Body.Close()
	if first.StatusCode != http.StatusAccepted {
		t.Fatalf("first request: status = %d, want 202", first.StatusCode)
	}

	// Repeats of the same key replay the stored response even when the
	// payload is out of range or not JSON at all.
	for _, body := range []string{`{"n":99999999,"chunks":4}`, "not json", ""} {
		resp := doJSON(t, "POST", ts.URL+"/v1/jobs", "tok-alice", "key-1", body)
		replay, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusAccepted {
			t.Errorf("payload %q: status = %d, want 202", body, resp.StatusCode)
		}
		if string(replay) != string(firstBody) {
			t.Errorf("payload %q: replay body differs:\nfirst:  %s\nreplay: %s", body, firstBody, replay)
		}
	}
}

func TestIdempotencyKeyReleasedOnRejection(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	bad := doJSON(t, "POST", ts.URL+"/v1/jobs", "tok-alice", "key-1", `{"n":0,"chunks":1}`)
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid bounds: status = %d, want 400", bad.StatusCode)
	}

	// The rejected attempt must not consume the key.
	good := doJSON(t, "POST", ts.URL+"/v1/jobs", "tok-alice", "key-1", `{"n":1000,"chunks":4}`)
	defer good.Body.Close()
	if good.StatusCode != http.StatusAccepted {
		t.Fatalf("retry with same key: status = %d, want 202", good.StatusCode)
	}

	var snap model.Snapshot
	if err := json.NewDecoder(good.Body).Decode(&snap); err != nil {
		t.Fatalf("decode retry response: %v", err)
	}
	if len(snap.JobID) != 26 {
		t.Errorf("job_id length = %d, want 26", len(snap.JobID))
	}
}

func TestIdempotencyKeysScopedPerOwner(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	alice := doJSON(t, "POST", ts.URL+"/v1/jobs", "tok-alice", "shared-key", `{"n":100,"chunks":2}`)
	var aliceSnap model.Snapshot
	json.NewDecoder(alice.Body).Decode(&aliceSnap)
	alice.Body.Close()

	bob := doJSON(t, "POST", ts.URL+"/v1/jobs", "tok-bob", "shared-key", `{"n":100,"chunks":2}`)
	var bobSnap model.Snapshot
	json.NewDecoder(bob.Body).Decode(&bobSnap)
	bob.Body.Close()

	if aliceSnap.JobID == bobSnap.JobID {
		t.Error("idempotency key leaked across owners")
	}
}

func TestResultCacheServesRepeatWork(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := doJSON(t, "POST", ts.URL+"/v1/jobs", "tok-alice", "", `{"n":100,"chunks":2}`)
	var snap model.Snapshot
	json.NewDecoder(resp.Body).Decode(&snap)
	resp.Body.Close()

	waitForJobStatus(t, ts, snap.JobID, model.StatusCompleted)

	repeat := doJSON(t, "POST", ts.URL+"/v1/jobs", "tok-bob", "", `{"n":100,"chunks":2}`)
	defer repeat.Body.Close()

	if repeat.StatusCode != http.StatusAccepted {
		t.Fatalf("repeat: status = %d, want 202", repeat.StatusCode)
	}

	var cached model.Snapshot
	if err := json.NewDecoder(repeat.Body).Decode(&cached); err != nil {
		t.Fatalf("decode repeat response: %v", err)
	}
	if !cached.Cached {
		t.Error("repeat work specification not served from cache")
	}
	if cached.Status != model.StatusCompleted {
		t.Errorf("cached job status = %q, want completed", cached.Status)
	}
	if cached.Result == nil || *cached.Result != 5050 {
		t.Fatalf("cached result = %v, want 5050", cached.Result)
	}
	if cached.JobID == snap.JobID {
		t.Error("cached submission reused the original job ID")
	}
}

func TestDemoJobsBypassResultCache(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := doJSON(t, "POST", ts.URL+"/v1/jobs", "tok-alice", "", `{"n":100,"chunks":2}`)
	var snap model.Snapshot
	json.NewDecoder(resp.Body).Decode(&snap)
	resp.Body.Close()
	waitForJobStatus(t, ts, snap.JobID, model.StatusCompleted)

	demo := doJSON(t, "POST", ts.URL+"/v1/jobs/demo", "", "", `{"n":100,"chunks":2}`)
	defer demo.Body.Close()

	var demoSnap model.Snapshot
	if err := json.NewDecoder(demo.Body).Decode(&demoSnap); err != nil {
		t.Fatalf("decode demo response: %v", err)
	}
	if demoSnap.Cached {
		t.Error("demo job served from result cache")
	}

	final := waitForJobStatus(t, ts, demoSnap.JobID, model.StatusCompleted)
	if final.Result == nil || *final.Result != 5050 {
		t.Fatalf("demo result = %v, want 5050", final.Result)
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs/nonexistent")
	if err != nil {
		t.Fatalf("GET /v1/jobs/nonexistent: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCancelJob(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := doJSON(t, "POST", ts.URL+"/v1/jobs", "tok-alice", "", `{"n":1000000,"chunks":100}`)
	var snap model.Snapshot
	json.NewDecoder(resp.Body).Decode(&snap)
	resp.Body.Close()

	del := doJSON(t, "DELETE", ts.URL+"/v1/jobs/"+snap.JobID, "tok-alice", "", "")
	del.Body.Close()
	if del.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE status = %d, want 204", del.StatusCode)
	}

	// Cancellation races chunk completion; the job may already have finished.
	// A cancelled job must carry no result.
	var final model.Snapshot
	get, _ := http.Get(ts.URL + "/v1/jobs/" + snap.JobID)
	json.NewDecoder(get.Body).Decode(&final)
	get.Body.Close()
	if final.Status == model.StatusCancelled && final.Result != nil {
		t.Errorf("cancelled job has result %v", *final.Result)
	}
	if final.Status == model.StatusFailed {
		t.Errorf("cancel produced a failed job: %q", final.Detail)
	}
}

func TestCancelJobOwnership(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := doJSON(t, "POST", ts.URL+"/v1/jobs", "tok-alice", "", `{"n":1000,"chunks":4}`)
	var snap model.Snapshot
	json.NewDecoder(resp.Body).Decode(&snap)
	resp.Body.Close()

	// Non-owner and anonymous cancellation read as missing.
	asBob := doJSON(t, "DELETE", ts.URL+"/v1/jobs/"+snap.JobID, "tok-bob", "", "")
	asBob.Body.Close()
	if asBob.StatusCode != http.StatusNotFound {
		t.Errorf("non-owner DELETE status = %d, want 404", asBob.StatusCode)
	}

	anon := doJSON(t, "DELETE", ts.URL+"/v1/jobs/"+snap.JobID, "", "", "")
	anon.Body.Close()
	if anon.StatusCode != http.StatusNotFound {
		t.Errorf("anonymous DELETE status = %d, want 404", anon.StatusCode)
	}

	owner := doJSON(t, "DELETE", ts.URL+"/v1/jobs/"+snap.JobID, "tok-alice", "", "")
	owner.Body.Close()
	if owner.StatusCode != http.StatusNoContent {
		t.Errorf("owner DELETE status = %d, want 204", owner.StatusCode)
	}
}

func TestCancelJobNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := doJSON(t, "DELETE", ts.URL+"/v1/jobs/nonexistent", "tok-alice", "", "")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListJobsRequiresAuth(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs")
	if err != nil {
		t.Fatalf("GET /v1/jobs: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestListJobsScopedToOwner(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for i := 0; i < 3; i++ {
		resp := doJSON(t, "POST", ts.URL+"/v1/jobs", "tok-alice", "", `{"n":100,"chunks":2}`)
		var snap model.Snapshot
		json.NewDecoder(resp.Body).Decode(&snap)
		resp.Body.Close()
		waitForJobStatus(t, ts, snap.JobID, model.StatusCompleted)
	}

	asAlice := doJSON(t, "GET", ts.URL+"/v1/jobs", "tok-alice", "", "")
	defer asAlice.Body.Close()

	var aliceList listJobsResponse
	if err := json.NewDecoder(asAlice.Body).Decode(&aliceList); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if aliceList.Total != 3 {
		t.Errorf("alice total = %d, want 3", aliceList.Total)
	}

	asBob := doJSON(t, "GET", ts.URL+"/v1/jobs", "tok-bob", "", "")
	defer asBob.Body.Close()

	var bobList listJobsResponse
	if err := json.NewDecoder(asBob.Body).Decode(&bobList); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if bobList.Total != 0 {
		t.Errorf("bob total = %d, want 0", bobList.Total)
	}
}

func TestListJobsPagination(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for i := 0; i < 5; i++ {
		resp := doJSON(t, "POST", ts.URL+"/v1/jobs", "tok-alice", "", `{"n":10,"chunks":1}`)
		var snap model.Snapshot
		json.NewDecoder(resp.Body).Decode(&snap)
		resp.Body.Close()
		waitForJobStatus(t, ts, snap.JobID, model.StatusCompleted)
	}

	resp := doJSON(t, "GET", ts.URL+"/v1/jobs?limit=2&offset=0", "tok-alice", "", "")
	defer resp.Body.Close()

	var list listJobsResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Total != 5 {
		t.Errorf("total = %d, want 5", list.Total)
	}
	if len(list.Jobs) != 2 {
		t.Errorf("jobs count = %d, want 2", len(list.Jobs))
	}
	if list.Limit != 2 || list.Offset != 0 {
		t.Errorf("limit/offset = %d/%d, want 2/0", list.Limit, list.Offset)
	}
}
