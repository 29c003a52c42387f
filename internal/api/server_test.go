// =============================================================================
// API SERVER TESTS - Wire shapes and status codes
// =============================================================================
//
// KEY BEHAVIORS TO TEST:
// 1. Topic CRUD returns the documented JSON shapes and statuses
// 2. A fresh 3-partition topic lists partitionCount=3, all hwm 0
// 3. Produce returns {offset, partition}; offsets count up from 0
// 4. Fetch out of range is 416; commit out of range is 400
// 5. Deleting a missing topic is 404, both times in a row
// 6. Group join/describe round-trips through REST
//
// =============================================================================

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"takhin/internal/broker"
)

func newTestServer(t *testing.T, keys []string) *httptest.Server {
	t.Helper()
	cfg := broker.DefaultConfig()
	cfg.DataDir = t.TempDir()
	b, err := broker.New(cfg, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("broker.New() error = %v", err)
	}
	t.Cleanup(func() { b.Close() })

	s := NewServer(b, nil, Config{APIKeys: keys}, zap.NewNop())
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	out.ReadFrom(resp.Body)
	return resp, out.Bytes()
}

func TestTopicLifecycleOverREST(t *testing.T) {
	ts := newTestServer(t, nil)

	// Create a 3-partition topic.
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/topics", map[string]any{"name": "events", "partitions": 3})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201: %s", resp.StatusCode, body)
	}
	var desc struct {
		Name           string `json:"name"`
		PartitionCount int    `json:"partitionCount"`
		Partitions     []struct {
			ID            int   `json:"id"`
			HighWaterMark int64 `json:"highWaterMark"`
		} `json:"partitions"`
	}
	if err := json.Unmarshal(body, &desc); err != nil {
		t.Fatalf("decode descriptor: %v", err)
	}
	if desc.Name != "events" || desc.PartitionCount != 3 || len(desc.Partitions) != 3 {
		t.Errorf("descriptor = %+v, want events with 3 partitions", desc)
	}
	for _, p := range desc.Partitions {
		if p.HighWaterMark != 0 {
			t.Errorf("partition %d hwm = %d, want 0", p.ID, p.HighWaterMark)
		}
	}

	// Duplicate create conflicts.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/topics", map[string]any{"name": "events", "partitions": 3})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate create status = %d, want 409", resp.StatusCode)
	}

	// Listing shows it.
	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/topics", nil)
	var listed []json.RawMessage
	json.Unmarshal(body, &listed)
	if resp.StatusCode != http.StatusOK || len(listed) != 1 {
		t.Errorf("list status = %d with %d topics, want 200 with 1", resp.StatusCode, len(listed))
	}

	// Delete, then delete again: 204 then 404, and 404 stays 404.
	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/topics/events", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", resp.StatusCode)
	}
	for i := 0; i < 2; i++ {
		resp, body = doJSON(t, http.MethodDelete, ts.URL+"/api/topics/events", nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("delete missing (attempt %d) status = %d, want 404", i+1, resp.StatusCode)
		}
		var e struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
			t.Errorf("error body = %s, want {\"error\": ...}", body)
		}
	}
}

func TestProduceAndFetchOverREST(t *testing.T) {
	ts := newTestServer(t, nil)
	doJSON(t, http.MethodPost, ts.URL+"/api/topics", map[string]any{"name": "events", "partitions": 1})

	// First produce lands at offset 0, second at 1.
	for want := int64(0); want < 2; want++ {
		resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/topics/events/messages", map[string]any{
			"partition": 0, "key": "user-1", "value": fmt.Sprintf(`{"action":"login","n":%d}`, want),
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("produce status = %d: %s", resp.StatusCode, body)
		}
		var out struct {
			Offset    int64 `json:"offset"`
			Partition int   `json:"partition"`
		}
		json.Unmarshal(body, &out)
		if out.Offset != want || out.Partition != 0 {
			t.Errorf("produce = %+v, want offset %d partition 0", out, want)
		}
	}

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/topics/events/messages?partition=0&offset=0&limit=10", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fetch status = %d: %s", resp.StatusCode, body)
	}
	var msgs []struct {
		Partition int    `json:"partition"`
		Offset    int64  `json:"offset"`
		Key       string `json:"key"`
		Value     string `json:"value"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(body, &msgs); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("fetched %d messages, want 2", len(msgs))
	}
	if msgs[0].Offset != 0 || msgs[0].Key != "user-1" || msgs[0].Timestamp == 0 {
		t.Errorf("message 0 = %+v", msgs[0])
	}

	// Past the high-water mark: 416.
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/topics/events/messages?partition=0&offset=99", nil)
	if resp.StatusCode != http.StatusRequestedRangeNotSatisfiable {
		t.Errorf("out-of-range fetch status = %d, want 416", resp.StatusCode)
	}

	// Missing topic: 404.
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/topics/nope/messages", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing topic fetch status = %d, want 404", resp.StatusCode)
	}
}

func TestFetchAtHighWaterMarkReturnsEmptyArray(t *testing.T) {
	ts := newTestServer(t, nil)
	doJSON(t, http.MethodPost, ts.URL+"/api/topics", map[string]any{"name": "events", "partitions": 1})

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/topics/events/messages?partition=0&offset=0", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fetch at hwm status = %d", resp.StatusCode)
	}
	var msgs []json.RawMessage
	if err := json.Unmarshal(body, &msgs); err != nil {
		t.Fatalf("decode: %v (body %s)", err, body)
	}
	if len(msgs) != 0 {
		t.Errorf("fetch at hwm = %d messages, want 0", len(msgs))
	}
}

func TestGroupEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	doJSON(t, http.MethodPost, ts.URL+"/api/topics", map[string]any{"name": "events", "partitions": 2})

	// Join, then sync to pick up the assignment.
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/consumer-groups/readers/join", map[string]any{
		"clientId": "cli", "topics": []string{"events"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join status = %d: %s", resp.StatusCode, body)
	}
	var join struct {
		Generation int    `json:"generation"`
		MemberID   string `json:"memberId"`
		LeaderID   string `json:"leaderId"`
	}
	json.Unmarshal(body, &join)
	if join.MemberID == "" || join.LeaderID != join.MemberID {
		t.Errorf("join = %+v, want sole member as leader", join)
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/consumer-groups/readers/sync", map[string]any{
		"memberId": join.MemberID, "generation": join.Generation,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync status = %d: %s", resp.StatusCode, body)
	}

	// Stale generation heartbeats conflict.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/consumer-groups/readers/heartbeat", map[string]any{
		"memberId": join.MemberID, "generation": join.Generation + 5,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("stale heartbeat status = %d, want 409", resp.StatusCode)
	}

	// Unknown members are 404.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/consumer-groups/readers/heartbeat", map[string]any{
		"memberId": "ghost", "generation": join.Generation,
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown member heartbeat status = %d, want 404", resp.StatusCode)
	}

	// Commit and read back an offset; committing past the hwm is 400.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/consumer-groups/readers/offsets", map[string]any{
		"topic": "events", "partition": 0, "offset": 0, "generation": join.Generation,
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("commit status = %d, want 200", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/consumer-groups/readers/offsets", map[string]any{
		"topic": "events", "partition": 0, "offset": 999, "generation": join.Generation,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("commit past hwm status = %d, want 400", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/consumer-groups/readers/offsets?topic=events&partition=0", nil)
	var fetched struct {
		Offset int64 `json:"offset"`
	}
	json.Unmarshal(body, &fetched)
	if resp.StatusCode != http.StatusOK || fetched.Offset != 0 {
		t.Errorf("offset fetch = %d (status %d), want 0", fetched.Offset, resp.StatusCode)
	}

	// List and describe.
	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/consumer-groups", nil)
	var groups []struct {
		GroupID string `json:"groupId"`
		State   string `json:"state"`
		Members int    `json:"members"`
	}
	json.Unmarshal(body, &groups)
	if len(groups) != 1 || groups[0].GroupID != "readers" || groups[0].State != "Stable" {
		t.Errorf("group list = %+v, want [readers Stable]", groups)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/consumer-groups/readers", nil)
	var detail struct {
		GroupID string `json:"groupId"`
		State   string `json:"state"`
		Members []struct {
			MemberID string `json:"memberId"`
			ClientID string `json:"clientId"`
		} `json:"members"`
		OffsetCommits []struct {
			Topic         string `json:"topic"`
			Offset        int64  `json:"offset"`
			HighWaterMark int64  `json:"highWaterMark"`
			Lag           int64  `json:"lag"`
		} `json:"offsetCommits"`
	}
	if err := json.Unmarshal(body, &detail); err != nil {
		t.Fatalf("decode group detail: %v", err)
	}
	if len(detail.Members) != 1 || detail.Members[0].ClientID != "cli" {
		t.Errorf("detail members = %+v", detail.Members)
	}
	if len(detail.OffsetCommits) != 1 || detail.OffsetCommits[0].Offset != 0 {
		t.Errorf("detail commits = %+v", detail.OffsetCommits)
	}

	// Describing an unknown group is 404.
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/consumer-groups/nowhere", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown group describe status = %d, want 404", resp.StatusCode)
	}
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	for _, path := range []string{"/api/health", "/api/health/ready", "/api/health/live"} {
		resp, body := doJSON(t, http.MethodGet, ts.URL+path, nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, resp.StatusCode)
		}
		var out struct {
			Status string `json:"status"`
		}
		if json.Unmarshal(body, &out); out.Status != "ok" {
			t.Errorf("%s body = %s, want {\"status\":\"ok\"}", path, body)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/metrics status = %d", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte("takhin_")) {
		t.Errorf("/metrics exposition missing takhin_ metrics")
	}
}
