// =============================================================================
// RPC ENDPOINT TESTS
// =============================================================================
//
// KEY BEHAVIORS TO TEST:
// 1. Protocol operations round-trip over POST /api/rpc/{op}
// 2. Failures come back HTTP 200 with the operation's error code
// 3. Operations without parameters accept an empty body
// 4. An unknown operation name is 404
//
// =============================================================================

package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"takhin/internal/protocol"
)

func TestRPCProduceFetchCycle(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/rpc/CreateTopics", protocol.CreateTopicsRequest{
		Topics: []protocol.CreateTopicSpec{{Name: "events", Partitions: 2}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("CreateTopics status = %d, want 200", resp.StatusCode)
	}
	var created protocol.CreateTopicsResponse
	json.Unmarshal(body, &created)
	if len(created.Results) != 1 || created.Results[0].ErrorCode != protocol.ErrNone {
		t.Fatalf("CreateTopics results = %+v, want one clean result", created.Results)
	}

	for i, value := range []string{"first", "second"} {
		var produced protocol.ProduceResponse
		_, body = doJSON(t, http.MethodPost, ts.URL+"/api/rpc/Produce", protocol.ProduceRequest{
			Topic: "events", Partition: 0, ProducerID: -1,
			Records: []protocol.ProduceRecord{{Value: []byte(value)}},
		})
		json.Unmarshal(body, &produced)
		if produced.ErrorCode != protocol.ErrNone {
			t.Fatalf("Produce error = %v (%s)", produced.ErrorCode, produced.ErrorMessage)
		}
		if produced.BaseOffset != int64(i) {
			t.Errorf("Produce offset = %d, want %d", produced.BaseOffset, i)
		}
	}

	var fetched protocol.FetchResponse
	_, body = doJSON(t, http.MethodPost, ts.URL+"/api/rpc/Fetch", protocol.FetchRequest{
		Topic: "events", Partition: 0, Offset: 0, MaxMessages: 10,
	})
	json.Unmarshal(body, &fetched)
	if fetched.ErrorCode != protocol.ErrNone || len(fetched.Records) != 2 {
		t.Fatalf("Fetch = %+v, want 2 clean records", fetched)
	}
	if string(fetched.Records[1].Value) != "second" {
		t.Errorf("Records[1].Value = %q, want %q", fetched.Records[1].Value, "second")
	}

	var offsets protocol.ListOffsetsResponse
	_, body = doJSON(t, http.MethodPost, ts.URL+"/api/rpc/ListOffsets", protocol.ListOffsetsRequest{
		Topic: "events", Partition: 0, Timestamp: protocol.OffsetLatest,
	})
	json.Unmarshal(body, &offsets)
	if offsets.Offset != 2 {
		t.Errorf("ListOffsets(latest) = %d, want 2", offsets.Offset)
	}
}

func TestRPCErrorRidesInResponse(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/rpc/Fetch", protocol.FetchRequest{
		Topic: "no-such-topic", Partition: 0, MaxMessages: 1,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Fetch(absent topic) status = %d, want 200 (errors ride in the response)", resp.StatusCode)
	}
	var fetched protocol.FetchResponse
	json.Unmarshal(body, &fetched)
	if fetched.ErrorCode != protocol.ErrUnknownTopicOrPartition {
		t.Errorf("ErrorCode = %v, want UNKNOWN_TOPIC_OR_PARTITION", fetched.ErrorCode)
	}
}

func TestRPCEmptyBodyAndUnknownOp(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/rpc/FindCoordinator", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("FindCoordinator status = %d, want 200", resp.StatusCode)
	}
	var coord protocol.FindCoordinatorResponse
	json.Unmarshal(body, &coord)
	if coord.Host == "" {
		t.Error("FindCoordinator returned an empty host")
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/rpc/Nonsense", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown op status = %d, want 404", resp.StatusCode)
	}
}
