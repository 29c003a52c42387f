// =============================================================================
// RPC ENDPOINT - Protocol operations over HTTP
// =============================================================================
//
// POST /api/rpc/{op} carries one typed protocol request as JSON and returns
// the operation's typed response. The HTTP status is 200 for every known
// operation: failures ride inside the response's errorCode/errorMessage,
// exactly as a protocol client would see them. The REST endpoints above
// stay the human-facing surface; this one is for clients speaking the
// operation vocabulary directly.
//
// =============================================================================

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"takhin/internal/protocol"
)

// rpc dispatches one protocol operation by name.
func (s *Server) rpc(w http.ResponseWriter, r *http.Request) {
	op := chi.URLParam(r, "op")
	switch op {
	case "CreateTopics":
		var req protocol.CreateTopicsRequest
		if s.decodeRPC(w, r, &req) {
			s.writeJSON(w, http.StatusOK, s.protocol.CreateTopics(req))
		}
	case "DeleteTopics":
		var req protocol.DeleteTopicsRequest
		if s.decodeRPC(w, r, &req) {
			s.writeJSON(w, http.StatusOK, s.protocol.DeleteTopics(req))
		}
	case "Metadata":
		var req protocol.MetadataRequest
		if s.decodeRPC(w, r, &req) {
			s.writeJSON(w, http.StatusOK, s.protocol.Metadata(req))
		}
	case "Produce":
		var req protocol.ProduceRequest
		if s.decodeRPC(w, r, &req) {
			s.writeJSON(w, http.StatusOK, s.protocol.Produce(req))
		}
	case "Fetch":
		var req protocol.FetchRequest
		if s.decodeRPC(w, r, &req) {
			s.writeJSON(w, http.StatusOK, s.protocol.Fetch(r.Context(), req))
		}
	case "ListOffsets":
		var req protocol.ListOffsetsRequest
		if s.decodeRPC(w, r, &req) {
			s.writeJSON(w, http.StatusOK, s.protocol.ListOffsets(req))
		}
	case "InitProducerID":
		var req protocol.InitProducerIDRequest
		if s.decodeRPC(w, r, &req) {
			s.writeJSON(w, http.StatusOK, s.protocol.InitProducerID(req))
		}
	case "AddPartitionsToTxn":
		var req protocol.AddPartitionsToTxnRequest
		if s.decodeRPC(w, r, &req) {
			s.writeJSON(w, http.StatusOK, s.protocol.AddPartitionsToTxn(req))
		}
	case "EndTxn":
		var req protocol.EndTxnRequest
		if s.decodeRPC(w, r, &req) {
			s.writeJSON(w, http.StatusOK, s.protocol.EndTxn(req))
		}
	case "FindCoordinator":
		var req protocol.FindCoordinatorRequest
		if s.decodeRPC(w, r, &req) {
			s.writeJSON(w, http.StatusOK, s.protocol.FindCoordinator(req))
		}
	case "JoinGroup":
		var req protocol.JoinGroupRequest
		if s.decodeRPC(w, r, &req) {
			s.writeJSON(w, http.StatusOK, s.protocol.JoinGroup(req))
		}
	case "SyncGroup":
		var req protocol.SyncGroupRequest
		if s.decodeRPC(w, r, &req) {
			s.writeJSON(w, http.StatusOK, s.protocol.SyncGroup(req))
		}
	case "Heartbeat":
		var req protocol.HeartbeatRequest
		if s.decodeRPC(w, r, &req) {
			s.writeJSON(w, http.StatusOK, s.protocol.Heartbeat(req))
		}
	case "LeaveGroup":
		var req protocol.LeaveGroupRequest
		if s.decodeRPC(w, r, &req) {
			s.writeJSON(w, http.StatusOK, s.protocol.LeaveGroup(req))
		}
	case "OffsetCommit":
		var req protocol.OffsetCommitRequest
		if s.decodeRPC(w, r, &req) {
			s.writeJSON(w, http.StatusOK, s.protocol.OffsetCommit(req))
		}
	case "OffsetFetch":
		var req protocol.OffsetFetchRequest
		if s.decodeRPC(w, r, &req) {
			s.writeJSON(w, http.StatusOK, s.protocol.OffsetFetch(req))
		}
	case "ListGroups":
		s.writeJSON(w, http.StatusOK, s.protocol.ListGroups())
	case "DescribeGroups":
		var req protocol.DescribeGroupsRequest
		if s.decodeRPC(w, r, &req) {
			s.writeJSON(w, http.StatusOK, s.protocol.DescribeGroups(req))
		}
	case "DescribeConfigs":
		var req protocol.DescribeConfigsRequest
		if s.decodeRPC(w, r, &req) {
			s.writeJSON(w, http.StatusOK, s.protocol.DescribeConfigs(req))
		}
	default:
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: fmt.Sprintf("unknown operation %q", op)})
	}
}

// decodeRPC parses the request body. An empty body decodes to the zero
// request, so operations without parameters need no payload.
func (s *Server) decodeRPC(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		s.badRequest(w, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
