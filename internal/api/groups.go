// =============================================================================
// CONSUMER GROUP HANDLERS
// =============================================================================

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"takhin/internal/broker"
)

type groupSummaryOut struct {
	GroupID string `json:"groupId"`
	State   string `json:"state"`
	Members int    `json:"members"`
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	summaries := s.broker.Coordinator().ListGroups()
	out := make([]groupSummaryOut, 0, len(summaries))
	for _, g := range summaries {
		out = append(out, groupSummaryOut{GroupID: g.GroupID, State: string(g.State), Members: g.Members})
	}
	s.writeJSON(w, http.StatusOK, out)
}

type memberOut struct {
	MemberID   string           `json:"memberId"`
	ClientID   string           `json:"clientId"`
	ClientHost string           `json:"clientHost,omitempty"`
	Partitions map[string][]int `json:"partitions,omitempty"`
}

type offsetCommitOut struct {
	Topic         string `json:"topic"`
	Partition     int    `json:"partition"`
	Offset        int64  `json:"offset"`
	HighWaterMark int64  `json:"highWaterMark"`
	Lag           int64  `json:"lag"`
	Metadata      string `json:"metadata,omitempty"`
}

type groupDetailOut struct {
	GroupID       string            `json:"groupId"`
	State         string            `json:"state"`
	ProtocolType  string            `json:"protocolType"`
	Protocol      string            `json:"protocol,omitempty"`
	Members       []memberOut       `json:"members"`
	OffsetCommits []offsetCommitOut `json:"offsetCommits"`
}

func (s *Server) describeGroup(w http.ResponseWriter, r *http.Request) {
	detail, err := s.broker.Coordinator().DescribeGroup(chi.URLParam(r, "group"))
	if err != nil {
		s.writeError(w, err, false)
		return
	}
	out := groupDetailOut{
		GroupID:       detail.GroupID,
		State:         string(detail.State),
		ProtocolType:  detail.ProtocolType,
		Protocol:      detail.Protocol,
		Members:       make([]memberOut, 0, len(detail.Members)),
		OffsetCommits: make([]offsetCommitOut, 0, len(detail.OffsetCommits)),
	}
	for _, m := range detail.Members {
		out.Members = append(out.Members, memberOut{
			MemberID:   m.MemberID,
			ClientID:   m.ClientID,
			ClientHost: m.ClientHost,
			Partitions: m.Partitions,
		})
	}
	for _, oc := range detail.OffsetCommits {
		out.OffsetCommits = append(out.OffsetCommits, offsetCommitOut{
			Topic:         oc.Topic,
			Partition:     oc.Partition,
			Offset:        oc.Offset,
			HighWaterMark: oc.HighWaterMark,
			Lag:           oc.Lag,
			Metadata:      oc.Metadata,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) deleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.Coordinator().DeleteGroup(chi.URLParam(r, "group")); err != nil {
		s.writeError(w, err, false)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type joinRequest struct {
	MemberID         string   `json:"memberId,omitempty"`
	ClientID         string   `json:"clientId"`
	Protocol         string   `json:"protocol,omitempty"`
	Topics           []string `json:"topics"`
	SessionTimeoutMs int      `json:"sessionTimeoutMs,omitempty"`
}

type joinResponse struct {
	Generation int               `json:"generation"`
	MemberID   string            `json:"memberId"`
	LeaderID   string            `json:"leaderId"`
	Protocol   string            `json:"protocol"`
	Members    []joinMemberEntry `json:"members,omitempty"`
}

type joinMemberEntry struct {
	MemberID string   `json:"memberId"`
	ClientID string   `json:"clientId"`
	Topics   []string `json:"topics"`
}

func (s *Server) joinGroup(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	result, err := s.broker.Coordinator().JoinGroup(broker.JoinGroupRequest{
		GroupID:        chi.URLParam(r, "group"),
		MemberID:       req.MemberID,
		ClientID:       req.ClientID,
		ClientHost:     r.RemoteAddr,
		Protocol:       req.Protocol,
		Subscriptions:  req.Topics,
		SessionTimeout: time.Duration(req.SessionTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		s.writeError(w, err, false)
		return
	}
	resp := joinResponse{
		Generation: result.Generation,
		MemberID:   result.MemberID,
		LeaderID:   result.LeaderID,
		Protocol:   result.Protocol,
	}
	for _, m := range result.Members {
		resp.Members = append(resp.Members, joinMemberEntry{
			MemberID: m.MemberID,
			ClientID: m.ClientID,
			Topics:   m.Subscriptions,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type syncRequest struct {
	MemberID    string                      `json:"memberId"`
	Generation  int                         `json:"generation"`
	Assignments map[string]map[string][]int `json:"assignments,omitempty"`
}

func (s *Server) syncGroup(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	assignment, err := s.broker.Coordinator().SyncGroup(broker.SyncGroupRequest{
		GroupID:     chi.URLParam(r, "group"),
		MemberID:    req.MemberID,
		Generation:  req.Generation,
		Assignments: req.Assignments,
	})
	if err != nil {
		s.writeError(w, err, false)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]map[string][]int{"assignment": assignment})
}

type heartbeatRequest struct {
	MemberID   string `json:"memberId"`
	Generation int    `json:"generation"`
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	if err := s.broker.Coordinator().Heartbeat(chi.URLParam(r, "group"), req.MemberID, req.Generation); err != nil {
		s.writeError(w, err, false)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type leaveRequest struct {
	MemberID string `json:"memberId"`
}

func (s *Server) leaveGroup(w http.ResponseWriter, r *http.Request) {
	var req leaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	if err := s.broker.Coordinator().LeaveGroup(chi.URLParam(r, "group"), req.MemberID); err != nil {
		s.writeError(w, err, false)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type commitOffsetRequest struct {
	Topic      string `json:"topic"`
	Partition  int    `json:"partition"`
	Offset     int64  `json:"offset"`
	Generation *int   `json:"generation,omitempty"` // absent for standalone consumers
	Metadata   string `json:"metadata,omitempty"`
}

func (s *Server) commitOffset(w http.ResponseWriter, r *http.Request) {
	var req commitOffsetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	if req.Topic == "" {
		s.badRequest(w, "topic is required")
		return
	}
	generation := -1
	if req.Generation != nil {
		generation = *req.Generation
	}
	err := s.broker.Coordinator().CommitOffset(chi.URLParam(r, "group"), generation, req.Topic, req.Partition, req.Offset, req.Metadata)
	if err != nil {
		s.writeError(w, err, false)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) fetchOffset(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	topic := q.Get("topic")
	if topic == "" {
		s.badRequest(w, "topic is required")
		return
	}
	partition, err := intParam(q.Get("partition"), 0)
	if err != nil {
		s.badRequest(w, "partition must be an integer")
		return
	}
	co, ok := s.broker.Coordinator().FetchCommitted(chi.URLParam(r, "group"), topic, partition)
	if !ok {
		// No commit yet: offset -1 by convention, not an error.
		s.writeJSON(w, http.StatusOK, map[string]any{"topic": topic, "partition": partition, "offset": -1})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"topic":     topic,
		"partition": partition,
		"offset":    co.Offset,
		"metadata":  co.Metadata,
	})
}
