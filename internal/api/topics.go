// =============================================================================
// TOPIC & MESSAGE HANDLERS
// =============================================================================

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"takhin/internal/broker"
	"takhin/internal/storage"
)

// partitionDescriptor is one partition in a topic descriptor.
type partitionDescriptor struct {
	ID            int   `json:"id"`
	HighWaterMark int64 `json:"highWaterMark"`
}

// topicDescriptor is the wire shape for a topic.
type topicDescriptor struct {
	Name           string                `json:"name"`
	PartitionCount int                   `json:"partitionCount"`
	Partitions     []partitionDescriptor `json:"partitions"`
}

func describeTopic(t *broker.Topic) topicDescriptor {
	desc := topicDescriptor{
		Name:           t.Name(),
		PartitionCount: t.PartitionCount(),
		Partitions:     make([]partitionDescriptor, 0, t.PartitionCount()),
	}
	for _, p := range t.Partitions() {
		desc.Partitions = append(desc.Partitions, partitionDescriptor{
			ID:            p.ID(),
			HighWaterMark: p.HighWaterMark(),
		})
	}
	return desc
}

func (s *Server) listTopics(w http.ResponseWriter, r *http.Request) {
	names := s.broker.ListTopics()
	out := make([]topicDescriptor, 0, len(names))
	for _, name := range names {
		t, err := s.broker.GetTopic(name)
		if err != nil {
			continue // deleted between list and describe
		}
		out = append(out, describeTopic(t))
	}
	s.writeJSON(w, http.StatusOK, out)
}

type createTopicRequest struct {
	Name       string            `json:"name"`
	Partitions int               `json:"partitions"`
	Config     map[string]string `json:"config,omitempty"`
}

func (s *Server) createTopic(w http.ResponseWriter, r *http.Request) {
	var req createTopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	if req.Name == "" {
		s.badRequest(w, "name is required")
		return
	}
	if req.Partitions <= 0 {
		req.Partitions = 1
	}
	t, err := s.broker.CreateTopic(req.Name, req.Partitions, req.Config)
	if err != nil {
		s.writeError(w, err, false)
		return
	}
	s.writeJSON(w, http.StatusCreated, describeTopic(t))
}

func (s *Server) getTopic(w http.ResponseWriter, r *http.Request) {
	t, err := s.broker.GetTopic(chi.URLParam(r, "topic"))
	if err != nil {
		s.writeError(w, err, false)
		return
	}
	s.writeJSON(w, http.StatusOK, describeTopic(t))
}

func (s *Server) deleteTopic(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.DeleteTopic(chi.URLParam(r, "topic")); err != nil {
		s.writeError(w, err, false)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type produceRequest struct {
	Partition   *int   `json:"partition,omitempty"` // nil lets the broker pick
	Key         string `json:"key,omitempty"`
	Value       string `json:"value"`
	Acks        string `json:"acks,omitempty"`
	Compression string `json:"compression,omitempty"`
}

type produceResponse struct {
	Offset    int64 `json:"offset"`
	Partition int   `json:"partition"`
}

func (s *Server) produceMessage(w http.ResponseWriter, r *http.Request) {
	var req produceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	acks, err := broker.ParseAcks(req.Acks)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	codec, err := storage.ParseCompression(req.Compression)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}

	partition := -1
	if req.Partition != nil {
		partition = *req.Partition
	}
	var key []byte
	if req.Key != "" {
		key = []byte(req.Key)
	}

	res, err := s.broker.Produce(broker.ProduceRequest{
		Topic:       chi.URLParam(r, "topic"),
		Partition:   partition,
		Key:         key,
		Value:       []byte(req.Value),
		Acks:        acks,
		Compression: codec,
		ProducerID:  -1,
	})
	if err != nil {
		s.writeError(w, err, false)
		return
	}
	s.writeJSON(w, http.StatusCreated, produceResponse{Offset: res.Offset, Partition: res.Partition})
}

type messageOut struct {
	Partition int    `json:"partition"`
	Offset    int64  `json:"offset"`
	Key       string `json:"key,omitempty"`
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp"`
}

// fetchMessages serves GET .../messages?partition&offset&limit&isolation&timeout.
// timeout is a Go duration ("5s"); a non-zero value long-polls until data
// arrives or the wait expires, and an expired wait returns an empty array.
func (s *Server) fetchMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	partition, err := intParam(q.Get("partition"), 0)
	if err != nil {
		s.badRequest(w, "partition must be an integer")
		return
	}
	offset, err := int64Param(q.Get("offset"), 0)
	if err != nil {
		s.badRequest(w, "offset must be an integer")
		return
	}
	limit, err := intParam(q.Get("limit"), 100)
	if err != nil {
		s.badRequest(w, "limit must be an integer")
		return
	}
	isolation, err := broker.ParseIsolation(q.Get("isolation"))
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	var wait time.Duration
	if v := q.Get("timeout"); v != "" {
		wait, err = time.ParseDuration(v)
		if err != nil {
			s.badRequest(w, "timeout must be a duration like 5s")
			return
		}
	}

	records, err := s.broker.Fetch(r.Context(), broker.FetchRequest{
		Topic:       chi.URLParam(r, "topic"),
		Partition:   partition,
		Offset:      offset,
		MaxMessages: limit,
		Isolation:   isolation,
		MaxWait:     wait,
	})
	if err != nil {
		s.writeError(w, err, true)
		return
	}

	out := make([]messageOut, 0, len(records))
	for _, rec := range records {
		out = append(out, messageOut{
			Partition: rec.Partition,
			Offset:    rec.Offset,
			Key:       string(rec.Key),
			Value:     string(rec.Value),
			Timestamp: rec.Timestamp,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func int64Param(v string, def int64) (int64, error) {
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}
