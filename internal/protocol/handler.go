// =============================================================================
// PROTOCOL HANDLER - The broker seen through client-protocol operations
// =============================================================================
//
// One handler method per API operation, each mapping a typed request onto
// broker calls and classifying any failure into the response's ErrorCode.
// The handler never panics on bad input and never lets a broker sentinel
// escape as a Go error: clients read outcomes from the response structs.
//
// On a single-node broker coordinator discovery is trivial (it is always
// this node), but FindCoordinator stays on the surface so group clients
// written against the standard flow work unchanged.
//
// =============================================================================

package protocol

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"takhin/internal/broker"
)

// Handler serves protocol operations against a broker.
type Handler struct {
	broker *broker.Broker
	logger *zap.Logger

	// host/port advertised by FindCoordinator.
	host string
	port int
}

// NewHandler wires a handler. host and port are what FindCoordinator
// advertises to clients.
func NewHandler(b *broker.Broker, host string, port int, logger *zap.Logger) *Handler {
	return &Handler{
		broker: b,
		logger: logger.Named("protocol"),
		host:   host,
		port:   port,
	}
}

// ---- Topic management ----

func (h *Handler) CreateTopics(req CreateTopicsRequest) CreateTopicsResponse {
	resp := CreateTopicsResponse{Results: make([]TopicResult, 0, len(req.Topics))}
	for _, spec := range req.Topics {
		result := TopicResult{Name: spec.Name}
		if spec.Name == "" || spec.Partitions <= 0 {
			result.ErrorCode = ErrInvalidRequest
			result.ErrorMessage = "topic name and a positive partition count are required"
			resp.Results = append(resp.Results, result)
			continue
		}
		cfg := make(map[string]string, len(spec.Config)+1)
		for k, v := range spec.Config {
			cfg[k] = v
		}
		if spec.ReplicationFactor > 1 {
			// Accepted and remembered, not enforced: this broker is its own
			// only replica.
			cfg["replication.factor"] = strconv.Itoa(spec.ReplicationFactor)
		}
		if _, err := h.broker.CreateTopic(spec.Name, spec.Partitions, cfg); err != nil {
			result.ErrorCode = codeFor(err)
			result.ErrorMessage = err.Error()
		}
		resp.Results = append(resp.Results, result)
	}
	return resp
}

func (h *Handler) DeleteTopics(req DeleteTopicsRequest) DeleteTopicsResponse {
	resp := DeleteTopicsResponse{Results: make([]TopicResult, 0, len(req.Names))}
	for _, name := range req.Names {
		result := TopicResult{Name: name}
		if err := h.broker.DeleteTopic(name); err != nil {
			result.ErrorCode = codeFor(err)
			result.ErrorMessage = err.Error()
		}
		resp.Results = append(resp.Results, result)
	}
	return resp
}

// ---- Metadata ----

func (h *Handler) Metadata(req MetadataRequest) MetadataResponse {
	names := req.Topics
	if len(names) == 0 {
		names = h.broker.ListTopics()
	}
	resp := MetadataResponse{Topics: make([]TopicMetadata, 0, len(names))}
	for _, name := range names {
		tm := TopicMetadata{Name: name}
		t, err := h.broker.GetTopic(name)
		if err != nil {
			tm.ErrorCode = codeFor(err)
			resp.Topics = append(resp.Topics, tm)
			continue
		}
		for _, p := range t.Partitions() {
			tm.Partitions = append(tm.Partitions, PartitionMetadata{
				ID:             p.ID(),
				Leader:         0,
				EarliestOffset: p.EarliestOffset(),
				HighWaterMark:  p.HighWaterMark(),
			})
		}
		resp.Topics = append(resp.Topics, tm)
	}
	return resp
}

// ---- Produce ----

func (h *Handler) Produce(req ProduceRequest) ProduceResponse {
	resp := ProduceResponse{Topic: req.Topic, Partition: req.Partition, BaseOffset: -1}
	if len(req.Records) == 0 {
		resp.ErrorCode = ErrInvalidRequest
		resp.ErrorMessage = "no records"
		return resp
	}
	acks, err := broker.ParseAcks(req.Acks)
	if err != nil {
		resp.ErrorCode = ErrInvalidRequest
		resp.ErrorMessage = err.Error()
		return resp
	}

	for i, rec := range req.Records {
		res, err := h.broker.Produce(broker.ProduceRequest{
			Topic:           req.Topic,
			Partition:       req.Partition,
			Key:             rec.Key,
			Value:           rec.Value,
			Acks:            acks,
			ProducerID:      req.ProducerID,
			ProducerEpoch:   req.ProducerEpoch,
			Sequence:        req.BaseSequence + int32(i),
			TransactionalID: req.TransactionalID,
		})
		if err != nil {
			resp.ErrorCode = codeFor(err)
			resp.ErrorMessage = err.Error()
			return resp
		}
		if i == 0 {
			resp.Partition = res.Partition
			resp.BaseOffset = res.Offset
		}
		// Later records of the batch stay on the first record's partition.
		req.Partition = res.Partition
	}
	return resp
}

// ---- Fetch ----

func (h *Handler) Fetch(ctx context.Context, req FetchRequest) FetchResponse {
	resp := FetchResponse{Topic: req.Topic, Partition: req.Partition}
	isolation, err := broker.ParseIsolation(req.Isolation)
	if err != nil {
		resp.ErrorCode = ErrInvalidRequest
		resp.ErrorMessage = err.Error()
		return resp
	}

	records, err := h.broker.Fetch(ctx, broker.FetchRequest{
		Topic:       req.Topic,
		Partition:   req.Partition,
		Offset:      req.Offset,
		MaxMessages: req.MaxMessages,
		Isolation:   isolation,
		MaxWait:     time.Duration(req.MaxWaitMs) * time.Millisecond,
	})
	if err != nil {
		resp.ErrorCode = codeFor(err)
		resp.ErrorMessage = err.Error()
		return resp
	}
	for _, r := range records {
		resp.Records = append(resp.Records, FetchedRecord{
			Offset:    r.Offset,
			Key:       r.Key,
			Value:     r.Value,
			Timestamp: r.Timestamp,
		})
	}
	if hwm, err := h.broker.PartitionHighWaterMark(req.Topic, req.Partition); err == nil {
		resp.HighWaterMark = hwm
	}
	return resp
}

// ---- ListOffsets ----

func (h *Handler) ListOffsets(req ListOffsetsRequest) ListOffsetsResponse {
	earliest, latest, err := h.broker.OffsetBounds(req.Topic, req.Partition)
	if err != nil {
		return ListOffsetsResponse{Offset: -1, ErrorCode: codeFor(err), ErrorMessage: err.Error()}
	}
	switch req.Timestamp {
	case OffsetEarliest:
		return ListOffsetsResponse{Offset: earliest}
	case OffsetLatest:
		// The next offset to be assigned, matching the high-water mark.
		return ListOffsetsResponse{Offset: latest + 1}
	default:
		return ListOffsetsResponse{
			Offset:       -1,
			ErrorCode:    ErrInvalidRequest,
			ErrorMessage: "timestamp lookup supports earliest (-2) and latest (-1) only",
		}
	}
}

// ---- Producer sessions and transactions ----

func (h *Handler) InitProducerID(req InitProducerIDRequest) InitProducerIDResponse {
	session, err := h.broker.InitProducer(req.TransactionalID)
	if err != nil {
		return InitProducerIDResponse{ProducerID: -1, ErrorCode: codeFor(err), ErrorMessage: err.Error()}
	}
	return InitProducerIDResponse{ProducerID: session.ID, ProducerEpoch: session.Epoch}
}

func (h *Handler) AddPartitionsToTxn(req AddPartitionsToTxnRequest) AddPartitionsToTxnResponse {
	session := broker.ProducerSession{ID: req.ProducerID, Epoch: req.ProducerEpoch}

	// The first AddPartitionsToTxn of a producer's cycle opens the
	// transaction, so clients need no separate begin call.
	if state, ok := h.broker.TransactionState(req.TransactionalID); !ok || state != broker.TxnOngoing {
		if err := h.broker.BeginTransaction(req.TransactionalID, session); err != nil {
			resp := AddPartitionsToTxnResponse{}
			for _, p := range req.Partitions {
				resp.Results = append(resp.Results, PartitionErrorResult{
					Partition: p, ErrorCode: codeFor(err), ErrorMessage: err.Error(),
				})
			}
			return resp
		}
	}

	resp := AddPartitionsToTxnResponse{Results: make([]PartitionErrorResult, 0, len(req.Partitions))}
	for _, p := range req.Partitions {
		result := PartitionErrorResult{Partition: p}
		tp := broker.TopicPartition{Topic: req.Topic, Partition: p}
		if err := h.broker.AddTransactionPartition(req.TransactionalID, session, tp); err != nil {
			result.ErrorCode = codeFor(err)
			result.ErrorMessage = err.Error()
		}
		resp.Results = append(resp.Results, result)
	}
	return resp
}

func (h *Handler) EndTxn(req EndTxnRequest) EndTxnResponse {
	session := broker.ProducerSession{ID: req.ProducerID, Epoch: req.ProducerEpoch}
	var err error
	if req.Commit {
		err = h.broker.CommitTransaction(req.TransactionalID, session)
	} else {
		err = h.broker.AbortTransaction(req.TransactionalID, session)
	}
	if err != nil {
		return EndTxnResponse{ErrorCode: codeFor(err), ErrorMessage: err.Error()}
	}
	return EndTxnResponse{}
}

// ---- Coordinator discovery ----

func (h *Handler) FindCoordinator(req FindCoordinatorRequest) FindCoordinatorResponse {
	return FindCoordinatorResponse{NodeID: 0, Host: h.host, Port: h.port}
}

// ---- Consumer groups ----

func (h *Handler) JoinGroup(req JoinGroupRequest) JoinGroupResponse {
	result, err := h.broker.Coordinator().JoinGroup(broker.JoinGroupRequest{
		GroupID:        req.GroupID,
		MemberID:       req.MemberID,
		ClientID:       req.ClientID,
		ClientHost:     req.ClientHost,
		Protocol:       req.Protocol,
		Subscriptions:  req.Topics,
		SessionTimeout: time.Duration(req.SessionTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return JoinGroupResponse{ErrorCode: codeFor(err), ErrorMessage: err.Error()}
	}
	resp := JoinGroupResponse{
		Generation: result.Generation,
		MemberID:   result.MemberID,
		LeaderID:   result.LeaderID,
		Protocol:   result.Protocol,
	}
	for _, m := range result.Members {
		resp.Members = append(resp.Members, JoinGroupMember{
			MemberID: m.MemberID,
			ClientID: m.ClientID,
			Topics:   m.Subscriptions,
		})
	}
	return resp
}

func (h *Handler) SyncGroup(req SyncGroupRequest) SyncGroupResponse {
	assignment, err := h.broker.Coordinator().SyncGroup(broker.SyncGroupRequest{
		GroupID:     req.GroupID,
		MemberID:    req.MemberID,
		Generation:  req.Generation,
		Assignments: req.Assignments,
	})
	if err != nil {
		return SyncGroupResponse{ErrorCode: codeFor(err), ErrorMessage: err.Error()}
	}
	return SyncGroupResponse{Assignment: assignment}
}

func (h *Handler) Heartbeat(req HeartbeatRequest) HeartbeatResponse {
	if err := h.broker.Coordinator().Heartbeat(req.GroupID, req.MemberID, req.Generation); err != nil {
		return HeartbeatResponse{ErrorCode: codeFor(err), ErrorMessage: err.Error()}
	}
	return HeartbeatResponse{}
}

func (h *Handler) LeaveGroup(req LeaveGroupRequest) LeaveGroupResponse {
	if err := h.broker.Coordinator().LeaveGroup(req.GroupID, req.MemberID); err != nil {
		return LeaveGroupResponse{ErrorCode: codeFor(err), ErrorMessage: err.Error()}
	}
	return LeaveGroupResponse{}
}

func (h *Handler) OffsetCommit(req OffsetCommitRequest) OffsetCommitResponse {
	err := h.broker.Coordinator().CommitOffset(req.GroupID, req.Generation, req.Topic, req.Partition, req.Offset, req.Metadata)
	if err != nil {
		return OffsetCommitResponse{ErrorCode: codeFor(err), ErrorMessage: err.Error()}
	}
	return OffsetCommitResponse{}
}

func (h *Handler) OffsetFetch(req OffsetFetchRequest) OffsetFetchResponse {
	co, ok := h.broker.Coordinator().FetchCommitted(req.GroupID, req.Topic, req.Partition)
	if !ok {
		return OffsetFetchResponse{Offset: -1}
	}
	return OffsetFetchResponse{Offset: co.Offset, Metadata: co.Metadata}
}

func (h *Handler) ListGroups() ListGroupsResponse {
	var resp ListGroupsResponse
	for _, g := range h.broker.Coordinator().ListGroups() {
		resp.Groups = append(resp.Groups, ListedGroup{
			GroupID: g.GroupID,
			State:   string(g.State),
			Members: g.Members,
		})
	}
	return resp
}

func (h *Handler) DescribeGroups(req DescribeGroupsRequest) DescribeGroupsResponse {
	resp := DescribeGroupsResponse{Groups: make([]DescribedGroup, 0, len(req.Groups))}
	for _, id := range req.Groups {
		detail, err := h.broker.Coordinator().DescribeGroup(id)
		if err != nil {
			resp.Groups = append(resp.Groups, DescribedGroup{GroupID: id, ErrorCode: codeFor(err)})
			continue
		}
		dg := DescribedGroup{
			GroupID:      detail.GroupID,
			State:        string(detail.State),
			ProtocolType: detail.ProtocolType,
			Protocol:     detail.Protocol,
		}
		for _, m := range detail.Members {
			dg.Members = append(dg.Members, DescribedMember{
				MemberID:   m.MemberID,
				ClientID:   m.ClientID,
				ClientHost: m.ClientHost,
				Assignment: m.Partitions,
			})
		}
		resp.Groups = append(resp.Groups, dg)
	}
	return resp
}

// ---- Configs ----

func (h *Handler) DescribeConfigs(req DescribeConfigsRequest) DescribeConfigsResponse {
	t, err := h.broker.GetTopic(req.Topic)
	if err != nil {
		return DescribeConfigsResponse{ErrorCode: codeFor(err), ErrorMessage: err.Error()}
	}
	return DescribeConfigsResponse{Config: t.Config()}
}
