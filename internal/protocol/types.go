// =============================================================================
// PROTOCOL TYPES - Requests and responses for the semantic broker surface
// =============================================================================
//
// Every operation the broker exposes to protocol-level clients is a typed
// request/response pair. Responses never return Go errors for broker-side
// failures: the outcome travels as an ErrorCode (plus a human message), the
// way wire clients expect, so a future byte codec can marshal these structs
// without reshaping them. Go errors are reserved for transport problems.
//
// =============================================================================

package protocol

// ---- Topic management ----

// CreateTopicSpec is one topic in a CreateTopics request. ReplicationFactor
// is accepted for compatibility and recorded in the topic config, but this
// broker does not replicate.
type CreateTopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
	Config            map[string]string
}

type CreateTopicsRequest struct {
	Topics []CreateTopicSpec
}

// TopicResult is a per-topic outcome for create/delete.
type TopicResult struct {
	Name         string
	ErrorCode    ErrorCode
	ErrorMessage string
}

type CreateTopicsResponse struct {
	Results []TopicResult
}

type DeleteTopicsRequest struct {
	Names []string
}

type DeleteTopicsResponse struct {
	Results []TopicResult
}

// ---- Metadata ----

type MetadataRequest struct {
	// Topics filters the response; empty means every topic.
	Topics []string
}

type PartitionMetadata struct {
	ID            int
	Leader        int // always 0 on a single-node broker
	EarliestOffset int64
	HighWaterMark int64
}

type TopicMetadata struct {
	Name       string
	ErrorCode  ErrorCode
	Partitions []PartitionMetadata
}

type MetadataResponse struct {
	Topics []TopicMetadata
}

// ---- Produce / Fetch / ListOffsets ----

type ProduceRecord struct {
	Key   []byte
	Value []byte
}

type ProduceRequest struct {
	Topic     string
	Partition int // -1 lets the broker pick
	Records   []ProduceRecord
	Acks      string // "0"/"none", "1"/"leader", "-1"/"all"

	// Idempotent producer fields. ProducerID < 0 disables idempotence.
	ProducerID    int64
	ProducerEpoch int16
	BaseSequence  int32

	TransactionalID string
}

type ProduceResponse struct {
	Topic        string
	Partition    int
	BaseOffset   int64
	ErrorCode    ErrorCode
	ErrorMessage string
}

type FetchRequest struct {
	Topic       string
	Partition   int
	Offset      int64
	MaxMessages int
	MaxWaitMs   int
	Isolation   string // "read_uncommitted" (default) or "read_committed"
}

type FetchedRecord struct {
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp int64
}

type FetchResponse struct {
	Topic         string
	Partition     int
	Records       []FetchedRecord
	HighWaterMark int64
	ErrorCode     ErrorCode
	ErrorMessage  string
}

// ListOffsets timestamp sentinels.
const (
	OffsetEarliest int64 = -2
	OffsetLatest   int64 = -1
)

type ListOffsetsRequest struct {
	Topic     string
	Partition int
	// Timestamp is OffsetEarliest or OffsetLatest; arbitrary timestamp
	// lookup is not supported.
	Timestamp int64
}

type ListOffsetsResponse struct {
	Offset       int64
	ErrorCode    ErrorCode
	ErrorMessage string
}

// ---- Producer sessions and transactions ----

type InitProducerIDRequest struct {
	TransactionalID string // empty for a plain idempotent producer
}

type InitProducerIDResponse struct {
	ProducerID    int64
	ProducerEpoch int16
	ErrorCode     ErrorCode
	ErrorMessage  string
}

type AddPartitionsToTxnRequest struct {
	TransactionalID string
	ProducerID      int64
	ProducerEpoch   int16
	Topic           string
	Partitions      []int
}

type PartitionErrorResult struct {
	Partition    int
	ErrorCode    ErrorCode
	ErrorMessage string
}

type AddPartitionsToTxnResponse struct {
	Results []PartitionErrorResult
}

type EndTxnRequest struct {
	TransactionalID string
	ProducerID      int64
	ProducerEpoch   int16
	Commit          bool
}

type EndTxnResponse struct {
	ErrorCode    ErrorCode
	ErrorMessage string
}

// ---- Coordinator discovery ----

type FindCoordinatorRequest struct {
	Key string // group id or transactional id
}

type FindCoordinatorResponse struct {
	NodeID    int
	Host      string
	Port      int
	ErrorCode ErrorCode
}

// ---- Consumer groups ----

type JoinGroupRequest struct {
	GroupID          string
	MemberID         string
	ClientID         string
	ClientHost       string
	Protocol         string
	Topics           []string
	SessionTimeoutMs int
}

type JoinGroupResponse struct {
	Generation   int
	MemberID     string
	LeaderID     string
	Protocol     string
	Members      []JoinGroupMember
	ErrorCode    ErrorCode
	ErrorMessage string
}

type JoinGroupMember struct {
	MemberID string
	ClientID string
	Topics   []string
}

type SyncGroupRequest struct {
	GroupID    string
	MemberID   string
	Generation int
	// Assignments is set by the leader; nil asks the coordinator to run
	// the group's strategy server-side.
	Assignments map[string]map[string][]int
}

type SyncGroupResponse struct {
	Assignment   map[string][]int
	ErrorCode    ErrorCode
	ErrorMessage string
}

type HeartbeatRequest struct {
	GroupID    string
	MemberID   string
	Generation int
}

type HeartbeatResponse struct {
	ErrorCode    ErrorCode
	ErrorMessage string
}

type LeaveGroupRequest struct {
	GroupID  string
	MemberID string
}

type LeaveGroupResponse struct {
	ErrorCode    ErrorCode
	ErrorMessage string
}

type OffsetCommitRequest struct {
	GroupID    string
	Generation int // -1 for standalone consumers
	Topic      string
	Partition  int
	Offset     int64
	Metadata   string
}

type OffsetCommitResponse struct {
	ErrorCode    ErrorCode
	ErrorMessage string
}

type OffsetFetchRequest struct {
	GroupID   string
	Topic     string
	Partition int
}

type OffsetFetchResponse struct {
	// Offset is -1 when the group never committed this partition.
	Offset       int64
	Metadata     string
	ErrorCode    ErrorCode
	ErrorMessage string
}

type ListGroupsResponse struct {
	Groups []ListedGroup
}

type ListedGroup struct {
	GroupID string
	State   string
	Members int
}

type DescribeGroupsRequest struct {
	Groups []string
}

type DescribedGroup struct {
	GroupID      string
	State        string
	ProtocolType string
	Protocol     string
	Members      []DescribedMember
	ErrorCode    ErrorCode
}

type DescribedMember struct {
	MemberID   string
	ClientID   string
	ClientHost string
	Assignment map[string][]int
}

type DescribeGroupsResponse struct {
	Groups []DescribedGroup
}

// ---- Configs ----

type DescribeConfigsRequest struct {
	Topic string
}

type DescribeConfigsResponse struct {
	Config       map[string]string
	ErrorCode    ErrorCode
	ErrorMessage string
}
