// =============================================================================
// TAKHIN GO CLIENT - LOW-LEVEL REST CLIENT
// =============================================================================
//
// This is the low-level client that provides direct access to the broker's
// REST API. It wraps net/http with:
//   - Consistent error handling (APIError carries the HTTP status)
//   - Bearer authentication
//   - Context propagation on every call
//   - Long-poll aware fetch timeouts
//
// The high-level Producer and Consumer in this package build on it; most
// applications want those instead.
//
// USAGE:
//
//	c, err := client.New(client.DefaultConfig("http://localhost:8080"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	res, err := c.Produce(ctx, "orders", `{"id": 123}`, client.WithKey("123"))
//
// =============================================================================

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// Config holds the client configuration.
type Config struct {
	// BaseURL is the broker's HTTP address, e.g. "http://localhost:8080".
	BaseURL string

	// APIKey, when non-empty, is sent as a bearer token on every request.
	APIKey string

	// Timeout bounds each request. Long-poll fetches add their wait on top,
	// so a 30s Timeout with a 10s fetch wait allows 40s on the wire.
	Timeout time.Duration

	// HTTPClient overrides the transport; nil uses a dedicated http.Client.
	HTTPClient *http.Client
}

// DefaultConfig returns a Config with sensible defaults for the given address.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// Client is a low-level Takhin REST client. It is safe for concurrent use.
type Client struct {
	base string
	key  string
	http *http.Client
}

// New creates a client from the given configuration.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base URL %q: scheme must be http or https", cfg.BaseURL)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		base: u.String(),
		key:  cfg.APIKey,
		http: hc,
	}, nil
}

// Close releases idle connections held by the client's transport.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// =============================================================================
// ERRORS
// =============================================================================

// APIError is returned for any non-2xx response. Message is the broker's
// "error" field when present, otherwise the raw body.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("takhin: %s (HTTP %d)", e.Message, e.StatusCode)
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsConflict reports whether err is an APIError with status 409. Conflicts
// cover duplicate topics, stale generations, and in-progress rebalances.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

// =============================================================================
// WIRE TYPES
// =============================================================================

// PartitionInfo describes one partition of a topic.
type PartitionInfo struct {
	ID            int   `json:"id"`
	HighWaterMark int64 `json:"highWaterMark"`
}

// Topic describes a topic and its partitions.
type Topic struct {
	Name           string          `json:"name"`
	PartitionCount int             `json:"partitionCount"`
	Partitions     []PartitionInfo `json:"partitions"`
}

// ProduceResult is the broker's placement of a produced record.
type ProduceResult struct {
	Offset    int64 `json:"offset"`
	Partition int   `json:"partition"`
}

// Message is a record read back from a partition.
type Message struct {
	Partition int    `json:"partition"`
	Offset    int64  `json:"offset"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp"`
}

// GroupSummary is one row of the group listing.
type GroupSummary struct {
	GroupID string `json:"groupId"`
	State   string `json:"state"`
	Members int    `json:"members"`
}

// GroupMember describes one member of a consumer group.
type GroupMember struct {
	MemberID   string           `json:"memberId"`
	ClientID   string           `json:"clientId"`
	ClientHost string           `json:"clientHost"`
	Partitions map[string][]int `json:"partitions"`
}

// GroupOffset is one committed offset with its current lag.
type GroupOffset struct {
	Topic         string `json:"topic"`
	Partition     int    `json:"partition"`
	Offset        int64  `json:"offset"`
	HighWaterMark int64  `json:"highWaterMark"`
	Lag           int64  `json:"lag"`
	Metadata      string `json:"metadata"`
}

// GroupDetail is the full description of a consumer group.
type GroupDetail struct {
	GroupID       string        `json:"groupId"`
	State         string        `json:"state"`
	ProtocolType  string        `json:"protocolType"`
	Protocol      string        `json:"protocol"`
	Members       []GroupMember `json:"members"`
	OffsetCommits []GroupOffset `json:"offsetCommits"`
}

// JoinResult is the coordinator's answer to a join request.
type JoinResult struct {
	Generation int    `json:"generation"`
	MemberID   string `json:"memberId"`
	LeaderID   string `json:"leaderId"`
	Protocol   string `json:"protocol"`
	Members    []struct {
		MemberID string   `json:"memberId"`
		ClientID string   `json:"clientId"`
		Topics   []string `json:"topics"`
	} `json:"members"`
}

// CommittedOffset is a group's saved position on one partition.
// Offset is -1 when the group has never committed there.
type CommittedOffset struct {
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`
	Offset    int64  `json:"offset"`
	Metadata  string `json:"metadata"`
}

// =============================================================================
// TOPIC OPERATIONS
// =============================================================================

// CreateTopic creates a topic with the given partition count. A zero count
// lets the broker default it. Config keys like "retention.ms" pass through.
func (c *Client) CreateTopic(ctx context.Context, name string, partitions int, config map[string]string) (*Topic, error) {
	body := map[string]any{"name": name}
	if partitions > 0 {
		body["partitions"] = partitions
	}
	if len(config) > 0 {
		body["config"] = config
	}
	var out Topic
	if err := c.do(ctx, http.MethodPost, "/api/topics", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTopics returns all topics sorted by name.
func (c *Client) ListTopics(ctx context.Context) ([]Topic, error) {
	var out []Topic
	if err := c.do(ctx, http.MethodGet, "/api/topics", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetTopic returns one topic's descriptor.
func (c *Client) GetTopic(ctx context.Context, name string) (*Topic, error) {
	var out Topic
	if err := c.do(ctx, http.MethodGet, "/api/topics/"+url.PathEscape(name), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteTopic removes a topic and its stored data.
func (c *Client) DeleteTopic(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/api/topics/"+url.PathEscape(name), nil, nil, nil)
}

// =============================================================================
// PRODUCE / FETCH
// =============================================================================

type produceOptions struct {
	partition   *int
	key         string
	acks        string
	compression string
}

// ProduceOption customizes a single Produce call.
type ProduceOption func(*produceOptions)

// WithKey sets the record key; keyed records hash to a stable partition.
func WithKey(key string) ProduceOption {
	return func(o *produceOptions) { o.key = key }
}

// WithPartition pins the record to an explicit partition instead of letting
// the broker pick one.
func WithPartition(partition int) ProduceOption {
	return func(o *produceOptions) { o.partition = &partition }
}

// WithAcks sets the acknowledgement level: "none", "leader", or "all".
func WithAcks(acks string) ProduceOption {
	return func(o *produceOptions) { o.acks = acks }
}

// WithCompression sets the value codec: "none", "gzip", "snappy", or "lz4".
func WithCompression(codec string) ProduceOption {
	return func(o *produceOptions) { o.compression = codec }
}

// Produce appends one record to a topic and returns its placement.
// With WithAcks("none") the broker replies before the append lands and the
// returned offset is -1.
func (c *Client) Produce(ctx context.Context, topic, value string, opts ...ProduceOption) (*ProduceResult, error) {
	var o produceOptions
	for _, opt := range opts {
		opt(&o)
	}
	body := map[string]any{"value": value}
	if o.key != "" {
		body["key"] = o.key
	}
	if o.partition != nil {
		body["partition"] = *o.partition
	}
	if o.acks != "" {
		body["acks"] = o.acks
	}
	if o.compression != "" {
		body["compression"] = o.compression
	}
	var out ProduceResult
	if err := c.do(ctx, http.MethodPost, "/api/topics/"+url.PathEscape(topic)+"/messages", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type fetchOptions struct {
	limit     int
	isolation string
	wait      time.Duration
}

// FetchOption customizes a single Fetch call.
type FetchOption func(*fetchOptions)

// WithLimit caps the number of records returned.
func WithLimit(n int) FetchOption {
	return func(o *fetchOptions) { o.limit = n }
}

// WithIsolation sets the read isolation: "readUncommitted" (default) or
// "readCommitted", which hides records from open or aborted transactions.
func WithIsolation(level string) FetchOption {
	return func(o *fetchOptions) { o.isolation = level }
}

// WithWait long-polls: when the requested offset is at the end of the log the
// broker holds the request up to this long for new data. An expired wait
// returns an empty slice, not an error.
func WithWait(d time.Duration) FetchOption {
	return func(o *fetchOptions) { o.wait = d }
}

// Fetch reads records from one partition starting at the given offset.
func (c *Client) Fetch(ctx context.Context, topic string, partition int, offset int64, opts ...FetchOption) ([]Message, error) {
	var o fetchOptions
	for _, opt := range opts {
		opt(&o)
	}
	q := url.Values{}
	q.Set("partition", strconv.Itoa(partition))
	q.Set("offset", strconv.FormatInt(offset, 10))
	if o.limit > 0 {
		q.Set("limit", strconv.Itoa(o.limit))
	}
	if o.isolation != "" {
		q.Set("isolation", o.isolation)
	}
	if o.wait > 0 {
		q.Set("timeout", o.wait.String())
	}
	var out []Message
	if err := c.do(ctx, http.MethodGet, "/api/topics/"+url.PathEscape(topic)+"/messages", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// CONSUMER GROUP OPERATIONS
// =============================================================================

// JoinGroupRequest carries group membership parameters.
type JoinGroupRequest struct {
	// MemberID is empty on first join; the coordinator assigns one.
	MemberID string
	ClientID string
	Topics   []string
	// Protocol selects the partition assignor: "range" (default) or "roundrobin".
	Protocol string
	// SessionTimeout bounds how long the member may go without a heartbeat.
	SessionTimeout time.Duration
}

// JoinGroup enters (or re-enters) a consumer group, starting a rebalance.
func (c *Client) JoinGroup(ctx context.Context, group string, req JoinGroupRequest) (*JoinResult, error) {
	body := map[string]any{
		"clientId": req.ClientID,
		"topics":   req.Topics,
	}
	if req.MemberID != "" {
		body["memberId"] = req.MemberID
	}
	if req.Protocol != "" {
		body["protocol"] = req.Protocol
	}
	if req.SessionTimeout > 0 {
		body["sessionTimeoutMs"] = int(req.SessionTimeout / time.Millisecond)
	}
	var out JoinResult
	if err := c.do(ctx, http.MethodPost, c.groupPath(group)+"/join", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SyncGroup completes a rebalance round and returns this member's assignment
// as topic → partitions. The leader may pass explicit assignments for every
// member; nil asks the coordinator to run the group's assignor. Followers
// syncing before the leader get a conflict error and should retry.
func (c *Client) SyncGroup(ctx context.Context, group, memberID string, generation int, assignments map[string]map[string][]int) (map[string][]int, error) {
	body := map[string]any{
		"memberId":   memberID,
		"generation": generation,
	}
	if assignments != nil {
		body["assignments"] = assignments
	}
	var out struct {
		Assignment map[string][]int `json:"assignment"`
	}
	if err := c.do(ctx, http.MethodPost, c.groupPath(group)+"/sync", nil, body, &out); err != nil {
		return nil, err
	}
	return out.Assignment, nil
}

// Heartbeat keeps a membership alive. A conflict error means a rebalance is
// in progress and the member must rejoin.
func (c *Client) Heartbeat(ctx context.Context, group, memberID string, generation int) error {
	body := map[string]any{"memberId": memberID, "generation": generation}
	return c.do(ctx, http.MethodPost, c.groupPath(group)+"/heartbeat", nil, body, nil)
}

// LeaveGroup removes a member, triggering a rebalance for the remainder.
func (c *Client) LeaveGroup(ctx context.Context, group, memberID string) error {
	body := map[string]any{"memberId": memberID}
	return c.do(ctx, http.MethodPost, c.groupPath(group)+"/leave", nil, body, nil)
}

// CommitOffset saves a group's position on one partition. A nil generation
// commits as a standalone consumer, skipping membership checks.
func (c *Client) CommitOffset(ctx context.Context, group, topic string, partition int, offset int64, generation *int, metadata string) error {
	body := map[string]any{
		"topic":     topic,
		"partition": partition,
		"offset":    offset,
	}
	if generation != nil {
		body["generation"] = *generation
	}
	if metadata != "" {
		body["metadata"] = metadata
	}
	return c.do(ctx, http.MethodPost, c.groupPath(group)+"/offsets", nil, body, nil)
}

// FetchOffset returns a group's committed position on one partition.
// Offset is -1 when nothing has been committed.
func (c *Client) FetchOffset(ctx context.Context, group, topic string, partition int) (*CommittedOffset, error) {
	q := url.Values{}
	q.Set("topic", topic)
	q.Set("partition", strconv.Itoa(partition))
	var out CommittedOffset
	if err := c.do(ctx, http.MethodGet, c.groupPath(group)+"/offsets", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListGroups returns all known consumer groups, including offsets-only ones.
func (c *Client) ListGroups(ctx context.Context) ([]GroupSummary, error) {
	var out []GroupSummary
	if err := c.do(ctx, http.MethodGet, "/api/consumer-groups", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DescribeGroup returns one group's members and committed offsets with lag.
func (c *Client) DescribeGroup(ctx context.Context, group string) (*GroupDetail, error) {
	var out GroupDetail
	if err := c.do(ctx, http.MethodGet, c.groupPath(group), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteGroup removes a group and all of its committed offsets.
func (c *Client) DeleteGroup(ctx context.Context, group string) error {
	return c.do(ctx, http.MethodDelete, c.groupPath(group), nil, nil, nil)
}

func (c *Client) groupPath(group string) string {
	return "/api/consumer-groups/" + url.PathEscape(group)
}

// =============================================================================
// HEALTH
// =============================================================================

// Health probes the broker's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil, nil)
}

// =============================================================================
// HTTP PLUMBING
// =============================================================================

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	msg := ""
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	} else {
		msg = string(bytes.TrimSpace(raw))
	}
	if msg == "" {
		msg = resp.Status
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
