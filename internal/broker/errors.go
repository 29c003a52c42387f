package broker

import (
	"errors"

	"takhin/internal/storage"
)

// Sentinel errors for the broker surface. The REST and protocol layers
// dispatch on these with errors.Is to pick status codes, so every path out
// of the broker wraps rather than replaces them.
var (
	// ErrTopicNotFound / ErrTopicExists come from the topic registry.
	ErrTopicNotFound = errors.New("topic not found")
	ErrTopicExists   = errors.New("topic already exists")

	// ErrPartitionNotFound means the partition id is outside the topic's
	// range.
	ErrPartitionNotFound = errors.New("partition not found")

	// ErrOffsetOutOfRange is the storage sentinel re-exported so callers
	// never import the storage package just to classify a fetch failure.
	ErrOffsetOutOfRange = storage.ErrOffsetOutOfRange

	// Consumer group errors.
	ErrGroupNotFound       = errors.New("consumer group not found")
	ErrUnknownMember       = errors.New("unknown member id")
	ErrIllegalGeneration   = errors.New("illegal generation")
	ErrRebalanceInProgress = errors.New("group rebalance in progress")
	ErrGroupDead           = errors.New("consumer group is dead")

	// Idempotent/transactional producer errors.
	ErrUnknownProducer      = errors.New("unknown producer id")
	ErrInvalidProducerEpoch = errors.New("producer epoch fenced")
	ErrOutOfOrderSequence   = errors.New("out of order sequence number")
	ErrTransactionConflict  = errors.New("invalid transaction state")

	// ErrBrokerClosed rejects any operation after shutdown started.
	ErrBrokerClosed = errors.New("broker closed")
)
