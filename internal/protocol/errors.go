package protocol

import (
	"errors"

	"takhin/internal/broker"
)

// ErrorCode is the int16 error field carried in every response, using the
// Kafka numbering so existing dashboards and client error tables read
// correctly against this broker.
type ErrorCode int16

const (
	ErrNone                    ErrorCode = 0
	ErrOffsetOutOfRange        ErrorCode = 1
	ErrUnknownTopicOrPartition ErrorCode = 3
	ErrCoordinatorNotAvailable ErrorCode = 15
	ErrIllegalGeneration       ErrorCode = 22
	ErrUnknownMemberID         ErrorCode = 25
	ErrInvalidRequest          ErrorCode = 42
	ErrRebalanceInProgress     ErrorCode = 27
	ErrTopicAlreadyExists      ErrorCode = 36
	ErrInvalidProducerEpoch    ErrorCode = 47
	ErrInvalidTxnState         ErrorCode = 48
	ErrOutOfOrderSequence      ErrorCode = 45
	ErrGroupIDNotFound         ErrorCode = 69
	ErrUnknownServerError      ErrorCode = -1
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNone:
		return "NONE"
	case ErrOffsetOutOfRange:
		return "OFFSET_OUT_OF_RANGE"
	case ErrUnknownTopicOrPartition:
		return "UNKNOWN_TOPIC_OR_PARTITION"
	case ErrCoordinatorNotAvailable:
		return "COORDINATOR_NOT_AVAILABLE"
	case ErrIllegalGeneration:
		return "ILLEGAL_GENERATION"
	case ErrUnknownMemberID:
		return "UNKNOWN_MEMBER_ID"
	case ErrInvalidRequest:
		return "INVALID_REQUEST"
	case ErrRebalanceInProgress:
		return "REBALANCE_IN_PROGRESS"
	case ErrTopicAlreadyExists:
		return "TOPIC_ALREADY_EXISTS"
	case ErrInvalidProducerEpoch:
		return "INVALID_PRODUCER_EPOCH"
	case ErrInvalidTxnState:
		return "INVALID_TXN_STATE"
	case ErrOutOfOrderSequence:
		return "OUT_OF_ORDER_SEQUENCE_NUMBER"
	case ErrGroupIDNotFound:
		return "GROUP_ID_NOT_FOUND"
	default:
		return "UNKNOWN_SERVER_ERROR"
	}
}

// codeFor classifies a broker error into its wire code.
func codeFor(err error) ErrorCode {
	switch {
	case err == nil:
		return ErrNone
	case errors.Is(err, broker.ErrTopicNotFound),
		errors.Is(err, broker.ErrPartitionNotFound):
		return ErrUnknownTopicOrPartition
	case errors.Is(err, broker.ErrTopicExists):
		return ErrTopicAlreadyExists
	case errors.Is(err, broker.ErrOffsetOutOfRange):
		return ErrOffsetOutOfRange
	case errors.Is(err, broker.ErrIllegalGeneration):
		return ErrIllegalGeneration
	case errors.Is(err, broker.ErrUnknownMember), errors.Is(err, broker.ErrUnknownProducer):
		return ErrUnknownMemberID
	case errors.Is(err, broker.ErrRebalanceInProgress):
		return ErrRebalanceInProgress
	case errors.Is(err, broker.ErrGroupNotFound), errors.Is(err, broker.ErrGroupDead):
		return ErrGroupIDNotFound
	case errors.Is(err, broker.ErrInvalidProducerEpoch):
		return ErrInvalidProducerEpoch
	case errors.Is(err, broker.ErrOutOfOrderSequence):
		return ErrOutOfOrderSequence
	case errors.Is(err, broker.ErrTransactionConflict):
		return ErrInvalidTxnState
	default:
		return ErrUnknownServerError
	}
}
