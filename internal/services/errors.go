package services

import (
	"errors"

	"github.com/latestcomment/idea-bidding/internal/models"
)

var (
	ErrSessionCreation     = errors.New("session creation failed")
	ErrSessionClosed       = errors.New("session closed")
	ErrSessionFull         = errors.New("session full")
	ErrWrongStage          = errors.New("transition not allowed in current stage")
	ErrDuplicatePrediction = errors.New("prediction already recorded")
	ErrPredictionPending   = errors.New("prediction already in progress")
	ErrCreditDebitFailed   = errors.New("credit debit failed")
	ErrAnonymousPrediction = errors.New("prediction requires a user id")
)

// Client-facing error codes.
const (
	CodeUnknownMessageType    = "UNKNOWN_MESSAGE_TYPE"
	CodeInvalidMessage        = "INVALID_MESSAGE"
	CodeMessageTooLarge       = "MESSAGE_TOO_LARGE"
	CodeNotJoined             = "NOT_JOINED"
	CodeSessionCreationFailed = "SESSION_CREATION_FAILED"
	CodeSessionFull           = "SESSION_FULL"
	CodeSessionClosed         = "SESSION_CLOSED"
	CodeRateLimited           = "RATE_LIMITED"
	CodeDuplicatePrediction   = "DUPLICATE_PREDICTION"
	CodePredictionPending     = "PREDICTION_PENDING"
	CodeWrongStage            = "WRONG_STAGE"
	CodeCreditDebitFailed     = "CREDIT_DEBIT_FAILED"
	CodeInvalidToken          = "INVALID_TOKEN"
	CodeUnknownBidder         = "UNKNOWN_BIDDER"
	CodeAuthRequired          = "AUTH_REQUIRED"
)

// ErrorCode maps a service error to its client-facing code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrSessionCreation):
		return CodeSessionCreationFailed
	case errors.Is(err, ErrSessionFull):
		return CodeSessionFull
	case errors.Is(err, ErrSessionClosed):
		return CodeSessionClosed
	case errors.Is(err, ErrDuplicatePrediction):
		return CodeDuplicatePrediction
	case errors.Is(err, ErrPredictionPending):
		return CodePredictionPending
	case errors.Is(err, ErrWrongStage):
		return CodeWrongStage
	case errors.Is(err, ErrCreditDebitFailed):
		return CodeCreditDebitFailed
	case errors.Is(err, ErrAnonymousPrediction):
		return CodeAuthRequired
	case errors.Is(err, models.ErrUnknownMessageType):
		return CodeUnknownMessageType
	default:
		return CodeInvalidMessage
	}
}
