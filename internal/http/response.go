package http

import (
	"errors"
	"net/http"

	"quorumkv/pkg/kverrors"
	"quorumkv/pkg/kvstore"
	"quorumkv/pkg/types"
)

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response is the standard API envelope.
type Response struct {
	Status   Status         `json:"status,omitempty"`
	Revision types.Revision `json:"revision,omitempty"`
	Deleted  int            `json:"deleted,omitempty"`
	Error    string         `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewRevisionResponse(rev types.Revision) Response {
	return Response{Status: StatusSuccess, Revision: rev}
}

func NewDeleteResponse(rev types.Revision, deleted int) Response {
	return Response{Status: StatusSuccess, Revision: rev, Deleted: deleted}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

// KVResponse returns read results.
type KVResponse struct {
	Status   Status             `json:"status"`
	Revision types.Revision     `json:"revision"`
	KVs      []kvstore.KeyValue `json:"kvs"`
}

// LeaseResponse returns lease operation results.
type LeaseResponse struct {
	Status     Status        `json:"status"`
	ID         types.LeaseID `json:"id,omitempty"`
	TTLSeconds int64         `json:"ttl,omitempty"`
}

// statusForError maps domain errors to HTTP status codes. Leadership
// errors come back 503 so clients retry; the Location header points at
// the leader when it is known.
func statusForError(err error) int {
	switch {
	case errors.Is(err, kverrors.ErrNotLeader), errors.Is(err, kverrors.ErrNoQuorum):
		return http.StatusServiceUnavailable
	case errors.Is(err, kverrors.ErrKeyNotFound), errors.Is(err, kverrors.ErrLeaseNotFound):
		return http.StatusNotFound
	case errors.Is(err, kverrors.ErrLeaseExists):
		return http.StatusConflict
	case errors.Is(err, kverrors.ErrCompacted):
		return http.StatusGone
	case errors.Is(err, kverrors.ErrWatcherStalled):
		return http.StatusTooManyRequests
	case errors.Is(err, kverrors.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, kverrors.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
