package fault

import (
	"strconv"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorDomain is the ErrorInfo domain attached to gRPC statuses.
const ErrorDomain = "durable.worker-executor"

// grpcCodes maps error codes to gRPC status codes.
var grpcCodes = map[Code]codes.Code{
	CodeReplayMismatch:         codes.DataLoss,
	CodeEntryNotFound:          codes.DataLoss,
	CodeCommitTimeout:          codes.DeadlineExceeded,
	CodeInvalidShardID:         codes.FailedPrecondition,
	CodeShardAssignmentMissing: codes.Unavailable,
	CodeSerialization:          codes.Internal,
	CodeDebugSessionWrite:      codes.PermissionDenied,
	CodeOplogWrite:             codes.Internal,
	CodePayload:                codes.Internal,
	CodeIncompleteRemoteWrite:  codes.Aborted,
	CodeInvalidTransition:      codes.FailedPrecondition,
	CodeInterrupted:            codes.Canceled,
}

// GRPCCode returns the gRPC status code for an error code.
func GRPCCode(code Code) codes.Code {
	if c, ok := grpcCodes[code]; ok {
		return c
	}
	return codes.Unknown
}

// GRPCStatus converts e to a gRPC status. status.FromError and status.Code
// pick this method up, so a *Error can be returned from a gRPC handler as is.
func (e *Error) GRPCStatus() *status.Status {
	st := status.New(GRPCCode(e.Code), e.Error())

	metadata := map[string]string{}
	for k, v := range e.Details {
		metadata[k] = v
	}
	if e.Worker != "" {
		metadata["worker"] = e.Worker
	}
	if e.Function != "" {
		metadata["function"] = e.Function
	}
	if e.Index != 0 {
		metadata["oplog_index"] = strconv.FormatUint(e.Index, 10)
	}
	if e.Shard != nil {
		metadata["shard_id"] = strconv.FormatInt(e.Shard.Actual, 10)
	}

	detailed, err := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   string(e.Code),
		Domain:   ErrorDomain,
		Metadata: metadata,
	})
	if err != nil {
		return st
	}
	return detailed
}

// FromStatus rebuilds a coded error from a gRPC status produced by GRPCStatus.
// Statuses without ErrorInfo details return nil.
func FromStatus(st *status.Status) *Error {
	if st == nil {
		return nil
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != ErrorDomain {
			continue
		}
		e := &Error{
			Code:    Code(info.GetReason()),
			Message: st.Message(),
			Details: map[string]string{},
		}
		for k, v := range info.GetMetadata() {
			switch k {
			case "worker":
				e.Worker = v
			case "function":
				e.Function = v
			case "oplog_index":
				e.Index, _ = strconv.ParseUint(v, 10, 64)
			default:
				e.Details[k] = v
			}
		}
		return e
	}
	return nil
}
