package httperror

import "google.golang.org/grpc/codes"

// statusCode maps a gRPC status code to the HTTP status it is rendered as
// when an error crosses from a gRPC call into an HTTP response.
var statusCode = map[codes.Code]int{
	codes.OK:                 200,
	codes.Canceled:           499,
	codes.Unknown:            500,
	codes.InvalidArgument:    400,
	codes.DeadlineExceeded:   504,
	codes.NotFound:           404,
	codes.AlreadyExists:      409,
	codes.PermissionDenied:   403,
	codes.ResourceExhausted:  429,
	codes.FailedPrecondition: 400,
	codes.Aborted:            409,
	codes.OutOfRange:         400,
	codes.Unimplemented:      501,
	codes.Internal:           500,
	codes.Unavailable:        503,
	codes.DataLoss:           500,
	codes.Unauthenticated:    401,
}

// rpcFromHTTPStatus is the reverse of statusCode, built once at init: it
// lets an HTTP-status-first constructor (NewMany) report a sensible gRPC
// equivalent without a second hand-maintained table.
var rpcFromHTTPStatus = func() map[int]codes.Code {
	m := make(map[int]codes.Code, len(statusCode))
	for rpc, http := range statusCode {
		if _, exists := m[http]; !exists {
			m[http] = rpc
		}
	}
	return m
}()

// httpCode maps an HTTP status to the string error code placed on Error.Code
// when the Error was built from a gRPC status rather than one of the
// named constructors (InvalidParam, NotFound, ...) in errors.go.
var httpCode = map[int]string{
	400: "bad_request",
	401: CodeUnauthorized,
	403: CodeForbidden,
	404: CodeNotFound,
	409: CodeConflict,
	429: CodeRateLimitExceeded,
	499: CodeRequestFailed,
	500: CodeUnexpected,
	501: CodeUnexpected,
	503: "unavailable",
	504: CodeRequestFailed,
}

// HTTPStatusFromRPC returns the HTTP status a gRPC status code renders as.
func HTTPStatusFromRPC(code codes.Code) int {
	return statusCode[code]
}
