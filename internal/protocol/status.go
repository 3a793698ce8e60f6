// Package protocol holds the wire-level vocabulary shared by the gRPC
// and Connect adapters: the canonical status code table and its HTTP and
// Connect projections.
package protocol

import "strings"

// CodeOK through CodeUnauthenticated mirror the standard gRPC status
// code space.
const (
	CodeOK                 = 0
	CodeCancelled          = 1
	CodeUnknown            = 2
	CodeInvalidArgument    = 3
	CodeDeadlineExceeded   = 4
	CodeNotFound           = 5
	CodeAlreadyExists      = 6
	CodePermissionDenied   = 7
	CodeResourceExhausted  = 8
	CodeFailedPrecondition = 9
	CodeAborted            = 10
	CodeOutOfRange         = 11
	CodeUnimplemented      = 12
	CodeInternal           = 13
	CodeUnavailable        = 14
	CodeDataLoss           = 15
	CodeUnauthenticated    = 16
)

var codeNames = [...]string{
	"OK", "CANCELLED", "UNKNOWN", "INVALID_ARGUMENT", "DEADLINE_EXCEEDED",
	"NOT_FOUND", "ALREADY_EXISTS", "PERMISSION_DENIED", "RESOURCE_EXHAUSTED",
	"FAILED_PRECONDITION", "ABORTED", "OUT_OF_RANGE", "UNIMPLEMENTED",
	"INTERNAL", "UNAVAILABLE", "DATA_LOSS", "UNAUTHENTICATED",
}

// CodeName maps a numeric status code to its canonical uppercase name.
// Codes outside the 17-value table map to UNKNOWN.
func CodeName(code int) string {
	if code < 0 || code >= len(codeNames) {
		return "UNKNOWN"
	}
	return codeNames[code]
}

// CodeFromName is the inverse of CodeName. Unknown names map to
// CodeUnknown.
func CodeFromName(name string) int {
	up := strings.ToUpper(name)
	for i, n := range codeNames {
		if n == up {
			return i
		}
	}
	return CodeUnknown
}

// ConnectCodeName renders the lower_snake spelling the Connect error
// body uses.
func ConnectCodeName(code int) string {
	return strings.ToLower(CodeName(code))
}

// httpByCode is the documented Connect status projection.
var httpByCode = map[int]int{
	CodeOK:                 200,
	CodeCancelled:          499,
	CodeUnknown:            500,
	CodeInvalidArgument:    400,
	CodeDeadlineExceeded:   504,
	CodeNotFound:           404,
	CodeAlreadyExists:      409,
	CodePermissionDenied:   403,
	CodeResourceExhausted:  429,
	CodeFailedPrecondition: 400,
	CodeAborted:            409,
	CodeOutOfRange:         400,
	CodeUnimplemented:      501,
	CodeInternal:           500,
	CodeUnavailable:        503,
	CodeDataLoss:           500,
	CodeUnauthenticated:    401,
}

// HTTPStatus maps a gRPC code to the HTTP status the Connect adapter
// responds with.
func HTTPStatus(code int) int {
	if s, ok := httpByCode[code]; ok {
		return s
	}
	return 500
}
