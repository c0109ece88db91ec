package contracts

import "math"

// ResultCode is the numeric outcome reported to local callers.
//
// Zero is success, -1 is the generic error / unknown sentinel, other negative
// values are negated remote error codes and positive values are transport
// acknowledgement codes passed through unchanged.
type ResultCode int32

const (
	ResultSuccess ResultCode = 0
	ResultError   ResultCode = -1
)

// IsSuccess reports whether the code is ResultSuccess
func (c ResultCode) IsSuccess() bool {
	return c == ResultSuccess
}

// NegatedRemoteCode converts a remote error code into the result code
// forwarded to local consumers, saturating at the int32 range.
func NegatedRemoteCode(code int64) ResultCode {
	neg := -code
	if code == math.MinInt64 || neg > math.MaxInt32 {
		return ResultCode(math.MaxInt32)
	}
	if neg < math.MinInt32 {
		return ResultCode(math.MinInt32)
	}
	return ResultCode(neg)
}
