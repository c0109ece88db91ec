package contracts

// URLResponse mirrors both response shapes sent on the accepted topic.
// Pointer fields distinguish absent members from zero values.
type URLResponse struct {
	RequestID          *int64         `json:"requestId,omitempty"`
	PresignedPutURL    *string        `json:"presignedPutUrl,omitempty"`
	SecondsUntilExpiry *int64         `json:"secondsUntilExpiry,omitempty"`
	Timestamp          *int64         `json:"timestamp,omitempty"`
	Error              *ResponseError `json:"error,omitempty"`
}

// ResponseError is the error object of a failed URL request.
// A code of 0 means the remote side did not know the cause.
type ResponseError struct {
	Code    *int64 `json:"code,omitempty"`
	Message string `json:"message"`
}
