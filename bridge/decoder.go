package bridge

import (
	"bytes"
	"encoding/json"
	"math"

	"github.com/glimte/urlbridge/contracts"
)

// ResponseKind classifies a decoded response
type ResponseKind int

const (
	ResponseMalformed ResponseKind = iota
	ResponseSuccess
	ResponseRemoteError
)

func (k ResponseKind) String() string {
	switch k {
	case ResponseSuccess:
		return "success"
	case ResponseRemoteError:
		return "remote_error"
	default:
		return "malformed"
	}
}

// DecodedResponse is the outcome of decoding one payload from the response topic
type DecodedResponse struct {
	Kind ResponseKind
	// RequestID is the forwarded request id, contracts.NoRequestID when absent or out of range
	RequestID  contracts.RequestID
	ResultCode contracts.ResultCode

	URL                string
	SecondsUntilExpiry int64
	Timestamp          int64

	ErrorCode    int64
	ErrorMessage string

	// Reason explains why a response was classified malformed
	Reason string
}

// Payload returns the event payload forwarded to local consumers
func (r DecodedResponse) Payload() string {
	if r.Kind == ResponseSuccess {
		return r.URL
	}
	return ""
}

// Emittable reports whether the response is forwarded to local consumers
func (r DecodedResponse) Emittable() bool {
	return r.Kind != ResponseMalformed
}

// Err returns the error kind of a non-successful response, nil on success
func (r DecodedResponse) Err() error {
	switch r.Kind {
	case ResponseSuccess:
		return nil
	case ResponseRemoteError:
		return contracts.ErrRemoteApplication
	default:
		return contracts.ErrProtocolDecode
	}
}

func malformed(requestID contracts.RequestID, reason string) DecodedResponse {
	return DecodedResponse{
		Kind:       ResponseMalformed,
		RequestID:  requestID,
		ResultCode: contracts.ResultError,
		Reason:     reason,
	}
}

// Decode classifies a payload received on actualTopic. It never panics and
// always returns one of the three response kinds.
func Decode(payload []byte, expectedTopic, actualTopic string) DecodedResponse {
	if actualTopic != expectedTopic {
		return malformed(contracts.NoRequestID, "topic mismatch")
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return malformed(contracts.NoRequestID, "empty payload")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return malformed(contracts.NoRequestID, "payload is not a JSON object")
	}

	var requestID contracts.RequestID
	if raw, ok := fields["requestId"]; ok {
		if id, ok := parseInteger(raw); ok && id > 0 && id <= int64(contracts.MaxRequestID) {
			requestID = contracts.RequestID(id)
		}
	}

	if raw, ok := fields["error"]; ok {
		return decodeError(requestID, raw, fields)
	}

	var url string
	if raw, ok := fields["presignedPutUrl"]; !ok || json.Unmarshal(raw, &url) != nil || isNull(raw) {
		return malformed(requestID, "missing presignedPutUrl")
	}
	if !requestID.Valid() {
		return malformed(requestID, "missing or invalid requestId")
	}

	resp := DecodedResponse{
		Kind:       ResponseSuccess,
		RequestID:  requestID,
		ResultCode: contracts.ResultSuccess,
		URL:        url,
	}
	if raw, ok := fields["secondsUntilExpiry"]; ok {
		resp.SecondsUntilExpiry, _ = parseInteger(raw)
	}
	if raw, ok := fields["timestamp"]; ok {
		resp.Timestamp, _ = parseInteger(raw)
	}
	return resp
}

// decodeError handles any response carrying an error member. Codes 0 and 1
// keep the generic sentinel instead of their negation.
func decodeError(requestID contracts.RequestID, raw json.RawMessage, fields map[string]json.RawMessage) DecodedResponse {
	resp := DecodedResponse{
		Kind:       ResponseRemoteError,
		RequestID:  requestID,
		ResultCode: contracts.ResultError,
	}

	var body map[string]json.RawMessage
	if json.Unmarshal(raw, &body) == nil {
		if rawCode, ok := body["code"]; ok {
			resp.ErrorCode, _ = parseTruncated(rawCode)
		}
		if rawMsg, ok := body["message"]; ok {
			_ = json.Unmarshal(rawMsg, &resp.ErrorMessage)
		}
	}

	if resp.ErrorCode < 0 || resp.ErrorCode > 1 {
		resp.ResultCode = contracts.NegatedRemoteCode(resp.ErrorCode)
	}
	if rawTS, ok := fields["timestamp"]; ok {
		resp.Timestamp, _ = parseInteger(rawTS)
	}
	return resp
}

// parseInteger accepts JSON numbers with an integral value that fits int64
func parseInteger(raw json.RawMessage) (int64, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] == '"' {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil || n == "" {
		return 0, false
	}
	if i, err := n.Int64(); err == nil {
		return i, true
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// parseTruncated is parseInteger that drops the fraction of non-integral
// numbers instead of rejecting them.
func parseTruncated(raw json.RawMessage) (int64, bool) {
	if i, ok := parseInteger(raw); ok {
		return i, true
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] == '"' {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return 0, false
	}
	f = math.Trunc(f)
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
