package contracts

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID identifies a URL request. Zero means "no id".
type RequestID uint16

const (
	// NoRequestID is reported when a response carries no usable request id.
	NoRequestID RequestID = 0
	// MaxRequestID is the largest valid request id.
	MaxRequestID RequestID = 65535
)

// Valid reports whether the id is in 1..65535.
func (id RequestID) Valid() bool {
	return id != NoRequestID
}

// URLRequest is the payload published to request a presigned URL
type URLRequest struct {
	RequestID RequestID `json:"requestId"`
}

// EncodeURLRequest renders the canonical request payload.
//
// The format is fixed to {"requestId": <decimal>} so that consumers matching
// on the raw bytes keep working.
func EncodeURLRequest(id RequestID) []byte {
	return []byte(`{"requestId": ` + strconv.FormatUint(uint64(id), 10) + `}`)
}

// ParseURLRequest decodes a request payload
func ParseURLRequest(payload []byte) (URLRequest, error) {
	var req URLRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return URLRequest{}, fmt.Errorf("%w: %v", ErrProtocolDecode, err)
	}
	if !req.RequestID.Valid() {
		return URLRequest{}, fmt.Errorf("%w: missing requestId", ErrProtocolDecode)
	}
	return req, nil
}
