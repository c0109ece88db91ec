package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeURLRequest(t *testing.T) {
	t.Run("renders canonical payload", func(t *testing.T) {
		assert.Equal(t, `{"requestId": 7}`, string(EncodeURLRequest(7)))
		assert.Equal(t, `{"requestId": 65535}`, string(EncodeURLRequest(MaxRequestID)))
	})

	t.Run("round trips every valid id", func(t *testing.T) {
		for id := 1; id <= int(MaxRequestID); id++ {
			req, err := ParseURLRequest(EncodeURLRequest(RequestID(id)))
			if err != nil || req.RequestID != RequestID(id) {
				t.Fatalf("round trip failed for %d: got %d, err %v", id, req.RequestID, err)
			}
		}
	})
}

func TestParseURLRequest(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", "requestId=7"},
		{"missing id", `{}`},
		{"zero id", `{"requestId": 0}`},
		{"out of range", `{"requestId": 70000}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseURLRequest([]byte(tt.payload))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrProtocolDecode)
		})
	}
}

func TestRequestID_Valid(t *testing.T) {
	assert.False(t, NoRequestID.Valid())
	assert.True(t, RequestID(1).Valid())
	assert.True(t, MaxRequestID.Valid())
}
