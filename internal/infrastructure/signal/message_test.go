package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		check   func(t *testing.T, msg *Message)
	}{
		{
			name: "request",
			raw:  `{"request":true,"id":3,"method":"join","data":{"displayName":"Alice"}}`,
			check: func(t *testing.T, msg *Message) {
				assert.True(t, msg.Request)
				assert.Equal(t, uint64(3), msg.ID)
				assert.Equal(t, "join", msg.Method)
				assert.JSONEq(t, `{"displayName":"Alice"}`, string(msg.Data))
			},
		},
		{
			name: "success response",
			raw:  `{"response":true,"id":3,"ok":true,"data":{}}`,
			check: func(t *testing.T, msg *Message) {
				assert.True(t, msg.Response)
				assert.True(t, msg.OK)
			},
		},
		{
			name: "error response",
			raw:  `{"response":true,"id":3,"errorCode":404,"errorReason":"no such producer"}`,
			check: func(t *testing.T, msg *Message) {
				assert.False(t, msg.OK)
				assert.Equal(t, 404, msg.ErrorCode)
				assert.Equal(t, "no such producer", msg.ErrorReason)
			},
		},
		{
			name: "notification",
			raw:  `{"notification":true,"method":"peerClosed","data":{"peerId":"bob"}}`,
			check: func(t *testing.T, msg *Message) {
				assert.True(t, msg.Notification)
				assert.Equal(t, "peerClosed", msg.Method)
			},
		},
		{name: "invalid json", raw: `{"request":`, wantErr: true},
		{name: "no role", raw: `{"id":1,"method":"join"}`, wantErr: true},
		{name: "two roles", raw: `{"request":true,"response":true,"id":1,"method":"join"}`, wantErr: true},
		{name: "request without method", raw: `{"request":true,"id":1}`, wantErr: true},
		{name: "request without id", raw: `{"request":true,"method":"join"}`, wantErr: true},
		{name: "notification without method", raw: `{"notification":true}`, wantErr: true},
		{name: "response without id", raw: `{"response":true,"ok":true}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse([]byte(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, msg)
			}
		})
	}
}

func TestMessageConstructors(t *testing.T) {
	req := NewRequest(7, "produce", nil)
	assert.True(t, req.Request)
	assert.Equal(t, uint64(7), req.ID)

	ok := NewSuccessResponse(7, nil)
	assert.True(t, ok.Response)
	assert.True(t, ok.OK)
	assert.Equal(t, uint64(7), ok.ID)

	rej := NewErrorResponse(7, 503, "no capacity")
	assert.True(t, rej.Response)
	assert.False(t, rej.OK)
	assert.Equal(t, 503, rej.ErrorCode)
	assert.Equal(t, "no capacity", rej.ErrorReason)

	note := NewNotification("peerClosed", nil)
	assert.True(t, note.Notification)
	assert.Zero(t, note.ID)
}
