package expo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidToken(t *testing.T) {
	tests := []struct {
		token string
		want  bool
	}{
		{"ExponentPushToken[xxxxxxxxxxxxxxxxxxxxxx]", true},
		{"ExponentPushToken[a]", true},
		{"ExponentPushToken[]", false},
		{"ExponentPushToken[abc", false},
		{"ExpoPushToken[abc]", false},
		{"fcm:abcdef", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidToken(tt.token))
		})
	}
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "***", MaskToken(""))
	assert.Equal(t, "***", MaskToken("0123456789"))
	assert.Equal(t, "ExponentPu***abc]", MaskToken("ExponentPushToken[xyzabc]"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		ticket Ticket
		want   Outcome
	}{
		{"ok", Ticket{Status: StatusOK, ID: "1"}, OutcomeDelivered},
		{"not_registered", errTicket(ErrDeviceNotRegistered), OutcomeInvalidToken},
		{"invalid_credentials", errTicket(ErrInvalidCredentials), OutcomeInvalidToken},
		{"too_big", errTicket(ErrMessageTooBig), OutcomeRejected},
		{"rate_exceeded", errTicket(ErrMessageRateExceeded), OutcomeRejected},
		{"other_code", errTicket("MismatchSenderId"), OutcomeFailed},
		{"no_details", Ticket{Status: StatusError, Message: "boom"}, OutcomeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.ticket))
		})
	}
}

func TestTicketCode_DefaultsToUnknown(t *testing.T) {
	assert.Equal(t, ErrUnknown, Ticket{Status: StatusError}.Code())
	assert.Equal(t, ErrorCode(""), Ticket{Status: StatusOK}.Code())
}

func TestErrorCode_Retryable(t *testing.T) {
	assert.False(t, ErrInvalidTokenFormat.Retryable())
	assert.True(t, ErrTransport.Retryable())
	assert.True(t, ErrDeviceNotRegistered.Retryable())
}

func errTicket(code ErrorCode) Ticket {
	return Ticket{Status: StatusError, Message: string(code), Details: &TicketDetails{Error: code}}
}
