package mqttflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReasonCodeString(t *testing.T) {
	tests := []struct {
		code ReasonCode
		want string
	}{
		{ReasonSuccess, "Success"},
		{ReasonGrantedQoS1, "Granted QoS 1"},
		{ReasonGrantedQoS2, "Granted QoS 2"},
		{ReasonNoMatchingSubscribers, "No matching subscribers"},
		{ReasonUnspecifiedError, "Unspecified error"},
		{ReasonProtocolError, "Protocol Error"},
		{ReasonPacketIDNotFound, "Packet Identifier not found"},
		{ReasonReceiveMaxExceeded, "Receive Maximum exceeded"},
		{ReasonCode(0xFF), "Unknown reason code"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.code.String())
		})
	}
}

func TestReasonCodeIsError(t *testing.T) {
	tests := []struct {
		code    ReasonCode
		isError bool
	}{
		{ReasonSuccess, false},
		{ReasonGrantedQoS1, false},
		{ReasonGrantedQoS2, false},
		{ReasonNoMatchingSubscribers, false},
		{ReasonUnspecifiedError, true},
		{ReasonProtocolError, true},
		{ReasonQuotaExceeded, true},
		{ReasonCode(0x7F), false},
		{ReasonCode(0x80), true},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			assert.Equal(t, tt.isError, tt.code.IsError())
			assert.Equal(t, !tt.isError, tt.code.IsSuccess())
		})
	}
}

func TestReasonCodeValidity(t *testing.T) {
	t.Run("puback and pubrec", func(t *testing.T) {
		for _, code := range []ReasonCode{ReasonSuccess, ReasonNoMatchingSubscribers, ReasonQuotaExceeded} {
			assert.True(t, code.ValidForPUBACK())
			assert.True(t, code.ValidForPUBREC())
		}
		assert.False(t, ReasonPacketIDNotFound.ValidForPUBACK())
		assert.False(t, ReasonGrantedQoS1.ValidForPUBREC())
	})

	t.Run("pubrel and pubcomp", func(t *testing.T) {
		assert.True(t, ReasonSuccess.ValidForPUBREL())
		assert.True(t, ReasonPacketIDNotFound.ValidForPUBCOMP())
		assert.False(t, ReasonQuotaExceeded.ValidForPUBREL())
		assert.False(t, ReasonUnspecifiedError.ValidForPUBCOMP())
	})

	t.Run("suback", func(t *testing.T) {
		assert.True(t, ReasonGrantedQoS0.ValidForSUBACK())
		assert.True(t, ReasonGrantedQoS2.ValidForSUBACK())
		assert.True(t, ReasonWildcardSubsNotSupported.ValidForSUBACK())
		assert.False(t, ReasonNoSubscriptionExisted.ValidForSUBACK())
	})

	t.Run("unsuback", func(t *testing.T) {
		assert.True(t, ReasonNoSubscriptionExisted.ValidForUNSUBACK())
		assert.False(t, ReasonGrantedQoS1.ValidForUNSUBACK())
	})
}

func TestGrantedQoS0Alias(t *testing.T) {
	assert.Equal(t, ReasonSuccess, ReasonGrantedQoS0)
}
