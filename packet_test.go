package mqttflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketTypes(t *testing.T) {
	tests := []struct {
		packet PacketWithID
		want   PacketType
		name   string
	}{
		{&PublishPacket{PacketID: 1}, PacketPUBLISH, "PUBLISH"},
		{&PubackPacket{PacketID: 1}, PacketPUBACK, "PUBACK"},
		{&PubrecPacket{PacketID: 1}, PacketPUBREC, "PUBREC"},
		{&PubrelPacket{PacketID: 1}, PacketPUBREL, "PUBREL"},
		{&PubcompPacket{PacketID: 1}, PacketPUBCOMP, "PUBCOMP"},
		{&SubscribePacket{PacketID: 1}, PacketSUBSCRIBE, "SUBSCRIBE"},
		{&SubackPacket{PacketID: 1}, PacketSUBACK, "SUBACK"},
		{&UnsubscribePacket{PacketID: 1}, PacketUNSUBSCRIBE, "UNSUBSCRIBE"},
		{&UnsubackPacket{PacketID: 1}, PacketUNSUBACK, "UNSUBACK"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.packet.Type())
			assert.Equal(t, tt.name, tt.packet.Type().String())
			assert.Equal(t, uint16(1), tt.packet.GetPacketID())
		})
	}

	assert.Equal(t, "UNKNOWN", PacketType(0).String())
}

func TestPublishPacketClone(t *testing.T) {
	assert.Nil(t, (*PublishPacket)(nil).Clone())

	original := &PublishPacket{
		Topic:                   "a/b",
		Payload:                 []byte("payload"),
		QoS:                     1,
		CorrelationData:         []byte("correl"),
		UserProperties:          []StringPair{{Key: "k", Value: "v"}},
		SubscriptionIdentifiers: []uint32{7},
	}

	clone := original.Clone()
	require.Equal(t, original, clone)

	clone.Payload[0] = 'X'
	clone.CorrelationData[0] = 'X'
	clone.UserProperties[0].Value = "changed"
	clone.SubscriptionIdentifiers[0] = 8

	assert.Equal(t, []byte("payload"), original.Payload)
	assert.Equal(t, []byte("correl"), original.CorrelationData)
	assert.Equal(t, "v", original.UserProperties[0].Value)
	assert.Equal(t, []uint32{7}, original.SubscriptionIdentifiers)
}

func TestPublishPacketStateful(t *testing.T) {
	original := &PublishPacket{Topic: "a", Payload: []byte("p"), QoS: 2}

	sent := original.stateful(5, true)
	assert.Equal(t, uint16(5), sent.PacketID)
	assert.True(t, sent.DUP)
	assert.Zero(t, original.PacketID)
	assert.False(t, original.DUP)
	assert.Same(t, &original.Payload[0], &sent.Payload[0])
}

func TestSubscribePacketValidate(t *testing.T) {
	valid := Subscription{TopicFilter: "a/+"}

	tests := []struct {
		name   string
		packet SubscribePacket
		err    error
	}{
		{"valid", SubscribePacket{PacketID: 1, Subscriptions: []Subscription{valid}}, nil},
		{"shared", SubscribePacket{PacketID: 1, Subscriptions: []Subscription{{TopicFilter: "$share/g/a/#", QoS: 2}}}, nil},
		{"zero packet id", SubscribePacket{Subscriptions: []Subscription{valid}}, ErrInvalidPacketID},
		{"no subscriptions", SubscribePacket{PacketID: 1}, ErrProtocolViolation},
		{"subscription id too large", SubscribePacket{PacketID: 1, SubscriptionID: maxSubscriptionIdentifierValue + 1, Subscriptions: []Subscription{valid}}, ErrInvalidSubscriptionID},
		{"invalid qos", SubscribePacket{PacketID: 1, Subscriptions: []Subscription{{TopicFilter: "a", QoS: 3}}}, ErrInvalidQoS},
		{"invalid retain handling", SubscribePacket{PacketID: 1, Subscriptions: []Subscription{{TopicFilter: "a", RetainHandling: 3}}}, ErrProtocolViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.packet.Validate()
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.err)
		})
	}

	t.Run("invalid filter", func(t *testing.T) {
		p := SubscribePacket{PacketID: 1, Subscriptions: []Subscription{{TopicFilter: "a/#/b"}}}
		assert.Error(t, p.Validate())
	})
}

func TestUnsubscribePacketValidate(t *testing.T) {
	assert.NoError(t, (&UnsubscribePacket{PacketID: 1, TopicFilters: []string{"a/#"}}).Validate())
	assert.ErrorIs(t, (&UnsubscribePacket{TopicFilters: []string{"a"}}).Validate(), ErrInvalidPacketID)
	assert.ErrorIs(t, (&UnsubscribePacket{PacketID: 1}).Validate(), ErrProtocolViolation)
	assert.Error(t, (&UnsubscribePacket{PacketID: 1, TopicFilters: []string{""}}).Validate())
}
