// Package mqttflow is the delivery engine of an MQTT v5.0 client. It sits
// between the session layer, which owns the connection and the wire codec,
// and the application.
//
// # Features
//
//   - Outgoing QoS 0, 1, 2 flows bounded by the negotiated Send Maximum
//   - Resend of unacknowledged publishes and PUBRELs on session resume
//   - Demand driven result delivery with backpressure toward publishers
//   - Subscription registry on a compacting topic filter tree
//   - Incoming QoS 1, 2 handling with Receive Maximum enforcement
//   - Ordered incoming delivery with automatic or manual acknowledgement
//   - Global flows for subscribed, unsolicited and unclaimed publishes
//
// # Execution model
//
// All engine state is owned by one Executor. EventLoop is the bundled
// implementation:
//
//	loop := mqttflow.NewEventLoop(logger)
//	go loop.Run(ctx)
//
//	engine := mqttflow.NewEngine(loop, mqttflow.WithLogger(logger))
//
// The session layer calls OnSessionStartOrResume, HandlePacket and
// OnSessionEnd from tasks running on the executor.
//
// # Publishing
//
// Publish and PublishAndWait are safe for concurrent use:
//
//	results, err := engine.PublishAndWait(ctx,
//	    &mqttflow.PublishPacket{Topic: "sensors/temp", Payload: []byte("21.5"), QoS: 1},
//	)
//
// Publish returns a PublishFlow whose results are delivered as the
// subscriber requests them.
//
// # Receiving
//
// Subscribe registers the subscriptions of a SUBSCRIBE before the session
// layer sends it and returns an IncomingFlow:
//
//	flow, err := engine.Subscribe(sub, mqttflow.MessageFuncs{
//	    Message: func(msg *mqttflow.IncomingMessage) { ... },
//	}, mqttflow.WithManualAcknowledgement())
//	flow.RequestAll()
//
// With manual acknowledgement the PUBACK or PUBREC of a message is written
// once every flow that received it called IncomingMessage.Confirm.
//
// # Configuration
//
// Options can be given directly or loaded from YAML with LoadConfig and
// applied with WithConfig.
package mqttflow
