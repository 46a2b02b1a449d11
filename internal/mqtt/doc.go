// Package mqtt publishes printer status to an MQTT broker and waits for
// the broker to acknowledge each message.
//
// A [Publisher] owns one logical broker connection. Its Publish method
// looks synchronous to the caller: the message is registered in a
// pending-acknowledgment table under a fresh message ID, handed to the
// [Transport], and the caller blocks until the transport reports the
// acknowledgment for that exact ID or the ack timeout elapses.
// Acknowledgments and connection changes reach the publisher as typed
// [Event] values on the transport's event channel, consumed by a single
// dispatch goroutine.
//
// Two transports are provided. The default uses Eclipse Paho v2's
// [autopaho] package (MQTT v5) with automatic reconnection; the v3
// transport uses the Paho 3.1.1 client for brokers that do not speak v5.
// Both re-establish topic subscriptions after a reconnect.
package mqtt
