// Package rabbitmq is the AMQP transport underneath agentmq.
//
// It provides:
//   - Channel and Connection: the slice of amqp091-go the rest of the module
//     depends on, so tests can run against an in-memory broker
//   - BrokerDialer: opens connections with endpoint failover, SASL PLAIN
//     credentials, TLS and a client connection name
//   - Receiver: bounded-wait receives on top of a consumer
//   - Publisher: publisher-confirm publishing; PublishInTx for channels in
//     transaction mode
//   - topology helpers for the request, backout and temporary queues
//   - header helpers, including the redelivery counter
package rabbitmq
