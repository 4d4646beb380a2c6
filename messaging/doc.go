// Package messaging implements the agent messaging protocol on top of
// RabbitMQ.
//
// Four components share one envelope format:
//   - Requester: sends a request to the shared request queue and waits on a
//     private, auto-deleted reply queue for the reply carrying its id
//   - Responder: consumes the request queue transactionally, replies, and
//     moves messages that keep failing to a backout queue
//   - StatePublisher: broadcasts StateUpdate messages on an exchange
//   - StateListener: a background subscription that hands every StateUpdate
//     to a callback
//
// Replies are best effort. A responder commits the inbound message before it
// replies, so a lost reply surfaces to the requester as a timeout and the
// request is not processed again.
//
// Example usage:
//
//	req := messaging.NewRequester(cfg.Outbound, dialer)
//	reply, err := req.SendAndAwait(ctx, messaging.AgentMessage{
//		Message:  "cheapest flight to Oslo?",
//		ThreadID: "t1",
//	}, 5*time.Second)
//	if errors.Is(err, messaging.ErrTimeout) {
//		// nobody answered
//	}
//
//	var answer string
//	err = reply.Decode(&answer)
package messaging
