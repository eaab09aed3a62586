// Package progress is the in-memory fan-out channel carrying live batch and
// session progress to observers (websocket clients, operator notifiers).
//
// Contract:
//   - Publish never blocks; producers do not wait on consumers.
//   - Each subscriber owns a small buffered channel; when it is full, events
//     for that subscriber are dropped.
//   - There is no history. A subscriber only sees events published while it
//     is subscribed.
package progress
