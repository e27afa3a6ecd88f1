/*
Package events implements an in-memory publish/subscribe Broker used to
decouple the HA coordinator's components from one another: the cluster
membership layer publishes node.joined/node.left, pkg/ha publishes the
workitem.* lifecycle events (scheduled from the Scheduler, taken from the
WorkerPool, released from the Peer Coordinator, completed from the
StateMachine), and the Peer Coordinator subscribes to node.left/node.down
to react to peer departures without a direct dependency on the
membership layer. No component publishes node.down.

Subscribers receive events on a buffered channel and must keep up; a full
subscriber buffer drops the event rather than blocking the broker's single
dispatch goroutine.
*/
package events
