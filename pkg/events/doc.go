/*
Package events provides an in-memory, topic-agnostic pub/sub broker.

Broker is a publish/subscribe hub: Publish pushes an Event onto a
buffered channel (waiting only while its 100 slots are full), a single goroutine fans it out to every current
Subscriber, and a full subscriber buffer drops the event rather than
blocking the publisher. pkg/replication wraps a Broker as the scm.EventBus
the command dispatcher fires CLOSE_CONTAINER and DATANODE_COMMAND
events through; nothing in this package is specific to those topics.
*/
package events
