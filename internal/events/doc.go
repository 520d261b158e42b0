// Package events publishes session, tool and chat lifecycle events to an
// in-memory buffer or a RabbitMQ fanout exchange.
package events
