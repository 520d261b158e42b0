// Package chat runs the session-scoped, tool-invoking conversation loop
// between a wallet session and the language model.
package chat
