// Package api exposes wallet sessions, chat, portfolio and price endpoints
// over HTTP, including a server-sent-events variant of chat.
package api
