// Package knowledge serves short reference notes that are attached to chat
// requests when their keywords appear in the user message.
package knowledge
