// Package session keeps one in-memory session per wallet identity. A session
// owns the wallet agent and the tool set derived from it; initializing the
// same identity again replaces the whole entry.
package session
