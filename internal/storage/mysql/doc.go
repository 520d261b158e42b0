// Package mysql persists completed chat exchanges. The SQL repository runs the
// embedded schema migrations on start; the file-backed repository keeps the
// same contract for local development.
package mysql
