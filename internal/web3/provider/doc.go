// Package provider turns chain definitions into dialed RPC backends and hands
// out the default chain to the wallet agent factory.
package provider
