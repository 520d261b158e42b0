// Package web3 houses blockchain connectivity helpers: the YAML chain and
// token definitions and the minimal RPC backend contract the wallet agent is
// written against.
package web3
