// Package pricecache keeps the watchlist quotes (BTC, ETH, SOL) in memory.
// A background loop refreshes the whole set from one bulk request on a fixed
// interval; readers only ever see complete snapshots and never trigger I/O.
package pricecache
