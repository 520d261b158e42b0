// Package pricefeed talks to the public price APIs walletd depends on:
// CoinGecko for the bulk watchlist quote used by the price cache and
// DefiLlama for live per-asset USD prices.
package pricefeed
