// Package portfolio assembles a wallet's holdings, live token valuations and
// the cached watchlist quotes into a single snapshot.
package portfolio
