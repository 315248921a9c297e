// Package coinbase implements the Coinbase Exchange adapter.
// It provides REST API and WebSocket feed support for spot markets.
//
// The package includes:
//   - Protocol: REST request building, response parsing, and CB-ACCESS signing
//   - Normalizer: Conversion between Coinbase wire types and canonical types
//   - CoinbaseExchange: The full client wiring transport, rate limits, and streams
//
// Authentication uses a base64-encoded API secret together with a
// passphrase, and order placement deduplicates client order tokens locally
// since the exchange does not honor them natively.
//
// Example usage:
//
//	ex, err := coinbase.New(core.DefaultConfig("coinbase"))
//	ticker, err := ex.GetTicker(ctx, "BTC/USD")
package coinbase
