// Package binance implements the Binance exchange adapter.
// It provides REST API and WebSocket support for spot and futures markets.
//
// The package includes:
//   - Protocol: REST request building, response parsing, and HMAC signing
//   - Normalizer: Conversion between Binance wire types and canonical types
//   - BinanceExchange: The full client wiring transport, rate limits, and streams
//
// Example usage:
//
//	ex, err := binance.New(core.DefaultConfig("binance"))
//	ticker, err := ex.GetTicker(ctx, "BTC/USDT")
package binance
