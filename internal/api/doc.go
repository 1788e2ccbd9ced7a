// Package api exposes the escrow engine over HTTP. The acting agent is read
// from the X-Agent-ID header, which an upstream authentication layer sets;
// this package performs no credential checks of its own.
package api
