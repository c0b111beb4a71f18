// Package stream provides push-based transaction feeds used to shorten
// confirmation latency: new-head scanning over websocket and an indexer's
// Redis pub/sub channel.
package stream
