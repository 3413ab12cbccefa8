// Package redisstream provides a Redis Streams transport for xenvelope.
//
// Transport name: "redis-streams"
//
// Every agent address maps to one stream, "<stream_prefix><address>".
// Envelopes are stored as the codec-encoded bytes under the "envelope" field
// alongside the schema digest ("name") and flattened frame metadata.
//
// Minimal config keys:
// - addr: "host:port" (default "127.0.0.1:6379")
// - stream_prefix: stream key prefix (default "xenvelope:")
// - consumer: consumer name (default "xenvelope-<host>-<pid>")
// - concurrency: number of workers (default 8)
// - batch_size: XREADGROUP COUNT (default 128)
// - block: XREADGROUP BLOCK duration (default 5s)
// - auto_create: create group/stream if missing (default true)
// - auto_delete_on_ack: XDEL after XACK (default false)
// - dead_letter: stream name to write failed envelopes (optional)
// - claim_min_idle: redeliver pending entries idle this long (default 1m, 0 disables)
// - claim_interval: how often pending entries are scanned (default 15s)
//
// Example builder usage:
//
//	bus, _ := xenvelope.NewBusBuilder().
//	    WithSigner(id).
//	    WithVerifier(identity.Verifier{}).
//	    WithTransport(redisstream.TransportName, map[string]any{
//	        "addr":        "localhost:6379",
//	        "consumer":    "agent-a",
//	        "concurrency": 16,
//	        "block":       "5s",
//	        "dead_letter": "xenvelope-dlq",
//	    }).
//	    Build()
package redisstream
