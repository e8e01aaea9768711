// Package redisstream provides a Redis Streams transport for xenvelope.
//
// Transport name: "redis-streams"
//
// Every envelope becomes one stream entry: id, correlation_id, reply_to,
// ttl_ns, scheduled_ns, body, and one "prop:<key>" field per property holding
// xenvelope.EncodeProperty output. Envelopes scheduled in the future are parked
// in a sorted set "<topic>:scheduled" and moved onto the stream once due.
// Entries whose time to live ran out since they were added are acked and
// skipped without reaching the handler.
//
// Minimal config keys:
// - addr: "host:port" (default "127.0.0.1:6379")
// - group: consumer group name (default "xenvelope")
// - consumer: consumer name (default "xenvelope-<host>-<pid>")
// - concurrency: number of workers (default 8)
// - batch_size: XREADGROUP COUNT (default 128)
// - block: XREADGROUP BLOCK duration (default 5s)
// - auto_create: create group/stream if missing (default true)
// - auto_delete_on_ack: XDEL after XACK (default false)
// - dead_letter: stream name to write nacked envelopes (optional)
// - schedule_interval: how often due scheduled envelopes are promoted (default 1s)
//
// Example builder usage:
//
//	client, _ := xenvelope.NewClientBuilder().
//	    WithTransport(redisstream.TransportName, map[string]any{
//	        "addr":        "localhost:6379",
//	        "group":       "payments",
//	        "consumer":    "service-a",
//	        "concurrency": 16,
//	        "batch_size":  256,
//	        "block":       "5s",
//	        "auto_create": true,
//	        "dead_letter": "payments-dlq",
//	    }).
//	    WithStore(redisstore.StoreName, map[string]any{"addr": "localhost:6379"}).
//	    Build()
package redisstream
