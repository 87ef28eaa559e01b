// Package redisbus implements bus.Bus on Redis Streams so that worker
// processes behind a load balancer share room and user topics.
//
// Design Notes
//   - One stream per topic, appended with XADD and trimmed to an approximate
//     MAXLEN so idle topics stay bounded
//   - One reader goroutine per Bus issues a single XREAD BLOCK over every
//     followed stream, so a process holds one pooled connection for reads no
//     matter how many rooms and users it follows; a private wake stream
//     interrupts the blocked read when a topic is added
//   - A subscription starts from the stream tail observed while subscribing;
//     events published after Subscribe returns are never skipped
//   - Each subscription runs its handler on its own goroutine, in stream
//     order, so a slow handler never delays other topics
//   - No consumer groups: every subscription sees every event (fanout, not
//     work distribution)
//   - Events are not replayed to late subscribers; a publish to a topic
//     nobody listens to is retained only until trimmed
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	b := redisbus.New(client, redisbus.WithKeyPrefix("chat:"))
//	defer b.Close()
//
// Use memorybus for single-process development and tests.
package redisbus
