// Package ratelimit decides when outbound API requests and gateway commands
// may be sent so that a client stays inside the server's per-route and
// global rate limits.
//
// # Dispatching
//
// Every unit of work goes through a Dispatcher. The transport supplies a
// SendFunc and reports the rate-limit headers of each response as a
// Snapshot:
//
//	d, err := ratelimit.New(ratelimit.DefaultConfig(), ratelimit.WithLogger(log))
//	defer d.Close()
//
//	err = d.Submit(ctx, &ratelimit.Request{
//	    Method: "POST",
//	    Route:  "channels/{channel_id}/messages",
//	    Major:  channelID,
//	    Send: func(ctx context.Context) (ratelimit.Feedback, error) {
//	        resp, err := httpClient.Do(req.WithContext(ctx))
//	        if err != nil {
//	            return ratelimit.Feedback{}, err
//	        }
//	        snap := ratelimit.ParseHeaders(resp.Header, time.Now())
//	        return ratelimit.Feedback{Snapshot: snap, RateLimited: resp.StatusCode == 429}, nil
//	    },
//	})
//
// # Buckets
//
// Units with the same BucketKey share a Bucket and are sent one at a time
// in submission order. A bucket starts by allowing one request; the first
// response reports the real limit. When the server reports a bucket hash,
// every route sharing the hash is folded into one bucket through the
// Registry's redirect table.
//
// Static scopes (gateway commands, the client send/edit scope) have fixed
// windows from DefaultStaticBuckets. Gateway commands also take a slot from
// the connection-wide GatewayConnection bucket.
//
// # Global limits
//
// A rejection flagged global pauses all REST buckets through the Throttle.
// GlobalThrottle is process-local, DistributedThrottle shares pauses over a
// message bus and RedisThrottle keeps the deadline in Redis.
//
// # Lifecycle
//
// SetParent ties all work to the client's lifetime, Clear cancels pending
// work on reconnect without closing the dispatcher, and Shutdown cancels
// everything and rejects later submissions. Buckets idle for longer than
// Config.IdleTimeout are evicted and forget what they learned.
package ratelimit
