package ratelimit

import "time"

// Predeclared scopes with documented limits.
var (
	// GatewayConnection caps every command sent on one gateway connection.
	GatewayConnection = StaticKey(KindGateway, "connection")
	// GatewayIdentify limits identify commands.
	GatewayIdentify = StaticKey(KindGateway, "identify")
	// GatewayPresence limits presence updates.
	GatewayPresence = StaticKey(KindGateway, "presence_update")
	// ClientSendEdit is the shared scope for sending and editing messages.
	ClientSendEdit = StaticKey(KindClient, "send_edit")
)

// DefaultStaticBuckets returns the predeclared scopes and their limits.
func DefaultStaticBuckets() map[BucketKey]Limit {
	return map[BucketKey]Limit{
		GatewayConnection: {Count: 120, Window: 60 * time.Second},
		GatewayIdentify:   {Count: 1, Window: 5 * time.Second},
		GatewayPresence:   {Count: 5, Window: 60 * time.Second},
		ClientSendEdit:    {Count: 10, Window: 10 * time.Second},
	}
}

// debitsConnection reports whether a unit routed to key must first take a
// slot from the connection-wide gateway bucket.
func debitsConnection(key BucketKey) bool {
	return key.Kind == KindGateway && key != GatewayConnection
}
