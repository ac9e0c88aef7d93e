// Package shutdown stops a dispatch client's components in order.
//
// A client is torn down in phases: first the transports that produce work
// (gateway connections, REST clients), then the dispatcher that cancels
// everything still queued, and last the backends the dispatcher used
// (throttle stores, message buses, telemetry exporters). Handlers in one
// phase run concurrently; phases run in ascending order.
//
//	coord, _ := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	stop := coord.HandleSignals(ctx)
//	defer stop()
//
//	coord.RegisterWithPhase("gateway", conn, shutdown.PhaseTransport)
//	coord.RegisterWithPhase("dispatcher", dispatcher, shutdown.PhaseDispatcher)
//	coord.RegisterWithPhase("bus", shutdown.Closer(natsBus), shutdown.PhaseBackend)
//
//	<-coord.Done()
//
// Shutdown runs once. Every handler receives the same context, which is
// cancelled when the timeout expires; a handler that ignores it delays
// later phases.
package shutdown
