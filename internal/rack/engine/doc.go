// Package engine keeps a local media catalog synchronized with a remote one.
//
// # Architecture
//
// The package is split into small components that share one State object:
//
//   - Decide: pure conflict policy, maps (local, remote, policy) to an Action
//   - Monitor: probes remote reachability and drives connection recovery
//   - Scheduler: one long-lived loop owning a single repeating timer
//   - Engine: one synchronization pass (download, then upload)
//   - Synchronizer: wires the above together and exposes Pause, Resume,
//     Reset, Shutdown, Nudge, Status and Subscribe
//
// # States
//
// Exactly one Activity holds at any instant:
//
//	Idle ──tick, reachable──▶ Running ──complete──▶ Idle
//	Idle ──tick, unreachable──▶ ConnectionLost ──probe ok──▶ Idle
//	Running ──conflict / fatal──▶ Error ──Reset──▶ Idle
//	any ──Pause──▶ Paused ──Resume──▶ Idle
//
// Every transition is a compare-and-swap on the State, so two goroutines can
// never both move the synchronizer out of the same activity. Observers are
// notified synchronously, in transition order, after the State already
// reflects the new activity.
//
// # Usage
//
//	s := engine.New(remoteStore, localStore, sess, engine.DefaultConfig())
//	unsubscribe := s.Subscribe(myObserver)
//	defer unsubscribe()
//
//	go s.Run(ctx)
//	...
//	s.Shutdown()
//
// One-shot callers skip the loop and run a single pass:
//
//	res, err := s.RunOnce(ctx)
package engine
