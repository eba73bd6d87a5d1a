// Package health models liveness and readiness as composable probes.
//
// A [Probe] is consulted at request time and answers with nil (fine) or an
// error naming what is wrong. [All] and [Any] combine probes, [Fixed] pins
// an answer, and [CheckFunc] lifts a bare function into the interface.
// [HealthzHandler] and [ReadyzHandler] expose probes over HTTP for the
// orchestrator and the load balancer respectively.
//
// [ShutdownGate] ties readiness to drain: closing the gate makes readiness
// fail while the process finishes its in-flight work, which is what makes
// zero-downtime rollouts possible behind a balancer that respects readiness.
package health
