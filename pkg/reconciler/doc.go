/*
Package reconciler periodically reclaims resources an Executor would have
released itself had it not died mid-run: stale DSCP allocations, orphaned
dynamic hosts and service listeners left behind in the Registry, and
aged-out run artifact directories.

# Cycle

Every 10 seconds:

 1. Release DSCP allocations whose owner PID is dead or whose age exceeds
    the pool's TTL (dscp.Pool.ReclaimStale).
 2. Walk every Registry owner tagged "executor"; for each whose PID is no
    longer alive, unregister its services, tear down its dynamic host
    namespaces, and unregister those hosts too.
 3. Delete run directories under the configured runs dir whose
    modification time is older than the configured retention window.

Unlike a node/container reconciliation loop, nothing here is "desired vs.
actual state" — there is no steady-state target to converge on, only
cleanup work that a crashed process can no longer do for itself. A
healthy, still-running Executor's own Registry entries and artifacts are
never touched by this package.
*/
package reconciler
