/*
Package store provides PostgreSQL-backed persistence for the control plane.

The Store interface covers users, instances, tokens, health samples, status
history, and relay records. Its centerpiece is TransitionInstance, which loads
an instance under a row lock and applies an InstancePatch in one transaction,
so concurrent heartbeats, relay callbacks, and sweeper demotions serialize on
the instance row rather than racing each other. Status history entries and
tunnel token rotation ride in the same transaction.

A MemoryStore implementation backs development mode and unit tests.
*/
package store
