/*
Package types defines the core data structures shared across formicaio.

This package is the foundation of the node-fleet supervisor's data
model: node records and their tagged-union status, batches, settings,
payments and the aggregated Stats view. These types are used by every
other package for persistence, background polling, the HTTP API and the
MCP control plane.

# Core Types

Node identity and lifecycle:
  - NodeID: opaque hex identifier, short_id derivation
  - NodeStatus: closed tagged union (Creating, Active, Restarting,
    Stopping, Removing, Upgrading, Recycling, Inactive(reason))
  - NodeInstanceInfo: the full persisted record of one node
  - NodeSummary / NodeList: the list_nodes view, with derived
    status_info

Batches:
  - Batch, BatchType, BatchStatus: closed tagged unions describing a
    queued, rate-limited, cancellable multi-node operation

Settings and Stats:
  - Settings: operator-tunable frequencies and ledger configuration
  - Stats: fleet-wide aggregate totals and earnings breakdown
  - Payment, PeriodStats: ledger payment history and windowed
    earnings analysis

Background-loop command bus:
  - BgCmd: closed tagged union carried on the single command
    broadcast topic consumed by BackgroundLoop

# Design Patterns

Enumeration pattern: every closed set (status kind, batch type,
inactive reason) is a typed string constant, never an open interface
hierarchy - SPEC_FULL.md is explicit that all sum types here are
closed.

Optional fields use pointers (Pid, ChangePercent) or are left as the
zero value when genuinely absent (ZeroBigInts documents the one place
a nil is disallowed: Rewards/Balance must never be nil once loaded).

# Thread Safety

Types in this package carry no synchronization of their own; callers
synchronize access the same way pkg/storage, pkg/locktable and
pkg/metricscache do around their own maps.
*/
package types
