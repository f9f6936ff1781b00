// Package launcher implements the NodeLauncher capability (C4): the
// external collaborator that creates, starts, stops, upgrades and
// removes the underlying node process. It is consumed, not owned, by
// NodeManager (spec.md §6 "NodeLauncher contract (consumed, not
// owned)").
package launcher

import (
	"context"
	"io"

	"github.com/cuemby/formicaio/pkg/types"
)

// Launcher is the capability interface NodeManager depends on. One
// production implementation (ContainerdLauncher) and one in-memory
// fake (FakeLauncher) exist, per spec.md §9.
type Launcher interface {
	// NewNode registers a node's on-disk layout and pulls its image,
	// without starting it.
	NewNode(ctx context.Context, info *types.NodeInstanceInfo) error

	// SpawnNewNode starts the node process and returns its pid.
	SpawnNewNode(ctx context.Context, info *types.NodeInstanceInfo) (pid int, err error)

	// KillNode stops the node process (graceful, falling back to
	// forced termination).
	KillNode(ctx context.Context, id types.NodeID) error

	// UpgradeNode replaces the running node binary/image and
	// restarts it, returning the new pid.
	UpgradeNode(ctx context.Context, info *types.NodeInstanceInfo) (pid int, err error)

	// RegeneratePeerID restarts the node with fresh key material,
	// rotating its peer id, and returns the new pid.
	RegeneratePeerID(ctx context.Context, info *types.NodeInstanceInfo) (pid int, err error)

	// RemoveNodeDir deletes the node's data directory and any
	// launcher-owned resources.
	RemoveNodeDir(ctx context.Context, info *types.NodeInstanceInfo) error

	// GetNodesList returns every node the launcher can discover on
	// disk/in the runtime, independent of formicaio's own registry -
	// used to re-derive state on boot (spec.md §1 Non-goals: "the
	// system re-derives state by re-observing nodes on boot").
	GetNodesList(ctx context.Context) ([]*types.NodeInstanceInfo, error)

	// GetContainerLogsStream returns a byte stream of the node's logs;
	// the caller decides when to stop reading.
	GetContainerLogsStream(ctx context.Context, id types.NodeID) (io.ReadCloser, error)

	// PullFormicaImage pre-pulls/refreshes the node image or binary.
	PullFormicaImage(ctx context.Context) error

	// UpgradeMasterBinary fetches the newest node binary artifact and
	// returns its version string.
	UpgradeMasterBinary(ctx context.Context, version string) (newVersion string, err error)

	// CheckLatestVersion queries the node image's registry for the
	// newest available tag, without pulling or installing it. Used by
	// BackgroundLoop's node_bin_version_check tick (spec.md §4.6) to
	// populate the latest-bin-version cell surfaced via NodeList.
	CheckLatestVersion(ctx context.Context) (latest string, err error)
}
