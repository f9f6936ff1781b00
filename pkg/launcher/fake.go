package launcher

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/cuemby/formicaio/pkg/types"
)

// FakeLauncher is an in-memory Launcher used by tests, per spec.md
// §9's requirement of a fake implementation for every capability
// interface.
type FakeLauncher struct {
	mu            sync.Mutex
	nextPid       int
	nodes         map[types.NodeID]*types.NodeInstanceInfo
	running       map[types.NodeID]bool
	logs          map[types.NodeID]string
	ImageRef      string
	LatestVersion string
	FailNew       map[types.NodeID]bool
	FailSpawn     map[types.NodeID]bool
	FailRemoveDir map[types.NodeID]bool
}

func NewFakeLauncher() *FakeLauncher {
	return &FakeLauncher{
		nextPid:       1000,
		nodes:         make(map[types.NodeID]*types.NodeInstanceInfo),
		running:       make(map[types.NodeID]bool),
		logs:          make(map[types.NodeID]string),
		FailNew:       make(map[types.NodeID]bool),
		FailSpawn:     make(map[types.NodeID]bool),
		FailRemoveDir: make(map[types.NodeID]bool),
	}
}

func (f *FakeLauncher) NewNode(_ context.Context, info *types.NodeInstanceInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailNew[info.NodeID] {
		return fmt.Errorf("fake: new_node failed for %s", info.NodeID)
	}
	cp := *info
	f.nodes[info.NodeID] = &cp
	return nil
}

func (f *FakeLauncher) SpawnNewNode(_ context.Context, info *types.NodeInstanceInfo) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailSpawn[info.NodeID] {
		return 0, fmt.Errorf("fake: spawn_new_node failed for %s", info.NodeID)
	}
	f.nextPid++
	f.running[info.NodeID] = true
	return f.nextPid, nil
}

func (f *FakeLauncher) KillNode(_ context.Context, id types.NodeID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[id] = false
	return nil
}

func (f *FakeLauncher) UpgradeNode(_ context.Context, info *types.NodeInstanceInfo) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPid++
	f.running[info.NodeID] = true
	return f.nextPid, nil
}

func (f *FakeLauncher) RegeneratePeerID(_ context.Context, info *types.NodeInstanceInfo) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPid++
	f.running[info.NodeID] = true
	return f.nextPid, nil
}

func (f *FakeLauncher) RemoveNodeDir(_ context.Context, info *types.NodeInstanceInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailRemoveDir[info.NodeID] {
		return fmt.Errorf("fake: remove_node_dir failed for %s", info.NodeID)
	}
	delete(f.nodes, info.NodeID)
	delete(f.running, info.NodeID)
	delete(f.logs, info.NodeID)
	return nil
}

func (f *FakeLauncher) GetNodesList(_ context.Context) ([]*types.NodeInstanceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.NodeInstanceInfo, 0, len(f.nodes))
	for _, n := range f.nodes {
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (f *FakeLauncher) GetContainerLogsStream(_ context.Context, id types.NodeID) (io.ReadCloser, error) {
	f.mu.Lock()
	text := f.logs[id]
	f.mu.Unlock()
	return io.NopCloser(strings.NewReader(text)), nil
}

func (f *FakeLauncher) PullFormicaImage(_ context.Context) error { return nil }

func (f *FakeLauncher) UpgradeMasterBinary(_ context.Context, version string) (string, error) {
	return version, nil
}

// CheckLatestVersion returns LatestVersion, settable by tests to
// exercise node_bin_version_check without a real registry.
func (f *FakeLauncher) CheckLatestVersion(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.LatestVersion, nil
}

// SetLatestVersion seeds the version CheckLatestVersion reports.
func (f *FakeLauncher) SetLatestVersion(version string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LatestVersion = version
}

// SetLogs seeds a node's log contents for GetContainerLogsStream, used
// by tests to assert logs_stream plumbing.
func (f *FakeLauncher) SetLogs(id types.NodeID, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[id] = text
}

// IsRunning reports whether the fake considers id started, used by
// tests to assert lifecycle transitions.
func (f *FakeLauncher) IsRunning(id types.NodeID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[id]
}
