package launcher

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/coreos/go-semver/semver"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	"github.com/cuemby/formicaio/pkg/log"
	"github.com/cuemby/formicaio/pkg/types"
)

const (
	defaultSocketPath = "/run/containerd/containerd.sock"
	defaultNamespace  = "formicaio"

	// stopGracePeriod is how long KillNode waits for a SIGTERM'd task
	// to exit before escalating to SIGKILL.
	stopGracePeriod = 10 * time.Second
)

// ContainerdLauncher is the production Launcher, one container per
// node, grounded on the teacher's pkg/runtime.ContainerdRuntime.
type ContainerdLauncher struct {
	client    *containerd.Client
	namespace string
	imageRef  string
	dataRoot  string
	log       zerolog.Logger
}

// NewContainerdLauncher dials the containerd socket and prepares the
// namespace formicaio's node containers live in.
func NewContainerdLauncher(socketPath, imageRef, dataRoot string) (*ContainerdLauncher, error) {
	if socketPath == "" {
		socketPath = defaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial containerd at %s: %w", socketPath, err)
	}
	return &ContainerdLauncher{
		client:    client,
		namespace: defaultNamespace,
		imageRef:  imageRef,
		dataRoot:  dataRoot,
		log:       log.WithComponent("launcher"),
	}, nil
}

func (l *ContainerdLauncher) ctx() context.Context {
	return namespaces.WithNamespace(context.Background(), l.namespace)
}

func (l *ContainerdLauncher) nodeDir(id types.NodeID) string {
	return filepath.Join(l.dataRoot, string(id))
}

// NewNode creates the node's data directory and pulls the node image,
// without creating the container itself.
func (l *ContainerdLauncher) NewNode(ctx context.Context, info *types.NodeInstanceInfo) error {
	dir := info.DataDirPath
	if dir == "" {
		dir = l.nodeDir(info.NodeID)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create node dir: %w", err)
	}
	_, err := l.client.GetImage(l.ctx(), l.imageRef)
	if err == nil {
		return nil
	}
	return l.PullFormicaImage(ctx)
}

// SpawnNewNode creates the container (if absent) and starts its task,
// returning the task's pid.
func (l *ContainerdLauncher) SpawnNewNode(ctx context.Context, info *types.NodeInstanceInfo) (int, error) {
	cctx := l.ctx()

	container, err := l.client.LoadContainer(cctx, string(info.NodeID))
	if err != nil {
		image, err := l.client.GetImage(cctx, l.imageRef)
		if err != nil {
			return 0, fmt.Errorf("get image %s: %w", l.imageRef, err)
		}
		container, err = l.client.NewContainer(
			cctx,
			string(info.NodeID),
			containerd.WithImage(image),
			containerd.WithNewSnapshot(string(info.NodeID)+"-snapshot", image),
			containerd.WithNewSpec(l.specOpts(info)...),
		)
		if err != nil {
			return 0, fmt.Errorf("create container: %w", err)
		}
	}

	task, err := container.NewTask(cctx, cio.NullIO)
	if err != nil {
		return 0, fmt.Errorf("create task: %w", err)
	}
	if err := task.Start(cctx); err != nil {
		return 0, fmt.Errorf("start task: %w", err)
	}
	return int(task.Pid()), nil
}

func (l *ContainerdLauncher) specOpts(info *types.NodeInstanceInfo) []oci.SpecOpts {
	env := []string{
		fmt.Sprintf("NODE_IP=%s", info.NodeIP),
		fmt.Sprintf("NODE_PORT=%d", info.Port),
		fmt.Sprintf("NODE_METRICS_PORT=%d", info.MetricsPort),
		fmt.Sprintf("REWARDS_ADDR=%s", info.RewardsAddr),
	}
	opts := []oci.SpecOpts{
		oci.WithDefaultSpec(),
		oci.WithEnv(env),
		oci.WithHostNamespace(specs.NetworkNamespace),
	}
	if info.DataDirPath != "" {
		opts = append(opts, oci.WithMounts([]specs.Mount{{
			Destination: "/data",
			Source:      info.DataDirPath,
			Type:        "bind",
			Options:     []string{"rbind", "rw"},
		}}))
	}
	return opts
}

// KillNode sends SIGTERM, waits stopGracePeriod, then escalates to
// SIGKILL, matching the teacher's StopContainer fallback sequence.
func (l *ContainerdLauncher) KillNode(ctx context.Context, id types.NodeID) error {
	cctx := l.ctx()
	container, err := l.client.LoadContainer(cctx, string(id))
	if err != nil {
		return fmt.Errorf("load container: %w", err)
	}
	task, err := container.Task(cctx, nil)
	if err != nil {
		return nil // no running task; already stopped
	}

	statusC, err := task.Wait(cctx)
	if err != nil {
		return fmt.Errorf("wait task: %w", err)
	}

	if err := task.Kill(cctx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("sigterm task: %w", err)
	}

	select {
	case <-statusC:
	case <-time.After(stopGracePeriod):
		if err := task.Kill(cctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("sigkill task: %w", err)
		}
		<-statusC
	}

	if _, err := task.Delete(cctx); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// UpgradeNode kills the current task, re-pulls the image, and starts
// a fresh task on the same container.
func (l *ContainerdLauncher) UpgradeNode(ctx context.Context, info *types.NodeInstanceInfo) (int, error) {
	if err := l.KillNode(ctx, info.NodeID); err != nil {
		return 0, err
	}
	if err := l.PullFormicaImage(ctx); err != nil {
		return 0, err
	}
	return l.SpawnNewNode(ctx, info)
}

// RegeneratePeerID kills the task, wipes the node's key material, and
// restarts it so a fresh peer id is assigned on boot.
func (l *ContainerdLauncher) RegeneratePeerID(ctx context.Context, info *types.NodeInstanceInfo) (int, error) {
	if err := l.KillNode(ctx, info.NodeID); err != nil {
		return 0, err
	}
	if info.DataDirPath != "" {
		keyFile := filepath.Join(info.DataDirPath, "secret-key")
		if err := os.Remove(keyFile); err != nil && !os.IsNotExist(err) {
			return 0, fmt.Errorf("remove key material: %w", err)
		}
	}
	return l.SpawnNewNode(ctx, info)
}

// RemoveNodeDir stops the container, deletes it and its snapshot, and
// removes the node's data directory from disk.
func (l *ContainerdLauncher) RemoveNodeDir(ctx context.Context, info *types.NodeInstanceInfo) error {
	cctx := l.ctx()
	if err := l.KillNode(ctx, info.NodeID); err != nil {
		return err
	}
	if container, err := l.client.LoadContainer(cctx, string(info.NodeID)); err == nil {
		if err := container.Delete(cctx, containerd.WithSnapshotCleanup); err != nil {
			return fmt.Errorf("delete container: %w", err)
		}
	}
	dir := info.DataDirPath
	if dir == "" {
		dir = l.nodeDir(info.NodeID)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove node dir: %w", err)
	}
	return nil
}

// GetNodesList enumerates every formicaio-namespace container so the
// supervisor can re-derive state on boot without trusting its own
// registry (spec.md §1).
func (l *ContainerdLauncher) GetNodesList(ctx context.Context) ([]*types.NodeInstanceInfo, error) {
	cctx := l.ctx()
	containers, err := l.client.Containers(cctx)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	out := make([]*types.NodeInstanceInfo, 0, len(containers))
	for _, c := range containers {
		info := &types.NodeInstanceInfo{NodeID: types.NodeID(c.ID())}
		info.Status = l.statusFor(cctx, c)
		if task, err := c.Task(cctx, nil); err == nil {
			pid := int(task.Pid())
			info.Pid = &pid
		}
		out = append(out, info)
	}
	return out, nil
}

func (l *ContainerdLauncher) statusFor(ctx context.Context, c containerd.Container) types.NodeStatus {
	task, err := c.Task(ctx, nil)
	if err != nil {
		return types.Inactive(types.ReasonUnknown, "no task")
	}
	st, err := task.Status(ctx)
	if err != nil {
		return types.Inactive(types.ReasonUnknown, err.Error())
	}
	switch st.Status {
	case containerd.Running:
		return types.NodeStatus{Kind: types.StatusActive}
	case containerd.Stopped:
		return types.Inactive(types.ReasonExited, "")
	default:
		return types.Inactive(types.ReasonUnknown, string(st.Status))
	}
}

// GetContainerLogsStream opens node.log under the node's default data
// dir (dataRoot/<id>) and streams it. Tasks run under cio.NullIO, so
// the task's stdout/stderr are not captured into that file; it holds
// only what the node process writes there itself.
func (l *ContainerdLauncher) GetContainerLogsStream(ctx context.Context, id types.NodeID) (io.ReadCloser, error) {
	path := filepath.Join(l.nodeDir(id), "node.log")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// PullFormicaImage re-pulls the configured node image.
func (l *ContainerdLauncher) PullFormicaImage(ctx context.Context) error {
	_, err := l.client.Pull(l.ctx(), l.imageRef, containerd.WithPullUnpack)
	if err != nil {
		return fmt.Errorf("pull image %s: %w", l.imageRef, err)
	}
	return nil
}

// UpgradeMasterBinary re-pulls the image tagged with version and
// reports the resolved version string back to the caller.
func (l *ContainerdLauncher) UpgradeMasterBinary(ctx context.Context, version string) (string, error) {
	ref := l.imageRef
	if version != "" {
		if idx := strings.LastIndex(ref, ":"); idx > 0 {
			ref = ref[:idx]
		}
		ref = fmt.Sprintf("%s:%s", ref, version)
	}
	if _, err := l.client.Pull(l.ctx(), ref, containerd.WithPullUnpack); err != nil {
		return "", fmt.Errorf("pull %s: %w", ref, err)
	}
	l.imageRef = ref
	if version == "" {
		if _, _, tag, err := splitImageRef(ref); err == nil {
			return tag, nil
		}
	}
	return version, nil
}

// registryHTTPTimeout bounds the OCI Distribution API calls
// CheckLatestVersion makes; node_bin_version_check runs unattended
// every BinVersionCheckSecs and must never hang the tick.
const registryHTTPTimeout = 15 * time.Second

// CheckLatestVersion queries the configured image's registry for its
// highest semver tag, the formica-image analogue of the original
// implementation's crates.io "newest_version" lookup (grounded on
// bg_tasks.rs's latest_version_available). It never mutates l.imageRef
// or pulls anything; that remains UpgradeMasterBinary's job.
func (l *ContainerdLauncher) CheckLatestVersion(ctx context.Context) (string, error) {
	host, repo, _, err := splitImageRef(l.imageRef)
	if err != nil {
		return "", fmt.Errorf("parse image ref %s: %w", l.imageRef, err)
	}

	ctx, cancel := context.WithTimeout(ctx, registryHTTPTimeout)
	defer cancel()

	tags, err := fetchRegistryTags(ctx, host, repo)
	if err != nil {
		return "", fmt.Errorf("list tags for %s/%s: %w", host, repo, err)
	}

	var latest *semver.Version
	var latestTag string
	for _, tag := range tags {
		v, err := semver.NewVersion(strings.TrimPrefix(tag, "v"))
		if err != nil {
			continue // non-semver tags (e.g. "latest", "edge") are skipped
		}
		if latest == nil || latest.LessThan(*v) {
			latest, latestTag = v, tag
		}
	}
	if latest == nil {
		return "", fmt.Errorf("no semver tags found for %s/%s", host, repo)
	}
	return latestTag, nil
}

// splitImageRef splits an OCI image reference into registry host,
// repository path and tag, defaulting docker.io's unqualified host to
// its v2 API endpoint the way containerd's own ref parser does.
func splitImageRef(ref string) (host, repo, tag string, err error) {
	name := ref
	tag = "latest"
	if idx := strings.LastIndex(ref, ":"); idx > strings.LastIndex(ref, "/") {
		name, tag = ref[:idx], ref[idx+1:]
	}

	parts := strings.SplitN(name, "/", 2)
	if len(parts) != 2 {
		return "registry-1.docker.io", "library/" + name, tag, nil
	}
	if !strings.ContainsAny(parts[0], ".:") {
		return "registry-1.docker.io", name, tag, nil
	}
	host = parts[0]
	if host == "docker.io" {
		host = "registry-1.docker.io"
	}
	return host, parts[1], tag, nil
}

// fetchRegistryTags lists a repository's tags via the OCI Distribution
// Specification's GET /v2/<repo>/tags/list, authenticating against
// Docker Hub's anonymous token endpoint when needed.
func fetchRegistryTags(ctx context.Context, host, repo string) ([]string, error) {
	client := &http.Client{Timeout: registryHTTPTimeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("https://%s/v2/%s/tags/list", host, repo), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized && host == "registry-1.docker.io" {
		token, terr := dockerHubAnonToken(ctx, client, repo)
		if terr != nil {
			return nil, terr
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp.Body.Close()
		resp, err = client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode tags/list response: %w", err)
	}
	return body.Tags, nil
}

// dockerHubAnonToken fetches a short-lived anonymous pull token from
// Docker Hub's auth endpoint, required before registry-1.docker.io
// will answer an unauthenticated tags/list request.
func dockerHubAnonToken(ctx context.Context, client *http.Client, repo string) (string, error) {
	url := fmt.Sprintf("https://auth.docker.io/token?service=registry.docker.io&scope=repository:%s:pull", repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("docker hub auth returned status %d", resp.StatusCode)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode docker hub auth response: %w", err)
	}
	return body.Token, nil
}

var ipRegexp = regexp.MustCompile(`inet (\d+\.\d+\.\d+\.\d+)/\d+`)

// containerIP shells out via nsenter into the task's network namespace
// to read its assigned IPv4 address, matching the teacher's
// GetContainerIP implementation.
func (l *ContainerdLauncher) containerIP(ctx context.Context, id types.NodeID) (string, error) {
	cctx := l.ctx()
	container, err := l.client.LoadContainer(cctx, string(id))
	if err != nil {
		return "", err
	}
	task, err := container.Task(cctx, nil)
	if err != nil {
		return "", err
	}
	cmd := exec.CommandContext(ctx, "nsenter", "-t", fmt.Sprintf("%d", task.Pid()), "-n", "ip", "-4", "addr", "show", "eth0")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("nsenter: %w", err)
	}
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		if m := ipRegexp.FindStringSubmatch(scanner.Text()); m != nil {
			return m[1], nil
		}
	}
	return "", fmt.Errorf("no ipv4 address found for %s", id)
}
