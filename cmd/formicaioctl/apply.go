package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/formicaio/pkg/types"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Create nodes declared in a YAML manifest against a running formicaio API",
	Long: `Apply reads a NodeSet manifest and POSTs each entry to a running
formicaio instance's /api/nodes/create endpoint.

Example manifest:

  apiVersion: formicaio/v1
  kind: NodeSet
  nodes:
    - node_ip: 127.0.0.1
      port: 12000
      metrics_port: 14000
      rewards_addr: "0x1111111111111111111111111111111111111111"
      auto_start: true

Examples:
  formicaioctl apply -f nodes.yaml
  formicaioctl apply -f nodes.yaml --api-addr http://127.0.0.1:8080`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML manifest to apply (required)")
	applyCmd.Flags().String("api-addr", "http://127.0.0.1:8080", "formicaio HTTP API address")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// NodeSetManifest is a declarative batch of nodes to create, the
// formicaio analogue of the teacher's generic Service/Secret/Volume
// resource manifest, narrowed to the one resource kind this spec has.
type NodeSetManifest struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Nodes      []manifestedNode `yaml:"nodes"`
}

type manifestedNode struct {
	NodeIP            string `yaml:"node_ip"`
	Port              uint16 `yaml:"port"`
	MetricsPort       uint16 `yaml:"metrics_port"`
	RewardsAddr       string `yaml:"rewards_addr"`
	Upnp              bool   `yaml:"upnp"`
	ReachabilityCheck bool   `yaml:"reachability_check"`
	NodeLogs          bool   `yaml:"node_logs"`
	DataDirPath       string `yaml:"data_dir_path"`
	AutoStart         bool   `yaml:"auto_start"`
}

func (n manifestedNode) toNodeOpts() types.NodeOpts {
	return types.NodeOpts{
		NodeIP:            n.NodeIP,
		Port:              n.Port,
		MetricsPort:       n.MetricsPort,
		RewardsAddr:       n.RewardsAddr,
		Upnp:              n.Upnp,
		ReachabilityCheck: n.ReachabilityCheck,
		NodeLogs:          n.NodeLogs,
		DataDirPath:       n.DataDirPath,
		AutoStart:         n.AutoStart,
	}
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	apiAddr, _ := cmd.Flags().GetString("api-addr")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	var manifest NodeSetManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	if manifest.Kind != "NodeSet" {
		return fmt.Errorf("unsupported manifest kind: %s", manifest.Kind)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	for _, n := range manifest.Nodes {
		if err := postCreateNode(client, apiAddr, n.toNodeOpts()); err != nil {
			return fmt.Errorf("create node %s:%d: %w", n.NodeIP, n.Port, err)
		}
		fmt.Printf("created node %s:%d\n", n.NodeIP, n.Port)
	}
	return nil
}

func postCreateNode(client *http.Client, apiAddr string, opts types.NodeOpts) error {
	body, err := json.Marshal(opts)
	if err != nil {
		return err
	}

	resp, err := client.Post(apiAddr+"/api/nodes/create", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		var errResp struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, errResp.Message)
	}
	return nil
}
