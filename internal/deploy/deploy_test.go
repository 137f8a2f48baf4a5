package deploy

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"devnetctl/internal/artifacts"
	"devnetctl/internal/supervise"
	"devnetctl/internal/testutil/testlog"
	"devnetctl/internal/tools"
	"devnetctl/internal/topology"
)

// keygenRunner simulates the key tool writing a vfn identity into --output-dir.
type keygenRunner struct {
	calls [][]string
}

func (r *keygenRunner) Run(name string, args ...string) ([]byte, []byte, int32, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	for i, a := range args {
		if a == "--output-dir" && i+1 < len(args) {
			path := filepath.Join(args[i+1], artifacts.IdentityFile)
			if err := writeDeployIdentity(path, len(r.calls)+100); err != nil {
				return nil, []byte(err.Error()), 1, err
			}
		}
	}
	return nil, nil, 0, nil
}

func writeDeployIdentity(path string, seq int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	doc := fmt.Sprintf(
		"account_address: 0x%064x\naccount_private_key: 0x%064x\nconsensus_private_key: 0x%064x\nnetwork_private_key: 0x%064x\nconsensus_public_key: 0x%064x\nnetwork_public_key: 0x%064x\n",
		seq, 100+seq, 200+seq, 300+seq, 400+seq, 500+seq)
	return os.WriteFile(path, []byte(doc), 0o600)
}

func deploySpec(t *testing.T) topology.ClusterSpec {
	t.Helper()
	baseDir := filepath.Join(t.TempDir(), "devnet")
	binDir := t.TempDir()
	binary := filepath.Join(binDir, "gravity-node")
	if err := os.WriteFile(binary, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	keyTool := filepath.Join(binDir, "gravity-cli")
	if err := os.WriteFile(keyTool, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write key tool: %v", err)
	}
	return topology.ClusterSpec{
		Name:       "devnet",
		BaseDir:    baseDir,
		BinaryPath: binary,
		KeyTool:    keyTool,
		Nodes: []topology.NodeSpec{
			{ID: "node1", Host: "127.0.0.1", Role: topology.RoleGenesis, P2PPort: 9000, VFNPort: 9001, RPCPort: 8545,
				MetricsPort: 9101, InspectionPort: 9102, AuthRPCPort: 8551, RethP2PPort: 30303,
				DataDir: filepath.Join(baseDir, "node1", "data")},
			{ID: "node2", Host: "127.0.0.1", Role: topology.RoleVFN, P2PPort: 9010, VFNPort: 9011, RPCPort: 8547,
				MetricsPort: 9111, InspectionPort: 9112, AuthRPCPort: 8561, RethP2PPort: 30313,
				DataDir: filepath.Join(baseDir, "node2", "data")},
		},
		Genesis: topology.GenesisSpec{
			StakeAmount:         topology.DefaultStakeAmount,
			VotingPower:         topology.DefaultStakeAmount,
			EpochIntervalMicros: topology.DefaultEpochIntervalMicros,
		},
	}
}

// seedArtifacts lays down a complete artifact set by hand so deploy tests do
// not depend on the init tooling.
func seedArtifacts(t *testing.T, spec topology.ClusterSpec, dir string) artifacts.Initializer {
	t.Helper()
	init := artifacts.Initializer{Spec: spec, Dir: dir}
	for i, node := range spec.ValidatorNodes() {
		if err := writeDeployIdentity(init.IdentityPath(node.ID), i+1); err != nil {
			t.Fatalf("seed identity: %v", err)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir artifacts: %v", err)
	}
	if err := os.WriteFile(init.GenesisPath(), []byte(`{"config":{"chainId":1337}}`+"\n"), 0o644); err != nil {
		t.Fatalf("seed genesis: %v", err)
	}
	if err := os.WriteFile(init.WaypointPath(), []byte("0:8f4e9a\n"), 0o644); err != nil {
		t.Fatalf("seed waypoint: %v", err)
	}
	return init
}

func TestDeployProducesRuntimeTree(t *testing.T) {
	testlog.Start(t)
	spec := deploySpec(t)
	artifactsDir := t.TempDir()
	seedArtifacts(t, spec, artifactsDir)

	runner := &keygenRunner{}
	d := &Deployer{
		Spec:         spec,
		ArtifactsDir: artifactsDir,
		Toolchain:    tools.Toolchain{KeyTool: spec.KeyTool},
		Runner:       runner,
	}
	if err := d.Run(); err != nil {
		t.Fatalf("deploy: %v", err)
	}

	if _, err := os.Stat(filepath.Join(spec.BaseDir, artifacts.GenesisFile)); err != nil {
		t.Fatalf("shared genesis missing: %v", err)
	}

	node1, _ := spec.Node("node1")
	for _, path := range []string{
		filepath.Join(node1.ConfigDir(spec.BaseDir), "genesis.yaml"),
		filepath.Join(node1.ConfigDir(spec.BaseDir), "execution_config.json"),
		filepath.Join(node1.ConfigDir(spec.BaseDir), "node.env"),
		filepath.Join(node1.ConfigDir(spec.BaseDir), artifacts.IdentityFile),
		filepath.Join(node1.ConfigDir(spec.BaseDir), artifacts.WaypointFile),
		node1.StartScript(spec.BaseDir),
		node1.StopScript(spec.BaseDir),
		node1.DataDir,
	} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("missing runtime file %s: %v", path, err)
		}
	}

	info, err := os.Stat(node1.StartScript(spec.BaseDir))
	if err != nil {
		t.Fatalf("stat start script: %v", err)
	}
	if info.Mode().Perm()&0o100 == 0 {
		t.Fatalf("start script not executable: %v", info.Mode())
	}

	config, err := os.ReadFile(filepath.Join(node1.ConfigDir(spec.BaseDir), "genesis.yaml"))
	if err != nil {
		t.Fatalf("read role config: %v", err)
	}
	for _, want := range []string{
		"role: genesis",
		"listen_address: /ip4/0.0.0.0/tcp/9000",
		"address: 127.0.0.1:8545",
		"mutual_authentication: true",
	} {
		if !strings.Contains(string(config), want) {
			t.Fatalf("role config missing %q:\n%s", want, config)
		}
	}

	// The vfn node gets a runtime-local identity from the key tool.
	node2, _ := spec.Node("node2")
	if _, err := os.Stat(filepath.Join(node2.ConfigDir(spec.BaseDir), artifacts.IdentityFile)); err != nil {
		t.Fatalf("vfn identity missing: %v", err)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("expected one key tool invocation for the vfn node, got %v", runner.calls)
	}
	vfnConfig, err := os.ReadFile(filepath.Join(node2.ConfigDir(spec.BaseDir), "vfn.yaml"))
	if err != nil {
		t.Fatalf("read vfn config: %v", err)
	}
	if strings.Contains(string(vfnConfig), "consensus:") {
		t.Fatalf("vfn config must not carry a consensus section:\n%s", vfnConfig)
	}
}

func TestDeployIsFullRewrite(t *testing.T) {
	testlog.Start(t)
	spec := deploySpec(t)
	artifactsDir := t.TempDir()
	seedArtifacts(t, spec, artifactsDir)

	stray := filepath.Join(spec.BaseDir, "leftover.txt")
	if err := os.MkdirAll(spec.BaseDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(stray, []byte("old"), 0o644); err != nil {
		t.Fatalf("write stray: %v", err)
	}

	d := &Deployer{Spec: spec, ArtifactsDir: artifactsDir, Toolchain: tools.Toolchain{KeyTool: spec.KeyTool}, Runner: &keygenRunner{}}
	if err := d.Run(); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if _, err := os.Stat(stray); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("deploy must wipe base_dir, stray survived: %v", err)
	}
}

func TestDeployDeterministic(t *testing.T) {
	testlog.Start(t)
	spec := deploySpec(t)
	artifactsDir := t.TempDir()
	seedArtifacts(t, spec, artifactsDir)

	d := &Deployer{Spec: spec, ArtifactsDir: artifactsDir, Toolchain: tools.Toolchain{KeyTool: spec.KeyTool}, Runner: &keygenRunner{}}
	if err := d.Run(); err != nil {
		t.Fatalf("first deploy: %v", err)
	}
	node1, _ := spec.Node("node1")
	rendered := []string{
		filepath.Join(node1.ConfigDir(spec.BaseDir), "genesis.yaml"),
		filepath.Join(node1.ConfigDir(spec.BaseDir), "execution_config.json"),
		filepath.Join(node1.ConfigDir(spec.BaseDir), "node.env"),
		node1.StartScript(spec.BaseDir),
	}
	before := make(map[string][]byte, len(rendered))
	for _, path := range rendered {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		before[path] = data
	}

	if err := d.Run(); err != nil {
		t.Fatalf("second deploy: %v", err)
	}
	for _, path := range rendered {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if !bytes.Equal(before[path], data) {
			t.Fatalf("redeploy changed %s", path)
		}
	}
}

func TestDeployRequiresArtifacts(t *testing.T) {
	testlog.Start(t)
	spec := deploySpec(t)
	d := &Deployer{Spec: spec, ArtifactsDir: t.TempDir(), Runner: &keygenRunner{}}
	if err := d.Run(); !errors.Is(err, ErrMissingArtifacts) {
		t.Fatalf("expected ErrMissingArtifacts, got %v", err)
	}
}

func TestDeployRefusesLiveCluster(t *testing.T) {
	testlog.Start(t)
	spec := deploySpec(t)
	artifactsDir := t.TempDir()
	seedArtifacts(t, spec, artifactsDir)

	// Record the test process itself as node1: definitely alive.
	registry := supervise.NewRegistry(spec.BaseDir)
	if err := registry.Put(supervise.Record{NodeID: "node1", PID: os.Getpid()}); err != nil {
		t.Fatalf("seed registry: %v", err)
	}

	d := &Deployer{Spec: spec, ArtifactsDir: artifactsDir, Runner: &keygenRunner{}}
	err := d.Run()
	if !errors.Is(err, ErrClusterLive) {
		t.Fatalf("expected ErrClusterLive, got %v", err)
	}
	if !strings.Contains(err.Error(), "node1") {
		t.Fatalf("error should name the live node: %v", err)
	}
}

func TestResolveBinary(t *testing.T) {
	testlog.Start(t)

	dir := t.TempDir()
	explicit := filepath.Join(dir, "gravity-node")
	if err := os.WriteFile(explicit, []byte("bin"), 0o755); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	if got, err := ResolveBinary(explicit); err != nil || got != explicit {
		t.Fatalf("explicit path: got %q (%v)", got, err)
	}

	if _, err := ResolveBinary(""); !errors.Is(err, ErrBinaryNotFound) {
		t.Fatalf("empty path: %v", err)
	}

	// Fallback probes the build output directories relative to the cwd.
	work := t.TempDir()
	if err := os.MkdirAll(filepath.Join(work, "target", "release"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	fallback := filepath.Join(work, "target", "release", "gravity-node")
	if err := os.WriteFile(fallback, []byte("bin"), 0o755); err != nil {
		t.Fatalf("write fallback: %v", err)
	}
	oldWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(work); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(oldWD) })
	got, err := ResolveBinary(filepath.Join(dir, "absent", "gravity-node"))
	if err != nil {
		t.Fatalf("fallback: %v", err)
	}
	if filepath.Base(got) != "gravity-node" || !filepath.IsAbs(got) {
		t.Fatalf("fallback resolved %q", got)
	}

	if _, err := ResolveBinary("no-such-binary-anywhere"); !errors.Is(err, ErrBinaryNotFound) {
		t.Fatalf("missing binary: %v", err)
	}
}
