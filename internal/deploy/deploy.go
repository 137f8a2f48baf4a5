// Package deploy turns a valid artifact set plus topology into one runtime
// directory per node: rendered role configuration, control scripts, and the
// shared genesis. A deploy is a full destructive rewrite of base_dir, never
// an incremental update.
package deploy

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"devnetctl/internal/artifacts"
	"devnetctl/internal/supervise"
	"devnetctl/internal/tools"
	"devnetctl/internal/topology"
)

var (
	ErrBinaryNotFound   = errors.New("deploy: node binary not found")
	ErrMissingArtifacts = errors.New("deploy: artifact set incomplete")
	ErrClusterLive      = errors.New("deploy: cluster has running nodes")
)

// binarySearchDirs is the documented fallback when the configured binary
// path does not exist: the usual build output directories, probed for the
// configured basename.
var binarySearchDirs = []string{
	"target/debug",
	"target/release",
	"target/quick-release",
}

type Deployer struct {
	Spec         topology.ClusterSpec
	ArtifactsDir string
	Toolchain    tools.Toolchain
	Runner       tools.CommandRunner
}

func (d *Deployer) runner() tools.CommandRunner {
	if d.Runner == nil {
		return tools.ExecRunner{}
	}
	return d.Runner
}

// Run produces the runtime directory tree. It refuses to proceed while any
// node from a previous deploy is still running against the same base_dir:
// wiping live data dirs is not recoverable, stopping first is.
func (d *Deployer) Run() error {
	binary, err := ResolveBinary(d.Spec.BinaryPath)
	if err != nil {
		return err
	}

	init := artifacts.Initializer{Spec: d.Spec, Dir: d.ArtifactsDir}
	if !init.Valid() {
		return fmt.Errorf("%w in %s; run init first", ErrMissingArtifacts, d.ArtifactsDir)
	}

	if live := supervise.New(d.Spec).LiveNodes(); len(live) > 0 {
		return fmt.Errorf("%w (%s); run 'devnetctl stop' first", ErrClusterLive, strings.Join(live, ", "))
	}

	log.Info().Str("base_dir", d.Spec.BaseDir).Msg("wiping base dir for full redeploy")
	if err := os.RemoveAll(d.Spec.BaseDir); err != nil {
		return err
	}
	if err := os.MkdirAll(d.Spec.BaseDir, 0o755); err != nil {
		return err
	}

	// One shared genesis for all nodes.
	sharedGenesis := filepath.Join(d.Spec.BaseDir, artifacts.GenesisFile)
	if err := copyFile(init.GenesisPath(), sharedGenesis, 0o644); err != nil {
		return err
	}

	for _, node := range d.Spec.Nodes {
		if err := d.deployNode(node, &init, binary, sharedGenesis); err != nil {
			return fmt.Errorf("node %q: %w", node.ID, err)
		}
		log.Info().Str("node", node.ID).Str("role", node.Role.String()).Msg("runtime directory ready")
	}
	return nil
}

func (d *Deployer) deployNode(node topology.NodeSpec, init *artifacts.Initializer, binary, sharedGenesis string) error {
	baseDir := d.Spec.BaseDir
	for _, dir := range []string{
		node.ConfigDir(baseDir),
		node.LogsDir(baseDir),
		node.ScriptDir(baseDir),
		node.DataDir,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	vars := NodeVars{
		NodeID:         node.ID,
		Host:           node.Host,
		Role:           node.Role,
		BaseDir:        baseDir,
		DataDir:        node.DataDir,
		NodeDir:        node.RuntimeDir(baseDir),
		BinaryPath:     binary,
		GenesisPath:    sharedGenesis,
		P2PPort:        node.P2PPort,
		VFNPort:        node.VFNPort,
		RPCPort:        node.RPCPort,
		MetricsPort:    node.MetricsPort,
		InspectionPort: node.InspectionPort,
		HTTPSPort:      node.HTTPSPort,
		AuthRPCPort:    node.AuthRPCPort,
		RethP2PPort:    node.RethP2PPort,
	}

	waypointDst := filepath.Join(node.ConfigDir(baseDir), artifacts.WaypointFile)
	if err := copyFile(init.WaypointPath(), waypointDst, 0o644); err != nil {
		return err
	}

	var roleTemplate string
	switch node.Role {
	case topology.RoleGenesis, topology.RoleValidator:
		// Validator-class nodes require their cached identity.
		identitySrc := init.IdentityPath(node.ID)
		if _, err := os.Stat(identitySrc); err != nil {
			return fmt.Errorf("%w: no identity for validator-class node (expected %s); run init first", ErrMissingArtifacts, identitySrc)
		}
		if err := copyFile(identitySrc, filepath.Join(node.ConfigDir(baseDir), artifacts.IdentityFile), 0o600); err != nil {
			return err
		}
		roleTemplate = "validator"
	case topology.RoleVFN:
		// VFN identities are runtime-local, never part of the artifact set.
		if err := d.ensureVFNIdentity(node); err != nil {
			return err
		}
		roleTemplate = "vfn"
	default:
		return fmt.Errorf("unhandled role %q", node.Role)
	}

	files := []struct {
		kind string
		path string
		perm os.FileMode
	}{
		{roleTemplate, filepath.Join(node.ConfigDir(baseDir), node.Role.String()+".yaml"), 0o644},
		{"execution", filepath.Join(node.ConfigDir(baseDir), "execution_config.json"), 0o644},
		{"env", filepath.Join(node.ConfigDir(baseDir), "node.env"), 0o644},
		{"start", node.StartScript(baseDir), 0o755},
		{"stop", node.StopScript(baseDir), 0o755},
	}
	varMap := vars.toMap()
	for _, f := range files {
		tmpl, err := templateFor(f.kind)
		if err != nil {
			return err
		}
		content, err := Render(f.kind, tmpl, varMap)
		if err != nil {
			return err
		}
		if err := os.WriteFile(f.path, []byte(content), f.perm); err != nil {
			return err
		}
	}
	return nil
}

// ensureVFNIdentity generates an ephemeral identity directly into the node's
// runtime config dir when none exists yet.
func (d *Deployer) ensureVFNIdentity(node topology.NodeSpec) error {
	path := filepath.Join(node.ConfigDir(d.Spec.BaseDir), artifacts.IdentityFile)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	keyTool, err := d.Toolchain.ResolveKeyTool()
	if err != nil {
		return err
	}
	log.Info().Str("node", node.ID).Msg("generating runtime-local vfn identity")
	_, err = tools.RunChecked(d.runner(), keyTool,
		"genesis", "generate-key", "--output-dir", node.ConfigDir(d.Spec.BaseDir))
	return err
}

// ResolveBinary checks the configured path and falls back to the standard
// build output directories. Absence is fatal: deploying a cluster without a
// binary only fails later and worse.
func ResolveBinary(configured string) (string, error) {
	if strings.TrimSpace(configured) == "" {
		return "", fmt.Errorf("%w: build.binary_path is empty; set it in the topology", ErrBinaryNotFound)
	}
	if info, err := os.Stat(configured); err == nil && !info.IsDir() {
		return configured, nil
	}
	name := filepath.Base(configured)
	for _, dir := range binarySearchDirs {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			abs, err := filepath.Abs(candidate)
			if err != nil {
				return "", err
			}
			return abs, nil
		}
	}
	return "", fmt.Errorf("%w: %s (also searched %s); build it first", ErrBinaryNotFound, configured, strings.Join(binarySearchDirs, ", "))
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
