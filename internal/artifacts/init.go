// Package artifacts produces the chain-identity-defining artifact set: one
// identity per validator-class node, the aggregated validator genesis
// document, the compiled genesis block, and its waypoint. The set is cached
// on disk and regenerated only on explicit force.
package artifacts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"devnetctl/internal/tools"
	"devnetctl/internal/topology"
)

var (
	ErrCompileFailed  = errors.New("artifacts: genesis compilation failed")
	ErrWaypointFailed = errors.New("artifacts: waypoint derivation failed")
	ErrKeygenFailed   = errors.New("artifacts: identity generation failed")
)

const (
	IdentityFile         = "identity.yaml"
	GenesisFile          = "genesis.json"
	WaypointFile         = "waypoint.txt"
	ValidatorGenesisFile = "validator_genesis.json"
	FaucetAllocFile      = "faucet_alloc.json"
	AccountsFile         = "accounts.csv"
	genesisConfigDir     = "genesis_config"
)

// Initializer runs the init phase against one artifacts directory.
type Initializer struct {
	Spec      topology.ClusterSpec
	Dir       string
	Toolchain tools.Toolchain
	Runner    tools.CommandRunner
}

func (in *Initializer) runner() tools.CommandRunner {
	if in.Runner == nil {
		return tools.ExecRunner{}
	}
	return in.Runner
}

// Paths into the artifact set.
func (in *Initializer) IdentityPath(nodeID string) string {
	return filepath.Join(in.Dir, nodeID, "config", IdentityFile)
}

func (in *Initializer) GenesisPath() string {
	return filepath.Join(in.Dir, GenesisFile)
}

func (in *Initializer) WaypointPath() string {
	return filepath.Join(in.Dir, WaypointFile)
}

func (in *Initializer) ValidatorGenesisPath() string {
	return filepath.Join(in.Dir, genesisConfigDir, ValidatorGenesisFile)
}

func (in *Initializer) FaucetAllocPath() string {
	return filepath.Join(in.Dir, genesisConfigDir, FaucetAllocFile)
}

// Valid reports whether a complete, current artifact set exists. This is the
// cache check behind init idempotence: a valid set short-circuits the phase.
func (in *Initializer) Valid() bool {
	if !fileExists(in.GenesisPath()) || !fileExists(in.WaypointPath()) {
		return false
	}
	for _, node := range in.Spec.ValidatorNodes() {
		id, err := LoadIdentity(in.IdentityPath(node.ID))
		if err != nil || !id.Current() {
			return false
		}
	}
	return true
}

// Run executes the init phase. With force unset and a valid cached set this
// is a no-op that touches nothing on disk.
func (in *Initializer) Run(force bool) error {
	if !force && in.Valid() {
		log.Info().Str("dir", in.Dir).Msg("artifact set already valid, skipping init (use --force to regenerate)")
		return nil
	}
	if force {
		log.Info().Str("dir", in.Dir).Msg("force set, regenerating artifact set")
		if err := in.clear(); err != nil {
			return err
		}
	}

	keyTool, err := in.Toolchain.ResolveKeyTool()
	if err != nil {
		return err
	}
	compiler, err := in.Toolchain.ResolveGenesisCompiler()
	if err != nil {
		return err
	}

	identities, err := in.ensureIdentities(keyTool)
	if err != nil {
		return err
	}
	if err := in.aggregate(identities); err != nil {
		return err
	}
	if err := in.compileGenesis(compiler); err != nil {
		return err
	}
	if err := in.deriveWaypoint(keyTool); err != nil {
		return err
	}
	log.Info().Str("dir", in.Dir).Int("validators", len(identities)).Msg("artifact set complete")
	return nil
}

// ensureIdentities generates an identity for every validator-class node that
// has none, or whose identity predates the current format. VFN nodes are
// skipped entirely: they hold no validator identity material.
func (in *Initializer) ensureIdentities(keyTool string) (map[string]Identity, error) {
	identities := make(map[string]Identity)
	for _, node := range in.Spec.ValidatorNodes() {
		path := in.IdentityPath(node.ID)
		if fileExists(path) {
			id, err := LoadIdentity(path)
			if err == nil && id.Current() {
				identities[node.ID] = id
				continue
			}
			log.Warn().Str("node", node.ID).Str("path", path).Msg("stale identity format, regenerating")
			if err := os.Remove(path); err != nil {
				return nil, err
			}
		}

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if _, err := tools.RunChecked(in.runner(), keyTool,
			"genesis", "generate-key", "--output-dir", filepath.Dir(path)); err != nil {
			return nil, fmt.Errorf("%w: node %q: %v", ErrKeygenFailed, node.ID, err)
		}
		id, err := LoadIdentity(path)
		if err != nil {
			return nil, fmt.Errorf("%w: node %q: %v", ErrKeygenFailed, node.ID, err)
		}
		identities[node.ID] = id
		log.Info().Str("node", node.ID).Msg("generated validator identity")
	}
	return identities, nil
}

func (in *Initializer) aggregate(identities map[string]Identity) error {
	doc, err := Aggregate(in.Spec, identities)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(in.Dir, genesisConfigDir), 0o755); err != nil {
		return err
	}
	if err := writeJSON(in.ValidatorGenesisPath(), doc); err != nil {
		return err
	}
	if alloc := FaucetAllocations(in.Spec); len(alloc) > 0 {
		if err := writeJSON(in.FaucetAllocPath(), alloc); err != nil {
			return err
		}
	}
	log.Info().Int("validators", len(doc.Validators)).Str("path", in.ValidatorGenesisPath()).Msg("aggregated validator genesis")
	return nil
}

// compileGenesis invokes the external compiler. A failure discards any
// partial output so a broken genesis is never mistaken for a valid cache.
func (in *Initializer) compileGenesis(compiler string) error {
	args := []string{"--config", in.ValidatorGenesisPath(), "--output", in.GenesisPath()}
	if fileExists(in.FaucetAllocPath()) {
		args = append(args, "--alloc", in.FaucetAllocPath())
	}
	if _, err := tools.RunChecked(in.runner(), compiler, args...); err != nil {
		_ = os.Remove(in.GenesisPath())
		return fmt.Errorf("%w: %v", ErrCompileFailed, err)
	}
	if !fileExists(in.GenesisPath()) {
		return fmt.Errorf("%w: compiler exited 0 but wrote no %s", ErrCompileFailed, GenesisFile)
	}
	return nil
}

func (in *Initializer) deriveWaypoint(keyTool string) error {
	stdout, err := tools.RunChecked(in.runner(), keyTool,
		"genesis", "derive-waypoint", "--genesis", in.GenesisPath())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWaypointFailed, err)
	}
	waypoint := strings.TrimSpace(string(stdout))
	if waypoint == "" {
		return fmt.Errorf("%w: key tool produced an empty waypoint", ErrWaypointFailed)
	}
	return os.WriteFile(in.WaypointPath(), []byte(waypoint+"\n"), 0o644)
}

// clear removes the regenerable artifacts ahead of a forced run.
func (in *Initializer) clear() error {
	paths := []string{in.GenesisPath(), in.WaypointPath(), filepath.Join(in.Dir, genesisConfigDir)}
	for _, node := range in.Spec.ValidatorNodes() {
		paths = append(paths, in.IdentityPath(node.ID))
	}
	for _, path := range paths {
		if err := os.RemoveAll(path); err != nil {
			return err
		}
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
