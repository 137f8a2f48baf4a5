package tools

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

var ErrToolNotFound = errors.New("tools: required tool not found")

// Toolchain resolves the external collaborators the phases shell out to.
// Explicit paths win; otherwise PATH is searched. Resolution failures are
// fatal configuration errors, never retried.
type Toolchain struct {
	// KeyTool generates validator identities and derives waypoints.
	KeyTool string
	// GenesisCompiler turns the aggregated validator document into genesis.json.
	GenesisCompiler string
	// FundingTool bulk-funds test accounts against a live cluster.
	FundingTool string
}

const (
	DefaultKeyTool         = "gravity-cli"
	DefaultGenesisCompiler = "genesis-compiler"
	DefaultFundingTool     = "gravity-bench"
)

// ResolveKeyTool returns the absolute key tool path or a remediation error.
func (t Toolchain) ResolveKeyTool() (string, error) {
	return resolve(defaultName(t.KeyTool, DefaultKeyTool), "build or install the cluster key tool")
}

func (t Toolchain) ResolveGenesisCompiler() (string, error) {
	return resolve(defaultName(t.GenesisCompiler, DefaultGenesisCompiler), "fetch the genesis contract tooling (devnetctl fetch-deps)")
}

func (t Toolchain) ResolveFundingTool() (string, error) {
	return resolve(defaultName(t.FundingTool, DefaultFundingTool), "fetch the funding tool (devnetctl fetch-deps)")
}

func resolve(name, remedy string) (string, error) {
	if strings.ContainsRune(name, os.PathSeparator) {
		if _, err := os.Stat(name); err != nil {
			return "", fmt.Errorf("%w: %s (%v); %s", ErrToolNotFound, name, err, remedy)
		}
		return name, nil
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s not on PATH; %s", ErrToolNotFound, name, remedy)
	}
	return path, nil
}

func defaultName(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
