package faucet

import (
	"encoding/json"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"devnetctl/internal/artifacts"
	"devnetctl/internal/testutil/testlog"
	"devnetctl/internal/tools"
	"devnetctl/internal/topology"
)

// fundRunner simulates the funding tool: it writes the account list named in
// the funding config.
type fundRunner struct {
	calls [][]string
	fail  bool
	empty bool
}

func (r *fundRunner) Run(name string, args ...string) ([]byte, []byte, int32, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	if r.fail {
		return nil, []byte("rpc unreachable"), 1, errors.New("exit status 1")
	}
	data, err := os.ReadFile(args[len(args)-1])
	if err != nil {
		return nil, []byte(err.Error()), 1, err
	}
	var cfg fundingConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, []byte(err.Error()), 1, err
	}
	content := "address,private_key\n0xabc,0x123\n"
	if r.empty {
		content = ""
	}
	if err := os.WriteFile(cfg.OutputFile, []byte(content), 0o600); err != nil {
		return nil, []byte(err.Error()), 1, err
	}
	return nil, nil, 0, nil
}

func faucetSpec(t *testing.T, numAccounts int) topology.ClusterSpec {
	t.Helper()
	balance, _ := new(big.Int).SetString(topology.DefaultEthBalance, 10)
	return topology.ClusterSpec{
		Name:    "devnet",
		BaseDir: t.TempDir(),
		Nodes: []topology.NodeSpec{
			{ID: "node1", Host: "127.0.0.1", Role: topology.RoleGenesis, P2PPort: 9000, VFNPort: 9001, RPCPort: 8545},
		},
		FaucetInit: &topology.FaucetInitSpec{
			NumAccounts: numAccounts,
			PrivateKey:  topology.DefaultFaucetPrivateKey,
			EthBalance:  balance,
		},
	}
}

func faucetInitializer(t *testing.T, spec topology.ClusterSpec, runner tools.CommandRunner) *Initializer {
	t.Helper()
	dir := t.TempDir()
	genesis := filepath.Join(dir, artifacts.GenesisFile)
	if err := os.WriteFile(genesis, []byte(`{"config":{"chainId":1337}}`), 0o644); err != nil {
		t.Fatalf("seed genesis: %v", err)
	}
	tool := filepath.Join(t.TempDir(), "gravity-bench")
	if err := os.WriteFile(tool, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write tool: %v", err)
	}
	return &Initializer{
		Spec:         spec,
		ArtifactsDir: dir,
		Toolchain:    tools.Toolchain{FundingTool: tool},
		Runner:       runner,
	}
}

func TestTotalBalance(t *testing.T) {
	per, _ := new(big.Int).SetString("1000000000000000000", 10) // 1 eth
	total := TotalBalance(1000, per)
	// 1000 × (1 eth + 0.01 eth gas buffer)
	want := "1010000000000000000000"
	if total.String() != want {
		t.Fatalf("total = %s, want %s", total, want)
	}
	// The input must not be mutated.
	if per.String() != "1000000000000000000" {
		t.Fatalf("per-account balance mutated: %s", per)
	}
}

func TestDeriveAddressDefaultKey(t *testing.T) {
	got, err := deriveAddress(topology.DefaultFaucetPrivateKey)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	// First Anvil dev account.
	if got != "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266" {
		t.Fatalf("address = %s", got)
	}
}

func TestDeriveAddressRejectsGarbage(t *testing.T) {
	if _, err := deriveAddress("0xzz"); !errors.Is(err, ErrBadPrivateKey) {
		t.Fatalf("expected ErrBadPrivateKey, got %v", err)
	}
}

func TestRunSkipsWhenUnconfigured(t *testing.T) {
	testlog.Start(t)
	spec := faucetSpec(t, 0)
	runner := &fundRunner{}
	in := faucetInitializer(t, spec, runner)

	if err := in.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	spec.FaucetInit = nil
	in.Spec = spec
	if err := in.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(runner.calls) != 0 {
		t.Fatalf("unconfigured faucet must not invoke the tool: %v", runner.calls)
	}
}

func TestRunFundsAccounts(t *testing.T) {
	testlog.Start(t)
	spec := faucetSpec(t, 100)
	runner := &fundRunner{}
	in := faucetInitializer(t, spec, runner)

	if err := in.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("expected one tool invocation, got %v", runner.calls)
	}

	data, err := os.ReadFile(filepath.Join(in.ArtifactsDir, "funding_config.json"))
	if err != nil {
		t.Fatalf("funding config missing: %v", err)
	}
	var cfg fundingConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse funding config: %v", err)
	}
	if cfg.ChainID != 1337 {
		t.Fatalf("chain id = %d", cfg.ChainID)
	}
	if cfg.RPCURL != "http://127.0.0.1:8545" {
		t.Fatalf("rpc url = %s", cfg.RPCURL)
	}
	if cfg.FaucetAddress != "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266" {
		t.Fatalf("faucet address = %s", cfg.FaucetAddress)
	}
	if cfg.NumAccounts != 100 {
		t.Fatalf("num accounts = %d", cfg.NumAccounts)
	}
	if cfg.TotalBalance != "101000000000000000000" {
		t.Fatalf("total balance = %s", cfg.TotalBalance)
	}

	if _, err := os.Stat(filepath.Join(in.ArtifactsDir, artifacts.AccountsFile)); err != nil {
		t.Fatalf("accounts file missing: %v", err)
	}
}

func TestRunRequiresGenesis(t *testing.T) {
	testlog.Start(t)
	spec := faucetSpec(t, 10)
	in := faucetInitializer(t, spec, &fundRunner{})
	in.ArtifactsDir = t.TempDir() // no genesis here

	if err := in.Run(); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestRunToolFailure(t *testing.T) {
	testlog.Start(t)
	spec := faucetSpec(t, 10)
	runner := &fundRunner{fail: true}
	in := faucetInitializer(t, spec, runner)

	if err := in.Run(); !errors.Is(err, ErrFundingFailed) {
		t.Fatalf("expected ErrFundingFailed, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(in.ArtifactsDir, artifacts.AccountsFile)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("partial accounts file left behind: %v", err)
	}
}

func TestRunRejectsEmptyAccountList(t *testing.T) {
	testlog.Start(t)
	spec := faucetSpec(t, 10)
	in := faucetInitializer(t, spec, &fundRunner{empty: true})

	if err := in.Run(); !errors.Is(err, ErrFundingFailed) {
		t.Fatalf("expected ErrFundingFailed for empty account list, got %v", err)
	}
}
