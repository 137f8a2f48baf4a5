// Package faucet runs the optional account-funding phase against a live
// cluster, delegating the actual transfers to the external funding tool.
package faucet

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/rs/zerolog/log"

	"devnetctl/internal/artifacts"
	"devnetctl/internal/tools"
	"devnetctl/internal/topology"
)

var (
	ErrNotConfigured = errors.New("faucet: funding not configured")
	ErrFundingFailed = errors.New("faucet: funding tool failed")
	ErrBadPrivateKey = errors.New("faucet: invalid faucet private key")
)

// gasBuffer is the fixed per-account fee reserve: 0.01 eth in wei.
var gasBuffer = new(big.Int).Div(big.NewInt(params.Ether), big.NewInt(100))

// TotalBalance computes num × (perAccount + gas buffer). Wei-scale values
// overflow int64 routinely, so everything stays in big.Int.
func TotalBalance(numAccounts int, perAccount *big.Int) *big.Int {
	per := new(big.Int).Add(perAccount, gasBuffer)
	return per.Mul(per, big.NewInt(int64(numAccounts)))
}

// fundingConfig is the document handed to the external funding tool.
type fundingConfig struct {
	ChainID           uint64 `json:"chain_id"`
	RPCURL            string `json:"rpc_url"`
	FaucetPrivateKey  string `json:"faucet_private_key"`
	FaucetAddress     string `json:"faucet_address"`
	NumAccounts       int    `json:"num_accounts"`
	BalancePerAccount string `json:"balance_per_account"`
	TotalBalance      string `json:"total_balance"`
	OutputFile        string `json:"output_file"`
}

type Initializer struct {
	Spec         topology.ClusterSpec
	ArtifactsDir string
	Toolchain    tools.Toolchain
	Runner       tools.CommandRunner
}

func (in *Initializer) runner() tools.CommandRunner {
	if in.Runner == nil {
		return tools.ExecRunner{}
	}
	return in.Runner
}

// Run funds the configured number of test accounts. The external tool's
// account output lands in the artifacts directory; its failure is fatal and
// no partial account list counts as success.
func (in *Initializer) Run() error {
	fi := in.Spec.FaucetInit
	if fi == nil || fi.NumAccounts == 0 {
		log.Info().Msg("faucet_init absent or num_accounts=0, skipping funding phase")
		return nil
	}

	fundingTool, err := in.Toolchain.ResolveFundingTool()
	if err != nil {
		return err
	}

	chainID, err := artifacts.ChainID(filepath.Join(in.ArtifactsDir, artifacts.GenesisFile))
	if err != nil {
		return fmt.Errorf("%w; run init first: %v", ErrNotConfigured, err)
	}

	address, err := deriveAddress(fi.PrivateKey)
	if err != nil {
		return err
	}

	total := TotalBalance(fi.NumAccounts, fi.EthBalance)
	accountsPath := filepath.Join(in.ArtifactsDir, artifacts.AccountsFile)
	cfg := fundingConfig{
		ChainID:           chainID,
		RPCURL:            in.Spec.Nodes[0].RPCURL(),
		FaucetPrivateKey:  fi.PrivateKey,
		FaucetAddress:     address,
		NumAccounts:       fi.NumAccounts,
		BalancePerAccount: fi.EthBalance.String(),
		TotalBalance:      total.String(),
		OutputFile:        accountsPath,
	}

	configPath := filepath.Join(in.ArtifactsDir, "funding_config.json")
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(configPath, append(data, '\n'), 0o600); err != nil {
		return err
	}

	log.Info().
		Uint64("chain_id", chainID).
		Int("accounts", fi.NumAccounts).
		Str("total_wei", total.String()).
		Msg("funding test accounts")

	if _, err := tools.RunChecked(in.runner(), fundingTool, "fund", "--config", configPath); err != nil {
		_ = os.Remove(accountsPath)
		return fmt.Errorf("%w: %v", ErrFundingFailed, err)
	}
	if info, err := os.Stat(accountsPath); err != nil || info.Size() == 0 {
		return fmt.Errorf("%w: tool exited 0 but wrote no %s", ErrFundingFailed, artifacts.AccountsFile)
	}
	log.Info().Str("accounts", accountsPath).Msg("funding complete")
	return nil
}

// deriveAddress recovers the faucet account address from its private key.
func deriveAddress(privateKey string) (string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKey, "0x"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadPrivateKey, err)
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}
