package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"devnetctl/internal/topology"
)

var ErrAggregation = errors.New("artifacts: genesis aggregation failed")

// ValidatorEntry is one initial validator in the aggregated genesis document,
// in the shape the genesis compiler expects.
type ValidatorEntry struct {
	Operator          string `json:"operator"`
	Owner             string `json:"owner"`
	StakeAmount       string `json:"stakeAmount"`
	Moniker           string `json:"moniker"`
	ConsensusPubkey   string `json:"consensusPubkey"`
	ConsensusPop      string `json:"consensusPop"`
	NetworkAddresses  string `json:"networkAddresses"`
	FullnodeAddresses string `json:"fullnodeAddresses"`
	VotingPower       string `json:"votingPower"`
}

// Allocation is a pre-funded account balance in the genesis allocation map.
type Allocation struct {
	Balance string `json:"balance"`
}

// GenesisDocument aggregates the per-node identities and the cluster's stake
// conventions into the single document handed to the genesis compiler.
type GenesisDocument struct {
	ChainName           string                `json:"chainName"`
	EpochIntervalMicros int64                 `json:"epochIntervalMicros"`
	Validators          []ValidatorEntry      `json:"validators"`
	Alloc               map[string]Allocation `json:"alloc,omitempty"`
}

// Aggregate builds the validator genesis document from the identities of the
// genesis-role nodes. Only role=genesis nodes join the initial validator set;
// plain validators join later through on-chain registration.
func Aggregate(spec topology.ClusterSpec, identities map[string]Identity) (GenesisDocument, error) {
	doc := GenesisDocument{
		ChainName:           spec.Name,
		EpochIntervalMicros: spec.Genesis.EpochIntervalMicros,
		Alloc:               map[string]Allocation{},
	}

	for i, node := range spec.GenesisNodes() {
		id, ok := identities[node.ID]
		if !ok {
			return GenesisDocument{}, fmt.Errorf("%w: no identity for genesis node %q", ErrAggregation, node.ID)
		}
		if !id.Current() {
			return GenesisDocument{}, fmt.Errorf("%w: identity for %q is missing public keys", ErrAggregation, node.ID)
		}

		// Operator addresses are eth-style: the last 20 bytes of the account
		// address, which may be longer on the consensus side.
		operator := strings.ToLower(common.HexToAddress(id.AccountAddress).Hex())
		networkPK := strings.TrimPrefix(id.NetworkPublicKey, "0x")

		doc.Validators = append(doc.Validators, ValidatorEntry{
			Operator:          operator,
			Owner:             operator,
			StakeAmount:       spec.Genesis.StakeAmount,
			Moniker:           fmt.Sprintf("validator-%d", i+1),
			ConsensusPubkey:   ensureHexPrefix(id.ConsensusPublicKey),
			ConsensusPop:      "0x",
			NetworkAddresses:  noiseAddr(node.Host, node.P2PPort, networkPK),
			FullnodeAddresses: noiseAddr(node.Host, node.VFNPort, networkPK),
			VotingPower:       spec.Genesis.VotingPower,
		})
	}

	if len(doc.Validators) == 0 {
		return GenesisDocument{}, fmt.Errorf("%w: topology has no genesis-role nodes", ErrAggregation)
	}

	// Faucet allocations are merged by key union: they never replace an
	// allocation already present in the document.
	for _, alloc := range spec.Genesis.Faucet {
		key := strings.ToLower(alloc.Address)
		if _, exists := doc.Alloc[key]; exists {
			continue
		}
		doc.Alloc[key] = Allocation{Balance: alloc.Balance}
	}

	return doc, nil
}

// FaucetAllocations extracts the faucet side document written next to the
// validator genesis for tooling that funds accounts out of band.
func FaucetAllocations(spec topology.ClusterSpec) map[string]Allocation {
	out := make(map[string]Allocation, len(spec.Genesis.Faucet))
	for _, alloc := range spec.Genesis.Faucet {
		if alloc.Address == "" || alloc.Balance == "" {
			continue
		}
		out[strings.ToLower(alloc.Address)] = Allocation{Balance: alloc.Balance}
	}
	return out
}

func noiseAddr(host string, port int, networkPK string) string {
	return fmt.Sprintf("/ip4/%s/tcp/%d/noise-ik/%s/handshake/0", host, port, networkPK)
}

func ensureHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") {
		return s
	}
	return "0x" + s
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// ChainID reads the chain id out of a compiled genesis document. Both the
// flat and the nested config layout are accepted.
func ChainID(genesisPath string) (uint64, error) {
	data, err := os.ReadFile(genesisPath)
	if err != nil {
		return 0, fmt.Errorf("genesis read failed (%s): %w", genesisPath, err)
	}
	var flat struct {
		ChainID uint64 `json:"chainId"`
		Config  struct {
			ChainID uint64 `json:"chainId"`
		} `json:"config"`
	}
	if err := json.Unmarshal(data, &flat); err != nil {
		return 0, fmt.Errorf("genesis parse failed (%s): %w", genesisPath, err)
	}
	if flat.ChainID != 0 {
		return flat.ChainID, nil
	}
	if flat.Config.ChainID != 0 {
		return flat.Config.ChainID, nil
	}
	return 0, fmt.Errorf("genesis %s has no resolvable chain id", genesisPath)
}
