// Package topology loads and validates the declarative cluster document that
// every other phase consumes. Loading is a pure transformation: parse, default,
// validate. No side effects.
package topology

import (
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

var (
	ErrMissingRole       = errors.New("topology: node missing role")
	ErrUnknownRole       = errors.New("topology: unknown role")
	ErrDuplicateNodeID   = errors.New("topology: duplicate node id")
	ErrMissingPort       = errors.New("topology: missing required port")
	ErrInvalidNode       = errors.New("topology: invalid node")
	ErrInvalidCluster    = errors.New("topology: invalid cluster section")
	ErrInvalidFaucet     = errors.New("topology: invalid faucet_init section")
	ErrInvalidDependency = errors.New("topology: invalid dependency pin")
)

const (
	EnvConfigFile   = "DEVNETCTL_CONFIG"
	EnvArtifactsDir = "DEVNETCTL_ARTIFACTS_DIR"

	DefaultConfigFile   = "cluster.toml"
	DefaultArtifactsDir = "artifacts"
)

// First Anvil/Hardhat devnet key; the conventional faucet key on local chains.
const DefaultFaucetPrivateKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

const (
	// Defaults are wei-scale strings; they do not fit comfortably in TOML ints.
	DefaultEthBalance  = "1000000000000000000" // 1 eth per funded account
	DefaultStakeAmount = "2000000000000000000" // initial validator bond

	DefaultEpochIntervalMicros = int64(7200000000)
)

// ClusterSpec is the fully defaulted, validated model of one cluster document.
// Immutable after Load.
type ClusterSpec struct {
	Name       string
	BaseDir    string
	BinaryPath string

	// Optional explicit paths for the external collaborators; empty means
	// "search PATH for the default name".
	KeyTool         string
	GenesisCompiler string
	FundingTool     string

	Nodes        []NodeSpec
	FaucetInit   *FaucetInitSpec
	Genesis      GenesisSpec
	Dependencies map[string]DependencySpec
}

type NodeSpec struct {
	ID   string
	Host string
	Role Role

	P2PPort        int
	VFNPort        int
	RPCPort        int
	MetricsPort    int
	InspectionPort int
	HTTPSPort      int
	AuthRPCPort    int
	RethP2PPort    int

	// DataDir defaults to <base_dir>/<id>.
	DataDir string
}

type FaucetInitSpec struct {
	NumAccounts int
	PrivateKey  string
	EthBalance  *big.Int
}

// GenesisSpec carries the stake conventions and optional pre-funded accounts
// merged into the aggregated validator genesis document.
type GenesisSpec struct {
	StakeAmount         string
	VotingPower         string
	EpochIntervalMicros int64
	Faucet              []FaucetAllocation
}

type FaucetAllocation struct {
	Address string
	Balance string
}

// DependencySpec pins an external tool repository to an exact ref.
type DependencySpec struct {
	Repo string
	Ref  string
}

// Raw TOML shape; kept separate from the model so validation can report
// missing fields instead of surfacing decoder errors.
type document struct {
	Cluster struct {
		Name    string `toml:"name"`
		BaseDir string `toml:"base_dir"`
	} `toml:"cluster"`
	Build struct {
		BinaryPath      string `toml:"binary_path"`
		KeyTool         string `toml:"key_tool"`
		GenesisCompiler string `toml:"genesis_compiler"`
		FundingTool     string `toml:"funding_tool"`
	} `toml:"build"`
	Nodes        []nodeDoc                 `toml:"nodes"`
	FaucetInit   *faucetDoc                `toml:"faucet_init"`
	Genesis      genesisDoc                `toml:"genesis"`
	Dependencies map[string]DependencySpec `toml:"dependencies"`
}

type nodeDoc struct {
	ID             string `toml:"id"`
	Host           string `toml:"host"`
	Role           string `toml:"role"`
	P2PPort        int    `toml:"p2p_port"`
	VFNPort        int    `toml:"vfn_port"`
	RPCPort        int    `toml:"rpc_port"`
	MetricsPort    int    `toml:"metrics_port"`
	InspectionPort int    `toml:"inspection_port"`
	HTTPSPort      int    `toml:"https_port"`
	AuthRPCPort    int    `toml:"authrpc_port"`
	RethP2PPort    int    `toml:"reth_p2p_port"`
	DataDir        string `toml:"data_dir"`
}

type faucetDoc struct {
	NumAccounts int    `toml:"num_accounts"`
	PrivateKey  string `toml:"private_key"`
	EthBalance  string `toml:"eth_balance"`
}

type genesisDoc struct {
	StakeAmount         string             `toml:"stake_amount"`
	VotingPower         string             `toml:"voting_power"`
	EpochIntervalMicros int64              `toml:"epoch_interval_micros"`
	Faucet              []FaucetAllocation `toml:"faucet"`
}

// ConfigPath resolves the topology document path: explicit argument, then
// DEVNETCTL_CONFIG, then the default next to the working directory.
func ConfigPath(arg string) string {
	if strings.TrimSpace(arg) != "" {
		return arg
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigFile)); env != "" {
		return env
	}
	return DefaultConfigFile
}

// ArtifactsDir resolves the artifact root: DEVNETCTL_ARTIFACTS_DIR or a
// directory next to the topology document.
func ArtifactsDir(configPath string) string {
	if env := strings.TrimSpace(os.Getenv(EnvArtifactsDir)); env != "" {
		return env
	}
	return filepath.Join(filepath.Dir(configPath), DefaultArtifactsDir)
}

func Load(path string) (ClusterSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ClusterSpec{}, fmt.Errorf("topology load failed (%s): %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (ClusterSpec, error) {
	var doc document
	if err := toml.Unmarshal(data, &doc); err != nil {
		return ClusterSpec{}, fmt.Errorf("topology parse failed: %w", err)
	}

	spec := ClusterSpec{
		Name:            doc.Cluster.Name,
		BaseDir:         doc.Cluster.BaseDir,
		BinaryPath:      doc.Build.BinaryPath,
		KeyTool:         doc.Build.KeyTool,
		GenesisCompiler: doc.Build.GenesisCompiler,
		FundingTool:     doc.Build.FundingTool,
		Dependencies:    doc.Dependencies,
	}

	spec.Genesis = GenesisSpec{
		StakeAmount:         defaultString(doc.Genesis.StakeAmount, DefaultStakeAmount),
		EpochIntervalMicros: doc.Genesis.EpochIntervalMicros,
		Faucet:              doc.Genesis.Faucet,
	}
	spec.Genesis.VotingPower = defaultString(doc.Genesis.VotingPower, spec.Genesis.StakeAmount)
	if spec.Genesis.EpochIntervalMicros == 0 {
		spec.Genesis.EpochIntervalMicros = DefaultEpochIntervalMicros
	}

	for _, nd := range doc.Nodes {
		role, err := ParseRole(nd.Role)
		if err != nil {
			return ClusterSpec{}, fmt.Errorf("node %q: %w", nd.ID, err)
		}
		node := NodeSpec{
			ID:             nd.ID,
			Host:           nd.Host,
			Role:           role,
			P2PPort:        nd.P2PPort,
			VFNPort:        nd.VFNPort,
			RPCPort:        nd.RPCPort,
			MetricsPort:    nd.MetricsPort,
			InspectionPort: nd.InspectionPort,
			HTTPSPort:      nd.HTTPSPort,
			AuthRPCPort:    nd.AuthRPCPort,
			RethP2PPort:    nd.RethP2PPort,
			DataDir:        nd.DataDir,
		}
		if node.Host == "" {
			node.Host = "127.0.0.1"
		}
		if node.DataDir == "" {
			node.DataDir = filepath.Join(spec.BaseDir, node.ID)
		}
		spec.Nodes = append(spec.Nodes, node)
	}

	if doc.FaucetInit != nil {
		fi, err := parseFaucetInit(*doc.FaucetInit)
		if err != nil {
			return ClusterSpec{}, err
		}
		spec.FaucetInit = &fi
	}

	if err := Validate(spec); err != nil {
		return ClusterSpec{}, err
	}
	return spec, nil
}

func parseFaucetInit(doc faucetDoc) (FaucetInitSpec, error) {
	fi := FaucetInitSpec{
		NumAccounts: doc.NumAccounts,
		PrivateKey:  defaultString(doc.PrivateKey, DefaultFaucetPrivateKey),
	}
	raw := defaultString(doc.EthBalance, DefaultEthBalance)
	balance, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return FaucetInitSpec{}, fmt.Errorf("%w: eth_balance %q is not a decimal integer", ErrInvalidFaucet, raw)
	}
	if doc.NumAccounts < 0 {
		return FaucetInitSpec{}, fmt.Errorf("%w: num_accounts must be >= 0, got %d", ErrInvalidFaucet, doc.NumAccounts)
	}
	fi.EthBalance = balance
	return fi, nil
}

func Validate(spec ClusterSpec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("%w: missing cluster.name", ErrInvalidCluster)
	}
	if strings.TrimSpace(spec.BaseDir) == "" {
		return fmt.Errorf("%w: missing cluster.base_dir", ErrInvalidCluster)
	}
	if len(spec.Nodes) == 0 {
		return fmt.Errorf("%w: at least one node is required", ErrInvalidCluster)
	}

	seen := make(map[string]struct{}, len(spec.Nodes))
	for i, node := range spec.Nodes {
		if strings.TrimSpace(node.ID) == "" {
			return fmt.Errorf("%w: nodes[%d] missing id", ErrInvalidNode, i)
		}
		if _, dup := seen[node.ID]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateNodeID, node.ID)
		}
		seen[node.ID] = struct{}{}

		if node.RPCPort == 0 {
			return fmt.Errorf("%w: node %q needs rpc_port", ErrMissingPort, node.ID)
		}
		if node.Role.IsValidatorClass() {
			if node.P2PPort == 0 {
				return fmt.Errorf("%w: validator-class node %q needs p2p_port", ErrMissingPort, node.ID)
			}
			if node.VFNPort == 0 {
				return fmt.Errorf("%w: validator-class node %q needs vfn_port", ErrMissingPort, node.ID)
			}
		}
	}

	for name, dep := range spec.Dependencies {
		if strings.TrimSpace(dep.Repo) == "" {
			return fmt.Errorf("%w: dependency %q missing repo", ErrInvalidDependency, name)
		}
		if strings.TrimSpace(dep.Ref) == "" {
			return fmt.Errorf("%w: dependency %q missing ref", ErrInvalidDependency, name)
		}
		if _, err := url.Parse(dep.Repo); err != nil {
			return fmt.Errorf("%w: dependency %q repo %q: %v", ErrInvalidDependency, name, dep.Repo, err)
		}
	}
	return nil
}

// Node returns the spec for one node id.
func (s ClusterSpec) Node(id string) (NodeSpec, bool) {
	for _, node := range s.Nodes {
		if node.ID == id {
			return node, true
		}
	}
	return NodeSpec{}, false
}

// Select resolves an explicit node-id subset against the topology, preserving
// config order. An empty subset selects every node.
func (s ClusterSpec) Select(ids []string) ([]NodeSpec, error) {
	if len(ids) == 0 {
		return s.Nodes, nil
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := s.Node(id); !ok {
			return nil, fmt.Errorf("%w: unknown node id %q", ErrInvalidNode, id)
		}
		want[id] = struct{}{}
	}
	var out []NodeSpec
	for _, node := range s.Nodes {
		if _, ok := want[node.ID]; ok {
			out = append(out, node)
		}
	}
	return out, nil
}

// ValidatorNodes returns the nodes that hold validator identity material.
func (s ClusterSpec) ValidatorNodes() []NodeSpec {
	var out []NodeSpec
	for _, node := range s.Nodes {
		if node.Role.IsValidatorClass() {
			out = append(out, node)
		}
	}
	return out
}

// GenesisNodes returns the nodes forming the initial validator set.
func (s ClusterSpec) GenesisNodes() []NodeSpec {
	var out []NodeSpec
	for _, node := range s.Nodes {
		if node.Role == RoleGenesis {
			out = append(out, node)
		}
	}
	return out
}

func defaultString(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
