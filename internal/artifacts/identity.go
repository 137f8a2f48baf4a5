package artifacts

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrIdentityInvalid = errors.New("artifacts: invalid identity file")

// Identity is the consensus key material of one validator-class node, as
// written by the key tool. Private keys are carried opaquely; this layer never
// interprets them.
type Identity struct {
	AccountAddress      string `yaml:"account_address"`
	AccountPrivateKey   string `yaml:"account_private_key"`
	ConsensusPrivateKey string `yaml:"consensus_private_key"`
	NetworkPrivateKey   string `yaml:"network_private_key"`
	ConsensusPublicKey  string `yaml:"consensus_public_key"`
	NetworkPublicKey    string `yaml:"network_public_key"`
}

// Current reports whether the identity is in the current format. Older key
// tool versions omitted the public keys; such identities are stale and must
// be regenerated.
func (id Identity) Current() bool {
	return id.ConsensusPublicKey != "" && id.NetworkPublicKey != ""
}

func LoadIdentity(path string) (Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, fmt.Errorf("identity load failed (%s): %w", path, err)
	}
	var id Identity
	if err := yaml.Unmarshal(data, &id); err != nil {
		return Identity{}, fmt.Errorf("%w: %s: %v", ErrIdentityInvalid, path, err)
	}
	if id.AccountAddress == "" {
		return Identity{}, fmt.Errorf("%w: %s missing account_address", ErrIdentityInvalid, path)
	}
	return id, nil
}
