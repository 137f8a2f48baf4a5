package topology

import (
	"fmt"
	"strings"
)

// Role classifies a node within the cluster. The set is closed: phases switch
// on it exhaustively instead of branching on raw config strings.
type Role uint8

const (
	RoleUnset Role = iota
	RoleGenesis
	RoleValidator
	RoleVFN
)

func (r Role) String() string {
	switch r {
	case RoleGenesis:
		return "genesis"
	case RoleValidator:
		return "validator"
	case RoleVFN:
		return "vfn"
	default:
		return "unset"
	}
}

// IsValidatorClass reports whether the role carries validator identity
// material and participates in the genesis key ceremony.
func (r Role) IsValidatorClass() bool {
	return r == RoleGenesis || r == RoleValidator
}

func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "genesis":
		return RoleGenesis, nil
	case "validator":
		return RoleValidator, nil
	case "vfn":
		return RoleVFN, nil
	case "":
		return RoleUnset, fmt.Errorf("%w: role is required", ErrMissingRole)
	default:
		return RoleUnset, fmt.Errorf("%w: %q (expected genesis, validator or vfn)", ErrUnknownRole, raw)
	}
}
