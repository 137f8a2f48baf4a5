package deploy

import "fmt"

// Named runtime templates. Placeholders are {{name}} and resolve against
// NodeVars; bash variables pass through untouched.

func templateFor(kind string) (string, error) {
	switch kind {
	case "validator":
		return validatorConfigTemplate, nil
	case "vfn":
		return vfnConfigTemplate, nil
	case "execution":
		return executionConfigTemplate, nil
	case "env":
		return nodeEnvTemplate, nil
	case "start":
		return startScriptTemplate, nil
	case "stop":
		return stopScriptTemplate, nil
	default:
		return "", fmt.Errorf("deploy: unknown template kind %q", kind)
	}
}

// Consensus-side configuration for validator-class nodes. Identity and
// waypoint files sit next to it in the config directory.
const validatorConfigTemplate = `base:
  role: {{role}}
  data_dir: {{data_dir}}
  waypoint:
    from_file: {{node_dir}}/config/waypoint.txt

consensus:
  identity: {{node_dir}}/config/identity.yaml

validator_network:
  listen_address: /ip4/0.0.0.0/tcp/{{p2p_port}}
  advertised_address: /ip4/{{host}}/tcp/{{p2p_port}}
  identity_file: {{node_dir}}/config/identity.yaml
  mutual_authentication: true

full_node_networks:
  - network_id: vfn
    listen_address: /ip4/0.0.0.0/tcp/{{vfn_port}}
    advertised_address: /ip4/{{host}}/tcp/{{vfn_port}}

api:
  address: {{host}}:{{rpc_port}}

inspection_service:
  port: {{inspection_port}}
`

// VFN nodes carry no validator identity and no consensus section; their
// public network uses on-chain discovery without mutual authentication.
const vfnConfigTemplate = `base:
  role: {{role}}
  data_dir: {{data_dir}}
  waypoint:
    from_file: {{node_dir}}/config/waypoint.txt

full_node_networks:
  - network_id: public
    listen_address: /ip4/0.0.0.0/tcp/{{p2p_port}}
    discovery_method: onchain
    mutual_authentication: false
  - network_id: vfn
    listen_address: /ip4/0.0.0.0/tcp/{{vfn_port}}

api:
  address: {{host}}:{{rpc_port}}

inspection_service:
  port: {{inspection_port}}
`

const executionConfigTemplate = `{
  "genesis_path": "{{genesis_path}}",
  "data_dir": "{{data_dir}}",
  "http_port": {{rpc_port}},
  "https_port": {{https_port}},
  "metrics_port": {{metrics_port}},
  "authrpc_port": {{authrpc_port}},
  "p2p_port": {{reth_p2p_port}}
}
`

// The opaque key/value map the start script derives its process arguments and
// environment from. The script layer never interprets node internals beyond
// these keys.
const nodeEnvTemplate = `NODE_ID={{node_id}}
NODE_ROLE={{role}}
NODE_BINARY={{binary_path}}
NODE_DIR={{node_dir}}
NODE_DATA_DIR={{data_dir}}
NODE_GENESIS={{genesis_path}}
NODE_RPC_PORT={{rpc_port}}
NODE_METRICS_PORT={{metrics_port}}
`

// Self-contained: resolves its own directory, refuses to start over a live
// recorded process, and records the spawned PID.
const startScriptTemplate = `#!/usr/bin/env bash
set -euo pipefail

SCRIPT_DIR="$(cd "$(dirname "${BASH_SOURCE[0]}")" && pwd)"
NODE_DIR="$(dirname "$SCRIPT_DIR")"
PID_FILE="$SCRIPT_DIR/node.pid"

if [[ -f "$PID_FILE" ]]; then
  PID="$(cat "$PID_FILE")"
  if kill -0 "$PID" 2>/dev/null; then
    echo "node already running (pid $PID)" >&2
    exit 1
  fi
  rm -f "$PID_FILE"
fi

set -a
source "$NODE_DIR/config/node.env"
set +a

mkdir -p "$NODE_DIR/logs" "$NODE_DATA_DIR"

nohup "$NODE_BINARY" \
  --config "$NODE_DIR/config/$NODE_ROLE.yaml" \
  --execution-config "$NODE_DIR/config/execution_config.json" \
  --genesis "$NODE_GENESIS" \
  --data-dir "$NODE_DATA_DIR" \
  >>"$NODE_DIR/logs/node.log" 2>&1 &

echo $! >"$PID_FILE"
echo "started $NODE_ID (pid $(cat "$PID_FILE"))"
`

const stopScriptTemplate = `#!/usr/bin/env bash
set -euo pipefail

SCRIPT_DIR="$(cd "$(dirname "${BASH_SOURCE[0]}")" && pwd)"
PID_FILE="$SCRIPT_DIR/node.pid"

if [[ ! -f "$PID_FILE" ]]; then
  echo "no pid file, nothing to stop"
  exit 0
fi

PID="$(cat "$PID_FILE")"
kill "$PID" 2>/dev/null || true
rm -f "$PID_FILE"
echo "stopped pid $PID"
`
