package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"devnetctl/internal/artifacts"
	"devnetctl/internal/deploy"
	"devnetctl/internal/faucet"
	"devnetctl/internal/logging"
	"devnetctl/internal/supervise"
	"devnetctl/internal/tools"
	"devnetctl/internal/topology"
)

const usage = `usage: devnetctl <command> [options]

commands:
  init [--force] [config]          generate the artifact set (keys, genesis, waypoint)
  deploy [config]                  render runtime directories under base_dir (destructive)
  start [--config F] [--nodes a,b] start node processes
  stop [--config F] [--nodes a,b]  stop node processes
  restart [--config F] [--nodes a,b]
  status [--config F] [--nodes a,b]
  faucet [config]                  fund test accounts via the funding tool
  fetch-deps [config]              pin external tool repositories

config path defaults to cluster.toml; DEVNETCTL_CONFIG and
DEVNETCTL_ARTIFACTS_DIR override the config path and artifact root.
`

func main() {
	logging.ConfigureRuntime("devnetctl")
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "init":
		err = runInit(args)
	case "deploy":
		err = runDeploy(args)
	case "start", "stop", "restart", "status":
		err = runFleet(cmd, args)
	case "faucet":
		err = runFaucet(args)
	case "fetch-deps":
		err = runFetchDeps(args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Error().Err(err).Str("command", cmd).Msg("phase failed")
		os.Exit(1)
	}
}

func loadSpec(configArg string) (topology.ClusterSpec, string, error) {
	path := topology.ConfigPath(configArg)
	spec, err := topology.Load(path)
	if err != nil {
		return topology.ClusterSpec{}, "", err
	}
	log.Info().Str("config", path).Str("cluster", spec.Name).Int("nodes", len(spec.Nodes)).Msg("loaded topology")
	return spec, path, nil
}

func toolchain(spec topology.ClusterSpec) tools.Toolchain {
	return tools.Toolchain{
		KeyTool:         spec.KeyTool,
		GenesisCompiler: spec.GenesisCompiler,
		FundingTool:     spec.FundingTool,
	}
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	force := fs.Bool("force", false, "regenerate the artifact set even if a valid one exists")
	if err := fs.Parse(args); err != nil {
		return err
	}
	spec, configPath, err := loadSpec(fs.Arg(0))
	if err != nil {
		return err
	}
	init := artifacts.Initializer{
		Spec:      spec,
		Dir:       topology.ArtifactsDir(configPath),
		Toolchain: toolchain(spec),
	}
	return init.Run(*force)
}

func runDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	spec, configPath, err := loadSpec(fs.Arg(0))
	if err != nil {
		return err
	}
	dep := deploy.Deployer{
		Spec:         spec,
		ArtifactsDir: topology.ArtifactsDir(configPath),
		Toolchain:    toolchain(spec),
	}
	return dep.Run()
}

func runFleet(cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configFlag := fs.String("config", "", "topology document path")
	nodesFlag := fs.String("nodes", "", "comma-separated node id subset (default: all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	spec, _, err := loadSpec(*configFlag)
	if err != nil {
		return err
	}
	var ids []string
	if *nodesFlag != "" {
		ids = strings.Split(*nodesFlag, ",")
	}
	sup := supervise.New(spec)

	switch cmd {
	case "start":
		return sup.Start(ids)
	case "stop":
		return sup.Stop(ids)
	case "restart":
		return sup.Restart(ids)
	case "status":
		statuses, err := sup.Status(context.Background(), ids)
		if err != nil {
			return err
		}
		for _, st := range statuses {
			line := fmt.Sprintf("%-16s %-8s", st.ID, st.State)
			if st.PID > 0 {
				line += fmt.Sprintf(" pid=%d", st.PID)
			}
			if st.Height != nil {
				line += fmt.Sprintf(" height=%d", *st.Height)
			}
			fmt.Println(line)
		}
		return nil
	}
	return fmt.Errorf("unhandled fleet command %q", cmd)
}

func runFaucet(args []string) error {
	fs := flag.NewFlagSet("faucet", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	spec, configPath, err := loadSpec(fs.Arg(0))
	if err != nil {
		return err
	}
	init := faucet.Initializer{
		Spec:         spec,
		ArtifactsDir: topology.ArtifactsDir(configPath),
		Toolchain:    toolchain(spec),
	}
	return init.Run()
}

func runFetchDeps(args []string) error {
	fs := flag.NewFlagSet("fetch-deps", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	spec, configPath, err := loadSpec(fs.Arg(0))
	if err != nil {
		return err
	}
	if len(spec.Dependencies) == 0 {
		log.Info().Msg("no dependency pins in topology")
		return nil
	}
	fetcher, err := tools.NewFetcher(filepath.Join(filepath.Dir(configPath), "tools"), nil)
	if err != nil {
		return err
	}
	return fetcher.FetchAll(spec.Dependencies)
}
