// Package main implements the meshfsd node daemon: a peer in the
// content-addressed mesh that serves its local admin HTTP API, replicates
// against whatever peers it can reach, and keeps its index on disk
// between restarts.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/beenet-mesh/meshfs/pkg/config"
	"github.com/beenet-mesh/meshfs/pkg/control"
	"github.com/beenet-mesh/meshfs/pkg/identity"
	"github.com/beenet-mesh/meshfs/pkg/index"
	"github.com/beenet-mesh/meshfs/pkg/log"
	"github.com/beenet-mesh/meshfs/pkg/overlay/quictransport"
	"github.com/beenet-mesh/meshfs/pkg/replication"
)

var (
	version    = "dev"
	buildTime  = "unknown"
	commitHash = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		if err := run(os.Args[1:]); err != nil {
			fmt.Fprintf(os.Stderr, "meshfsd: %v\n", err)
			os.Exit(1)
		}
	}
}

// flags holds the node's command-line arguments, hand-parsed by walking
// os.Args rather than via the flag package.
type flags struct {
	path         string
	maxFileSize  int64
	configPath   string
	port         int
	hostname     string
	allowAll     bool
	allowedPeers []string
	name         string
}

func parseFlags(args []string) (flags, error) {
	f := flags{maxFileSize: -1, port: -1}

	i := 0
	for i < len(args) {
		arg := args[i]
		value := func() (string, error) {
			i++
			if i >= len(args) {
				return "", fmt.Errorf("%s requires a value", arg)
			}
			return args[i], nil
		}

		switch arg {
		case "--path":
			v, err := value()
			if err != nil {
				return f, err
			}
			f.path = v
		case "--max_file_size":
			v, err := value()
			if err != nil {
				return f, err
			}
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return f, fmt.Errorf("--max_file_size: %w", err)
			}
			f.maxFileSize = n
		case "--config_path":
			v, err := value()
			if err != nil {
				return f, err
			}
			f.configPath = v
		case "--port":
			v, err := value()
			if err != nil {
				return f, err
			}
			n, err := strconv.Atoi(v)
			if err != nil {
				return f, fmt.Errorf("--port: %w", err)
			}
			f.port = n
		case "--hostname":
			v, err := value()
			if err != nil {
				return f, err
			}
			f.hostname = v
		case "--allowAll":
			f.allowAll = true
		case "--allowedPeers":
			v, err := value()
			if err != nil {
				return f, err
			}
			f.allowedPeers = strings.Split(v, ",")
		default:
			if strings.HasPrefix(arg, "--") {
				return f, fmt.Errorf("unknown flag %s", arg)
			}
			f.name = arg
		}
		i++
	}

	if f.name == "" {
		return f, fmt.Errorf("missing required positional argument: name")
	}
	return f, nil
}

func run(args []string) error {
	logger := log.Default("meshfsd")

	f, err := parseFlags(args)
	if err != nil {
		printUsage()
		return err
	}

	configPath := f.configPath
	if configPath == "" {
		configPath = "./meshfsd.json"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if f.path != "" {
		cfg.Path = f.path
	}
	if f.maxFileSize >= 0 {
		cfg.MaxFileSize = f.maxFileSize
	}
	if f.port >= 0 {
		cfg.Port = f.port
	}
	if f.hostname != "" {
		cfg.Hostname = f.hostname
	}
	if f.allowAll {
		cfg.AllowAll = true
	}
	if len(f.allowedPeers) > 0 {
		cfg.AllowedPeers = f.allowedPeers
	}
	if err := cfg.Save(configPath); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	id, err := loadOrCreateIdentity(filepath.Join(cfg.Path, "identity.json"))
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	logger.Infof("identity hex-hash: %s", id.HexHash())

	idx, err := index.Open(cfg.Path, id.HexHash(), f.name)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	logger.Infof("source %q opened at %s (root %s)", f.name, cfg.Path, idx.SourceHash())

	allowedPeers := make(map[string]struct{}, len(cfg.AllowedPeers))
	for _, p := range cfg.AllowedPeers {
		if p != "" {
			allowedPeers[p] = struct{}{}
		}
	}

	listenAddr := fmt.Sprintf("%s:%d", cfg.Hostname, cfg.Port)
	tp, err := quictransport.New(id, idx.SourceHash(), listenAddr, logger)
	if err != nil {
		return fmt.Errorf("start overlay transport: %w", err)
	}
	defer tp.Close()
	logger.Infof("overlay transport listening on %s", tp.Addr())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := tp.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("overlay transport stopped: %v", err)
		}
	}()

	engine := replication.New(idx, tp, replication.Config{
		AllowAll:     cfg.AllowAll,
		AllowedPeers: allowedPeers,
	}, logger)
	engine.Start(ctx)
	defer engine.Stop()

	server := control.NewServer(idx, engine)
	controlListener, err := net.Listen("tcp", "127.0.0.1:27777")
	if err != nil {
		return fmt.Errorf("start control API listener: %w", err)
	}
	defer controlListener.Close()
	logger.Infof("control API listening on %s", controlListener.Addr())

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ctx, controlListener) }()

	select {
	case <-ctx.Done():
		logger.Infof("shutting down")
		return nil
	case err := <-errCh:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("control API: %w", err)
	}
}

func loadOrCreateIdentity(path string) (*identity.Identity, error) {
	if _, err := os.Stat(path); err == nil {
		return identity.LoadFromFile(path)
	}
	id, err := identity.Generate()
	if err != nil {
		return nil, err
	}
	if err := id.SaveToFile(path); err != nil {
		return nil, err
	}
	return id, nil
}

func printVersion() {
	fmt.Printf("meshfsd %s\n", version)
	fmt.Printf("Built: %s\n", buildTime)
	fmt.Printf("Commit: %s\n", commitHash)
}

func printUsage() {
	fmt.Printf(`meshfsd v%s - content-addressed mesh node

Usage:
  meshfsd [flags] <name>
  meshfsd version
  meshfsd help

Flags:
  --path <dir>             chunk store and index directory (default ./store)
  --max_file_size <bytes>  saved to the config file; uploads are not checked against it
  --config_path <file>     config file to load and persist flags into (default ./meshfsd.json)
  --port <port>            overlay transport UDP port (default 4242)
  --hostname <host>        overlay transport bind address (default 0.0.0.0)
  --allowAll               serve any peer's requests without an allow-list
  --allowedPeers <list>    comma-separated hex-hashes allowed to fetch content

Arguments:
  name                     source tree name for this node's SRC

`, version)
}
