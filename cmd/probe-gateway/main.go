// ABOUTME: Entry point for the probe-gateway control plane
// ABOUTME: Subcommands serve, init, token, health, probes, instruments and version

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/probe-gateway/internal/auth"
	"github.com/2389/probe-gateway/internal/config"
	"github.com/2389/probe-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                 _                                _
 _ __  _ __ ___ | |__   ___        __ _  __ _| |_ _____      ____ _ _   _
| '_ \| '__/ _ \| '_ \ / _ \_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| |_) | | | (_) | |_) |  __/_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
| .__/|_|  \___/|_.__/ \___|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
|_|                               |___/                             |___/
`

func usage() {
	fmt.Println("Usage: probe-gateway <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                  Start the gateway server")
	fmt.Println("  init                   Write a config file with fresh secrets")
	fmt.Println("  token                  Mint a developer or probe token")
	fmt.Println("  health                 Check gateway health (HTTP and gRPC)")
	fmt.Println("  probes                 List connected probes")
	fmt.Println("  instruments            List live instruments")
	fmt.Println("  version                Print the version")
	fmt.Println()
	fmt.Printf("The config path defaults to $%s, then ./config.yaml.\n", config.EnvConfigPath)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "init":
		err = runInit(args)
	case "token":
		err = runToken(args)
	case "health":
		err = runHealth(ctx, args)
	case "probes":
		err = runProbes(ctx, args)
	case "instruments":
		err = runInstruments(ctx, args)
	case "version", "--version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newFlagSet returns a flag set carrying the shared --config flag.
func newFlagSet(name string, configPath *string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("probe-gateway "+name, pflag.ContinueOnError)
	fs.StringVarP(configPath, "config", "c", "", "path to the YAML config file")
	return fs
}

// parseFlags parses args, treating --help as success.
func parseFlags(fs *pflag.FlagSet, args []string) (bool, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return false, nil
		}
		return false, err
	}
	if fs.NArg() > 0 {
		return false, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	return true, nil
}

func runServe(ctx context.Context, args []string) error {
	var configPath string
	fs := newFlagSet("serve", &configPath)
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	configPath = config.Path(configPath)

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	line := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s\n", label+":", value)
	}
	line("Config", configPath)
	line("Bridge", cfg.Server.BridgeAddr)
	line("HTTP", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		line("gRPC", cfg.Server.GRPCAddr)
	}
	if cfg.Database.Path != "" {
		line("Ledger", cfg.Database.Path)
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! HTTP API is anonymous (no auth.jwt_secret)")
	}
	if cfg.Auth.ProbeSecret == "" {
		yellow.Println("    ! probes connect without tokens (no auth.probe_secret)")
	}
	fmt.Println()

	logger.Info("starting probe-gateway",
		"config", configPath,
		"bridge_addr", cfg.Server.BridgeAddr,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

// runInit writes the default configuration with freshly generated secrets.
func runInit(args []string) error {
	var configPath string
	var force bool
	fs := newFlagSet("init", &configPath)
	fs.BoolVarP(&force, "force", "f", false, "overwrite an existing config file")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	configPath = config.Path(configPath)

	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}

	cfg := config.Default()
	jwtSecret, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	probeSecret, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generating probe secret: %w", err)
	}
	cfg.Auth.JWTSecret = jwtSecret
	cfg.Auth.ProbeSecret = probeSecret

	data, err := config.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("rendering config: %w", err)
	}
	content := "# probe-gateway configuration\n# Generated by probe-gateway init\n\n" + string(data)

	if dir := filepath.Dir(configPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println()
	fmt.Println("  Next:")
	fmt.Println("    probe-gateway token --subject you --admin   # developer token")
	fmt.Println("    probe-gateway token --probe --subject p-1   # probe token")
	fmt.Println("    probe-gateway serve")
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// runToken mints a developer token signed with auth.jwt_secret, or a probe
// token signed with auth.probe_secret.
func runToken(args []string) error {
	var configPath, subject string
	var ttl time.Duration
	var admin, probeToken bool
	fs := newFlagSet("token", &configPath)
	fs.StringVarP(&subject, "subject", "s", "", "developer id or probe instance id")
	fs.DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	fs.BoolVar(&admin, "admin", false, "grant the admin role (developer tokens only)")
	fs.BoolVar(&probeToken, "probe", false, "mint a probe token instead of a developer token")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if subject == "" {
		return errors.New("--subject is required")
	}
	if probeToken && admin {
		return errors.New("--admin applies to developer tokens only")
	}

	cfg, err := config.Load(config.Path(configPath))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	secret, principalType, setting := cfg.Auth.JWTSecret, auth.PrincipalDeveloper, "auth.jwt_secret"
	if probeToken {
		secret, principalType, setting = cfg.Auth.ProbeSecret, auth.PrincipalProbe, "auth.probe_secret"
	}
	if secret == "" {
		return fmt.Errorf("%s is not configured", setting)
	}

	verifier, err := auth.NewJWTVerifier([]byte(secret), principalType)
	if err != nil {
		return fmt.Errorf("creating verifier: %w", err)
	}
	var roles []string
	if admin {
		roles = append(roles, auth.RoleAdmin)
	}
	token, err := verifier.Generate(subject, ttl, roles...)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}
