package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"magiccoupon/chain"
	"magiccoupon/cmd/internal/passphrase"
	"magiccoupon/config"
	"magiccoupon/crypto"
	"magiccoupon/ledger"
	"magiccoupon/observability/logging"
	"magiccoupon/storage"
)

const (
	defaultPassEnv = "MC_ADMIN_PASS"
	configEnv      = "MC_CONFIG"
)

// errReported marks failures whose message was already written to stderr.
var errReported = errors.New("reported")

type app struct {
	stdout    io.Writer
	stderr    io.Writer
	lookupEnv func(string) (string, bool)
	dial      func(ctx context.Context, url string) (chain.EVMClient, func(), error)
	logger    *slog.Logger
}

type command struct {
	name    string
	summary string
	run     func(a *app, ctx context.Context, args []string) error
}

var commands = []command{
	{"issue", "sign one coupon (role checked unless TEST is set)", runIssue},
	{"batch", "sign every nonce/tier pair into a JSON bundle", runBatch},
	{"verify", "check a coupon against the admin address", runVerify},
	{"audit", "regenerate coupons and compare with a reference file", runAudit},
	{"nonce", "print nonces for confirmation codes", runNonce},
	{"role", "print a role id and optionally query hasRole", runRole},
	{"provision", "grant roles and register coupons and prices on the sale contract", runProvision},
	{"keygen", "create an admin key, optionally into a keystore", runKeygen},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	a := &app{
		stdout:    os.Stdout,
		stderr:    os.Stderr,
		lookupEnv: os.LookupEnv,
		dial:      dialRPC,
	}
	code := a.run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func (a *app) run(ctx context.Context, args []string) int {
	if len(args) < 1 {
		a.usage()
		return 1
	}
	for _, cmd := range commands {
		if cmd.name != args[0] {
			continue
		}
		err := cmd.run(a, ctx, args[1:])
		switch {
		case err == nil:
			return 0
		case errors.Is(err, flag.ErrHelp):
			return 0
		case errors.Is(err, errReported):
			return 1
		default:
			fmt.Fprintf(a.stderr, "Error: %v\n", err)
			return 1
		}
	}
	a.usage()
	return 1
}

func (a *app) usage() {
	fmt.Fprintln(a.stderr, "Usage: mcoupon <command> [flags]")
	fmt.Fprintln(a.stderr)
	for _, cmd := range commands {
		fmt.Fprintf(a.stderr, "  %-10s %s\n", cmd.name, cmd.summary)
	}
	fmt.Fprintln(a.stderr)
	fmt.Fprintln(a.stderr, "Settings come from -config (or MC_CONFIG) overlaid by the MC_* environment.")
}

func (a *app) flagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	defaultPath, _ := a.lookupEnv(configEnv)
	configPath := fs.String("config", defaultPath, "Path to an mcoupon TOML config file")
	return fs, configPath
}

// loadConfig reads the config and installs the stderr JSON logger.
func (a *app) loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path, a.lookupEnv)
	if err != nil {
		return nil, err
	}
	a.logger = logging.SetupWriter(a.stderr, "mcoupon", cfg.Env)
	return cfg, nil
}

func (a *app) loadKey(cfg *config.Config) (*crypto.PrivateKey, error) {
	if cfg.AdminKey != "" {
		key, err := crypto.ParsePrivateKeyHex(cfg.AdminKey)
		if err != nil {
			return nil, fmt.Errorf("MC_ADMIN_PKEY: %w", err)
		}
		return key, nil
	}
	if cfg.AdminKeystore == "" {
		return nil, fmt.Errorf("no admin key (set MC_ADMIN_PKEY or MC_ADMIN_KEYSTORE)")
	}
	pass, err := passphrase.NewSource(defaultPassEnv, "admin keystore").WithLookup(a.lookupEnv).Get()
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(cfg.AdminKeystore, pass)
}

// openLedger returns nil when no ledger is configured.
func (a *app) openLedger(cfg *config.Config) (*ledger.Ledger, error) {
	if cfg.LedgerPath == "" && cfg.LedgerBackend != storage.BackendMemory {
		return nil, nil
	}
	db, err := storage.Open(cfg.LedgerBackend, cfg.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return ledger.New(db), nil
}

func (a *app) sale(ctx context.Context, cfg *config.Config) (*chain.Sale, chain.EVMClient, func(), error) {
	contract, err := cfg.Contract()
	if err != nil {
		return nil, nil, nil, err
	}
	client, closeFn, err := a.dial(ctx, cfg.RPCURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}
	return chain.NewSale(client, contract), client, closeFn, nil
}

func dialRPC(_ context.Context, url string) (chain.EVMClient, func(), error) {
	client, err := chain.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}
