package couponsvc

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"magiccoupon/chain"
	"magiccoupon/crypto"
	"magiccoupon/issuer"
	"magiccoupon/ledger"
	"magiccoupon/observability"
	"magiccoupon/observability/logging"
	telemetry "magiccoupon/observability/otel"
	"magiccoupon/storage"
)

const serviceName = "couponsvc"

// Main initialises and runs the coupon service until SIGINT or SIGTERM.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/couponsvc/config.yaml", "path to couponsvc configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("MC_ENV"))
	logger := logging.Setup(serviceName, env)
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv(serviceName, env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	key, err := loadSigner(cfg.Signer)
	if err != nil {
		return fmt.Errorf("load signer key: %w", err)
	}

	db, err := storage.Open(cfg.Ledger.Backend, cfg.Ledger.Path)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	book := ledger.New(db)
	defer func() { _ = book.Close() }()

	opts := []issuer.Option{
		issuer.WithRole(cfg.Role),
		issuer.WithLedger(book),
		issuer.WithMetrics(observability.Issuer()),
		issuer.WithLogger(logger),
		issuer.WithTestMode(cfg.TestMode),
	}
	if cfg.Admin != "" {
		opts = append(opts, issuer.WithAdmin(common.HexToAddress(cfg.Admin)))
	}
	if !cfg.TestMode {
		client, err := chain.Dial(cfg.RPCURL)
		if err != nil {
			return fmt.Errorf("dial rpc: %w", err)
		}
		defer client.Close()
		sale := chain.NewSale(client, common.HexToAddress(cfg.Contract))
		opts = append(opts, issuer.WithGate(issuer.NewCachedGate(sale, cfg.RoleCacheTTL.Duration)))
	}
	iss, err := issuer.New(key.PrivateKey, opts...)
	if err != nil {
		return fmt.Errorf("init issuer: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := iss.CheckRole(checkCtx); err != nil {
		logger.Warn("startup role check failed; issuance will be refused until the role is granted",
			slog.String("admin", iss.Admin().Hex()),
			slog.String("role", iss.RoleName()),
			slog.Any("error", err))
	}
	cancel()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(NewServer(iss, cfg, logger), serviceName),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("couponsvc listening",
			slog.String("listen", cfg.ListenAddress),
			slog.String("signer", iss.Signer().Hex()),
			slog.Bool("test_mode", cfg.TestMode))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func loadSigner(cfg SignerConfig) (*crypto.PrivateKey, error) {
	if cfg.SignerKey != "" {
		return crypto.ParsePrivateKeyHex(cfg.SignerKey)
	}
	if cfg.Keystore.Path == "" {
		return nil, fmt.Errorf("no signer configured")
	}
	passphrase, ok := os.LookupEnv(cfg.Keystore.PassphraseEnv)
	if !ok || strings.TrimSpace(passphrase) == "" {
		return nil, fmt.Errorf("keystore passphrase required; set %s", cfg.Keystore.PassphraseEnv)
	}
	return crypto.LoadFromKeystore(cfg.Keystore.Path, passphrase)
}
