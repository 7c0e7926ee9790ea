package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"magiccoupon/cmd/internal/passphrase"
	"magiccoupon/config"
	"magiccoupon/crypto"
)

func runKeygen(a *app, _ context.Context, args []string) error {
	fs, configPath := a.flagSet("keygen")
	keystorePath := fs.String("keystore", "", "Write the key to this v3 keystore instead of printing it")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	path := strings.TrimSpace(*keystorePath)
	if path == "" {
		fmt.Fprintf(a.stdout, "address %s\nprivate key %s\n", key.Address().Hex(), key.Hex())
		return nil
	}

	if !*force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("keystore file %s already exists (use -force to overwrite)", path)
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	pass, err := passphrase.NewSource(defaultPassEnv, "new admin keystore").WithLookup(a.lookupEnv).Confirm()
	if err != nil {
		return err
	}
	if err := crypto.SaveToKeystore(path, key, pass); err != nil {
		return fmt.Errorf("failed to write keystore: %w", err)
	}
	fmt.Fprintf(a.stdout, "address %s\nkeystore %s\n", key.Address().Hex(), path)

	if *configPath == "" {
		return nil
	}
	// Record the new key in the config file so later commands pick it up.
	cfg := config.Default()
	if _, err := os.Stat(*configPath); err == nil {
		if cfg, err = config.Load(*configPath, func(string) (string, bool) { return "", false }); err != nil {
			return err
		}
	}
	cfg.AdminKeystore = path
	cfg.AdminAddress = key.Address().Hex()
	if err := config.Save(*configPath, cfg); err != nil {
		return fmt.Errorf("failed to update config: %w", err)
	}
	fmt.Fprintf(a.stdout, "config %s updated\n", *configPath)
	return nil
}
