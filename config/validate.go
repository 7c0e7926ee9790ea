package config

import (
	"errors"
	"fmt"
	"strings"

	"magiccoupon/storage"
)

// Requirement flags the settings a command needs.
type Requirement uint

const (
	NeedClaimer Requirement = 1 << iota
	NeedTiers
	NeedNonce
	NeedNonces
	NeedSigner
	NeedChain
	NeedAuditTier
)

// Validate checks that every setting named by need is present and well
// formed. All problems are reported together.
func (c *Config) Validate(need Requirement) error {
	var errs []error
	if need&NeedClaimer != 0 {
		if _, err := c.Claimer(); err != nil {
			errs = append(errs, err)
		}
	}
	if need&NeedTiers != 0 {
		if _, err := c.PrimaryTier(); err != nil {
			errs = append(errs, err)
		}
	}
	if need&NeedNonce != 0 {
		if _, err := c.PrimaryNonce(); err != nil {
			errs = append(errs, err)
		}
	}
	if need&NeedNonces != 0 {
		if _, err := c.BatchNonces(); err != nil {
			errs = append(errs, err)
		}
	}
	if need&NeedSigner != 0 && !c.HasSigner() {
		errs = append(errs, errors.New("config: no admin key (set MC_ADMIN_PKEY or MC_ADMIN_KEYSTORE)"))
	}
	if need&NeedChain != 0 {
		if strings.TrimSpace(c.RPCURL) == "" {
			errs = append(errs, errors.New("config: MC_RPC_URL not set"))
		}
		if _, err := c.Contract(); err != nil {
			errs = append(errs, err)
		}
	}
	if need&NeedAuditTier != 0 && c.AuditTier == "" {
		errs = append(errs, errors.New("config: MC_TIER not set"))
	}
	if _, _, err := c.Admin(); err != nil {
		errs = append(errs, err)
	}
	switch c.LedgerBackend {
	case "", storage.BackendMemory, storage.BackendLevelDB, storage.BackendBolt:
	default:
		errs = append(errs, fmt.Errorf("config: unknown ledger backend %q", c.LedgerBackend))
	}
	return errors.Join(errs...)
}
