package coupon

import (
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/common"
)

// AuditFinding describes one regenerated nonce and what the reference lacked.
type AuditFinding struct {
	Code          string `json:"code"`
	Nonce         string `json:"nonce"`
	Digest        string `json:"digest"`
	Coupon        string `json:"coupon"`
	MissingNonce  bool   `json:"missingNonce"`
	MissingDigest bool   `json:"missingDigest"`
	MissingCoupon bool   `json:"missingCoupon"`
}

// AuditReport summarises an audit run.
type AuditReport struct {
	Findings []AuditFinding `json:"findings"`
	Failed   int            `json:"failed"`
	Total    int            `json:"total"`
}

// Audit regenerates the primary and alternate nonce of every code, signs a
// coupon for tier and checks each artefact against the reference set.
func Audit(key *ecdsa.PrivateKey, claimer common.Address, tier string, codes []string, reference map[string]struct{}) (*AuditReport, error) {
	report := &AuditReport{Findings: make([]AuditFinding, 0, 2*len(codes))}
	for _, code := range codes {
		for _, nonce := range []string{NonceFromCode(code), AlternateNonce(code)} {
			c, err := Make(key, claimer, tier, nonce)
			if err != nil {
				return nil, err
			}
			digest := Digest(claimer, tier, nonce).Hex()
			finding := AuditFinding{
				Code:          code,
				Nonce:         nonce,
				Digest:        digest,
				Coupon:        c,
				MissingNonce:  !contains(reference, nonce),
				MissingDigest: !contains(reference, digest),
				MissingCoupon: !contains(reference, c),
			}
			report.Total++
			if finding.MissingCoupon {
				report.Failed++
			}
			report.Findings = append(report.Findings, finding)
		}
	}
	return report, nil
}

func contains(set map[string]struct{}, v string) bool {
	_, ok := set[v]
	return ok
}
