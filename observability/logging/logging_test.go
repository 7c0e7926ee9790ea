package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	return line
}

func TestSetupWriterEmitsStructuredJSON(t *testing.T) {
	t.Setenv(LevelEnv, "")
	var buf bytes.Buffer
	logger := SetupWriter(&buf, "mcoupon", "staging")
	logger.Info("coupon issued",
		slog.String("tier", "fan"),
		slog.String("confirmation_code", "cs_live_123"),
		slog.String("status_code", "201"))

	line := decodeLine(t, &buf)
	for key, want := range map[string]string{
		"message":           "coupon issued",
		"severity":          "INFO",
		"service":           "mcoupon",
		"env":               "staging",
		"tier":              "fan",
		"confirmation_code": RedactedValue,
		"status_code":       "201",
	} {
		if got, _ := line[key].(string); got != want {
			t.Fatalf("%s: expected %q, got %q", key, want, got)
		}
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("expected timestamp key")
	}
}

func TestLevelFromEnvironment(t *testing.T) {
	t.Setenv(LevelEnv, "warn")
	var buf bytes.Buffer
	logger := SetupWriter(&buf, "couponsvc", "")
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn: %s", buf.String())
	}
	logger.Warn("kept")
	if line := decodeLine(t, &buf); line["severity"] != "WARN" {
		t.Fatalf("unexpected line %v", line)
	}
	if _, ok := decodeLine(t, &buf)["env"]; ok {
		t.Fatalf("env should be omitted when empty")
	}
}

func TestMasking(t *testing.T) {
	if IsSensitive("nonce") || IsSensitive("claimer") || IsSensitive("public_key") {
		t.Fatalf("public fields flagged as sensitive")
	}
	if !IsSensitive("Admin_Key") || !IsSensitive("hmac_secret") || !IsSensitive("passphrase") {
		t.Fatalf("sensitive fields not flagged")
	}
	if attr := MaskField("nonce", "abc"); attr.Value.String() != RedactedValue {
		t.Fatalf("MaskField should always mask")
	}
	if MaskValue("secret") != RedactedValue || MaskValue(" ") != " " {
		t.Fatalf("unexpected MaskValue behaviour")
	}
}
