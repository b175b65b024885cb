// Command tiergen is a development tool for the invite-code pipeline:
// it generates Ed25519 keypairs and signs invite codes in the wire
// format PREFIX-TIERHINT-PAYLOAD.SIGNATURE.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"tiergate/internal/entitlement"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "tiergen: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("tiergen", flag.ContinueOnError)
	genKeys := fs.Bool("generate-keys", false, "generate a new Ed25519 keypair and exit")
	privateKey := fs.String("key", "", "standard-base64 Ed25519 private key used to sign")
	prefix := fs.String("prefix", "VL", "code prefix")
	codeID := fs.String("id", "", "code id (required when signing)")
	tier := fs.String("tier", "basic", "granted tier: basic or plus")
	tierExp := fs.Int("tier-exp", 0, "days the granted tier lasts, 0 for no expiry")
	exp := fs.Int64("exp", 0, "code redemption deadline as unix seconds, 0 for none")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *genKeys {
		return generateKeys()
	}
	return signCode(*privateKey, *prefix, *codeID, *tier, *tierExp, *exp)
}

func generateKeys() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate keypair: %w", err)
	}

	fmt.Printf("public key:  %s\n", base64.StdEncoding.EncodeToString(pub))
	fmt.Printf("private key: %s\n", base64.StdEncoding.EncodeToString(priv))
	return nil
}

func signCode(encodedKey, prefix, codeID, tier string, tierExp int, exp int64) error {
	if codeID == "" {
		return fmt.Errorf("-id is required")
	}
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return fmt.Errorf("invalid private key: %w", err)
	}
	if len(key) != ed25519.PrivateKeySize {
		return fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(key))
	}

	claims := entitlement.Claims{
		CodeID:      codeID,
		Tier:        tier,
		TierExpDays: tierExp,
		ExpiresAt:   exp,
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return fmt.Errorf("failed to encode claims: %w", err)
	}

	signature := ed25519.Sign(ed25519.PrivateKey(key), payload)

	code := fmt.Sprintf("%s-%s-%s.%s",
		prefix,
		strings.ToUpper(tier),
		entitlement.EncodeSegment(payload),
		entitlement.EncodeSegment(signature),
	)
	fmt.Println(code)
	return nil
}
