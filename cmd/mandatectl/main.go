package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tubone24/AP2-demo-app-sub001/pkg/chain"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/keyring"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/mandate"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/presentation"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/replay"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/signature"
)

const usage = "usage: mandatectl keygen --identity <id> [--alg es256|ed25519] [--dir <keydir>] | mandatectl mandate hash --in <path> --kind intent|cart|payment | mandatectl chain verify --cart <path> --payment <path> --key-dir <dir> [--rp-id <id>]"

func main() {
	if len(os.Args) < 2 {
		failSummary("", "", usage)
		os.Exit(2)
	}
	switch os.Args[1] {
	case "keygen":
		runKeygen(os.Args[2:])
	case "mandate":
		if len(os.Args) < 3 || os.Args[2] != "hash" {
			failSummary("", "", usage)
			os.Exit(2)
		}
		runMandateHash(os.Args[3:])
	case "chain":
		if len(os.Args) < 3 || os.Args[2] != "verify" {
			failSummary("", "", usage)
			os.Exit(2)
		}
		runChainVerify(os.Args[3:])
	default:
		failSummary("", "", usage)
		os.Exit(2)
	}
}

func runKeygen(args []string) {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	identity := fs.String("identity", "", "identity the key belongs to, e.g. did:example:merchant")
	alg := fs.String("alg", signature.AlgES256, "es256 or ed25519")
	dir := fs.String("dir", ".keys", "key directory")
	passphraseEnv := fs.String("passphrase-env", "MANDATE_KEY_PASSPHRASE", "env var holding the key passphrase")
	if err := fs.Parse(args); err != nil {
		failSummary("", "", err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*identity) == "" {
		failSummary("", "", "--identity is required")
		os.Exit(2)
	}
	passphrase := os.Getenv(*passphraseEnv)
	if passphrase == "" {
		failSummary("", "", *passphraseEnv+" must be set")
		os.Exit(2)
	}

	kp, err := keyring.New(*dir).Generate(*identity, *alg, passphrase)
	if err != nil {
		failSummary("keygen", *identity, err.Error())
		os.Exit(1)
	}
	passSummary("keygen", kp.KeyID(), map[string]string{"algorithm": kp.Algorithm, "dir": *dir})
}

func runMandateHash(args []string) {
	fs := flag.NewFlagSet("mandate hash", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	in := fs.String("in", "", "path to mandate json")
	kind := fs.String("kind", "", "intent, cart, or payment")
	if err := fs.Parse(args); err != nil {
		failSummary("", "", err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*in) == "" || strings.TrimSpace(*kind) == "" {
		failSummary("", "", "both --in and --kind are required")
		os.Exit(2)
	}
	raw, err := os.ReadFile(*in)
	if err != nil {
		failSummary("mandate hash", "", "read failed: "+err.Error())
		os.Exit(1)
	}

	var id, hash string
	switch *kind {
	case "intent":
		m, perr := mandate.ParseIntent(raw)
		if perr == nil {
			id = m.ID
			hash, perr = mandate.HashIntent(m)
		}
		err = perr
	case "cart":
		m, perr := mandate.ParseCart(raw)
		if perr == nil {
			id = m.ID
			hash, perr = mandate.HashCart(m)
		}
		err = perr
	case "payment":
		m, perr := mandate.ParsePayment(raw)
		if perr == nil {
			id = m.ID
			hash, perr = mandate.HashPayment(m)
		}
		err = perr
	default:
		failSummary("mandate hash", "", "unknown kind "+*kind)
		os.Exit(2)
	}
	if err != nil {
		failSummary("mandate hash", id, err.Error())
		os.Exit(1)
	}
	passSummary("mandate hash", id, map[string]string{"kind": *kind, "mandate_hash": hash})
}

func runChainVerify(args []string) {
	fs := flag.NewFlagSet("chain verify", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	cartPath := fs.String("cart", "", "path to cart mandate json")
	paymentPath := fs.String("payment", "", "path to payment mandate json")
	keyDir := fs.String("key-dir", ".keys", "directory holding counterparty key documents")
	rpID := fs.String("rp-id", "checkout.example.com", "relying party id for the device attestation")
	authorityAudience := fs.String("authority-audience", "shopper-agent", "audience the merchant authority must name")
	presentationAudience := fs.String("presentation-audience", "payment-processor", "audience the user authorization must name")
	if err := fs.Parse(args); err != nil {
		failSummary("", "", err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*cartPath) == "" || strings.TrimSpace(*paymentPath) == "" {
		failSummary("", "", "both --cart and --payment are required")
		os.Exit(2)
	}

	cartRaw, err := os.ReadFile(*cartPath)
	if err != nil {
		failSummary("chain verify", "", "read cart failed: "+err.Error())
		os.Exit(1)
	}
	paymentRaw, err := os.ReadFile(*paymentPath)
	if err != nil {
		failSummary("chain verify", "", "read payment failed: "+err.Error())
		os.Exit(1)
	}
	cart, err := mandate.ParseCart(cartRaw)
	if err != nil {
		failSummary("chain verify", "", "cart: "+err.Error())
		os.Exit(1)
	}
	payment, err := mandate.ParsePayment(paymentRaw)
	if err != nil {
		failSummary("chain verify", payment.ID, "payment: "+err.Error())
		os.Exit(1)
	}

	guards := replay.NewManager(replay.NewMemoryStore())
	v := &chain.Validator{
		Resolver:             &keyring.DirectoryResolver{Dir: *keyDir},
		Presentations:        &presentation.Verifier{RelyingPartyID: *rpID, Guards: guards},
		AuthorityAudience:    *authorityAudience,
		PresentationAudience: *presentationAudience,
	}
	if err := v.Validate(context.Background(), payment, cart); err != nil {
		failSummary("chain verify", payment.ID, err.Error())
		os.Exit(1)
	}

	cartHash, _ := mandate.HashCart(cart)
	paymentHash, _ := mandate.HashPayment(payment)
	passSummary("chain verify", payment.ID, map[string]string{
		"cart_id":      cart.ID,
		"cart_hash":    cartHash,
		"payment_hash": paymentHash,
	})
}

func passSummary(operation, subject string, extra map[string]string) {
	printSummary("PASS", operation, subject, "", extra)
}

func failSummary(operation, subject, reason string) {
	printSummary("FAIL", operation, subject, reason, nil)
}

func printSummary(status, operation, subject, reason string, extra map[string]string) {
	out := map[string]string{
		"status":        status,
		"operation":     operation,
		"subject":       subject,
		"timestamp_utc": time.Now().UTC().Format(time.RFC3339),
	}
	if reason != "" {
		out["reason"] = reason
	}
	for k, v := range extra {
		out[k] = v
	}
	b, _ := json.Marshal(out)
	fmt.Println(string(b))
}
