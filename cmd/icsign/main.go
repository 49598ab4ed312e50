package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"icreserve/cmd/internal/passphrase"
	"icreserve/crypto"
	"icreserve/native/emergency"
	"icreserve/native/fixed"
)

const defaultPassEnv = "IC_SIGNER_PASS"

type secretSource interface {
	Get() (string, error)
}

var keystoreParams = crypto.StandardKeystore

var newSecretSource = func(envVar string, confirm bool) secretSource {
	src := passphrase.NewSource(envVar)
	if confirm {
		src = src.WithConfirmation()
	}
	return src
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		usage(stderr)
		return 2
	}
	var err error
	switch args[0] {
	case "keygen":
		err = runKeygen(args[1:], stdout)
	case "address":
		err = runAddress(args[1:], stdout)
	case "sign":
		err = runSign(args[1:], stdout)
	case "verify":
		err = runVerify(args[1:], stdout)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		usage(stderr)
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: icsign <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  keygen   create a new signer keystore")
	fmt.Fprintln(w, "  address  print the signer account of a keystore")
	fmt.Fprintln(w, "  sign     sign an emergency action and print the request body")
	fmt.Fprintln(w, "  verify   recover the signer of an emergency action signature")
}

func runKeygen(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	keystorePath := fs.String("keystore", "signer.keystore", "Output path for the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := os.Stat(*keystorePath); err == nil && !*force {
		return fmt.Errorf("keystore %s already exists (use -force to overwrite)", *keystorePath)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat keystore: %w", err)
	}
	pass, err := newSecretSource(*passEnv, true).Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := crypto.SaveToKeystoreWithParams(*keystorePath, key, pass, keystoreParams); err != nil {
		return fmt.Errorf("save keystore: %w", err)
	}
	fmt.Fprintf(stdout, "Keystore written to %s\n", *keystorePath)
	fmt.Fprintf(stdout, "Signer account: %s\n", key.PubKey().Address().String())
	return nil
}

func loadKey(path, passEnv string) (*crypto.PrivateKey, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("keystore path required")
	}
	pass, err := newSecretSource(passEnv, false).Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return nil, fmt.Errorf("load keystore: %w", err)
	}
	return key, nil
}

func runAddress(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("address", flag.ContinueOnError)
	keystorePath := fs.String("keystore", "signer.keystore", "Path to the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := loadKey(*keystorePath, *passEnv)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return nil
}

type actionFlags struct {
	kind   *string
	nonce  *uint64
	target *string
	amount *string
}

func bindActionFlags(fs *flag.FlagSet) actionFlags {
	return actionFlags{
		kind:   fs.String("kind", "", "Action kind: pause, unpause, freeze_minting, unfreeze_minting, forced_burn"),
		nonce:  fs.Uint64("nonce", 0, "Action nonce (must be non-zero)"),
		target: fs.String("target", "", "Forced burn target account"),
		amount: fs.String("amount", "", "Forced burn amount"),
	}
}

func (f actionFlags) action() (emergency.Action, error) {
	kind, err := emergency.ParseKind(*f.kind)
	if err != nil {
		return nil, err
	}
	if *f.nonce == 0 {
		return nil, errors.New("nonce must be non-zero")
	}
	amount := fixed.Zero()
	if kind == emergency.KindForcedBurn {
		if amount, err = fixed.Parse(*f.amount); err != nil {
			return nil, fmt.Errorf("amount: %w", err)
		}
	}
	return emergency.NewAction(kind, *f.target, amount)
}

type signedAction struct {
	Kind      string `json:"kind"`
	Nonce     uint64 `json:"nonce"`
	Target    string `json:"target,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Signature string `json:"signature"`
}

func runSign(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	keystorePath := fs.String("keystore", "signer.keystore", "Path to the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	af := bindActionFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	action, err := af.action()
	if err != nil {
		return err
	}
	key, err := loadKey(*keystorePath, *passEnv)
	if err != nil {
		return err
	}
	sig, err := emergency.SignAction(key, action, *af.nonce)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	out := signedAction{Kind: action.Kind().String(), Nonce: *af.nonce, Signature: hex.EncodeToString(sig)}
	if burn, ok := action.(emergency.ForcedBurn); ok {
		out.Target = burn.Target
		out.Amount = burn.Amount.String()
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runVerify(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	af := bindActionFlags(fs)
	sigHex := fs.String("signature", "", "Hex-encoded signature")
	if err := fs.Parse(args); err != nil {
		return err
	}
	action, err := af.action()
	if err != nil {
		return err
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(*sigHex), "0x"))
	if err != nil {
		return fmt.Errorf("signature: %w", err)
	}
	signer, err := emergency.RecoverSigner(action, *af.nonce, sig)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, signer)
	return nil
}
