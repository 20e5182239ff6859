package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"agentpay/pkg/credential"
	"agentpay/pkg/httpx"
	"agentpay/pkg/models"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "gen-key":
		return genKey(args[1:], out)
	case "sign-mandate":
		return signMandate(args[1:], out)
	case "submit":
		return submit(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "payctl commands:")
	fmt.Fprintln(out, "  gen-key --out-private private.pem --out-public public.key")
	fmt.Fprintln(out, "  sign-mandate --mandate mandate.json --private private.pem")
	fmt.Fprintln(out, "  submit --plan plan.json --gateway http://localhost:8080")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func genKey(args []string, out io.Writer) error {
	fs := newFlagSet("gen-key")
	outPriv := fs.String("out-private", "private.pem", "private key output")
	outPub := fs.String("out-public", "public.key", "public key output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	pemKey, err := credential.EncodeSigningKey(priv)
	if err != nil {
		return fmt.Errorf("encode private key: %w", err)
	}
	if err := os.WriteFile(*outPriv, []byte(pemKey), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(*outPub, []byte(base64.StdEncoding.EncodeToString(pub)), 0o600); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	fmt.Fprintf(out, "wrote %s and %s\n", *outPriv, *outPub)
	return nil
}

func signMandate(args []string, out io.Writer) error {
	fs := newFlagSet("sign-mandate")
	mandatePath := fs.String("mandate", "", "mandate json path")
	privatePath := fs.String("private", "", "PEM private key path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *mandatePath == "" || *privatePath == "" {
		return errors.New("mandate and private required")
	}
	raw, err := os.ReadFile(*mandatePath)
	if err != nil {
		return fmt.Errorf("read mandate: %w", err)
	}
	var m models.Mandate
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("decode mandate: %w", err)
	}
	pemRaw, err := os.ReadFile(*privatePath)
	if err != nil {
		return fmt.Errorf("read private key: %w", err)
	}
	key, err := credential.ParseSigningKey(string(pemRaw))
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}
	token, err := credential.Issue(m, key, time.Now())
	if err != nil {
		return fmt.Errorf("issue credential: %w", err)
	}
	fmt.Fprintln(out, token)
	return nil
}

func submit(args []string, out io.Writer) error {
	fs := newFlagSet("submit")
	planPath := fs.String("plan", "", "payment plan json path")
	gateway := fs.String("gateway", "http://localhost:8080", "gateway base url")
	timeoutMS := fs.Int("timeout-ms", 10000, "request timeout in ms")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *planPath == "" {
		return errors.New("plan required")
	}
	raw, err := os.ReadFile(*planPath)
	if err != nil {
		return fmt.Errorf("read plan: %w", err)
	}
	var p models.PaymentPlan
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode plan: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*time.Duration(*timeoutMS))
	defer cancel()
	client := &http.Client{Timeout: time.Millisecond * time.Duration(*timeoutMS)}
	status, body, err := httpx.RequestJSON(ctx, client, http.MethodPost, *gateway+"/api/execute", raw, nil, 0, 0)
	if err != nil {
		return fmt.Errorf("submit plan: %w", err)
	}
	fmt.Fprintf(out, "%d\n%s\n", status, body)
	if status >= 400 {
		return fmt.Errorf("gateway returned %d", status)
	}
	return nil
}
