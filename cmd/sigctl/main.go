// Command sigctl produces the client side of the gateway protocols: request
// signatures, envelope tokens, ticket-encrypted payloads and sealed secrets.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"mediagate/pkg/auth"
	"mediagate/pkg/models"
)

// Testable variables for main()
var (
	osExit = os.Exit
	nowFn  = time.Now
)

var (
	headerColor = color.New(color.FgCyan)
	okColor     = color.New(color.FgGreen)
)

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
	case "sign":
		return sign(args[1:], out)
	case "envelope":
		return envelope(args[1:], out)
	case "ticket-encrypt":
		return ticketEncrypt(args[1:], out)
	case "seal":
		return seal(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "sigctl commands:")
	fmt.Fprintln(out, "  gen-key --bits 2048 --out-private private.pem --out-public public.pem")
	fmt.Fprintln(out, "  sign --app-id <id> (--secret <s> | --private private.pem) --body body.json [--include-path --method POST --path /v1/media/extract]")
	fmt.Fprintln(out, "  envelope (--secret <s> | --private private.pem) --ttl 5m [--pack-id p --session-id s]")
	fmt.Fprintln(out, "  ticket-encrypt --ticket <ticket> --payload payload.json")
	fmt.Fprintln(out, "  seal --value <secret> [--passphrase $KEYSTORE_ENCRYPTION_KEY --salt <salt>]")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func printHeader(out io.Writer, name, value string) {
	headerColor.Fprintf(out, "%s: ", name)
	fmt.Fprintln(out, value)
}

func genKey(args []string, out io.Writer) error {
	fs := newFlagSet("gen-key")
	bits := fs.Int("bits", 2048, "RSA key size")
	outPriv := fs.String("out-private", "private.pem", "private key output")
	outPub := fs.String("out-public", "public.pem", "public key output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *bits < 2048 {
		return fmt.Errorf("bits must be at least 2048, got %d", *bits)
	}
	priv, err := rsa.GenerateKey(rand.Reader, *bits)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	privPEM, pubPEM, err := auth.EncodeRSAKeys(priv)
	if err != nil {
		return fmt.Errorf("encode key: %w", err)
	}
	if err := os.WriteFile(*outPriv, []byte(privPEM), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(*outPub, []byte(pubPEM), 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	okColor.Fprintf(out, "wrote %s and %s\n", *outPriv, *outPub)
	return nil
}

func readPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	priv, err := auth.ParseRSAPrivateKey(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return priv, nil
}

// sign prints the headers a client attaches to a signed request.
func sign(args []string, out io.Writer) error {
	fs := newFlagSet("sign")
	appID := fs.String("app-id", "", "application id or name")
	secret := fs.String("secret", "", "HMAC secret")
	privatePath := fs.String("private", "", "RSA private key (PEM)")
	bodyPath := fs.String("body", "", "request body file")
	method := fs.String("method", http.MethodPost, "request method")
	path := fs.String("path", "/v1/media/extract", "request path")
	includePath := fs.Bool("include-path", false, "prefix METHOD and path")
	canonicalJSON := fs.Bool("canonical-json", false, "canonicalize a JSON body")
	padding := fs.String("padding", "", "RSA padding: pkcs1v15 or pss")
	keyVersion := fs.Int("key-version", 0, "key version header, 0 to omit")
	noTimestamp := fs.Bool("no-timestamp", false, "omit the timestamp")
	nonce := fs.String("nonce", "", "replay nonce header")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *appID == "" {
		return errors.New("app-id required")
	}
	if (*secret == "") == (*privatePath == "") {
		return errors.New("exactly one of secret or private required")
	}
	var body []byte
	if *bodyPath != "" {
		raw, err := os.ReadFile(*bodyPath)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		body = raw
	}

	req := &models.SignedRequest{Method: *method, Path: *path, Body: body, AppID: *appID}
	if !*noTimestamp {
		req.Timestamp = strconv.FormatInt(nowFn().Unix(), 10)
	}
	cfg := models.SignConfig{IncludePath: *includePath, CanonicalJSON: *canonicalJSON, Padding: *padding}
	canonical, err := auth.HMACProvider{}.Canonicalize(req, cfg)
	if err != nil {
		return fmt.Errorf("canonicalize: %w", err)
	}

	var signature string
	if *secret != "" {
		signature = auth.SignHMAC(*secret, canonical)
	} else {
		priv, err := readPrivateKey(*privatePath)
		if err != nil {
			return err
		}
		if signature, err = auth.SignRSA(priv, canonical, *padding); err != nil {
			return fmt.Errorf("sign: %w", err)
		}
	}

	printHeader(out, auth.HeaderAppID, *appID)
	if req.Timestamp != "" {
		printHeader(out, auth.HeaderTimestamp, req.Timestamp)
	}
	if *nonce != "" {
		printHeader(out, auth.HeaderNonce, *nonce)
	}
	if *keyVersion > 0 {
		printHeader(out, auth.HeaderKeyVersion, strconv.Itoa(*keyVersion))
	}
	printHeader(out, auth.HeaderSignature, signature)
	return nil
}

func envelope(args []string, out io.Writer) error {
	fs := newFlagSet("envelope")
	secret := fs.String("secret", "", "HMAC secret")
	privatePath := fs.String("private", "", "RSA private key (PEM)")
	padding := fs.String("padding", "", "RSA padding: pkcs1v15 or pss")
	ttl := fs.Duration("ttl", 5*time.Minute, "token lifetime")
	packID := fs.String("pack-id", "", "pack id claim")
	sessionID := fs.String("session-id", "", "session id claim")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if (*secret == "") == (*privatePath == "") {
		return errors.New("exactly one of secret or private required")
	}
	if *ttl <= 0 {
		return errors.New("ttl must be positive")
	}
	claims := auth.EnvelopeClaims{
		Exp:       nowFn().Add(*ttl).Unix(),
		PackID:    *packID,
		SessionID: *sessionID,
	}
	signer := auth.HMACEnvelopeSigner(*secret)
	if *privatePath != "" {
		priv, err := readPrivateKey(*privatePath)
		if err != nil {
			return err
		}
		claims.Alg = "rsa_sha256"
		signer = func(data []byte) ([]byte, error) {
			sig, err := auth.SignRSA(priv, data, *padding)
			if err != nil {
				return nil, err
			}
			return base64.StdEncoding.DecodeString(sig)
		}
	}
	token, err := auth.SealEnvelope(claims, signer)
	if err != nil {
		return fmt.Errorf("seal envelope: %w", err)
	}
	printHeader(out, auth.HeaderSignature, token)
	return nil
}

// ticketEncrypt prints the secure echo request body for a ticket.
func ticketEncrypt(args []string, out io.Writer) error {
	fs := newFlagSet("ticket-encrypt")
	ticket := fs.String("ticket", "", "ticket issued by the gateway")
	payloadPath := fs.String("payload", "", "payload file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*ticket) == "" || *payloadPath == "" {
		return errors.New("ticket and payload required")
	}
	plain, err := os.ReadFile(*payloadPath)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	data, iv, err := auth.EncryptPayload(auth.DeriveTicketKey(strings.TrimSpace(*ticket)), plain)
	if err != nil {
		return fmt.Errorf("encrypt payload: %w", err)
	}
	encoded, err := json.Marshal(map[string]string{"data": data, "iv": iv})
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(encoded))
	return nil
}

// seal encrypts a credential secret for storage in meta_app.private_key.
func seal(args []string, out io.Writer) error {
	fs := newFlagSet("seal")
	value := fs.String("value", "", "secret to seal")
	passphrase := fs.String("passphrase", os.Getenv("KEYSTORE_ENCRYPTION_KEY"), "encryption passphrase")
	salt := fs.String("salt", os.Getenv("KEYSTORE_ENCRYPTION_SALT"), "key derivation salt")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *value == "" || *passphrase == "" {
		return errors.New("value and passphrase required")
	}
	box, err := auth.NewSecretBox(*passphrase, *salt)
	if err != nil {
		return fmt.Errorf("secret box: %w", err)
	}
	sealed, err := box.Seal(*value)
	if err != nil {
		return fmt.Errorf("seal: %w", err)
	}
	fmt.Fprintln(out, sealed)
	return nil
}
