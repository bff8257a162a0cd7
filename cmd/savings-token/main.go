// Command savings-token mints HS256 bearer tokens for the savings daemon and
// can create the account key a user token is bound to.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"stakesavings/cmd/internal/passphrase"
	"stakesavings/crypto"
	"stakesavings/gateway/middleware"
	"stakesavings/services/savingsd/config"
)

const keystorePassphraseEnv = "SAVINGS_KEYSTORE_PASSPHRASE"

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "savings-token:", err)
		os.Exit(1)
	}
}

type options struct {
	subject  string
	scopes   []string
	ttl      time.Duration
	issuer   string
	audience string
	newKey   string
	keystore string
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("savings-token", flag.ContinueOnError)
	fs.StringVar(&opts.subject, "subject", "", "token subject, an account address for user tokens")
	fs.StringSliceVar(&opts.scopes, "scope", []string{middleware.ScopeUser}, "scopes to grant")
	fs.DurationVar(&opts.ttl, "ttl", time.Hour, "token lifetime, zero for no expiry")
	fs.StringVar(&opts.issuer, "issuer", "", "issuer claim")
	fs.StringVar(&opts.audience, "audience", "", "audience claim")
	fs.StringVar(&opts.newKey, "new-key", "", "generate an account key into this keystore file and use its address as subject")
	fs.StringVar(&opts.keystore, "keystore", "", "use the address of an existing keystore file as subject")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.newKey != "" && opts.keystore != "" {
		return options{}, errors.New("--new-key and --keystore are mutually exclusive")
	}
	return opts, nil
}

func run(args []string, out io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	subject := strings.TrimSpace(opts.subject)
	switch {
	case opts.newKey != "":
		addr, err := generateAccount(opts.newKey)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "account:", addr)
		subject = addr.String()
	case opts.keystore != "":
		addr, err := accountFromKeystore(opts.keystore)
		if err != nil {
			return err
		}
		subject = addr.String()
	}

	secret, err := passphrase.NewSource(config.SecretEnv, "token signing secret").Get()
	if err != nil {
		return err
	}
	cfg := middleware.AuthConfig{
		Enabled:    true,
		HMACSecret: secret,
		Issuer:     strings.TrimSpace(opts.issuer),
		Audience:   strings.TrimSpace(opts.audience),
	}
	token, err := middleware.IssueToken(cfg, subject, opts.scopes, opts.ttl, time.Now())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

func generateAccount(path string) (crypto.Address, error) {
	pass, err := passphrase.NewSource(keystorePassphraseEnv, "keystore passphrase").Get()
	if err != nil {
		return crypto.Address{}, err
	}
	key, err := crypto.NewAccountKey()
	if err != nil {
		return crypto.Address{}, fmt.Errorf("generate key: %w", err)
	}
	if err := crypto.DefaultKeystore.Save(path, key, pass); err != nil {
		return crypto.Address{}, fmt.Errorf("write keystore: %w", err)
	}
	return key.Address(), nil
}

func accountFromKeystore(path string) (crypto.Address, error) {
	pass, err := passphrase.NewSource(keystorePassphraseEnv, "keystore passphrase").Get()
	if err != nil {
		return crypto.Address{}, err
	}
	key, err := crypto.DefaultKeystore.Load(path, pass)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("open keystore: %w", err)
	}
	return key.Address(), nil
}
