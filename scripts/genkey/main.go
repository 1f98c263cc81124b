// genkey bootstraps the credentials a Denwa control plane needs.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go [-dir data] [-operator-key KEY]
//
// Writes an Ed25519 pair for operator and call token signing:
//
//	<dir>/jwt_private.pem  (mode 0600)
//	<dir>/jwt_public.pem   (mode 0600)
//
// Point DENWA_JWT_PRIVATE_KEY and DENWA_JWT_PUBLIC_KEY at them. When
// -operator-key is given, the Argon2id hash for DENWA_OPERATOR_KEY_HASH is
// printed as well; keys shorter than auth.MinOperatorKeyLen are refused.
// Existing key files are never overwritten.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ashita-ai/denwa/internal/auth"
)

func main() {
	dir := flag.String("dir", "data", "directory for the key pair")
	operatorKey := flag.String("operator-key", "", "operator API key to hash (optional)")
	skipKeys := flag.Bool("hash-only", false, "only print the operator key hash")
	flag.Parse()

	if *operatorKey != "" {
		if err := auth.ValidateOperatorKey(*operatorKey); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(2)
		}
	}
	if !*skipKeys {
		if err := writeKeyPair(*dir); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}

	if *operatorKey != "" {
		hash, err := auth.HashAPIKey(*operatorKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("DENWA_OPERATOR_KEY_HASH=%s\n", hash)
	} else if *skipKeys {
		fmt.Fprintln(os.Stderr, "error: -hash-only requires -operator-key")
		os.Exit(2)
	}
}

func writeKeyPair(dir string) error {
	privPath := filepath.Join(dir, "jwt_private.pem")
	pubPath := filepath.Join(dir, "jwt_public.pem")

	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	for _, path := range []string{privPath, pubPath} {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, delete it first to rotate keys", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", path, err)
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}

	if err := writePEM(privPath, "PRIVATE KEY", privDER); err != nil {
		return err
	}
	if err := writePEM(pubPath, "PUBLIC KEY", pubDER); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", privPath)
	fmt.Printf("wrote %s\n", pubPath)
	return nil
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
