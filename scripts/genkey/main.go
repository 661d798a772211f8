// genkey generates the Ed25519 key pair Kobo uses to sign and verify bearer
// tokens, and can mint a token from an existing pair for local testing.
//
// Usage (run from the repo root):
//
//	go run ./scripts/genkey
//	go run ./scripts/genkey -mint -role member -workspace <uuid> [-workspace <uuid>]
//
// Key generation writes:
//
//	data/jwt_private.pem  (mode 0600, keep this secret)
//	data/jwt_public.pem   (mode 0600)
//
// Point KOBO_JWT_PRIVATE_KEY and KOBO_JWT_PUBLIC_KEY at these files. Without
// a public key the server runs with authentication disabled.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kobo/internal/auth"
)

// uuidList collects repeated -workspace flags.
type uuidList []uuid.UUID

func (l *uuidList) String() string {
	parts := make([]string, len(*l))
	for i, id := range *l {
		parts[i] = id.String()
	}
	return strings.Join(parts, ",")
}

func (l *uuidList) Set(v string) error {
	id, err := uuid.Parse(v)
	if err != nil {
		return fmt.Errorf("invalid workspace id %q", v)
	}
	*l = append(*l, id)
	return nil
}

func main() {
	dir := flag.String("dir", "data", "directory holding the key pair")
	mint := flag.Bool("mint", false, "issue a token from the existing key pair instead of generating keys")
	role := flag.String("role", string(auth.RoleMember), "token role: member or admin")
	subject := flag.String("user", "", "subject user id (random when empty)")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	var workspaces uuidList
	flag.Var(&workspaces, "workspace", "workspace id the token may access (repeatable)")
	flag.Parse()

	privPath := filepath.Join(*dir, "jwt_private.pem")
	pubPath := filepath.Join(*dir, "jwt_public.pem")

	var err error
	if *mint {
		err = mintToken(privPath, pubPath, auth.Role(*role), *subject, *ttl, workspaces)
	} else {
		err = generate(*dir, privPath, pubPath)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func generate(dir, privPath, pubPath string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}

	// Refuse to overwrite: rotating keys invalidates every issued token.
	for _, path := range []string{privPath, pubPath} {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists; delete it first to rotate keys", path)
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
	if err := writePEM(privPath, "PRIVATE KEY", privDER); err != nil {
		return err
	}

	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	if err := writePEM(pubPath, "PUBLIC KEY", pubDER); err != nil {
		return err
	}

	fmt.Printf("wrote %s\n", privPath)
	fmt.Printf("wrote %s\n", pubPath)
	fmt.Printf("export KOBO_JWT_PRIVATE_KEY=%s KOBO_JWT_PUBLIC_KEY=%s\n", privPath, pubPath)
	return nil
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func mintToken(privPath, pubPath string, role auth.Role, subject string, ttl time.Duration, workspaces []uuid.UUID) error {
	if role != auth.RoleMember && role != auth.RoleAdmin {
		return fmt.Errorf("unknown role %q", role)
	}
	if role == auth.RoleMember && len(workspaces) == 0 {
		return fmt.Errorf("a member token needs at least one -workspace")
	}

	userID := uuid.New()
	if subject != "" {
		id, err := uuid.Parse(subject)
		if err != nil {
			return fmt.Errorf("invalid user id %q", subject)
		}
		userID = id
	}

	mgr, err := auth.NewJWTManager(privPath, pubPath, ttl)
	if err != nil {
		return err
	}
	token, exp, err := mgr.IssueToken(userID, role, workspaces)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "user %s, role %s, expires %s\n", userID, role, exp.Format(time.RFC3339))
	fmt.Println(token)
	return nil
}
