package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/agrimarket/agrimarket/internal/identity"
	"github.com/spf13/cobra"
)

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenUser      string
	tokenRole      string
	tokenKeyFile   string
	tokenIssuerURL string
	tokenTTL       time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a session token with the server's signing key",
	Long: `token signs a user session token with the key marketd loads from
identity.key_file. Use it for development and for integrating the account
service, which vouches for users by holding the same key.

  cropctl token --user farmer-1 --role farmer`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := identity.NewKeyStore(tokenKeyFile).Load()
		if err != nil {
			return err
		}
		tok, err := identity.NewTokenIssuer(key, tokenIssuerURL, tokenTTL).Issue(tokenUser, tokenRole)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

// ── hash-secret ──────────────────────────────────────────────────────────────

var hashSecretCmd = &cobra.Command{
	Use:   "hash-secret [secret]",
	Short: "Print the bcrypt hash of an admin secret",
	Long: `hash-secret prints the value for identity.admin_secret_hash. The secret
is read from the argument, or from stdin when no argument is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var secret string
		if len(args) == 1 {
			secret = args[0]
		} else {
			fmt.Fprint(os.Stderr, "Admin secret: ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read secret: %w", err)
			}
			secret = strings.TrimSpace(line)
		}
		hash, err := identity.HashSecret(secret)
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User ID (required)")
	tokenCmd.Flags().StringVar(&tokenRole, "role", identity.RoleBuyer, "Role: farmer or buyer")
	tokenCmd.Flags().StringVar(&tokenKeyFile, "key-file", "keys/signing.pem", "Signing key PEM")
	tokenCmd.Flags().StringVar(&tokenIssuerURL, "issuer", "http://localhost:8080", "Issuer URL; must match marketd's identity.issuer_url")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(hashSecretCmd)
}
