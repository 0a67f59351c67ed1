package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/agrimarket/agrimarket/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL   string
	cfgFile     string
	adminSecret string
	outFormat   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cropctl",
	Short: "agrimarket operator CLI",
	Long: `cropctl is the command-line interface for operating an agrimarket server.

It audits the hash-chained ledger, inspects listings and trust scores,
triggers expiry sweeps and mints development tokens.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.cropctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("cropctl")
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if adminSecret == "" {
			adminSecret = viper.GetString("admin_secret")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.cropctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "marketd base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&adminSecret, "admin-secret", "", "admin secret for admin commands (or CROPCTL_ADMIN_SECRET)")
	rootCmd.PersistentFlags().StringVar(&outFormat, "format", "text", "Output format: text or json")

	rootCmd.AddCommand(versionCmd)
}

// publicClient returns an unauthenticated client.
func publicClient() (*client.Client, error) {
	return client.New(serverURL)
}

// adminClient returns a client that exchanges the admin secret on first use.
func adminClient() (*client.Client, error) {
	if adminSecret == "" {
		return nil, fmt.Errorf("admin secret required: pass --admin-secret or set CROPCTL_ADMIN_SECRET")
	}
	return client.New(serverURL, client.WithAdminSecret(adminSecret))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the cropctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cropctl %s (agrimarket)\n", version)
	},
}
