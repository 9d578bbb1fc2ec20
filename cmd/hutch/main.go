package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/hutchhq/hutch/pkg/client"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	flagAddr    string
	flagTenant  string
	flagTLS     bool
	flagCertDir string
	flagTimeout time.Duration
)

func main() {
	// A local .env feeds HUTCH_* variables before flags are parsed.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hutch",
	Short: "Hutch - multi-tenant service kernel",
	Long: `Hutch runs sandboxed Lua services under supervision: deploy, hot-swap
and invoke them over gRPC or HTTP, with an append-only event log,
per-tenant encrypted vaults, capability tokens, and admission control
built into one binary.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hutch version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&flagAddr, "addr", envOr("HUTCH_ADDR", "localhost:50051"), "gRPC gateway address")
	rootCmd.PersistentFlags().StringVar(&flagTenant, "tenant", os.Getenv("HUTCH_TENANT"), "Tenant id sent with every call")
	rootCmd.PersistentFlags().BoolVar(&flagTLS, "tls", false, "Connect with TLS")
	rootCmd.PersistentFlags().StringVar(&flagCertDir, "cert-dir", envOr("HUTCH_CERT_DIR", ""), "Certificate directory for TLS")
	rootCmd.PersistentFlags().DurationVar(&flagTimeout, "timeout", 30*time.Second, "Per-call timeout")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Hutch version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
		},
	})
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newClient() (*client.Client, error) {
	return client.New(client.Options{
		Addr:    flagAddr,
		Tenant:  flagTenant,
		TLS:     flagTLS,
		CertDir: flagCertDir,
	})
}

func cmdCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), flagTimeout)
}

// readCode loads service source from a file, or stdin when path is "-".
func readCode(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %v", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %v", path, err)
	}
	return string(data), nil
}
