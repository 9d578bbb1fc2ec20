package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// vaultKey resolves the master key: --key flag first, then HUTCH_VAULT_KEY.
// The key never leaves the process except inside the one call that uses it.
func vaultKey(cmd *cobra.Command) ([]byte, error) {
	key, _ := cmd.Flags().GetString("key")
	if key == "" {
		key = os.Getenv("HUTCH_VAULT_KEY")
	}
	if key == "" {
		return nil, fmt.Errorf("master key required: --key or HUTCH_VAULT_KEY")
	}
	return []byte(key), nil
}

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage the tenant's encrypted vault",
}

var secretSetCmd = &cobra.Command{
	Use:   "set NAME VALUE",
	Short: "Store a secret",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := vaultKey(cmd)
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := cmdCtx()
		defer cancel()
		if err := c.SetSecret(ctx, args[0], []byte(args[1]), key); err != nil {
			return err
		}
		fmt.Printf("✓ Stored secret %s\n", args[0])
		return nil
	},
}

var secretGetCmd = &cobra.Command{
	Use:   "get NAME",
	Short: "Decrypt and print a secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := vaultKey(cmd)
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := cmdCtx()
		defer cancel()
		value, err := c.GetSecret(ctx, args[0], key)
		if err != nil {
			return err
		}
		fmt.Println(string(value))
		return nil
	},
}

var secretRmCmd = &cobra.Command{
	Use:   "rm NAME",
	Short: "Remove a secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := cmdCtx()
		defer cancel()
		if err := c.DeleteSecret(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Removed secret %s\n", args[0])
		return nil
	},
}

var secretLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List secret names",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := cmdCtx()
		defer cancel()
		names, err := c.ListSecrets(ctx)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Println("No secrets stored")
			return nil
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	},
}

var capCmd = &cobra.Command{
	Use:   "cap",
	Short: "Manage capability tokens",
}

var capGrantCmd = &cobra.Command{
	Use:   "grant RESOURCE",
	Short: "Mint a capability token",
	Long: `Mint a bearer token granting permissions on a resource. The token is
printed exactly once; only its hash is stored.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		permsRaw, _ := cmd.Flags().GetString("perms")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		perms := strings.Split(permsRaw, ",")
		for i := range perms {
			perms[i] = strings.TrimSpace(perms[i])
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := cmdCtx()
		defer cancel()
		token, grant, err := c.GrantCapability(ctx, args[0], perms, ttl)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Granted %s on %s\n", strings.Join(grant.Permissions, ","), grant.Resource)
		fmt.Printf("  Token:      %s\n", token)
		fmt.Printf("  Token hash: %s\n", grant.TokenHash)
		fmt.Printf("  Expires:    %s (%s)\n", grant.ExpiresAt.Format(time.RFC3339), humanize.Time(grant.ExpiresAt))
		return nil
	},
}

var capVerifyCmd = &cobra.Command{
	Use:   "verify TOKEN RESOURCE PERMISSION",
	Short: "Check a token against a resource and permission",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := cmdCtx()
		defer cancel()
		grant, err := c.VerifyCapability(ctx, args[0], args[1], args[2])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Valid until %s\n", grant.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

var capRevokeCmd = &cobra.Command{
	Use:   "revoke TOKEN_HASH",
	Short: "Revoke a capability by its stored hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := cmdCtx()
		defer cancel()
		if err := c.RevokeCapability(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Revoked %s\n", args[0])
		return nil
	},
}

func init() {
	secretSetCmd.Flags().String("key", "", "Vault master key (else HUTCH_VAULT_KEY)")
	secretGetCmd.Flags().String("key", "", "Vault master key (else HUTCH_VAULT_KEY)")

	secretCmd.AddCommand(secretSetCmd)
	secretCmd.AddCommand(secretGetCmd)
	secretCmd.AddCommand(secretRmCmd)
	secretCmd.AddCommand(secretLsCmd)

	capGrantCmd.Flags().String("perms", "", "Comma-separated permissions (required)")
	capGrantCmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	_ = capGrantCmd.MarkFlagRequired("perms")

	capCmd.AddCommand(capGrantCmd)
	capCmd.AddCommand(capVerifyCmd)
	capCmd.AddCommand(capRevokeCmd)

	rootCmd.AddCommand(secretCmd)
	rootCmd.AddCommand(capCmd)
}
