package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"

	"github.com/hutchhq/hutch/pkg/client"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a manifest file",
	Long: `Apply hutch resources from a YAML manifest. A file may hold several
documents separated by ---.

Examples:
  # Deploy (or hot-swap) a service
  hutch apply -f service.yaml

  # Apply a whole environment
  hutch apply -f env.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML manifest to apply (required)")
	applyCmd.Flags().String("key", "", "Vault master key for Secret resources (else HUTCH_VAULT_KEY)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// Resource is one manifest document.
type Resource struct {
	APIVersion string         `yaml:"apiVersion"`
	Kind       string         `yaml:"kind"`
	Metadata   Metadata       `yaml:"metadata"`
	Spec       map[string]any `yaml:"spec"`
}

type Metadata struct {
	Name string `yaml:"name"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("open manifest: %v", err)
	}
	defer f.Close()

	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	dec := yaml.NewDecoder(f)
	for {
		var res Resource
		if err := dec.Decode(&res); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("parse manifest: %v", err)
		}
		if res.Kind == "" {
			continue
		}
		if res.Metadata.Name == "" {
			return fmt.Errorf("%s resource missing metadata.name", res.Kind)
		}

		switch res.Kind {
		case "Service":
			err = applyService(cmd, c, &res, filepath.Dir(filename))
		case "Secret":
			err = applySecret(cmd, c, &res)
		case "Capability":
			err = applyCapability(cmd, c, &res)
		default:
			err = fmt.Errorf("unsupported resource kind: %s", res.Kind)
		}
		if err != nil {
			return err
		}
	}
}

// applyService deploys the service, hot-swapping instead when it already
// runs, so apply is idempotent.
func applyService(cmd *cobra.Command, c *client.Client, res *Resource, baseDir string) error {
	code := getString(res.Spec, "code", "")
	if file := getString(res.Spec, "codeFile", ""); file != "" {
		if !filepath.IsAbs(file) {
			file = filepath.Join(baseDir, file)
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read codeFile: %v", err)
		}
		code = string(data)
	}
	if code == "" {
		return fmt.Errorf("service %s: spec.code or spec.codeFile is required", res.Metadata.Name)
	}
	format := getString(res.Spec, "format", "")

	ctx, cancel := cmdCtx()
	defer cancel()
	h, err := c.Deploy(ctx, res.Metadata.Name, code, format)
	if status.Code(err) == codes.AlreadyExists {
		window := time.Duration(getInt(res.Spec, "rollbackWindowMs", 0)) * time.Millisecond
		result, swapErr := c.Swap(ctx, res.Metadata.Name, code, window)
		if swapErr != nil {
			return swapErr
		}
		fmt.Printf("✓ Swapped service %s: v%d -> v%d\n", res.Metadata.Name, result.OldVersion, result.NewVersion)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("✓ Deployed service %s (worker %s)\n", res.Metadata.Name, h.ID)
	return nil
}

func applySecret(cmd *cobra.Command, c *client.Client, res *Resource) error {
	key, err := vaultKey(cmd)
	if err != nil {
		return err
	}
	value := getString(res.Spec, "value", "")
	if value == "" {
		return fmt.Errorf("secret %s: spec.value is required", res.Metadata.Name)
	}

	ctx, cancel := cmdCtx()
	defer cancel()
	if err := c.SetSecret(ctx, res.Metadata.Name, []byte(value), key); err != nil {
		return err
	}
	fmt.Printf("✓ Stored secret %s\n", res.Metadata.Name)
	return nil
}

func applyCapability(cmd *cobra.Command, c *client.Client, res *Resource) error {
	perms := getStrings(res.Spec, "permissions")
	if len(perms) == 0 {
		return fmt.Errorf("capability %s: spec.permissions is required", res.Metadata.Name)
	}
	ttl := time.Duration(getInt(res.Spec, "ttlSeconds", 3600)) * time.Second

	ctx, cancel := cmdCtx()
	defer cancel()
	token, grant, err := c.GrantCapability(ctx, res.Metadata.Name, perms, ttl)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Granted capability on %s\n", grant.Resource)
	fmt.Printf("  Token:      %s\n", token)
	fmt.Printf("  Token hash: %s\n", grant.TokenHash)
	return nil
}

func getString(spec map[string]any, key, def string) string {
	if v, ok := spec[key].(string); ok {
		return v
	}
	return def
}

func getInt(spec map[string]any, key string, def int) int {
	switch v := spec[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func getStrings(spec map[string]any, key string) []string {
	raw, ok := spec[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
