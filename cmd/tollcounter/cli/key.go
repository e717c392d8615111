package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tollcounter/tollcounter/internal/model"
	"github.com/tollcounter/tollcounter/internal/service"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Create, list, and revoke API keys used to authenticate against the gateway.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())

	return cmd
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long:  "Generate a new API key. The raw key is shown once and cannot be retrieved again.",
		Example: `  tollcounter key create --name "CI pipeline"
  tollcounter key create --name staging`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyCreate(name)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Human-readable name for the key (required)")
	cmd.MarkFlagRequired("name")

	return cmd
}

func runKeyCreate(name string) error {
	ctx := context.Background()

	store, err := openStore(ctx)
	if err != nil {
		return fmt.Errorf("open gateway store: %w", err)
	}
	defer store.Close()

	issued, err := service.GenerateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	apiKey := &model.APIKey{
		Name:      name,
		KeyHash:   issued.Hash,
		KeyPrefix: issued.Prefix,
		IsActive:  true,
	}
	if err := store.CreateAPIKey(ctx, apiKey); err != nil {
		return fmt.Errorf("create api key: %w", err)
	}

	fmt.Println("API key created:")
	fmt.Println()
	fmt.Printf("  Key:  %s\n", issued.Secret)
	fmt.Printf("  Name: %s\n", name)
	fmt.Println()
	fmt.Println("  Save this key now - it cannot be retrieved again.")
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runKeyList(jsonOutput bool) error {
	ctx := context.Background()

	store, err := openStore(ctx)
	if err != nil {
		return fmt.Errorf("open gateway store: %w", err)
	}
	defer store.Close()

	keys, err := store.ListAPIKeys(ctx)
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}

	type keyRow struct {
		ID       int64  `json:"id"`
		Prefix   string `json:"prefix"`
		Name     string `json:"name"`
		Active   bool   `json:"active"`
		LastUsed string `json:"last_used,omitempty"`
	}

	rows := make([]keyRow, len(keys))
	for i, k := range keys {
		lastUsed := ""
		if k.LastUsedAt != nil {
			lastUsed = k.LastUsedAt.Format("2006-01-02 15:04:05")
		}
		rows[i] = keyRow{
			ID:       k.ID,
			Prefix:   k.KeyPrefix,
			Name:     k.Name,
			Active:   k.IsActive,
			LastUsed: lastUsed,
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No API keys configured. Use 'tollcounter key create' to create one.")
		return nil
	}

	fmt.Printf("%-6s %-12s %-24s %-8s %-20s\n", "ID", "PREFIX", "NAME", "ACTIVE", "LAST USED")
	fmt.Printf("%-6s %-12s %-24s %-8s %-20s\n", "--", "------", "----", "------", "---------")
	for _, k := range rows {
		active := "yes"
		if !k.Active {
			active = "no"
		}
		lastUsed := k.LastUsed
		if lastUsed == "" {
			lastUsed = "never"
		}
		fmt.Printf("%-6d %-12s %-24s %-8s %-20s\n", k.ID, k.Prefix, k.Name, active, lastUsed)
	}

	return nil
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <prefix>",
		Short: "Revoke an API key by its prefix",
		Long:  "Deactivate an API key, preventing any further authenticated requests using that key.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRevoke(args[0])
		},
	}

	return cmd
}

func runKeyRevoke(prefix string) error {
	ctx := context.Background()

	store, err := openStore(ctx)
	if err != nil {
		return fmt.Errorf("open gateway store: %w", err)
	}
	defer store.Close()

	keys, err := store.ListAPIKeys(ctx)
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}

	var matched *model.APIKey
	for i := range keys {
		if strings.HasPrefix(keys[i].KeyPrefix, prefix) {
			if matched != nil {
				return fmt.Errorf("prefix %q is ambiguous, give more characters", prefix)
			}
			matched = &keys[i]
		}
	}
	if matched == nil {
		return fmt.Errorf("no API key found with prefix %q", prefix)
	}

	if err := store.RevokeAPIKey(ctx, matched.ID); err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}

	fmt.Printf("Revoked API key %q (prefix %s)\n", matched.Name, matched.KeyPrefix)
	return nil
}
