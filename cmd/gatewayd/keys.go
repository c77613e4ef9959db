package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aryangodara/apigateway"
	"github.com/aryangodara/apigateway/config"
	"github.com/aryangodara/apigateway/keystore"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys in the gateway's key store",
}

var keysCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Issue a new API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		permissions, _ := cmd.Flags().GetStringSlice("permission")
		requests, _ := cmd.Flags().GetUint64("rate-requests")
		window, _ := cmd.Flags().GetDuration("rate-window")
		strategy, _ := cmd.Flags().GetString("rate-strategy")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		spec := apigateway.KeySpec{Name: args[0], Permissions: permissions}
		if requests > 0 {
			spec.RateLimit = &apigateway.RateLimitPolicy{
				Requests:  requests,
				Window:    window,
				Algorithm: apigateway.Algorithm(strategy),
			}
		}
		if ttl > 0 {
			expires := time.Now().Add(ttl)
			spec.ExpiresAt = &expires
		}

		store, err := openKeyStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		issued, err := store.CreateAPIKey(context.Background(), spec)
		if err != nil {
			return err
		}
		fmt.Printf("ID:     %s\n", issued.ID)
		fmt.Printf("Secret: %s\n", issued.Secret)
		fmt.Println()
		fmt.Println("The secret is shown once and cannot be recovered.")
		return nil
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke ID",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openKeyStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.RevokeAPIKey(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Revoked %s\n", args[0])
		return nil
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openKeyStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		keys, err := store.ListAPIKeys(context.Background())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tENABLED\tCREATED\tLAST USED")
		for _, k := range keys {
			lastUsed := "never"
			if k.LastUsedAt != nil {
				lastUsed = k.LastUsedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", k.ID, k.Name, k.Enabled, k.CreatedAt.Format(time.RFC3339), lastUsed)
		}
		return w.Flush()
	},
}

func init() {
	keysCmd.AddCommand(keysCreateCmd)
	keysCmd.AddCommand(keysRevokeCmd)
	keysCmd.AddCommand(keysListCmd)

	keysCreateCmd.Flags().StringSlice("permission", nil, "Permission granted to the key (repeatable)")
	keysCreateCmd.Flags().Uint64("rate-requests", 0, "Per-key rate limit, requests per window")
	keysCreateCmd.Flags().Duration("rate-window", time.Minute, "Per-key rate limit window")
	keysCreateCmd.Flags().String("rate-strategy", "", "Per-key rate limit strategy: fixed, sliding or token_bucket")
	keysCreateCmd.Flags().Duration("ttl", 0, "Key lifetime; zero never expires")
}

// openKeyStore opens the bolt store named by the configuration. The gateway
// must not be running against the same file, bolt holds an exclusive lock.
func openKeyStore(cmd *cobra.Command) (*keystore.BoltStore, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cfg.KeyStore.Path == "" {
		return nil, errors.New("keyStore.path is not set; keys issued without a persistent store would be lost")
	}
	return keystore.Open(cfg.KeyStore.Path, time.Now)
}
