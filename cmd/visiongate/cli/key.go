package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/visiongate/visiongate/internal/model"
	"github.com/visiongate/visiongate/internal/service"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long: `Create, inspect, update, and revoke API keys directly against the configured key store.

Commands that take a key accept the raw token, the ID shown by 'key list'
(or a unique prefix of it of at least 6 characters) or the masked key.
"-" reads the argument from stdin.`,
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyInfoCmd())
	cmd.AddCommand(newKeyUpdateCmd())
	cmd.AddCommand(newKeyRevokeCmd())
	cmd.AddCommand(newKeyRevokeUserCmd())
	cmd.AddCommand(newKeyDeleteCmd())
	cmd.AddCommand(newKeyStatsCmd())

	return cmd
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		userID     string
		name       string
		perms      []string
		ips        []string
		expiryDays int
		noExpiry   bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long: `Generate a new API key for a user. The raw key is shown once and cannot be retrieved again.

When stdout is not a terminal only the raw key is printed, so it can be captured by scripts.`,
		Example: `  visiongate key create --user alice --name "batch job"
  visiongate key create --user ops --perm admin --perm read --no-expiry
  visiongate key create --user kiosk --ip 10.0.0.7 --expiry-days 30`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []service.KeyOption
			if len(perms) > 0 {
				opts = append(opts, service.WithPermissions(perms...))
			}
			if len(ips) > 0 {
				opts = append(opts, service.WithIPWhitelist(ips...))
			}
			if noExpiry {
				opts = append(opts, service.WithoutExpiry())
			} else if cmd.Flags().Changed("expiry-days") {
				opts = append(opts, service.WithExpiryDays(expiryDays))
			}
			return runKeyCreate(userID, name, opts, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "Owner of the key (required)")
	cmd.Flags().StringVar(&name, "name", "", "Human-readable name for the key")
	cmd.Flags().StringSliceVar(&perms, "perm", nil, "Permission to grant (repeatable; default read,classify)")
	cmd.Flags().StringSliceVar(&ips, "ip", nil, "Client IP allowed to use the key (repeatable; default any)")
	cmd.Flags().IntVar(&expiryDays, "expiry-days", service.DefaultExpiryDays, "Days until the key expires")
	cmd.Flags().BoolVar(&noExpiry, "no-expiry", false, "Create a key that never expires")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagsMutuallyExclusive("expiry-days", "no-expiry")

	return cmd
}

func runKeyCreate(userID, name string, opts []service.KeyOption, jsonOutput bool) error {
	ctx := context.Background()
	keys, ks, err := openKeyManager(ctx)
	if err != nil {
		return err
	}
	defer ks.Close()

	rawKey, err := keys.GenerateAPIKey(ctx, userID, name, opts...)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	info, err := keys.LookupKey(ctx, rawKey)
	if err != nil {
		return fmt.Errorf("load api key: %w", err)
	}

	if jsonOutput {
		return printJSON(struct {
			Key string `json:"api_key"`
			*model.KeyInfo
		}{rawKey, info})
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Println(rawKey)
		return nil
	}

	fmt.Println("API Key created:")
	fmt.Println()
	fmt.Printf("  Key:         %s\n", rawKey)
	printKeyInfo(info)
	fmt.Println()
	fmt.Println("  Save this key now - it cannot be retrieved again.")
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		userID     string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List API keys",
		Long:    "List stored API keys, newest first. Keys are shown by ID and display prefix only.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(userID, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "Only list keys owned by this user")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runKeyList(userID string, jsonOutput bool) error {
	ctx := context.Background()
	keys, ks, err := openKeyManager(ctx)
	if err != nil {
		return err
	}
	defer ks.Close()

	var recs []model.APIKeyRecord
	if userID != "" {
		recs, err = keys.GetUserKeys(ctx, userID)
	} else {
		recs, err = keys.ListAPIKeys(ctx)
	}
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}

	if jsonOutput {
		type listed struct {
			ID string `json:"id"`
			model.APIKeyRecord
		}
		out := make([]listed, len(recs))
		for i := range recs {
			out[i] = listed{ID: recs[i].KeyHash, APIKeyRecord: recs[i]}
		}
		return printJSON(out)
	}

	if len(recs) == 0 {
		fmt.Println("No API keys found. Use 'visiongate key create' to create one.")
		return nil
	}

	now := time.Now()
	fmt.Printf("%-14s %-16s %-16s %-20s %-24s %-8s %8s\n", "ID", "KEY", "USER", "NAME", "PERMISSIONS", "STATUS", "USAGE")
	fmt.Printf("%-14s %-16s %-16s %-20s %-24s %-8s %8s\n", "--", "---", "----", "----", "-----------", "------", "-----")
	for i := range recs {
		k := &recs[i]
		fmt.Printf("%-14s %-16s %-16s %-20s %-24s %-8s %8d\n",
			listID(k.KeyHash), k.KeyPrefix+"...", k.UserID, k.Name, strings.Join(k.Permissions, ","), keyStatus(k, now), k.UsageCount)
	}
	return nil
}

// listID shortens a key ID for the table. The prefix is long enough to be
// accepted back by the other key commands.
func listID(id string) string {
	return id[:min(len(id), 12)]
}

func keyStatus(k *model.APIKeyRecord, now time.Time) string {
	switch {
	case !k.IsActive:
		return "revoked"
	case !k.Usable(now):
		return "expired"
	default:
		return "active"
	}
}

// ---------- key info ----------

func newKeyInfoCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "info <key|id|->",
		Short: "Show the details of an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyInfo(args[0], jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runKeyInfo(arg string, jsonOutput bool) error {
	ctx := context.Background()
	keys, ks, err := openKeyManager(ctx)
	if err != nil {
		return err
	}
	defer ks.Close()

	id, err := keyRefArg(ctx, keys, arg)
	if err != nil {
		return err
	}
	info, err := keys.LookupKeyByID(ctx, id)
	if err != nil {
		return keyErr("look up api key", err)
	}
	if jsonOutput {
		return printJSON(info)
	}
	printKeyInfo(info)
	return nil
}

// ---------- key update ----------

func newKeyUpdateCmd() *cobra.Command {
	var (
		name        string
		perms       []string
		ips         []string
		expiresAt   string
		clearExpiry bool
	)

	cmd := &cobra.Command{
		Use:   "update <key|id|->",
		Short: "Update the name, permissions, IP whitelist or expiry of a key",
		Long: `Change mutable attributes of a key. Only the flags given are applied.
Passing --perm "" or --ip "" clears the set. Revoked keys stay revoked.`,
		Example: `  visiongate key update vg_... --name "renamed"
  visiongate key update - --perm read --perm classify < key.txt
  visiongate key update 3f9a1c27b0e4 --expires-at 2027-01-01T00:00:00Z`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var upd model.KeyUpdate
			flags := cmd.Flags()
			if flags.Changed("name") {
				upd.Name = &name
			}
			if flags.Changed("perm") {
				upd.SetPermissions = true
				upd.Permissions = nonEmpty(perms)
			}
			if flags.Changed("ip") {
				upd.SetIPWhitelist = true
				upd.IPWhitelist = nonEmpty(ips)
			}
			if expiresAt != "" {
				t, err := time.Parse(time.RFC3339, expiresAt)
				if err != nil {
					return fmt.Errorf("invalid --expires-at: %w", err)
				}
				upd.ExpiresAt = &t
			}
			upd.ClearExpiry = clearExpiry
			if upd.Empty() {
				return errors.New("nothing to update (see --help)")
			}
			return runKeyUpdate(args[0], upd)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "New name")
	cmd.Flags().StringSliceVar(&perms, "perm", nil, "Replace the permission set (repeatable)")
	cmd.Flags().StringSliceVar(&ips, "ip", nil, "Replace the IP whitelist (repeatable)")
	cmd.Flags().StringVar(&expiresAt, "expires-at", "", "New expiry time (RFC 3339)")
	cmd.Flags().BoolVar(&clearExpiry, "clear-expiry", false, "Remove the expiry")
	cmd.MarkFlagsMutuallyExclusive("expires-at", "clear-expiry")

	return cmd
}

func runKeyUpdate(arg string, upd model.KeyUpdate) error {
	ctx := context.Background()
	keys, ks, err := openKeyManager(ctx)
	if err != nil {
		return err
	}
	defer ks.Close()

	id, err := keyRefArg(ctx, keys, arg)
	if err != nil {
		return err
	}
	if err := keys.UpdateKeyByID(ctx, id, upd); err != nil {
		return keyErr("update api key", err)
	}
	info, err := keys.LookupKeyByID(ctx, id)
	if err != nil {
		return keyErr("look up api key", err)
	}
	fmt.Println("API key updated:")
	fmt.Println()
	printKeyInfo(info)
	return nil
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key|id|->",
		Short: "Revoke an API key",
		Long:  "Deactivate an API key, preventing any further authenticated requests using that key. Revocation is permanent.",
		Example: `  visiongate key revoke 3f9a1c27b0e4
  visiongate key revoke vg_Ab3dEf9h...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRevoke(args[0])
		},
	}

	return cmd
}

func runKeyRevoke(arg string) error {
	ctx := context.Background()
	keys, ks, err := openKeyManager(ctx)
	if err != nil {
		return err
	}
	defer ks.Close()

	id, err := keyRefArg(ctx, keys, arg)
	if err != nil {
		return err
	}
	found, err := keys.RevokeKeyByID(ctx, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if !found {
		return errors.New("api key not found")
	}
	fmt.Println("API key revoked.")
	return nil
}

// ---------- key revoke-user ----------

func newKeyRevokeUserCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke-user <user-id>",
		Short: "Revoke every active key of a user",
		Long:  "Revoke all active keys owned by a user, e.g. after a credential leak.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRevokeUser(args[0])
		},
	}
}

func runKeyRevokeUser(userID string) error {
	ctx := context.Background()
	keys, ks, err := openKeyManager(ctx)
	if err != nil {
		return err
	}
	defer ks.Close()

	n, err := keys.RevokeCompromisedKeys(ctx, userID)
	if err != nil {
		return fmt.Errorf("revoke user keys: %w", err)
	}
	fmt.Printf("Revoked %d key(s) of user %q\n", n, userID)
	return nil
}

// ---------- key delete ----------

func newKeyDeleteCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <key|id|->",
		Short: "Delete an API key record permanently",
		Long: `Remove a key record from the store. Its usage log entries are kept.
Prefer 'visiongate key revoke', which keeps the record for auditing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to delete without --yes")
			}
			return runKeyDelete(args[0])
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm the deletion")

	return cmd
}

func runKeyDelete(arg string) error {
	ctx := context.Background()
	keys, ks, err := openKeyManager(ctx)
	if err != nil {
		return err
	}
	defer ks.Close()

	id, err := keyRefArg(ctx, keys, arg)
	if err != nil {
		return err
	}
	found, err := keys.DeleteKeyByID(ctx, id)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if !found {
		return errors.New("api key not found")
	}
	fmt.Println("API key deleted.")
	return nil
}

// ---------- key stats ----------

func newKeyStatsCmd() *cobra.Command {
	var (
		days       int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "stats <key|id|->",
		Short: "Show usage statistics of an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyStats(args[0], days, jsonOutput)
		},
	}

	cmd.Flags().IntVar(&days, "days", service.DefaultStatsDays, "Trailing period in days")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runKeyStats(arg string, days int, jsonOutput bool) error {
	ctx := context.Background()
	keys, ks, err := openKeyManager(ctx)
	if err != nil {
		return err
	}
	defer ks.Close()

	id, err := keyRefArg(ctx, keys, arg)
	if err != nil {
		return err
	}
	if _, err := keys.LookupKeyByID(ctx, id); err != nil {
		return keyErr("look up api key", err)
	}
	stats, err := keys.UsageStatsByID(ctx, id, days)
	if err != nil {
		return fmt.Errorf("usage stats: %w", err)
	}
	if jsonOutput {
		return printJSON(stats)
	}

	fmt.Printf("Usage over the last %d day(s)\n", stats.PeriodDays)
	fmt.Println("------------------------------")
	fmt.Printf("  Requests:    %d\n", stats.TotalRequests)
	fmt.Printf("  Errors:      %d\n", stats.ErrorRequests)
	fmt.Printf("  Unique IPs:  %d\n", stats.UniqueIPs)

	if len(stats.Endpoints) > 0 {
		endpoints := make([]string, 0, len(stats.Endpoints))
		for ep := range stats.Endpoints {
			endpoints = append(endpoints, ep)
		}
		sort.Slice(endpoints, func(i, j int) bool {
			return stats.Endpoints[endpoints[i]] > stats.Endpoints[endpoints[j]]
		})
		fmt.Println()
		fmt.Println("Endpoints")
		for _, ep := range endpoints {
			fmt.Printf("  %-32s %d\n", ep, stats.Endpoints[ep])
		}
	}

	if len(stats.Recent) > 0 {
		fmt.Println()
		fmt.Println("Recent requests")
		for _, e := range stats.Recent {
			fmt.Printf("  %s  %-15s %3d  %s\n",
				e.Timestamp.Local().Format(time.DateTime), e.ClientIP, e.ResponseCode, e.Endpoint)
		}
	}
	return nil
}

// ---------- output helpers ----------

func printKeyInfo(info *model.KeyInfo) {
	fmt.Printf("  ID:          %s\n", info.ID)
	fmt.Printf("  Prefix:      %s...\n", info.KeyPrefix)
	fmt.Printf("  User:        %s\n", info.UserID)
	if info.Name != "" {
		fmt.Printf("  Name:        %s\n", info.Name)
	}
	fmt.Printf("  Permissions: %s\n", strings.Join(info.Permissions, ", "))
	if len(info.IPWhitelist) > 0 {
		fmt.Printf("  IPs:         %s\n", strings.Join(info.IPWhitelist, ", "))
	}
	fmt.Printf("  Created:     %s\n", info.CreatedAt.Local().Format(time.DateTime))
	if info.ExpiresAt != nil {
		fmt.Printf("  Expires:     %s\n", info.ExpiresAt.Local().Format(time.DateTime))
	} else {
		fmt.Println("  Expires:     never")
	}
	active := "yes"
	if !info.IsActive {
		active = "no (revoked)"
	}
	fmt.Printf("  Active:      %s\n", active)
	fmt.Printf("  Usage count: %d\n", info.UsageCount)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func keyErr(op string, err error) error {
	switch {
	case errors.Is(err, service.ErrKeyNotFound):
		return errors.New("api key not found")
	case errors.Is(err, service.ErrInvalidArgument):
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nonEmpty(vals []string) []string {
	out := vals[:0]
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}
