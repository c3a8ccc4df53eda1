package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/keygatehq/keygate/internal/keys"
	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/store"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Create, list, disable, and delete the API keys used to authenticate against the Folio API.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyDisableCmd())
	cmd.AddCommand(newKeyDeleteCmd())

	return cmd
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		name           string
		owner          string
		permissions    string
		expiresIn      time.Duration
		rateLimitMax   int
		rateWindow     time.Duration
		remaining      int64
		refillAmount   int64
		refillInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long:  "Generate a new API key. The raw key is shown once and cannot be retrieved again.",
		Example: `  keygate key create --name "CI pipeline" --owner admin@example.com --permissions watchlist:read
  keygate key create --name mobile --owner admin@example.com \
    --permissions "portfolio:read,portfolio:write" --rate-limit 100 --rate-window 1m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyCreate(keyCreateOpts{
				name:           name,
				owner:          owner,
				permissions:    permissions,
				expiresIn:      expiresIn,
				rateLimitMax:   rateLimitMax,
				rateWindow:     rateWindow,
				remaining:      remaining,
				refillAmount:   refillAmount,
				refillInterval: refillInterval,
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Human-readable name for the key (required)")
	cmd.Flags().StringVar(&owner, "owner", "", "Email of the admin who owns the key (required)")
	cmd.Flags().StringVar(&permissions, "permissions", "", `Granted permissions as "scope:action" pairs, comma separated`)
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Expire the key after this duration (0 = never)")
	cmd.Flags().IntVar(&rateLimitMax, "rate-limit", 0, "Max requests per window (0 = unlimited)")
	cmd.Flags().DurationVar(&rateWindow, "rate-window", 0, "Rate limit window length")
	cmd.Flags().Int64Var(&remaining, "remaining", -1, "Total request allowance (-1 = unlimited)")
	cmd.Flags().Int64Var(&refillAmount, "refill-amount", 0, "Requests added back each refill interval")
	cmd.Flags().DurationVar(&refillInterval, "refill-interval", 0, "How often the allowance refills")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("owner")

	return cmd
}

type keyCreateOpts struct {
	name           string
	owner          string
	permissions    string
	expiresIn      time.Duration
	rateLimitMax   int
	rateWindow     time.Duration
	remaining      int64
	refillAmount   int64
	refillInterval time.Duration
}

func runKeyCreate(opts keyCreateOpts) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()

	admin, err := st.GetAdminByEmail(ctx, opts.owner)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("admin %q not found, create one with 'keygate admin create'", opts.owner)
		}
		return fmt.Errorf("look up owner: %w", err)
	}

	perms, err := parsePermissions(opts.permissions)
	if err != nil {
		return err
	}

	params := keys.IssueParams{
		OwnerID:         admin.ID,
		Name:            opts.name,
		Prefix:          keyPrefix(),
		ExpiresIn:       opts.expiresIn,
		Permissions:     perms,
		RateLimitMax:    opts.rateLimitMax,
		RateLimitWindow: opts.rateWindow,
		RefillAmount:    opts.refillAmount,
		RefillInterval:  opts.refillInterval,
	}
	if opts.remaining >= 0 {
		params.Remaining = &opts.remaining
	}

	key, plaintext, err := keys.Issue(params, keys.DefaultRegistry())
	if err != nil {
		return fmt.Errorf("issue key: %w", err)
	}
	if err := st.CreateAPIKey(ctx, key); err != nil {
		return fmt.Errorf("create api key: %w", err)
	}

	fmt.Println("API Key created:")
	fmt.Println()
	fmt.Printf("  Key:   %s\n", plaintext)
	fmt.Printf("  Name:  %s\n", key.Name)
	fmt.Printf("  Owner: %s\n", admin.Email)
	if key.ExpiresAt != nil {
		fmt.Printf("  Expires: %s\n", key.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Println()
	fmt.Println("  Save this key now - it cannot be retrieved again.")
	return nil
}

// parsePermissions turns "watchlist:read,portfolio:write" into a grant map.
func parsePermissions(s string) (model.Permissions, error) {
	if s == "" {
		return nil, nil
	}
	perms := model.Permissions{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		scope, action, ok := strings.Cut(pair, ":")
		if !ok || scope == "" || action == "" {
			return nil, fmt.Errorf("invalid permission %q, expected scope:action", pair)
		}
		perms[scope] = append(perms[scope], action)
	}
	return perms, nil
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
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer st.Close()

	all, err := st.ListAPIKeys(context.Background())
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(all)
	}

	if len(all) == 0 {
		fmt.Println("No API keys configured. Use 'keygate key create' to create one.")
		return nil
	}

	fmt.Printf("%-36s %-14s %-24s %-8s %-20s\n", "ID", "START", "NAME", "ENABLED", "EXPIRES")
	fmt.Printf("%-36s %-14s %-24s %-8s %-20s\n", "--", "-----", "----", "-------", "-------")
	for _, k := range all {
		enabled := "yes"
		if !k.Enabled {
			enabled = "no"
		}
		expires := "never"
		if k.ExpiresAt != nil {
			expires = k.ExpiresAt.Format("2006-01-02 15:04")
		}
		fmt.Printf("%-36s %-14s %-24s %-8s %-20s\n", k.ID, k.Start, k.Name, enabled, expires)
	}

	return nil
}

// ---------- key disable ----------

func newKeyDisableCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "disable <id-or-start>",
		Aliases: []string{"revoke"},
		Short:   "Disable an API key",
		Long:    "Disable an API key, rejecting further requests until it is re-enabled. The key record is kept.",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeySetEnabled(args[0], false)
		},
	}

	return cmd
}

func runKeySetEnabled(ref string, enabled bool) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()

	key, err := findKey(ctx, st, ref)
	if err != nil {
		return err
	}

	key.Enabled = enabled
	if err := st.UpdateAPIKey(ctx, key); err != nil {
		return fmt.Errorf("update api key: %w", err)
	}

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("Key %q (%s) %s\n", key.Name, key.Start, state)
	return nil
}

// ---------- key delete ----------

func newKeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id-or-start>",
		Short: "Delete an API key permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyDelete(args[0])
		},
	}

	return cmd
}

func runKeyDelete(ref string) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()

	key, err := findKey(ctx, st, ref)
	if err != nil {
		return err
	}
	if err := st.DeleteAPIKey(ctx, key.ID); err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}

	fmt.Printf("Deleted key %q (%s)\n", key.Name, key.Start)
	return nil
}

// findKey resolves a key by UUID or by its visible start prefix.
func findKey(ctx context.Context, st *store.Store, ref string) (*model.APIKey, error) {
	if id, err := uuid.Parse(ref); err == nil {
		key, err := st.GetAPIKey(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("no API key with ID %q", ref)
			}
			return nil, err
		}
		return key, nil
	}

	all, err := st.ListAPIKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	for i := range all {
		if strings.HasPrefix(all[i].Start, ref) {
			return &all[i], nil
		}
	}
	return nil, fmt.Errorf("no API key found matching %q", ref)
}
