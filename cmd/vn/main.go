package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"venality/internal/app"
	"venality/internal/authority"
	"venality/internal/domain"
	"venality/internal/events"
	"venality/internal/observability"
	"venality/internal/server"
	"venality/internal/token"
)

var rootCmd = &cobra.Command{
	Use:   "vn",
	Short: "Venality CLI",
	Long: `Venality runs a registry of purchasable offices over decaying-price auctions.
Core concepts:
- Registry: write-once configuration (admin, currency, renewal fee) plus one record
  per office, either for sale or bought.
- Office: created by the admin, sold through a decay auction, held under a one-week
  lease that the owner extends by paying the renewal tax.
- Auction: price starts high and slides toward a floor; the first funded bid wins
  at the quoted price.
- Signatures: admin operations are self-authorized locally or carry a signed token
  bound to one operation, office and nonce.
- Event log: every lifecycle change lands in the events table; tail it with
  'vn events' or fan it out with webhooks.`,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("VENALITY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("config", "", "config file (overrides workspace venality.yml)")
	rootCmd.PersistentFlags().String("db", "", "database file (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(registryCmd())
	rootCmd.AddCommand(officeCmd())
	rootCmd.AddCommand(nonceCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(configCmd())
}

func initCmd() *cobra.Command {
	var admin string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		Long:  "Writes a default venality.yml and prepares the workspace database. The registry itself is initialized afterwards with 'vn registry init'.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := app.InitWorkspace(viper.GetString("workspace"), admin)
			if err != nil {
				return err
			}
			fmt.Printf("Initialized workspace config at %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&admin, "admin", "", "admin identity to seed the config with")
	return cmd
}

func serveCmd() *cobra.Command {
	var listen, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.InitLogger("vn")
			observability.RegisterMetrics()
			c, err := app.Resolve(logger, resolveOptions())
			if err != nil {
				return err
			}
			defer c.Close()
			addr := listen
			if addr == "" {
				addr = c.Config.Service.Listen
			}
			if addr == "" {
				addr = "127.0.0.1:8787"
			}
			handler, err := server.New(server.Config{
				Engine:   c.Engine,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret: c.Config.Auth.JWTSecret,
					APIKeys:   c.Config.Auth.APIKeys,
				},
				Log:      logger,
				Webhooks: c.Config.Webhooks,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving Venality API")
			fmt.Printf("Serving Venality API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (defaults to config service.listen)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func registryCmd() *cobra.Command {
	reg := &cobra.Command{Use: "registry", Short: "Manage the registry configuration"}
	reg.AddCommand(registryInitCmd())
	reg.AddCommand(registryShowCmd())
	return reg
}

func registryInitCmd() *cobra.Command {
	var admin, currency string
	var fee int64
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the registry (exactly once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				if admin == "" {
					admin = c.Config.Registry.Admin
				}
				if currency == "" {
					currency = c.Config.Registry.Currency
				}
				if !cmd.Flags().Changed("fee") {
					fee = c.Config.Registry.RenewalFee
				}
				cfg := domain.Configuration{
					Admin:      domain.Identity(admin),
					Currency:   domain.AssetID(currency),
					RenewalFee: domain.Amount(fee),
				}
				if err := c.Engine.Initialize(ctx, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&admin, "admin", "", "admin identity (defaults to config)")
	cmd.Flags().StringVar(&currency, "currency", "", "currency asset (defaults to config)")
	cmd.Flags().Int64Var(&fee, "fee", 0, "renewal fee (defaults to config)")
	return cmd
}

func registryShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the registry configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				cfg, err := c.Engine.Registry.GetConfiguration(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	return cmd
}

func officeCmd() *cobra.Command {
	office := &cobra.Command{
		Use:   "office",
		Short: "Manage offices",
		Long:  "Offices go up for sale under a decay auction, get bought into a one-week lease, renew by tax payment, and fall back to sale when the admin revokes a lapsed lease.",
	}
	office.AddCommand(officeNewCmd())
	office.AddCommand(officeShowCmd())
	office.AddCommand(officePriceCmd())
	office.AddCommand(officeBuyCmd())
	office.AddCommand(officeTaxCmd())
	office.AddCommand(officeRevokeCmd())
	return office
}

// auctionFlags binds the auction terms shared by 'office new' and 'office revoke'.
func auctionFlags(cmd *cobra.Command, auctionID *string, start, floor *int64, slope *uint64) {
	cmd.Flags().StringVar(auctionID, "auction", "", "fresh auction handle")
	cmd.Flags().Int64Var(start, "start", 0, "auction start price")
	cmd.Flags().Int64Var(floor, "floor", 0, "auction floor price")
	cmd.Flags().Uint64Var(slope, "slope", 0, "seconds per unit of price decay (0 holds the start price)")
	_ = cmd.MarkFlagRequired("auction")
	_ = cmd.MarkFlagRequired("start")
}

// adminFlags binds the signature selection shared by admin operations.
func adminFlags(cmd *cobra.Command, self *bool, keyPath, as *string) {
	cmd.Flags().BoolVar(self, "self", false, "self-authorize as the configured local identity")
	cmd.Flags().StringVar(keyPath, "key", "", "path to a base64 ed25519 key to sign a delegated token with")
	cmd.Flags().StringVar(as, "as", "", "identity to act as (defaults to config local_identity)")
}

func officeNewCmd() *cobra.Command {
	var auctionID string
	var start, floor int64
	var slope uint64
	var self bool
	var keyPath, as string
	cmd := &cobra.Command{
		Use:   "new <office-id>",
		Short: "Create an office and put it up for sale",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				id := domain.NewOfficeID()
				if len(args) == 1 {
					parsed, err := domain.ParseOfficeID(args[0])
					if err != nil {
						return err
					}
					id = parsed
				}
				sig, nonce, err := adminSignature(ctx, c, self, keyPath, as, authority.OpNewOffice, id)
				if err != nil {
					return err
				}
				st, err := c.Engine.NewOffice(ctx, sig, nonce, id, domain.AuctionParams{
					ID:         domain.AuctionID(auctionID),
					StartPrice: domain.Amount(start),
					FloorPrice: domain.Amount(floor),
					DecaySlope: slope,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	auctionFlags(cmd, &auctionID, &start, &floor, &slope)
	adminFlags(cmd, &self, &keyPath, &as)
	return cmd
}

func officeShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <office-id>",
		Short: "Show an office record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseOfficeID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				st, err := c.Engine.Office(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Office: %s\nStatus: %s\n", st.ID, st.Status)
				if st.ForSale != nil {
					fmt.Printf("Auction: %s\n", st.ForSale.AuctionID)
				}
				if st.Bought != nil {
					fmt.Printf("Owner: %s\nExpires: %s\n", st.Bought.Owner, st.Bought.ExpiresAt.Time().Format(time.RFC3339))
					if st.Bought.RenewedAt != 0 {
						fmt.Printf("Renewed: %s\n", st.Bought.RenewedAt.Time().Format(time.RFC3339))
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func officePriceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "price <office-id>",
		Short: "Quote the office's current auction price",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseOfficeID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				price, err := c.Engine.GetPrice(ctx, id)
				if err != nil {
					return err
				}
				currency, err := c.Engine.Registry.Currency(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"price": price, "currency": currency})
				}
				fmt.Printf("%d %s\n", price, currency)
				return nil
			})
		},
	}
	return cmd
}

func officeBuyCmd() *cobra.Command {
	var buyer string
	cmd := &cobra.Command{
		Use:   "buy <office-id>",
		Short: "Buy an office at the current auction price",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseOfficeID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				if buyer == "" {
					buyer = c.Config.Invoker()
				}
				st, err := c.Engine.Buy(ctx, domain.Identity(buyer), id)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	cmd.Flags().StringVar(&buyer, "buyer", "", "buyer identity (defaults to config local_identity)")
	return cmd
}

func officeTaxCmd() *cobra.Command {
	var payer string
	cmd := &cobra.Command{
		Use:   "tax <office-id>",
		Short: "Pay the renewal tax, extending the lease by one period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseOfficeID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				if payer == "" {
					payer = c.Config.Invoker()
				}
				st, err := c.Engine.PayTax(ctx, domain.Identity(payer), id)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	cmd.Flags().StringVar(&payer, "payer", "", "payer identity (defaults to config local_identity)")
	return cmd
}

func officeRevokeCmd() *cobra.Command {
	var auctionID string
	var start, floor int64
	var slope uint64
	var self bool
	var keyPath, as string
	cmd := &cobra.Command{
		Use:   "revoke <office-id>",
		Short: "Revoke a lapsed office and put it back up for sale",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseOfficeID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				sig, nonce, err := adminSignature(ctx, c, self, keyPath, as, authority.OpRevoke, id)
				if err != nil {
					return err
				}
				st, err := c.Engine.Revoke(ctx, sig, nonce, id, domain.AuctionParams{
					ID:         domain.AuctionID(auctionID),
					StartPrice: domain.Amount(start),
					FloorPrice: domain.Amount(floor),
					DecaySlope: slope,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	auctionFlags(cmd, &auctionID, &start, &floor, &slope)
	adminFlags(cmd, &self, &keyPath, &as)
	return cmd
}

func nonceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nonce <identity>",
		Short: "Show an identity's nonce counter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				n, err := c.Engine.Nonce(ctx, domain.Identity(args[0]))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"identity": args[0], "nonce": n})
				}
				fmt.Println(n)
				return nil
			})
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{
		Use:   "token",
		Short: "Vault utilities for local ledgers",
		Long:  "Mint balances, grant the registry an allowance, and inspect holdings. These back the bundled token collaborator; production deployments point the engine at a real settlement service instead.",
	}
	tok.AddCommand(tokenMintCmd())
	tok.AddCommand(tokenApproveCmd())
	tok.AddCommand(tokenBalanceCmd())
	return tok
}

func tokenMintCmd() *cobra.Command {
	var to, asset string
	var amount int64
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint balance to an identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				vault := token.Vault{Store: c.Engine.Registry.Store}
				a := assetOrCurrency(asset, c)
				if err := vault.Mint(ctx, a, domain.Identity(to), domain.Amount(amount)); err != nil {
					return err
				}
				bal, err := vault.Balance(ctx, a, domain.Identity(to))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"identity": to, "asset": a, "balance": bal})
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "identity to credit")
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount to mint")
	cmd.Flags().StringVar(&asset, "asset", "", "asset (defaults to config currency)")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func tokenApproveCmd() *cobra.Command {
	var owner, asset string
	var amount int64
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Set the allowance an identity grants the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				vault := token.Vault{Store: c.Engine.Registry.Store}
				a := assetOrCurrency(asset, c)
				if err := vault.Approve(ctx, a, domain.Identity(owner), domain.Amount(amount)); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"identity": owner, "asset": a, "allowance": amount})
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "identity granting the allowance")
	cmd.Flags().Int64Var(&amount, "amount", 0, "allowance to set")
	cmd.Flags().StringVar(&asset, "asset", "", "asset (defaults to config currency)")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func tokenBalanceCmd() *cobra.Command {
	var asset string
	cmd := &cobra.Command{
		Use:   "balance <identity>",
		Short: "Show an identity's balance and allowance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				vault := token.Vault{Store: c.Engine.Registry.Store}
				a := assetOrCurrency(asset, c)
				id := domain.Identity(args[0])
				bal, err := vault.Balance(ctx, a, id)
				if err != nil {
					return err
				}
				alw, err := vault.Allowance(ctx, a, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"identity": args[0], "asset": a, "balance": bal, "allowance": alw})
			})
		},
	}
	cmd.Flags().StringVar(&asset, "asset", "", "asset (defaults to config currency)")
	return cmd
}

func eventsCmd() *cobra.Command {
	var after int64
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				items, err := events.After(ctx, c.DB, after, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Office", "Actor"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.OfficeID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "return events with IDs greater than this cursor")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of events")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect workspace config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				return printJSONOrTable(c.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				return c.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

// --- helpers ---

func resolveOptions() app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		DBPath:     viper.GetString("db"),
	}
}

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	c, err := app.Resolve(zerolog.Nop(), resolveOptions())
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

// adminSignature picks between self-authorization and a locally signed
// delegated token. Signing reads the identity's current counter so the token
// claims the nonce the registry expects.
func adminSignature(ctx context.Context, c *app.Context, self bool, keyPath, as, op string, office domain.OfficeID) (authority.Signature, uint64, error) {
	if self && keyPath != "" {
		return authority.Signature{}, 0, fmt.Errorf("--self and --key are mutually exclusive")
	}
	identity := as
	if identity == "" {
		identity = c.Config.Invoker()
	}
	if identity == "" {
		return authority.Signature{}, 0, fmt.Errorf("no identity: set --as or config registry.local_identity")
	}
	if keyPath == "" {
		return authority.Invoker(domain.Identity(identity)), 0, nil
	}
	key, err := readSigningKey(keyPath)
	if err != nil {
		return authority.Signature{}, 0, err
	}
	nonce, err := c.Engine.Nonce(ctx, domain.Identity(identity))
	if err != nil {
		return authority.Signature{}, 0, err
	}
	tok, err := authority.Sign(key, domain.Identity(identity), op, office, nonce)
	if err != nil {
		return authority.Signature{}, 0, err
	}
	return authority.Bearer(tok), nonce, nil
}

// readSigningKey loads a base64-encoded ed25519 key: a 32-byte seed or a
// 64-byte private key.
func readSigningKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", path, err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("key %s: want %d-byte seed or %d-byte private key, got %d bytes", path, ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

func assetOrCurrency(asset string, c *app.Context) domain.AssetID {
	if asset != "" {
		return domain.AssetID(asset)
	}
	return domain.AssetID(c.Config.Registry.Currency)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
