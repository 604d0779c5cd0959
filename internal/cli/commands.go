package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"larder/internal/cart"
	"larder/internal/models"
)

func NewMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema and load configured suppliers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				n, err := syncSuppliers(ctx, a)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "schema up to date, %d supplier(s) loaded\n", n)
				return nil
			})
		},
	}
}

// syncSuppliers upserts a reference row for every configured supplier.
func syncSuppliers(ctx context.Context, a *app) (int, error) {
	n := 0
	for code := range a.cfg.Suppliers {
		p, _ := a.cfg.Supplier(code)
		name := p.Name
		if name == "" {
			name = code
		}
		s := &models.Supplier{
			Code:     code,
			Name:     name,
			AuthType: p.AuthType,
			BaseURL:  p.BaseURL,
			LoginURL: p.LoginURL,
			Active:   true,
		}
		if err := a.store.Suppliers.Upsert(ctx, s); err != nil {
			return n, fmt.Errorf("failed to load supplier %s: %w", code, err)
		}
		n++
	}
	return n, nil
}

func NewCredentialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage supplier credentials",
	}
	cmd.AddCommand(newCredentialAddCmd(), newCredentialHoldCmd(), newCredentialReleaseCmd())
	return cmd
}

func newCredentialAddCmd() *cobra.Command {
	var (
		supplierCode  string
		userID        uint
		username      string
		password      string
		passwordStdin bool
		totpSecret    string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Store an encrypted supplier login",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if passwordStdin {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("failed to read password from stdin: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if _, err := syncSuppliers(ctx, a); err != nil {
					return err
				}
				sup, err := a.store.Suppliers.GetByCode(ctx, supplierCode)
				if err != nil {
					return fmt.Errorf("unknown supplier %q: %w", supplierCode, err)
				}

				cred := &models.SupplierCredential{
					UserID:     userID,
					SupplierID: sup.ID,
					Status:     models.CredentialPending,
				}
				for _, f := range []struct {
					plain string
					dst   *string
				}{
					{username, &cred.EncryptedUsername},
					{password, &cred.EncryptedPassword},
					{totpSecret, &cred.EncryptedTOTPSecret},
				} {
					if f.plain == "" {
						continue
					}
					enc, err := a.box.Encrypt(f.plain)
					if err != nil {
						return err
					}
					*f.dst = enc
				}
				if err := cred.Validate(sup.AuthType); err != nil {
					return err
				}
				if err := a.store.Credentials.Create(ctx, cred); err != nil {
					return fmt.Errorf("failed to save credential: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "credential %d created for %s\n", cred.ID, sup.Code)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&supplierCode, "supplier", "s", "", "Supplier code from the config file")
	cmd.Flags().UintVar(&userID, "user-id", 1, "Owning user id")
	cmd.Flags().StringVarP(&username, "username", "u", "", "Supplier account username or email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Supplier account password")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin")
	cmd.Flags().StringVar(&totpSecret, "totp-secret", "", "Authenticator secret, when the supplier uses app codes")
	_ = cmd.MarkFlagRequired("supplier")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newCredentialHoldCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "hold <credential-id>",
		Short: "Pause every job for a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return a.svc.Hold(ctx, id, reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "held by operator", "Why the credential is held")
	return cmd
}

func newCredentialReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <credential-id>",
		Short: "Resume jobs for a held credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return a.svc.Release(ctx, id)
			})
		},
	}
}

func NewValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <credential-id>",
		Short: "Sign in once to check a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				v, err := a.svc.ValidateCredentials(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), v)
			})
		},
	}
}

func NewScrapeCmd() *cobra.Command {
	var terms []string
	cmd := &cobra.Command{
		Use:   "scrape <credential-id>...",
		Short: "Import supplier catalogs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]uint, 0, len(args))
			for _, arg := range args {
				id, err := parseID(arg)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if len(ids) == 1 {
					products, err := a.svc.ScrapeCatalog(ctx, ids[0], terms)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), products)
				}
				found, errs := a.svc.RefreshCatalogs(ctx, ids, terms)
				if err := printJSON(cmd.OutOrStdout(), found); err != nil {
					return err
				}
				var failed []error
				for i, err := range errs {
					if err != nil {
						failed = append(failed, fmt.Errorf("credential %d: %w", ids[i], err))
					}
				}
				return errors.Join(failed...)
			})
		},
	}
	cmd.Flags().StringSliceVarP(&terms, "term", "t", nil, "Search term for products the categories may miss (repeatable)")
	return cmd
}

func NewListsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lists <credential-id>",
		Short: "Import the supplier's saved lists and order guides",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				lists, err := a.svc.ScrapeSupplierLists(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), lists)
			})
		},
	}
}

func NewOrderCmd() *cobra.Command {
	var (
		itemSpecs []string
		itemsFile string
		date      string
		next      bool
		live      bool
		cartOnly  bool
	)
	cmd := &cobra.Command{
		Use:   "order <credential-id>",
		Short: "Fill the supplier cart and check out",
		Long: `Clears the supplier cart, adds the given items and runs checkout.
Without --live the order stops at the review page and nothing is placed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			items, err := parseItems(itemSpecs)
			if err != nil {
				return err
			}
			if itemsFile != "" {
				more, err := loadItems(itemsFile)
				if err != nil {
					return err
				}
				items = append(items, more...)
			}
			if len(items) == 0 {
				return errors.New("no items given, use --item or --items-file")
			}
			delivery, err := deliveryDate(date, next, time.Now())
			if err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				if cartOnly {
					res, err := a.svc.AddToCart(ctx, id, items, delivery)
					if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
						return perr
					}
					return err
				}
				out, err := a.svc.PlaceOrder(ctx, id, items, delivery, !live)
				if perr := printJSON(cmd.OutOrStdout(), out); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().StringArrayVarP(&itemSpecs, "item", "i", nil, "Item as SKU or SKU:QTY (repeatable)")
	cmd.Flags().StringVar(&itemsFile, "items-file", "", "YAML file with a list of {sku, quantity} items")
	cmd.Flags().StringVar(&date, "date", "", "Delivery date (2026-10-20, 10/20/2026 or RFC3339)")
	cmd.Flags().BoolVar(&next, "next", false, "Deliver on the next delivery day")
	cmd.Flags().BoolVar(&live, "live", false, "Place the order for real when the supplier allows live mode")
	cmd.Flags().BoolVar(&cartOnly, "cart-only", false, "Add items without clearing the cart or checking out")
	cmd.MarkFlagsMutuallyExclusive("date", "next")
	cmd.MarkFlagsMutuallyExclusive("live", "cart-only")
	return cmd
}

// parseItems reads SKU or SKU:QTY specs.
func parseItems(specs []string) ([]cart.Item, error) {
	items := make([]cart.Item, 0, len(specs))
	for _, spec := range specs {
		sku, qty, found := strings.Cut(strings.TrimSpace(spec), ":")
		if sku == "" {
			return nil, fmt.Errorf("invalid item %q", spec)
		}
		item := cart.Item{SKU: sku, Quantity: 1}
		if found {
			n, err := strconv.Atoi(qty)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid quantity in %q", spec)
			}
			item.Quantity = n
		}
		items = append(items, item)
	}
	return items, nil
}

func loadItems(path string) ([]cart.Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var items []cart.Item
	if err := yaml.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	for i, it := range items {
		if it.SKU == "" || it.Quantity <= 0 {
			return nil, fmt.Errorf("%s: item %d needs a sku and a positive quantity", path, i+1)
		}
	}
	return items, nil
}

func deliveryDate(date string, next bool, now time.Time) (*time.Time, error) {
	switch {
	case next:
		d := cart.NextDeliveryDay(now, time.Sunday)
		return &d, nil
	case date != "":
		d, err := cart.ParseDeliveryDate(date)
		if err != nil {
			return nil, err
		}
		return &d, nil
	}
	return nil, nil
}

func NewSubmitCodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit-code <request-id> <code>",
		Short: "Answer a pending verification request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				sub, err := a.svc.SubmitTwoFactorCode(ctx, id, args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sub)
			})
		},
	}
}

func NewCancelCodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-code <request-id>",
		Short: "Cancel a pending verification request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return a.svc.CancelTwoFactorRequest(ctx, id)
			})
		},
	}
}

func NewSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire verification requests past their deadline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				n, err := a.svc.SweepTwoFactorRequests(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d request(s) expired\n", n)
				return nil
			})
		},
	}
}

func NewDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <credential-id>",
		Short: "Forget the stored session and trusted device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return a.svc.Disconnect(ctx, id)
			})
		},
	}
}

func NewLogsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs <credential-id>",
		Short: "Show recent operations for a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				rows, err := a.store.Logs.Recent(ctx, id, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rows)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of rows")
	return cmd
}
