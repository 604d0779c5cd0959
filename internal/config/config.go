package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"larder/internal/browser"
	"larder/internal/checkout"
	"larder/internal/models"
)

type Config struct {
	DataDir    string `yaml:"data_dir"`
	SecretKey  string `yaml:"secret_key"`
	Debug      bool   `yaml:"debug"`
	PrettyLogs bool   `yaml:"pretty_logs"`
	// LocaleDir optionally overrides the embedded message catalogue.
	LocaleDir string `yaml:"locale_dir,omitempty"`

	Browser  BrowserConfig  `yaml:"browser"`
	Database DatabaseConfig `yaml:"database"`
	Notify   NotifyConfig   `yaml:"notify"`
	Jobs     JobsConfig     `yaml:"jobs"`

	Suppliers map[string]SupplierProfile `yaml:"suppliers"`
}

type BrowserConfig struct {
	Headless                 bool   `yaml:"headless"`
	ExecutablePath           string `yaml:"executable_path"`
	ProfileDir               string `yaml:"profile_dir"`
	UserAgent                string `yaml:"user_agent"`
	WindowWidth              int    `yaml:"window_width"`
	WindowHeight             int    `yaml:"window_height"`
	ProcessTimeoutSeconds    int    `yaml:"process_timeout_seconds"`
	NavigationTimeoutSeconds int    `yaml:"navigation_timeout_seconds"`
	IdleTimeoutSeconds       int    `yaml:"idle_timeout_seconds"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type NotifyConfig struct {
	WebhookURL     string `yaml:"webhook_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type JobsConfig struct {
	Workers         int `yaml:"workers"`
	MaxRetries      int `yaml:"max_retries"`
	RetryDelayMinMs int `yaml:"retry_delay_min_ms"`
	RetryDelayMaxMs int `yaml:"retry_delay_max_ms"`
}

// SupplierProfile is everything site specific about one supplier, including
// the selectors its adapter drives the site with.
type SupplierProfile struct {
	Name     string          `yaml:"name"`
	Adapter  string          `yaml:"adapter"`
	AuthType models.AuthType `yaml:"auth_type"`
	BaseURL  string          `yaml:"base_url"`
	LoginURL string          `yaml:"login_url"`
	// URL templates; %s is replaced with the escaped term, category or SKU.
	SearchURL   string `yaml:"search_url"`
	CategoryURL string `yaml:"category_url"`
	ListsURL    string `yaml:"lists_url"`
	CartURL     string `yaml:"cart_url"`

	SessionTTLHours     int  `yaml:"session_ttl_hours,omitempty"`
	TwoFATimeoutSeconds int  `yaml:"two_fa_timeout_seconds,omitempty"`
	RememberDevice      bool `yaml:"remember_device"`
	TrustedDeviceCookie string `yaml:"trusted_device_cookie,omitempty"`

	MinimumOrder      float64                    `yaml:"minimum_order"`
	LiveModeEnabled   bool                       `yaml:"live_mode_enabled"`
	UnavailablePolicy checkout.UnavailablePolicy `yaml:"unavailable_policy"`
	// KeepAlive runs cart and checkout in one browser session.
	KeepAlive bool `yaml:"keep_alive"`
	// LongSession raises the browser process timeout to cover a 2FA wait.
	LongSession bool `yaml:"long_session"`

	Categories      []string `yaml:"categories"`
	MinDelayBetween float64  `yaml:"min_delay_between"`
	MaxDelayBetween float64  `yaml:"max_delay_between"`

	Stealth   browser.StealthProfile `yaml:"stealth"`
	Selectors SelectorConfig         `yaml:"selectors"`
}

type SelectorConfig struct {
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	LoginSubmit    string `yaml:"login_submit"`
	LoggedInMarker string `yaml:"logged_in_marker"`
	LoginError     string `yaml:"login_error"`

	TwoFAInput     string `yaml:"two_fa_input"`
	TwoFASubmit    string `yaml:"two_fa_submit"`
	TwoFAResend    string `yaml:"two_fa_resend"`
	RememberDevice string `yaml:"remember_device"`

	ProductCard       string `yaml:"product_card"`
	ProductSKUAttr    string `yaml:"product_sku_attr"`
	ProductSKU        string `yaml:"product_sku"`
	ProductName       string `yaml:"product_name"`
	ProductPrice      string `yaml:"product_price"`
	ProductPack       string `yaml:"product_pack"`
	ProductOutOfStock string `yaml:"product_out_of_stock"`
	NextPage          string `yaml:"next_page"`
	ListLink          string `yaml:"list_link"`

	QuantityInput     string `yaml:"quantity_input"`
	AddToCartButton   string `yaml:"add_to_cart_button"`
	DeliveryDateInput string `yaml:"delivery_date_input"`
	ClearCartButton   string `yaml:"clear_cart_button"`

	// Quick-order pad: add by SKU without searching.
	QuickOrderSKU      string `yaml:"quick_order_sku,omitempty"`
	QuickOrderQuantity string `yaml:"quick_order_quantity,omitempty"`
	QuickOrderAdd      string `yaml:"quick_order_add,omitempty"`
	QuickOrderMessage  string `yaml:"quick_order_message,omitempty"`

	CartLine            string `yaml:"cart_line"`
	CartLineSKUAttr     string `yaml:"cart_line_sku_attr"`
	CartLineQuantity    string `yaml:"cart_line_quantity"`
	CartLineTotal       string `yaml:"cart_line_total"`
	CartLineUnavailable string `yaml:"cart_line_unavailable"`
	CartSubtotal        string `yaml:"cart_subtotal"`

	CheckoutButton       string `yaml:"checkout_button"`
	ReviewTotal          string `yaml:"review_total"`
	ReviewDeliveryDate   string `yaml:"review_delivery_date"`
	FinalCheckoutButton  string `yaml:"final_checkout_button"`
	ConfirmationNumber   string `yaml:"confirmation_number"`
	ConfirmationTotal    string `yaml:"confirmation_total"`
	ConfirmationDelivery string `yaml:"confirmation_delivery"`
	ConfirmationError    string `yaml:"confirmation_error"`
}

func (p SupplierProfile) SessionTTL() time.Duration {
	if p.SessionTTLHours > 0 {
		return time.Duration(p.SessionTTLHours) * time.Hour
	}
	return p.AuthType.SessionTTL()
}

func (p SupplierProfile) TwoFATimeout() time.Duration {
	if p.TwoFATimeoutSeconds > 0 {
		return time.Duration(p.TwoFATimeoutSeconds) * time.Second
	}
	return models.TwoFactorTimeout
}

// CanChallenge reports whether the supplier may ask for a verification code.
func (p SupplierProfile) CanChallenge() bool {
	return p.AuthType == models.AuthTwoFA || p.LongSession
}

func (b BrowserConfig) ProcessTimeout() time.Duration {
	return time.Duration(b.ProcessTimeoutSeconds) * time.Second
}

func (b BrowserConfig) NavigationTimeout() time.Duration {
	return time.Duration(b.NavigationTimeoutSeconds) * time.Second
}

func (b BrowserConfig) IdleTimeout() time.Duration {
	return time.Duration(b.IdleTimeoutSeconds) * time.Second
}

// SessionConfig builds the browser session settings for a supplier.
func (c *Config) SessionConfig(p SupplierProfile) browser.Config {
	timeout := c.Browser.ProcessTimeout()
	if p.LongSession && timeout < browser.LongProcessTimeout {
		timeout = browser.LongProcessTimeout
	}
	idle := c.Browser.IdleTimeout()
	if p.CanChallenge() && idle <= p.TwoFATimeout() {
		idle = p.TwoFATimeout() + time.Minute
	}
	return browser.Config{
		Headless:          c.Browser.Headless,
		ExecutablePath:    c.Browser.ExecutablePath,
		UserDataDir:       c.Browser.ProfileDir,
		UserAgent:         c.Browser.UserAgent,
		WindowWidth:       c.Browser.WindowWidth,
		WindowHeight:      c.Browser.WindowHeight,
		ProcessTimeout:    timeout,
		IdleTimeout:       idle,
		NavigationTimeout: c.Browser.NavigationTimeout(),
		Stealth:           p.Stealth,
		Debug:             c.Debug,
	}
}

func getUserDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./larder-data"
	}
	return filepath.Join(home, ".larder")
}

func Default() *Config {
	dataDir := getUserDataDir()

	return &Config{
		DataDir:    dataDir,
		PrettyLogs: true,
		Browser: BrowserConfig{
			Headless:                 true,
			WindowWidth:              1920,
			WindowHeight:             1080,
			ProcessTimeoutSeconds:    30,
			NavigationTimeoutSeconds: 30,
			IdleTimeoutSeconds:       30,
		},
		Database: DatabaseConfig{DSN: filepath.Join(dataDir, "larder.db")},
		Notify:   NotifyConfig{TimeoutSeconds: 10},
		Jobs: JobsConfig{
			Workers:         4,
			MaxRetries:      3,
			RetryDelayMinMs: 2000,
			RetryDelayMaxMs: 8000,
		},
		Suppliers: map[string]SupplierProfile{
			"broadline": defaultBroadline(),
			"cashcarry": defaultCashCarry(),
		},
	}
}

func defaultBroadline() SupplierProfile {
	return SupplierProfile{
		Name:              "Broadline Foodservice",
		Adapter:           "broadline",
		AuthType:          models.AuthPassword,
		BaseURL:           "https://shop.broadline.example",
		LoginURL:          "https://shop.broadline.example/login",
		SearchURL:         "https://shop.broadline.example/search?q=%s",
		CategoryURL:       "https://shop.broadline.example/c/%s",
		ListsURL:          "https://shop.broadline.example/lists",
		CartURL:           "https://shop.broadline.example/cart",
		MinimumOrder:      200,
		UnavailablePolicy: checkout.HardFail,
		Categories:        []string{"produce", "dairy", "meat", "seafood", "dry-goods", "frozen", "bakery", "beverages"},
		MinDelayBetween:   1.0,
		MaxDelayBetween:   2.5,
		Stealth:           browser.DefaultStealthProfile(),
		Selectors: SelectorConfig{
			Username:            "input[name='username']",
			Password:            "input[name='password']",
			LoginSubmit:         "button[type='submit']",
			LoggedInMarker:      "[data-testid='account-menu']",
			LoginError:          ".login-error, [role='alert']",
			ProductCard:         "[data-testid='product-card']",
			ProductSKUAttr:      "data-sku",
			ProductName:         ".product-name",
			ProductPrice:        ".product-price",
			ProductPack:         ".product-pack",
			ProductOutOfStock:   ".out-of-stock",
			NextPage:            "a[rel='next']",
			ListLink:            "a.order-guide-link",
			QuantityInput:       "input[name='quantity']",
			AddToCartButton:     "button.add-to-cart",
			DeliveryDateInput:   "input[name='delivery_date']",
			ClearCartButton:     "button.clear-cart",
			QuickOrderSKU:       "#quick-order-sku",
			QuickOrderQuantity:  "#quick-order-qty",
			QuickOrderAdd:       "#quick-order-add",
			QuickOrderMessage:   ".quick-order-message",
			CartLine:            "[data-testid='cart-line']",
			CartLineSKUAttr:     "data-sku",
			CartLineQuantity:    "input[name='quantity']",
			CartLineTotal:       ".line-total",
			CartLineUnavailable: ".line-unavailable",
			CartSubtotal:        ".cart-subtotal",
			CheckoutButton:      "button.checkout",
			ReviewTotal:         ".review-total",
			ReviewDeliveryDate:  ".review-delivery-date",
			FinalCheckoutButton: "button.place-order",
			ConfirmationNumber:  ".confirmation-number",
			ConfirmationTotal:   ".confirmation-total",
			ConfirmationError:   ".checkout-error",
		},
	}
}

func defaultCashCarry() SupplierProfile {
	p := SupplierProfile{
		Name:                "Cash & Carry",
		Adapter:             "cashcarry",
		AuthType:            models.AuthTwoFA,
		BaseURL:             "https://www.cashcarry.example",
		LoginURL:            "https://www.cashcarry.example/sign-in",
		SearchURL:           "https://www.cashcarry.example/search?term=%s",
		CategoryURL:         "https://www.cashcarry.example/aisle/%s",
		ListsURL:            "https://www.cashcarry.example/my-lists",
		CartURL:             "https://www.cashcarry.example/order",
		SessionTTLHours:     20,
		RememberDevice:      true,
		TrustedDeviceCookie: "cc_trusted_device",
		MinimumOrder:        150,
		UnavailablePolicy:   checkout.WarnAndContinue,
		KeepAlive:           true,
		LongSession:         true,
		Categories:          []string{"fresh", "chilled", "frozen", "pantry", "cleaning"},
		MinDelayBetween:     1.0,
		MaxDelayBetween:     2.5,
		Stealth:             browser.DefaultStealthProfile(),
		Selectors: SelectorConfig{
			Username:            "input[type='email']",
			Password:            "input[type='password']",
			LoginSubmit:         "button[data-action='sign-in']",
			LoggedInMarker:      "[data-qa='account-name']",
			LoginError:          "[data-qa='form-error']",
			TwoFAInput:          "input[autocomplete='one-time-code']",
			TwoFASubmit:         "button[data-action='verify']",
			TwoFAResend:         "button[data-action='resend-code']",
			RememberDevice:      "input[name='remember_device']",
			ProductCard:         "[data-qa='product-tile']",
			ProductSKUAttr:      "data-item-number",
			ProductName:         "[data-qa='product-title']",
			ProductPrice:        "[data-qa='product-price']",
			ProductPack:         "[data-qa='product-size']",
			ProductOutOfStock:   "[data-qa='unavailable-badge']",
			ListLink:            "[data-qa='list-link']",
			QuantityInput:       "input[data-qa='qty']",
			AddToCartButton:     "button[data-qa='add-to-order']",
			DeliveryDateInput:   "input[data-qa='pickup-date']",
			ClearCartButton:     "button[data-qa='empty-order']",
			CartLine:            "[data-qa='order-line']",
			CartLineSKUAttr:     "data-item-number",
			CartLineQuantity:    "input[data-qa='qty']",
			CartLineTotal:       "[data-qa='line-total']",
			CartLineUnavailable: "[data-qa='line-unavailable']",
			CartSubtotal:        "[data-qa='order-subtotal']",
			CheckoutButton:      "button[data-qa='review-order']",
			ReviewTotal:         "[data-qa='review-total']",
			ReviewDeliveryDate:  "[data-qa='review-date']",
			FinalCheckoutButton: "button[data-qa='submit-order']",
			ConfirmationNumber:  "[data-qa='order-number']",
			ConfirmationTotal:   "[data-qa='order-total']",
			ConfirmationError:   "[data-qa='order-error']",
		},
	}
	p.Stealth.WarmUp = true
	return p
}

// Load reads path over the defaults, writing the defaults out when the file
// does not exist yet, then applies environment overrides.
func Load(path string) (*Config, error) {
	config := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := config.Save(path); err != nil {
			return nil, err
		}
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := config.ApplyEnv(); err != nil {
		return nil, err
	}

	if config.Browser.ProfileDir != "" {
		if err := os.MkdirAll(config.Browser.ProfileDir, 0755); err != nil {
			return nil, err
		}
	}
	return config, nil
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0600)
}

// Supplier returns the profile for code.
func (c *Config) Supplier(code string) (SupplierProfile, bool) {
	p, ok := c.Suppliers[code]
	if ok && p.Adapter == "" {
		p.Adapter = code
	}
	return p, ok
}

func (c *Config) Validate() error {
	var errs []error
	if c.Browser.ProcessTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("browser.process_timeout_seconds must be positive"))
	}
	if c.Browser.NavigationTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("browser.navigation_timeout_seconds must be positive"))
	}
	if c.Jobs.Workers <= 0 {
		errs = append(errs, errors.New("jobs.workers must be positive"))
	}
	if c.Jobs.RetryDelayMaxMs < c.Jobs.RetryDelayMinMs {
		errs = append(errs, errors.New("jobs.retry_delay_max_ms must not be below retry_delay_min_ms"))
	}
	for code, p := range c.Suppliers {
		if !p.AuthType.Valid() {
			errs = append(errs, fmt.Errorf("suppliers.%s: unknown auth_type %q", code, p.AuthType))
		}
		if p.BaseURL == "" {
			errs = append(errs, fmt.Errorf("suppliers.%s: base_url is required", code))
		}
		switch p.UnavailablePolicy {
		case "", checkout.HardFail, checkout.WarnAndContinue:
		default:
			errs = append(errs, fmt.Errorf("suppliers.%s: unknown unavailable_policy %q", code, p.UnavailablePolicy))
		}
		if p.MaxDelayBetween < p.MinDelayBetween {
			errs = append(errs, fmt.Errorf("suppliers.%s: max_delay_between below min_delay_between", code))
		}
		// the browser must outlive the verification wait
		if p.CanChallenge() {
			if sc := c.SessionConfig(p); sc.ProcessTimeout <= p.TwoFATimeout() {
				errs = append(errs, fmt.Errorf("suppliers.%s: browser process timeout %s does not cover the %s verification wait; set long_session", code, sc.ProcessTimeout, p.TwoFATimeout()))
			}
		}
	}
	return errors.Join(errs...)
}
