// Package supplier defines the capability set every supplier site satisfies
// and the selector-driven Base that variants build on.
package supplier

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"larder/internal/browser"
	"larder/internal/cart"
	"larder/internal/catalog"
	"larder/internal/checkout"
	"larder/internal/config"
	"larder/internal/models"
	"larder/internal/secret"
	"larder/internal/session"
	"larder/internal/twofactor"
)

// Adapter drives one supplier site for one credential. Every method works on
// a page the caller owns; the adapter never launches or closes browsers.
type Adapter interface {
	Code() string
	Profile() config.SupplierProfile
	Authenticate(ctx context.Context, page browser.Page) error
	IsAuthenticated(ctx context.Context, page browser.Page) (bool, error)
	SearchCatalog(ctx context.Context, page browser.Page, terms []string) ([]catalog.Product, error)
	BrowseCategory(ctx context.Context, page browser.Page, category string) ([]catalog.Product, error)
	Lists(ctx context.Context, page browser.Page) ([]catalog.List, error)
	ClearCart(ctx context.Context, page browser.Page) error
	AddItems(ctx context.Context, page browser.Page, items []cart.Item, delivery *time.Time) (cart.Result, error)
	Checkout(ctx context.Context, page browser.Page, dryRun bool) (*checkout.Confirmation, error)
}

// Deps are the shared services adapters use. TwoFactor may be nil, in which
// case a verification challenge ends the login with a session-expired error.
type Deps struct {
	Sessions  *session.Store
	TwoFactor *twofactor.Orchestrator
	Box       *secret.Box
}

type Factory func(profile config.SupplierProfile, cred *models.SupplierCredential, deps Deps) Adapter

// GenericAdapter is the registry name of the plain selector-driven Base.
const GenericAdapter = "generic"

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	r := &Registry{factories: map[string]Factory{}}
	r.Register(GenericAdapter, func(p config.SupplierProfile, c *models.SupplierCredential, d Deps) Adapter {
		return NewBase(p, c, d)
	})
	return r
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New builds the adapter named by profile.Adapter for cred.
func (r *Registry) New(profile config.SupplierProfile, cred *models.SupplierCredential, deps Deps) (Adapter, error) {
	name := profile.Adapter
	if name == "" {
		name = GenericAdapter
	}
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no supplier adapter registered as %q", name)
	}
	return f(profile, cred, deps), nil
}
