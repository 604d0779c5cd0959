package cart

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"larder/internal/failures"
)

type fakeDriver struct {
	errs     map[string]error
	cart     []string
	cartErr  error
	dropped  map[string]bool
	added    []Item
	delivery *time.Time
}

func (d *fakeDriver) AddItem(ctx context.Context, item Item) error {
	if err := d.errs[item.SKU]; err != nil {
		return err
	}
	d.added = append(d.added, item)
	if !d.dropped[item.SKU] {
		d.cart = append(d.cart, item.SKU)
	}
	return nil
}

func (d *fakeDriver) CartSKUs(ctx context.Context) ([]string, error) {
	return d.cart, d.cartErr
}

func (d *fakeDriver) SetDeliveryDate(ctx context.Context, date time.Time) error {
	d.delivery = &date
	return nil
}

func items(skus ...string) []Item {
	out := make([]Item, len(skus))
	for i, s := range skus {
		out[i] = Item{SKU: s, Quantity: 2}
	}
	return out
}

func TestBuildAllFailRaisesItemUnavailableWithEveryItem(t *testing.T) {
	d := &fakeDriver{errs: map[string]error{
		"A": NotFound("no results for %s", "A"),
		"B": OutOfStock("B is out"),
		"C": errors.New("button detached"),
	}}
	res, err := Builder{Supplier: "broadline", Driver: d}.Build(context.Background(), items("A", "B", "C"), nil)

	var iu *failures.ItemUnavailableError
	require.ErrorAs(t, err, &iu)
	require.Len(t, iu.Items, 3)
	assert.Equal(t, failures.ReasonNotFound, iu.Items[0].Reason)
	assert.Equal(t, failures.ReasonOutOfStock, iu.Items[1].Reason)
	assert.Equal(t, failures.ReasonInteraction, iu.Items[2].Reason)
	assert.False(t, iu.Items[2].StockSignal())
	assert.True(t, failures.MarksOutOfStock(err))
	assert.Zero(t, res.Added)
}

func TestBuildOneOfNFailsReturnsPartialResult(t *testing.T) {
	d := &fakeDriver{errs: map[string]error{"B": OutOfStock("gone")}}
	res, err := Builder{Supplier: "broadline", Driver: d}.Build(context.Background(), items("A", "B", "C", "D"), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Added)
	assert.Equal(t, []string{"A", "C", "D"}, res.AddedSKUs)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "B", res.Failed[0].SKU)
	assert.True(t, res.Verified)
}

func TestBuildVerificationReclassifiesMissingSKUs(t *testing.T) {
	d := &fakeDriver{dropped: map[string]bool{"B": true}}
	res, err := Builder{Driver: d}.Build(context.Background(), items("A", "B"), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, failures.ReasonNotInCart, res.Failed[0].Reason)
}

func TestBuildVerificationDroppingEverythingIsUnavailable(t *testing.T) {
	d := &fakeDriver{dropped: map[string]bool{"A": true, "B": true}}
	_, err := Builder{Driver: d}.Build(context.Background(), items("A", "B"), nil)
	var iu *failures.ItemUnavailableError
	require.ErrorAs(t, err, &iu)
	assert.Len(t, iu.Items, 2)
}

func TestBuildTrustsClicksWhenCartUnreadable(t *testing.T) {
	d := &fakeDriver{cartErr: errors.New("cart drawer did not open")}
	res, err := Builder{Driver: d}.Build(context.Background(), items("A"), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.False(t, res.Verified)
}

func TestBuildAbortsOnSessionFailure(t *testing.T) {
	d := &fakeDriver{errs: map[string]error{"A": failures.SessionExpired("cashcarry", "logged out")}}
	_, err := Builder{Driver: d}.Build(context.Background(), items("A", "B"), nil)
	assert.True(t, failures.Is(err, failures.KindSessionExpired))
	assert.Empty(t, d.added)
}

func TestBuildDefaultsQuantityAndSetsDelivery(t *testing.T) {
	d := &fakeDriver{}
	when := time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)
	_, err := Builder{Driver: d}.Build(context.Background(), []Item{{SKU: "A"}}, &when)
	require.NoError(t, err)
	assert.Equal(t, 1, d.added[0].Quantity)
	require.NotNil(t, d.delivery)
	assert.Equal(t, when, *d.delivery)
}

func TestBuildEmpty(t *testing.T) {
	res, err := Builder{Driver: &fakeDriver{}}.Build(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Added)
}

func TestParseDeliveryDate(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Time
		wantErr bool
	}{
		{"iso date", "2026-10-20", time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC), false},
		{"us date", "10/20/2026", time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC), false},
		{"us date short", "1/5/2027", time.Date(2027, 1, 5, 0, 0, 0, 0, time.UTC), false},
		{"rfc3339", "2026-10-20T06:30:00Z", time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC), false},
		{"whitespace", "  2026-10-20 ", time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC), false},
		{"invalid", "next tuesday", time.Time{}, true},
		{"empty", "", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDeliveryDate(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextDeliveryDay(t *testing.T) {
	fri := time.Date(2026, 10, 16, 15, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC), NextDeliveryDay(fri))
	assert.Equal(t, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC), NextDeliveryDay(fri, time.Saturday, time.Sunday))
}
