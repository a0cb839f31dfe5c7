package servicelayer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestFilterBuilder(t *testing.T) {
	f := Eq("CardCode", "O'Neil").And(Ge("DocTotal", 100.5), Le("DocDate", time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)))
	require.Equal(t, "CardCode eq 'O''Neil' and DocTotal ge 100.5 and DocDate le '2024-02-29'", f.String())

	or := Eq("CardType", "cCustomer").Or(Eq("CardType", "cSupplier"))
	require.Equal(t, "(CardType eq 'cCustomer' or CardType eq 'cSupplier')", or.String())

	combined := Ne("DocEntry", 5).And(or, Filter{}, Gt("PaidToDate", 0), Lt("DocNum", int64(9)))
	require.Equal(t,
		"DocEntry ne 5 and (CardType eq 'cCustomer' or CardType eq 'cSupplier') and PaidToDate gt 0 and DocNum lt 9",
		combined.String())

	require.True(t, Filter{}.And(Filter{}).IsZero())
	require.Equal(t, "Active eq true", Eq("Active", true).String())
}

func TestPartyTypeMapping(t *testing.T) {
	require.Equal(t, "cCustomer", PartyCustomer.CardType())
	require.Equal(t, "cSupplier", PartySupplier.CardType())
	require.Equal(t, "Invoices", PartyCustomer.invoiceEndpoint())
	require.Equal(t, "PurchaseInvoices", PartySupplier.invoiceEndpoint())
	require.Equal(t, "IncomingPayments", PartyCustomer.paymentEndpoint())
	require.Equal(t, "VendorPayments", PartySupplier.paymentEndpoint())
	require.Equal(t, "it_PurchaseInvoice", PartySupplier.InvoiceType())
}

func TestStaticCredentials(t *testing.T) {
	ctx := context.Background()
	creds := StaticCredentials{
		Default:    Credentials{UserName: "manager", Password: "p"},
		PerCompany: map[string]Credentials{"AR": {CompanyDB: "SBO_AR", UserName: "ar", Password: "q"}},
	}
	got, err := creds.Credentials(ctx, "US")
	require.NoError(t, err)
	require.Equal(t, "US", got.CompanyDB)
	got, err = creds.Credentials(ctx, "AR")
	require.NoError(t, err)
	require.Equal(t, "SBO_AR", got.CompanyDB)

	_, err = StaticCredentials{}.Credentials(ctx, "US")
	require.Error(t, err)
}

func TestRedisSessionStoreExpiresWithIdleTimeout(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisSessionStore(client, 30*time.Minute)

	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(ctx, Session{CompanyID: "US", ID: "abc", LastActivity: now}))
	got, ok, err := store.Get(ctx, "US")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "abc", got.ID)
	require.True(t, got.LastActivity.Equal(now))
	require.False(t, got.Expired(now.Add(30*time.Minute), 30*time.Minute))
	require.True(t, got.Expired(now.Add(31*time.Minute), 30*time.Minute))

	mr.FastForward(31 * time.Minute)
	_, ok, err = store.Get(ctx, "US")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Save(ctx, Session{CompanyID: "US", ID: "def", LastActivity: now}))
	require.NoError(t, store.Delete(ctx, "US"))
	_, ok, err = store.Get(ctx, "US")
	require.NoError(t, err)
	require.False(t, ok)
}
