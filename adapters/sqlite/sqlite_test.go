package sqlite_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/artpar/billcycle/adapters/sqlite"
	"github.com/artpar/billcycle/domain/account"
	"github.com/artpar/billcycle/domain/billing"
	"github.com/artpar/billcycle/domain/fault"
	"github.com/artpar/billcycle/domain/payment"
	"github.com/artpar/billcycle/domain/plan"
)

func setupTestDB(t *testing.T) (*sqlite.DB, func()) {
	t.Helper()

	// Create temp file for test database
	f, err := os.CreateTemp("", "billcycle-test-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	path := f.Name()
	f.Close()

	db, err := sqlite.Open(path)
	if err != nil {
		os.Remove(path)
		t.Fatalf("open database: %v", err)
	}

	if err := db.Migrate(); err != nil {
		db.Close()
		os.Remove(path)
		t.Fatalf("migrate: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.Remove(path)
		os.Remove(path + "-wal")
		os.Remove(path + "-shm")
	}

	return db, cleanup
}

var t0 = time.Date(2026, 1, 31, 9, 30, 0, 0, time.UTC)

func TestMigrate_Idempotent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

// -----------------------------------------------------------------------------
// AccountStore Tests
// -----------------------------------------------------------------------------

func TestAccountStore_RoundTrip(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewAccountStore(db)
	ctx := context.Background()

	a, err := account.New("acct_1", "Acme", "ops@acme.test", "pro", plan.Monthly, t0)
	if err != nil {
		t.Fatalf("account.New: %v", err)
	}
	a.PaymentMethods, _ = a.PaymentMethods.Add(payment.Method{
		ID: "pm_1", Brand: "visa", Last4: "4242", ExpMonth: 12, ExpYear: 2028, AddedAt: t0,
	})
	a.PaymentMethods, _ = a.PaymentMethods.Add(payment.Method{
		ID: "pm_2", Brand: "mastercard", Last4: "5555", ExpMonth: 1, ExpYear: 2029, AddedAt: t0,
	})
	a.Subscription, _ = billing.QueueChange(a.Subscription, billing.PlanChange{PlanID: "business", RequestedAt: t0})

	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, a); !errors.Is(err, fault.ErrDuplicate) {
		t.Errorf("duplicate Create err = %v", err)
	}

	got, err := store.Get(ctx, "acct_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "Acme" || got.Email != "ops@acme.test" || got.Status != account.StatusActive {
		t.Errorf("identity = %s %s %s", got.Name, got.Email, got.Status)
	}
	sub := got.Subscription
	if sub.PlanID != "pro" || sub.Period != plan.Monthly || !sub.CycleStart.Equal(t0) || !sub.CycleEnd.Equal(a.Subscription.CycleEnd) {
		t.Errorf("subscription = %+v", sub)
	}
	if sub.CyclePlanID != "pro" || sub.BilledPlanID() != "pro" {
		t.Errorf("cycle plan = %q", sub.CyclePlanID)
	}
	if sub.State != billing.StatePendingPlanChange || sub.Pending == nil || sub.Pending.PlanID != "business" {
		t.Errorf("pending = %+v, state %s", sub.Pending, sub.State)
	}
	if got.PaymentMethods.Len() != 2 {
		t.Fatalf("payment methods = %d, want 2", got.PaymentMethods.Len())
	}
	if d, _ := got.PaymentMethods.Default(); d.ID != "pm_1" {
		t.Errorf("default = %s, want pm_1", d.ID)
	}

	if _, err := store.Get(ctx, "acct_404"); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("Get(missing) err = %v", err)
	}
}

func TestAccountStore_UpdateAndListDue(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewAccountStore(db)
	ctx := context.Background()

	early, _ := account.New("acct_early", "", "", "pro", plan.Monthly, t0)
	late, _ := account.New("acct_late", "", "", "pro", plan.Monthly, t0.AddDate(0, 0, 5))
	yearly, _ := account.New("acct_yearly", "", "", "pro", plan.Yearly, t0)
	for _, a := range []account.Account{late, early, yearly} {
		if err := store.Create(ctx, a); err != nil {
			t.Fatalf("Create %s: %v", a.ID, err)
		}
	}

	now := t0.AddDate(0, 2, 0)
	due, err := store.ListDue(ctx, now, 0)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 2 || due[0].ID != "acct_early" || due[1].ID != "acct_late" {
		t.Fatalf("due = %v", accountIDs(due))
	}

	canceled, _ := account.Cancel(early, now)
	if err := store.Update(ctx, canceled); err != nil {
		t.Fatalf("Update: %v", err)
	}
	due, _ = store.ListDue(ctx, now, 0)
	if len(due) != 1 || due[0].ID != "acct_late" {
		t.Errorf("after cancel due = %v", accountIDs(due))
	}

	got, _ := store.Get(ctx, "acct_early")
	if got.Status != account.StatusCanceled || got.CanceledAt == nil || !got.Subscription.IsCanceled() {
		t.Errorf("canceled account = %+v", got)
	}

	ghost, _ := account.New("acct_ghost", "", "", "pro", plan.Monthly, t0)
	if err := store.Update(ctx, ghost); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("Update(missing) err = %v", err)
	}
}

func accountIDs(list []account.Account) []string {
	out := make([]string, len(list))
	for i, a := range list {
		out[i] = a.ID
	}
	return out
}

// -----------------------------------------------------------------------------
// InvoiceStore Tests
// -----------------------------------------------------------------------------

func cycleInvoice(id string, start time.Time) billing.Invoice {
	items := []billing.InvoiceItem{
		{Description: "Pro (monthly)", Quantity: 1, UnitPrice: 14900, Amount: 14900},
		{Description: "submissions overage", Quantity: 3, UnitPrice: 2, Amount: 6},
	}
	return billing.NewInvoice(id, "acct_1", "pro", billing.ReasonCycle, start, start.AddDate(0, 1, 0), items, "usd", "Pro plan", start)
}

func TestInvoiceStore_AppendAndGet(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewInvoiceStore(db)
	ctx := context.Background()

	inv := cycleInvoice("inv_1", t0)
	if err := store.Append(ctx, inv); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := store.Get(ctx, "inv_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Amount != 14906 || len(got.Items) != 2 || got.Items[1].Quantity != 3 {
		t.Errorf("invoice = %+v", got)
	}
	if got.Status != billing.InvoiceStatusPending || !got.PeriodStart.Equal(t0) || got.PaidAt != nil {
		t.Errorf("status %s, period start %v, paid at %v", got.Status, got.PeriodStart, got.PaidAt)
	}

	if err := store.Append(ctx, cycleInvoice("inv_2", t0)); !errors.Is(err, fault.ErrDuplicate) {
		t.Errorf("same period err = %v", err)
	}
	if _, err := store.Get(ctx, "inv_404"); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("Get(missing) err = %v", err)
	}
}

func TestInvoiceStore_ProrationSharesPeriod(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewInvoiceStore(db)
	ctx := context.Background()

	if err := store.Append(ctx, cycleInvoice("inv_1", t0)); err != nil {
		t.Fatalf("Append cycle: %v", err)
	}
	for _, id := range []string{"inv_2", "inv_3"} {
		p := cycleInvoice(id, t0)
		p.Reason = billing.ReasonProration
		if err := store.Append(ctx, p); err != nil {
			t.Errorf("Append proration %s: %v", id, err)
		}
	}
	if err := store.Append(ctx, cycleInvoice("inv_4", t0)); !errors.Is(err, fault.ErrDuplicate) {
		t.Errorf("second cycle invoice err = %v", err)
	}

	list, _ := store.ListByAccount(ctx, "acct_1", 0)
	if len(list) != 3 {
		t.Errorf("stored %d invoices, want 3", len(list))
	}
}

func TestInvoiceStore_ListPending(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewInvoiceStore(db)
	ctx := context.Background()

	for i, id := range []string{"inv_1", "inv_2", "inv_3"} {
		inv := cycleInvoice(id, t0.AddDate(0, i, 0))
		inv.CreatedAt = t0.Add(time.Duration(i) * time.Minute)
		if err := store.Append(ctx, inv); err != nil {
			t.Fatalf("Append %s: %v", id, err)
		}
	}
	if _, err := store.Apply(ctx, "inv_1", billing.ActionPay, t0); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	pending, err := store.ListPending(ctx, 0)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "inv_2" || pending[1].ID != "inv_3" {
		t.Errorf("pending = %d invoices", len(pending))
	}
	if len(pending) > 0 && len(pending[0].Items) != 2 {
		t.Errorf("pending items = %d, want 2", len(pending[0].Items))
	}

	one, _ := store.ListPending(ctx, 1)
	if len(one) != 1 || one[0].ID != "inv_2" {
		t.Errorf("limited = %d invoices", len(one))
	}
}

func TestInvoiceStore_ListByAccountNewestFirst(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewInvoiceStore(db)
	ctx := context.Background()

	for i, id := range []string{"inv_1", "inv_2", "inv_3"} {
		if err := store.Append(ctx, cycleInvoice(id, t0.AddDate(0, i, 0))); err != nil {
			t.Fatalf("Append %s: %v", id, err)
		}
	}

	list, err := store.ListByAccount(ctx, "acct_1", 0)
	if err != nil {
		t.Fatalf("ListByAccount: %v", err)
	}
	if len(list) != 3 || list[0].ID != "inv_3" || list[2].ID != "inv_1" {
		t.Errorf("order wrong: %d invoices", len(list))
	}

	limited, _ := store.ListByAccount(ctx, "acct_1", 1)
	if len(limited) != 1 || limited[0].ID != "inv_3" {
		t.Errorf("limited = %d invoices", len(limited))
	}

	none, err := store.ListByAccount(ctx, "acct_404", 0)
	if err != nil || len(none) != 0 {
		t.Errorf("unknown account: %d invoices, err %v", len(none), err)
	}
}

func TestInvoiceStore_Apply(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewInvoiceStore(db)
	ctx := context.Background()
	store.Append(ctx, cycleInvoice("inv_1", t0))

	paidAt := t0.Add(time.Hour)
	paid, err := store.Apply(ctx, "inv_1", billing.ActionPay, paidAt)
	if err != nil {
		t.Fatalf("Apply(pay): %v", err)
	}
	if paid.Status != billing.InvoiceStatusPaid {
		t.Errorf("status = %s, want paid", paid.Status)
	}

	if _, err := store.Apply(ctx, "inv_1", billing.ActionPay, paidAt); !errors.Is(err, fault.ErrInvalidTransition) {
		t.Errorf("second pay err = %v", err)
	}

	got, _ := store.Get(ctx, "inv_1")
	if got.Status != billing.InvoiceStatusPaid || got.PaidAt == nil || !got.PaidAt.Equal(paidAt) {
		t.Errorf("stored status %s, paid at %v", got.Status, got.PaidAt)
	}

	refunded, err := store.Apply(ctx, "inv_1", billing.ActionRefund, paidAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("Apply(refund): %v", err)
	}
	if refunded.RefundedAt == nil || refunded.PaidAt == nil {
		t.Errorf("refund lost timestamps: %+v", refunded)
	}

	if _, err := store.Apply(ctx, "inv_404", billing.ActionPay, paidAt); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("missing invoice err = %v", err)
	}
}

// -----------------------------------------------------------------------------
// UsageStore Tests
// -----------------------------------------------------------------------------

func TestUsageStore_AddGetReset(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewUsageStore(db)
	ctx := context.Background()
	next := t0.AddDate(0, 1, 0)

	if v, err := store.Add(ctx, "acct_1", t0, "submissions", 10); err != nil || v != 10 {
		t.Fatalf("Add = %d, %v", v, err)
	}
	if v, _ := store.Add(ctx, "acct_1", t0, "submissions", 5); v != 15 {
		t.Errorf("Add = %d, want 15", v)
	}
	if v, _ := store.Add(ctx, "acct_1", t0, "submissions", -3); v != 12 {
		t.Errorf("Add(-3) = %d, want 12", v)
	}
	store.Add(ctx, "acct_1", t0, "forms", 2)
	store.Add(ctx, "acct_1", next, "forms", 1)

	got, err := store.Get(ctx, "acct_1", t0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got["submissions"] != 12 || got["forms"] != 2 {
		t.Errorf("counters = %v", got)
	}

	if err := store.Reset(ctx, "acct_1", t0); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	got, _ = store.Get(ctx, "acct_1", t0)
	if len(got) != 0 {
		t.Errorf("after reset = %v", got)
	}
	other, _ := store.Get(ctx, "acct_1", next)
	if other["forms"] != 1 {
		t.Errorf("reset touched next cycle: %v", other)
	}
}
