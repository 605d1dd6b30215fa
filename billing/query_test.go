package billing_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
)

func TestGetPlanByEnrollment_DerivedStatuses(t *testing.T) {
	// GIVEN: the reference plan on Feb 15 with #1 paid
	f := newFixture(t)
	f.enroll("enr-1", "term-1")
	view := f.scenarioPlan("enr-1")
	_, err := f.pay(view.Installments[0].ID)
	require.NoError(t, err)
	f.clock.Set(time.Date(2025, time.February, 15, 9, 0, 0, 0, time.UTC))

	// WHEN
	got, err := f.engine.GetPlanByEnrollment(f.ctx, "enr-1")

	// THEN
	require.NoError(t, err)
	require.NotNil(t, got.Enrollment)
	assert.Equal(t, "Student enr-1", got.Enrollment.StudentName)
	statuses := []billing.InstallmentStatus{}
	for _, inst := range got.Installments {
		statuses = append(statuses, inst.Status)
	}
	assert.Equal(t, []billing.InstallmentStatus{billing.StatusPaid, billing.StatusOverdue, billing.StatusPending}, statuses)
}

func TestGetPlanByEnrollment_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.GetPlanByEnrollment(f.ctx, "enr-x")
	assert.True(t, billing.IsNotFound(err))

	_, err = f.engine.GetBalance(f.ctx, "enr-x")
	assert.True(t, billing.IsNotFound(err))
}

// mapCache is an in-process BalanceCache that counts calls.
type mapCache struct {
	mu          sync.Mutex
	items       map[string]billing.PlanBalance
	gens        map[string]int64
	hits        int
	invalidated []string
}

func newMapCache() *mapCache {
	return &mapCache{items: map[string]billing.PlanBalance{}, gens: map[string]int64{}}
}

func (c *mapCache) Get(_ context.Context, id string) (*billing.PlanBalance, int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.items[id]
	if ok {
		c.hits++
		return &b, c.gens[id], true
	}
	return nil, c.gens[id], false
}

func (c *mapCache) Set(_ context.Context, id string, gen int64, b billing.PlanBalance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[id] != gen {
		return
	}
	c.items[id] = b
}

func (c *mapCache) Invalidate(_ context.Context, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[id]++
	delete(c.items, id)
	c.invalidated = append(c.invalidated, id)
}

// pausingStore blocks the first armed ListInstallments call after it has
// read, until release is closed.
type pausingStore struct {
	billing.Store
	armed   atomic.Bool
	reached chan struct{}
	release chan struct{}
}

func (s *pausingStore) ListInstallments(ctx context.Context, planID string) ([]billing.Installment, error) {
	items, err := s.Store.ListInstallments(ctx, planID)
	if s.armed.CompareAndSwap(true, false) {
		close(s.reached)
		<-s.release
	}
	return items, err
}

func TestGetBalance_CachedAndInvalidatedOnPayment(t *testing.T) {
	cache := newMapCache()
	f := newFixture(t, billing.WithBalanceCache(cache))
	f.enroll("enr-1", "term-1")
	view := f.scenarioPlan("enr-1")

	// first read fills, second read hits
	_, err := f.engine.GetBalance(f.ctx, "enr-1")
	require.NoError(t, err)
	b, err := f.engine.GetBalance(f.ctx, "enr-1")
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)
	assert.True(t, b.TotalPaid.IsZero())

	// a payment drops the cached value
	_, err = f.pay(view.Installments[0].ID)
	require.NoError(t, err)
	b, err = f.engine.GetBalance(f.ctx, "enr-1")
	require.NoError(t, err)
	assert.True(t, b.TotalPaid.Equal(money("83.33")))
	assert.Contains(t, cache.invalidated, "enr-1")
}

func TestGetBalance_SlowReaderDoesNotRefillStaleBalance(t *testing.T) {
	// GIVEN: a reader paused after loading installments, before filling the cache
	cache := newMapCache()
	f := newFixture(t, billing.WithBalanceCache(cache))
	f.enroll("enr-1", "term-1")
	view := f.scenarioPlan("enr-1")

	slow := &pausingStore{Store: f.store, reached: make(chan struct{}), release: make(chan struct{})}
	slow.armed.Store(true)
	reader := billing.NewEngine(slow, billing.WithClock(f.clock), billing.WithBalanceCache(cache))

	done := make(chan *billing.PlanBalance, 1)
	go func() {
		b, err := reader.GetBalance(f.ctx, "enr-1")
		assert.NoError(t, err)
		done <- b
	}()
	<-slow.reached

	// WHEN: a payment commits and invalidates, then the reader resumes
	_, err := f.pay(view.Installments[0].ID)
	require.NoError(t, err)
	close(slow.release)
	stale := <-done
	require.NotNil(t, stale)
	assert.True(t, stale.TotalPaid.IsZero(), "the in-flight read saw the old facts")

	// THEN: the next read reflects the payment
	b, err := f.engine.GetBalance(f.ctx, "enr-1")
	require.NoError(t, err)
	assert.True(t, b.TotalPaid.Equal(money("83.33")))
	assert.True(t, b.Balance.Equal(money("166.67")))
	assert.Equal(t, 1, b.PaidInstallments)
}

func TestListOverdueInstallments(t *testing.T) {
	// GIVEN: two plans on Feb 15
	f := newFixture(t)
	f.enroll("enr-1", "term-1")
	f.enroll("enr-2", "term-1")
	first := f.scenarioPlan("enr-1")
	_, err := f.engine.CreatePlan(f.ctx, billing.CreatePlanInput{
		EnrollmentID: "enr-2",
		TotalAmount:  money("100"),
		Installments: []billing.ScheduleRow{
			{InstallmentNumber: 1, Amount: money("50"), DueDate: day(2024, time.December, 20)},
			{InstallmentNumber: 2, Amount: money("50")},
		},
	})
	require.NoError(t, err)
	_, err = f.pay(first.Installments[0].ID)
	require.NoError(t, err)
	f.clock.Set(time.Date(2025, time.February, 15, 9, 0, 0, 0, time.UTC))

	// WHEN
	rows, page, err := f.engine.ListOverdueInstallments(f.ctx, billing.Page{})

	// THEN: unpaid rows due before today, oldest first; paid and undated rows excluded
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(2), page.Total)

	assert.Equal(t, "enr-2", rows[0].EnrollmentID)
	assert.Equal(t, "Student enr-2", rows[0].StudentName)
	assert.Equal(t, 57, rows[0].DaysOverdue)

	assert.Equal(t, "enr-1", rows[1].EnrollmentID)
	assert.Equal(t, 2, rows[1].Installment.InstallmentNumber)
	assert.Equal(t, 14, rows[1].DaysOverdue)
	assert.Equal(t, "enr-1@example.com", rows[1].StudentEmail)
}

func TestListOverdueInstallments_DueTodayIsNotOverdue(t *testing.T) {
	f := newFixture(t)
	f.enroll("enr-1", "term-1")
	f.scenarioPlan("enr-1")
	f.clock.Set(time.Date(2025, time.February, 1, 23, 59, 0, 0, time.UTC))

	rows, _, err := f.engine.ListOverdueInstallments(f.ctx, billing.Page{})

	require.NoError(t, err)
	require.Len(t, rows, 1, "only the January installment")
	assert.Equal(t, 1, rows[0].Installment.InstallmentNumber)
}

func TestListUpcomingInstallments(t *testing.T) {
	f := newFixture(t)
	f.enroll("enr-1", "term-1")
	f.scenarioPlan("enr-1")
	f.clock.Set(time.Date(2025, time.January, 25, 12, 0, 0, 0, time.UTC))

	rows, _, err := f.engine.ListUpcomingInstallments(f.ctx, 7, billing.Page{})

	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].Installment.InstallmentNumber)
	assert.Equal(t, 7, rows[0].DaysUntilDue)

	rows, _, err = f.engine.ListUpcomingInstallments(f.ctx, 6, billing.Page{})
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, _, err = f.engine.ListUpcomingInstallments(f.ctx, -1, billing.Page{})
	assert.True(t, billing.IsValidation(err))
}

func TestListPlans_FilterAndPaginate(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"a", "b", "c"} {
		f.enroll(id, "term-1")
		f.scenarioPlan(id)
		f.clock.Set(f.clock.Now().Add(time.Minute))
	}
	f.enroll("d", "term-2")
	f.scenarioPlan("d")

	// term filter
	plans, page, err := f.engine.ListPlans(f.ctx, billing.PlanFilter{TermID: "term-1"})
	require.NoError(t, err)
	assert.Len(t, plans, 3)
	assert.Equal(t, int64(3), page.Total)
	assert.Equal(t, "c", plans[0].Plan.EnrollmentID, "newest first")
	assert.True(t, plans[0].Balance.Balance.Equal(money("250")))
	require.NotNil(t, plans[0].Enrollment)

	// pagination
	plans, page, err = f.engine.ListPlans(f.ctx, billing.PlanFilter{Page: billing.Page{Page: 2, Limit: 3}})
	require.NoError(t, err)
	assert.Len(t, plans, 1)
	assert.Equal(t, int64(4), page.Total)
	assert.Equal(t, 2, page.TotalPages)
	assert.False(t, page.HasNext)
	assert.True(t, page.HasPrev)

	// status filter
	plans, _, err = f.engine.ListPlans(f.ctx, billing.PlanFilter{Status: billing.PlanActive})
	require.NoError(t, err)
	assert.Len(t, plans, 4)
}
