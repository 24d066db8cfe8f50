package quota_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/serial-entry/internal/query"
	"github.com/noah-isme/serial-entry/internal/quota"
)

type row struct {
	item   string
	count  int
	active bool
}

func (r row) QuotaItemNumber() string { return r.item }
func (r row) QuotaCount() int         { return r.count }
func (r row) Active() bool            { return r.active }

func quotaConfig() quota.Config {
	return quota.Config{
		Link:     query.Request{Name: "QuotaLink"},
		Articles: query.Request{Name: "QuotaArticles", Fields: []string{"ItemNumber", "QuotaQuantity", "QuotaPeriod"}},
		Issued:   query.Request{Name: "QuotaIssued", Fields: []string{"ItemNumber", "QuotaIssued"}},
	}
}

func TestRemainingQuotaForCount(t *testing.T) {
	q := &quota.RowQuota{Ceiling: 10, HasCeiling: true}
	require.Equal(t, -2, q.RemainingQuotaForCount(12))
	require.Equal(t, 4, q.RemainingQuotaForCount(6))

	unlimited := &quota.RowQuota{}
	require.True(t, unlimited.Unlimited())
	require.Equal(t, 0, unlimited.RemainingQuotaForCount(1000))
}

func TestAutoCorrect(t *testing.T) {
	v, corrected := quota.AutoCorrect(5, -2)
	require.True(t, corrected)
	require.Equal(t, 3, v)

	v, corrected = quota.AutoCorrect(5, -7)
	require.True(t, corrected)
	require.Equal(t, 0, v)

	v, corrected = quota.AutoCorrect(5, 1)
	require.False(t, corrected)
	require.Equal(t, 5, v)
}

func TestHandlerLoadsAndSeeds(t *testing.T) {
	fake := query.NewFakeFinder().
		SetRecords("QuotaLink", query.Record{Root: "L1"}).
		SetRecords("QuotaArticles",
			query.Record{Values: []string{"A1", "10", "1"}},
			query.Record{Values: []string{"B2", "", ""}},
		).
		SetRecords("QuotaIssued",
			query.Record{Values: []string{"A1", "4"}},
			query.Record{Values: []string{"A1", "3"}},
		)
	h, err := quota.NewHandler(quotaConfig(), fake, zerolog.Nop())
	require.NoError(t, err)

	rows := []quota.Position{row{item: "A1", count: 3, active: true}, row{item: "A1", count: 9, active: false}}
	require.NoError(t, h.Load(context.Background(), rows))
	require.True(t, h.Loaded())

	reqs := fake.Requests()
	require.Len(t, reqs, 3)
	require.Equal(t, "L1", reqs[1].Params[quota.DefaultLinkParam])
	require.Equal(t, "L1", reqs[2].Params[quota.DefaultLinkParam])

	a1 := h.RowQuotaForItemNumber("A1")
	require.Same(t, a1, h.RowQuotaForItemNumber("A1"))
	require.Equal(t, 7, a1.Issued)
	require.Equal(t, 3, a1.InitialCount)
	// 10 - (7 - 3) - 3
	require.Equal(t, 3, a1.RemainingQuotaForCount(3))

	require.True(t, h.RowQuotaForItemNumber("B2").Unlimited())
	require.True(t, h.RowQuotaForItemNumber("C3").Unlimited())
}

func TestHandlerRequiresArticleSearch(t *testing.T) {
	_, err := quota.NewHandler(quota.Config{}, query.NewFakeFinder(), zerolog.Nop())
	require.ErrorIs(t, err, quota.ErrNotConfigured)

	cfg := quotaConfig()
	cfg.Articles.Fields = []string{"ItemNumber"}
	_, err = quota.NewHandler(cfg, query.NewFakeFinder(), zerolog.Nop())
	require.ErrorIs(t, err, quota.ErrNotConfigured)

	var h *quota.Handler
	require.Nil(t, h.RowQuotaForItemNumber("A1"))
	require.False(t, h.Loaded())
}

func TestHandlerStopsOnQueryError(t *testing.T) {
	fake := query.NewFakeFinder().Fail("QuotaIssued", errors.New("timeout"))
	h, err := quota.NewHandler(quotaConfig(), fake, zerolog.Nop())
	require.NoError(t, err)
	err = h.Load(context.Background(), nil)
	require.Error(t, err)
	require.Equal(t, quota.StepIssued, h.Step())
}

func TestPeriodBoundariesUseClock(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	h, err := quota.NewHandler(quotaConfig(), query.NewFakeFinder(), zerolog.Nop(), quota.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	require.Equal(t, now, h.QuotaStartDateForPeriod(1))
	require.Equal(t, now, h.QuotaEndDateForPeriod(1))
	require.Equal(t, now, h.RowQuotaForItemNumber("A1").PeriodStart())
}
