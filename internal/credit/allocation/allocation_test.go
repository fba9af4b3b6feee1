package allocation

import (
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return parsed
}

func tsPtr(t *testing.T, value string) *time.Time {
	parsed := ts(t, value)
	return &parsed
}

func TestPlanDrawExpirySoonestFirst(t *testing.T) {
	created := ts(t, "2026-01-01T00:00:00Z")
	grants := []GrantView{
		{GrantID: 1, Available: 100, ValidUntil: nil, CreatedAt: created},
		{GrantID: 2, Available: 100, ValidUntil: tsPtr(t, "2026-03-01T00:00:00Z"), CreatedAt: created},
		{GrantID: 3, Available: 100, ValidUntil: tsPtr(t, "2026-02-01T00:00:00Z"), CreatedAt: created},
	}

	plan, err := PlanDraw(grants, 150)
	require.NoError(t, err)
	require.Len(t, plan, 2)

	assert.Equal(t, snowflake.ID(3), plan[0].GrantID)
	assert.Equal(t, int64(100), plan[0].Amount)
	assert.Equal(t, snowflake.ID(2), plan[1].GrantID)
	assert.Equal(t, int64(50), plan[1].Amount)
	assert.Equal(t, int64(150), Total(plan))
}

func TestPlanDrawNeverExpiringLast(t *testing.T) {
	created := ts(t, "2026-01-01T00:00:00Z")
	grants := []GrantView{
		{GrantID: 1, Available: 50, ValidUntil: nil, CreatedAt: created},
		{GrantID: 2, Available: 50, ValidUntil: tsPtr(t, "2026-06-01T00:00:00Z"), CreatedAt: created},
	}

	plan, err := PlanDraw(grants, 60)
	require.NoError(t, err)
	require.Len(t, plan, 2)
	assert.Equal(t, snowflake.ID(2), plan[0].GrantID)
	assert.Equal(t, snowflake.ID(1), plan[1].GrantID)
	assert.Equal(t, int64(10), plan[1].Amount)
}

func TestPlanDrawTieBreakByCreation(t *testing.T) {
	expiry := tsPtr(t, "2026-02-01T00:00:00Z")
	grants := []GrantView{
		{GrantID: 9, Available: 40, ValidUntil: expiry, CreatedAt: ts(t, "2026-01-02T00:00:00Z")},
		{GrantID: 5, Available: 40, ValidUntil: expiry, CreatedAt: ts(t, "2026-01-01T00:00:00Z")},
	}

	plan, err := PlanDraw(grants, 50)
	require.NoError(t, err)
	require.Len(t, plan, 2)
	assert.Equal(t, snowflake.ID(5), plan[0].GrantID)
	assert.Equal(t, snowflake.ID(9), plan[1].GrantID)
}

func TestPlanDrawAllOrNothing(t *testing.T) {
	grants := []GrantView{
		{GrantID: 1, Available: 30, CreatedAt: ts(t, "2026-01-01T00:00:00Z")},
		{GrantID: 2, Available: 30, CreatedAt: ts(t, "2026-01-01T00:00:00Z")},
	}

	plan, err := PlanDraw(grants, 61)
	assert.Nil(t, plan)
	assert.True(t, errors.Is(err, creditdomain.ErrInsufficientCredits))
}

func TestPlanDrawSkipsExhaustedGrants(t *testing.T) {
	grants := []GrantView{
		{GrantID: 1, Available: 0, CreatedAt: ts(t, "2026-01-01T00:00:00Z")},
		{GrantID: 2, Available: 10, CreatedAt: ts(t, "2026-01-01T00:00:00Z")},
	}

	plan, err := PlanDraw(grants, 10)
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, snowflake.ID(2), plan[0].GrantID)
}

func TestPlanDrawRejectsNonPositive(t *testing.T) {
	_, err := PlanDraw(nil, 0)
	assert.True(t, errors.Is(err, creditdomain.ErrInvalidAmount))

	_, err = PlanDraw(nil, -5)
	assert.True(t, errors.Is(err, creditdomain.ErrInvalidAmount))
}

func TestPlanReturnDrainsInRecordedOrder(t *testing.T) {
	details := []DetailView{
		{GrantID: 1, Amount: 30},
		{GrantID: 2, Amount: 20},
	}

	plan, err := PlanReturn(details, 40)
	require.NoError(t, err)
	require.Len(t, plan, 2)
	assert.Equal(t, snowflake.ID(1), plan[0].GrantID)
	assert.Equal(t, int64(30), plan[0].Amount)
	assert.Equal(t, snowflake.ID(2), plan[1].GrantID)
	assert.Equal(t, int64(10), plan[1].Amount)
}

func TestPlanReturnSkipsDrainedDetails(t *testing.T) {
	details := []DetailView{
		{GrantID: 1, Amount: 0},
		{GrantID: 2, Amount: 25},
	}

	plan, err := PlanReturn(details, 25)
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, snowflake.ID(2), plan[0].GrantID)
}

func TestPlanReturnOverdraw(t *testing.T) {
	details := []DetailView{{GrantID: 1, Amount: 10}}

	_, err := PlanReturn(details, 11)
	assert.True(t, errors.Is(err, creditdomain.ErrInvalidState))
}
