package cache

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-loan-approvals/internal/repository"
	"github.com/pesio-ai/be-loan-approvals/internal/workflow"
)

func TestDecodeTiersKeepsDecimalPrecision(t *testing.T) {
	max := decimal.RequireFromString("50000.00")
	in := []*repository.ApprovalTier{{
		ID:            "tier-1",
		Name:          "Initial",
		MinAmount:     decimal.Zero,
		MaxAmount:     &max,
		AuthorityRole: workflow.RoleLoanOfficer,
		Active:        true,
	}}

	raw, err := json.Marshal(in)
	require.NoError(t, err)

	out, err := decodeTiers(raw)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.True(t, out[0].MaxAmount.Equal(max))
	require.Nil(t, out[0].CommitteeThreshold)
	require.Equal(t, workflow.RoleLoanOfficer, out[0].AuthorityRole)
}

func TestDecodeTiersRejectsGarbage(t *testing.T) {
	_, err := decodeTiers([]byte("{not json"))
	require.Error(t, err)
}
