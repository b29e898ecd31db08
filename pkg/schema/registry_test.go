package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra-labs/settld/pkg/codes"
)

func TestValidateKnownType(t *testing.T) {
	r := Default()
	err := r.Validate("WalletCredited", map[string]any{
		"amountCents": 5000,
		"currency":    "USD",
	})
	require.NoError(t, err)
}

func TestValidateRejectsMissingRequired(t *testing.T) {
	err := Default().Validate("WalletCredited", map[string]any{"currency": "USD"})
	require.Error(t, err)
	assert.Equal(t, codes.SchemaInvalid, codes.AsError(err).Code)
}

func TestValidateRejectsWrongType(t *testing.T) {
	err := Default().Validate("WalletCredited", map[string]any{
		"amountCents": "5000",
		"currency":    "USD",
	})
	require.Error(t, err)
}

func TestValidateUnknownTypeFailsClosed(t *testing.T) {
	err := Default().Validate("NoSuchEvent", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, codes.SchemaInvalid, codes.AsError(err).Code)
}

func TestValidateStoredRemapsCode(t *testing.T) {
	err := Default().ValidateStored("WalletCredited", map[string]any{"currency": "USD"})
	require.Error(t, err)
	assert.Equal(t, codes.EventPayloadInvalid, codes.AsError(err).Code)
}

func TestGatePayloadSchemas(t *testing.T) {
	r := Default()

	require.NoError(t, r.Validate("GateCreated", map[string]any{
		"gateId":       "gate_1",
		"payerAgentId": "agent_p",
		"payeeAgentId": "agent_q",
		"amountCents":  400,
		"currency":     "USD",
	}))

	err := r.Validate("GateSettlementResolved", map[string]any{
		"status":              "split",
		"releasedAmountCents": 1,
		"refundedAmountCents": 1,
	})
	require.Error(t, err, "status outside enum must be rejected")
}

func TestAllDeclaredDocumentsCompile(t *testing.T) {
	for eventType := range documents {
		assert.True(t, Default().Known(eventType), eventType)
	}
}
