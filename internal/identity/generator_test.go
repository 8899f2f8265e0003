package identity

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateDeterminism(t *testing.T) {
	id1 := Generate("OrderSaga", "OrderId", `"A1"`)
	id2 := Generate("OrderSaga", "OrderId", `"A1"`)

	assert.Equal(t, id1, id2, "Generate must be deterministic")
	assert.NotEqual(t, uuid.Nil, id1)
}

func TestGenerateChangesWithEachField(t *testing.T) {
	base := Generate("OrderSaga", "OrderId", `"A1"`)

	assert.NotEqual(t, base, Generate("InvoiceSaga", "OrderId", `"A1"`), "different type")
	assert.NotEqual(t, base, Generate("OrderSaga", "OrderNumber", `"A1"`), "different property")
	assert.NotEqual(t, base, Generate("OrderSaga", "OrderId", `"A2"`), "different value")
}

func TestGenerateFieldBoundaries(t *testing.T) {
	// Moving characters across a field boundary must change the identifier,
	// which a plain delimiter-joined concatenation would not guarantee.
	a := Generate("Order_Saga", "Id", `"1"`)
	b := Generate("Order", "Saga_Id", `"1"`)
	c := Generate("Order_Saga_Id", "", `"1"`)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, b, c)
}

func TestGenerateForMatchesGenerate(t *testing.T) {
	id, err := GenerateFor("OrderSaga", "OrderId", "A1")
	require.NoError(t, err)

	assert.Equal(t, Generate("OrderSaga", "OrderId", `"A1"`), id)
}

func TestGenerateForDistinguishesTypes(t *testing.T) {
	asString := MustGenerateFor("OrderSaga", "OrderId", "42")
	asInt := MustGenerateFor("OrderSaga", "OrderId", 42)

	assert.NotEqual(t, asString, asInt, "string \"42\" and integer 42 are different correlation values")
}

func TestGenerateForRejectsFloat(t *testing.T) {
	_, err := GenerateFor("OrderSaga", "Amount", 1.25)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GenerateFor")
}

func TestMustGenerateForPanics(t *testing.T) {
	assert.Panics(t, func() {
		MustGenerateFor("OrderSaga", "Amount", 1.25)
	})
}

func TestRowKeyIsIdentifierHashOfPartition(t *testing.T) {
	partition := "Index_OrderSaga_OrderId_\"A1\""

	assert.Equal(t, Sum128(DomainIdentifier, partition).String(), rowKeyFor(partition))
	assert.Equal(t, "c94bb2c3-cfb3-8665-6e0d-cdd265e8bcf7", rowKeyFor(partition))
	assert.NotEqual(t, Generate("OrderSaga", "OrderId", `"A1"`).String(), rowKeyFor(partition))
}
