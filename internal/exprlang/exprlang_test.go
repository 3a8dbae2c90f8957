package exprlang

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalArithmeticOnRegisters(t *testing.T) {
	result, err := Eval("registers[0]*65536+registers[1]", Env{
		"registers": []any{1, 2},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 65538, result)
}

func TestEvalHelperFunctions(t *testing.T) {
	result, err := Eval("round(float(payload) * 10) / 10", Env{"payload": "3.14159"})
	require.NoError(t, err)
	assert.InDelta(t, 3.1, result, 0.001)
}

func TestEvalUndefinedVariableDoesNotPanic(t *testing.T) {
	_, err := Eval("missing == nil", Env{})
	assert.NoError(t, err)
}

func TestEvalRejectsUnknownIdentifierCalls(t *testing.T) {
	_, err := Eval("os.Exit(1)", Env{})
	assert.Error(t, err)
}
