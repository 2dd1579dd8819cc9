package liskrover

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidator_ValidateStructure(t *testing.T) {
	v := NewValidator()

	t.Run("valid", func(t *testing.T) {
		b := nativeBlock{ID: "b2", Height: 2, PreviousBlock: "b1", NumberOfTransactions: 2}
		err := v.ValidateStructure(b, []nativeTx{{ID: "t1"}, {ID: "t2"}})
		require.NoError(t, err)
	})

	t.Run("missing id", func(t *testing.T) {
		b := nativeBlock{Height: 2, PreviousBlock: "b1"}
		require.Error(t, v.ValidateStructure(b, nil))
	})

	t.Run("missing parent above genesis", func(t *testing.T) {
		b := nativeBlock{ID: "b2", Height: 2}
		require.Error(t, v.ValidateStructure(b, nil))
	})

	t.Run("genesis may omit parent", func(t *testing.T) {
		b := nativeBlock{ID: "b1", Height: 1}
		require.NoError(t, v.ValidateStructure(b, nil))
	})

	t.Run("tx count mismatch", func(t *testing.T) {
		b := nativeBlock{ID: "b2", Height: 2, PreviousBlock: "b1", NumberOfTransactions: 2}
		require.Error(t, v.ValidateStructure(b, []nativeTx{{ID: "t1"}}))
	})
}
