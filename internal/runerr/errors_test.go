package runerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Format(t *testing.T) {
	cause := errors.New("bad header")
	err := Schema("b1.csv", "header mismatch", cause)

	assert.Equal(t, "SCHEMA_ERROR: header mismatch (b1.csv): bad header", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "stage", err.Step)
}

func TestError_FormatWithoutSubjectOrCause(t *testing.T) {
	err := &Error{Code: CodeMergeTransaction, Message: "commit failed"}
	assert.Equal(t, "MERGE_TRANSACTION_ERROR: commit failed", err.Error())
}

func TestPredicates_Wrapped(t *testing.T) {
	tests := []struct {
		name string
		err  error
		pred func(error) bool
	}{
		{"schema", Schema("f", "m", nil), IsSchemaError},
		{"relocation", Relocation("f", "m", nil), IsRelocationError},
		{"merge", MergeTransaction("t", "m", nil), IsMergeTransactionError},
		{"conflict", ConcurrencyConflict("merge", "t", "run-1"), IsConcurrencyConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.True(t, tt.pred(wrapped))
			assert.False(t, tt.pred(errors.New("plain")))
		})
	}
}

func TestConcurrencyConflict_Message(t *testing.T) {
	assert.Equal(t, "target held by run-1", ConcurrencyConflict("merge", "orders", "run-1").Message)
	assert.Equal(t, "another run is in flight", ConcurrencyConflict("run", "orders", "").Message)
}

func TestCodeOf_Nil(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(nil))
}
