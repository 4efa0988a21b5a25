package tx

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txcore/internal/core/apperror"
)

func TestCompileRule_RejectsEmptyAndNonBool(t *testing.T) {
	_, err := CompileRule("")
	require.Error(t, err)

	_, err = CompileRule("code + httpStatus")
	require.Error(t, err, "a non-bool expression must be rejected at compile time")
}

func TestCompileRule_RejectsBadSyntax(t *testing.T) {
	_, err := CompileRule("code ==")
	require.Error(t, err)
}

func TestRuleEngine_Evaluate(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		err        error
		want       bool
	}{
		{
			name:       "matches code",
			expression: `code == "CONFLICT"`,
			err:        apperror.NewConflict("account was modified"),
			want:       true,
		},
		{
			name:       "matches httpStatus threshold",
			expression: `httpStatus >= 500`,
			err:        apperror.NewInternal(errors.New("boom")),
			want:       true,
		},
		{
			name:       "no match",
			expression: `code == "CONFLICT"`,
			err:        apperror.NewValidation("bad input"),
			want:       false,
		},
		{
			name:       "non-AppError sees empty code and zero status",
			expression: `code == "" && httpStatus == 0`,
			err:        errors.New("plain error"),
			want:       true,
		},
		{
			name:       "nil error never rolls back",
			expression: `code == "" || true`,
			err:        nil,
			want:       false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := CompileRule(tt.expression)
			require.NoError(t, err)
			assert.Equal(t, tt.want, engine.Evaluate(tt.err))
		})
	}
}

func TestRuleEngine_Predicate_WiresIntoDefinition(t *testing.T) {
	engine := MustCompileRule(`code == "CONFLICT"`)
	def := NewDefinition(Required).WithRollbackRules(engine.Predicate())

	assert.True(t, def.ShouldRollback(apperror.NewConflict("account was modified")))
	assert.False(t, def.ShouldRollback(apperror.NewValidation("bad input")))
	assert.False(t, def.ShouldRollback(nil))
}

func TestDefinition_ShouldRollback_DefaultsToRollbackOnAnyError(t *testing.T) {
	def := NewDefinition(Required)
	assert.True(t, def.ShouldRollback(errors.New("anything")))
	assert.False(t, def.ShouldRollback(nil))
}

func TestDefinition_WithRollbackRules_IsLogicalOr(t *testing.T) {
	onConflict := MustCompileRule(`code == "CONFLICT"`).Predicate()
	onValidation := MustCompileRule(`code == "VALIDATION_ERROR"`).Predicate()
	def := NewDefinition(Required).WithRollbackRules(onConflict, onValidation)

	assert.True(t, def.ShouldRollback(apperror.NewConflict("a was modified")))
	assert.True(t, def.ShouldRollback(apperror.NewValidation("bad")))
	assert.False(t, def.ShouldRollback(apperror.NewNotFound("a", 1)))
}

func TestMustCompileRule_PanicsOnBadExpression(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected MustCompileRule to panic on invalid expression")
		}
	}()
	MustCompileRule("not valid cel (((")
}
