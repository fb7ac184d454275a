package expr

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluateSimpleReference(t *testing.T) {
	vars := map[string]interface{}{
		"fetch": map[string]interface{}{"status_code": 200},
	}
	result, err := Evaluate("$fetch.status_code == 200", vars)
	require.NoError(t, err)
	require.Equal(t, true, result)
}

func TestEvaluateArithmetic(t *testing.T) {
	vars := map[string]interface{}{
		"a": map[string]interface{}{"count": 3.0},
		"b": map[string]interface{}{"count": 4.0},
	}
	result, err := Evaluate("$a.count + $b.count", vars)
	require.NoError(t, err)
	require.Equal(t, 7.0, result)
}

func TestEvaluateArrayIndex(t *testing.T) {
	vars := map[string]interface{}{
		"parse": map[string]interface{}{
			"items": []interface{}{"first", "second"},
		},
	}
	result, err := Evaluate(`$parse.items[1] == "second"`, vars)
	require.NoError(t, err)
	require.Equal(t, true, result)
}

func TestEvaluateNestedFields(t *testing.T) {
	vars := map[string]interface{}{
		"resp": map[string]interface{}{
			"body": map[string]interface{}{
				"user": map[string]interface{}{"name": "ada"},
			},
		},
	}
	result, err := Evaluate(`$resp.body.user.name`, vars)
	require.NoError(t, err)
	require.Equal(t, "ada", result)
}

func TestEvaluateUnresolvableReferenceIsNil(t *testing.T) {
	result, err := Evaluate("$missing.field == 1", map[string]interface{}{})
	require.NoError(t, err)
	require.Equal(t, false, result)
}

func TestEvaluateRejectsMalformedExpression(t *testing.T) {
	_, err := Evaluate("$a.count +", map[string]interface{}{})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "parse"))
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate("$a.count > 0 && $b.ok"))
	require.Error(t, Validate("$a.count >"))
}

func TestRegisteredFunction(t *testing.T) {
	RegisterFunction("strlen", func(args ...interface{}) (interface{}, error) {
		return float64(len(args[0].(string))), nil
	})

	vars := map[string]interface{}{
		"task": map[string]interface{}{"name": "hello"},
	}
	result, err := Evaluate(`strlen($task.name)`, vars)
	require.NoError(t, err)
	require.Equal(t, 5.0, result)
}
