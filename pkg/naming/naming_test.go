package naming

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildFullName(t *testing.T) {
	t.Parallel()

	full, err := BuildFullName("myapp", "AzureDbSettings", "ConnectionString")
	require.NoError(t, err)
	assert.Equal(t, "myapp-AzureDbSettings--ConnectionString", full)
}

func TestBuildFullNameRejectsViolations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		identity string
		scope    string
		leaf     string
		part     string
	}{
		{"empty identity", "", "Db", "X", "identity"},
		{"empty scope", "myapp", "", "X", "scope"},
		{"empty leaf", "myapp", "Db", "", "name"},
		{"separator in identity", "my--app", "Db", "X", "identity"},
		{"separator in scope", "myapp", "Db--Prod", "X", "scope"},
		{"identity trailing dash", "myapp-", "Db", "X", "identity"},
		{"scope leading dash", "myapp", "-Db", "X", "scope"},
		{"underscore in identity", "my_app", "Db", "X", "identity"},
		{"space in scope", "myapp", "Db Settings", "X", "scope"},
		{"slash in leaf", "myapp", "Db", "a/b", "name"},
		{"too long", "myapp", "Db", strings.Repeat("a", MaxNameLength), "full name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildFullName(tt.identity, tt.scope, tt.leaf)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConventionViolation))

			var convErr *ConventionError
			require.True(t, errors.As(err, &convErr))
			assert.Equal(t, tt.part, convErr.Part)
		})
	}
}

func TestMatchRoundTrip(t *testing.T) {
	t.Parallel()

	triples := []struct{ id, scope, leaf string }{
		{"myapp", "AzureDbSettings", "ConnectionString"},
		{"utility", "PRD", "MySecret"},
		{"my-app", "FTPserverSettings", "Password"},
		{"a", "b", "c"},
		{"myapp", "Db", "Conn--Primary"},
		{"myapp", "Db", "trailing--"},
		{"myapp", "Db", "-leading"},
		{"myapp", "Db", "a--b--c"},
		{"App1", "Scope-With-Dashes", "Leaf-With-Dashes"},
	}

	for _, tr := range triples {
		t.Run(tr.id+"/"+tr.scope+"/"+tr.leaf, func(t *testing.T) {
			full, err := BuildFullName(tr.id, tr.scope, tr.leaf)
			require.NoError(t, err)

			leaf, ok := Match(full, tr.id, tr.scope)
			require.True(t, ok)
			assert.Equal(t, tr.leaf, leaf)
		})
	}
}

func TestMatchRejectsForeignNames(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		candidate string
	}{
		{"other application", "otherapp-Db--ConnectionString"},
		{"other scope", "myapp-Cache--ConnectionString"},
		{"leaf appears later in name", "x-myapp-Db--ConnectionString"},
		{"single dash separator", "myapp-Db-ConnectionString"},
		{"prefix only", "myapp-Db--"},
		{"scope is a prefix of a longer scope", "myapp-DbExtra--ConnectionString"},
		{"case differs", "MyApp-Db--ConnectionString"},
		{"bare leaf", "ConnectionString"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			leaf, ok := Match(tt.candidate, "myapp", "Db")
			assert.False(t, ok)
			assert.Empty(t, leaf)
		})
	}
}

// The separator between scope and leaf is the first "--" after the scope.
// These two cases pin that rule from both sides.
func TestMatchSplitsOnFirstSeparator(t *testing.T) {
	t.Parallel()

	leaf, ok := Match("myapp-Db--Extra--Name", "myapp", "Db")
	require.True(t, ok)
	assert.Equal(t, "Extra--Name", leaf)

	// A scope that would only line up under a last-occurrence rule is
	// not a valid scope at all, so it never matches.
	leaf, ok = Match("myapp-Db--Extra--Name", "myapp", "Db--Extra")
	assert.False(t, ok)
	assert.Empty(t, leaf)
}

func TestMatchWithInvalidInputs(t *testing.T) {
	t.Parallel()

	_, ok := Match("myapp-Db--X", "", "Db")
	assert.False(t, ok)
	_, ok = Match("myapp-Db--X", "myapp", "")
	assert.False(t, ok)
}

func TestFilter(t *testing.T) {
	t.Parallel()

	names := []string{
		"myapp-Db--Password",
		"myapp-Db--ConnectionString",
		"myapp-Cache--Password",
		"otherapp-Db--Password",
		"unrelated",
	}

	assert.Equal(t, []string{"ConnectionString", "Password"}, Filter(names, "myapp", "Db"))
	assert.Empty(t, Filter(names, "nobody", "Db"))
	assert.Empty(t, Filter(nil, "myapp", "Db"))
}

func TestPrefix(t *testing.T) {
	t.Parallel()

	p, err := Prefix("myapp", "Db")
	require.NoError(t, err)
	assert.Equal(t, "myapp-Db--", p)

	_, err = Prefix("myapp", "")
	assert.ErrorIs(t, err, ErrConventionViolation)
}

func TestValidateHelpers(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateIdentity("myapp"))
	assert.NoError(t, ValidateScope("AzureDbSettings"))
	assert.ErrorIs(t, ValidateIdentity("a--b"), ErrConventionViolation)
	assert.ErrorIs(t, ValidateScope(""), ErrConventionViolation)
}

func TestIdentityFromExecutable(t *testing.T) {
	t.Parallel()

	// the test binary is "naming.test"
	id, err := IdentityFromExecutable()
	require.NoError(t, err)
	assert.Equal(t, "naming", id)
}

func TestConventionErrorMessage(t *testing.T) {
	t.Parallel()

	err := &ConventionError{Part: "scope", Value: "a--b", Reason: "must not contain --"}
	assert.Equal(t, `naming convention violation: scope "a--b" must not contain --`, err.Error())
}
