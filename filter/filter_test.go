package filter

import (
	"testing"

	"github.com/antonmedv/expr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalFilter(t *testing.T, targetFilter string, env Env) bool {
	t.Helper()
	res, err := expr.Eval(targetFilter, env)
	require.NoError(t, err)
	b, ok := res.(bool)
	require.True(t, ok, "filter must evaluate to bool")
	return b
}

func TestTargetFilter(t *testing.T) {
	env := NewEnv()
	env.Room = Room{Id: "lobby", Name: "Lobby", Tags: map[string]string{"min_level": "3"}}
	env.Source = Source{User: User{Id: "alice", Name: "alice"}}
	env.Target = Target{User: User{Id: "bob", Name: "bob"}}
	env.Name = "receive-message"

	assert.True(t, evalFilter(t, `Target.Id != Source.Id`, env))
	assert.False(t, evalFilter(t, `Target.Id == "carol"`, env))
	assert.True(t, evalFilter(t, `Room.Id == "lobby" && Target.Name == "bob"`, env))
	assert.True(t, evalFilter(t, `AsInt(Room.Tags["min_level"]) >= 3`, env))
}

func TestConversionHelpers(t *testing.T) {
	assert.Equal(t, int64(42), AsInt("42"))
	assert.Equal(t, int64(0), AsInt("not a number"))
	assert.Equal(t, 1.5, AsFloat("1.5"))
	assert.Equal(t, []string{"a", "b"}, AsStringSlice("a,b"))
}

func TestCompiledFilterMatchesEval(t *testing.T) {
	env := NewEnv()
	env.Source = Source{User: User{Id: "alice"}}
	env.Target = Target{User: User{Id: "alice"}}

	prog, err := expr.Compile(`Target.Id == Source.Id`, expr.Env(Env{}))
	require.NoError(t, err)
	res, err := expr.Run(prog, env)
	require.NoError(t, err)
	assert.Equal(t, true, res)
}
