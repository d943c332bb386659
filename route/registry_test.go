package route

import (
	"testing"

	"github.com/sagernet/devgate/adapter"
	"github.com/sagernet/devgate/option"

	"github.com/stretchr/testify/require"
)

func testTargets() []*adapter.Target {
	return []*adapter.Target{
		NewTarget(option.TargetOptions{ID: "editor", Host: "devbox", Port: 8443}),
		NewTarget(option.TargetOptions{ID: "agent", Host: "devbox", Port: 3000, MountPrefix: "/proxy/editor/agent/"}),
		NewTarget(option.TargetOptions{ID: "terminal", Host: "devbox", Port: 7681, MountPrefix: "/term"}),
	}
}

func TestRegistryMatch(t *testing.T) {
	t.Parallel()
	registry, err := NewRegistry(testTargets())
	require.NoError(t, err)
	require.Equal(t, 3, registry.Len())
	for _, testCase := range []struct {
		path   string
		id     string
		rest   string
		loaded bool
	}{
		{"/proxy/editor/", "editor", "/", true},
		{"/proxy/editor", "editor", "", true},
		{"/proxy/editor/static/main.js", "editor", "/static/main.js", true},
		{"/proxy/editor/agent/ws", "agent", "/ws", true},
		{"/proxy/editor/agentx", "editor", "/agentx", true},
		{"/proxy/editorial/", "", "", false},
		{"/term/", "terminal", "/", true},
		{"/terminal", "", "", false},
		{"/", "", "", false},
	} {
		route, rest, loaded := registry.Match(testCase.path)
		require.Equal(t, testCase.loaded, loaded, testCase.path)
		if !loaded {
			continue
		}
		require.Equal(t, testCase.id, route.Target.ID, testCase.path)
		require.Equal(t, testCase.rest, rest, testCase.path)
	}
}

func TestRegistryLookup(t *testing.T) {
	t.Parallel()
	registry, err := NewRegistry(testTargets())
	require.NoError(t, err)
	route, loaded := registry.Lookup("editor")
	require.True(t, loaded)
	require.Equal(t, "/proxy/editor", route.Target.MountPrefix)
	require.Equal(t, "http://devbox:8443", route.Target.Origin())
	_, loaded = registry.Lookup("missing")
	require.False(t, loaded)
	var ids []string
	for _, route := range registry.Routes() {
		ids = append(ids, route.Target.ID)
	}
	require.Equal(t, []string{"agent", "editor", "terminal"}, ids)
}

func TestRegistryRejectsConflicts(t *testing.T) {
	t.Parallel()
	_, err := NewRegistry([]*adapter.Target{
		NewTarget(option.TargetOptions{ID: "a", Host: "devbox", Port: 1}),
		NewTarget(option.TargetOptions{ID: "a", Host: "devbox", Port: 2, MountPrefix: "/other"}),
	})
	require.Error(t, err)
	_, err = NewRegistry([]*adapter.Target{
		NewTarget(option.TargetOptions{ID: "a", Host: "devbox", Port: 1, MountPrefix: "/x"}),
		NewTarget(option.TargetOptions{ID: "b", Host: "devbox", Port: 2, MountPrefix: "/x/"}),
	})
	require.Error(t, err)
	_, err = NewRegistry([]*adapter.Target{{ID: "root", Host: "devbox", Port: 1, MountPrefix: "/"}})
	require.Error(t, err)
}
