package manifest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provide-io/kiln/internal/platform"
)

func TestEvaluate(t *testing.T) {
	mac := platform.Platform{OS: platform.OSMac, Arch: platform.ArchArm64, Version: "14.2"}
	win32 := platform.Platform{OS: platform.OSWindows, Arch: platform.ArchX86, Version: "10.0"}

	tests := []struct {
		name     string
		rules    []Rule
		p        platform.Platform
		features map[string]bool
		allowed  bool
		rank     int
	}{
		{"no rules", nil, linux64, nil, true, 0},
		{"allow matching os", []Rule{osRule(ActionAllow, "osx")}, mac, nil, true, 1},
		{"allow other os", []Rule{osRule(ActionAllow, "osx")}, linux64, nil, false, 0},
		{
			"allow all then disallow osx",
			[]Rule{{Action: ActionAllow}, osRule(ActionDisallow, "osx")},
			mac, nil, false, 0,
		},
		{
			"allow all then disallow osx on linux",
			[]Rule{{Action: ActionAllow}, osRule(ActionDisallow, "osx")},
			linux64, nil, true, 0,
		},
		{
			"arch alias",
			[]Rule{{Action: ActionAllow, OS: &OSRule{Arch: "x86"}}},
			win32, nil, true, 1,
		},
		{
			"version regexp",
			[]Rule{{Action: ActionAllow, OS: &OSRule{Name: "windows", Version: `^10\.`}}},
			win32, nil, true, 2,
		},
		{
			"version regexp without host version",
			[]Rule{{Action: ActionAllow, OS: &OSRule{Version: `^10\.`}}},
			linux64, nil, false, 0,
		},
		{
			"feature present",
			[]Rule{{Action: ActionAllow, Features: map[string]bool{"has_custom_resolution": true}}},
			linux64, map[string]bool{"has_custom_resolution": true}, true, 1,
		},
		{
			"feature absent",
			[]Rule{{Action: ActionAllow, Features: map[string]bool{"is_demo_user": true}}},
			linux64, nil, false, 0,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			allowed, rank := Evaluate(tc.rules, tc.p, tc.features)
			assert.Equal(t, tc.allowed, allowed)
			assert.Equal(t, tc.rank, rank)
		})
	}
}

func TestArgumentJSONForms(t *testing.T) {
	raw := `[
		"--demo",
		{"rules":[{"action":"allow","features":{"has_custom_resolution":true}}],"value":["--width","${resolution_width}"]},
		{"rules":[{"action":"allow","os":{"name":"osx"}}],"value":"-XstartOnFirstThread"}
	]`

	var args []Argument
	require.NoError(t, json.Unmarshal([]byte(raw), &args))
	require.Len(t, args, 3)

	assert.Equal(t, []string{"--demo"}, args[0].Values)
	assert.Empty(t, args[0].Rules)
	assert.Equal(t, []string{"--width", "${resolution_width}"}, args[1].Values)
	assert.True(t, args[1].Rules[0].Features["has_custom_resolution"])
	assert.Equal(t, []string{"-XstartOnFirstThread"}, args[2].Values)
	assert.Equal(t, "osx", args[2].Rules[0].OS.Name)

	out, err := json.Marshal(args)
	require.NoError(t, err)
	var again []Argument
	require.NoError(t, json.Unmarshal(out, &again))
	assert.Equal(t, args, again)
}

func TestParseDocumentRequiresID(t *testing.T) {
	_, err := ParseDocument([]byte(`{"mainClass":"x"}`))
	assert.Error(t, err)

	_, err = ParseDocument([]byte(`not json`))
	assert.Error(t, err)
}
