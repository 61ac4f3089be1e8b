package capabilities

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/agentflow/internal/capability"
	"github.com/steveyegge/agentflow/internal/types"
)

func TestTesterDependsOnDocumenter(t *testing.T) {
	desc := NewTester().Descriptor()
	assert.Equal(t, []types.CapabilityType{types.CapabilityDocumenter}, desc.Dependencies)
	assert.False(t, desc.Standalone())
}

func TestTesterUsesDocumenterInventory(t *testing.T) {
	files := []*types.File{types.NewFile("p1", "app/Models/User.php", phpUserModel)}

	docOut := runCapability(t, NewDocumenter(nil, nil), nil, files, nil)
	out := runCapability(t, NewTester(), nil, files, map[types.CapabilityType]*capability.Output{
		types.CapabilityDocumenter: docOut,
	})

	assert.ElementsMatch(t,
		[]string{"test method User.save", "test function helper"},
		targets(out.Findings))

	for _, f := range out.Findings {
		assert.Equal(t, KindGeneratedTest, f.Kind)
		var tc TestCase
		require.NoError(t, json.Unmarshal(f.Payload, &tc))
		assert.Equal(t, FrameworkPHPUnit, tc.Framework)
		assert.NotEmpty(t, tc.Code)
		if tc.Symbol == "User.save" {
			assert.Equal(t, "tests/Unit/UserTest.php", tc.TestFile)
			assert.Equal(t, "testSave", tc.TestName)
			assert.Contains(t, tc.Code, "$subject->save(null)")
		}
	}
}

func TestTesterFallsBackToOwnExtraction(t *testing.T) {
	files := []*types.File{types.NewFile("p1", "shop/cart.go", goCart)}

	out := runCapability(t, NewTester(), nil, files, nil)

	require.Len(t, out.Findings, 1, "only exported callables get tests")
	var tc TestCase
	require.NoError(t, json.Unmarshal(out.Findings[0].Payload, &tc))
	assert.Equal(t, FrameworkGo, tc.Framework)
	assert.Equal(t, "shop/cart_test.go", tc.TestFile)
	assert.Equal(t, "TestCartAdd", tc.TestName)
	assert.Contains(t, tc.Code, "subject.Add(nil)")
}

func TestTesterFrameworkOverrideAndLimit(t *testing.T) {
	files := []*types.File{types.NewFile("p1", "src/cart.js", jsCart)}

	out := runCapability(t, NewTester(), map[string]any{"framework": "jest", "max_tests_per_file": 1}, files, nil)
	require.Len(t, out.Findings, 1)

	var tc TestCase
	require.NoError(t, json.Unmarshal(out.Findings[0].Payload, &tc))
	assert.Equal(t, "src/cart.test.js", tc.TestFile)
}

func TestTesterPytestNaming(t *testing.T) {
	files := []*types.File{types.NewFile("p1", "pkg/repo.py", pyRepo)}
	out := runCapability(t, NewTester(), nil, files, nil)

	names := map[string]string{}
	for _, f := range out.Findings {
		var tc TestCase
		require.NoError(t, json.Unmarshal(f.Payload, &tc))
		names[tc.Symbol] = tc.TestName
		assert.Equal(t, "pkg/test_repo.py", tc.TestFile)
	}
	assert.Equal(t, map[string]string{
		"Repo.save": "test_repo_save",
		"top_level": "test_top_level",
	}, names)
}

func TestTesterRejectsUnknownFramework(t *testing.T) {
	_, err := capability.DecodeOptions(NewTester(), map[string]any{"framework": "mocha"})
	assert.True(t, errors.Is(err, types.ErrInvalidConfig))
}
