package capabilities

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/agentflow/internal/capability"
	"github.com/steveyegge/agentflow/internal/types"
)

type stubDescriber struct {
	err   error
	calls int
}

func (s *stubDescriber) Describe(ctx context.Context, sym Symbol, source, tone string) (*Description, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &Description{
		Summary:  "AI says " + sym.QualifiedName() + " in a " + tone + " tone",
		Examples: []string{sym.Name + "()"},
	}, nil
}

func runCapability(t *testing.T, c capability.Capability, raw map[string]any, files []*types.File, prior map[types.CapabilityType]*capability.Output) *capability.Output {
	t.Helper()
	opts, err := capability.DecodeOptions(c, raw)
	require.NoError(t, err)
	out, err := c.Run(context.Background(), capability.Input{
		SessionID: "s1",
		Files:     files,
		Options:   opts,
		Prior:     prior,
	})
	require.NoError(t, err)
	return out
}

func targets(findings []*types.Finding) []string {
	out := make([]string, 0, len(findings))
	for _, f := range findings {
		out = append(out, f.Target)
	}
	return out
}

func TestDocumenterTemplates(t *testing.T) {
	doc := NewDocumenter(nil, nil)
	files := []*types.File{types.NewFile("p1", "app/Models/User.php", phpUserModel)}

	out := runCapability(t, doc, nil, files, nil)

	assert.Equal(t, 1, out.FilesAnalyzed)
	assert.ElementsMatch(t,
		[]string{"model User", "method User.save", "function helper", "route GET /users"},
		targets(out.Findings))

	for _, f := range out.Findings {
		assert.Equal(t, KindSymbolDoc, f.Kind)
		assert.Equal(t, "app/Models/User.php", f.FilePath)
		assert.Equal(t, files[0].ID, f.FileID)
		require.NoError(t, f.Validate())

		var entry DocEntry
		require.NoError(t, json.Unmarshal(f.Payload, &entry))
		assert.Equal(t, "template", entry.Generated)
		assert.Equal(t, "professional", entry.Tone)
		assert.NotEmpty(t, entry.Description)
	}

	// Documented model gets no severity, undocumented symbols are informational
	for _, f := range out.Findings {
		if f.Target == "model User" {
			assert.Equal(t, types.SeverityNone, f.Severity)
		} else {
			assert.Equal(t, types.SeverityInfo, f.Severity)
		}
	}
}

func TestDocumenterIncludePrivateAndLimit(t *testing.T) {
	doc := NewDocumenter(nil, nil)
	files := []*types.File{types.NewFile("p1", "app/Models/User.php", phpUserModel)}

	out := runCapability(t, doc, map[string]any{"include_private": true}, files, nil)
	assert.Len(t, out.Findings, 5)

	out = runCapability(t, doc, map[string]any{"max_symbols": 2}, files, nil)
	assert.Len(t, out.Findings, 2)
}

func TestDocumenterTemplateDescription(t *testing.T) {
	sym := Symbol{Kind: SymbolMethod, Name: "save", Parent: "User", Params: []string{"force"}, Returns: "bool"}
	assert.Equal(t, "The method User.save, accepts force and returns bool.", templateDescription(sym, "professional"))
	assert.Equal(t, "This is the method User.save, accepts force and returns bool.", templateDescription(sym, "casual"))

	class := Symbol{Kind: SymbolClass, Name: "User", Extends: "Model"}
	assert.Equal(t, "The class User, extending Model.", templateDescription(class, "professional"))
}

func TestDocumenterUsesDescriber(t *testing.T) {
	describer := &stubDescriber{}
	doc := NewDocumenter(describer, nil)
	files := []*types.File{types.NewFile("p1", "shop/cart.go", goCart)}

	out := runCapability(t, doc, map[string]any{"use_ai": true, "tone": "casual"}, files, nil)

	// Cart, Store and Cart.Add are exported; total is not
	require.Len(t, out.Findings, 3)
	assert.Equal(t, 3, describer.calls)

	var entry DocEntry
	require.NoError(t, json.Unmarshal(out.Findings[0].Payload, &entry))
	assert.Equal(t, "ai", entry.Generated)
	assert.Contains(t, entry.Description, "casual tone")
}

func TestDocumenterFallsBackWhenDescriberFails(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.WarnLevel)

	describer := &stubDescriber{err: errors.New("503 service unavailable")}
	doc := NewDocumenter(describer, logger)
	files := []*types.File{types.NewFile("p1", "shop/cart.go", goCart)}

	out := runCapability(t, doc, map[string]any{"use_ai": true}, files, nil)
	require.Len(t, out.Findings, 3)

	for _, f := range out.Findings {
		var entry DocEntry
		require.NoError(t, json.Unmarshal(f.Payload, &entry))
		assert.Equal(t, "template", entry.Generated)
	}
	assert.Len(t, hook.AllEntries(), 3)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestDocumenterRejectsAIWithoutClient(t *testing.T) {
	_, err := capability.DecodeOptions(NewDocumenter(nil, nil), map[string]any{"use_ai": true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrInvalidConfig))
}

func TestDocumenterRejectsUnknownTone(t *testing.T) {
	_, err := capability.DecodeOptions(NewDocumenter(nil, nil), map[string]any{"tone": "sarcastic"})
	assert.True(t, errors.Is(err, types.ErrInvalidConfig))
}

func TestDocumenterHonoursCancellation(t *testing.T) {
	doc := NewDocumenter(nil, nil)
	opts, err := capability.DecodeOptions(doc, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = doc.Run(ctx, capability.Input{
		Files:   []*types.File{types.NewFile("p1", "a.go", goCart)},
		Options: opts,
	})
	assert.ErrorIs(t, err, context.Canceled)
}
