package pap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), OSFileIO{}, nil)
	require.NoError(t, err)
	return s
}

func TestCreateRejectsBodyTooShort(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(context.Background(), "p1", "short", nil, ApplicableContext{}, Metadata{})
	assert.Error(t, err)
}

func TestCreateThenActivateThenSelectApplicable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.Create(ctx, "allow-read", "Agents may read public documents at any time", nil,
		ApplicableContext{Resources: []string{"docs:*"}}, Metadata{Priority: 1})
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, p.Metadata.Status)

	found, err := s.SelectApplicable(ctx, "agent1", "docs:readme", "tools/call")
	require.NoError(t, err)
	assert.Empty(t, found, "a draft policy should not be selectable")

	require.NoError(t, s.Activate(ctx, p.ID))

	found, err = s.SelectApplicable(ctx, "agent1", "docs:readme", "tools/call")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, p.ID, found[0].ID)
}

func TestActivateRejectsNameCollisionWithAnotherActivePolicy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p1, err := s.Create(ctx, "dup", "Agents may read public documents at any time", nil, ApplicableContext{}, Metadata{})
	require.NoError(t, err)
	require.NoError(t, s.Activate(ctx, p1.ID))

	p2, err := s.Create(ctx, "dup", "A second policy with the exact same name as p1", nil, ApplicableContext{}, Metadata{})
	require.NoError(t, err)
	assert.ErrorIs(t, s.Activate(ctx, p2.ID), ErrNameCollision)
}

func TestUpdateBumpsPatchVersionAndRecordsHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.Create(ctx, "versioned", "The initial version of this policy body", nil, ApplicableContext{}, Metadata{})
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", p.Metadata.Version)

	newVersion, err := s.Update(ctx, p.ID, "The revised version of this policy body", nil, "clarified wording")
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", newVersion)

	hist, err := s.GetHistory(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "The initial version of this policy body", hist[0].NLText)
}

func TestUpdateUnknownPolicyReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Update(context.Background(), "missing-id", "text", nil, "reason")
	assert.ErrorIs(t, err, ErrPolicyNotFound)
}

func TestDeprecateMarksPolicyInactive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.Create(ctx, "to-deprecate", "A policy that will later be deprecated", nil, ApplicableContext{}, Metadata{})
	require.NoError(t, err)
	require.NoError(t, s.Activate(ctx, p.ID))
	require.NoError(t, s.Deprecate(ctx, p.ID))

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	for _, a := range active {
		assert.NotEqual(t, p.ID, a.ID, "deprecated policy should be excluded from ListActive")
	}
}

func TestCreateRejectsMalformedObligationParameters(t *testing.T) {
	s := newTestStore(t)
	rules := &RuleSet{
		Permissions: []Rule{{
			Action: "tools/call",
			Duties: []ObligationDescriptor{{Kind: "lifecycle", Parameters: map[string]any{"afterHours": 24}}},
		}},
	}
	_, err := s.Create(context.Background(), "bad-duty", "Missing the required lifecycle action field", rules, ApplicableContext{}, Metadata{})
	assert.Error(t, err)
}

func TestCreateAcceptsWellFormedObligationParameters(t *testing.T) {
	s := newTestStore(t)
	rules := &RuleSet{
		Permissions: []Rule{{
			Action: "tools/call",
			Duties: []ObligationDescriptor{{Kind: "lifecycle", Parameters: map[string]any{"action": "archive", "afterHours": 24}}},
		}},
	}
	_, err := s.Create(context.Background(), "good-duty", "Carries a well-formed lifecycle obligation", rules, ApplicableContext{}, Metadata{})
	assert.NoError(t, err)
}

func TestOnInvalidateFiresOnUpdateActivateDeprecate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var fired []string
	s.OnInvalidate(func(id string) { fired = append(fired, id) })

	p, err := s.Create(ctx, "watched", "A policy whose lifecycle transitions are observed", nil, ApplicableContext{}, Metadata{})
	require.NoError(t, err)
	require.NoError(t, s.Activate(ctx, p.ID))
	_, err = s.Update(ctx, p.ID, "A revised policy whose lifecycle is observed", nil, "edit")
	require.NoError(t, err)
	require.NoError(t, s.Deprecate(ctx, p.ID))

	assert.Len(t, fired, 3, "activate, update, deprecate should each invalidate")
}
