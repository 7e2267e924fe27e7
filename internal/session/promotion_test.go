package session

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/axiomme/axiomme/internal/extractor"
)

func onePatternRequest(checkpointID string) MemoryPromotionRequest {
	return MemoryPromotionRequest{
		SessionID:    "s1",
		CheckpointID: checkpointID,
		ApplyMode:    ApplyAllOrNothing,
		Facts: []PromotedFact{{
			Category:        extractor.CategoryPatterns,
			Text:            "Always X",
			SourceIDs:       []string{"m1"},
			ConfidenceMilli: 900,
		}},
	}
}

func TestPromotionIdempotence(t *testing.T) {
	// spec §8 S6 and invariant 6.
	rig := newTestRig(t)
	ctx := context.Background()

	first, err := rig.mgr.PromoteMemories(ctx, onePatternRequest("cp1"))
	require.NoError(t, err)
	require.Equal(t, 1, first.Accepted)
	require.Equal(t, 1, first.Persisted)
	require.Zero(t, first.SkippedDuplicates)
	require.Zero(t, first.Rejected)

	second, err := rig.mgr.PromoteMemories(ctx, onePatternRequest("cp1"))
	require.NoError(t, err)
	require.Equal(t, first, second, "identical request must return the cached result verbatim")

	// Exactly one markdown memory file contains the line once.
	mems, err := rig.mgr.listCategoryMemories(extractor.CategoryPatterns)
	require.NoError(t, err)
	require.Len(t, mems, 1)
	for _, mf := range mems {
		require.Equal(t, 1, strings.Count(mf.Text, "Always X"))
	}
}

func TestPromotionCheckpointIDConflict(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	_, err := rig.mgr.PromoteMemories(ctx, onePatternRequest("cp1"))
	require.NoError(t, err)

	conflicting := onePatternRequest("cp1")
	conflicting.Facts[0].Text = "Never Y"
	_, err = rig.mgr.PromoteMemories(ctx, conflicting)
	require.ErrorIs(t, err, ErrCheckpointConflict)
}

func TestPromotionCanonicalizationIsOrderInsensitive(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	req := MemoryPromotionRequest{
		SessionID: "s1", CheckpointID: "cp2", ApplyMode: ApplyAllOrNothing,
		Facts: []PromotedFact{
			{Category: extractor.CategoryPatterns, Text: "B fact", SourceIDs: []string{"m2", "m1"}},
			{Category: extractor.CategoryPatterns, Text: "A fact", SourceIDs: []string{"m3"}},
		},
	}
	first, err := rig.mgr.PromoteMemories(ctx, req)
	require.NoError(t, err)

	// Same facts in a different order hash identically, so the cached
	// result is replayed rather than conflicting.
	reordered := MemoryPromotionRequest{
		SessionID: "s1", CheckpointID: "cp2", ApplyMode: ApplyAllOrNothing,
		Facts: []PromotedFact{
			{Category: extractor.CategoryPatterns, Text: "A fact", SourceIDs: []string{"m3"}},
			{Category: extractor.CategoryPatterns, Text: "B fact", SourceIDs: []string{"m1", "m2"}},
		},
	}
	second, err := rig.mgr.PromoteMemories(ctx, reordered)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestPromotionValidationBounds(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	tooMany := onePatternRequest("cp3")
	tooMany.Facts = make([]PromotedFact, 65)
	for i := range tooMany.Facts {
		tooMany.Facts[i] = PromotedFact{Category: extractor.CategoryPatterns, Text: "x"}
	}
	_, err := rig.mgr.PromoteMemories(ctx, tooMany)
	require.ErrorIs(t, err, ErrPromotionInvalid)

	longText := onePatternRequest("cp4")
	longText.Facts[0].Text = strings.Repeat("a", 513)
	_, err = rig.mgr.PromoteMemories(ctx, longText)
	require.ErrorIs(t, err, ErrPromotionInvalid)

	manySources := onePatternRequest("cp5")
	manySources.Facts[0].SourceIDs = make([]string, 33)
	for i := range manySources.Facts[0].SourceIDs {
		manySources.Facts[0].SourceIDs[i] = "m"
	}
	_, err = rig.mgr.PromoteMemories(ctx, manySources)
	require.ErrorIs(t, err, ErrPromotionInvalid)

	badConfidence := onePatternRequest("cp6")
	badConfidence.Facts[0].ConfidenceMilli = 1001
	_, err = rig.mgr.PromoteMemories(ctx, badConfidence)
	require.ErrorIs(t, err, ErrPromotionInvalid)
}

func TestPromotionBestEffortSkipsBadFacts(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	req := MemoryPromotionRequest{
		SessionID: "s1", CheckpointID: "cp7", ApplyMode: ApplyBestEffort,
		Facts: []PromotedFact{
			{Category: extractor.CategoryPatterns, Text: "Good fact"},
			{Category: "nonsense", Text: "Bad category"},
		},
	}
	res, err := rig.mgr.PromoteMemories(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 1, res.Accepted)
	require.Equal(t, 1, res.Persisted)
	require.Equal(t, 1, res.Rejected)
}

func TestPromotionAllOrNothingRejectsBadCategory(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	req := MemoryPromotionRequest{
		SessionID: "s1", CheckpointID: "cp8", ApplyMode: ApplyAllOrNothing,
		Facts: []PromotedFact{
			{Category: extractor.CategoryPatterns, Text: "Good fact"},
			{Category: "nonsense", Text: "Bad category"},
		},
	}
	_, err := rig.mgr.PromoteMemories(ctx, req)
	require.ErrorIs(t, err, ErrPromotionInvalid)

	// Nothing was persisted.
	mems, err := rig.mgr.listCategoryMemories(extractor.CategoryPatterns)
	require.NoError(t, err)
	require.Empty(t, mems)

	// The checkpoint is reopened for a corrected retry.
	cp, err := rig.store.GetPromotionCheckpoint(ctx, "s1", "cp8")
	require.NoError(t, err)
	require.EqualValues(t, "pending", cp.Phase)
}

func TestPromotionMergesProvenanceOnDuplicate(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	_, err := rig.mgr.PromoteMemories(ctx, onePatternRequest("cp9"))
	require.NoError(t, err)

	again := onePatternRequest("cp10")
	again.Facts[0].SourceIDs = []string{"m2"}
	res, err := rig.mgr.PromoteMemories(ctx, again)
	require.NoError(t, err)
	require.Equal(t, 1, res.SkippedDuplicates)
	require.Zero(t, res.Persisted)

	mems, err := rig.mgr.listCategoryMemories(extractor.CategoryPatterns)
	require.NoError(t, err)
	require.Len(t, mems, 1)
	for _, mf := range mems {
		require.ElementsMatch(t, []string{"m1", "m2"}, mf.Sources)
	}
}
