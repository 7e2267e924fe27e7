package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/axiomme/axiomme/internal/axiomtypes"
)

func TestApplyOMReflectionCASOutcomes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	const scope = "session:s1"

	rec, err := s.UpsertOMRecord(ctx, scope, axiomtypes.OMOriginInitial)
	require.NoError(t, err)
	require.EqualValues(t, 0, rec.GenerationCount)

	// First apply at generation 0 succeeds and increments.
	outcome, err := s.ApplyOMReflectionWithCAS(ctx, scope, 0, 101, "line one\nline two", 2)
	require.NoError(t, err)
	require.Equal(t, axiomtypes.ApplyApplied, outcome)

	rec, err = s.GetOMRecordByScopeKey(ctx, scope)
	require.NoError(t, err)
	require.EqualValues(t, 1, rec.GenerationCount)
	require.NotNil(t, rec.LastAppliedOutboxEventID)
	require.EqualValues(t, 101, *rec.LastAppliedOutboxEventID)
	require.Equal(t, "line one\nline two", rec.ActiveObservations)
	require.Equal(t, axiomtypes.OMOriginReflection, rec.OriginType)

	// Same event id again: idempotent, no state change.
	outcome, err = s.ApplyOMReflectionWithCAS(ctx, scope, 0, 101, "should not land", 1)
	require.NoError(t, err)
	require.Equal(t, axiomtypes.ApplyIdempotent, outcome)

	rec, err = s.GetOMRecordByScopeKey(ctx, scope)
	require.NoError(t, err)
	require.EqualValues(t, 1, rec.GenerationCount)
	require.Equal(t, "line one\nline two", rec.ActiveObservations)

	// New event id at the old generation: stale, no state change.
	outcome, err = s.ApplyOMReflectionWithCAS(ctx, scope, 0, 102, "also must not land", 1)
	require.NoError(t, err)
	require.Equal(t, axiomtypes.ApplyStaleGeneration, outcome)

	rec, err = s.GetOMRecordByScopeKey(ctx, scope)
	require.NoError(t, err)
	require.EqualValues(t, 1, rec.GenerationCount)
}

func TestApplyClearsBufferedReflection(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	const scope = "session:s2"

	_, err := s.UpsertOMRecord(ctx, scope, axiomtypes.OMOriginInitial)
	require.NoError(t, err)

	outcome, err := s.BufferOMReflectionWithCAS(ctx, scope, 0, 201, "buffered text", 3)
	require.NoError(t, err)
	require.Equal(t, axiomtypes.ApplyApplied, outcome)

	rec, err := s.GetOMRecordByScopeKey(ctx, scope)
	require.NoError(t, err)
	require.True(t, rec.IsBufferingReflection)
	require.NotNil(t, rec.BufferedReflection)
	require.Equal(t, "buffered text", *rec.BufferedReflection)

	outcome, err = s.ApplyOMReflectionWithCAS(ctx, scope, 0, 202, "materialized", 1)
	require.NoError(t, err)
	require.Equal(t, axiomtypes.ApplyApplied, outcome)

	rec, err = s.GetOMRecordByScopeKey(ctx, scope)
	require.NoError(t, err)
	require.False(t, rec.IsBufferingReflection)
	require.Nil(t, rec.BufferedReflection)
	require.Nil(t, rec.BufferedReflectionTokens)
}

func TestObservationChunkEventCAS(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	const scope = "session:s3"

	_, err := s.UpsertOMRecord(ctx, scope, axiomtypes.OMOriginInitial)
	require.NoError(t, err)

	ok, err := s.AppendOMObservationChunkWithEventCAS(ctx, scope, 0, 301, "chunk a")
	require.NoError(t, err)
	require.True(t, ok)

	// Redelivery of the same event contributes at most one chunk.
	ok, err = s.AppendOMObservationChunkWithEventCAS(ctx, scope, 0, 301, "chunk a again")
	require.NoError(t, err)
	require.False(t, ok)

	applied, err := s.OMObserverEventApplied(ctx, scope, 301)
	require.NoError(t, err)
	require.True(t, applied)

	ok, err = s.AppendOMObservationChunkWithEventCAS(ctx, scope, 0, 302, "chunk b")
	require.NoError(t, err)
	require.True(t, ok)

	chunks, err := s.ListOMObservationChunks(ctx, scope)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, 1, chunks[0].Seq)
	require.Equal(t, 2, chunks[1].Seq)
	require.Equal(t, "chunk a", chunks[0].ChunkText)

	// A stale generation refuses to append.
	ok, err = s.AppendOMObservationChunkWithEventCAS(ctx, scope, 7, 303, "chunk c")
	require.NoError(t, err)
	require.False(t, ok)

	rec, err := s.GetOMRecordByScopeKey(ctx, scope)
	require.NoError(t, err)
	require.Equal(t, 2, rec.ObserverTriggerCountTotal)
}

func TestMarkOMActivatedRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	const scope = "session:s4"

	_, err := s.UpsertOMRecord(ctx, scope, axiomtypes.OMOriginInitial)
	require.NoError(t, err)

	require.NoError(t, s.MarkOMActivated(ctx, scope, []string{"m1", "m2"}, 120, 30, 30))
	rec, err := s.GetOMRecordByScopeKey(ctx, scope)
	require.NoError(t, err)
	require.Equal(t, []string{"m1", "m2"}, rec.LastActivatedMessageIDs)
	require.Equal(t, 120, rec.ObservationTokenCount)
	require.Equal(t, 30, rec.PendingMessageTokens)
	require.Equal(t, 30, rec.LastBufferedAtTokens)
}
