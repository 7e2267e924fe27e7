// Package axiomtypes holds the shared data-model structs defined in
// spec.md §3, kept in one leaf package so store, hybridindex, retrieval,
// session, and ingest can all depend on them without import cycles —
// the same role the teacher's internal/types package plays for Issue,
// Status, and friends.
package axiomtypes

import "time"

// ContextType classifies an IndexRecord (spec.md §3).
type ContextType string

const (
	ContextResource ContextType = "resource"
	ContextMemory   ContextType = "memory"
	ContextSkill    ContextType = "skill"
	ContextSession  ContextType = "session"
	ContextOMRecord ContextType = "om_record"
)

// IndexRecord is one addressable node, directory or leaf (spec.md §3).
type IndexRecord struct {
	ID           string
	URI          string
	ParentURI    string
	IsLeaf       bool
	ContextType  ContextType
	Name         string
	AbstractText string
	Content      string
	Tags         []string
	UpdatedAt    time.Time
	Depth        int
}

// OutboxStatus is the lifecycle state of an OutboxEvent (spec.md §3).
type OutboxStatus string

const (
	StatusNew        OutboxStatus = "new"
	StatusProcessing OutboxStatus = "processing"
	StatusDone       OutboxStatus = "done"
	StatusDeadLetter OutboxStatus = "dead_letter"
)

// Lane is the logical queue partition an OutboxEvent belongs to
// (spec.md §3, glossary).
type Lane string

const (
	LaneSemantic  Lane = "semantic"
	LaneEmbedding Lane = "embedding"
)

// OutboxEvent is one durable queue row (spec.md §3).
type OutboxEvent struct {
	ID            int64
	EventType     string
	URI           string
	PayloadJSON   string
	CreatedAt     time.Time
	AttemptCount  int
	Status        OutboxStatus
	NextAttemptAt time.Time
	Lane          Lane
	LastError     string
}

// IndexState is the authoritative record of what has been indexed,
// used for drift detection and prune-on-reconcile (spec.md §3).
type IndexState struct {
	URI         string
	ContentHash string
	MtimeNanos  int64
	Status      string
}

// SearchDocument mirrors an IndexRecord into SQLite for lexical
// retrieval (spec.md §3).
type SearchDocument struct {
	URI          string
	ParentURI    string
	IsLeaf       bool
	ContextType  ContextType
	Name         string
	AbstractText string
	Content      string
	Tags         []string
	UpdatedAt    time.Time
	Depth        int
}

// TraceIndexEntry references a persisted RetrievalTrace blob
// (spec.md §3).
type TraceIndexEntry struct {
	TraceID     string
	URI         string
	RequestType string
	Query       string
	TargetURI   string
	CreatedAt   time.Time
}

// OMScope is the scope an OmRecord rolls up observations for
// (spec.md §3).
type OMScope string

const (
	OMScopeSession  OMScope = "session"
	OMScopeThread   OMScope = "thread"
	OMScopeResource OMScope = "resource"
)

// OMOrigin distinguishes an OmRecord's most recent write.
type OMOrigin string

const (
	OMOriginInitial    OMOrigin = "initial"
	OMOriginReflection OMOrigin = "reflection"
)

// OmRecord is the per-scope rolling observation/reflection summary
// (spec.md §3).
type OmRecord struct {
	ID                            int64
	ScopeKey                      string
	GenerationCount               int64
	LastAppliedOutboxEventID      *int64
	OriginType                    OMOrigin
	ActiveObservations            string
	ObservationTokenCount         int
	PendingMessageTokens          int
	LastActivatedMessageIDs       []string
	IsObserving                   bool
	IsReflecting                  bool
	IsBufferingReflection         bool
	BufferedReflection            *string
	BufferedReflectionTokens      *int
	ReflectedObservationLineCount *int
	LastBufferedAtTokens          int
	ObserverTriggerCountTotal     int
	CreatedAt                     time.Time
	UpdatedAt                     time.Time
}

// OmObservationChunk is one append-only chunk contributed by a single
// observer event (spec.md §3).
type OmObservationChunk struct {
	RecordID  int64
	Seq       int
	EventID   int64
	ChunkText string
	CreatedAt time.Time
}

// ApplyOutcome is the result of a CAS-guarded OM apply (spec.md §4.2).
type ApplyOutcome string

const (
	ApplyApplied        ApplyOutcome = "applied"
	ApplyIdempotent     ApplyOutcome = "idempotent_event"
	ApplyStaleGeneration ApplyOutcome = "stale_generation"
)

// PromotionPhase is the lifecycle of a PromotionCheckpoint (spec.md §3).
type PromotionPhase string

const (
	PhasePending  PromotionPhase = "pending"
	PhaseApplying PromotionPhase = "applying"
	PhaseApplied  PromotionPhase = "applied"
)

// PromotionCheckpoint is one idempotent-commit checkpoint row
// (spec.md §3).
type PromotionCheckpoint struct {
	SessionID    string
	CheckpointID string
	RequestHash  string
	RequestJSON  string
	Phase        PromotionPhase
	ResultJSON   *string
	UpdatedAt    time.Time
}

// Relation is one declared link between URIs (spec.md §3).
type Relation struct {
	ID        string
	Members   []string
	Reason    string
	CreatedAt time.Time
}

// SearchFilter narrows a retrieval query (spec.md §4.4).
type SearchFilter struct {
	Tags []string
	Mime string
}

// QueueOverview summarizes outbox lane state (spec.md §6).
type QueueOverview struct {
	Lanes       map[Lane]LaneCounts
	Checkpoints map[string]int64
}

// LaneCounts is the per-lane breakdown inside a QueueOverview. The
// original Rust implementation (see _examples/original_source/)
// additionally reports DeadLetterTotal in its admin dashboard; carried
// forward here (SPEC_FULL.md §12).
type LaneCounts struct {
	NewTotal        int
	NewDue          int
	Processing      int
	Processed       int
	ErrorCount      int
	DeadLetterTotal int
}

// RequestLogEntry is one row of the request log / trace index
// (spec.md §4.9).
type RequestLogEntry struct {
	RequestID    string
	Operation    string
	Status       string
	LatencyMs    int64
	CreatedAt    time.Time
	TraceID      string
	TargetURI    string
	ErrorCode    string
	ErrorMessage string
	Details      map[string]any
}
