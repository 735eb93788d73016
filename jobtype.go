package coursejobs

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType identifies the kind of work a job performs. It is immutable once
// a job is created and selects the payload schema, the handler and the
// default retry policy.
type JobType string

const (
	// TypeDocumentProcessing parses and chunks uploaded source documents.
	TypeDocumentProcessing JobType = "document_processing"
	// TypeClassification assigns the course topic to a taxonomy.
	TypeClassification JobType = "classification"
	// TypeStructureAnalysis derives the module/lesson skeleton.
	TypeStructureAnalysis JobType = "structure_analysis"
	// TypeLessonContent generates the text of a lesson.
	TypeLessonContent JobType = "lesson_content"
	// TypeEnrichment generates supplementary material (quizzes, glossaries).
	TypeEnrichment JobType = "enrichment_generation"
	// TypeFinalization assembles the finished course package.
	TypeFinalization JobType = "finalization"
	// TypeTest is a synthetic job for infrastructure validation.
	TypeTest JobType = "test_job"
)

type typeInfo struct {
	decode   func([]byte) (Payload, error)
	defaults Options
}

func decodeInto[T Payload](raw []byte) (Payload, error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("coursejobs: decode %T: %w", p, err)
	}
	return p, nil
}

// jobTypes is the static catalog: payload decoder plus default policy per
// type. Pure data; adding a pipeline stage means adding a payload struct,
// a constant and an entry here.
var jobTypes = map[JobType]typeInfo{
	TypeDocumentProcessing: {
		decode: decodeInto[DocumentProcessingPayload],
		defaults: Options{
			MaxAttempts: 3,
			Backoff:     Backoff{Kind: BackoffExponential, Delay: 5 * time.Second, MaxDelay: 5 * time.Minute, Jitter: true},
			Priority:    PriorityNormal,
			Timeout:     10 * time.Minute,
			RetainFor:   7 * 24 * time.Hour,
		},
	},
	TypeClassification: {
		decode: decodeInto[ClassificationPayload],
		defaults: Options{
			MaxAttempts: 3,
			Backoff:     Backoff{Kind: BackoffExponential, Delay: 3 * time.Second, MaxDelay: time.Minute, Jitter: true},
			Priority:    PriorityNormal,
			Timeout:     2 * time.Minute,
			RetainFor:   7 * 24 * time.Hour,
		},
	},
	TypeStructureAnalysis: {
		decode: decodeInto[StructureAnalysisPayload],
		defaults: Options{
			MaxAttempts: 3,
			Backoff:     Backoff{Kind: BackoffExponential, Delay: 5 * time.Second, MaxDelay: 2 * time.Minute, Jitter: true},
			Priority:    PriorityNormal,
			Timeout:     5 * time.Minute,
			RetainFor:   7 * 24 * time.Hour,
		},
	},
	TypeLessonContent: {
		decode: decodeInto[LessonContentPayload],
		defaults: Options{
			MaxAttempts: 4,
			Backoff:     Backoff{Kind: BackoffExponential, Delay: 10 * time.Second, MaxDelay: 5 * time.Minute, Jitter: true},
			Priority:    PriorityNormal,
			Timeout:     15 * time.Minute,
			RetainFor:   14 * 24 * time.Hour,
		},
	},
	TypeEnrichment: {
		decode: decodeInto[EnrichmentPayload],
		defaults: Options{
			MaxAttempts: 3,
			Backoff:     Backoff{Kind: BackoffExponential, Delay: 10 * time.Second, MaxDelay: 5 * time.Minute, Jitter: true},
			Priority:    PriorityLow,
			Timeout:     10 * time.Minute,
			RetainFor:   14 * 24 * time.Hour,
		},
	},
	TypeFinalization: {
		decode: decodeInto[FinalizationPayload],
		defaults: Options{
			MaxAttempts: 2,
			Backoff:     Backoff{Kind: BackoffFixed, Delay: 30 * time.Second},
			Priority:    PriorityHigh,
			Timeout:     10 * time.Minute,
			RetainFor:   14 * 24 * time.Hour,
		},
	},
	TypeTest: {
		decode: decodeInto[TestPayload],
		defaults: Options{
			MaxAttempts: 3,
			Backoff:     Backoff{Kind: BackoffFixed, Delay: 200 * time.Millisecond},
			Priority:    PriorityNormal,
			Timeout:     time.Minute,
			RetainFor:   time.Hour,
		},
	},
}

// KnownType reports whether t is in the catalog.
func KnownType(t JobType) bool {
	_, ok := jobTypes[t]
	return ok
}

// KnownTypes returns every catalogued JobType.
func KnownTypes() []JobType {
	types := make([]JobType, 0, len(jobTypes))
	for t := range jobTypes {
		types = append(types, t)
	}
	return types
}

// DefaultOptions returns the default policy for a JobType.
func DefaultOptions(t JobType) (Options, error) {
	info, ok := jobTypes[t]
	if !ok {
		return Options{}, ErrUnknownJobType
	}
	return info.defaults, nil
}

// DecodePayload unmarshals raw JSON into the typed payload for t.
func DecodePayload(t JobType, raw []byte) (Payload, error) {
	info, ok := jobTypes[t]
	if !ok {
		return nil, ErrUnknownJobType
	}
	return info.decode(raw)
}
