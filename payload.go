package coursejobs

// OwnerRef identifies who a job belongs to. The user id is the identity
// allowed to cancel the job (besides admins).
type OwnerRef struct {
	OrgID    string `json:"orgId"`
	CourseID string `json:"courseId,omitempty"`
	UserID   string `json:"userId"`
	Locale   string `json:"locale,omitempty"`
}

func (o OwnerRef) validate() error {
	if o.OrgID == "" {
		return &ValidationError{Field: "orgId", Reason: "required"}
	}
	if o.UserID == "" {
		return &ValidationError{Field: "userId", Reason: "required"}
	}
	return nil
}

// Payload is the tagged union of per-JobType job arguments. The payload is
// immutable after enqueue except for ModelOverride on generation payloads,
// which a retry may adjust.
type Payload interface {
	Kind() JobType
	Owner() OwnerRef
	Validate() error
}

// DocumentProcessingPayload describes uploaded source documents to parse
// and chunk.
type DocumentProcessingPayload struct {
	OwnerRef
	FileRefs []string `json:"fileRefs"`
	// ParserSettings carries handler-specific tuning knobs only; nothing
	// the lifecycle invariants depend on may live here.
	ParserSettings map[string]any `json:"parserSettings,omitempty"`
}

func (p DocumentProcessingPayload) Kind() JobType   { return TypeDocumentProcessing }
func (p DocumentProcessingPayload) Owner() OwnerRef { return p.OwnerRef }
func (p DocumentProcessingPayload) Validate() error {
	if err := p.OwnerRef.validate(); err != nil {
		return err
	}
	if len(p.FileRefs) == 0 {
		return &ValidationError{Field: "fileRefs", Reason: "at least one file required"}
	}
	return nil
}

// ClassificationPayload assigns a course topic to the subject taxonomy.
type ClassificationPayload struct {
	OwnerRef
	Topic         string `json:"topic"`
	Description   string `json:"description,omitempty"`
	ModelOverride string `json:"modelOverride,omitempty"`
}

func (p ClassificationPayload) Kind() JobType   { return TypeClassification }
func (p ClassificationPayload) Owner() OwnerRef { return p.OwnerRef }
func (p ClassificationPayload) Validate() error {
	if err := p.OwnerRef.validate(); err != nil {
		return err
	}
	if p.Topic == "" {
		return &ValidationError{Field: "topic", Reason: "required"}
	}
	return nil
}

// StructureAnalysisPayload derives the module/lesson skeleton of a course.
type StructureAnalysisPayload struct {
	OwnerRef
	RetrievalQuery string `json:"retrievalQuery,omitempty"`
	ModuleCount    int    `json:"moduleCount,omitempty"`
	ModelOverride  string `json:"modelOverride,omitempty"`
}

func (p StructureAnalysisPayload) Kind() JobType   { return TypeStructureAnalysis }
func (p StructureAnalysisPayload) Owner() OwnerRef { return p.OwnerRef }
func (p StructureAnalysisPayload) Validate() error {
	if err := p.OwnerRef.validate(); err != nil {
		return err
	}
	if p.CourseID == "" {
		return &ValidationError{Field: "courseId", Reason: "required"}
	}
	if p.ModuleCount < 0 {
		return &ValidationError{Field: "moduleCount", Reason: "must not be negative"}
	}
	return nil
}

// LessonContentPayload generates the text of one lesson.
type LessonContentPayload struct {
	OwnerRef
	LessonID string   `json:"lessonId"`
	Sections []string `json:"sections,omitempty"`
	// GenerationSettings carries handler-specific tuning knobs only.
	GenerationSettings map[string]any `json:"generationSettings,omitempty"`
	ModelOverride      string         `json:"modelOverride,omitempty"`
}

func (p LessonContentPayload) Kind() JobType   { return TypeLessonContent }
func (p LessonContentPayload) Owner() OwnerRef { return p.OwnerRef }
func (p LessonContentPayload) Validate() error {
	if err := p.OwnerRef.validate(); err != nil {
		return err
	}
	if p.CourseID == "" {
		return &ValidationError{Field: "courseId", Reason: "required"}
	}
	if p.LessonID == "" {
		return &ValidationError{Field: "lessonId", Reason: "required"}
	}
	return nil
}

// Enrichment kinds.
const (
	EnrichmentQuiz     = "quiz"
	EnrichmentGlossary = "glossary"
	EnrichmentSummary  = "summary"
)

// EnrichmentPayload generates supplementary material for a lesson.
type EnrichmentPayload struct {
	OwnerRef
	LessonID      string `json:"lessonId"`
	Enrichment    string `json:"enrichment"`
	ModelOverride string `json:"modelOverride,omitempty"`
}

func (p EnrichmentPayload) Kind() JobType   { return TypeEnrichment }
func (p EnrichmentPayload) Owner() OwnerRef { return p.OwnerRef }
func (p EnrichmentPayload) Validate() error {
	if err := p.OwnerRef.validate(); err != nil {
		return err
	}
	if p.LessonID == "" {
		return &ValidationError{Field: "lessonId", Reason: "required"}
	}
	switch p.Enrichment {
	case EnrichmentQuiz, EnrichmentGlossary, EnrichmentSummary:
		return nil
	default:
		return &ValidationError{Field: "enrichment", Reason: "must be quiz, glossary or summary"}
	}
}

// FinalizationPayload assembles the finished course package.
type FinalizationPayload struct {
	OwnerRef
	ExportFormat string `json:"exportFormat,omitempty"`
}

func (p FinalizationPayload) Kind() JobType   { return TypeFinalization }
func (p FinalizationPayload) Owner() OwnerRef { return p.OwnerRef }
func (p FinalizationPayload) Validate() error {
	if err := p.OwnerRef.validate(); err != nil {
		return err
	}
	if p.CourseID == "" {
		return &ValidationError{Field: "courseId", Reason: "required"}
	}
	return nil
}

// TestPayload drives the synthetic infrastructure-validation job. The test
// handler sleeps DelayMs milliseconds (checking cancellation along the way
// when CheckCancellation is set) and fails when ShouldFail is set.
type TestPayload struct {
	OwnerRef
	DelayMs           int  `json:"delayMs,omitempty"`
	CheckCancellation bool `json:"checkCancellation,omitempty"`
	ShouldFail        bool `json:"shouldFail,omitempty"`
}

func (p TestPayload) Kind() JobType   { return TypeTest }
func (p TestPayload) Owner() OwnerRef { return p.OwnerRef }
func (p TestPayload) Validate() error {
	if err := p.OwnerRef.validate(); err != nil {
		return err
	}
	if p.DelayMs < 0 {
		return &ValidationError{Field: "delayMs", Reason: "must not be negative"}
	}
	return nil
}
