package model

// MetaInfo is the audit block attached to every completed response. Everything
// needed to replay the request byte-for-byte is here: the snapshot etag, the
// effective policy, the budgets, and the content fingerprints.
type MetaInfo struct {
	Request           RequestMeta       `json:"request"`
	Policy            PolicyMeta        `json:"policy"`
	Budgets           BudgetMeta        `json:"budgets"`
	Fingerprints      Fingerprints      `json:"fingerprints"`
	EvidenceCounts    EvidenceCounts    `json:"evidence_counts"`
	EvidenceSets      EvidenceSets      `json:"evidence_sets"`
	SelectionMetrics  SelectionMetrics  `json:"selection_metrics"`
	TruncationMetrics TruncationMetrics `json:"truncation_metrics"`
	Runtime           RuntimeMeta       `json:"runtime"`
	Validator         ValidatorReport   `json:"validator"`
}

// RequestMeta identifies the request and the graph snapshot it ran against.
type RequestMeta struct {
	RequestID    string `json:"request_id"`
	TraceID      string `json:"trace_id"`
	SnapshotETag string `json:"snapshot_etag"`
}

// LLMPolicy controls whether and which model answers.
type LLMPolicy struct {
	Mode    string `json:"mode"` // "on" or "off"
	ModelID string `json:"model_id,omitempty"`
}

// PolicyMeta is the effective policy snapshot for the request.
type PolicyMeta struct {
	LLM              LLMPolicy `json:"llm"`
	SelectorPolicyID string    `json:"selector_policy_id"`
	AllowedIDsPolicy string    `json:"allowed_ids_policy"`
	GatewayVersion   string    `json:"gateway_version"`
}

// StageTimeouts carries the per-stage deadlines in milliseconds.
type StageTimeouts struct {
	Resolve  int `json:"resolve"`
	Expand   int `json:"expand"`
	Enrich   int `json:"enrich"`
	LLM      int `json:"llm"`
	Validate int `json:"validate"`
	Render   int `json:"render"`
}

// BudgetMeta records the size and time budgets the request ran under.
type BudgetMeta struct {
	MaxPromptBytes     int           `json:"max_prompt_bytes"`
	MinEvidenceItems   int           `json:"min_evidence_items"`
	SoftThresholdBytes int           `json:"soft_threshold_bytes"`
	StageTimeoutsMS    StageTimeouts `json:"stage_timeouts_ms"`
}

// Fingerprints are sha256:<hex> digests over canonical JSON artifacts.
type Fingerprints struct {
	PromptFP     string `json:"prompt_fp"`
	BundleFP     string `json:"bundle_fp"`
	GraphFP      string `json:"graph_fp"`
	AllowedIDsFP string `json:"allowed_ids_fp"`
	PolicyFP     string `json:"policy_fp"`
	SchemaFP     string `json:"schema_fp"`
}

// EvidenceCounts tracks how many items survived each boundary.
type EvidenceCounts struct {
	Pool            int `json:"pool"`
	PromptIncluded  int `json:"prompt_included"`
	PayloadIncluded int `json:"payload_included"`
	Dropped         int `json:"dropped"`
}

// ExcludedID pairs a pruned evidence id with the reason it was dropped.
type ExcludedID struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// EvidenceSets lists the ids at each boundary of the selection funnel.
type EvidenceSets struct {
	PoolIDs            []string     `json:"pool_ids"`
	PromptIncludedIDs  []string     `json:"prompt_included_ids"`
	PromptExcludedIDs  []ExcludedID `json:"prompt_excluded_ids"`
	PayloadIncludedIDs []string     `json:"payload_included_ids"`
	PayloadSource      string       `json:"payload_source"` // "pool" or "prompt"
}

// SelectionMetrics describes the selector's input and output sizes.
type SelectionMetrics struct {
	TotalNeighborsFound int    `json:"total_neighbors_found"`
	FinalEvidenceCount  int    `json:"final_evidence_count"`
	BundleSizeBytes     int    `json:"bundle_size_bytes"`
	SelectorModelID     string `json:"selector_model_id"`
}

// TruncationPass records one measurement pass of the truncator.
type TruncationPass struct {
	Bytes  int    `json:"bytes"`
	Limit  int    `json:"limit"`
	Action string `json:"action"`
}

// TruncationMetrics reports whether and how the selector pruned the bundle.
type TruncationMetrics struct {
	SelectorTruncation bool             `json:"selector_truncation"`
	Passes             []TruncationPass `json:"passes"`
}

// StageMS maps stage name to elapsed milliseconds.
type StageMS map[string]int64

// RuntimeMeta reports what actually happened at run time.
type RuntimeMeta struct {
	FallbackUsed   bool    `json:"fallback_used"`
	FallbackReason string  `json:"fallback_reason,omitempty"`
	Retries        int     `json:"retries"`
	LatencyMS      int64   `json:"latency_ms"`
	StageMS        StageMS `json:"stage_ms"`
}

// ValidatorReport is the outcome of response validation.
type ValidatorReport struct {
	OK     bool     `json:"ok"`
	Errors []string `json:"errors"`
}
