// Package pipeline drives a query end to end: resolve the anchor, expand and
// enrich its neighborhood, select evidence against the byte budget, build the
// canonical prompt, obtain an answer (model or templater), validate it, and
// emit the NDJSON stream. Every stage runs under its own deadline and every
// intermediate artifact is persisted for replay.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/batvault/batvault/internal/answer"
	"github.com/batvault/batvault/internal/artifacts"
	"github.com/batvault/batvault/internal/cache"
	"github.com/batvault/batvault/internal/canonjson"
	"github.com/batvault/batvault/internal/evidence"
	"github.com/batvault/batvault/internal/llm"
	"github.com/batvault/batvault/internal/model"
	"github.com/batvault/batvault/internal/prompt"
	"github.com/batvault/batvault/internal/resolver"
	"github.com/batvault/batvault/internal/telemetry"
	"github.com/batvault/batvault/internal/templater"
)

// Dependency slices, narrowed so tests can fake each stage.
type (
	anchorResolver interface {
		Resolve(ctx context.Context, input, snapshotETag string) (resolver.Match, error)
	}
	bundleExpander interface {
		Expand(ctx context.Context, anchorID, snapshotETag string) (model.EvidenceBundle, error)
	}
	answerGenerator interface {
		Generate(ctx context.Context, prompt []byte, maxTokens int, onToken func(string)) (llm.Result, error)
		ModelID() string
	}
	snapshotSource interface {
		SnapshotETag(ctx context.Context) (string, error)
	}
)

// Deps wires a Pipeline. Artifacts and Metrics may be nil.
type Deps struct {
	Snapshot  snapshotSource
	Resolver  anchorResolver
	Expander  bundleExpander
	Generator answerGenerator // nil when LLM_MODE=off
	Artifacts *artifacts.Store
	Cache     cache.Store
	Metrics   *telemetry.PipelineMetrics
	Logger    *slog.Logger

	Selector       evidence.Policy
	Timeouts       model.StageTimeouts
	LLMMode        string
	LLMModelID     string
	MaxTokens      int
	GatewayVersion string
}

// Pipeline orchestrates the query stages.
type Pipeline struct {
	deps     Deps
	policy   model.PolicyMeta
	policyFP string
	schemaFP string
}

// New computes the static fingerprints once and returns the pipeline.
func New(deps Deps) (*Pipeline, error) {
	if deps.MaxTokens <= 0 {
		deps.MaxTokens = 1024
	}
	policy := EffectivePolicy(deps.LLMMode, deps.LLMModelID, deps.GatewayVersion)
	policyFP, err := PolicyFP(policy)
	if err != nil {
		return nil, err
	}
	schemaFP, err := SchemaFP()
	if err != nil {
		return nil, err
	}
	return &Pipeline{deps: deps, policy: policy, policyFP: policyFP, schemaFP: schemaFP}, nil
}

// PolicyFingerprint returns the fingerprint of the effective policy.
func (p *Pipeline) PolicyFingerprint() string { return p.policyFP }

// SchemaFingerprint returns the fingerprint of the supported wire schemas.
func (p *Pipeline) SchemaFingerprint() string { return p.schemaFP }

// Policy returns the effective policy block.
func (p *Pipeline) Policy() model.PolicyMeta { return p.policy }

// Preflight is everything checked before the stream starts.
type Preflight struct {
	SnapshotETag string
	PolicyFP     string
	SchemaFP     string
}

// CheckPreconditions resolves the current snapshot and verifies the client's
// pinned snapshot and policy, if any. Failures here surface as plain HTTP
// errors (412, 409), never as stream frames.
func (p *Pipeline) CheckPreconditions(ctx context.Context, ifSnapshotETag, policyKey string) (Preflight, error) {
	etag, err := p.deps.Snapshot.SnapshotETag(ctx)
	if err != nil {
		return Preflight{}, model.Wrap(model.KindUpstream, "resolve", err)
	}
	if ifSnapshotETag != "" && ifSnapshotETag != etag {
		return Preflight{}, model.E(model.KindPreconditionFailed, "",
			"snapshot moved: requested %s, current %s", ifSnapshotETag, etag)
	}
	if policyKey != "" && policyKey != p.policyFP {
		return Preflight{}, model.E(model.KindPolicyMismatch, "",
			"policy fingerprint mismatch: requested %s", policyKey)
	}
	return Preflight{SnapshotETag: etag, PolicyFP: p.policyFP, SchemaFP: p.schemaFP}, nil
}

// Run executes the pipeline and terminates the emitter with exactly one
// final or error frame. It never returns an error: failures become error
// frames. notify, when non-nil, receives the content fingerprints as soon as
// they are known and strictly before any frame is written; the gateway uses
// it to set response headers on the stream.
func (p *Pipeline) Run(ctx context.Context, req model.QueryRequest, pre Preflight, requestID, traceID string, em *Emitter, notify func(model.Fingerprints)) {
	start := time.Now()
	stageMS := model.StageMS{}

	resp, err := p.run(ctx, req, pre, requestID, traceID, stageMS, start, em, notify)
	if err != nil {
		kind := model.KindOf(err)
		p.deps.Logger.Error("pipeline: query failed",
			"request_id", requestID, "stage", model.StageOf(err), "kind", kind, "error", err)
		policyFP := ""
		if kind == model.KindPolicyMismatch {
			policyFP = p.policyFP
		}
		em.Error(kind.Code(), err.Error(), policyFP)
		return
	}
	em.Final(resp)
}

func (p *Pipeline) run(ctx context.Context, req model.QueryRequest, pre Preflight, requestID, traceID string, stageMS model.StageMS, start time.Time, em *Emitter, notify func(model.Fingerprints)) (model.ResponseBody, error) {
	// Resolve.
	input := req.Anchor
	if input == "" {
		input = req.Question
	}
	var match resolver.Match
	err := p.stage(ctx, "resolve", p.deps.Timeouts.Resolve, stageMS, func(sctx context.Context) error {
		var err error
		match, err = p.deps.Resolver.Resolve(sctx, input, pre.SnapshotETag)
		return err
	})
	if err != nil {
		return model.ResponseBody{}, err
	}

	// Served-from-cache fast path: the whole response body under this
	// snapshot and request.
	bundleKey := cache.Key("bundle", pre.SnapshotETag, string(req.Intent)+"\x00"+match.ID)
	if cached, ok, cerr := p.deps.Cache.Get(ctx, bundleKey); cerr == nil && ok {
		var resp model.ResponseBody
		if jerr := json.Unmarshal(cached, &resp); jerr == nil {
			origID := resp.Meta.Request.RequestID
			resp.Meta.Request = model.RequestMeta{RequestID: requestID, TraceID: traceID, SnapshotETag: pre.SnapshotETag}
			resp.Meta.Runtime.LatencyMS = time.Since(start).Milliseconds()
			if notify != nil {
				notify(resp.Meta.Fingerprints)
			}
			// The verify view must resolve for this request id too, so the
			// original trail is copied and a fresh final.json written.
			if p.deps.Artifacts != nil {
				if origID != "" && origID != requestID {
					p.deps.Artifacts.CloneTrail(ctx, origID, requestID)
				}
				if finalBytes, jerr := json.Marshal(resp); jerr == nil {
					p.deps.Artifacts.PutFinal(ctx, requestID, finalBytes)
				}
			}
			return resp, nil
		}
	}

	// Expand and enrich. The expander does both behind its cache, so it runs
	// under the two budgets combined.
	var pool model.EvidenceBundle
	err = p.stage(ctx, "expand", p.deps.Timeouts.Expand+p.deps.Timeouts.Enrich, stageMS, func(sctx context.Context) error {
		var err error
		pool, err = p.deps.Expander.Expand(sctx, match.ID, pre.SnapshotETag)
		return err
	})
	if err != nil {
		return model.ResponseBody{}, err
	}

	graphFP, err := canonjson.FingerprintValue(pool)
	if err != nil {
		return model.ResponseBody{}, model.Wrap(model.KindInternal, "expand", err)
	}

	// Select within the byte budget.
	sel, err := evidence.Select(pool, p.deps.Selector)
	if err != nil {
		return model.ResponseBody{}, err
	}
	if sel.Truncation.SelectorTruncation && p.deps.Metrics != nil {
		p.deps.Metrics.Truncations.Add(ctx, 1)
	}

	// Canonical prompt envelope.
	env := prompt.Build(req.Intent, req.Question, sel.Bundle, p.deps.MaxTokens)
	promptBytes, err := env.Canonical()
	if err != nil {
		return model.ResponseBody{}, err
	}
	promptFP, bundleFP, allowedIDsFP, err := prompt.Fingerprints(env)
	if err != nil {
		return model.ResponseBody{}, err
	}

	// The trail starts with the envelope; evidence snapshots follow it.
	if p.deps.Artifacts != nil {
		p.deps.Artifacts.Put(ctx, requestID, artifacts.NameEnvelope, promptBytes)
	}
	p.putArtifact(ctx, requestID, artifacts.NameEvidencePre, pool)
	p.putArtifact(ctx, requestID, artifacts.NameEvidencePos, sel.Bundle)

	fps := model.Fingerprints{
		PromptFP:     promptFP,
		BundleFP:     bundleFP,
		GraphFP:      graphFP,
		AllowedIDsFP: allowedIDsFP,
		PolicyFP:     p.policyFP,
		SchemaFP:     p.schemaFP,
	}
	if notify != nil {
		notify(fps)
	}

	// Answer: model if enabled, templater as fallback and as the off-mode
	// path. The templater cannot fail.
	ans, runtime := p.generateAnswer(ctx, promptBytes, sel.Bundle, stageMS, requestID, em)

	// Validate.
	flags := sel.Bundle.Flags()
	var report model.ValidatorReport
	err = p.stage(ctx, "validate", p.deps.Timeouts.Validate, stageMS, func(context.Context) error {
		report = answer.Report(req.Intent, ans, sel.Bundle, flags)
		return nil
	})
	if err != nil {
		return model.ResponseBody{}, err
	}
	if !report.OK {
		// The model's answer failed validation; re-render deterministically
		// and re-validate so the shipped response is always clean.
		ans = templater.Render(sel.Bundle)
		runtime.FallbackUsed = true
		if runtime.FallbackReason == "" {
			runtime.FallbackReason = "validation_failed"
		}
		report = answer.Report(req.Intent, ans, sel.Bundle, flags)
	}
	p.putArtifact(ctx, requestID, artifacts.NameValidator, report)

	// Render the response body.
	var resp model.ResponseBody
	err = p.stage(ctx, "render", p.deps.Timeouts.Render, stageMS, func(context.Context) error {
		runtime.LatencyMS = time.Since(start).Milliseconds()
		runtime.StageMS = stageMS
		resp = model.ResponseBody{
			Intent:            req.Intent,
			Evidence:          sel.Bundle,
			Answer:            ans,
			CompletenessFlags: flags,
			Meta: model.MetaInfo{
				Request: model.RequestMeta{RequestID: requestID, TraceID: traceID, SnapshotETag: pre.SnapshotETag},
				Policy:  p.policy,
				Budgets: model.BudgetMeta{
					MaxPromptBytes:     p.deps.Selector.MaxPromptBytes,
					MinEvidenceItems:   p.deps.Selector.MinEvidenceItems,
					SoftThresholdBytes: p.deps.Selector.SoftThresholdBytes,
					StageTimeoutsMS:    p.deps.Timeouts,
				},
				Fingerprints: fps,
				EvidenceCounts: model.EvidenceCounts{
					Pool:            len(sel.PoolIDs),
					PromptIncluded:  len(sel.PromptIncludedIDs),
					PayloadIncluded: len(sel.PromptIncludedIDs),
					Dropped:         len(sel.PromptExcludedIDs),
				},
				EvidenceSets: model.EvidenceSets{
					PoolIDs:            sel.PoolIDs,
					PromptIncludedIDs:  sel.PromptIncludedIDs,
					PromptExcludedIDs:  sel.PromptExcludedIDs,
					PayloadIncludedIDs: sel.PromptIncludedIDs,
					PayloadSource:      "prompt",
				},
				SelectionMetrics:  sel.Metrics,
				TruncationMetrics: sel.Truncation,
				Runtime:           runtime,
				Validator:         report,
			},
		}
		return nil
	})
	if err != nil {
		return model.ResponseBody{}, err
	}

	// Persist and cache, best-effort.
	if finalBytes, jerr := json.Marshal(resp); jerr == nil {
		if p.deps.Artifacts != nil {
			p.deps.Artifacts.PutFinal(ctx, requestID, finalBytes)
		}
		if cerr := p.deps.Cache.Set(ctx, bundleKey, finalBytes, cache.TTLBundle); cerr != nil {
			p.deps.Logger.Warn("pipeline: bundle cache set failed", "error", cerr)
		}
	}

	return resp, nil
}

// generateAnswer produces the structured answer and the runtime block. The
// model path streams tokens; every failure lands on the templater.
func (p *Pipeline) generateAnswer(ctx context.Context, promptBytes []byte, bundle model.EvidenceBundle, stageMS model.StageMS, requestID string, em *Emitter) (model.WhyDecisionAnswer, model.RuntimeMeta) {
	var runtime model.RuntimeMeta

	if p.deps.LLMMode != "on" || p.deps.Generator == nil {
		ans := templater.Render(bundle)
		runtime.FallbackUsed = true
		runtime.FallbackReason = "llm_off"
		if p.deps.Metrics != nil {
			p.deps.Metrics.Fallbacks.Add(ctx, 1)
		}
		// The artifact trail keeps its fixed shape: llm.raw.json is null
		// when no model ran.
		p.putArtifact(ctx, requestID, artifacts.NameLLMRaw, nil)
		return ans, runtime
	}

	var res llm.Result
	err := p.stage(ctx, "llm", p.deps.Timeouts.LLM, stageMS, func(sctx context.Context) error {
		var err error
		res, err = p.deps.Generator.Generate(sctx, promptBytes, p.deps.MaxTokens, em.Token)
		return err
	})
	runtime.Retries = res.Retries
	if err != nil {
		p.deps.Logger.Warn("pipeline: model answer failed, using templater",
			"request_id", requestID, "error", err)
		runtime.FallbackUsed = true
		runtime.FallbackReason = llmFallbackReason(err)
		if p.deps.Metrics != nil {
			p.deps.Metrics.Fallbacks.Add(ctx, 1)
		}
		p.putArtifact(ctx, requestID, artifacts.NameLLMRaw, nil)
		return templater.Render(bundle), runtime
	}

	p.putArtifact(ctx, requestID, artifacts.NameLLMRaw, map[string]any{
		"raw":     res.Raw,
		"retries": res.Retries,
		"model":   p.deps.Generator.ModelID(),
	})
	return res.Answer, runtime
}

// llmFallbackReason names why the model path was abandoned, in the runtime
// block's vocabulary rather than the wire error codes.
func llmFallbackReason(err error) string {
	switch model.KindOf(err) {
	case model.KindParse:
		return "llm_parse_error"
	case model.KindStageTimeout:
		return "llm_timeout"
	default:
		return "llm_error"
	}
}

// stage runs fn under its own deadline and records its wall time.
func (p *Pipeline) stage(ctx context.Context, name string, timeoutMS int, stageMS model.StageMS, fn func(context.Context) error) error {
	sctx := ctx
	var cancel context.CancelFunc
	if timeoutMS > 0 {
		sctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
		defer cancel()
	}

	began := time.Now()
	err := fn(sctx)
	elapsed := time.Since(began)
	stageMS[name] = elapsed.Milliseconds()
	p.deps.Metrics.RecordStage(ctx, name, elapsed)

	if err != nil && sctx.Err() != nil && ctx.Err() == nil {
		return model.E(model.KindStageTimeout, name, "stage %s exceeded %dms", name, timeoutMS)
	}
	if err != nil {
		var typed *model.Error
		if errors.As(err, &typed) && typed.Stage == "" {
			typed.Stage = name
		}
		return err
	}
	return nil
}

// putArtifact JSON-encodes and persists one artifact, best-effort.
func (p *Pipeline) putArtifact(ctx context.Context, requestID, name string, v any) {
	if p.deps.Artifacts == nil {
		return
	}
	buf, err := json.Marshal(v)
	if err != nil {
		p.deps.Logger.Warn("pipeline: artifact marshal failed", "name", name, "error", err)
		return
	}
	p.deps.Artifacts.Put(ctx, requestID, name, buf)
}
