package policy

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/invoicemind-labs/invoicemind/pkg/canonicalize"
	"github.com/invoicemind-labs/invoicemind/pkg/config"
	"github.com/invoicemind-labs/invoicemind/pkg/contracts"
)

// Reason codes emitted by the gates, in gate order.
const (
	ReasonReqFieldMissing       = "REQ_FIELD_MISSING"
	ReasonReqFieldInvalid       = "REQ_FIELD_INVALID"
	ReasonCritFieldParseFail    = "CRIT_FIELD_PARSE_FAIL"
	ReasonCritFieldMismatch     = "CRIT_FIELD_MISMATCH"
	ReasonEvidenceMissing       = "EVIDENCE_MISSING"
	ReasonEvidenceInsufficient  = "EVIDENCE_INSUFFICIENT"
	ReasonConsistencyHardFail   = "CONSISTENCY_HARD_FAIL"
	ReasonConsistencySoftFail   = "CONSISTENCY_SOFT_FAIL"
	ReasonLowQualityInput       = "LOW_QUALITY_INPUT"
	ReasonHighUncertainty       = "HIGH_UNCERTAINTY"
	ReasonRiskThresholdExceeded = "RISK_THRESHOLD_EXCEEDED"
)

// criticalIssueCodes are the validation issue codes gate 2 treats as
// critical mismatches.
var criticalIssueCodes = map[string]struct{}{
	"MISSING_REQUIRED_FIELDS": {},
	"TOTAL_MISMATCH":          {},
}

// Inputs is everything the gates evaluate over.
type Inputs struct {
	Result               *contracts.Invoice
	Issues               []contracts.Issue
	ExtractionConfidence float64
	OCRConfidence        float64
	QualityTier          string
	QualityScore         *float64
}

// InputsSnapshot pins the exact signals a decision was made on.
type InputsSnapshot struct {
	HashSHA256 string         `json:"hash_sha256"`
	Signals    map[string]any `json:"signals"`
}

// Decision is the full, auditable outcome of a policy evaluation.
type Decision struct {
	Decision       string                    `json:"decision"`
	ReasonCodes    []string                  `json:"reason_codes"`
	InputsSnapshot InputsSnapshot            `json:"inputs_snapshot"`
	Versions       map[string]any            `json:"versions"`
	Thresholds     map[string]float64        `json:"thresholds"`
	GateResults    map[string]map[string]any `json:"gate_results"`
}

// Engine evaluates the five review gates.
type Engine struct {
	cfg      *config.Config
	catalog  *Catalog
	versions *VersionSnapshotter
}

// NewEngine builds an engine over cfg and the field catalog.
func NewEngine(cfg *config.Config, catalog *Catalog) *Engine {
	return &Engine{cfg: cfg, catalog: catalog, versions: NewVersionSnapshotter(cfg)}
}

// Evaluate runs gates 1-5 in order. Reason codes are deduplicated preserving
// first insertion; any reason code forces NEEDS_REVIEW.
func (e *Engine) Evaluate(in Inputs) (*Decision, error) {
	thresholds := map[string]float64{
		"required_field_coverage_threshold": e.cfg.RequiredFieldCoverageThreshold,
		"evidence_coverage_threshold":       e.evidenceThreshold(),
		"uncertainty_threshold":             e.cfg.CalibrationUncertaintyThresh,
		"risk_threshold":                    e.cfg.CalibrationRiskThreshold,
	}

	var reasonCodes []string
	gates := make(map[string]map[string]any, 5)

	// Gate 1: required fields present and well-typed.
	var requiredMissing, requiredInvalid []string
	for _, def := range e.catalog.Fields {
		if !def.Required {
			continue
		}
		key := def.InvoiceKey()
		value := in.Result.Field(key)
		if isBlank(value) {
			requiredMissing = append(requiredMissing, key)
			continue
		}
		if !isValueValid(value, def.Type) {
			requiredInvalid = append(requiredInvalid, key)
		}
	}
	gates["required_fields"] = map[string]any{
		"passed":  len(requiredMissing) == 0 && len(requiredInvalid) == 0,
		"missing": orEmpty(requiredMissing),
		"invalid": orEmpty(requiredInvalid),
	}
	if len(requiredMissing) > 0 {
		reasonCodes = append(reasonCodes, ReasonReqFieldMissing)
	}
	if len(requiredInvalid) > 0 {
		reasonCodes = append(reasonCodes, ReasonReqFieldInvalid)
	}

	// Gate 2: critical field parseability plus critical validation issues.
	var criticalParseFail []string
	for _, def := range e.catalog.Fields {
		if !def.Critical {
			continue
		}
		key := def.InvoiceKey()
		value := in.Result.Field(key)
		if isBlank(value) {
			continue
		}
		if !isValueValid(value, def.Type) {
			criticalParseFail = append(criticalParseFail, key)
		}
	}
	var mismatchCodes []string
	for _, issue := range in.Issues {
		if _, critical := criticalIssueCodes[issue.Code]; critical {
			mismatchCodes = append(mismatchCodes, issue.Code)
		}
	}
	gates["critical_fields"] = map[string]any{
		"passed":               len(criticalParseFail) == 0 && len(mismatchCodes) == 0,
		"parse_fail_fields":    orEmpty(criticalParseFail),
		"mismatch_issue_codes": orEmpty(mismatchCodes),
	}
	if len(criticalParseFail) > 0 {
		reasonCodes = append(reasonCodes, ReasonCritFieldParseFail)
	}
	if len(mismatchCodes) > 0 {
		reasonCodes = append(reasonCodes, ReasonCritFieldMismatch)
	}

	// Gate 3: evidence coverage across critical evidence-required fields.
	var evidenceRequired []string
	evidencePresent := 0
	for _, def := range e.catalog.Fields {
		if !def.Critical || !def.EvidenceRequired {
			continue
		}
		key := def.InvoiceKey()
		evidenceRequired = append(evidenceRequired, key)
		if in.Result != nil && len(in.Result.FieldEvidence[key]) > 0 {
			evidencePresent++
		}
	}
	evidenceCoverage := 1.0
	if len(evidenceRequired) > 0 {
		evidenceCoverage = float64(evidencePresent) / float64(len(evidenceRequired))
	}
	gate3Pass := evidenceCoverage >= thresholds["evidence_coverage_threshold"]
	gates["evidence_coverage"] = map[string]any{
		"passed":          gate3Pass,
		"required_fields": orEmpty(evidenceRequired),
		"covered_fields":  evidencePresent,
		"coverage":        round4(evidenceCoverage),
	}
	if len(evidenceRequired) > 0 && evidencePresent == 0 {
		reasonCodes = append(reasonCodes, ReasonEvidenceMissing)
	}
	if !gate3Pass {
		reasonCodes = append(reasonCodes, ReasonEvidenceInsufficient)
	}

	// Gate 4: consistency. Hard failures dominate soft ones.
	hardFail := e.hardConsistencyFailed(in.Result)
	softFail := contracts.HasSeverity(in.Issues, contracts.SeverityWarning)
	gates["consistency"] = map[string]any{
		"passed":    !hardFail && !softFail,
		"hard_fail": hardFail,
		"soft_fail": softFail,
	}
	if hardFail {
		reasonCodes = append(reasonCodes, ReasonConsistencyHardFail)
	} else if softFail {
		reasonCodes = append(reasonCodes, ReasonConsistencySoftFail)
	}

	// Gate 5: low quality escalation and calibration risk.
	tier := strings.ToUpper(in.QualityTier)
	if tier == "" {
		tier = contracts.TierMedium
	}
	uncertainty := 1.0 - math.Min(in.ExtractionConfidence, in.OCRConfidence)
	riskDoc := math.Max(1.0-in.ExtractionConfidence, 1.0-in.OCRConfidence)
	lowQuality := tier == contracts.TierLow && uncertainty >= thresholds["uncertainty_threshold"]
	riskExceeded := riskDoc > thresholds["risk_threshold"]
	gates["quality_escalation"] = map[string]any{
		"passed":        !lowQuality && !riskExceeded,
		"quality_tier":  tier,
		"quality_score": floatPtrOrNil(in.QualityScore),
		"uncertainty":   round4(uncertainty),
		"risk_doc":      round4(riskDoc),
	}
	if lowQuality {
		reasonCodes = append(reasonCodes, ReasonLowQualityInput, ReasonHighUncertainty)
	}
	if riskExceeded {
		reasonCodes = append(reasonCodes, ReasonRiskThresholdExceeded)
	}

	reasonCodes = dedupeInOrder(reasonCodes)
	decision := contracts.DecisionAutoApproved
	if len(reasonCodes) > 0 {
		decision = contracts.DecisionNeedsReview
	}

	snapshot, err := e.makeInputsSnapshot(in, tier)
	if err != nil {
		return nil, err
	}

	return &Decision{
		Decision:       decision,
		ReasonCodes:    reasonCodes,
		InputsSnapshot: snapshot,
		Versions:       e.versionBlock(),
		Thresholds:     thresholds,
		GateResults:    gates,
	}, nil
}

// StatusFromDecision maps a review decision and validation issues to the
// run's terminal quality status.
func StatusFromDecision(decision string, issues []contracts.Issue) contracts.Status {
	if decision == contracts.DecisionNeedsReview {
		return contracts.StatusNeedsReview
	}
	if contracts.HasSeverity(issues, contracts.SeverityWarning) {
		return contracts.StatusWarn
	}
	return contracts.StatusSuccess
}

func (e *Engine) evidenceThreshold() float64 {
	if e.catalog.DocumentLevel.EvidenceCoverageThreshold > 0 {
		return e.catalog.DocumentLevel.EvidenceCoverageThreshold
	}
	return e.cfg.EvidenceCoverageThreshold
}

// hardConsistencyFailed checks the two invariants that are never waivable:
// an allowlisted currency and subtotal + tax = total within 0.02.
func (e *Engine) hardConsistencyFailed(inv *contracts.Invoice) bool {
	if inv == nil {
		return false
	}
	currency := strings.ToUpper(strings.TrimSpace(inv.Currency))
	if currency != "" && !contains(e.cfg.AllowedCurrencies, currency) {
		return true
	}
	if inv.Subtotal == nil || inv.Tax == nil || inv.Total == nil {
		return false
	}
	return math.Abs((*inv.Subtotal+*inv.Tax)-*inv.Total) > 0.02
}

func (e *Engine) makeInputsSnapshot(in Inputs, tier string) (InputsSnapshot, error) {
	signals := map[string]any{
		"invoice_no":            fieldOrNil(in.Result, "invoice_no"),
		"invoice_date":          fieldOrNil(in.Result, "invoice_date"),
		"vendor_name":           fieldOrNil(in.Result, "vendor_name"),
		"currency":              fieldOrNil(in.Result, "currency"),
		"total":                 fieldOrNil(in.Result, "total"),
		"extraction_confidence": round4(in.ExtractionConfidence),
		"ocr_confidence":        round4(in.OCRConfidence),
		"quality_tier":          tier,
		"quality_score":         roundPtr4(in.QualityScore),
	}
	hash, err := canonicalize.Hash(signals)
	if err != nil {
		return InputsSnapshot{}, fmt.Errorf("policy: snapshot hash: %w", err)
	}
	return InputsSnapshot{HashSHA256: hash, Signals: signals}, nil
}

func (e *Engine) versionBlock() map[string]any {
	snap := e.versions.Snapshot()
	return map[string]any{
		"metrics_version":    e.catalog.Version,
		"prompt_version":     snap.Versions["prompt_version"],
		"template_version":   snap.Versions["template_version"],
		"routing_version":    snap.Versions["routing_version"],
		"policy_version":     snap.Versions["policy_version"],
		"model_version":      snap.Versions["model_version"],
		"model_runtime":      snap.Runtime["model_runtime"],
		"model_quantization": snap.Runtime["model_quantization"],
		"config_hashes":      snap.ArtifactHashes,
	}
}

func isBlank(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	}
	return false
}

func isValueValid(value any, expectedType string) bool {
	switch expectedType {
	case "money", "number":
		return toFloat(value) != nil
	case "date":
		return isValidISODate(value)
	case "string":
		s, ok := value.(string)
		return ok && strings.TrimSpace(s) != ""
	}
	return true
}

func isValidISODate(value any) bool {
	text, ok := value.(string)
	if !ok {
		return false
	}
	text = strings.TrimSpace(text)
	if len(text) != 10 {
		return false
	}
	parts := strings.Split(text, "-")
	if len(parts) != 3 {
		return false
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return false
		}
		nums[i] = n
	}
	return nums[0] >= 1900 && nums[0] <= 2100 &&
		nums[1] >= 1 && nums[1] <= 12 &&
		nums[2] >= 1 && nums[2] <= 31
}

func toFloat(value any) *float64 {
	switch v := value.(type) {
	case float64:
		return &v
	case int:
		f := float64(v)
		return &f
	case string:
		text := strings.ReplaceAll(strings.TrimSpace(v), ",", "")
		if text == "" {
			return nil
		}
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil
		}
		return &f
	}
	return nil
}

func dedupeInOrder(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func fieldOrNil(inv *contracts.Invoice, name string) any {
	if inv == nil {
		return nil
	}
	return inv.Field(name)
}

func floatPtrOrNil(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func roundPtr4(p *float64) any {
	if p == nil {
		return nil
	}
	return round4(*p)
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
