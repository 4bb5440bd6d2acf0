package extraction

import (
	"fmt"
	"math"
	"strings"

	"github.com/invoicemind-labs/invoicemind/pkg/config"
	"github.com/invoicemind-labs/invoicemind/pkg/contracts"
)

// Validation issue codes.
const (
	IssueMissingRequiredFields   = "MISSING_REQUIRED_FIELDS"
	IssueTotalMismatch           = "TOTAL_MISMATCH"
	IssueLowExtractionConfidence = "LOW_EXTRACTION_CONFIDENCE"
	IssueLowOCRConfidence        = "LOW_OCR_CONFIDENCE"
)

// ValidateResult checks an extraction output for completeness, arithmetic
// consistency and confidence floors. TOTAL_MISMATCH is a warning; the rest
// are errors.
func ValidateResult(cfg *config.Config, inv *contracts.Invoice, extractionConfidence, ocrConfidence float64) []contracts.Issue {
	var issues []contracts.Issue

	var missing []string
	for _, name := range RequiredFields {
		if !fieldPresent(inv, name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		issues = append(issues, contracts.Issue{
			Code:     IssueMissingRequiredFields,
			Severity: contracts.SeverityError,
			Detail:   "Missing required fields: " + strings.Join(missing, ", "),
		})
	}

	subtotal := valueOrZero(inv.Subtotal)
	tax := valueOrZero(inv.Tax)
	total := valueOrZero(inv.Total)
	if math.Abs(round2(subtotal+tax)-round2(total)) > 1e-9 {
		issues = append(issues, contracts.Issue{
			Code:     IssueTotalMismatch,
			Severity: contracts.SeverityWarning,
			Detail:   "subtotal + tax does not match total",
		})
	}

	if extractionConfidence < cfg.LowConfidenceThreshold {
		issues = append(issues, contracts.Issue{
			Code:     IssueLowExtractionConfidence,
			Severity: contracts.SeverityError,
			Detail:   fmt.Sprintf("extraction confidence=%.2f", extractionConfidence),
		})
	}
	if ocrConfidence < cfg.LowOCRConfidenceThreshold {
		issues = append(issues, contracts.Issue{
			Code:     IssueLowOCRConfidence,
			Severity: contracts.SeverityError,
			Detail:   fmt.Sprintf("ocr confidence=%.2f", ocrConfidence),
		})
	}

	return issues
}

func valueOrZero(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
