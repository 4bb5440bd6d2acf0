// Package ingest implements the upload admission contract: a staged gauntlet
// (A: policy, B: parseability, C: quality) that either accepts a document,
// rejects it outright, or routes it to quarantine with reason codes.
package ingest

import (
	"archive/zip"
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"sort"
	"strings"

	"github.com/invoicemind-labs/invoicemind/pkg/canonicalize"
	"github.com/invoicemind-labs/invoicemind/pkg/config"
	"github.com/invoicemind-labs/invoicemind/pkg/contracts"
)

// Decisions returned by the contract.
const (
	DecisionAccept     = "ACCEPT"
	DecisionReject     = "REJECT"
	DecisionQuarantine = "QUARANTINE"
)

// Reason codes emitted by the contract stages.
const (
	ReasonUnsupportedMIME    = "UNSUPPORTED_MIME"
	ReasonFileTooLarge       = "FILE_TOO_LARGE"
	ReasonFileCorrupt        = "FILE_CORRUPT"
	ReasonSecurityPolicy     = "SECURITY_POLICY_VIOLATION"
	ReasonPDFParseFail       = "PDF_PARSE_FAIL"
	ReasonEncryptedPDF       = "ENCRYPTED_PDF_UNSUPPORTED"
	ReasonTooManyPages       = "TOO_MANY_PAGES"
	ReasonImageDecodeFail    = "IMAGE_DECODE_FAIL"
	ReasonXLSXParseFail      = "XLSX_PARSE_FAIL"
	ReasonOCRPrecheckLowConf = "OCR_PRECHECK_LOW_CONF"
	ReasonLowResolution      = "LOW_RESOLUTION"
)

const mimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

var imageMagic = map[string]string{
	"\x89PNG\r\n\x1a\n": "image/png",
	"\xff\xd8\xff":      "image/jpeg",
	"RIFF":              "image/webp",
}

// Result is the contract verdict for one upload.
type Result struct {
	Decision     string
	Stage        string // A, B, C (D is reserved for schema failures downstream)
	ReasonCodes  []string
	Details      map[string]any
	QualityScore *float64
	QualityTier  string
}

// QuarantineStatus maps the failing stage to a quarantine classification,
// or "" when the decision is not QUARANTINE.
func (r *Result) QuarantineStatus() string {
	if r.Decision != DecisionQuarantine {
		return ""
	}
	switch r.Stage {
	case "A":
		for _, code := range r.ReasonCodes {
			if code == ReasonSecurityPolicy {
				return "QUARANTINED_SECURITY_POLICY"
			}
		}
		return "QUARANTINED_UNKNOWN"
	case "B":
		return "QUARANTINED_PARSE_FAIL"
	case "C":
		return "QUARANTINED_LOW_QUALITY"
	case "D":
		return "QUARANTINED_SCHEMA_FAIL"
	}
	return "QUARANTINED_UNKNOWN"
}

// Contract evaluates uploads against configured limits.
type Contract struct {
	cfg *config.Config
}

// New returns a contract bound to cfg.
func New(cfg *config.Config) *Contract {
	return &Contract{cfg: cfg}
}

// Evaluate runs stages A, B and C over the payload in order, returning on
// the first stage that rejects or quarantines.
func (c *Contract) Evaluate(payload []byte, filename, contentType string) *Result {
	details := map[string]any{
		"filename":     filename,
		"content_type": contentType,
		"size_bytes":   len(payload),
		"content_hash": canonicalize.HashBytes(payload),
		"limits": map[string]any{
			"max_upload_size_bytes":   c.cfg.MaxUploadSizeBytes,
			"max_pdf_pages":           c.cfg.MaxPDFPages,
			"max_xlsx_rows_per_sheet": c.cfg.MaxXLSXRowsPerSheet,
		},
	}

	if res := c.stageA(payload, contentType, details); res != nil {
		return res
	}
	if res := c.stageB(payload, contentType, details); res != nil {
		return res
	}

	score, tier, reasons := c.stageC(payload, contentType, details)
	details["quality_score"] = score
	details["quality_tier"] = tier
	if len(reasons) > 0 && c.cfg.QuarantineLowQuality {
		return &Result{
			Decision:     DecisionQuarantine,
			Stage:        "C",
			ReasonCodes:  reasons,
			Details:      details,
			QualityScore: &score,
			QualityTier:  tier,
		}
	}
	if len(reasons) > 0 {
		details["quality_reason_codes"] = reasons
	}
	return &Result{
		Decision:     DecisionAccept,
		Stage:        "C",
		ReasonCodes:  []string{},
		Details:      details,
		QualityScore: &score,
		QualityTier:  tier,
	}
}

// Stage A: MIME allowlist, size ceiling, minimal viability.
func (c *Contract) stageA(payload []byte, contentType string, details map[string]any) *Result {
	allowed := false
	for _, mime := range c.cfg.AllowedMIMETypes {
		if mime == contentType {
			allowed = true
			break
		}
	}
	if !allowed {
		return &Result{Decision: DecisionReject, Stage: "A",
			ReasonCodes: []string{ReasonUnsupportedMIME}, Details: details}
	}
	if int64(len(payload)) > c.cfg.MaxUploadSizeBytes {
		return &Result{Decision: DecisionQuarantine, Stage: "A",
			ReasonCodes: []string{ReasonFileTooLarge}, Details: details}
	}
	if len(payload) < 4 {
		return &Result{Decision: DecisionQuarantine, Stage: "A",
			ReasonCodes: []string{ReasonFileCorrupt}, Details: details}
	}
	return nil
}

// Stage B: format-level parseability checks, cheap enough to run inline.
func (c *Contract) stageB(payload []byte, contentType string, details map[string]any) *Result {
	switch contentType {
	case "application/pdf":
		if !bytes.HasPrefix(payload, []byte("%PDF")) {
			return &Result{Decision: DecisionQuarantine, Stage: "B",
				ReasonCodes: []string{ReasonPDFParseFail}, Details: details}
		}
		head := payload
		if len(head) > 65536 {
			head = head[:65536]
		}
		if bytes.Contains(head, []byte("/Encrypt")) {
			return &Result{Decision: DecisionQuarantine, Stage: "B",
				ReasonCodes: []string{ReasonEncryptedPDF}, Details: details}
		}
		pageCount := bytes.Count(payload, []byte("/Type /Page"))
		details["pdf_page_count_estimate"] = pageCount
		if pageCount > c.cfg.MaxPDFPages {
			return &Result{Decision: DecisionQuarantine, Stage: "B",
				ReasonCodes: []string{ReasonTooManyPages}, Details: details}
		}
	case "image/png", "image/jpeg", "image/webp":
		if !hasImageMagic(payload) {
			return &Result{Decision: DecisionQuarantine, Stage: "B",
				ReasonCodes: []string{ReasonImageDecodeFail}, Details: details}
		}
	case mimeXLSX:
		reasons := validateXLSX(payload, c.cfg.MaxXLSXRowsPerSheet, details)
		if len(reasons) > 0 {
			return &Result{Decision: DecisionQuarantine, Stage: "B",
				ReasonCodes: reasons, Details: details}
		}
	}
	return nil
}

// Stage C: quality scoring and tiering. Quarantines only when configured to.
func (c *Contract) stageC(payload []byte, contentType string, details map[string]any) (float64, string, []string) {
	score := 0.8
	var reasons []string

	switch contentType {
	case "image/png", "image/jpeg", "image/webp":
		width, height := imageDimensions(payload)
		if width > 0 && height > 0 {
			megapixels := float64(width*height) / 1e6
			score = min(1.0, max(0.2, 0.25+megapixels/2.0))
			details["image_dimensions"] = map[string]any{"width": width, "height": height}
		} else {
			score = 0.75
		}
		if score < 0.55 {
			reasons = append(reasons, ReasonOCRPrecheckLowConf)
		}
		if width > 0 && height > 0 && min(width, height) < 700 {
			reasons = append(reasons, ReasonLowResolution)
			score = min(score, 0.5)
		}
	case "application/pdf":
		score = 0.75
	case mimeXLSX:
		score = 0.85
	}

	tier := contracts.TierLow
	switch {
	case score >= 0.8:
		tier = contracts.TierHigh
	case score >= 0.55:
		tier = contracts.TierMedium
	}
	return score, tier, sortedUnique(reasons)
}

func hasImageMagic(payload []byte) bool {
	head := payload
	if len(head) > 12 {
		head = head[:12]
	}
	for magic := range imageMagic {
		if bytes.HasPrefix(head, []byte(magic)) {
			return true
		}
	}
	return false
}

// imageDimensions decodes just the header for PNG and JPEG. WebP dimensions
// are not probed; the caller falls back to a neutral score.
func imageDimensions(payload []byte) (int, int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(payload))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

func validateXLSX(payload []byte, maxRowsPerSheet int, details map[string]any) []string {
	details["xlsx_sheet_count"] = 0

	reader, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return []string{ReasonXLSXParseFail}
	}

	files := make(map[string]*zip.File, len(reader.File))
	var sheets []*zip.File
	for _, f := range reader.File {
		files[f.Name] = f
		if strings.HasPrefix(f.Name, "xl/worksheets/sheet") {
			sheets = append(sheets, f)
		}
	}
	if _, ok := files["xl/workbook.xml"]; !ok {
		return []string{ReasonXLSXParseFail}
	}

	details["xlsx_sheet_count"] = len(sheets)
	var reasons []string
	if len(sheets) == 0 {
		reasons = append(reasons, ReasonXLSXParseFail)
	}

	if shared, ok := files["xl/sharedStrings.xml"]; ok {
		details["xlsx_has_shared_strings"] = true
		if data, err := readZipFile(shared); err == nil {
			details["xlsx_shared_strings_meta"] = map[string]any{"count": len(data)}
		}
	}

	for _, sheet := range sheets {
		data, err := readZipFile(sheet)
		if err != nil {
			reasons = append(reasons, ReasonXLSXParseFail)
			break
		}
		rows := bytes.Count(data, []byte("<row"))
		if rows > maxRowsPerSheet {
			reasons = append(reasons, ReasonXLSXParseFail)
			details[fmt.Sprintf("%s_rows", sheet.Name)] = rows
			break
		}
	}
	return sortedUnique(reasons)
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open zip entry: %w", err)
	}
	defer rc.Close() //nolint:errcheck
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		return nil, fmt.Errorf("read zip entry: %w", err)
	}
	return buf.Bytes(), nil
}

func sortedUnique(codes []string) []string {
	if len(codes) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(codes))
	var out []string
	for _, code := range codes {
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}
