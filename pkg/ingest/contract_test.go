package ingest

import (
	"archive/zip"
	"bytes"
	"image"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invoicemind-labs/invoicemind/pkg/config"
	"github.com/invoicemind-labs/invoicemind/pkg/contracts"
)

func newContract(t *testing.T, mutate func(*config.Config)) *Contract {
	t.Helper()
	cfg := config.Load()
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())
	return New(cfg)
}

func pngBytes(t *testing.T, width, height int) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func xlsxBytes(t *testing.T, withWorkbook bool, rowsPerSheet int) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	if withWorkbook {
		f, err := w.Create("xl/workbook.xml")
		require.NoError(t, err)
		_, err = f.Write([]byte(`<workbook/>`))
		require.NoError(t, err)
	}
	f, err := w.Create("xl/worksheets/sheet1.xml")
	require.NoError(t, err)
	_, err = f.Write([]byte(`<worksheet>` + strings.Repeat(`<row/>`, rowsPerSheet) + `</worksheet>`))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestRejectsUnsupportedMIME(t *testing.T) {
	res := newContract(t, nil).Evaluate([]byte("hello world"), "notes.txt", "text/plain")
	assert.Equal(t, DecisionReject, res.Decision)
	assert.Equal(t, "A", res.Stage)
	assert.Equal(t, []string{ReasonUnsupportedMIME}, res.ReasonCodes)
	assert.Empty(t, res.QuarantineStatus())
}

func TestQuarantinesOversizedUpload(t *testing.T) {
	contract := newContract(t, func(cfg *config.Config) {
		cfg.MaxUploadSizeBytes = 16
	})
	res := contract.Evaluate(bytes.Repeat([]byte("x"), 17), "big.pdf", "application/pdf")
	assert.Equal(t, DecisionQuarantine, res.Decision)
	assert.Equal(t, []string{ReasonFileTooLarge}, res.ReasonCodes)
	assert.Equal(t, "QUARANTINED_UNKNOWN", res.QuarantineStatus())
}

func TestQuarantinesTinyPayloadAsCorrupt(t *testing.T) {
	res := newContract(t, nil).Evaluate([]byte("ab"), "stub.pdf", "application/pdf")
	assert.Equal(t, DecisionQuarantine, res.Decision)
	assert.Equal(t, "A", res.Stage)
	assert.Equal(t, []string{ReasonFileCorrupt}, res.ReasonCodes)
}

func TestPDFChecks(t *testing.T) {
	contract := newContract(t, func(cfg *config.Config) {
		cfg.MaxPDFPages = 2
	})

	res := contract.Evaluate([]byte("not a pdf at all"), "a.pdf", "application/pdf")
	assert.Equal(t, []string{ReasonPDFParseFail}, res.ReasonCodes)
	assert.Equal(t, "QUARANTINED_PARSE_FAIL", res.QuarantineStatus())

	res = contract.Evaluate([]byte("%PDF-1.7 /Encrypt 12345"), "a.pdf", "application/pdf")
	assert.Equal(t, []string{ReasonEncryptedPDF}, res.ReasonCodes)

	body := "%PDF-1.7 " + strings.Repeat("/Type /Page ", 3)
	res = contract.Evaluate([]byte(body), "a.pdf", "application/pdf")
	assert.Equal(t, []string{ReasonTooManyPages}, res.ReasonCodes)
	assert.Equal(t, 3, res.Details["pdf_page_count_estimate"])
}

func TestAcceptsWellFormedPDF(t *testing.T) {
	res := newContract(t, nil).Evaluate([]byte("%PDF-1.7 /Type /Page content"), "a.pdf", "application/pdf")
	assert.Equal(t, DecisionAccept, res.Decision)
	require.NotNil(t, res.QualityScore)
	assert.InDelta(t, 0.75, *res.QualityScore, 1e-9)
	assert.Equal(t, contracts.TierMedium, res.QualityTier)
}

func TestQuarantinesImageWithBadMagic(t *testing.T) {
	res := newContract(t, nil).Evaluate([]byte("GIF89a legacy bytes"), "pic.png", "image/png")
	assert.Equal(t, DecisionQuarantine, res.Decision)
	assert.Equal(t, []string{ReasonImageDecodeFail}, res.ReasonCodes)
}

func TestHighResolutionImageScoresHigh(t *testing.T) {
	res := newContract(t, nil).Evaluate(pngBytes(t, 1400, 1400), "scan.png", "image/png")
	assert.Equal(t, DecisionAccept, res.Decision)
	require.NotNil(t, res.QualityScore)
	assert.InDelta(t, 1.0, *res.QualityScore, 1e-9)
	assert.Equal(t, contracts.TierHigh, res.QualityTier)
	assert.NotContains(t, res.Details, "quality_reason_codes")
}

func TestLowResolutionImageFlagsReasons(t *testing.T) {
	res := newContract(t, nil).Evaluate(pngBytes(t, 100, 100), "thumb.png", "image/png")
	assert.Equal(t, DecisionAccept, res.Decision)
	require.NotNil(t, res.QualityScore)
	assert.Less(t, *res.QualityScore, 0.55)
	assert.Equal(t, contracts.TierLow, res.QualityTier)
	assert.Equal(t,
		[]string{ReasonLowResolution, ReasonOCRPrecheckLowConf},
		res.Details["quality_reason_codes"])
}

func TestLowQualityQuarantineWhenConfigured(t *testing.T) {
	contract := newContract(t, func(cfg *config.Config) {
		cfg.QuarantineLowQuality = true
	})
	res := contract.Evaluate(pngBytes(t, 100, 100), "thumb.png", "image/png")
	assert.Equal(t, DecisionQuarantine, res.Decision)
	assert.Equal(t, "C", res.Stage)
	assert.Equal(t, "QUARANTINED_LOW_QUALITY", res.QuarantineStatus())
	assert.Contains(t, res.ReasonCodes, ReasonOCRPrecheckLowConf)
}

func TestXLSXChecks(t *testing.T) {
	contract := newContract(t, func(cfg *config.Config) {
		cfg.MaxXLSXRowsPerSheet = 10
	})

	res := contract.Evaluate(xlsxBytes(t, true, 5), "book.xlsx", mimeXLSX)
	assert.Equal(t, DecisionAccept, res.Decision)
	require.NotNil(t, res.QualityScore)
	assert.InDelta(t, 0.85, *res.QualityScore, 1e-9)
	assert.Equal(t, contracts.TierHigh, res.QualityTier)
	assert.Equal(t, 1, res.Details["xlsx_sheet_count"])

	res = contract.Evaluate(xlsxBytes(t, false, 5), "book.xlsx", mimeXLSX)
	assert.Equal(t, []string{ReasonXLSXParseFail}, res.ReasonCodes)

	res = contract.Evaluate(xlsxBytes(t, true, 11), "book.xlsx", mimeXLSX)
	assert.Equal(t, []string{ReasonXLSXParseFail}, res.ReasonCodes)

	res = contract.Evaluate([]byte("PK\x03\x04 but not a zip"), "book.xlsx", mimeXLSX)
	assert.Equal(t, []string{ReasonXLSXParseFail}, res.ReasonCodes)
}

func TestDetailsCarryContentHashAndLimits(t *testing.T) {
	res := newContract(t, nil).Evaluate([]byte("%PDF-1.7 body"), "a.pdf", "application/pdf")
	assert.Len(t, res.Details["content_hash"], 64)
	limits := res.Details["limits"].(map[string]any)
	assert.Equal(t, int64(25*1024*1024), limits["max_upload_size_bytes"])
}
