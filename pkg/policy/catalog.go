// Package policy implements the review decision engine: five deterministic
// gates over an extraction result that either auto-approve a run or route it
// to human review with ordered reason codes and a reproducible decision log.
package policy

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed metrics_definitions.yaml
var embeddedCatalog []byte

// FieldNameMap translates catalog field names to invoice_v1 keys.
var FieldNameMap = map[string]string{
	"invoice_number":  "invoice_no",
	"invoice_date":    "invoice_date",
	"vendor_name":     "vendor_name",
	"vendor_tax_id":   "vendor_tax_id",
	"currency":        "currency",
	"subtotal_amount": "subtotal",
	"tax_amount":      "tax",
	"total_amount":    "total",
	"due_date":        "due_date",
	"payment_terms":   "payment_terms",
}

// FieldDef is one catalog entry.
type FieldDef struct {
	Name             string `yaml:"name"`
	Type             string `yaml:"type"` // string | money | number | date
	Required         bool   `yaml:"required"`
	Critical         bool   `yaml:"critical"`
	EvidenceRequired bool   `yaml:"evidence_required"`
}

// InvoiceKey is the invoice_v1 field this catalog entry maps to.
func (f FieldDef) InvoiceKey() string {
	if key, ok := FieldNameMap[f.Name]; ok {
		return key
	}
	return f.Name
}

// DocumentLevel holds document-wide catalog settings.
type DocumentLevel struct {
	EvidenceCoverageThreshold float64 `yaml:"evidence_coverage_threshold"`
}

// Catalog is the metrics definitions document driving the gates.
type Catalog struct {
	Version       string        `yaml:"version"`
	DocumentLevel DocumentLevel `yaml:"document_level"`
	Fields        []FieldDef    `yaml:"fields"`
}

// LoadCatalog parses the embedded catalog, or the file at overridePath when
// one is configured.
func LoadCatalog(overridePath string) (*Catalog, error) {
	data := embeddedCatalog
	if overridePath != "" {
		loaded, err := os.ReadFile(overridePath)
		if err != nil {
			return nil, fmt.Errorf("policy: read catalog override: %w", err)
		}
		data = loaded
	}
	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("policy: parse catalog: %w", err)
	}
	if catalog.Version == "" {
		catalog.Version = "metrics-unknown"
	}
	return &catalog, nil
}
