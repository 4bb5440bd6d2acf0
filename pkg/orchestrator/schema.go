package orchestrator

import (
	"bytes"
	"encoding/json"
	_ "embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/invoicemind-labs/invoicemind/pkg/contracts"
)

//go:embed invoice_v1.schema.json
var invoiceSchemaJSON []byte

var (
	invoiceSchemaOnce sync.Once
	invoiceSchema     *jsonschema.Schema
	invoiceSchemaErr  error
)

func compiledInvoiceSchema() (*jsonschema.Schema, error) {
	invoiceSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("invoice_v1.schema.json", bytes.NewReader(invoiceSchemaJSON)); err != nil {
			invoiceSchemaErr = fmt.Errorf("orchestrator: add schema resource: %w", err)
			return
		}
		invoiceSchema, invoiceSchemaErr = compiler.Compile("invoice_v1.schema.json")
	})
	return invoiceSchema, invoiceSchemaErr
}

// validateInvoiceSchema checks an extraction result against invoice_v1 before
// it reaches the review gates.
func validateInvoiceSchema(inv *contracts.Invoice) error {
	if inv == nil {
		return fmt.Errorf("extraction result is empty")
	}
	schema, err := compiledInvoiceSchema()
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	var doc any
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invoice_v1 validation: %w", err)
	}
	return nil
}
