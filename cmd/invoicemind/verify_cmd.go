package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/invoicemind-labs/invoicemind/pkg/audit"
	"github.com/invoicemind-labs/invoicemind/pkg/canonicalize"
	"github.com/invoicemind-labs/invoicemind/pkg/config"
)

// runVerifyCmd re-verifies the on-disk audit chain. It needs no database; the
// chain file is self-contained.
func runVerifyCmd(stdout, stderr io.Writer) int {
	cfg := config.Load()
	chain := audit.New(auditLogPath(cfg), cfg.AuditMaskFields, cfg.AuditLogEnabled, canonicalize.Hash)

	report := chain.Verify()
	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "encode report: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, string(encoded))

	if !report.Valid {
		return 1
	}
	return 0
}
