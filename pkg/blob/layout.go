package blob

import (
	"fmt"
	"time"
)

// Key builders for the storage layout. Every component goes through these so
// the on-disk (or in-bucket) structure stays in one place.

// RawKey locates a document's original upload.
func RawKey(documentID, filename string) string {
	return fmt.Sprintf("raw/%s/%s", documentID, filename)
}

// QuarantineKey locates a quarantined original, date-partitioned per tenant.
func QuarantineKey(tenantID string, at time.Time, documentID, filename string) string {
	at = at.UTC()
	return fmt.Sprintf("quarantine/%s/%04d/%02d/%02d/%s/%s",
		tenantID, at.Year(), at.Month(), at.Day(), documentID, filename)
}

// QuarantineMetaKey locates the metadata sidecar next to a quarantined file.
func QuarantineMetaKey(tenantID string, at time.Time, documentID string) string {
	at = at.UTC()
	return fmt.Sprintf("quarantine/%s/%04d/%02d/%02d/%s/quarantine_meta.json",
		tenantID, at.Year(), at.Month(), at.Day(), documentID)
}

// RunArtifactKey locates an intermediate stage artifact for a run.
func RunArtifactKey(runID, name string) string {
	return fmt.Sprintf("runs/%s/artifacts/%s", runID, name)
}

// RunOutputKey locates a final output file for a run.
func RunOutputKey(runID, name string) string {
	return fmt.Sprintf("runs/%s/outputs/%s", runID, name)
}
