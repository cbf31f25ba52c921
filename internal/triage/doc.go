// Package triage classifies firmware failure reports against known issues.
// It defines the domain models (Issue, Condition, Report), the Coordinator
// (classification and backfill), the Service (the mutation boundary for
// issues and conditions) and the Store interface implemented by memstore,
// pgstore and sqlitestore.
package triage
