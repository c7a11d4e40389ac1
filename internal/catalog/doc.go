// Package catalog defines the shared data model and collaborator interfaces of
// the catalog sync engine: product records, index and queue entries, run
// summaries, and the FetchService failure taxonomy.
package catalog
