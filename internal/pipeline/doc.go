// Package pipeline runs the ordered sequence of corpus-enrichment steps.
// Steps execute in registration order with fail-fast semantics: the first
// nonzero exit code or interruption stops the run. Every run finalizes a
// JSON report exactly once, on every exit path.
package pipeline
