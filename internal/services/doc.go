// Package services holds cross-cutting helpers shared by every pipeline
// stage: the sentinel error taxonomy used for failure classification, the
// exponential-backoff retry combinator, and context annotations that tie log
// lines to the step and item being processed.
package services
