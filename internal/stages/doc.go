// Package stages holds the concrete corpus-enrichment stages and the
// model/tool boundaries they call across. Each stage implements the
// processor plugin contract and owns a distinct process exit code so a
// failed run identifies the broken stage from the exit status alone.
package stages
