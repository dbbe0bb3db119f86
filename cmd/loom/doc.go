// Command loom drives the incremental enrichment pipeline for an episodic
// video corpus: transcode, transcribe, embed, detect. Runs are resumable
// at every granularity; rerunning after a failure redoes only the work
// that never finished.
package main
