package stages

import "context"

// Encoder re-encodes one source episode into the archival format. The
// output must appear at outputPath only on success.
type Encoder interface {
	Encode(ctx context.Context, inputPath, outputPath string) error
}

// TranscriptSegment is one timed line of a transcript.
type TranscriptSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is the per-episode transcription artifact.
type Transcript struct {
	UnitID   string              `json:"unit_id"`
	Language string              `json:"language,omitempty"`
	Segments []TranscriptSegment `json:"segments"`
}

// Transcriber produces a transcript from one episode's media file.
type Transcriber interface {
	Load(ctx context.Context) error
	Transcribe(ctx context.Context, inputPath string) (*Transcript, error)
	Close()
}

// Embedder turns transcript segments and decoded frames into vectors.
// EmbedFrames must signal accelerator memory exhaustion with an error
// matching services.ErrOutOfMemory so the batch engine can back off.
type Embedder interface {
	Load(ctx context.Context) error
	EmbedText(ctx context.Context, segments []string) ([][]float32, error)
	EmbedFrames(ctx context.Context, frames [][]byte) ([][]float32, error)
	FreeCache()
	Close()
}

// Detection is one detected object in one frame.
type Detection struct {
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
	Box        [4]float64 `json:"box"`
}

// Scene is one detected scene boundary, in frame indices.
type Scene struct {
	StartFrame int `json:"start_frame"`
	EndFrame   int `json:"end_frame"`
}

// Detector runs scene and object detection over an episode's frames.
// DetectObjects follows the same OOM contract as Embedder.EmbedFrames.
type Detector interface {
	Load(ctx context.Context) error
	DetectScenes(ctx context.Context, framePaths []string) ([]Scene, error)
	DetectObjects(ctx context.Context, frames [][]byte) ([][]Detection, error)
	FreeCache()
	Close()
}
