package types

import (
	"image"
	"time"
)

// Session is one subject's capture attempt. The JSON layout matches the
// per-session metadata record written next to the subject's tiles.
type Session struct {
	SessionID      string     `json:"sessionId"`
	SubjectID      string     `json:"regNo"`
	Name           string     `json:"name"`
	CohortYear     string     `json:"year"`
	Department     string     `json:"dept"`
	CreatedAt      time.Time  `json:"startTime"`
	UploadedAt     *time.Time `json:"uploadTime,omitempty"`
	VideoUploaded  bool       `json:"videoUploaded"`
	FacesExtracted bool       `json:"facesExtracted"`
	FacesCount     int        `json:"facesCount"`
	VideoPath      string     `json:"videoPath,omitempty"`
	LastResetAt    *time.Time `json:"lastResetAt,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
}

// ExtractionJob is the unit of work drained by the scheduler.
// SessionID doubles as the dedup key.
type ExtractionJob struct {
	SessionID           string
	VideoPath           string
	OutputDir           string
	ConfidenceThreshold float64
	PaddingRatio        float64
	EnqueuedAt          time.Time
}

// Frame is a single decoded video frame handed to a detector.
type Frame struct {
	Index int
	Data  []byte // Encoded bytes as produced by the decoder (JPEG)
	Image image.Image
}

// Box is an axis-aligned rectangle in pixel coordinates.
type Box struct {
	X1, Y1, X2, Y2 float64
}

// Width returns X2-X1.
func (b Box) Width() float64 { return b.X2 - b.X1 }

// Height returns Y2-Y1.
func (b Box) Height() float64 { return b.Y2 - b.Y1 }

// Detection is one face found in one frame.
type Detection struct {
	Box        Box
	Confidence float64
}
