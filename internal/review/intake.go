package review

import (
	"strings"

	"github.com/fyrsmithlabs/mathmentor/internal/policy"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
)

// Extraction is the output of an OCR or ASR service.
type Extraction struct {
	Text        string  `json:"text"`
	Confidence  float64 `json:"confidence"`
	NeedsReview bool    `json:"needs_review"`
}

// Decision is the intake verdict on extracted text.
type Decision struct {
	Accepted   bool    `json:"accepted"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// Intake decides whether extracted text may enter the structurer.
type Intake struct {
	policy *policy.Policy
}

// NewIntake creates an Intake. A nil policy uses policy.Default.
func NewIntake(p *policy.Policy) *Intake {
	if p == nil {
		p = policy.Default()
	}
	return &Intake{policy: p}
}

// Gate accepts typed text unconditionally. Image and audio extractions
// are held for review when flagged, empty, or below the extraction
// threshold.
func (in *Intake) Gate(ex Extraction, inputType problem.InputType) Decision {
	text := strings.TrimSpace(ex.Text)
	if inputType == problem.InputText || inputType == "" {
		return Decision{Accepted: true, Text: text, Confidence: 1}
	}

	d := Decision{Text: text, Confidence: ex.Confidence}
	switch {
	case text == "":
		d.Reason = "no text extracted"
	case ex.NeedsReview:
		d.Reason = "extraction service requested review"
	case in.policy.ExtractionNeedsReview(ex.Confidence):
		d.Reason = "extraction confidence below threshold"
	default:
		d.Accepted = true
	}
	return d
}

// EstimateTranscriptConfidence scores a transcript by length when the
// transcription service reports no confidence of its own.
func EstimateTranscriptConfidence(text string) float64 {
	words := len(strings.Fields(text))
	c := 0.5 + float64(words)/100
	if c > 0.9 {
		return 0.9
	}
	return c
}
