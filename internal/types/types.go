// Package types holds the marketplace data model: intents (work requests),
// offers (provider bids) and providers (registered service agents).
package types

import (
	"strings"

	"github.com/google/uuid"
)

// Schema distinguishes the two record shapes that coexist in the wild:
// the legacy free-form shape and the explicit-contract shape. Exactly one
// variant's fields are populated per record.
type Schema string

const (
	SchemaLegacy   Schema = "legacy"
	SchemaContract Schema = "contract"
)

// InputType enumerates what a requester can hand to a provider.
type InputType string

const (
	InputText   InputType = "text"
	InputCode   InputType = "code"
	InputURL    InputType = "url"
	InputFile   InputType = "file"
	InputJSON   InputType = "json"
	InputImage  InputType = "image"
	InputAudio  InputType = "audio"
	InputVideo  InputType = "video"
	InputBinary InputType = "binary"
)

// OutputFormat enumerates what a provider can deliver.
type OutputFormat string

const (
	OutputText       OutputFormat = "text"
	OutputCode       OutputFormat = "code"
	OutputJSON       OutputFormat = "json"
	OutputMarkdown   OutputFormat = "markdown"
	OutputHTML       OutputFormat = "html"
	OutputImage      OutputFormat = "image"
	OutputFile       OutputFormat = "file"
	OutputStructured OutputFormat = "structured"
)

type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// SizeSpec bounds an input payload.
type SizeSpec struct {
	Value int64  `json:"value"`
	Unit  string `json:"unit"` // bytes | chars | tokens | words | lines
}

// Guarantees are optional quality commitments attached to capabilities
// and offers.
type Guarantees struct {
	Accuracy  float64 `json:"accuracy,omitempty"`
	Revisions int     `json:"revisions,omitempty"`
}

// NewID returns a prefixed record identifier, e.g. "int_1a2b3c4d".
func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
