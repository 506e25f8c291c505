package types

import (
	"time"

	"github.com/shopspring/decimal"
)

type IntentStatus string

const (
	IntentActive     IntentStatus = "active"
	IntentMatched    IntentStatus = "matched"
	IntentInProgress IntentStatus = "in_progress"
	IntentCompleted  IntentStatus = "completed"
	IntentExpired    IntentStatus = "expired"
	IntentCancelled  IntentStatus = "cancelled"
	IntentDisputed   IntentStatus = "disputed"
)

// InputSpec declares what the requester provides (contract shape).
type InputSpec struct {
	Type     InputType `json:"type"`
	MimeType string    `json:"mimeType,omitempty"`
	Language string    `json:"language,omitempty"`
	Size     *SizeSpec `json:"size,omitempty"`
	Content  string    `json:"content"`
}

// OutputSpec declares what the requester expects back (contract shape).
type OutputSpec struct {
	Format      OutputFormat      `json:"format"`
	MimeType    string            `json:"mimeType,omitempty"`
	Description string            `json:"description,omitempty"`
	Example     string            `json:"example,omitempty"`
	Validation  *OutputValidation `json:"validation,omitempty"`
}

type OutputValidation struct {
	MinLength      int      `json:"minLength,omitempty"`
	MaxLength      int      `json:"maxLength,omitempty"`
	Pattern        string   `json:"pattern,omitempty"`
	RequiredFields []string `json:"requiredFields,omitempty"`
}

// RequiredCapabilities names the provider qualifications an intent demands.
// MinRating and MinCompletedJobs are hard constraints for matching.
type RequiredCapabilities struct {
	Category         string   `json:"category"`
	Skills           []string `json:"skills,omitempty"`
	MinRating        float64  `json:"minRating,omitempty"`
	MinCompletedJobs int      `json:"minCompletedJobs,omitempty"`
}

// StakeRef records the funds a requester committed for an intent.
// Verified stays false until the ledger confirms the balance.
type StakeRef struct {
	TxHash   string          `json:"txHash"`
	Amount   decimal.Decimal `json:"amount"`
	Verified bool            `json:"verified"`
}

// Intent is a requester's posted work request.
type Intent struct {
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`

	Schema Schema `json:"schemaVersion"`

	// Legacy shape
	Category     string         `json:"category"`
	Requirements map[string]any `json:"requirements,omitempty"`

	// Contract shape
	Input    *InputSpec            `json:"input,omitempty"`
	Output   *OutputSpec           `json:"output,omitempty"`
	Requires *RequiredCapabilities `json:"requires,omitempty"`

	Tags    []string `json:"tags,omitempty"`
	Urgency Urgency  `json:"urgency,omitempty"`

	MaxPrice decimal.Decimal `json:"maxPriceUsdc"`
	Stake    StakeRef        `json:"stake"`

	Deadline        time.Time    `json:"deadline"`
	RequesterWallet string       `json:"requesterWallet"`
	Status          IntentStatus `json:"status"`
	AcceptedOfferID string       `json:"acceptedOfferId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RequiredCategory resolves the capability category regardless of shape.
func (i *Intent) RequiredCategory() string {
	if i.Requires != nil && i.Requires.Category != "" {
		return i.Requires.Category
	}
	return i.Category
}

// Terminal reports whether the intent can no longer change state.
func (s IntentStatus) Terminal() bool {
	switch s {
	case IntentCompleted, IntentExpired, IntentCancelled:
		return true
	}
	return false
}

// Clone returns a deep copy so stores never hand out shared references.
func (i *Intent) Clone() *Intent {
	cp := *i
	if i.Requirements != nil {
		cp.Requirements = make(map[string]any, len(i.Requirements))
		for k, v := range i.Requirements {
			cp.Requirements[k] = v
		}
	}
	if i.Input != nil {
		in := *i.Input
		if i.Input.Size != nil {
			sz := *i.Input.Size
			in.Size = &sz
		}
		cp.Input = &in
	}
	if i.Output != nil {
		out := *i.Output
		if i.Output.Validation != nil {
			v := *i.Output.Validation
			v.RequiredFields = append([]string(nil), i.Output.Validation.RequiredFields...)
			out.Validation = &v
		}
		cp.Output = &out
	}
	if i.Requires != nil {
		req := *i.Requires
		req.Skills = append([]string(nil), i.Requires.Skills...)
		cp.Requires = &req
	}
	cp.Tags = append([]string(nil), i.Tags...)
	return &cp
}
