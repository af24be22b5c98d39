package validation

// SubmitRequest is the payload for POST /v1/analyses.
type SubmitRequest struct {
	Input    string                 `json:"input" validate:"notblank"`
	Title    string                 `json:"title,omitempty" validate:"max=300"`
	Metadata map[string]interface{} `json:"metadata,omitempty"` // free-form, echoed back in auxiliaryData
}

// ContextEntry is one prior message a caller supplies with a chat turn.
type ContextEntry struct {
	Role    string `json:"role" validate:"oneof=user assistant system"`
	Content string `json:"content" validate:"required"`
}

// ChatSendRequest is the payload for POST /v1/conversations/:conversation_id/messages
type ChatSendRequest struct {
	Message string         `json:"message" validate:"notblank,max=8000"`
	Context []ContextEntry `json:"context,omitempty" validate:"omitempty,max=100,dive"`
}
