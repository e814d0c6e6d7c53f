package advisor

// ChatMessage is one OpenAI-style chat turn
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []ChatMessage   `json:"messages"`
	Stream         bool            `json:"stream,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
}

// AdviceRequest is the chat history sent by the investor
type AdviceRequest struct {
	Messages []ChatMessage `json:"messages" binding:"required"`
}

// Recommendation is one suggested asset
type Recommendation struct {
	ItemType   string  `json:"item_type"`
	ItemID     string  `json:"item_id"`
	Title      string  `json:"title"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

type Recommendations struct {
	Recommendations []Recommendation `json:"recommendations"`
}

// RiskReport is the validated risk assessment payload
type RiskReport struct {
	OverallScore         int      `json:"overall_score"`
	RiskLevel            string   `json:"risk_level"`
	DiversificationScore int      `json:"diversification_score"`
	ConcentrationRisks   []string `json:"concentration_risks"`
	Recommendations      []string `json:"recommendations"`
	Summary              string   `json:"summary"`
}
