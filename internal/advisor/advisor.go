// Package advisor implements the AI functions: the streaming investment
// advisor, smart recommendations and the portfolio risk assessment.
package advisor

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/ksred/blineit-api/internal/auth"
	"github.com/ksred/blineit-api/internal/config"
	"github.com/ksred/blineit-api/internal/portfolio"
	"github.com/ksred/blineit-api/internal/sse"
	"github.com/ksred/blineit-api/pkg/apperr"
	"github.com/ksred/blineit-api/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	maxHistory         = 40
	maxRecommendations = 5
	riskSchemaURL      = "risk_assessment.schema.json"
)

//go:embed schema/risk_assessment.schema.json
var riskSchemaJSON string

var (
	ErrEmptyConversation = apperr.New(apperr.KindValidation, "messages must contain at least one user message")
	ErrInvalidRole       = apperr.New(apperr.KindValidation, "message role must be user or assistant")
	ErrInvalidRisk       = apperr.New(apperr.KindUpstream, "AI gateway returned an invalid risk assessment")
	ErrInvalidJSON       = apperr.New(apperr.KindUpstream, "AI gateway returned malformed JSON")
)

// Service assembles prompts from the caller's portfolio and relays them to the gateway
type Service struct {
	gateway    *Client
	portfolio  *portfolio.Service
	prompts    *config.Prompts
	riskSchema *jsonschema.Schema
}

// NewService compiles the embedded risk schema and returns the advisor service
func NewService(gateway *Client, portfolioService *portfolio.Service, prompts *config.Prompts) (*Service, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(riskSchemaURL, strings.NewReader(riskSchemaJSON)); err != nil {
		return nil, fmt.Errorf("load risk schema: %w", err)
	}
	schema, err := compiler.Compile(riskSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile risk schema: %w", err)
	}
	return &Service{
		gateway:    gateway,
		portfolio:  portfolioService,
		prompts:    prompts,
		riskSchema: schema,
	}, nil
}

// holdingsContext renders the caller's valued positions as a system message
func (s *Service) holdingsContext(ctx context.Context, userID string) (*portfolio.Overview, ChatMessage, error) {
	ov, err := s.portfolio.Overview(ctx, userID)
	if err != nil {
		return nil, ChatMessage{}, err
	}
	raw, err := json.Marshal(ov)
	if err != nil {
		return nil, ChatMessage{}, err
	}
	return ov, ChatMessage{Role: "system", Content: "Investor holdings: " + string(raw)}, nil
}

// Stream is an accepted upstream completion waiting to be relayed
type Stream struct {
	body   io.ReadCloser
	userID string
}

// StreamAdvice validates the conversation and opens the upstream stream.
// Gateway rejections surface here, before anything is written to the caller.
func (s *Service) StreamAdvice(ctx context.Context, userID string, req AdviceRequest) (*Stream, error) {
	history, err := sanitizeHistory(req.Messages)
	if err != nil {
		return nil, err
	}

	ov, holdings, err := s.holdingsContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("user_id", userID).Float64("portfolio_value", ov.TotalValue).Int("turns", len(history)).Msg("opening advisor stream")

	messages := append([]ChatMessage{
		{Role: "system", Content: s.prompts.Advisor},
		holdings,
	}, history...)

	body, err := s.gateway.Stream(ctx, messages)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("advisor stream rejected by gateway")
		return nil, err
	}
	return &Stream{body: body, userID: userID}, nil
}

// Relay forwards upstream frames as they arrive and always finishes with [DONE].
// A broken upstream is reported to the caller as an error frame.
func (st *Stream) Relay(w *sse.Writer) error {
	defer st.body.Close()

	dec := sse.NewDecoder(st.body)
	frames := 0
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Warn().Err(err).Str("user_id", st.userID).Int("frames", frames).Msg("advisor stream interrupted")
			if werr := w.WriteJSON(gin.H{"error": "stream interrupted"}); werr != nil {
				return werr
			}
			break
		}
		if ev.Done {
			break
		}
		if err := w.WriteData(ev.Data); err != nil {
			// caller went away
			return err
		}
		frames++
	}

	log.Debug().Str("user_id", st.userID).Int("frames", frames).Msg("advisor stream relayed")
	return w.Done()
}

func sanitizeHistory(in []ChatMessage) ([]ChatMessage, error) {
	out := make([]ChatMessage, 0, len(in))
	hasUser := false
	for _, m := range in {
		switch m.Role {
		case "user":
			hasUser = true
		case "assistant":
		default:
			return nil, ErrInvalidRole
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, m)
	}
	if !hasUser || len(out) == 0 {
		return nil, ErrEmptyConversation
	}
	if len(out) > maxHistory {
		out = out[len(out)-maxHistory:]
	}
	return out, nil
}

// Recommend asks the gateway for assets from the catalogue that suit the caller.
// Suggestions outside the catalogue are dropped.
func (s *Service) Recommend(ctx context.Context, userID string) (*Recommendations, error) {
	_, holdings, err := s.holdingsContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	assets, err := s.portfolio.ListAssets(ctx, "")
	if err != nil {
		return nil, err
	}
	catalogue, err := json.Marshal(assets)
	if err != nil {
		return nil, err
	}

	content, err := s.gateway.Complete(ctx, []ChatMessage{
		{Role: "system", Content: s.prompts.Recommendations},
		holdings,
		{Role: "user", Content: "Available assets: " + string(catalogue)},
	}, true)
	if err != nil {
		return nil, err
	}

	var out Recommendations
	if err := json.Unmarshal([]byte(extractJSON(content)), &out); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("unparseable recommendations")
		return nil, ErrInvalidJSON
	}

	known := make(map[string]bool, len(assets))
	for _, a := range assets {
		known[a.ItemType+"/"+a.ItemID] = true
	}
	filtered := make([]Recommendation, 0, len(out.Recommendations))
	for _, r := range out.Recommendations {
		if !known[r.ItemType+"/"+r.ItemID] {
			continue
		}
		r.Confidence = clamp(r.Confidence, 0, 1)
		filtered = append(filtered, r)
		if len(filtered) == maxRecommendations {
			break
		}
	}
	return &Recommendations{Recommendations: filtered}, nil
}

// EmptyPortfolioReport is returned without calling the gateway when the caller holds nothing
func EmptyPortfolioReport() *RiskReport {
	return &RiskReport{
		OverallScore:         1,
		RiskLevel:            "low",
		DiversificationScore: 0,
		ConcentrationRisks:   []string{},
		Recommendations: []string{
			"Start with a small position in an income-producing asset.",
			"Spread new investments across more than one asset type.",
		},
		Summary: "You have no holdings yet, so there is no portfolio risk to assess.",
	}
}

// AssessRisk asks the gateway for a risk report on the caller's holdings and
// validates it against the risk schema
func (s *Service) AssessRisk(ctx context.Context, userID string) (*RiskReport, error) {
	ov, holdings, err := s.holdingsContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(ov.Positions) == 0 {
		return EmptyPortfolioReport(), nil
	}

	content, err := s.gateway.Complete(ctx, []ChatMessage{
		{Role: "system", Content: s.prompts.RiskAssessment},
		holdings,
		{Role: "user", Content: "Assess the risk of my portfolio."},
	}, true)
	if err != nil {
		return nil, err
	}
	return s.parseRisk(content)
}

func (s *Service) parseRisk(content string) (*RiskReport, error) {
	raw := []byte(extractJSON(content))

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, ErrInvalidJSON
	}
	if err := s.riskSchema.Validate(doc); err != nil {
		log.Warn().Err(err).Msg("risk assessment failed schema validation")
		return nil, ErrInvalidRisk
	}

	var report RiskReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, ErrInvalidJSON
	}
	return &report, nil
}

// extractJSON trims prose or code fences around the outermost JSON object
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	}
	return v
}

// GinHandlers contains HTTP handlers for the AI functions
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for the AI functions
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// InvestmentAdvisorHandler handles POST /functions/v1/investment-advisor
func (h *GinHandlers) InvestmentAdvisorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AdviceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		stream, err := h.service.StreamAdvice(c.Request.Context(), auth.UserID(c), req)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		if err := stream.Relay(sse.NewWriter(c.Writer)); err != nil {
			log.Debug().Err(err).Msg("advisor relay ended early")
		}
	}
}

// SmartRecommendationsHandler handles POST /functions/v1/smart-recommendations
func (h *GinHandlers) SmartRecommendationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		recs, err := h.service.Recommend(c.Request.Context(), auth.UserID(c))
		response.Handle(c, recs, err)
	}
}

// RiskAssessmentHandler handles POST /functions/v1/risk-assessment
func (h *GinHandlers) RiskAssessmentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := h.service.AssessRisk(c.Request.Context(), auth.UserID(c))
		response.Handle(c, report, err)
	}
}
