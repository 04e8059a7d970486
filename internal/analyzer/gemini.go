package analyzer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/squorworks/pipeline/pkg/models"
)

// tokensPerImage is the flat per-image token estimate used for quota
// admission before the call.
const tokensPerImage = 85

// GeminiAnalyzer calls the Gemini API with the url-context tool so the
// model fetches packaging images itself.
type GeminiAnalyzer struct {
	client *genai.Client
	model  string
}

// NewGemini builds the Gemini-backed analyzer. The model name defaults
// to gemini-2.0-flash when empty.
func NewGemini(ctx context.Context, apiKey, model string) (*GeminiAnalyzer, error) {
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiAnalyzer{client: client, model: model}, nil
}

// EstimateTokens predicts input cost as text length / 4 plus a flat
// per-image charge.
func (g *GeminiAnalyzer) EstimateTokens(req Request) int64 {
	prompt := BuildPrompt(req)
	return int64(len(prompt)/4) + int64(len(req.Images))*tokensPerImage
}

// Analyze runs one multimodal call and parses the strict-JSON reply.
func (g *GeminiAnalyzer) Analyze(ctx context.Context, req Request) (*models.AnalysisResult, error) {
	if len(req.Images) > MaxImages {
		req.Images = req.Images[:MaxImages]
	}

	prompt := BuildPrompt(req)
	if len(req.Images) > 0 {
		prompt += "\n\nPackaging image URLs:\n" + strings.Join(req.Images, "\n")
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0.1),
		Tools:       []*genai.Tool{{URLContext: &genai.URLContext{}}},
	}

	started := time.Now()
	var resp *genai.GenerateContentResponse

	// Retry only transient transport failures; the caller handles quota
	// and parse outcomes.
	op := func() error {
		var err error
		resp, err = g.client.Models.GenerateContent(ctx, g.model,
			genai.Text(prompt), cfg)
		if err != nil {
			return err
		}
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, &TransportError{Err: err}
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		// Empty candidates with zero reported tokens is how the free tier
		// surfaces silent throttling.
		return nil, ErrEmptyReply
	}

	res, err := ParseReply(text)
	if err != nil {
		return nil, err
	}

	if um := resp.UsageMetadata; um != nil {
		res.TokensUsed = int(um.TotalTokenCount)
		res.InputTokens = int(um.PromptTokenCount)
		res.OutputTokens = int(um.CandidatesTokenCount)
		if res.TokensUsed == 0 {
			return nil, ErrEmptyReply
		}
	} else {
		res.TokensUsed = int(g.EstimateTokens(req))
	}
	res.ImageTokens = len(req.Images) * tokensPerImage
	res.ProcessingSecs = time.Since(started).Seconds()
	res.Model = g.model

	log.Info().
		Str("model", g.model).
		Str("product", req.Product.Name).
		Int("images", len(req.Images)).
		Int("tokens", res.TokensUsed).
		Float64("secs", res.ProcessingSecs).
		Msg("🔮 analysis complete")
	return res, nil
}
