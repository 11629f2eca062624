// Package scorer adapts the image-analysis service to screening.Scorer.
//
// The service is opaque: it takes an image URL and returns per-condition
// probabilities, structural scores and an overall risk score. The adapter
// normalizes that payload into a screening.RiskAssessment and maps every
// transport or protocol failure onto screening.ErrScorerUnavailable so the
// state machine can retry.
package scorer

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/linnemanlabs/lookout/internal/screening"
)

const DefaultTimeout = 30 * time.Second

// Config for the HTTP scorer.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// HTTP calls the analysis service over REST.
type HTTP struct {
	http *resty.Client
}

var _ screening.Scorer = (*HTTP)(nil)

// New creates an HTTP scorer.
func New(cfg Config) *HTTP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		c.SetAuthToken(cfg.Token)
	}
	return &HTTP{http: c}
}

type analyzeRequest struct {
	ImageURL string `json:"image_url"`
}

type conditionResult struct {
	Probability float64 `json:"probability"`
	Confidence  float64 `json:"confidence"`
}

type structuralResult struct {
	Score float64 `json:"score"`
}

type riskResult struct {
	OverallScore    *float64               `json:"overallScore"`
	Factors         []screening.RiskFactor `json:"factors"`
	Recommendations []string               `json:"recommendations"`
}

// analyzeResponse mirrors the analysis service payload.
type analyzeResponse struct {
	ExternalConditions map[string]conditionResult  `json:"externalConditions"`
	StructuralAnalysis map[string]structuralResult `json:"structuralAnalysis"`
	RiskAssessment     *riskResult                 `json:"riskAssessment"`
}

// Score analyzes one image.
func (s *HTTP) Score(ctx context.Context, imageURL string) (*screening.RiskAssessment, error) {
	var out analyzeResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(analyzeRequest{ImageURL: imageURL}).
		SetResult(&out).
		Post("/v1/analyze")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", screening.ErrScorerUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: analysis service returned %d", screening.ErrScorerUnavailable, resp.StatusCode())
	}
	return normalize(&out)
}

func normalize(in *analyzeResponse) (*screening.RiskAssessment, error) {
	if in.RiskAssessment == nil || in.RiskAssessment.OverallScore == nil {
		return nil, fmt.Errorf("%w: response has no overall score", screening.ErrScorerUnavailable)
	}

	out := &screening.RiskAssessment{
		OverallScore:    clamp(*in.RiskAssessment.OverallScore, 0, 100),
		Factors:         in.RiskAssessment.Factors,
		Recommendations: in.RiskAssessment.Recommendations,
	}
	if len(in.ExternalConditions) > 0 {
		out.Conditions = make(map[string]screening.ConditionScore, len(in.ExternalConditions))
		for name, c := range in.ExternalConditions {
			out.Conditions[name] = screening.ConditionScore{
				Probability: clamp(c.Probability, 0, 1),
				Confidence:  clamp(c.Confidence, 0, 1),
			}
		}
	}
	if len(in.StructuralAnalysis) > 0 {
		out.Structural = make(map[string]float64, len(in.StructuralAnalysis))
		for name, st := range in.StructuralAnalysis {
			out.Structural[name] = clamp(st.Score, 0, 1)
		}
	}
	return out, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Func adapts a function to screening.Scorer.
type Func func(ctx context.Context, imageURL string) (*screening.RiskAssessment, error)

// Score calls f.
func (f Func) Score(ctx context.Context, imageURL string) (*screening.RiskAssessment, error) {
	return f(ctx, imageURL)
}

// Fixed is a deterministic scorer for development and tests. Images listed
// in ByURL get that overall score; every other image gets Default.
type Fixed struct {
	Default float64
	ByURL   map[string]float64
}

// Score returns the configured score for imageURL.
func (f Fixed) Score(ctx context.Context, imageURL string) (*screening.RiskAssessment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	score, ok := f.ByURL[imageURL]
	if !ok {
		score = f.Default
	}
	return &screening.RiskAssessment{
		OverallScore: score,
		Conditions: map[string]screening.ConditionScore{
			"fixed": {Probability: score / 100, Confidence: 1},
		},
	}, nil
}
