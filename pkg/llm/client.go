// Package llm wraps the hosted LLM used for gray-zone arbitration and
// executive summaries. Every call is bounded and failure-tolerant: the
// search pipeline never fails because the model is down.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/licitahub/radar/pkg/metrics"
	"github.com/licitahub/radar/pkg/models"
)

const (
	arbiterModel  = anthropic.ModelClaude3_5HaikuLatest
	summaryModel  = anthropic.ModelClaude3_5HaikuLatest
	callTimeout   = 20 * time.Second
	arbiterTokens = 16
	summaryTokens = 1024
)

// Client talks to the hosted model.
type Client struct {
	api anthropic.Client
	mx  *metrics.Metrics
}

// NewClient creates the client from an API key.
func NewClient(apiKey string) *Client {
	return &Client{api: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

// SetMetrics attaches call counters and latency instruments.
func (c *Client) SetMetrics(m *metrics.Metrics) { c.mx = m }

func (c *Client) observe(kind string, start time.Time, err error) {
	if c.mx == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.mx.LLMCalls.WithLabelValues(kind, outcome).Inc()
	c.mx.LLMDuration.Observe(time.Since(start).Seconds())
}

// Judge implements filter.Arbiter: asks whether a notice belongs to the
// sector, expecting a bare SIM/NAO. Conservative mode demands strong
// evidence and is used for zero-match bids.
func (c *Client) Judge(ctx context.Context, sectorName, objeto string, conservative bool) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"Você é um classificador de licitações públicas brasileiras.\n"+
			"Setor: %s\n"+
			"Objeto da licitação: %q\n\n"+
			"Esta licitação pertence genuinamente ao setor? Responda apenas SIM ou NAO.",
		sectorName, objeto)
	if conservative {
		prompt += "\nResponda SIM somente com evidência forte e inequívoca."
	}

	start := time.Now()
	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     arbiterModel,
		MaxTokens: arbiterTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	c.observe("arbiter", start, err)
	if err != nil {
		return false, fmt.Errorf("arbiter call failed: %w", err)
	}

	answer := strings.ToUpper(strings.TrimSpace(firstText(msg)))
	return strings.HasPrefix(answer, "SIM"), nil
}

// SummaryInput carries what the executive summary needs.
type SummaryInput struct {
	SectorName    string
	UFs           []string
	Opportunities []models.Opportunity
	TotalRaw      int
}

// Summarize produces the resumo_executivo block. On model failure it
// returns a deterministic fallback so the response envelope is always
// complete.
func (c *Client) Summarize(ctx context.Context, input SummaryInput) models.Resumo {
	resumo := FallbackResumo(input)
	if len(input.Opportunities) == 0 {
		return resumo
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Resuma em até 3 frases, em português, as oportunidades de licitação abaixo para o setor %s (UFs: %s). Destaque valores e prazos próximos.\n\n",
		input.SectorName, strings.Join(input.UFs, ", "))
	limit := len(input.Opportunities)
	if limit > 15 {
		limit = 15
	}
	for _, opp := range input.Opportunities[:limit] {
		fmt.Fprintf(&sb, "- %s | %s | R$ %.2f | encerra em %d dias\n",
			opp.Objeto, opp.Orgao, opp.Valor, opp.DiasRestantes)
	}

	start := time.Now()
	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     summaryModel,
		MaxTokens: summaryTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(sb.String())),
		},
	})
	c.observe("summary", start, err)
	if err != nil {
		slog.Warn("Executive summary LLM call failed, using fallback", "error", err)
		return resumo
	}
	if text := firstText(msg); text != "" {
		resumo.ResumoExecutivo = text
	}
	return resumo
}

func firstText(msg *anthropic.Message) string {
	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text
		}
	}
	return ""
}

// FallbackResumo builds the deterministic summary used when the model is
// unavailable.
func FallbackResumo(input SummaryInput) models.Resumo {
	var total float64
	var destaques []string
	urgent := 0
	for _, opp := range input.Opportunities {
		total += opp.Valor
		if opp.DiasRestantes >= 0 && opp.DiasRestantes <= 5 {
			urgent++
		}
	}
	limit := len(input.Opportunities)
	if limit > 3 {
		limit = 3
	}
	for _, opp := range input.Opportunities[:limit] {
		destaques = append(destaques, fmt.Sprintf("%s: R$ %.2f (%s)", opp.Orgao, opp.Valor, opp.UF))
	}

	resumo := models.Resumo{
		ResumoExecutivo: fmt.Sprintf(
			"Foram encontradas %d oportunidades para o setor %s, somando R$ %.2f em valor estimado.",
			len(input.Opportunities), input.SectorName, total),
		TotalOportunidades: len(input.Opportunities),
		ValorTotal:         total,
		Destaques:          destaques,
	}
	if urgent > 0 {
		resumo.AlertaUrgencia = fmt.Sprintf("%d oportunidade(s) encerram em até 5 dias.", urgent)
	}
	return resumo
}
