package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/dromero/obralink/backend/internal/model/chat"
)

// Stage names, in pipeline order.
const (
	StageVisual   = "visual"
	StageDocument = "document"
	StageProgress = "progress"
	StageReport   = "report"
)

// Generator is the opaque LLM capability stages call out to. It may be slow
// and may fail; retry policy, if any, lives behind this interface.
type Generator interface {
	Generate(ctx context.Context, messages []*schema.Message) (*schema.Message, error)
	Stream(ctx context.Context, messages []*schema.Message) (*schema.StreamReader[*schema.Message], error)
}

// VisualResult is the named result of the visual analysis stage.
type VisualResult struct {
	PhotoCount int    `json:"photoCount"`
	Analysis   string `json:"analysis"`
}

// DocumentResult is the named result of the document extraction stage.
type DocumentResult struct {
	DocumentCount int    `json:"documentCount"`
	Extract       string `json:"extract"`
}

// ProgressResult is the named result of the progress calculation stage.
type ProgressResult struct {
	Percent   int    `json:"percent"`
	Rationale string `json:"rationale"`
}

// ReportResult is the named result of the report generation stage.
type ReportResult struct {
	Report string `json:"report"`
}

// DefaultStages wires the standard visual -> document -> progress -> report
// pipeline over one generator.
func DefaultStages(gen Generator) []Stage {
	return []Stage{
		&VisualStage{gen: gen},
		&DocumentStage{gen: gen},
		&ProgressStage{gen: gen},
		&ReportStage{gen: gen},
	}
}

// VisualStage classifies the construction phase visible in attached photos.
type VisualStage struct {
	gen Generator
}

func (s *VisualStage) Name() string { return StageVisual }

func (s *VisualStage) Run(ctx context.Context, input Input, run *Run) (any, error) {
	photos := filterAttachments(input.Attachments, "photo")
	if len(photos) == 0 {
		return VisualResult{PhotoCount: 0, Analysis: "sin fotos adjuntas en este mensaje"}, nil
	}

	prompt := fmt.Sprintf(
		"Fotos adjuntas: %s.\nMensaje del usuario: %s\nDescribe la fase de obra visible y cualquier riesgo evidente.",
		attachmentNames(photos), input.Content)

	response, err := s.gen.Generate(ctx, buildMessages(
		"Eres un inspector de obra. Analizas fotos de avance y clasificas la fase de construcción.",
		input.Transcript, prompt))
	if err != nil {
		return nil, err
	}

	collectUsage(run, response)
	return VisualResult{PhotoCount: len(photos), Analysis: response.Content}, nil
}

// DocumentStage extracts key figures from attached documents.
type DocumentStage struct {
	gen Generator
}

func (s *DocumentStage) Name() string { return StageDocument }

func (s *DocumentStage) Run(ctx context.Context, input Input, run *Run) (any, error) {
	docs := filterAttachments(input.Attachments, "document")
	if len(docs) == 0 {
		return DocumentResult{DocumentCount: 0, Extract: "sin documentos adjuntos en este mensaje"}, nil
	}

	prompt := fmt.Sprintf(
		"Documentos adjuntos: %s.\nMensaje del usuario: %s\nExtrae partidas, fechas y cantidades relevantes para el seguimiento de obra.",
		attachmentNames(docs), input.Content)

	response, err := s.gen.Generate(ctx, buildMessages(
		"Eres un asistente técnico de obra. Extraes datos estructurados de documentos de construcción.",
		input.Transcript, prompt))
	if err != nil {
		return nil, err
	}

	collectUsage(run, response)
	return DocumentResult{DocumentCount: len(docs), Extract: response.Content}, nil
}

// ProgressStage estimates overall progress from the prior stage results.
type ProgressStage struct {
	gen Generator
}

func (s *ProgressStage) Name() string { return StageProgress }

func (s *ProgressStage) Run(ctx context.Context, input Input, run *Run) (any, error) {
	var evidence strings.Builder
	if visual, ok := run.Results[StageVisual].(VisualResult); ok {
		evidence.WriteString("Análisis visual: " + visual.Analysis + "\n")
	}
	if doc, ok := run.Results[StageDocument].(DocumentResult); ok {
		evidence.WriteString("Datos de documentos: " + doc.Extract + "\n")
	}

	prompt := fmt.Sprintf(
		"%sMensaje del usuario: %s\nEstima el porcentaje de avance de la obra. Responde con un número entre 0 y 100 seguido de una breve justificación.",
		evidence.String(), input.Content)

	response, err := s.gen.Generate(ctx, buildMessages(
		"Eres un jefe de obra. Calculas el avance de proyecto a partir de evidencia de campo.",
		input.Transcript, prompt))
	if err != nil {
		return nil, err
	}

	collectUsage(run, response)
	percent, ok := parsePercent(response.Content)
	if !ok {
		percent = fallbackPercent(response.Content)
	}
	return ProgressResult{Percent: percent, Rationale: response.Content}, nil
}

// ReportStage produces the user-facing progress report. When the context
// carries a chunk sink the report is streamed through it as it generates.
type ReportStage struct {
	gen Generator
}

func (s *ReportStage) Name() string { return StageReport }

func (s *ReportStage) Run(ctx context.Context, input Input, run *Run) (any, error) {
	var evidence strings.Builder
	if visual, ok := run.Results[StageVisual].(VisualResult); ok {
		evidence.WriteString("Análisis visual: " + visual.Analysis + "\n")
	}
	if doc, ok := run.Results[StageDocument].(DocumentResult); ok {
		evidence.WriteString("Datos de documentos: " + doc.Extract + "\n")
	}
	if progress, ok := run.Results[StageProgress].(ProgressResult); ok {
		evidence.WriteString(fmt.Sprintf("Avance estimado: %d%%\n", progress.Percent))
	}

	prompt := fmt.Sprintf(
		"%sMensaje del usuario: %s\nRedacta un informe breve de avance para el registro del proyecto.",
		evidence.String(), input.Content)

	messages := buildMessages(
		"Eres el asistente de documentación de obra. Redactas informes de avance claros y concisos.",
		input.Transcript, prompt)

	sink := SinkFrom(ctx)
	if sink == nil {
		response, err := s.gen.Generate(ctx, messages)
		if err != nil {
			return nil, err
		}
		collectUsage(run, response)
		return ReportResult{Report: response.Content}, nil
	}

	stream, err := s.gen.Stream(ctx, messages)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	chunks := make([]*schema.Message, 0, 8)
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return nil, recvErr
		}
		if chunk == nil {
			continue
		}
		chunks = append(chunks, chunk)
		if chunk.Content != "" {
			sink(StageReport, chunk.Content)
		}
	}

	merged, err := schema.ConcatMessages(chunks)
	if err != nil {
		return nil, err
	}
	collectUsage(run, merged)
	return ReportResult{Report: merged.Content}, nil
}

func buildMessages(system string, transcript []chat.Message, prompt string) []*schema.Message {
	const historyLimit = 10

	messages := make([]*schema.Message, 0, historyLimit+2)
	messages = append(messages, schema.SystemMessage(system))

	start := 0
	if len(transcript) > historyLimit {
		start = len(transcript) - historyLimit
	}
	for _, msg := range transcript[start:] {
		switch msg.Role {
		case chat.RoleUser:
			messages = append(messages, schema.UserMessage(msg.Content))
		case chat.RoleAssistant:
			messages = append(messages, schema.AssistantMessage(msg.Content, nil))
		}
	}

	return append(messages, schema.UserMessage(prompt))
}

func collectUsage(run *Run, response *schema.Message) {
	if response == nil || response.ResponseMeta == nil || response.ResponseMeta.Usage == nil {
		return
	}
	run.Usage.InputTokens += response.ResponseMeta.Usage.PromptTokens
	run.Usage.OutputTokens += response.ResponseMeta.Usage.CompletionTokens
}

func filterAttachments(attachments []chat.Attachment, kind string) []chat.Attachment {
	var filtered []chat.Attachment
	for _, att := range attachments {
		if att.Kind == kind {
			filtered = append(filtered, att)
		}
	}
	return filtered
}

func attachmentNames(attachments []chat.Attachment) string {
	names := make([]string, len(attachments))
	for i, att := range attachments {
		names[i] = att.Name
	}
	return strings.Join(names, ", ")
}

var percentPattern = regexp.MustCompile(`(\d{1,3})\s*%?`)

func parsePercent(text string) (int, bool) {
	match := percentPattern.FindStringSubmatch(text)
	if match == nil {
		return 0, false
	}
	value, err := strconv.Atoi(match[1])
	if err != nil || value > 100 {
		return 0, false
	}
	return value, true
}

// fallbackPercent maps phase keywords to rough progress when the model
// reply carries no usable number.
func fallbackPercent(text string) int {
	lowered := strings.ToLower(text)
	phases := []struct {
		keyword string
		percent int
	}{
		{"acabado", 85},
		{"instalacion", 70},
		{"albañiler", 55},
		{"estructura", 40},
		{"cimentacion", 15},
		{"cimentación", 15},
		{"excavacion", 10},
		{"excavación", 10},
	}
	for _, phase := range phases {
		if strings.Contains(lowered, phase.keyword) {
			return phase.percent
		}
	}
	return 0
}
