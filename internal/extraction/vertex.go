package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"github.com/smallbiznis/autocompta/internal/document/domain"
)

const vertexSystemPrompt = "You read scanned accounting documents (invoices, credit notes, expense notes, quotes, purchase orders) and return their content as JSON. Never invent a value that is not printed on the document."

const vertexUserPrompt = `Extract the document into a single JSON object with these keys:
- "raw_text": the full text of the document, in reading order.
- "confidence": your overall confidence in the extraction, between 0 and 1.
- "fields": an array of {"name", "value", "confidence"} objects. Use these names when the value is present:
  document_type (one of invoice_received, invoice_sent, expense_note, credit_note_received, credit_note_sent, quote, purchase_order, other),
  invoice_number, vendor_name, amount_excl_tax, tax_amount, total_amount, currency, document_date, due_date.
Copy amounts and dates exactly as printed. Return only the JSON object.`

// VertexEngine extracts PDFs and images with a Gemini model in JSON mode.
type VertexEngine struct {
	client    *genai.Client
	model     *genai.GenerativeModel
	modelName string
}

type vertexResponse struct {
	RawText    string                  `json:"raw_text"`
	Confidence float64                 `json:"confidence"`
	Fields     []domain.ExtractedField `json:"fields"`
}

func NewVertexEngine(ctx context.Context, projectID, location, modelName string) (*VertexEngine, error) {
	if projectID == "" || location == "" {
		return nil, errors.New("vertex engine: project and location are required")
	}
	client, err := genai.NewClient(ctx, projectID, location)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(vertexSystemPrompt)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}
	return &VertexEngine{client: client, model: model, modelName: modelName}, nil
}

func (e *VertexEngine) Name() string { return "vertex" }

func (e *VertexEngine) Extract(ctx context.Context, blob []byte, mimeType string) (*Extraction, error) {
	resp, err := e.model.GenerateContent(ctx, genai.Blob{MIMEType: mimeType, Data: blob}, genai.Text(vertexUserPrompt))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, newError(KindEngineFailure, err)
	}

	payload := responseText(resp)
	if payload == "" {
		return nil, newError(KindEngineFailure, errors.New("empty model response"))
	}

	var parsed vertexResponse
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return nil, newError(KindEngineFailure, fmt.Errorf("decode model response: %w", err))
	}

	fields := make([]domain.ExtractedField, 0, len(parsed.Fields))
	for _, f := range parsed.Fields {
		f.Name = CanonicalField(f.Name)
		f.Confidence = clamp01(f.Confidence)
		fields = append(fields, f)
	}
	return &Extraction{
		RawText:    parsed.RawText,
		Fields:     fields,
		Confidence: clamp01(parsed.Confidence),
		PageCount:  1,
		Metadata:   map[string]any{"engine": e.Name(), "model": e.modelName},
	}, nil
}

func (e *VertexEngine) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	out := strings.TrimSpace(b.String())
	out = strings.TrimPrefix(out, "```json")
	out = strings.TrimPrefix(out, "```")
	out = strings.TrimSuffix(out, "```")
	return strings.TrimSpace(out)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
