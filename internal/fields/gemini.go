package fields

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"google.golang.org/api/option"
)

// AIClient is the heuristic second layer. Implementations answer only the
// fields they are asked about; anything they cannot find is simply absent
// from the reply.
type AIClient interface {
	ResolveFields(ctx context.Context, text string, missing []Field) (map[Field]string, error)
	Name() string
}

// Gemini resolves fields via a Gemini text model. The reply is required to be
// a single JSON object validated against replySchema before any value is
// trusted.
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
	schema *jsonschema.Schema
	logger *slog.Logger
}

func NewGemini(ctx context.Context, apiKey, model string, logger *slog.Logger) (*Gemini, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	m := client.GenerativeModel(model)
	temp := float32(0)
	m.Temperature = &temp

	schema, err := compileReplySchema()
	if err != nil {
		client.Close()
		return nil, err
	}

	return &Gemini{client: client, model: m, schema: schema, logger: logger}, nil
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Close() error { return g.client.Close() }

func (g *Gemini) ResolveFields(ctx context.Context, text string, missing []Field) (map[Field]string, error) {
	if len(missing) == 0 {
		return nil, nil
	}

	resp, err := g.model.GenerateContent(ctx, genai.Text(buildPrompt(text, missing)))
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("empty gemini response")
	}

	raw := sanitizeReply(fmt.Sprintf("%v", resp.Candidates[0].Content.Parts[0]))
	if err := g.validate([]byte(raw)); err != nil {
		return nil, err
	}

	var reply map[string]string
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, fmt.Errorf("unmarshal gemini reply: %w", err)
	}

	// keep only fields we asked about, drop empties
	out := make(map[Field]string)
	for _, f := range missing {
		if v := strings.TrimSpace(reply[string(f)]); v != "" {
			out[f] = v
		}
	}
	g.logger.Debug("gemini resolved fields", "asked", len(missing), "resolved", len(out))
	return out, nil
}

func (g *Gemini) validate(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("gemini reply is not json: %w", err)
	}
	if err := g.schema.Validate(v); err != nil {
		return fmt.Errorf("gemini reply does not match schema: %w", err)
	}
	return nil
}

func buildPrompt(text string, missing []Field) string {
	keys := make([]string, len(missing))
	for i, f := range missing {
		keys[i] = string(f)
	}
	return fmt.Sprintf(`You are reading the OCR text of a Chilean invoice (factura).
Extract the following fields and nothing else: %s.

Rules:
- Reply with a single JSON object whose keys are exactly the field names above.
- Omit a key entirely if the document does not contain that field. Never guess.
- RUT values use the form 76123456-7 (no dots).
- issue_date uses the form YYYY-MM-DD.
- Amounts are plain integers in Chilean pesos, no separators or currency signs.
- invoice_number is the bare number.

Invoice text:
%s`, strings.Join(keys, ", "), text)
}

// sanitizeReply strips markdown code fences the model sometimes wraps
// around JSON.
func sanitizeReply(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}

func compileReplySchema() (*jsonschema.Schema, error) {
	props := make(map[string]any, len(allFields))
	for _, f := range allFields {
		props[string(f)] = map[string]any{"type": "string"}
	}
	schemaMap := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}

	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal reply schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("reply.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add reply schema: %w", err)
	}
	schema, err := compiler.Compile("reply.json")
	if err != nil {
		return nil, fmt.Errorf("compile reply schema: %w", err)
	}
	return schema, nil
}
