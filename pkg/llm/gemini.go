package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/genai"
)

var _ Generator = (*Gemini)(nil)

// Gemini invokes the Google Gemini API with a JSON response schema.
type Gemini struct {
	Client *genai.Client

	// Model should not start with "models/".
	Model string

	// Params are the default sampling parameters, overridden per request.
	Params *Params
}

func (g *Gemini) Invoke(ctx context.Context, _ string, req *Request) (*Response, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   geminiConvSchema(req.Schema),
	}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{genai.NewPartFromText(req.System)},
		}
	}
	mp := g.Params
	if req.Params != nil {
		mp = req.Params
	}
	if mp != nil {
		if mp.Temperature > 0 {
			t := float32(mp.Temperature)
			cfg.Temperature = &t
		}
		if mp.TopP > 0 {
			p := float32(mp.TopP)
			cfg.TopP = &p
		}
		cfg.MaxOutputTokens = int32(mp.MaxTokens)
	}

	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{genai.NewPartFromText(req.User)},
	}}

	resp, err := g.Client.Models.GenerateContent(ctx, g.Model, contents, cfg)
	if err != nil {
		if e, ok := err.(*apierror.APIError); ok {
			err = e.Unwrap()
		}
		return nil, fmt.Errorf("llm: gemini invoke: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("llm: gemini invoke: no candidates")
	}
	cand := resp.Candidates[0]
	if cand.FinishReason != genai.FinishReasonStop {
		return nil, fmt.Errorf("llm: gemini invoke: unexpected finish reason: %s", cand.FinishReason)
	}
	var sb strings.Builder
	for _, p := range cand.Content.Parts {
		if p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	if sb.Len() == 0 {
		return nil, fmt.Errorf("llm: gemini invoke: no content")
	}
	return &Response{JSON: []byte(sb.String()), Model: g.Model}, nil
}

// geminiConvSchema converts a JSON schema to the genai schema type. Only
// the subset relevant for structured output is carried over.
func geminiConvSchema(schema *jsonschema.Schema) *genai.Schema {
	if schema == nil {
		return nil
	}

	enums := make([]string, 0, len(schema.Enum))
	for _, v := range schema.Enum {
		enums = append(enums, fmt.Sprintf("%v", v))
	}

	gs := genai.Schema{
		Format:      schema.Format,
		Description: schema.Description,
		Enum:        enums,
		Items:       geminiConvSchema(schema.Items),
		Required:    schema.Required,
	}
	if n := len(schema.Properties); n > 0 {
		gs.Properties = make(map[string]*genai.Schema, n)
		for k, prop := range schema.Properties {
			gs.Properties[k] = geminiConvSchema(prop)
		}
	}
	switch schema.Type {
	case "object":
		gs.Type = genai.TypeObject
	case "array":
		gs.Type = genai.TypeArray
	case "string":
		gs.Type = genai.TypeString
	case "number":
		gs.Type = genai.TypeNumber
	case "integer":
		gs.Type = genai.TypeInteger
	case "boolean":
		gs.Type = genai.TypeBoolean
	}
	return &gs
}
