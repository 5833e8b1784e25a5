package llm

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
)

var _ Generator = (*OpenAI)(nil)

const oaiFinishReasonStop = "stop"

// OpenAI invokes an OpenAI-compatible chat completions endpoint with
// structured outputs (response_format: json_schema, strict). Ark/Doubao
// and other compatible providers work through a BaseURL override on the
// client.
type OpenAI struct {
	Client *openai.Client

	// Model is the upstream model identifier, e.g. "gpt-4o-mini" or
	// "doubao-pro-32k".
	Model string

	// UseSystemRole sends the system prompt with role "system" instead of
	// "developer". Most compatible providers only accept "system".
	UseSystemRole bool

	// Params are the default sampling parameters, overridden per request.
	Params *Params

	// ExtraFields are provider-specific request fields passed through
	// verbatim.
	ExtraFields map[string]any
}

func (g *OpenAI) Invoke(ctx context.Context, _ string, req *Request) (*Response, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    g.Model,
		Messages: g.convMessages(req),
	}
	mp := g.Params
	if req.Params != nil {
		mp = req.Params
	}
	if mp != nil {
		if mp.Temperature > 0 {
			params.Temperature = param.NewOpt(mp.Temperature)
		}
		if mp.TopP > 0 {
			params.TopP = param.NewOpt(mp.TopP)
		}
		if mp.MaxTokens > 0 {
			params.MaxCompletionTokens = param.NewOpt(int64(mp.MaxTokens))
		}
	}
	if len(g.ExtraFields) > 0 {
		params.SetExtraFields(g.ExtraFields)
	}

	name := req.SchemaName
	if name == "" {
		name = "response"
	}
	params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
			JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
				Name:        name,
				Description: param.NewOpt(req.SchemaDescription),
				Schema:      any(FormatStrictSchema(req.Schema.CloneSchemas())),
				Strict:      param.NewOpt(true),
			},
		},
	}

	resp, err := g.Client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("llm: openai invoke: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm: openai invoke: no choices")
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return nil, fmt.Errorf("llm: openai invoke: blocked: %s", choice.Message.Refusal)
	}
	if choice.FinishReason != oaiFinishReasonStop {
		return nil, fmt.Errorf("llm: openai invoke: unexpected finish reason: %s", choice.FinishReason)
	}
	if len(choice.Message.Content) == 0 {
		return nil, fmt.Errorf("llm: openai invoke: no content")
	}

	model := resp.Model
	if model == "" {
		model = g.Model
	}
	return &Response{JSON: []byte(choice.Message.Content), Model: model}, nil
}

func (g *OpenAI) convMessages(req *Request) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		if g.UseSystemRole {
			msgs = append(msgs, openai.ChatCompletionMessageParamUnion{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Content: openai.ChatCompletionSystemMessageParamContentUnion{
						OfString: param.NewOpt(req.System),
					},
				},
			})
		} else {
			msgs = append(msgs, openai.ChatCompletionMessageParamUnion{
				OfDeveloper: &openai.ChatCompletionDeveloperMessageParam{
					Content: openai.ChatCompletionDeveloperMessageParamContentUnion{
						OfString: param.NewOpt(req.System),
					},
				},
			})
		}
	}
	msgs = append(msgs, openai.ChatCompletionMessageParamUnion{
		OfUser: &openai.ChatCompletionUserMessageParam{
			Content: openai.ChatCompletionUserMessageParamContentUnion{
				OfString: param.NewOpt(req.User),
			},
		},
	})
	return msgs
}

// FormatStrictSchema rewrites a schema in place to satisfy OpenAI strict
// mode: every object sets additionalProperties: false, and every property
// is required (previously-optional ones become nullable).
//
// See https://platform.openai.com/docs/guides/structured-outputs
func FormatStrictSchema(m *jsonschema.Schema) *jsonschema.Schema {
	if m == nil {
		return nil
	}

	if m.Type != "" && len(m.Types) > 0 {
		m.Types = append(m.Types, m.Type)
		m.Type = ""
	}
	typ := m.Type
	if typ == "" {
		for _, t := range m.Types {
			if t != "null" && t != "" {
				typ = t
				break
			}
		}
	}

	switch typ {
	case "array":
		m.Items = FormatStrictSchema(m.Items)
	case "object":
		m.AdditionalProperties = &jsonschema.Schema{Not: &jsonschema.Schema{}}

		required := make(map[string]struct{}, len(m.Properties))
		for _, v := range m.Required {
			required[v] = struct{}{}
		}
		for k, v := range m.Properties {
			if _, ok := required[k]; !ok {
				required[k] = struct{}{}
				if !slices.Contains(v.Types, "null") {
					v.Types = append(v.Types, "null")
				}
			}
			m.Properties[k] = FormatStrictSchema(v)
		}
		m.Required = slices.Sorted(maps.Keys(required))
	}
	return m
}
