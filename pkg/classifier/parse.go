package classifier

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/warden/pkg/moderation"
)

const verdictSchemaURL = "https://warden.schemas.local/classifier/verdict.schema.json"

const verdictSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["reasoning", "violation", "rule_violated", "action"],
  "properties": {
    "reasoning": {"type": "string"},
    "violation": {"type": "boolean"},
    "rule_violated": {"type": "string"},
    "action": {"type": "string", "minLength": 1},
    "notify_mods_message": {"type": "string"}
  }
}`

var compiledVerdictSchema = mustCompileVerdictSchema()

func mustCompileVerdictSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(verdictSchemaURL, strings.NewReader(verdictSchema)); err != nil {
		panic(fmt.Sprintf("verdict schema load failed: %v", err))
	}
	return c.MustCompile(verdictSchemaURL)
}

// Parse turns a raw backend response into a Verdict. Prose before the JSON
// object and a closing code fence after it are tolerated; anything that is
// not a complete, well-typed verdict is a *moderation.ClassificationError.
func Parse(raw string) (*moderation.Verdict, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, &moderation.ClassificationError{Reason: "empty response", Raw: raw}
	}

	start := strings.Index(raw, "{")
	if start < 0 {
		return nil, &moderation.ClassificationError{Reason: "no JSON object in response", Raw: raw}
	}
	body := strings.TrimSpace(raw[start:])
	body = strings.TrimSpace(strings.TrimSuffix(body, "```"))

	var doc any
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, &moderation.ClassificationError{Reason: "decode", Raw: raw, Err: err}
	}
	if err := compiledVerdictSchema.Validate(doc); err != nil {
		return nil, &moderation.ClassificationError{Reason: "schema", Raw: raw, Err: err}
	}

	// The schema guarantees presence and types.
	obj := doc.(map[string]any)
	action, err := moderation.ParseActionKind(obj["action"].(string))
	if err != nil {
		return nil, &moderation.ClassificationError{Reason: "action", Raw: raw, Err: err}
	}
	v := &moderation.Verdict{
		Violation:    obj["violation"].(bool),
		RuleViolated: obj["rule_violated"].(string),
		Action:       action,
		Reasoning:    obj["reasoning"].(string),
	}
	if s, ok := obj["notify_mods_message"].(string); ok {
		v.NotifyModsMessage = s
	}
	return v, nil
}
