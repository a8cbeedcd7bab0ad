// ABOUTME: Typed per-kind node configurations decoded from the untyped node data map.
// ABOUTME: The compiler decodes once; handlers receive the typed variant and never touch raw maps.

package diagram

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// StartConfig configures a start node.
type StartConfig struct {
	CustomData map[string]any `mapstructure:"custom_data"`
}

// PersonJobConfig configures an LLM invocation node.
type PersonJobConfig struct {
	Person              PersonID `mapstructure:"person"`
	DefaultPrompt       string   `mapstructure:"default_prompt"`
	FirstOnlyPrompt     string   `mapstructure:"first_only_prompt"`
	PromptFile          string   `mapstructure:"prompt_file"`
	FirstPromptFile     string   `mapstructure:"first_prompt_file"`
	ResolvedPrompt      string   `mapstructure:"resolved_prompt"`
	ResolvedFirstPrompt string   `mapstructure:"resolved_first_prompt"`
	MaxIteration        int      `mapstructure:"max_iteration"`
	MemorizeTo          string   `mapstructure:"memorize_to"`
	AtMost              int      `mapstructure:"at_most"`
	IgnorePerson        string   `mapstructure:"ignore_person"`
	Tools               []any    `mapstructure:"tools"`
	TextFormat          string   `mapstructure:"text_format"`
	Temperature         *float64 `mapstructure:"temperature"`
	MaxTokens           *int     `mapstructure:"max_tokens"`
}

// ConditionConfig configures a branching node. ConditionType selects between
// a sandboxed expression and an LLM judgment.
type ConditionConfig struct {
	ConditionType string   `mapstructure:"condition_type"`
	Expression    string   `mapstructure:"expression"`
	Person        PersonID `mapstructure:"person"`
	JudgeBy       string   `mapstructure:"judge_by"`
	Skippable     bool     `mapstructure:"skippable"`
}

// CodeJobConfig configures inline or file-backed code execution.
type CodeJobConfig struct {
	Language     string `mapstructure:"language"`
	Code         string `mapstructure:"code"`
	FilePath     string `mapstructure:"file_path"`
	FunctionName string `mapstructure:"function_name"`
	TimeoutSec   int    `mapstructure:"timeout"`
}

// DBConfig configures file-backed data operations.
type DBConfig struct {
	Operation string   `mapstructure:"operation"`
	File      string   `mapstructure:"file"`
	Keys      []string `mapstructure:"keys"`
	Lines     []string `mapstructure:"lines"`
	Format    string   `mapstructure:"format"`
	Data      any      `mapstructure:"data"`
}

// AuthConfig carries HTTP authentication for API nodes.
type AuthConfig struct {
	Type       string `mapstructure:"type"`
	Token      string `mapstructure:"token"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	Header     string `mapstructure:"header"`
	QueryParam string `mapstructure:"query_param"`
}

// APIJobConfig configures an HTTP request node.
type APIJobConfig struct {
	URL        string            `mapstructure:"url"`
	Method     string            `mapstructure:"method"`
	Headers    map[string]string `mapstructure:"headers"`
	Params     map[string]string `mapstructure:"params"`
	Body       any               `mapstructure:"body"`
	Auth       AuthConfig        `mapstructure:"auth"`
	TimeoutSec int               `mapstructure:"timeout"`
	MaxRetries int               `mapstructure:"max_retries"`
}

// IntegratedAPIConfig configures a catalog-backed API operation.
type IntegratedAPIConfig struct {
	Provider   string         `mapstructure:"provider"`
	Operation  string         `mapstructure:"operation"`
	Resource   string         `mapstructure:"resource"`
	Config     map[string]any `mapstructure:"config"`
	TimeoutSec int            `mapstructure:"timeout"`
	MaxRetries int            `mapstructure:"max_retries"`
}

// EndpointConfig configures a terminal node.
type EndpointConfig struct {
	SaveToFile bool   `mapstructure:"save_to_file"`
	FileName   string `mapstructure:"file_name"`
}

// SubDiagramConfig configures nested diagram execution.
type SubDiagramConfig struct {
	DiagramName   string            `mapstructure:"diagram_name"`
	DiagramData   map[string]any    `mapstructure:"diagram_data"`
	DiagramFormat string            `mapstructure:"diagram_format"`
	OutputMapping map[string]string `mapstructure:"output_mapping"`
	TimeoutSec    int               `mapstructure:"timeout"`
}

// TemplateJobConfig configures template rendering.
type TemplateJobConfig struct {
	TemplateContent string         `mapstructure:"template_content"`
	TemplatePath    string         `mapstructure:"template_path"`
	OutputPath      string         `mapstructure:"output_path"`
	Variables       map[string]any `mapstructure:"variables"`
}

// JSONSchemaValidatorConfig configures payload validation.
type JSONSchemaValidatorConfig struct {
	SchemaPath string         `mapstructure:"schema_path"`
	Schema     map[string]any `mapstructure:"json_schema"`
	DataPath   string         `mapstructure:"data_path"`
	Strict     bool           `mapstructure:"strict"`
}

// TypescriptAstConfig configures TypeScript source extraction.
type TypescriptAstConfig struct {
	Source          string   `mapstructure:"source"`
	ExtractPatterns []string `mapstructure:"extract_patterns"`
	IncludeJSDoc    bool     `mapstructure:"include_jsdoc"`
}

// HookConfig configures side-effect hooks (shell command, webhook, file).
type HookConfig struct {
	HookType   string            `mapstructure:"hook_type"`
	Command    string            `mapstructure:"command"`
	Args       []string          `mapstructure:"args"`
	URL        string            `mapstructure:"url"`
	Method     string            `mapstructure:"method"`
	Headers    map[string]string `mapstructure:"headers"`
	FilePath   string            `mapstructure:"file_path"`
	Format     string            `mapstructure:"format"`
	Env        map[string]string `mapstructure:"env"`
	TimeoutSec int               `mapstructure:"timeout"`
}

// DiffPatchConfig configures unified-diff application.
type DiffPatchConfig struct {
	TargetPath string `mapstructure:"target_path"`
	Diff       string `mapstructure:"diff"`
	Backup     bool   `mapstructure:"backup"`
	DryRun     bool   `mapstructure:"dry_run"`
}

// UserResponseConfig configures a human question node.
type UserResponseConfig struct {
	Prompt     string `mapstructure:"prompt"`
	TimeoutSec int    `mapstructure:"timeout"`
	Default    string `mapstructure:"default"`
}

// IrBuilderConfig configures intermediate-representation assembly.
type IrBuilderConfig struct {
	Target         string `mapstructure:"target"`
	IncludePersons bool   `mapstructure:"include_persons"`
	OutputFormat   string `mapstructure:"output_format"`
}

// DecodeNodeConfig decodes a node's data map into the typed config for its
// kind. Decoding is weakly typed so JSON float64s and YAML scalars coerce
// into the declared field types.
func DecodeNodeConfig(n *Node) (any, error) {
	var target any
	switch n.Kind {
	case KindStart:
		target = &StartConfig{}
	case KindPersonJob:
		target = &PersonJobConfig{}
	case KindCondition:
		target = &ConditionConfig{}
	case KindCodeJob:
		target = &CodeJobConfig{}
	case KindDB:
		target = &DBConfig{}
	case KindAPIJob:
		target = &APIJobConfig{}
	case KindIntegratedAPI:
		target = &IntegratedAPIConfig{}
	case KindEndpoint:
		target = &EndpointConfig{}
	case KindSubDiagram:
		target = &SubDiagramConfig{}
	case KindTemplateJob:
		target = &TemplateJobConfig{}
	case KindJSONSchemaValidator:
		target = &JSONSchemaValidatorConfig{}
	case KindTypescriptAst:
		target = &TypescriptAstConfig{}
	case KindHook:
		target = &HookConfig{}
	case KindDiffPatch:
		target = &DiffPatchConfig{}
	case KindUserResponse:
		target = &UserResponseConfig{}
	case KindIrBuilder:
		target = &IrBuilderConfig{}
	default:
		return nil, fmt.Errorf("unknown node kind %q", n.Kind)
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("build decoder for %s: %w", n.Kind, err)
	}
	if err := dec.Decode(n.Data); err != nil {
		return nil, fmt.Errorf("node %s (%s): %w", n.ID, n.Kind, err)
	}
	return target, nil
}
