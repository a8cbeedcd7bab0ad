// ABOUTME: Node kind enumeration and classification helpers.
// ABOUTME: Kinds drive handler dispatch, scheduling priority, and compile-time validation.

package diagram

// NodeKind discriminates the node type. The set is closed: the compiler
// rejects unknown kinds.
type NodeKind string

const (
	KindStart               NodeKind = "start"
	KindPersonJob           NodeKind = "person_job"
	KindCondition           NodeKind = "condition"
	KindCodeJob             NodeKind = "code_job"
	KindDB                  NodeKind = "db"
	KindAPIJob              NodeKind = "api_job"
	KindIntegratedAPI       NodeKind = "integrated_api"
	KindEndpoint            NodeKind = "endpoint"
	KindSubDiagram          NodeKind = "sub_diagram"
	KindTemplateJob         NodeKind = "template_job"
	KindJSONSchemaValidator NodeKind = "json_schema_validator"
	KindTypescriptAst       NodeKind = "typescript_ast"
	KindHook                NodeKind = "hook"
	KindDiffPatch           NodeKind = "diff_patch"
	KindUserResponse        NodeKind = "user_response"
	KindIrBuilder           NodeKind = "ir_builder"
)

// KnownKinds lists every kind the runtime ships a handler for.
var KnownKinds = []NodeKind{
	KindStart,
	KindPersonJob,
	KindCondition,
	KindCodeJob,
	KindDB,
	KindAPIJob,
	KindIntegratedAPI,
	KindEndpoint,
	KindSubDiagram,
	KindTemplateJob,
	KindJSONSchemaValidator,
	KindTypescriptAst,
	KindHook,
	KindDiffPatch,
	KindUserResponse,
	KindIrBuilder,
}

// IsKnownKind reports whether k names a supported node kind.
func IsKnownKind(k NodeKind) bool {
	for _, known := range KnownKinds {
		if k == known {
			return true
		}
	}
	return false
}

// SchedulingPriority orders kinds within a ready batch: start nodes run
// first, then conditions (so branches activate early), then person jobs,
// then everything else.
func (k NodeKind) SchedulingPriority() int {
	switch k {
	case KindStart:
		return 0
	case KindCondition:
		return 1
	case KindPersonJob:
		return 2
	default:
		return 3
	}
}
