package metering

// Resource represents a metered resource kind
type Resource string

const (
	// ResourceScans tracks brand scan executions
	ResourceScans Resource = "SCANS"

	// ResourcePrompts tracks prompt templates in use
	ResourcePrompts Resource = "PROMPTS"

	// ResourcePages tracks AI-generated knowledge pages
	ResourcePages Resource = "AI_PAGES"
)

// AllResources lists every metered resource kind
var AllResources = []Resource{ResourceScans, ResourcePrompts, ResourcePages}

// String returns the string representation of Resource
func (r Resource) String() string {
	return string(r)
}

// IsValid returns true if the resource kind is valid
func (r Resource) IsValid() bool {
	switch r {
	case ResourceScans, ResourcePrompts, ResourcePages:
		return true
	}
	return false
}

// DisplayName returns a human-readable name for the resource
func (r Resource) DisplayName() string {
	switch r {
	case ResourceScans:
		return "Scans"
	case ResourcePrompts:
		return "Prompts"
	case ResourcePages:
		return "AI Pages"
	default:
		return string(r)
	}
}

// ParseResource converts a string to a Resource, accepting both the canonical
// form and the lowercase wire form used by API clients
func ParseResource(s string) (Resource, bool) {
	switch s {
	case "SCANS", "scans", "scan":
		return ResourceScans, true
	case "PROMPTS", "prompts", "prompt":
		return ResourcePrompts, true
	case "AI_PAGES", "ai_pages", "page":
		return ResourcePages, true
	}
	return "", false
}
