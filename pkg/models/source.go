package models

// SourceCapability describes an optional upstream feature a portal supports.
type SourceCapability string

// Capabilities a source may advertise. Adapters apply the corresponding
// filter server-side when the capability is present and client-side otherwise.
const (
	CapUFFilter       SourceCapability = "UF_FILTER"
	CapModalityFilter SourceCapability = "MODALITY_FILTER"
	CapDateRange      SourceCapability = "DATE_RANGE"
	CapPagination     SourceCapability = "PAGINATION"
	CapItemDetail     SourceCapability = "ITEM_DETAIL"
)

// SourceMetadata is the static descriptor of a procurement portal.
type SourceMetadata struct {
	Name    string `json:"name"`
	Code    string `json:"code"`
	BaseURL string `json:"base_url"`
	// Priority breaks dedup ties; lower wins.
	Priority         int                `json:"priority"`
	RateLimitPerMin  int                `json:"rate_limit_per_min"`
	DefaultTimeoutMS int                `json:"default_timeout_ms"`
	Capabilities     []SourceCapability `json:"capabilities"`
}

// HasCapability reports whether the source advertises cap.
func (m SourceMetadata) HasCapability(cap SourceCapability) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// SourceStatus is the runtime health of a source.
type SourceStatus string

// Source health states.
const (
	SourceAvailable   SourceStatus = "AVAILABLE"
	SourceDegraded    SourceStatus = "DEGRADED"
	SourceUnavailable SourceStatus = "UNAVAILABLE"
)

// SourceResult records how one source behaved during a consolidated fetch.
type SourceResult struct {
	Code       string `json:"code"`
	Status     string `json:"status"` // success | failed | degraded | truncated
	Records    int    `json:"records"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}
