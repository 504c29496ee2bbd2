package httpapi

// ProjectRequest is the create/update body for projects.
type ProjectRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

// ConnectorRequest is the create body for connectors.
type ConnectorRequest struct {
	Kind string `json:"kind"`
}

// SelectPropertyRequest selects the GA4 property a connector pulls from.
type SelectPropertyRequest struct {
	PropertyID   string `json:"property_id"`
	PropertyName string `json:"property_name"`
}

// TriggerSyncRequest optionally overrides the pull window's start date
// (§4.5 "override_start").
type TriggerSyncRequest struct {
	OverrideStartDate string `json:"override_start_date,omitempty"`
}

// TriggerReportRequest is the CRO report generation trigger body.
type TriggerReportRequest struct {
	Prompt string `json:"prompt,omitempty"`
}
