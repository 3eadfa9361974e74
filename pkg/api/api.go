// Package api defines the wire contract of the clove.v1.Authz gRPC
// service: the request and response messages, the JSON codec they
// travel with, and a typed client.
//
// Messages are plain Go structs exchanged over standard gRPC with a
// registered JSON codec; no generated protobuf code is involved.
// Objects, relations and subjects travel as their canonical string
// forms ("document:readme", "viewer", "group:eng#member").
package api

import "time"

// TupleKey is one relationship on the wire. User accepts the three
// subject forms: "type:id", "type:id#relation" and "type:*".
type TupleKey struct {
	Object   string `json:"object"`
	Relation string `json:"relation"`
	User     string `json:"user"`
}

// Tuple is a stored relationship with its server-assigned metadata.
type Tuple struct {
	Key              TupleKey  `json:"key"`
	InsertedAt       time.Time `json:"inserted_at"`
	ConsistencyToken string    `json:"consistency_token"`
}

// TraceNode is one node of a check's resolution tree.
type TraceNode struct {
	Goal     string       `json:"goal"`
	Kind     string       `json:"kind"`
	Allowed  bool         `json:"allowed"`
	Children []*TraceNode `json:"children,omitempty"`
}

// Diagnostic is one model validation finding. Line and Column are set
// only for syntax errors.
type Diagnostic struct {
	Severity string `json:"severity"`
	Code     string `json:"code"`
	Type     string `json:"type,omitempty"`
	Relation string `json:"relation,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Message  string `json:"message"`
}

// CheckRequest asks whether User has Relation on Object.
type CheckRequest struct {
	User     string `json:"user"`
	Relation string `json:"relation"`
	Object   string `json:"object"`

	// ContextualTuples are visible to this check only, never persisted.
	ContextualTuples []TupleKey `json:"contextual_tuples,omitempty"`

	// ConsistencyToken pins the read to at least the state of the write
	// that issued it. Empty serves current state.
	ConsistencyToken string `json:"consistency_token,omitempty"`

	// ModelVersion pins evaluation to a stored model version instead of
	// the active model.
	ModelVersion string `json:"model_version,omitempty"`

	// Trace asks for the resolution tree alongside the outcome.
	Trace bool `json:"trace,omitempty"`
}

// CheckResponse carries the decision. Allowed false is a normal
// outcome, not an error.
type CheckResponse struct {
	Allowed          bool       `json:"allowed"`
	ConsistencyToken string     `json:"consistency_token"`
	Trace            *TraceNode `json:"trace,omitempty"`
}

// BatchCheckRequest evaluates several checks in one call.
type BatchCheckRequest struct {
	Checks []CheckRequest `json:"checks"`
}

// BatchCheckItem is one outcome of a batch, aligned with the request
// order. Error is empty when the item evaluated cleanly.
type BatchCheckItem struct {
	Allowed bool   `json:"allowed"`
	Error   string `json:"error,omitempty"`
}

// BatchCheckResponse carries per-item outcomes in request order.
type BatchCheckResponse struct {
	Results []BatchCheckItem `json:"results"`
}

// WriteRequest applies deletes then writes in one transaction.
type WriteRequest struct {
	Writes  []TupleKey `json:"writes,omitempty"`
	Deletes []TupleKey `json:"deletes,omitempty"`
}

// WriteResponse reports the commit. Written and Deleted count rows
// actually changed.
type WriteResponse struct {
	ConsistencyToken string `json:"consistency_token"`
	Written          int    `json:"written"`
	Deleted          int    `json:"deleted"`
}

// ReadRequest returns stored tuples matching the filter. Object is
// "type:id" or just "type"; User is any subject form or just a type.
// At least an object id or a user id must be present to bound the scan.
type ReadRequest struct {
	Object            string `json:"object,omitempty"`
	Relation          string `json:"relation,omitempty"`
	User              string `json:"user,omitempty"`
	PageSize          int    `json:"page_size,omitempty"`
	ContinuationToken string `json:"continuation_token,omitempty"`
}

// ReadResponse is one page of tuples in stable key order.
type ReadResponse struct {
	Tuples            []Tuple `json:"tuples"`
	ContinuationToken string  `json:"continuation_token,omitempty"`
}

// ListObjectsRequest asks which objects of Type the user holds
// Relation on.
type ListObjectsRequest struct {
	User     string `json:"user"`
	Relation string `json:"relation"`
	Type     string `json:"type"`

	ContextualTuples  []TupleKey `json:"contextual_tuples,omitempty"`
	ConsistencyToken  string     `json:"consistency_token,omitempty"`
	PageSize          int        `json:"page_size,omitempty"`
	ContinuationToken string     `json:"continuation_token,omitempty"`
}

// ListObjectsResponse is one page of object ids, sorted ascending.
// Truncated reports that the server cut the result set at its
// configured maximum.
type ListObjectsResponse struct {
	ObjectIDs         []string `json:"object_ids"`
	Truncated         bool     `json:"truncated,omitempty"`
	ContinuationToken string   `json:"continuation_token,omitempty"`
	ConsistencyToken  string   `json:"consistency_token"`
}

// ListUsersRequest asks which subjects hold Relation on Object.
// UserTypes narrows results; empty means every type.
type ListUsersRequest struct {
	Object    string   `json:"object"`
	Relation  string   `json:"relation"`
	UserTypes []string `json:"user_types,omitempty"`

	ContextualTuples  []TupleKey `json:"contextual_tuples,omitempty"`
	ConsistencyToken  string     `json:"consistency_token,omitempty"`
	PageSize          int        `json:"page_size,omitempty"`
	ContinuationToken string     `json:"continuation_token,omitempty"`
}

// ListUsersResponse is one page of subjects in canonical form. A stored
// wildcard surfaces as "type:*".
type ListUsersResponse struct {
	Users             []string `json:"users"`
	ContinuationToken string   `json:"continuation_token,omitempty"`
	ConsistencyToken  string   `json:"consistency_token"`
}

// WriteModelRequest stores a new authorization model version from DSL
// source, optionally activating it in the same transaction.
type WriteModelRequest struct {
	DSL      string `json:"dsl"`
	Activate bool   `json:"activate,omitempty"`
}

// WriteModelResponse reports the outcome. On success Errors is empty
// and ModelID/VersionID identify the stored version; Warnings may be
// present either way.
type WriteModelResponse struct {
	Success   bool         `json:"success"`
	ModelID   string       `json:"model_id,omitempty"`
	VersionID string       `json:"version_id,omitempty"`
	Errors    []Diagnostic `json:"errors,omitempty"`
	Warnings  []Diagnostic `json:"warnings,omitempty"`
}

// ReadModelRequest reads a stored model version. An empty VersionID
// reads the active model.
type ReadModelRequest struct {
	VersionID string `json:"version_id,omitempty"`
}

// ReadModelResponse is a stored model version with its DSL source.
type ReadModelResponse struct {
	ModelID   string    `json:"model_id"`
	VersionID string    `json:"version_id"`
	DSL       string    `json:"dsl"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// ActivateModelRequest makes a stored version the single active model.
type ActivateModelRequest struct {
	VersionID string `json:"version_id"`
}

// ActivateModelResponse confirms the switch.
type ActivateModelResponse struct {
	ActivatedVersionID string `json:"activated_version_id"`
}

// ModelSummary is one entry of a ListModels page.
type ModelSummary struct {
	ModelID   string    `json:"model_id"`
	VersionID string    `json:"version_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// ListModelsRequest lists stored model versions, newest first.
type ListModelsRequest struct {
	PageSize          int    `json:"page_size,omitempty"`
	ContinuationToken string `json:"continuation_token,omitempty"`
}

// ListModelsResponse is one page of model summaries.
type ListModelsResponse struct {
	Models            []ModelSummary `json:"models"`
	ContinuationToken string         `json:"continuation_token,omitempty"`
}
