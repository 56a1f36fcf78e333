// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/tzervas/context-mcp/internal/entry"
	"github.com/tzervas/context-mcp/internal/query"
	"github.com/tzervas/context-mcp/internal/retrieval"
)

func (s *Server) registerContextRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID:   "put-context",
		Method:        http.MethodPost,
		Path:          "/api/v1/contexts",
		Summary:       "Store a context entry",
		Tags:          []string{"contexts"},
		DefaultStatus: http.StatusCreated,
	}, s.handlePut)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-context",
		Method:      http.MethodGet,
		Path:        "/api/v1/contexts/{id}",
		Summary:     "Get a context entry",
		Tags:        []string{"contexts"},
	}, s.handleGet)

	huma.Register(s.api, huma.Operation{
		OperationID: "update-context",
		Method:      http.MethodPatch,
		Path:        "/api/v1/contexts/{id}",
		Summary:     "Change an entry's mutable fields",
		Tags:        []string{"contexts"},
	}, s.handleUpdate)

	huma.Register(s.api, huma.Operation{
		OperationID: "delete-context",
		Method:      http.MethodDelete,
		Path:        "/api/v1/contexts/{id}",
		Summary:     "Delete a context entry",
		Description: "Deleting an absent id is a no-op reported as deleted=false.",
		Tags:        []string{"contexts"},
	}, s.handleDelete)

	huma.Register(s.api, huma.Operation{
		OperationID: "set-screening",
		Method:      http.MethodPut,
		Path:        "/api/v1/contexts/{id}/screening",
		Summary:     "Record a screening verdict",
		Tags:        []string{"contexts"},
	}, s.handleScreening)

	huma.Register(s.api, huma.Operation{
		OperationID: "reset-tier",
		Method:      http.MethodPut,
		Path:        "/api/v1/contexts/{id}/tier",
		Summary:     "Move an entry to another tier",
		Description: "Administrative override; consolidation only ever moves entries forward.",
		Tags:        []string{"contexts"},
	}, s.handleResetTier)

	huma.Register(s.api, huma.Operation{
		OperationID: "query-contexts",
		Method:      http.MethodPost,
		Path:        "/api/v1/contexts/query",
		Summary:     "Find entries by structured filters",
		Tags:        []string{"contexts"},
	}, s.handleQuery)

	huma.Register(s.api, huma.Operation{
		OperationID: "retrieve-contexts",
		Method:      http.MethodPost,
		Path:        "/api/v1/contexts/retrieve",
		Summary:     "Find entries similar to a text",
		Tags:        []string{"contexts"},
	}, s.handleRetrieve)
}

// --- Request/Response types for huma ---

type putInput struct {
	Body struct {
		Content    string     `json:"content" minLength:"1" doc:"Entry text"`
		Domain     string     `json:"domain,omitempty" doc:"Knowledge domain"`
		Tags       []string   `json:"tags,omitempty"`
		Importance float64    `json:"importance" minimum:"0" maximum:"1"`
		Source     string     `json:"source,omitempty"`
		ValidFrom  *time.Time `json:"valid_from,omitempty"`
		ValidUntil *time.Time `json:"valid_until,omitempty"`
		Evictable  bool       `json:"evictable,omitempty" doc:"Allow eviction even from the long-term tier"`
	}
}
type putOutput struct {
	Body struct {
		ID string `json:"id"`
	}
}

type idInput struct {
	ID string `path:"id"`
}
type entryOutput struct {
	Body *entry.ContextEntry
}

type updateInput struct {
	ID   string `path:"id"`
	Body struct {
		Domain     *string   `json:"domain,omitempty"`
		Tags       *[]string `json:"tags,omitempty"`
		Importance *float64  `json:"importance,omitempty"`
		Evictable  *bool     `json:"evictable,omitempty"`
	}
}

type screeningInput struct {
	ID   string `path:"id"`
	Body struct {
		RiskLevel  entry.RiskLevel `json:"risk_level" enum:"none,low,medium,high,critical"`
		Flags      []string        `json:"flags,omitempty"`
		Confidence float64         `json:"confidence" minimum:"0" maximum:"1"`
		ScreenedAt *time.Time      `json:"screened_at,omitempty" doc:"Defaults to the time of the request"`
	}
}

type tierInput struct {
	ID   string `path:"id"`
	Body struct {
		Tier entry.Tier `json:"tier" enum:"episodic,session,long_term"`
	}
}

type queryInput struct {
	Body struct {
		Domain         string          `json:"domain,omitempty"`
		Tags           []string        `json:"tags,omitempty" doc:"Entries must carry every tag"`
		MinImportance  float64         `json:"min_importance,omitempty" minimum:"0" maximum:"1"`
		Tier           entry.Tier      `json:"tier,omitempty" enum:"episodic,session,long_term"`
		TimeField      query.TimeField `json:"time_field,omitempty" enum:"created_at,last_accessed" doc:"Timestamp the since/until bounds apply to; defaults to created_at"`
		Since          *time.Time      `json:"since,omitempty"`
		Until          *time.Time      `json:"until,omitempty"`
		ExcludeExpired bool            `json:"exclude_expired,omitempty"`
		Limit          int             `json:"limit,omitempty" minimum:"0"`
	}
}
type queryOutput struct {
	Body struct {
		Entries []*entry.ContextEntry `json:"entries"`
		Plan    planBody              `json:"plan"`
	}
}

type planBody struct {
	Indexes  []string `json:"indexes,omitempty"`
	FullScan bool     `json:"full_scan"`
	Scanned  int      `json:"scanned"`
}

type deleteOutput struct {
	Body struct {
		Deleted bool `json:"deleted"`
	}
}

type retrieveInput struct {
	Body struct {
		Text string `json:"text" minLength:"1"`
		K    int    `json:"k,omitempty" minimum:"0" doc:"Result cap; zero uses the server default"`
	}
}
type retrieveOutput struct {
	Body struct {
		Results []retrieval.Result `json:"results"`
	}
}

// --- Handlers ---

func (s *Server) handlePut(ctx context.Context, in *putInput) (*putOutput, error) {
	b := in.Body
	id, err := s.backend.Put(ctx, entry.Draft{
		Content:    b.Content,
		Domain:     b.Domain,
		Tags:       b.Tags,
		Importance: b.Importance,
		Source:     b.Source,
		ValidFrom:  b.ValidFrom,
		ValidUntil: b.ValidUntil,
		Evictable:  b.Evictable,
	})
	if err != nil {
		return nil, s.apiError("storing entry", err)
	}
	out := &putOutput{}
	out.Body.ID = id
	return out, nil
}

func (s *Server) handleGet(ctx context.Context, in *idInput) (*entryOutput, error) {
	e, err := s.backend.Get(ctx, in.ID)
	if err != nil {
		return nil, s.apiError("getting entry", err)
	}
	return &entryOutput{Body: e}, nil
}

func (s *Server) handleUpdate(ctx context.Context, in *updateInput) (*entryOutput, error) {
	p := entry.Patch{
		Domain:     in.Body.Domain,
		Tags:       in.Body.Tags,
		Importance: in.Body.Importance,
		Evictable:  in.Body.Evictable,
	}
	if err := s.backend.Update(ctx, in.ID, p); err != nil {
		return nil, s.apiError("updating entry", err)
	}
	return s.handleGet(ctx, &idInput{ID: in.ID})
}

func (s *Server) handleDelete(ctx context.Context, in *idInput) (*deleteOutput, error) {
	removed, err := s.backend.Delete(ctx, in.ID)
	if err != nil {
		return nil, s.apiError("deleting entry", err)
	}
	out := &deleteOutput{}
	out.Body.Deleted = removed
	return out, nil
}

func (s *Server) handleScreening(ctx context.Context, in *screeningInput) (*entryOutput, error) {
	b := in.Body
	verdict := entry.Screening{
		RiskLevel:  b.RiskLevel,
		Flags:      b.Flags,
		Confidence: b.Confidence,
		ScreenedAt: time.Now().UTC(),
	}
	if b.ScreenedAt != nil {
		verdict.ScreenedAt = *b.ScreenedAt
	}
	if err := s.backend.UpdateScreening(ctx, in.ID, verdict); err != nil {
		return nil, s.apiError("recording screening", err)
	}
	return s.handleGet(ctx, &idInput{ID: in.ID})
}

func (s *Server) handleResetTier(ctx context.Context, in *tierInput) (*entryOutput, error) {
	if err := s.backend.ResetTier(ctx, in.ID, in.Body.Tier); err != nil {
		return nil, s.apiError("resetting tier", err)
	}
	return s.handleGet(ctx, &idInput{ID: in.ID})
}

func (s *Server) handleQuery(ctx context.Context, in *queryInput) (*queryOutput, error) {
	b := in.Body
	p := query.Predicate{
		Domain:         b.Domain,
		Tags:           b.Tags,
		MinImportance:  b.MinImportance,
		Tier:           b.Tier,
		ExcludeExpired: b.ExcludeExpired,
		Limit:          b.Limit,
	}
	if b.Since != nil || b.Until != nil {
		tr := &query.TimeRange{Field: b.TimeField}
		if tr.Field == "" {
			tr.Field = query.FieldCreatedAt
		}
		if b.Since != nil {
			tr.From = *b.Since
		}
		if b.Until != nil {
			tr.To = *b.Until
		}
		p.Time = tr
	}

	es, plan, err := s.backend.Explain(ctx, p)
	if err != nil {
		return nil, s.apiError("querying entries", err)
	}
	out := &queryOutput{}
	out.Body.Entries = es
	if out.Body.Entries == nil {
		out.Body.Entries = []*entry.ContextEntry{}
	}
	out.Body.Plan = planBody{Indexes: plan.Indexes, FullScan: plan.FullScan, Scanned: plan.Scanned}
	return out, nil
}

func (s *Server) handleRetrieve(ctx context.Context, in *retrieveInput) (*retrieveOutput, error) {
	res, err := s.backend.Retrieve(ctx, in.Body.Text, in.Body.K)
	if err != nil {
		return nil, s.apiError("retrieving entries", err)
	}
	out := &retrieveOutput{}
	out.Body.Results = res
	if out.Body.Results == nil {
		out.Body.Results = []retrieval.Result{}
	}
	return out, nil
}
