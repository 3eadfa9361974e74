package server

import (
	"context"
	"fmt"
	"strings"

	clove "github.com/cloveworks/clove"
	"github.com/cloveworks/clove/internal/typesystem"
	"github.com/cloveworks/clove/pkg/api"
)

// authz implements api.AuthzServer by translating wire messages into
// Checker calls. It holds no policy of its own; everything flows
// through the Checker.
type authz struct {
	api.UnimplementedAuthzServer

	checker *clove.Checker
	metrics *metrics
}

func (a *authz) Check(ctx context.Context, req *api.CheckRequest) (*api.CheckResponse, error) {
	cr, err := toCheckRequest(req)
	if err != nil {
		return nil, err
	}
	res, err := a.checker.Check(ctx, cr)
	if err != nil {
		return nil, err
	}
	a.metrics.observeCheck(res.Allowed)
	return &api.CheckResponse{
		Allowed:          res.Allowed,
		ConsistencyToken: res.Token.String(),
		Trace:            toTraceNode(res.Trace),
	}, nil
}

func (a *authz) BatchCheck(ctx context.Context, req *api.BatchCheckRequest) (*api.BatchCheckResponse, error) {
	reqs := make([]clove.CheckRequest, len(req.Checks))
	for i := range req.Checks {
		cr, err := toCheckRequest(&req.Checks[i])
		if err != nil {
			return nil, fmt.Errorf("check %d: %w", i, err)
		}
		reqs[i] = cr
	}
	results, err := a.checker.BatchCheck(ctx, reqs)
	if err != nil {
		return nil, err
	}
	out := make([]api.BatchCheckItem, len(results))
	for i, r := range results {
		out[i] = api.BatchCheckItem{Allowed: r.Allowed}
		if r.Err != nil {
			out[i].Error = r.Err.Error()
		} else {
			a.metrics.observeCheck(r.Allowed)
		}
	}
	return &api.BatchCheckResponse{Results: out}, nil
}

func (a *authz) Write(ctx context.Context, req *api.WriteRequest) (*api.WriteResponse, error) {
	writes, err := toTupleKeys(req.Writes)
	if err != nil {
		return nil, err
	}
	deletes, err := toTupleKeys(req.Deletes)
	if err != nil {
		return nil, err
	}
	res, err := a.checker.Write(ctx, writes, deletes)
	if err != nil {
		return nil, err
	}
	a.metrics.observeWrite(res.Written, res.Deleted)
	return &api.WriteResponse{
		ConsistencyToken: res.Token.String(),
		Written:          res.Written,
		Deleted:          res.Deleted,
	}, nil
}

func (a *authz) Read(ctx context.Context, req *api.ReadRequest) (*api.ReadResponse, error) {
	filter, err := toTupleFilter(req)
	if err != nil {
		return nil, err
	}
	page, err := a.checker.ReadTuples(ctx, filter, clove.PageRequest{
		Size:  req.PageSize,
		Token: req.ContinuationToken,
	})
	if err != nil {
		return nil, err
	}
	tuples := make([]api.Tuple, len(page.Tuples))
	for i, t := range page.Tuples {
		tuples[i] = api.Tuple{
			Key: api.TupleKey{
				Object:   t.Key.Object.String(),
				Relation: t.Key.Relation.String(),
				User:     t.Key.Subject.String(),
			},
			InsertedAt:       t.InsertedAt,
			ConsistencyToken: t.Token.String(),
		}
	}
	return &api.ReadResponse{Tuples: tuples, ContinuationToken: page.ContinuationToken}, nil
}

func (a *authz) ListObjects(ctx context.Context, req *api.ListObjectsRequest) (*api.ListObjectsResponse, error) {
	user, err := clove.ParseSubject(req.User)
	if err != nil {
		return nil, err
	}
	token, err := clove.ParseToken(req.ConsistencyToken)
	if err != nil {
		return nil, err
	}
	contextual, err := toTupleKeys(req.ContextualTuples)
	if err != nil {
		return nil, err
	}
	res, err := a.checker.ListObjects(ctx, clove.ListObjectsRequest{
		Subject:          user,
		Relation:         clove.Relation(req.Relation),
		ObjectType:       clove.ObjectType(req.Type),
		ContextualTuples: contextual,
		Token:            token,
		Page:             clove.PageRequest{Size: req.PageSize, Token: req.ContinuationToken},
	})
	if err != nil {
		return nil, err
	}
	return &api.ListObjectsResponse{
		ObjectIDs:         res.ObjectIDs,
		Truncated:         res.Truncated,
		ContinuationToken: res.NextPageToken,
		ConsistencyToken:  res.Token.String(),
	}, nil
}

func (a *authz) ListUsers(ctx context.Context, req *api.ListUsersRequest) (*api.ListUsersResponse, error) {
	object, err := clove.ParseObject(req.Object)
	if err != nil {
		return nil, err
	}
	token, err := clove.ParseToken(req.ConsistencyToken)
	if err != nil {
		return nil, err
	}
	contextual, err := toTupleKeys(req.ContextualTuples)
	if err != nil {
		return nil, err
	}
	types := make([]clove.ObjectType, len(req.UserTypes))
	for i, t := range req.UserTypes {
		types[i] = clove.ObjectType(t)
	}
	res, err := a.checker.ListUsers(ctx, clove.ListUsersRequest{
		Object:           object,
		Relation:         clove.Relation(req.Relation),
		SubjectTypes:     types,
		ContextualTuples: contextual,
		Token:            token,
		Page:             clove.PageRequest{Size: req.PageSize, Token: req.ContinuationToken},
	})
	if err != nil {
		return nil, err
	}
	users := make([]string, len(res.Subjects))
	for i, s := range res.Subjects {
		users[i] = s.String()
	}
	return &api.ListUsersResponse{
		Users:             users,
		ContinuationToken: res.NextPageToken,
		ConsistencyToken:  res.Token.String(),
	}, nil
}

func (a *authz) WriteModel(ctx context.Context, req *api.WriteModelRequest) (*api.WriteModelResponse, error) {
	model, diags, err := a.checker.WriteModel(ctx, req.DSL, req.Activate)
	if err != nil {
		// A rejected model is a normal response carrying the diagnostics,
		// not an RPC error; anything else propagates.
		if clove.IsInvalidModelErr(err) {
			resp := &api.WriteModelResponse{Success: false}
			for _, d := range diags {
				if d.Severity == clove.SeverityError {
					resp.Errors = append(resp.Errors, toDiagnostic(d))
				} else {
					resp.Warnings = append(resp.Warnings, toDiagnostic(d))
				}
			}
			return resp, nil
		}
		return nil, err
	}
	resp := &api.WriteModelResponse{
		Success:   true,
		ModelID:   model.ID,
		VersionID: model.VersionID,
	}
	for _, d := range diags {
		resp.Warnings = append(resp.Warnings, toDiagnostic(d))
	}
	return resp, nil
}

func (a *authz) ReadModel(ctx context.Context, req *api.ReadModelRequest) (*api.ReadModelResponse, error) {
	model, err := a.checker.ReadModel(ctx, req.VersionID)
	if err != nil {
		return nil, err
	}
	return &api.ReadModelResponse{
		ModelID:   model.ID,
		VersionID: model.VersionID,
		DSL:       model.DSL,
		Active:    model.Active,
		CreatedAt: model.CreatedAt,
	}, nil
}

func (a *authz) ActivateModel(ctx context.Context, req *api.ActivateModelRequest) (*api.ActivateModelResponse, error) {
	model, err := a.checker.ActivateModel(ctx, req.VersionID)
	if err != nil {
		return nil, err
	}
	return &api.ActivateModelResponse{ActivatedVersionID: model.VersionID}, nil
}

func (a *authz) ListModels(ctx context.Context, req *api.ListModelsRequest) (*api.ListModelsResponse, error) {
	page, err := a.checker.ListModels(ctx, clove.PageRequest{
		Size:  req.PageSize,
		Token: req.ContinuationToken,
	})
	if err != nil {
		return nil, err
	}
	models := make([]api.ModelSummary, len(page.Models))
	for i, m := range page.Models {
		models[i] = api.ModelSummary{
			ModelID:   m.ID,
			VersionID: m.VersionID,
			Active:    m.Active,
			CreatedAt: m.CreatedAt,
		}
	}
	return &api.ListModelsResponse{Models: models, ContinuationToken: page.ContinuationToken}, nil
}

func toCheckRequest(req *api.CheckRequest) (clove.CheckRequest, error) {
	user, err := clove.ParseSubject(req.User)
	if err != nil {
		return clove.CheckRequest{}, err
	}
	object, err := clove.ParseObject(req.Object)
	if err != nil {
		return clove.CheckRequest{}, err
	}
	token, err := clove.ParseToken(req.ConsistencyToken)
	if err != nil {
		return clove.CheckRequest{}, err
	}
	contextual, err := toTupleKeys(req.ContextualTuples)
	if err != nil {
		return clove.CheckRequest{}, err
	}
	return clove.CheckRequest{
		Subject:          user,
		Relation:         clove.Relation(req.Relation),
		Object:           object,
		ContextualTuples: contextual,
		Token:            token,
		ModelVersion:     req.ModelVersion,
		Trace:            req.Trace,
	}, nil
}

func toTupleKeys(in []api.TupleKey) ([]clove.TupleKey, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]clove.TupleKey, len(in))
	for i, k := range in {
		object, err := clove.ParseObject(k.Object)
		if err != nil {
			return nil, err
		}
		subject, err := clove.ParseSubject(k.User)
		if err != nil {
			return nil, err
		}
		out[i] = clove.TupleKey{
			Object:   object,
			Relation: clove.Relation(k.Relation),
			Subject:  subject,
		}
		if err := out[i].Validate(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// toTupleFilter parses the Read filter. Object and User accept the
// canonical forms or a bare type name to filter on type alone.
func toTupleFilter(req *api.ReadRequest) (clove.TupleFilter, error) {
	var filter clove.TupleFilter
	if req.Object != "" {
		if strings.Contains(req.Object, ":") {
			object, err := clove.ParseObject(req.Object)
			if err != nil {
				return filter, err
			}
			filter.ObjectType = object.Type
			filter.ObjectID = object.ID
		} else {
			filter.ObjectType = clove.ObjectType(req.Object)
		}
	}
	filter.Relation = clove.Relation(req.Relation)
	if req.User != "" {
		if strings.Contains(req.User, ":") {
			subject, err := clove.ParseSubject(req.User)
			if err != nil {
				return filter, err
			}
			filter.SubjectType = subject.Object.Type
			filter.SubjectID = subject.Object.ID
			if subject.IsUserset() {
				filter.SubjectRelation = subject.Relation
				filter.SubjectRelationSet = true
			}
		} else {
			filter.SubjectType = clove.ObjectType(req.User)
		}
	}
	return filter, nil
}

func toTraceNode(t *clove.Trace) *api.TraceNode {
	if t == nil {
		return nil
	}
	node := &api.TraceNode{Goal: t.Goal, Kind: t.Kind, Allowed: t.Allowed}
	for _, c := range t.Children {
		node.Children = append(node.Children, toTraceNode(c))
	}
	return node
}

func toDiagnostic(d typesystem.Diagnostic) api.Diagnostic {
	return api.Diagnostic{
		Severity: string(d.Severity),
		Code:     string(d.Code),
		Type:     d.Type,
		Relation: d.Relation,
		Line:     d.Line,
		Column:   d.Column,
		Message:  d.Message,
	}
}
