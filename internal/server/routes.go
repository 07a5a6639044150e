package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"propline/internal/config"
	"propline/internal/domain"
	"propline/internal/engine"
	"propline/internal/repo"
)

func registerCatalog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-process-definitions",
		Method:      http.MethodGet,
		Path:        "/catalog",
		Summary:     "List process definitions",
	}, func(ctx context.Context, input *struct {
		Subtype string `query:"subtype"`
	}) (*struct {
		Body struct {
			Items []domain.ProcessDefinition `json:"items"`
		} `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, config.PermPropertyRead); err != nil {
			return nil, handleError(err)
		}
		defs := e.Catalog.Definitions()
		if input.Subtype != "" {
			defs = e.Catalog.ApplicableTo(input.Subtype)
		}
		out := &struct {
			Body struct {
				Items []domain.ProcessDefinition `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = nonNilSlice(defs)
		return out, nil
	})
}

func registerProperties(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-property",
		Method:        http.MethodPost,
		Path:          "/properties",
		Summary:       "Create a property",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreatePropertyRequest
	}) (*struct {
		Body domain.Property `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, config.PermPropertyCreate); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProperty(ctx, engine.CreatePropertyOptions{
			ID:      input.Body.ID,
			Name:    input.Body.Name,
			Subtype: input.Body.Subtype,
			Initial: input.Body.Initial,
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Property `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-properties",
		Method:      http.MethodGet,
		Path:        "/properties",
		Summary:     "List properties",
	}, func(ctx context.Context, input *struct {
		Subtype        string `query:"subtype"`
		LifecyclePhase string `query:"lifecycle_phase"`
		Limit          int    `query:"limit" default:"50"`
	}) (*struct {
		Body struct {
			Items []repo.PropertySummary `json:"items"`
		} `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, config.PermPropertyRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListProperties(ctx, repo.PropertyFilters{
			Subtype:        input.Subtype,
			LifecyclePhase: input.LifecyclePhase,
			Limit:          normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []repo.PropertySummary `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = nonNilSlice(items)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-property",
		Method:      http.MethodGet,
		Path:        "/properties/{property_id}",
		Summary:     "Get a property with its processes and audit trail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PropertyID string `path:"property_id"`
	}) (*struct {
		Body domain.Property `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, config.PermPropertyRead); err != nil {
			return nil, handleError(err)
		}
		p, err := e.GetProperty(ctx, input.PropertyID)
		if err != nil {
			return nil, handleError(err)
		}
		p.ActiveProcesses = nonNilSlice(p.ActiveProcesses)
		p.ProcessHistory = nonNilSlice(p.ProcessHistory)
		p.StateHistory = nonNilSlice(p.StateHistory)
		return &struct {
			Body domain.Property `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-available-actions",
		Method:      http.MethodGet,
		Path:        "/properties/{property_id}/actions",
		Summary:     "List processes that could be started next",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PropertyID string `path:"property_id"`
	}) (*struct {
		Body domain.AvailableActions `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, config.PermPropertyRead); err != nil {
			return nil, handleError(err)
		}
		a, err := e.AvailableActions(ctx, input.PropertyID)
		if err != nil {
			return nil, handleError(err)
		}
		a.Ready = nonNilSlice(a.Ready)
		a.Blocked = nonNilSlice(a.Blocked)
		return &struct {
			Body domain.AvailableActions `json:"body"`
		}{Body: a}, nil
	})
}

func registerProcesses(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-process",
		Method:        http.MethodPost,
		Path:          "/properties/{property_id}/processes",
		Summary:       "Start a process",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		PropertyID string `path:"property_id"`
		Body       StartProcessRequest
	}) (*struct {
		Body domain.ProcessInstance `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, config.PermProcessStart); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inst, err := e.StartProcess(ctx, input.PropertyID, engine.StartOptions{
			Type:     domain.ProcessType(input.Body.Type),
			Assignee: input.Body.Assignee,
			DueDate:  input.Body.DueDate,
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProcessInstance `json:"body"`
		}{Body: inst}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-process",
		Method:      http.MethodPost,
		Path:        "/properties/{property_id}/processes/{process_id}/complete",
		Summary:     "Complete a process and apply the state changes it triggers",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		PropertyID string `path:"property_id"`
		ProcessID  string `path:"process_id"`
		Body       CompleteProcessRequest
	}) (*struct {
		Body domain.CompletionResult `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, config.PermProcessComplete); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.CompleteProcess(ctx, input.PropertyID, input.ProcessID, engine.CompleteOptions{
			Outputs: outputs(input.Body.Outputs),
			Notes:   input.Body.Notes,
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		res.Changes = nonNilSlice(res.Changes)
		return &struct {
			Body domain.CompletionResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "block-process",
		Method:      http.MethodPost,
		Path:        "/properties/{property_id}/processes/{process_id}/block",
		Summary:     "Block a process",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		PropertyID string `path:"property_id"`
		ProcessID  string `path:"process_id"`
		Body       BlockProcessRequest
	}) (*struct {
		Body domain.ProcessInstance `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, config.PermProcessBlock); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inst, err := e.BlockProcess(ctx, input.PropertyID, input.ProcessID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProcessInstance `json:"body"`
		}{Body: inst}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-process",
		Method:      http.MethodPost,
		Path:        "/properties/{property_id}/processes/{process_id}/resume",
		Summary:     "Resume a blocked process",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		PropertyID string `path:"property_id"`
		ProcessID  string `path:"process_id"`
	}) (*struct {
		Body domain.ProcessInstance `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, config.PermProcessBlock); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inst, err := e.ResumeProcess(ctx, input.PropertyID, input.ProcessID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProcessInstance `json:"body"`
		}{Body: inst}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-transition",
		Method:        http.MethodPost,
		Path:          "/properties/{property_id}/transitions",
		Summary:       "Request a manual dimension change",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		PropertyID string `path:"property_id"`
		Body       TransitionRequest
	}) (*struct {
		Body domain.StateChange `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, config.PermTransitionRequest); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sc, err := e.RequestTransition(ctx, input.PropertyID, engine.TransitionOptions{
			Dimension: domain.Dimension(input.Body.Dimension),
			To:        input.Body.To,
			Reason:    input.Body.Reason,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StateChange `json:"body"`
		}{Body: sc}, nil
	})
}

func registerHistory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-history",
		Method:      http.MethodGet,
		Path:        "/properties/{property_id}/history",
		Summary:     "Query the audit trail",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PropertyID string `path:"property_id"`
		Dimension  string `query:"dimension"`
		ProcessID  string `query:"process_id"`
		From       string `query:"from" doc:"RFC3339, inclusive"`
		To         string `query:"to" doc:"RFC3339, exclusive"`
	}) (*struct {
		Body struct {
			Items []domain.StateChange `json:"items"`
		} `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, config.PermPropertyRead); err != nil {
			return nil, handleError(err)
		}
		from, err := parseTimeParam("from", input.From)
		if err != nil {
			return nil, err
		}
		to, err := parseTimeParam("to", input.To)
		if err != nil {
			return nil, err
		}
		items, err := e.History(ctx, input.PropertyID, engine.HistoryFilter{
			Dimension: domain.Dimension(input.Dimension),
			ProcessID: input.ProcessID,
			From:      from,
			To:        to,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []domain.StateChange `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = nonNilSlice(items)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-branches",
		Method:      http.MethodGet,
		Path:        "/properties/{property_id}/branches",
		Summary:     "Analyze lifecycle reversals",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PropertyID string `path:"property_id"`
	}) (*struct {
		Body engine.BranchReport `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, config.PermPropertyRead); err != nil {
			return nil, handleError(err)
		}
		report, err := e.Branches(ctx, input.PropertyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.BranchReport `json:"body"`
		}{Body: report}, nil
	})
}

func parseTimeParam(name, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, newAPIError(http.StatusBadRequest, "bad_request", "invalid "+name, map[string]any{name: raw})
	}
	return t, nil
}

// EventsQuery filters an event listing.
type EventsQuery struct {
	Type       string `query:"type"`
	EntityKind string `query:"entity_kind" enum:"property,process,state_change,actor"`
	EntityID   string `query:"entity_id"`
	Limit      int    `query:"limit" default:"50"`
	Cursor     string `query:"cursor"`
}

func registerEvents(api huma.API, e engine.Engine) {
	list := func(ctx context.Context, propertyID string, input EventsQuery) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, config.PermEventsRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.LatestEvents(ctx, repo.EventFilter{
			PropertyID: propertyID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Cursor:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events across all properties",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *EventsQuery) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		return list(ctx, "", *input)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-property-events",
		Method:      http.MethodGet,
		Path:        "/properties/{property_id}/events",
		Summary:     "List recent events for a property",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		PropertyID string `path:"property_id"`
		EventsQuery
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		return list(ctx, input.PropertyID, input.EventsQuery)
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current actor permissions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		who, err := e.WhoAmI(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		perms := who.Permissions
		for _, p := range principal.Permissions {
			if !hasPermission(perms, p) {
				perms = append(perms, p)
			}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     who.ActorID,
			Roles:       nonNilSlice(who.Roles),
			Permissions: nonNilSlice(perms),
			Source:      principal.Source,
		}}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "grant-role",
		Method:      http.MethodPost,
		Path:        "/rbac/roles/grant",
		Summary:     "Grant a role to an actor",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body RoleChangeRequest
	}) (*struct {
		Body domain.RoleBinding `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, config.PermRBACManage); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.GrantRole(ctx, input.Body.ActorID, input.Body.RoleID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RoleBinding `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-role",
		Method:        http.MethodPost,
		Path:          "/rbac/roles/revoke",
		Summary:       "Revoke a role from an actor",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body RoleChangeRequest
	}) (*struct{}, error) {
		if err := requirePermission(ctx, e, config.PermRBACManage); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeRole(ctx, input.Body.ActorID, input.Body.RoleID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/rbac/api-keys",
		Summary:       "Create an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, config.PermRBACManage); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, plaintext, err := e.CreateAPIKey(ctx, input.Body.ActorID, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{APIKey: key, Key: plaintext}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/rbac/api-keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body struct {
			Items []APIKeyResponse `json:"items"`
		} `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, config.PermRBACManage); err != nil {
			return nil, handleError(err)
		}
		keys, err := e.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []APIKeyResponse `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = []APIKeyResponse{}
		for _, k := range keys {
			out.Body.Items = append(out.Body.Items, APIKeyResponse{APIKey: k})
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/rbac/api-keys/{key_id}",
		Summary:       "Delete an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, e, config.PermRBACManage); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteAPIKey(ctx, input.KeyID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDevAuth(api huma.API, cfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Mint a short-lived token for local testing",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signToken(cfg.JWTSecret, input.Body.ActorID, input.Body.Roles, input.Body.Permissions, time.Hour)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
