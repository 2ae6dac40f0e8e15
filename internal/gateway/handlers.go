package gateway

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/nulpointcorp/session-gateway/internal/auth"
	"github.com/nulpointcorp/session-gateway/internal/models"
	"github.com/nulpointcorp/session-gateway/internal/session"
	"github.com/nulpointcorp/session-gateway/internal/vault"
	"github.com/nulpointcorp/session-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

const modelOwner = "proxy-router"

type (
	modelObject struct {
		ID         string   `json:"id"`
		Object     string   `json:"object"`
		Created    int64    `json:"created"`
		OwnedBy    string   `json:"owned_by"`
		BackendID  string   `json:"backend_id"`
		Name       string   `json:"name,omitempty"`
		NativeName string   `json:"native_name,omitempty"`
		Fee        string   `json:"fee,omitempty"`
		Type       string   `json:"type,omitempty"`
		Tags       []string `json:"tags,omitempty"`
	}

	modelList struct {
		Object string        `json:"object"`
		Data   []modelObject `json:"data"`
	}

	credentialRequest struct {
		Secret string `json:"secret"`
	}

	credentialStatus struct {
		Object     string `json:"object"`
		Registered bool   `json:"registered"`
	}

	sessionList struct {
		Object string        `json:"object"`
		Data   []sessionView `json:"data"`
	}

	// sessionView adds the public model name to a pooled session.
	sessionView struct {
		session.Session
		Model string `json:"model"`
	}

	sessionClosed struct {
		ID     string `json:"id"`
		Object string `json:"object"`
		Closed bool   `json:"closed"`
	}
)

// handleModels serves GET /v1/models: the owner's catalog under public
// names, or the static defaults when the owner has no catalog yet. A public
// name listed twice keeps its first entry, matching how names resolve.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	ownerKey := ownerKeyOf(ctx)

	mappings := g.models.Catalog(ctx, ownerKey)
	if len(mappings) == 0 {
		mappings = g.models.Defaults()
	}

	now := time.Now().Unix()
	seen := make(map[string]struct{}, len(mappings))
	out := modelList{Object: "list", Data: make([]modelObject, 0, len(mappings))}
	for _, m := range mappings {
		key := strings.ToLower(m.PublicName)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out.Data = append(out.Data, toModelObject(m, now))
	}

	writeJSON(ctx, out)
}

func toModelObject(m models.Mapping, created int64) modelObject {
	return modelObject{
		ID:         m.PublicName,
		Object:     "model",
		Created:    created,
		OwnedBy:    modelOwner,
		BackendID:  m.BackendID,
		Name:       m.Name,
		NativeName: m.NativeName,
		Fee:        m.Fee,
		Type:       m.Type,
		Tags:       m.Tags,
	}
}

// handlePutCredential serves PUT /v1/credentials.
func (g *Gateway) handlePutCredential(ctx *fasthttp.RequestCtx) {
	ownerKey := ownerKeyOf(ctx)

	var req credentialRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteError(ctx, apierr.Validation("", "invalid JSON: "+err.Error()), g.debugErrors)
		return
	}

	err := g.vault.Store(ctx, ownerKey, strings.TrimSpace(req.Secret))
	switch {
	case errors.Is(err, vault.ErrEmptySecret):
		apierr.WriteError(ctx, apierr.Validation("secret", "field 'secret' is required"), g.debugErrors)
		return
	case err != nil:
		g.log.ErrorContext(ctx, "credential_store_failed",
			slog.String("request_id", requestIDOf(ctx)),
			slog.String("owner", auth.Fingerprint(ownerKey)),
			slog.String("error", err.Error()),
		)
		apierr.WriteError(ctx, apierr.Internal(err), g.debugErrors)
		return
	}

	g.log.InfoContext(ctx, "credential_registered",
		slog.String("request_id", requestIDOf(ctx)),
		slog.String("owner", auth.Fingerprint(ownerKey)),
	)
	writeJSON(ctx, credentialStatus{Object: "credential", Registered: true})
}

// handleGetCredential serves GET /v1/credentials. It reports presence only.
func (g *Gateway) handleGetCredential(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, credentialStatus{
		Object:     "credential",
		Registered: g.vault.Has(ctx, ownerKeyOf(ctx)),
	})
}

// handleDeleteCredential serves DELETE /v1/credentials.
func (g *Gateway) handleDeleteCredential(ctx *fasthttp.RequestCtx) {
	ownerKey := ownerKeyOf(ctx)
	if err := g.vault.Delete(ctx, ownerKey); err != nil {
		g.log.ErrorContext(ctx, "credential_delete_failed",
			slog.String("request_id", requestIDOf(ctx)),
			slog.String("owner", auth.Fingerprint(ownerKey)),
			slog.String("error", err.Error()),
		)
		apierr.WriteError(ctx, apierr.Internal(err), g.debugErrors)
		return
	}
	writeJSON(ctx, credentialStatus{Object: "credential", Registered: false})
}

// handleListSessions serves GET /v1/sessions.
func (g *Gateway) handleListSessions(ctx *fasthttp.RequestCtx) {
	ownerKey := ownerKeyOf(ctx)
	pooled := g.sessions.List(ownerKey)

	names := make(map[string]string, len(pooled))
	data := make([]sessionView, 0, len(pooled))
	for _, s := range pooled {
		name, ok := names[s.ModelID]
		if !ok {
			name = g.models.ResolvePublicName(ctx, s.ModelID, ownerKey)
			names[s.ModelID] = name
		}
		data = append(data, sessionView{Session: s, Model: name})
	}
	writeJSON(ctx, sessionList{Object: "list", Data: data})
}

// handleCloseSession serves DELETE /v1/sessions/{id}. The backend close
// needs the owner's credential; without one the session is only dropped
// locally.
func (g *Gateway) handleCloseSession(ctx *fasthttp.RequestCtx) {
	ownerKey := ownerKeyOf(ctx)
	id, _ := ctx.UserValue("id").(string)
	if id == "" {
		apierr.WriteError(ctx, apierr.Validation("id", "session id is required"), g.debugErrors)
		return
	}

	credential, _ := g.vault.Get(ctx, ownerKey)
	err := g.sessions.Close(ctx, session.Owner{Key: ownerKey, Credential: credential}, id)
	if errors.Is(err, session.ErrNotFound) {
		apierr.WriteError(ctx, apierr.NotFound("id", "no such session"), g.debugErrors)
		return
	}
	if err != nil {
		apierr.WriteError(ctx, apierr.Internal(err), g.debugErrors)
		return
	}
	writeJSON(ctx, sessionClosed{ID: id, Object: "session", Closed: true})
}
