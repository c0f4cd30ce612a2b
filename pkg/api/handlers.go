package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/warden/pkg/appeal"
	"github.com/Mindburn-Labs/warden/pkg/audit"
	"github.com/Mindburn-Labs/warden/pkg/config"
	"github.com/Mindburn-Labs/warden/pkg/decisionlog"
	"github.com/Mindburn-Labs/warden/pkg/dispatch"
	"github.com/Mindburn-Labs/warden/pkg/escalation"
	"github.com/Mindburn-Labs/warden/pkg/globalban"
	"github.com/Mindburn-Labs/warden/pkg/ledger"
	"github.com/Mindburn-Labs/warden/pkg/moderation"
	"github.com/Mindburn-Labs/warden/pkg/platform"
	"github.com/Mindburn-Labs/warden/pkg/policy"
)

const maxBody = 1 << 20

// Actor is the authenticated caller of an admin request.
type Actor struct {
	ID    string
	Roles []string
}

// Events receives inbound platform events pushed by the bridge.
type Events interface {
	HandleMessage(ctx context.Context, msg platform.Message)
	HandleJoin(ctx context.Context, community platform.Community, member platform.Member)
}

// Handlers serves the admin and bridge endpoints.
type Handlers struct {
	Ledger      ledger.Ledger
	LedgerAdmin *ledger.Admin
	Enforcer    *globalban.Enforcer
	Communities *config.Communities
	Policy      *policy.Engine
	Dispatcher  *dispatch.Dispatcher
	Appeals     *appeal.Workflow
	Decisions   *decisionlog.Log
	Platform    platform.Client
	Events      Events
	Audit       audit.Logger

	// Actor resolves the caller from the request context.
	Actor func(context.Context) Actor
}

// Routes registers every endpoint on a new mux.
func (h *Handlers) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HandleHealth)

	mux.HandleFunc("GET /v1/communities/{community}/users/{user}/infractions", h.HandleInfractions)
	mux.HandleFunc("DELETE /v1/communities/{community}/users/{user}/infractions", h.HandleClearInfractions)
	mux.HandleFunc("PUT /v1/communities/{community}/confirmation-policy/{action}", h.HandleSetConfirmationPolicy)
	mux.HandleFunc("PUT /v1/communities/{community}/settings/{key}", h.HandleSetSetting)
	mux.HandleFunc("GET /v1/communities/{community}/decisions", h.HandleDecisions)

	mux.HandleFunc("GET /v1/globalbans", h.HandleListGlobalBans)
	mux.HandleFunc("POST /v1/globalbans", h.HandleAddGlobalBan)
	mux.HandleFunc("DELETE /v1/globalbans/{user}", h.HandleRemoveGlobalBan)

	mux.HandleFunc("GET /v1/confirmations", h.HandleListConfirmations)
	mux.HandleFunc("POST /v1/confirmations/{id}", h.HandleResolveConfirmation)

	mux.HandleFunc("GET /v1/appeals", h.HandleListAppeals)
	mux.HandleFunc("POST /v1/appeals", h.HandleSubmitAppeal)
	mux.HandleFunc("POST /v1/appeals/{id}", h.HandleResolveAppeal)

	mux.HandleFunc("POST /v1/events/messages", h.HandleMessageEvent)
	mux.HandleFunc("POST /v1/events/joins", h.HandleJoinEvent)
	mux.HandleFunc("POST /v1/interactions", h.HandleInteraction)
	return mux
}

// HandleHealth reports liveness.
func (h *Handlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) actor(ctx context.Context) Actor {
	if h.Actor == nil {
		return Actor{ID: audit.SystemActor}
	}
	return h.Actor(ctx)
}

func (h *Handlers) record(ctx context.Context, e audit.Event) {
	if h.Audit == nil {
		return
	}
	if err := h.Audit.Record(ctx, e); err != nil {
		slog.ErrorContext(ctx, "audit write failed",
			"type", e.Type, "action", e.Action, "actor", e.ActorID, "target", e.TargetUserID, "error", err)
	}
}

// detached keeps the request's values but not its cancellation. Handlers that
// commit a state transition before calling the platform use it so a caller
// hanging up cannot strand the transition without its side effects.
func detached(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}

// writeErr maps the engine's error taxonomy onto problem responses.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, moderation.ErrNotFound), errors.Is(err, escalation.ErrNotFound):
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, moderation.ErrAppealConflict), errors.Is(err, escalation.ErrAlreadyResolved):
		WriteErrorR(w, r, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, escalation.ErrForbiddenResolver), errors.Is(err, moderation.ErrGloballyBanned):
		WriteErrorR(w, r, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, escalation.ErrExpired):
		WriteErrorR(w, r, http.StatusGone, "Gone", err.Error())
	case errors.Is(err, moderation.ErrNothingAppealable):
		WriteErrorR(w, r, http.StatusUnprocessableEntity, "Unprocessable Entity", err.Error())
	default:
		WriteInternal(w, err)
	}
}

// community resolves a joined community's name for user-facing notices.
func (h *Handlers) community(ctx context.Context, id string) platform.Community {
	if h.Platform != nil {
		if list, err := h.Platform.Communities(ctx); err == nil {
			for _, c := range list {
				if c.ID == id {
					return c
				}
			}
		}
	}
	return platform.Community{ID: id, Name: id}
}

// HandleInfractions returns a member's history, oldest first.
func (h *Handlers) HandleInfractions(w http.ResponseWriter, r *http.Request) {
	history, err := h.Ledger.History(r.Context(), r.PathValue("community"), r.PathValue("user"))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if history == nil {
		history = []moderation.InfractionRecord{}
	}
	writeJSON(w, http.StatusOK, history)
}

// HandleClearInfractions wipes a member's history and notifies them.
func (h *Handlers) HandleClearInfractions(w http.ResponseWriter, r *http.Request) {
	ctx := detached(r)
	actor := h.actor(ctx)
	community := h.community(ctx, r.PathValue("community"))
	user := r.PathValue("user")

	n, err := h.LedgerAdmin.Clear(ctx, community, user, actor.ID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	h.record(ctx, audit.Event{
		CommunityID:  community.ID,
		ActorID:      actor.ID,
		TargetUserID: user,
		Type:         audit.EventAdmin,
		Action:       "CLEAR_INFRACTIONS",
		Metadata:     map[string]any{"cleared": n},
	})
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

type confirmationPolicyRequest struct {
	Mode string `json:"mode"`
}

// HandleSetConfirmationPolicy sets one action's automatic/manual mode.
func (h *Handlers) HandleSetConfirmationPolicy(w http.ResponseWriter, r *http.Request) {
	action, err := moderation.ParseActionKind(r.PathValue("action"))
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	var req confirmationPolicyRequest
	if !decode(w, r, &req) {
		return
	}
	mode, err := moderation.ParseConfirmationMode(req.Mode)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	ctx := r.Context()
	community := r.PathValue("community")
	if err := h.Communities.SetConfirmationMode(ctx, community, action, mode); err != nil {
		WriteInternal(w, err)
		return
	}
	h.record(ctx, audit.Event{
		CommunityID: community,
		ActorID:     h.actor(ctx).ID,
		Type:        audit.EventAdmin,
		Action:      "SET_CONFIRMATION_POLICY",
		Metadata:    map[string]any{"action": string(action), "mode": string(mode)},
	})
	writeJSON(w, http.StatusOK, map[string]string{"action": string(action), "mode": string(mode)})
}

// HandleSetSetting stores a raw JSON value for a known per-community key.
// Escalation rules are compiled before they are accepted.
func (h *Handlers) HandleSetSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if !config.IsKnownKey(key) {
		WriteNotFound(w, fmt.Sprintf("unknown setting %q", key))
		return
	}
	var value json.RawMessage
	if !decode(w, r, &value) {
		return
	}
	if key == config.KeyEscalationRules && h.Policy != nil {
		var rules []string
		if err := json.Unmarshal(value, &rules); err != nil {
			WriteBadRequest(w, "ESCALATION_RULES must be a list of expressions")
			return
		}
		for _, rule := range rules {
			if err := h.Policy.Validate(rule); err != nil {
				WriteBadRequest(w, err.Error())
				return
			}
		}
	}

	ctx := r.Context()
	community := r.PathValue("community")
	if err := h.Communities.Store().Set(ctx, community, key, value); err != nil {
		WriteInternal(w, err)
		return
	}
	h.record(ctx, audit.Event{
		CommunityID: community,
		ActorID:     h.actor(ctx).ID,
		Type:        audit.EventAdmin,
		Action:      "SET_CONFIG",
		Metadata:    map[string]any{"key": key},
	})
	w.WriteHeader(http.StatusNoContent)
}

// HandleDecisions pages through a community's classifier decisions, newest first.
func (h *Handlers) HandleDecisions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	records, err := h.Decisions.List(r.Context(), r.PathValue("community"), limit, offset)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if records == nil {
		records = []decisionlog.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

// HandleListGlobalBans lists the registry.
func (h *Handlers) HandleListGlobalBans(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Enforcer.Registry().List(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if entries == nil {
		entries = []globalban.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type globalBanRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

type propagationResult struct {
	CommunityID string `json:"community_id"`
	Error       string `json:"error,omitempty"`
}

func propagationJSON(results []globalban.Result) []propagationResult {
	out := make([]propagationResult, 0, len(results))
	for _, r := range results {
		pr := propagationResult{CommunityID: r.CommunityID}
		if r.Err != nil {
			pr.Error = r.Err.Error()
		}
		out = append(out, pr)
	}
	return out
}

// HandleAddGlobalBan records a ban and propagates it to every community.
func (h *Handlers) HandleAddGlobalBan(w http.ResponseWriter, r *http.Request) {
	var req globalBanRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		WriteBadRequest(w, "Missing required field: user_id")
		return
	}
	if req.Reason == "" {
		req.Reason = "Globally banned by an administrator."
	}

	ctx := detached(r)
	actor := h.actor(ctx)
	results, err := h.Enforcer.Ban(ctx, globalban.Entry{UserID: req.UserID, Reason: req.Reason, BannedBy: actor.ID}, "")
	if err != nil {
		WriteInternal(w, err)
		return
	}
	h.record(ctx, audit.Event{
		ActorID:      actor.ID,
		TargetUserID: req.UserID,
		Type:         audit.EventGlobalBan,
		Action:       "ADD",
		Reason:       req.Reason,
		Metadata:     map[string]any{"failed_communities": len(globalban.Failed(results))},
	})
	writeJSON(w, http.StatusCreated, map[string]any{"user_id": req.UserID, "propagation": propagationJSON(results)})
}

// HandleRemoveGlobalBan removes a ban and lifts it everywhere.
func (h *Handlers) HandleRemoveGlobalBan(w http.ResponseWriter, r *http.Request) {
	ctx := detached(r)
	actor := h.actor(ctx)
	user := r.PathValue("user")

	existed, results, err := h.Enforcer.Unban(ctx, user, "Global ban removed by an administrator.")
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if !existed {
		WriteNotFound(w, fmt.Sprintf("user %s is not globally banned", user))
		return
	}
	h.record(ctx, audit.Event{
		ActorID:      actor.ID,
		TargetUserID: user,
		Type:         audit.EventGlobalBan,
		Action:       "REMOVE",
	})
	writeJSON(w, http.StatusOK, map[string]any{"user_id": user, "propagation": propagationJSON(results)})
}

// HandleListConfirmations lists open confirmations, oldest first.
func (h *Handlers) HandleListConfirmations(w http.ResponseWriter, r *http.Request) {
	pending, err := h.Dispatcher.Confirmations().ListPending(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if pending == nil {
		pending = []*escalation.Pending{}
	}
	writeJSON(w, http.StatusOK, pending)
}

type decisionRequest struct {
	Decision string `json:"decision"`
}

type outcomeResponse struct {
	State     dispatch.State        `json:"state"`
	Action    moderation.ActionKind `json:"action"`
	Executed  bool                  `json:"executed"`
	PendingID string                `json:"pending_id,omitempty"`
	Error     string                `json:"error,omitempty"`
}

func outcomeJSON(out dispatch.Outcome) outcomeResponse {
	resp := outcomeResponse{State: out.State, Action: out.Action, Executed: out.Executed, PendingID: out.PendingID}
	if out.Err != nil {
		resp.Error = out.Err.Error()
	}
	return resp
}

// resolverFor maps token roles onto moderation permissions. The "admin"
// role holds every permission.
func resolverFor(a Actor) escalation.Resolver {
	res := escalation.Resolver{ID: a.ID}
	for _, role := range a.Roles {
		switch p := moderation.Permission(role); p {
		case moderation.PermissionModerateMembers, moderation.PermissionKickMembers, moderation.PermissionBanMembers:
			res.Permissions = append(res.Permissions, p)
		default:
			if role == "admin" {
				res.Administrator = true
			}
		}
	}
	return res
}

// HandleResolveConfirmation confirms or denies a pending confirmation as the
// authenticated caller.
func (h *Handlers) HandleResolveConfirmation(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decode(w, r, &req) {
		return
	}
	decision, err := escalation.ParseDecision(req.Decision)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	ctx := detached(r)
	out, err := h.Dispatcher.ResolveConfirmation(ctx, r.PathValue("id"), resolverFor(h.actor(ctx)), decision)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeJSON(out))
}

// HandleListAppeals lists appeals, optionally filtered by ?status=.
func (h *Handlers) HandleListAppeals(w http.ResponseWriter, r *http.Request) {
	appeals, err := h.Appeals.List(r.Context(), appeal.Status(r.URL.Query().Get("status")))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if appeals == nil {
		appeals = []*appeal.Appeal{}
	}
	writeJSON(w, http.StatusOK, appeals)
}

type submitAppealRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// HandleSubmitAppeal files an appeal on a user's behalf. The bridge calls it
// when a user runs the appeal command.
func (h *Handlers) HandleSubmitAppeal(w http.ResponseWriter, r *http.Request) {
	var req submitAppealRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Reason == "" {
		WriteBadRequest(w, "Missing required fields: user_id, reason")
		return
	}
	a, err := h.Appeals.Submit(detached(r), req.UserID, req.Reason)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"appeal": a, "routed": a.Routed})
}

// HandleResolveAppeal accepts or denies an appeal as the authenticated caller.
func (h *Handlers) HandleResolveAppeal(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decode(w, r, &req) {
		return
	}
	decision, err := appeal.ParseDecision(req.Decision)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	ctx := detached(r)
	res, err := h.Appeals.Resolve(ctx, r.PathValue("id"), decision, h.actor(ctx).ID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resolutionJSON(res))
}

func resolutionJSON(res *appeal.Resolution) map[string]any {
	out := map[string]any{"appeal": res.Appeal, "reverted": res.Reverted}
	if res.RevertErr != nil {
		out["revert_error"] = res.RevertErr.Error()
	}
	if len(res.Propagation) > 0 {
		out["propagation"] = propagationJSON(res.Propagation)
	}
	return out
}

// HandleMessageEvent accepts an inbound message. Processing is asynchronous.
func (h *Handlers) HandleMessageEvent(w http.ResponseWriter, r *http.Request) {
	var msg platform.Message
	if !decode(w, r, &msg) {
		return
	}
	if msg.ID == "" || msg.CommunityID == "" || msg.ChannelID == "" {
		WriteBadRequest(w, "Missing required fields: id, community_id, channel_id")
		return
	}
	h.Events.HandleMessage(detached(r), msg)
	w.WriteHeader(http.StatusAccepted)
}

type joinEvent struct {
	Community platform.Community `json:"community"`
	Member    platform.Member    `json:"member"`
}

// HandleJoinEvent accepts a member-join event.
func (h *Handlers) HandleJoinEvent(w http.ResponseWriter, r *http.Request) {
	var ev joinEvent
	if !decode(w, r, &ev) {
		return
	}
	if ev.Community.ID == "" || ev.Member.UserID == "" {
		WriteBadRequest(w, "Missing required fields: community.id, member.user_id")
		return
	}
	h.Events.HandleJoin(detached(r), ev.Community, ev.Member)
	w.WriteHeader(http.StatusAccepted)
}

// Interaction is a button press reported by the bridge. The bridge resolves
// the presser's platform permissions.
type Interaction struct {
	CustomID      string                  `json:"custom_id"`
	UserID        string                  `json:"user_id"`
	Administrator bool                    `json:"administrator"`
	Permissions   []moderation.Permission `json:"permissions"`
}

// InteractionReply is shown privately to the presser.
type InteractionReply struct {
	Content string `json:"content"`
}

// HandleInteraction routes confirmation and appeal button presses.
func (h *Handlers) HandleInteraction(w http.ResponseWriter, r *http.Request) {
	var in Interaction
	if !decode(w, r, &in) {
		return
	}
	ctx := detached(r)

	if decision, id, ok := appeal.ParseButtonID(in.CustomID); ok {
		writeJSON(w, http.StatusOK, InteractionReply{Content: h.appealInteraction(ctx, in, decision, id)})
		return
	}

	decision, id, err := dispatch.ParseButtonID(in.CustomID)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	resolver := escalation.Resolver{ID: in.UserID, Administrator: in.Administrator, Permissions: in.Permissions}
	out, err := h.Dispatcher.ResolveConfirmation(ctx, id, resolver, decision)
	var content string
	switch {
	case errors.Is(err, escalation.ErrForbiddenResolver):
		content = "You do not have permission to resolve this action."
	case errors.Is(err, escalation.ErrAlreadyResolved):
		content = "This action has already been resolved."
	case errors.Is(err, escalation.ErrExpired):
		content = "This confirmation has expired. No action was taken."
	case errors.Is(err, escalation.ErrNotFound):
		content = "This confirmation could not be found. It might be outdated."
	case err != nil:
		WriteInternal(w, err)
		return
	case decision == escalation.DecisionDeny:
		content = "Action denied. No action was taken."
	case out.Err != nil:
		content = fmt.Sprintf("Action `%s` was confirmed but could not be completed.", out.Action)
	default:
		content = fmt.Sprintf("Action `%s` confirmed and executed.", out.Action)
	}
	writeJSON(w, http.StatusOK, InteractionReply{Content: content})
}

func (h *Handlers) appealInteraction(ctx context.Context, in Interaction, decision appeal.Decision, id string) string {
	if arbiter := h.Appeals.Arbiter(); arbiter == "" || in.UserID != arbiter {
		return "You are not authorized to handle this appeal."
	}
	res, err := h.Appeals.Resolve(ctx, id, decision, in.UserID)
	switch {
	case errors.Is(err, moderation.ErrNotFound):
		return "This appeal could not be found. It might be outdated."
	case errors.Is(err, moderation.ErrAppealConflict):
		return "This appeal has already been resolved."
	case err != nil:
		return "The appeal could not be resolved: " + err.Error()
	case res.Appeal.Status == appeal.StatusDenied:
		return "Appeal denied."
	case !res.Reverted:
		return "Appeal accepted, but the original action could not be reverted automatically."
	}
	return "Appeal accepted and the original action reverted."
}
