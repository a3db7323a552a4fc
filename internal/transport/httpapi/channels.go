package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"notifyrouter/internal/model"
	"notifyrouter/internal/service"
	"notifyrouter/internal/storage"
)

// ownerField is the JSON and query name of a channel's owner.
func ownerField(kind model.ChannelKind) string {
	if kind == model.ProjectChannel {
		return "project_id"
	}
	return "user_id"
}

type channelView struct {
	model.Channel
	UserID    string `json:"user_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
}

func viewChannel(ch model.Channel) channelView {
	v := channelView{Channel: ch}
	if ch.Kind == model.ProjectChannel {
		v.ProjectID = ch.OwnerID
	} else {
		v.UserID = ch.OwnerID
	}
	return v
}

type createChannelBody struct {
	UserID            string            `json:"user_id"`
	ProjectID         string            `json:"project_id"`
	ProtocolID        string            `json:"protocol_id" validate:"required"`
	Name              string            `json:"name" validate:"required"`
	Data              map[string]any    `json:"data" validate:"required"`
	IsSubscribe       bool              `json:"is_subscribe"`
	Subscriptions     []string          `json:"subscriptions"`
	IsScheduled       bool              `json:"is_scheduled"`
	Schedule          *model.Schedule   `json:"schedule"`
	NotificationLevel model.Level       `json:"notification_level" validate:"omitempty,oneof=ALL LV1 LV2 LV3 LV4 LV5"`
	Tags              map[string]string `json:"tags"`
}

func (b createChannelBody) owner(kind model.ChannelKind) (string, error) {
	own, other := b.UserID, b.ProjectID
	if kind == model.ProjectChannel {
		own, other = b.ProjectID, b.UserID
	}
	if other != "" {
		return "", model.Invalid("body", "%s channels do not take %s", kind, otherField(kind))
	}
	if own == "" {
		return "", model.Invalid(ownerField(kind), "required")
	}
	return own, nil
}

func otherField(kind model.ChannelKind) string {
	if kind == model.ProjectChannel {
		return "user_id"
	}
	return "project_id"
}

type updateChannelBody struct {
	Name              *string           `json:"name"`
	Data              map[string]any    `json:"data"`
	NotificationLevel model.Level       `json:"notification_level" validate:"omitempty,oneof=ALL LV1 LV2 LV3 LV4 LV5"`
	Tags              map[string]string `json:"tags"`
}

type scheduleBody struct {
	IsScheduled bool            `json:"is_scheduled"`
	Schedule    *model.Schedule `json:"schedule"`
}

type subscriptionBody struct {
	IsSubscribe   bool     `json:"is_subscribe"`
	Subscriptions []string `json:"subscriptions"`
}

func (a *API) channelRoutes(kind model.ChannelKind) func(chi.Router) {
	h := channelHandlers{api: a, kind: kind}
	return func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Patch("/{id}", h.update)
		r.Delete("/{id}", h.delete)
		r.Put("/{id}/schedule", h.setSchedule)
		r.Put("/{id}/subscription", h.setSubscription)
		r.Post("/{id}/enable", h.enable)
		r.Post("/{id}/disable", h.disable)
	}
}

type channelHandlers struct {
	api  *API
	kind model.ChannelKind
}

func (h channelHandlers) reply(w http.ResponseWriter, r *http.Request, status int, ch model.Channel, err error) {
	if err != nil {
		h.api.fail(w, r, err)
		return
	}
	writeJSON(w, r, status, viewChannel(ch))
}

func (h channelHandlers) create(w http.ResponseWriter, r *http.Request) {
	var body createChannelBody
	if err := h.api.decode(w, r, &body); err != nil {
		h.api.fail(w, r, err)
		return
	}
	owner, err := body.owner(h.kind)
	if err != nil {
		h.api.fail(w, r, err)
		return
	}
	if h.kind == model.UserChannel && body.NotificationLevel != "" {
		h.api.fail(w, r, model.Invalid("notification_level", "only project channels have a severity floor"))
		return
	}
	ch, err := h.api.svc.Channels.Create(r.Context(), service.CreateChannelRequest{
		Kind:              h.kind,
		OwnerID:           owner,
		ProtocolID:        body.ProtocolID,
		Name:              body.Name,
		Data:              body.Data,
		IsSubscribe:       body.IsSubscribe,
		Subscriptions:     body.Subscriptions,
		IsScheduled:       body.IsScheduled,
		Schedule:          body.Schedule,
		NotificationLevel: body.NotificationLevel,
		Tags:              body.Tags,
		DomainID:          domainFrom(r),
	})
	h.reply(w, r, http.StatusCreated, ch, err)
}

func (h channelHandlers) update(w http.ResponseWriter, r *http.Request) {
	var body updateChannelBody
	if err := h.api.decode(w, r, &body); err != nil {
		h.api.fail(w, r, err)
		return
	}
	ch, err := h.api.svc.Channels.Update(r.Context(), service.UpdateChannelRequest{
		Kind:              h.kind,
		ChannelID:         chi.URLParam(r, "id"),
		DomainID:          domainFrom(r),
		Name:              body.Name,
		Data:              body.Data,
		NotificationLevel: body.NotificationLevel,
		Tags:              body.Tags,
	})
	h.reply(w, r, http.StatusOK, ch, err)
}

func (h channelHandlers) setSchedule(w http.ResponseWriter, r *http.Request) {
	var body scheduleBody
	if err := h.api.decode(w, r, &body); err != nil {
		h.api.fail(w, r, err)
		return
	}
	ch, err := h.api.svc.Channels.SetSchedule(r.Context(), service.SetScheduleRequest{
		Kind:        h.kind,
		ChannelID:   chi.URLParam(r, "id"),
		DomainID:    domainFrom(r),
		IsScheduled: body.IsScheduled,
		Schedule:    body.Schedule,
	})
	h.reply(w, r, http.StatusOK, ch, err)
}

func (h channelHandlers) setSubscription(w http.ResponseWriter, r *http.Request) {
	var body subscriptionBody
	if err := h.api.decode(w, r, &body); err != nil {
		h.api.fail(w, r, err)
		return
	}
	ch, err := h.api.svc.Channels.SetSubscription(r.Context(), service.SetSubscriptionRequest{
		Kind:          h.kind,
		ChannelID:     chi.URLParam(r, "id"),
		DomainID:      domainFrom(r),
		IsSubscribe:   body.IsSubscribe,
		Subscriptions: body.Subscriptions,
	})
	h.reply(w, r, http.StatusOK, ch, err)
}

func (h channelHandlers) enable(w http.ResponseWriter, r *http.Request) {
	ch, err := h.api.svc.Channels.Enable(r.Context(), h.kind, chi.URLParam(r, "id"), domainFrom(r))
	h.reply(w, r, http.StatusOK, ch, err)
}

func (h channelHandlers) disable(w http.ResponseWriter, r *http.Request) {
	ch, err := h.api.svc.Channels.Disable(r.Context(), h.kind, chi.URLParam(r, "id"), domainFrom(r))
	h.reply(w, r, http.StatusOK, ch, err)
}

func (h channelHandlers) get(w http.ResponseWriter, r *http.Request) {
	ch, err := h.api.svc.Channels.Get(r.Context(), h.kind, chi.URLParam(r, "id"), domainFrom(r))
	h.reply(w, r, http.StatusOK, ch, err)
}

func (h channelHandlers) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.api.svc.Channels.Delete(r.Context(), h.kind, chi.URLParam(r, "id"), domainFrom(r)); err != nil {
		h.api.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h channelHandlers) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.ChannelFilter{
		Kind:       h.kind,
		DomainID:   domainFrom(r),
		OwnerID:    q.Get(ownerField(h.kind)),
		ProtocolID: q.Get("protocol_id"),
		Name:       q.Get("name"),
		State:      model.State(q.Get("state")),
	}
	if f.State != "" && !f.State.Valid() {
		h.api.fail(w, r, model.Invalid("state", "unknown state %q", f.State))
		return
	}
	var err error
	if f.Page, err = page(r); err != nil {
		h.api.fail(w, r, err)
		return
	}
	items, err := h.api.svc.Channels.List(r.Context(), f)
	if err != nil {
		h.api.fail(w, r, err)
		return
	}
	views := make([]channelView, 0, len(items))
	for _, ch := range items {
		views = append(views, viewChannel(ch))
	}
	writeJSON(w, r, http.StatusOK, list(views, len(views)))
}
