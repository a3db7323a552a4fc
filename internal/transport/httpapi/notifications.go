package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"notifyrouter/internal/dispatch"
	"notifyrouter/internal/model"
	"notifyrouter/internal/storage"
)

type createNotificationBody struct {
	ResourceType model.ResourceType     `json:"resource_type" validate:"required,oneof=identity.User identity.Project identity.Domain"`
	ResourceID   string                 `json:"resource_id" validate:"required"`
	Topic        string                 `json:"topic" validate:"required"`
	Message      map[string]any         `json:"message" validate:"required"`
	Type         model.NotificationType `json:"notification_type" validate:"omitempty,oneof=INFO ERROR SUCCESS WARNING"`
	Level        model.Level            `json:"notification_level" validate:"omitempty,oneof=ALL LV1 LV2 LV3 LV4 LV5"`
}

func (a *API) createNotification(w http.ResponseWriter, r *http.Request) {
	var body createNotificationBody
	if err := a.decode(w, r, &body); err != nil {
		a.fail(w, r, err)
		return
	}
	res, err := a.svc.Notifications.Create(r.Context(), dispatch.Request{
		ResourceType: body.ResourceType,
		ResourceID:   body.ResourceID,
		Topic:        body.Topic,
		Message:      body.Message,
		Type:         body.Type,
		Level:        body.Level,
		DomainID:     domainFrom(r),
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, res)
}

type pushBody struct {
	ProtocolID string                 `json:"protocol_id" validate:"required"`
	Data       map[string]any         `json:"data" validate:"required"`
	Message    map[string]any         `json:"message" validate:"required"`
	Type       model.NotificationType `json:"notification_type" validate:"omitempty,oneof=INFO ERROR SUCCESS WARNING"`
}

func (a *API) pushNotification(w http.ResponseWriter, r *http.Request) {
	var body pushBody
	if err := a.decode(w, r, &body); err != nil {
		a.fail(w, r, err)
		return
	}
	id, err := a.svc.Notifications.Push(r.Context(), dispatch.PushRequest{
		ProtocolID: body.ProtocolID,
		Data:       body.Data,
		Message:    body.Message,
		Type:       body.Type,
		DomainID:   domainFrom(r),
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]string{"job_id": id})
}

func notificationFilter(r *http.Request) (storage.NotificationFilter, error) {
	q := r.URL.Query()
	f := storage.NotificationFilter{
		DomainID: domainFrom(r),
		UserID:   q.Get("user_id"),
		Topic:    q.Get("topic"),
		Type:     model.NotificationType(q.Get("notification_type")),
	}
	if f.Type != "" && !f.Type.Valid() {
		return f, model.Invalid("notification_type", "unknown type %q", f.Type)
	}
	var err error
	if f.IsRead, err = queryBool(r, "is_read"); err != nil {
		return f, err
	}
	f.Page, err = page(r)
	return f, err
}

func (a *API) listNotifications(w http.ResponseWriter, r *http.Request) {
	f, err := notificationFilter(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	items, total, err := a.svc.Notifications.List(r.Context(), f)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, list(items, total))
}

func (a *API) statNotifications(w http.ResponseWriter, r *http.Request) {
	f, err := notificationFilter(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	stats, err := a.svc.Notifications.Stat(r.Context(), f)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, list(stats, len(stats)))
}

func (a *API) getNotification(w http.ResponseWriter, r *http.Request) {
	n, err := a.svc.Notifications.Get(r.Context(), chi.URLParam(r, "id"), domainFrom(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, n)
}

func (a *API) deleteNotification(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Notifications.Delete(r.Context(), chi.URLParam(r, "id"), domainFrom(r)); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) deleteUserNotifications(w http.ResponseWriter, r *http.Request) {
	n, err := a.svc.Notifications.DeleteAll(r.Context(), chi.URLParam(r, "userID"), domainFrom(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]int64{"deleted": n})
}

type setReadBody struct {
	IDs []string `json:"notifications" validate:"required,min=1,dive,required"`
}

func (a *API) setNotificationsRead(w http.ResponseWriter, r *http.Request) {
	var body setReadBody
	if err := a.decode(w, r, &body); err != nil {
		a.fail(w, r, err)
		return
	}
	n, err := a.svc.Notifications.SetRead(r.Context(), body.IDs, domainFrom(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]int64{"updated": n})
}

func (a *API) listUsage(w http.ResponseWriter, r *http.Request) {
	f, err := usageFilter(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	items, err := a.svc.Usage.List(r.Context(), f)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, list(items, len(items)))
}

func (a *API) statUsage(w http.ResponseWriter, r *http.Request) {
	f, err := usageFilter(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	stats, err := a.svc.Usage.Stat(r.Context(), f)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, list(stats, len(stats)))
}

func usageFilter(r *http.Request) (storage.UsageFilter, error) {
	q := r.URL.Query()
	f := storage.UsageFilter{
		DomainID:   domainFrom(r),
		ProtocolID: q.Get("protocol_id"),
		Month:      q.Get("usage_month"),
		Day:        q.Get("usage_date"),
	}
	var err error
	f.Page, err = page(r)
	return f, err
}
