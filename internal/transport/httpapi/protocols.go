package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"notifyrouter/internal/model"
	"notifyrouter/internal/service"
	"notifyrouter/internal/storage"
)

type pluginInfoBody struct {
	PluginID    string            `json:"plugin_id" validate:"required"`
	Version     string            `json:"version"`
	UpgradeMode model.UpgradeMode `json:"upgrade_mode" validate:"omitempty,oneof=AUTO MANUAL"`
	Options     map[string]any    `json:"options"`
	SecretData  map[string]any    `json:"secret_data"`
	Schema      string            `json:"schema"`
}

type createProtocolBody struct {
	Name       string            `json:"name" validate:"required"`
	PluginInfo pluginInfoBody    `json:"plugin_info"`
	Tags       map[string]string `json:"tags"`
}

type updateProtocolBody struct {
	Name *string           `json:"name"`
	Tags map[string]string `json:"tags"`
}

type updatePluginBody struct {
	Version string         `json:"version"`
	Options map[string]any `json:"options"`
}

func (a *API) createProtocol(w http.ResponseWriter, r *http.Request) {
	var body createProtocolBody
	if err := a.decode(w, r, &body); err != nil {
		a.fail(w, r, err)
		return
	}
	pi := body.PluginInfo
	p, err := a.svc.Protocols.Create(r.Context(), service.CreateProtocolRequest{
		Name: body.Name,
		PluginInfo: service.PluginInfoRequest{
			PluginID:    pi.PluginID,
			Version:     pi.Version,
			UpgradeMode: pi.UpgradeMode,
			Options:     pi.Options,
			SecretData:  pi.SecretData,
			Schema:      pi.Schema,
		},
		Tags:     body.Tags,
		DomainID: domainFrom(r),
	})
	a.protocolReply(w, r, http.StatusCreated, p, err)
}

func (a *API) updateProtocol(w http.ResponseWriter, r *http.Request) {
	var body updateProtocolBody
	if err := a.decode(w, r, &body); err != nil {
		a.fail(w, r, err)
		return
	}
	p, err := a.svc.Protocols.Update(r.Context(), service.UpdateProtocolRequest{
		ProtocolID: chi.URLParam(r, "id"),
		DomainID:   domainFrom(r),
		Name:       body.Name,
		Tags:       body.Tags,
	})
	a.protocolReply(w, r, http.StatusOK, p, err)
}

func (a *API) updateProtocolPlugin(w http.ResponseWriter, r *http.Request) {
	var body updatePluginBody
	if err := a.decode(w, r, &body); err != nil {
		a.fail(w, r, err)
		return
	}
	p, err := a.svc.Protocols.UpdatePlugin(r.Context(), service.UpdatePluginRequest{
		ProtocolID: chi.URLParam(r, "id"),
		DomainID:   domainFrom(r),
		Version:    body.Version,
		Options:    body.Options,
	})
	a.protocolReply(w, r, http.StatusOK, p, err)
}

func (a *API) enableProtocol(w http.ResponseWriter, r *http.Request) {
	p, err := a.svc.Protocols.Enable(r.Context(), chi.URLParam(r, "id"), domainFrom(r))
	a.protocolReply(w, r, http.StatusOK, p, err)
}

func (a *API) disableProtocol(w http.ResponseWriter, r *http.Request) {
	p, err := a.svc.Protocols.Disable(r.Context(), chi.URLParam(r, "id"), domainFrom(r))
	a.protocolReply(w, r, http.StatusOK, p, err)
}

func (a *API) getProtocol(w http.ResponseWriter, r *http.Request) {
	p, err := a.svc.Protocols.Get(r.Context(), chi.URLParam(r, "id"), domainFrom(r))
	a.protocolReply(w, r, http.StatusOK, p, err)
}

func (a *API) deleteProtocol(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Protocols.Delete(r.Context(), chi.URLParam(r, "id"), domainFrom(r)); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listProtocols(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.ProtocolFilter{
		DomainID: domainFrom(r),
		Name:     q.Get("name"),
		State:    model.State(q.Get("state")),
		Type:     model.ProtocolType(q.Get("protocol_type")),
	}
	if f.State != "" && !f.State.Valid() {
		a.fail(w, r, model.Invalid("state", "unknown state %q", f.State))
		return
	}
	var err error
	if f.Page, err = page(r); err != nil {
		a.fail(w, r, err)
		return
	}
	items, err := a.svc.Protocols.List(r.Context(), f)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, list(items, len(items)))
}

func (a *API) protocolReply(w http.ResponseWriter, r *http.Request, status int, p model.Protocol, err error) {
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, r, status, p)
}

type limitBody struct {
	Day   *int64 `json:"day" validate:"omitempty,min=-1"`
	Month *int64 `json:"month" validate:"omitempty,min=-1"`
}

// limit fills unset dimensions with Unlimited.
func (b limitBody) limit() model.QuotaLimit {
	l := model.QuotaLimit{Day: model.Unlimited, Month: model.Unlimited}
	if b.Day != nil {
		l.Day = *b.Day
	}
	if b.Month != nil {
		l.Month = *b.Month
	}
	return l
}

type createQuotaBody struct {
	ProtocolID string    `json:"protocol_id" validate:"required"`
	Limit      limitBody `json:"limit"`
}

type updateQuotaBody struct {
	Limit limitBody `json:"limit"`
}

func (a *API) createQuota(w http.ResponseWriter, r *http.Request) {
	var body createQuotaBody
	if err := a.decode(w, r, &body); err != nil {
		a.fail(w, r, err)
		return
	}
	q, err := a.svc.Quotas.Create(r.Context(), service.CreateQuotaRequest{
		ProtocolID: body.ProtocolID,
		Limit:      body.Limit.limit(),
		DomainID:   domainFrom(r),
	})
	a.quotaReply(w, r, http.StatusCreated, q, err)
}

func (a *API) updateQuota(w http.ResponseWriter, r *http.Request) {
	var body updateQuotaBody
	if err := a.decode(w, r, &body); err != nil {
		a.fail(w, r, err)
		return
	}
	q, err := a.svc.Quotas.Update(r.Context(), chi.URLParam(r, "protocolID"), domainFrom(r), body.Limit.limit())
	a.quotaReply(w, r, http.StatusOK, q, err)
}

func (a *API) getQuota(w http.ResponseWriter, r *http.Request) {
	q, err := a.svc.Quotas.Get(r.Context(), chi.URLParam(r, "protocolID"), domainFrom(r))
	a.quotaReply(w, r, http.StatusOK, q, err)
}

func (a *API) deleteQuota(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Quotas.Delete(r.Context(), chi.URLParam(r, "protocolID"), domainFrom(r)); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listQuotas(w http.ResponseWriter, r *http.Request) {
	items, err := a.svc.Quotas.List(r.Context(), domainFrom(r), r.URL.Query().Get("protocol_id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, list(items, len(items)))
}

func (a *API) quotaReply(w http.ResponseWriter, r *http.Request, status int, q model.Quota, err error) {
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, r, status, q)
}
