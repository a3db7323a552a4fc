package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"notifyrouter/internal/model"
	"notifyrouter/internal/storage"
	logx "notifyrouter/pkg/logx"
)

const maxBody = 1 << 20

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type listBody[T any] struct {
	Results    []T `json:"results"`
	TotalCount int `json:"total_count"`
}

func list[T any](items []T, total int) listBody[T] {
	if items == nil {
		items = []T{}
	}
	return listBody[T]{Results: items, TotalCount: total}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	render.Status(r, status)
	render.JSON(w, r, v)
}

// decode reads a strict JSON body into dst and runs struct validation.
func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return model.Invalid("body", "empty request body")
		}
		return model.Invalid("body", "%v", err)
	}
	if dec.More() {
		return model.Invalid("body", "unexpected data after JSON object")
	}
	return a.validate.Struct(dst)
}

// fail maps err onto a status code and writes the error envelope.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		a.log.Error("request failed",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Err(err),
		)
	}
	writeJSON(w, r, status, errorBody{Error: errorDetail{Code: code, Message: message(err)}})
}

func classify(err error) (int, string) {
	var ve validator.ValidationErrors
	switch {
	case errors.As(err, &ve), errors.Is(err, model.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, model.ErrPluginVersion):
		return http.StatusBadRequest, "invalid_plugin_version"
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, model.ErrProtocolInUse):
		return http.StatusConflict, "protocol_in_use"
	case errors.Is(err, model.ErrNotAllowed):
		return http.StatusConflict, "not_allowed"
	case errors.Is(err, model.ErrProtocolDisabled):
		return http.StatusConflict, "protocol_disabled"
	case errors.Is(err, model.ErrChannelDisabled):
		return http.StatusConflict, "channel_disabled"
	case errors.Is(err, model.ErrQuotaExceeded):
		return http.StatusTooManyRequests, "quota_exceeded"
	case errors.Is(err, model.ErrPluginDispatch):
		return http.StatusBadGateway, "plugin_error"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	return http.StatusInternalServerError, "internal"
}

func message(err error) string {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		parts := make([]string, 0, len(ve))
		for _, fe := range ve {
			parts = append(parts, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
		}
		return strings.Join(parts, "; ")
	}
	if status, _ := classify(err); status == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}

// page reads limit and offset query parameters.
func page(r *http.Request) (storage.Page, error) {
	var p storage.Page
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, model.Invalid("limit", "must be a non-negative integer")
		}
		p.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, model.Invalid("offset", "must be a non-negative integer")
		}
		p.Offset = n
	}
	return p, nil
}

func queryBool(r *http.Request, key string) (*bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, model.Invalid(key, "must be a boolean")
	}
	return &b, nil
}
