package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/trace"

	"github.com/chronodesk/chronosync/internal/apiclient"
	"github.com/chronodesk/chronosync/internal/model"
	"github.com/chronodesk/chronosync/internal/otel"
)

// Realtime actions
const (
	ActionInsert = "INSERT"
	ActionUpdate = "UPDATE"
	ActionDelete = "DELETE"
)

// encodeUpdate turns a dirty entity into one batch item.
func encodeUpdate(e model.Entity) (apiclient.BatchUpdate, error) {
	meta := e.Meta()
	update := apiclient.BatchUpdate{
		GUID: meta.GUID,
		Path: entityPath(e),
	}

	switch {
	case meta.IsDeleted():
		update.Method = http.MethodDelete
		return update, nil
	case meta.ID == 0 && e.Kind() != model.TypeUser:
		update.Method = http.MethodPost
	default:
		update.Method = http.MethodPut
	}

	body, err := json.Marshal(e)
	if err != nil {
		return update, fmt.Errorf("failed to encode %s %s: %w", e.Kind(), meta.GUID, err)
	}
	update.Body = body
	return update, nil
}

func entityPath(e model.Entity) string {
	resource := e.Kind().Resource()
	id := e.Meta().ID
	if e.Kind() == model.TypeUser || id == 0 {
		return resource
	}
	return resource + "/" + strconv.FormatUint(id, 10)
}

// acknowledge records the backend's answer on a pushed entity.
func acknowledge(e model.Entity, result apiclient.BatchResult) error {
	meta := e.Meta()
	if len(result.Body) > 0 {
		var ack model.Base
		if err := json.Unmarshal(result.Body, &ack); err != nil {
			return fmt.Errorf("failed to decode %s %s acknowledgement: %w", e.Kind(), meta.GUID, err)
		}
		if ack.ID != 0 {
			meta.ID = ack.ID
		}
		if !ack.At.IsZero() {
			meta.At = ack.At
		}
	}
	meta.SyncedAt = meta.DirtyAt
	return nil
}

// applyUpdate merges one realtime message of the form
// {"action": "UPDATE", "model": "time_entry", "data": {...}}.
func (m *defaultManager) applyUpdate(ctx context.Context, payload []byte) ([]model.ModelChange, error) {
	if !gjson.ValidBytes(payload) {
		return nil, errors.New("realtime update is not valid JSON")
	}
	msg := gjson.ParseBytes(payload)
	action := strings.ToUpper(msg.Get("action").String())
	kind := model.ModelType(msg.Get("model").String())
	data := msg.Get("data")
	trace.SpanFromContext(ctx).SetAttributes(
		otel.AttrModelType.String(string(kind)),
		otel.AttrRealtimeAction.String(action))

	if !kind.Valid() {
		slog.Debug("Ignoring realtime update for unknown model", "model", kind, "action", action)
		return nil, nil
	}
	if !data.IsObject() {
		return nil, fmt.Errorf("realtime %s %s has no data", action, kind)
	}

	remote, err := model.New(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data.Raw), remote); err != nil {
		return nil, fmt.Errorf("failed to decode realtime %s: %w", kind, err)
	}
	meta := remote.Meta()
	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("realtime %s %s: %w", action, kind, err)
	}

	switch action {
	case ActionInsert, ActionUpdate:
	case ActionDelete:
		if meta.ServerDeletedAt == nil {
			now := m.clock.Now().UTC()
			meta.ServerDeletedAt = &now
		}
	default:
		slog.Debug("Ignoring realtime update with unknown action", "model", kind, "action", action)
		return nil, nil
	}

	return m.merge(ctx, remote)
}
