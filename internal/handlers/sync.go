package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/mosync/backend/internal/eventstore"
	"github.com/mosync/backend/internal/ids"
	"github.com/mosync/backend/internal/syncerr"
	"github.com/mosync/backend/internal/syncsvc"
	"github.com/mosync/backend/internal/wire"
)

type pushEventDTO struct {
	EventID        string `json:"eventId"`
	RecordJSON     string `json:"recordJson"`
	ScopeID        string `json:"scopeId,omitempty"`
	ResourceID     string `json:"resourceId,omitempty"`
	ResourceKeyID  string `json:"resourceKeyId,omitempty"`
	GrantID        string `json:"grantId,omitempty"`
	ScopeStateRef  string `json:"scopeStateRef,omitempty"`
	AuthorDeviceID string `json:"authorDeviceId,omitempty"`
}

type pushRequest struct {
	StoreID      string         `json:"storeId"`
	ExpectedHead uint64         `json:"expectedHead"`
	Events       []pushEventDTO `json:"events"`
}

type assignmentDTO struct {
	EventID        string `json:"eventId"`
	GlobalSequence uint64 `json:"globalSequence"`
}

type eventDTO struct {
	GlobalSequence uint64 `json:"globalSequence"`
	EventID        string `json:"eventId"`
	RecordJSON     string `json:"recordJson"`
}

type pushResponse struct {
	OK       bool            `json:"ok"`
	Head     uint64          `json:"head"`
	Assigned []assignmentDTO `json:"assigned"`
}

type pushConflict struct {
	OK      bool           `json:"ok"`
	Head    uint64         `json:"head"`
	Reason  syncerr.Reason `json:"reason"`
	Missing []eventDTO     `json:"missing,omitempty"`
}

type pullResponse struct {
	Events    []eventDTO `json:"events"`
	Head      uint64     `json:"head"`
	HasMore   bool       `json:"hasMore"`
	NextSince *uint64    `json:"nextSince"`
}

func eventDTOs(evs []eventstore.Event) []eventDTO {
	out := make([]eventDTO, len(evs))
	for i, ev := range evs {
		out[i] = eventDTO{
			GlobalSequence: ev.GlobalSequence,
			EventID:        string(ev.EventID),
			RecordJSON:     ev.RecordJSON,
		}
	}
	return out
}

func (h *Handler) push(w http.ResponseWriter, r *http.Request) {
	actor, ok := session(w, r)
	if !ok {
		return
	}

	var req pushRequest
	if !decodeBody(w, r, &req) {
		return
	}
	store := ids.StoreID(req.StoreID)
	if err := ids.ValidateStoreID(store); err != nil {
		writeErr(w, syncerr.Wrap(syncerr.Validation, err, "invalid store id"))
		return
	}
	if len(req.Events) > h.maxBatch {
		writeErr(w, syncerr.New(syncerr.Validation,
			"push batch of %d exceeds the limit of %d", len(req.Events), h.maxBatch))
		return
	}

	batch := make([]syncsvc.PushEvent, len(req.Events))
	for i, ev := range req.Events {
		if ev.EventID == "" {
			writeErr(w, syncerr.New(syncerr.Validation, "event %d has no eventId", i))
			return
		}
		pe := syncsvc.PushEvent{
			EventID:        ids.EventID(ev.EventID),
			RecordJSON:     ev.RecordJSON,
			ScopeID:        ids.ScopeID(ev.ScopeID),
			ResourceID:     ids.ResourceID(ev.ResourceID),
			ResourceKeyID:  ids.ResourceKeyID(ev.ResourceKeyID),
			GrantID:        ids.GrantID(ev.GrantID),
			AuthorDeviceID: ids.DeviceID(ev.AuthorDeviceID),
		}
		if ev.ScopeStateRef != "" {
			ref, err := wire.ParseRef("scopeStateRef", ev.ScopeStateRef)
			if err != nil {
				writeErr(w, err)
				return
			}
			pe.ScopeStateRef = ref
		}
		batch[i] = pe
	}

	res, err := h.svc.Push(r.Context(), actor, store, req.ExpectedHead, batch)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !res.OK {
		writeJSON(w, http.StatusConflict, pushConflict{
			Head:    res.Head,
			Reason:  res.Reason,
			Missing: eventDTOs(res.Missing),
		})
		return
	}

	assigned := make([]assignmentDTO, len(res.Assigned))
	for i, a := range res.Assigned {
		assigned[i] = assignmentDTO{EventID: string(a.EventID), GlobalSequence: a.GlobalSequence}
	}
	writeJSON(w, http.StatusCreated, pushResponse{OK: true, Head: res.Head, Assigned: assigned})
}

func (h *Handler) pull(w http.ResponseWriter, r *http.Request) {
	actor, ok := session(w, r)
	if !ok {
		return
	}

	store := ids.StoreID(r.URL.Query().Get("storeId"))
	if err := ids.ValidateStoreID(store); err != nil {
		writeErr(w, syncerr.Wrap(syncerr.Validation, err, "invalid store id"))
		return
	}
	since, err := queryUint(r, "since")
	if err != nil {
		writeErr(w, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeErr(w, err)
		return
	}
	waitMs, err := queryInt(r, "waitMs")
	if err != nil {
		writeErr(w, err)
		return
	}

	res, err := h.svc.Pull(r.Context(), actor, store, since, limit, waitMs)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Client went away mid-poll; nothing left to answer.
			return
		}
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pullResponse{
		Events:    eventDTOs(res.Events),
		Head:      res.Head,
		HasMore:   res.HasMore,
		NextSince: res.NextSince,
	})
}

type resetRequest struct {
	StoreID string `json:"storeId"`
}

func (h *Handler) reset(w http.ResponseWriter, r *http.Request) {
	actor, ok := session(w, r)
	if !ok {
		return
	}

	var req resetRequest
	if !decodeBody(w, r, &req) {
		return
	}
	store := ids.StoreID(req.StoreID)
	if err := ids.ValidateStoreID(store); err != nil {
		writeErr(w, syncerr.Wrap(syncerr.Validation, err, "invalid store id"))
		return
	}

	if err := h.svc.Reset(r.Context(), actor, store); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) watch(w http.ResponseWriter, r *http.Request) {
	actor, ok := session(w, r)
	if !ok {
		return
	}

	store := ids.StoreID(r.URL.Query().Get("storeId"))
	if err := ids.ValidateStoreID(store); err != nil {
		writeErr(w, syncerr.Wrap(syncerr.Validation, err, "invalid store id"))
		return
	}

	head, feed, cancel, err := h.svc.Watch(r.Context(), actor, store)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.hub.Serve(w, r, string(store), head, feed, cancel)
}
