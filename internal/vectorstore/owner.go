package vectorstore

import (
	"context"
	"errors"
	"fmt"
)

// Owner isolation errors. Missing owners fail closed: no empty results,
// just errors.
var (
	// ErrMissingOwner is returned when the context carries no owner.
	ErrMissingOwner = errors.New("owner missing from context")

	// ErrFilterInjection is returned when caller filters try to set the
	// owner key.
	ErrFilterInjection = errors.New("filter may not set owner_id")
)

type ownerContextKey struct{}

// ContextWithOwner scopes ctx to owner.
func ContextWithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerContextKey{}, owner)
}

// OwnerFromContext returns the owner or ErrMissingOwner.
func OwnerFromContext(ctx context.Context) (string, error) {
	owner, _ := ctx.Value(ownerContextKey{}).(string)
	if owner == "" {
		return "", ErrMissingOwner
	}
	return owner, nil
}

// scopeFilter returns filters plus the context owner. Callers may not set
// the owner key themselves.
func scopeFilter(ctx context.Context, filters map[string]string) (map[string]string, error) {
	owner, err := OwnerFromContext(ctx)
	if err != nil {
		IsolationRejections.WithLabelValues("missing_owner").Inc()
		return nil, err
	}
	if _, ok := filters[KeyOwner]; ok {
		IsolationRejections.WithLabelValues("filter_injection").Inc()
		return nil, ErrFilterInjection
	}
	out := make(map[string]string, len(filters)+1)
	for k, v := range filters {
		out[k] = v
	}
	out[KeyOwner] = owner
	return out, nil
}

// stamp builds the payload for each entry, forcing the owner from ctx.
func stamp(ctx context.Context, entries []Entry) ([]map[string]string, error) {
	owner, err := OwnerFromContext(ctx)
	if err != nil {
		IsolationRejections.WithLabelValues("missing_owner").Inc()
		return nil, err
	}
	out := make([]map[string]string, len(entries))
	for i, e := range entries {
		if e.ArchiveID == "" || e.MessageID == "" {
			return nil, fmt.Errorf("entry %d: archive and message ids are required", i)
		}
		meta := make(map[string]string, len(e.Metadata)+4)
		for k, v := range e.Metadata {
			meta[k] = v
		}
		meta[KeyOwner] = owner
		meta[KeyArchive] = e.ArchiveID
		meta[KeyMessage] = e.MessageID
		if e.ConversationID != "" {
			meta[KeyConversation] = e.ConversationID
		}
		out[i] = meta
	}
	return out, nil
}

// resultFromPayload fills a Result from stored string metadata.
func resultFromPayload(score float32, meta map[string]string) Result {
	r := Result{
		ArchiveID:      meta[KeyArchive],
		MessageID:      meta[KeyMessage],
		ConversationID: meta[KeyConversation],
		Score:          score,
	}
	extra := make(map[string]string)
	for k, v := range meta {
		switch k {
		case KeyOwner, KeyArchive, KeyMessage, KeyConversation:
		default:
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		r.Metadata = extra
	}
	return r
}
