// Package vectorstore persists message embeddings and answers owner-scoped
// nearest-neighbor queries.
//
// Two backends implement Store:
//   - ChromemStore: embedded chromem-go, persisted to gob files (default)
//   - QdrantStore: external Qdrant over gRPC with HNSW indexing
//
// # Owner isolation
//
// Every operation reads the owner from the context and fails closed with
// ErrMissingOwner when it is absent. Entries are stamped with owner_id on
// write, overwriting anything the caller supplied, and every query and
// delete carries an owner_id filter that callers cannot remove or replace.
// Isolation is therefore a property of the store itself, not of whichever
// service happens to call it.
//
//	ctx = vectorstore.ContextWithOwner(ctx, "alice")
//	err := store.Upsert(ctx, []vectorstore.Entry{{
//	    ArchiveID: jobID,
//	    MessageID: msgID,
//	    Vector:    vec,
//	}})
//	results, err := store.Search(ctx, queryVec, 10, nil)
package vectorstore
