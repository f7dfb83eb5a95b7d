// Package embeddings turns message text into fixed-length vectors.
//
// Four providers sit behind the Provider interface:
//
//   - fastembed: local ONNX models through fastembed-go (requires CGO and the
//     ONNX runtime library).
//   - tei: a HuggingFace text-embeddings-inference server over HTTP.
//   - openai: any OpenAI-compatible /embeddings endpoint through langchaingo.
//   - fake: deterministic token-hash vectors for tests and offline runs.
//
// NewProvider selects one from Config. Providers never retry; callers treat
// a failed batch as unembedded and pick it up on the next re-embedding pass.
package embeddings
