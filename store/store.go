// Package store abstracts the remote object-storage backend behind the
// multipart-upload lifecycle the ingest layer drives: begin, commit parts,
// complete or abort, plus a single-shot put for small objects. The S3
// implementation lives in this package; tests and local runs use Memory.
package store

import "context"

// MinPartSize is the smallest part size the backend accepts for any part
// except the last. Crossing it is what flips a session into multipart mode.
const MinPartSize = 5 << 20

// Part is one committed unit of a multipart upload. Number starts at 1 and
// is strictly increasing within a session; ETag is the backend's integrity
// token, required to complete the upload.
type Part struct {
	Number int32  `json:"partNumber"`
	Size   int64  `json:"size"`
	ETag   string `json:"etag"`
}

// ObjectStore is the remote-store contract the aggregator drives. All calls
// block until the backend responds; none are retried by callers.
type ObjectStore interface {
	// CreateMultipart begins a multipart upload for key and returns the
	// upload handle used by all subsequent calls.
	CreateMultipart(ctx context.Context, key string) (uploadID string, err error)

	// UploadPart commits one part and returns its integrity token.
	UploadPart(ctx context.Context, key, uploadID string, number int32, body []byte) (etag string, err error)

	// CompleteMultipart assembles the committed parts, in part-number
	// order, into the final object and returns its location.
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part) (location string, err error)

	// AbortMultipart releases backend resources for an unfinished upload.
	AbortMultipart(ctx context.Context, key, uploadID string) error

	// PutObject writes body as a complete object in one call, bypassing
	// the multipart lifecycle entirely.
	PutObject(ctx context.Context, key string, body []byte) (location string, err error)
}
