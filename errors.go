package crystfel

import "errors"

// Sentinel errors for the abstract error kinds named in the engine's
// error-handling design. Call sites compose these with errors.Join so
// that errors.Is still matches the sentinel after context is attached.
var (
	ErrIo                = errors.New("io error")
	ErrMalformedInput    = errors.New("malformed input")
	ErrDegenerateCell    = errors.New("degenerate unit cell")
	ErrInsufficientPeaks = errors.New("insufficient peaks for indexing")
	ErrIndexerTimeout    = errors.New("indexer timed out")
	ErrIndexerRejected   = errors.New("indexer rejected candidate")
	ErrIntegrationFailed = errors.New("integration failed")
	ErrLinAlgSingular    = errors.New("singular linear system")
	ErrOutOfMemory       = errors.New("out of memory")
	ErrTimeout           = errors.New("timeout")
	ErrCancelled         = errors.New("cancelled")

	// reflection-list specific
	ErrDuplicateKey  = errors.New("duplicate reflection key")
	ErrNoSuchKey     = errors.New("no such reflection key")
	ErrPanelNotFound = errors.New("no panel covers the given coordinate")
)
