// Package atlaserr holds the sentinel errors for the taxonomy in spec §7, so
// the daemon router and the CLI can both classify failures with errors.Is
// instead of string matching.
package atlaserr

import "errors"

// Configuration errors.
var (
	ErrUnknownBackend        = errors.New("atlas: unknown backend specifier")
	ErrCapabilityMismatch    = errors.New("atlas: no provider for requested capability")
	ErrMissingCredentials    = errors.New("atlas: missing required credentials")
)

// External transient/permanent errors.
var (
	ErrExternalTransient = errors.New("atlas: external collaborator timeout or 5xx")
	ErrExternalPermanent = errors.New("atlas: external collaborator rejected request")
)

// Input errors.
var (
	ErrPathOutsideRoot   = errors.New("atlas: path outside declared root_dir")
	ErrUnreadableFile    = errors.New("atlas: unreadable file")
	ErrUnsupportedExt    = errors.New("atlas: unsupported file extension")
)

// Contract errors.
var (
	ErrLLMResponseParse   = errors.New("atlas: failed to parse LLM JSON response")
	ErrMissingTemplateVar = errors.New("atlas: unsubstituted prompt template variable")
	ErrUnknownDTOField    = errors.New("atlas: unrecognised DTO field")
)

// Concurrency errors.
var (
	ErrConsolidationLockHeld = errors.New("atlas: consolidation lock already held")
	ErrTaskNotFound          = errors.New("atlas: no task with that id")
)

// Fatal errors.
var (
	ErrStorageUnreachable  = errors.New("atlas: storage unreachable after retries")
	ErrChunkIDCollision    = errors.New("atlas: chunk id invariant violated")
)

// Phase discriminates which ingest stage an error event originated in, for
// the *.error events named in spec §6.2/§7.
type Phase string

const (
	PhaseRead  Phase = "read"
	PhaseEmbed Phase = "embed"
	PhaseQNTM  Phase = "qntm"
	PhaseStore Phase = "store"
)
