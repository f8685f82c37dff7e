// Package config holds the per-run settings shared by the backup,
// restore, verify, and cleanup engines (spec.md 9: "global mutable
// state... model as a per-run Context value explicitly threaded
// through the engines").
package config

// Config is built once per CLI invocation from flags and passed by
// pointer into whichever engine the invocation selects.
type Config struct {
	// Repo is the repository root, containing the "sha1/" tree.
	Repo string
	// Index is the index file path (backup/restore/verify) or,
	// under cleanup, unused (cleanup takes index paths positionally).
	Index string
	// Root is the directory backed up (backup) or restored into
	// (restore). Unused by verify/cleanup.
	Root string

	OneFileSystem bool
	PreserveAtime bool
	Exclude       []string

	// Overwrite, if set, writes the index file in place rather than
	// via a "<index>.tmp" rename, and permits backing up over an
	// existing index.
	Overwrite bool

	// RecheckHash re-hashes a blob's bytes as they are copied into
	// the repository and fails fatally on mismatch (spec.md 4.J).
	RecheckHash bool

	// SFTPTarget, if non-empty, is "user@host"; the repository is
	// then accessed over a pipelined SFTP driver instead of locally.
	SFTPTarget     string
	SFTPServerPath string

	// Delete enables actual deletion under cleanup; without it,
	// cleanup only lists orphaned blobs.
	Delete bool
	// DetectBogus additionally verifies a blob's bytes against its
	// name (verify: removes mismatches; cleanup: treats a mismatch
	// as not-needed).
	DetectBogus bool
	// NoPermissions skips chmod/lchown during restore and restores
	// directories/devices with permissive default modes.
	NoPermissions bool

	FromEncoding string
	ToEncoding   string

	Verbose bool
}
