// Command hbackup drives the backup, restore, verify, and cleanup
// engines from the command line (spec.md 6).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"

	"github.com/ewxrjk/hbackup/backup"
	"github.com/ewxrjk/hbackup/cleanup"
	"github.com/ewxrjk/hbackup/internal/config"
	"github.com/ewxrjk/hbackup/internal/exclude"
	"github.com/ewxrjk/hbackup/internal/hintcache"
	"github.com/ewxrjk/hbackup/internal/log"
	"github.com/ewxrjk/hbackup/internal/recode"
	"github.com/ewxrjk/hbackup/internal/stats"
	"github.com/ewxrjk/hbackup/plumbing/fs"
	"github.com/ewxrjk/hbackup/plumbing/fs/local"
	"github.com/ewxrjk/hbackup/plumbing/fs/sftp"
	"github.com/ewxrjk/hbackup/restore"
	"github.com/ewxrjk/hbackup/verify"
)

// options mirrors spec.md 6's shared flag set, realized as go-flags
// struct tags in the style go-git's own CLI tree uses this library
// for. One of Backup/Restore/Verify/Cleanup selects the mode.
type options struct {
	Backup  bool `long:"backup" description:"back up Root into a new index"`
	Restore bool `long:"restore" description:"restore Root from an index"`
	Verify  bool `long:"verify" description:"re-hash every blob an index names"`
	Cleanup bool `long:"cleanup" description:"remove blobs no given index references"`

	Repo  string `long:"repo" required:"true" description:"repository root"`
	Index string `long:"index" description:"index file path"`
	Root  string `long:"root" description:"directory backed up or restored into"`

	OneFileSystem bool     `long:"one-file-system"`
	PreserveAtime bool     `long:"preserve-atime"`
	Exclude       []string `long:"exclude" description:"exclusion pattern, repeatable"`
	Overwrite     bool     `long:"overwrite"`
	RecheckHash   bool     `long:"recheck-hash" description:"re-hash a blob's bytes as they are copied into the repository"`

	SFTP       string `long:"sftp" description:"user@host"`
	SFTPServer string `long:"sftp-server" description:"path to remote sftp-server"`

	Delete        bool `long:"delete"`
	DetectBogus   bool `long:"detect-bogus"`
	NoPermissions bool `long:"no-permissions"`

	FromEncoding string `long:"from-encoding"`
	ToEncoding   string `long:"to-encoding"`

	Verbose bool `long:"verbose"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	args, err := parser.Parse()
	if err != nil {
		os.Exit(fatalExitCode(err))
	}

	cfg := &config.Config{
		Repo:           opts.Repo,
		Index:          opts.Index,
		Root:           opts.Root,
		OneFileSystem:  opts.OneFileSystem,
		PreserveAtime:  opts.PreserveAtime,
		Exclude:        opts.Exclude,
		Overwrite:      opts.Overwrite,
		RecheckHash:    opts.RecheckHash,
		SFTPTarget:     opts.SFTP,
		SFTPServerPath: opts.SFTPServer,
		Delete:         opts.Delete,
		DetectBogus:    opts.DetectBogus,
		NoPermissions:  opts.NoPermissions,
		FromEncoding:   opts.FromEncoding,
		ToEncoding:     opts.ToEncoding,
		Verbose:        opts.Verbose,
	}

	logger := log.New(cfg.Verbose)
	defer logger.Sync() //nolint:errcheck

	// Tag every log line from this invocation with a run ID, so lines
	// from concurrent backups against a shared remote repository can
	// be told apart in aggregated logs.
	if runID, err := uuid.NewRandom(); err == nil {
		logger = logger.With("run", runID.String())
	}

	st := &stats.Stats{}

	var runErr error
	switch {
	case opts.Backup:
		runErr = runBackup(cfg, logger, st)
	case opts.Restore:
		runErr = runRestore(cfg, logger, st)
	case opts.Verify:
		runErr = runVerify(cfg, logger, st)
	case opts.Cleanup:
		runErr = runCleanup(cfg, logger, st, args)
	default:
		runErr = fmt.Errorf("hbackup: exactly one of --backup, --restore, --verify, --cleanup is required")
	}

	printSummary(logger, st)

	if runErr != nil {
		logger.Errorf("%s", runErr)
		os.Exit(2)
	}
	os.Exit(st.ExitCode())
}

// printSummary logs the end-of-run counters spec.md 9's stats block
// names, rendering byte counts the way a human reads them rather than
// as raw counts.
func printSummary(logger *log.Logger, st *stats.Stats) {
	logger.Infof("files: %d regular, %d directories, %d symlinks, %d devices, %d sockets, %d unknown",
		st.RegularFiles, st.Directories, st.SymLinks, st.Devices, st.Sockets, st.Unknown)
	logger.Infof("stored %s across %d new hashes (%s hashed by read, %s by mmap), %d hint(s) reused, %d hardlink(s), %d orphaned blob(s)",
		humanize.Bytes(uint64(st.BytesStored)), st.NewHashes,
		humanize.Bytes(uint64(st.BytesHashedRead)), humanize.Bytes(uint64(st.BytesHashedMapped)),
		st.HintsUsed, st.Hardlinks, st.Orphaned)
	if st.Warnings > 0 || st.Errors > 0 {
		logger.Infof("%d warning(s), %d error(s)", st.Warnings, st.Errors)
	}
}

// fatalExitCode maps a go-flags parse failure to the process exit
// code spec.md 6 reserves for usage errors: --help is not a failure.
func fatalExitCode(err error) int {
	if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
		return 0
	}
	return 2
}

func openRepo(cfg *config.Config) (fs.Filesystem, error) {
	if cfg.SFTPTarget == "" {
		return local.New(cfg.Repo), nil
	}
	driver, err := sftp.Dial(sftp.DialOptions{
		UserHost:       cfg.SFTPTarget,
		SFTPServerPath: cfg.SFTPServerPath,
	})
	if err != nil {
		return nil, err
	}
	return sftp.New(driver), nil
}

func runBackup(cfg *config.Config, logger *log.Logger, st *stats.Stats) error {
	repo, err := openRepo(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	matcher, err := exclude.New(cfg.Exclude)
	if err != nil {
		return err
	}

	host := local.New("/")

	hintPath := cfg.Index + ".hints"
	hints := hintcache.New()
	if exists, err := host.Exists(hintPath); err == nil && exists {
		if loaded, err := hintcache.Load(host, hintPath); err == nil {
			hints = loaded
		}
	}

	e := &backup.Engine{
		Host:          host,
		Repo:          repo,
		Root:          cfg.Root,
		Index:         cfg.Index,
		Overwrite:     cfg.Overwrite,
		CrossFS:       !cfg.OneFileSystem,
		PreserveAtime: cfg.PreserveAtime,
		RecheckHash:   cfg.RecheckHash,
		Exclude:       matcher,
		Hints:         hints,
		HintPath:      hintPath,
		Log:           logger,
		Stats:         st,
	}
	return e.Run()
}

func runRestore(cfg *config.Config, logger *log.Logger, st *stats.Stats) error {
	repo, err := openRepo(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	host := local.New("/")

	var rc *recode.Recoder
	if cfg.FromEncoding != "" || cfg.ToEncoding != "" {
		rc, err = recode.New(cfg.FromEncoding, cfg.ToEncoding)
		if err != nil {
			return err
		}
	}

	e := &restore.Engine{
		Host:        host,
		Repo:        repo,
		Root:        cfg.Root,
		Index:       cfg.Index,
		Permissions: !cfg.NoPermissions,
		Recoder:     rc,
		Log:         logger,
		Stats:       st,
	}
	return e.Run()
}

func runVerify(cfg *config.Config, logger *log.Logger, st *stats.Stats) error {
	repo, err := openRepo(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	e := &verify.Engine{
		Repo:        repo,
		Index:       cfg.Index,
		DetectBogus: cfg.DetectBogus,
		Log:         logger,
		Stats:       st,
	}
	return e.Run()
}

func runCleanup(cfg *config.Config, logger *log.Logger, st *stats.Stats, indexes []string) error {
	if cfg.Index != "" {
		return fmt.Errorf("hbackup: --cleanup refuses --index, name indexes positionally")
	}
	if len(indexes) == 0 {
		return fmt.Errorf("hbackup: --cleanup requires at least one index path")
	}

	repo, err := openRepo(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	e := &cleanup.Engine{
		Repo:        repo,
		Indexes:     indexes,
		Delete:      cfg.Delete,
		DetectBogus: cfg.DetectBogus,
		Log:         logger,
		Stats:       st,
	}
	if err := e.Run(context.Background()); err != nil {
		return err
	}
	if !cfg.Delete {
		for _, path := range e.Orphaned() {
			fmt.Println(path)
		}
	}
	return nil
}
