// Package cli provides the engine integration for the xmover CLI.
// This file contains the shared initialization used by every command.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/cratedb/xmover/internal/config"
	"github.com/cratedb/xmover/internal/cratedb"
	"github.com/cratedb/xmover/internal/journal"
	"github.com/cratedb/xmover/internal/logging"
	"github.com/cratedb/xmover/internal/metrics"
	"github.com/cratedb/xmover/internal/ux"
)

// Engine holds the components shared by xmover commands.
type Engine struct {
	Config  *config.Config
	Log     *logging.Logger
	Out     *ux.Printer
	In      io.Reader
	Clock   clockwork.Clock
	Journal *journal.Journal
	Metrics *metrics.Exporter

	client    *cratedb.Client
	inspector *cratedb.Inspector
	journalDB *journal.DB
}

// Global engine instance
var engine *Engine

// ExitError carries a process exit code other than 1.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// InitEngine loads configuration and sets up logging, output, the journal
// and the metrics exporter. The cluster connection is opened lazily by
// Connect so that offline commands work without CRATE_CONNECTION_STRING.
func InitEngine() (*Engine, error) {
	cfg, err := config.Load(config.LoadOptions{ConfigFile: configFile, EnvFile: envFile})
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if connectionString != "" {
		cfg.Connection.URL = strings.TrimSpace(connectionString)
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}

	logger, err := logging.NewFromConfig(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	switch {
	case debug:
		logger.SetLevel(zerolog.DebugLevel)
	case quiet:
		logger.SetLevel(zerolog.WarnLevel)
	}
	logging.SetGlobal(logger)

	ux.ConfigureColor(noColor, os.Stdout)

	e := &Engine{
		Config: cfg,
		Log:    logger,
		Out:    ux.NewPrinter(os.Stdout, quiet),
		In:     bufio.NewReader(os.Stdin),
		Clock:  clockwork.NewRealClock(),
	}

	if cfg.Journal.Enabled && !noJournal {
		// The journal is an audit aid; commands keep working without it.
		if err := e.openJournal(context.Background()); err != nil {
			logger.Warn("journal disabled", "path", cfg.Journal.Path, "error", err)
		}
	}

	path := cfg.Metrics.TextfilePath
	if metricsFile != "" {
		path = metricsFile
	}
	if path != "" {
		cfg.Metrics.TextfilePath = path
		e.Metrics = metrics.New()
	}
	return e, nil
}

// GetEngine returns the engine, initializing if needed.
func GetEngine() (*Engine, error) {
	if engine != nil {
		return engine, nil
	}

	var err error
	engine, err = InitEngine()
	return engine, err
}

func (e *Engine) openJournal(ctx context.Context) error {
	db, err := journal.OpenDB(e.Config.Journal.Path, e.Config.Journal.Passphrase)
	if err != nil {
		return err
	}
	j, err := journal.New(ctx, db.DB())
	if err != nil {
		_ = db.Close()
		return err
	}
	e.journalDB = db
	e.Journal = j
	e.Log.Debug("journal opened", "path", db.Path(), "encrypted", db.IsEncrypted())
	return nil
}

// Connect validates the connection settings and returns the inspector for
// the cluster. Statements that change the cluster are journaled when the
// journal is open.
func (e *Engine) Connect() (*cratedb.Inspector, error) {
	if e.inspector != nil {
		return e.inspector, nil
	}
	client, err := e.Client()
	if err != nil {
		return nil, err
	}
	var q cratedb.Querier = client
	if e.Journal != nil {
		q = journal.NewRecordingQuerier(client, e.Journal)
	}
	e.inspector = cratedb.NewInspector(q)
	return e.inspector, nil
}

// Client returns the HTTP client without the journaling wrapper.
func (e *Engine) Client() (*cratedb.Client, error) {
	if e.client != nil {
		return e.client, nil
	}
	if err := e.Config.Connection.Validate(); err != nil {
		return nil, err
	}
	client, err := cratedb.NewClient(e.Config.Connection)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	client.SetDebug(debug)
	e.client = client
	return client, nil
}

// JournalDir is the directory holding the journal and the run locks.
func (e *Engine) JournalDir() string {
	path := e.Config.Journal.Path
	if path == "" {
		path = config.DefaultJournalPath()
	}
	return filepath.Dir(path)
}

// Finish records the command outcome and writes the metrics textfile.
func (e *Engine) Finish(command string, elapsed time.Duration, runErr error) {
	if e.Metrics == nil {
		return
	}
	e.Metrics.ObserveCommand(command, elapsed, runErr, e.Clock.Now())
	if err := e.Metrics.WriteTextfile(e.Config.Metrics.TextfilePath); err != nil {
		e.Log.Warn("metrics not written", "error", err)
	}
}

// Close releases the journal database.
func (e *Engine) Close() error {
	if e.journalDB == nil {
		return nil
	}
	err := e.journalDB.Close()
	e.journalDB = nil
	e.Journal = nil
	return err
}

// ConfirmAction prompts the user for confirmation.
func ConfirmAction(prompt string) bool {
	e, err := GetEngine()
	if err != nil {
		return false
	}
	return ux.Confirm(e.In, e.Out.Writer(), prompt)
}
