package reconcile

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/anstrom/v6ledger/internal/config"
	"github.com/anstrom/v6ledger/internal/db"
	"github.com/anstrom/v6ledger/internal/errors"
	"github.com/anstrom/v6ledger/internal/logging"
	"github.com/anstrom/v6ledger/internal/metrics"
)

// Default operation bounds.
const (
	DefaultAcquireTimeout   = 5 * time.Second
	DefaultLockTimeout      = 10 * time.Second
	DefaultStatementTimeout = 2 * time.Minute
	DefaultMaxAddresses     = 100000
)

// Options bounds every step of an operation.
type Options struct {
	AcquireTimeout   time.Duration
	LockTimeout      time.Duration
	StatementTimeout time.Duration
	Isolation        sql.IsolationLevel
	MaxAddresses     int
}

// DefaultOptions returns read committed isolation with the default timeouts.
func DefaultOptions() Options {
	return Options{
		AcquireTimeout:   DefaultAcquireTimeout,
		LockTimeout:      DefaultLockTimeout,
		StatementTimeout: DefaultStatementTimeout,
		Isolation:        sql.LevelReadCommitted,
		MaxAddresses:     DefaultMaxAddresses,
	}
}

// OptionsFromConfig converts the reconcile section of the configuration.
// Zero values fall back to the defaults.
func OptionsFromConfig(cfg config.ReconcileConfig) Options {
	opts := DefaultOptions()
	if cfg.AcquireTimeout > 0 {
		opts.AcquireTimeout = cfg.AcquireTimeout
	}
	if cfg.LockTimeout > 0 {
		opts.LockTimeout = cfg.LockTimeout
	}
	if cfg.StatementTimeout > 0 {
		opts.StatementTimeout = cfg.StatementTimeout
	}
	if cfg.MaxAddresses > 0 {
		opts.MaxAddresses = cfg.MaxAddresses
	}
	opts.Isolation = ParseIsolation(cfg.Isolation)
	return opts
}

// ParseIsolation maps a configuration isolation name to a level. Unknown
// names yield read committed.
func ParseIsolation(name string) sql.IsolationLevel {
	switch strings.ToLower(strings.ReplaceAll(name, " ", "_")) {
	case "repeatable_read":
		return sql.LevelRepeatableRead
	case "serializable":
		return sql.LevelSerializable
	default:
		return sql.LevelReadCommitted
	}
}

type activeGauge interface {
	SetActiveOperations(count int)
}

// Coordinator runs reconciliation operations as failure-atomic units of
// work. It is safe for concurrent use; each operation holds its own
// connection for its whole lifetime.
type Coordinator struct {
	db        *db.DB
	opts      Options
	validator *Validator
	logger    *logging.Logger
	metrics   metrics.Recorder
	active    atomic.Int64
}

// NewCoordinator creates a coordinator. A nil logger uses the default
// logger and a nil recorder discards metrics.
func NewCoordinator(database *db.DB, opts Options, logger *logging.Logger, recorder metrics.Recorder) *Coordinator {
	if logger == nil {
		logger = logging.Default()
	}
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	return &Coordinator{
		db:        database,
		opts:      opts,
		validator: NewValidator(opts.MaxAddresses),
		logger:    logger.WithComponent("reconcile"),
		metrics:   recorder,
	}
}

// Reconcile validates req for kind and, if it is well formed, stages the
// addresses, applies the change, recomputes the touched counters and
// commits. Every returned error is an *errors.ReconcileError.
//
// Once started, an operation runs to commit or rollback even if ctx is
// canceled; the configured timeouts bound how long that can take.
func (c *Coordinator) Reconcile(ctx context.Context, kind Kind, req *Request) (*Result, error) {
	opID := uuid.New()
	log := c.logger.WithOperation(opID.String(), string(kind))
	start := time.Now()

	intent, err := c.validator.Validate(kind, req)
	if err != nil {
		rerr := classify(kind, StateIdle, err)
		c.observe(kind, start, rerr)
		log.Info("request rejected", "code", rerr.Code, "reason", rerr.Message)
		return nil, rerr
	}

	c.trackActive(1)
	defer c.trackActive(-1)

	result, rerr := c.run(context.WithoutCancel(ctx), opID, intent, log)
	c.observe(kind, start, rerr)
	if rerr != nil {
		return nil, rerr
	}

	c.metrics.RecordAddresses(string(kind), "updated", result.Updated)
	c.metrics.RecordAddresses(string(kind), "inserted", result.Inserted)
	// Metric categories are disjoint; invalid addresses are not also counted as skipped.
	c.metrics.RecordAddresses(string(kind), "skipped", result.Skipped-result.Invalid)
	c.metrics.RecordAddresses(string(kind), "invalid", result.Invalid)
	log.InfoReconcile("operation committed",
		"total", result.Total,
		"updated", result.Updated,
		"inserted", result.Inserted,
		"skipped", result.Skipped,
		"invalid", result.Invalid,
		"duration", time.Since(start))
	return result, nil
}

func (c *Coordinator) run(ctx context.Context, opID uuid.UUID, intent *Intent, log *logging.Logger) (*Result, *errors.ReconcileError) {
	kind := intent.Kind

	conn, rerr := c.acquire(ctx, kind)
	if rerr != nil {
		return nil, rerr
	}
	stage := newStage(opID)
	defer c.release(ctx, conn, stage, log)

	t, err := c.checkTarget(ctx, conn, intent)
	if err != nil {
		return nil, classify(kind, StateIdle, err)
	}

	tx, rerr := c.begin(ctx, conn, kind, log)
	if rerr != nil {
		return nil, rerr
	}

	state := StateStaging
	staged, err := stage.Load(ctx, tx, intent.Addresses)
	if err == nil && staged == 0 {
		err = errors.NewEmptyCandidateSet()
	}
	if err != nil {
		return nil, c.abort(tx, kind, state, err, log)
	}

	state = StateApplying
	counts, scope, err := apply(ctx, tx, intent, t, stage)
	if err != nil {
		return nil, c.abort(tx, kind, state, err, log)
	}

	state = StateRecomputing
	if err := RecomputeAggregates(ctx, tx, scope, c.metrics); err != nil {
		return nil, c.abort(tx, kind, state, err, log)
	}

	if err := tx.Commit(); err != nil {
		c.metrics.IncrementRollbacks(string(kind))
		rerr := classify(kind, state, fmt.Errorf("commit: %w", err))
		log.ErrorReconcile("commit failed", err, "code", rerr.Code)
		return nil, rerr
	}

	result := &Result{
		OperationID:  opID.String(),
		Total:        staged + intent.Invalid,
		Updated:      counts.Updated,
		Inserted:     counts.Inserted,
		Skipped:      staged - counts.Updated - counts.Inserted + intent.Invalid,
		Invalid:      intent.Invalid,
		AffectedRows: counts.Updated + counts.Inserted,
	}
	if kind == KindImport {
		imported := counts.Inserted
		result.ImportedCount = &imported
	}
	return result, nil
}

// DeleteAddresses removes addresses by id and recomputes the counters of
// every country and ASN the deleted rows belonged to. Unknown ids are
// counted as skipped.
func (c *Coordinator) DeleteAddresses(ctx context.Context, ids []int64) (*Result, error) {
	opID := uuid.New()
	log := c.logger.WithOperation(opID.String(), string(KindDelete))
	start := time.Now()

	distinct, err := c.validateIDs(ids)
	if err != nil {
		rerr := classify(KindDelete, StateIdle, err)
		c.observe(KindDelete, start, rerr)
		return nil, rerr
	}

	c.trackActive(1)
	defer c.trackActive(-1)

	result, rerr := c.runDelete(context.WithoutCancel(ctx), opID, distinct, log)
	c.observe(KindDelete, start, rerr)
	if rerr != nil {
		return nil, rerr
	}

	c.metrics.RecordAddresses(string(KindDelete), "deleted", *result.DeletedCount)
	c.metrics.RecordAddresses(string(KindDelete), "skipped", result.Skipped)
	log.InfoReconcile("addresses deleted",
		"requested", result.Total,
		"deleted", *result.DeletedCount,
		"duration", time.Since(start))
	return result, nil
}

const (
	deleteScopeQuery = `
		SELECT DISTINCT p.country_id, p.asn
		FROM active_addresses a
		JOIN ip_prefixes p ON p.prefix_id = a.prefix_id
		WHERE a.address_id = ANY($1)`

	deleteAddressesQuery = `DELETE FROM active_addresses WHERE address_id = ANY($1)`
)

func (c *Coordinator) runDelete(ctx context.Context, opID uuid.UUID, ids []int64, log *logging.Logger) (*Result, *errors.ReconcileError) {
	conn, rerr := c.acquire(ctx, KindDelete)
	if rerr != nil {
		return nil, rerr
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Warn("failed to release connection", "error", err)
		}
	}()

	tx, rerr := c.begin(ctx, conn, KindDelete, log)
	if rerr != nil {
		return nil, rerr
	}

	state := StateApplying
	var rows []scopeRow
	if err := sqlx.SelectContext(ctx, tx, &rows, deleteScopeQuery, pq.Array(ids)); err != nil {
		return nil, c.abort(tx, KindDelete, state, fmt.Errorf("resolve delete scope: %w", err), log)
	}
	scope := NewScope()
	for _, r := range rows {
		scope.Add(r.CountryID, r.ASN)
	}

	res, err := tx.ExecContext(ctx, deleteAddressesQuery, pq.Array(ids))
	if err != nil {
		return nil, c.abort(tx, KindDelete, state, fmt.Errorf("delete addresses: %w", err), log)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return nil, c.abort(tx, KindDelete, state, err, log)
	}

	state = StateRecomputing
	if err := RecomputeAggregates(ctx, tx, scope, c.metrics); err != nil {
		return nil, c.abort(tx, KindDelete, state, err, log)
	}

	if err := tx.Commit(); err != nil {
		c.metrics.IncrementRollbacks(string(KindDelete))
		rerr := classify(KindDelete, state, fmt.Errorf("commit: %w", err))
		log.ErrorReconcile("commit failed", err, "code", rerr.Code)
		return nil, rerr
	}

	n := int(deleted)
	return &Result{
		OperationID:  opID.String(),
		Total:        len(ids),
		Skipped:      len(ids) - n,
		AffectedRows: n,
		DeletedCount: &n,
	}, nil
}

func (c *Coordinator) validateIDs(ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, errors.NewValidationError("ids must be a non-empty array of address ids")
	}
	if c.opts.MaxAddresses > 0 && len(ids) > c.opts.MaxAddresses {
		return nil, errors.NewValidationError(
			fmt.Sprintf("ids may contain at most %d entries", c.opts.MaxAddresses))
	}

	seen := make(map[int64]struct{}, len(ids))
	distinct := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			return nil, errors.NewValidationError(fmt.Sprintf("invalid address id %d", id))
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		distinct = append(distinct, id)
	}
	return distinct, nil
}

// checkTarget is the one existence lookup, run on the operation's
// connection before the transaction starts.
func (c *Coordinator) checkTarget(ctx context.Context, conn *sqlx.Conn, intent *Intent) (*target, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, c.opts.StatementTimeout)
	defer cancel()
	return lookupTarget(lookupCtx, conn, intent)
}

func (c *Coordinator) acquire(ctx context.Context, kind Kind) (*sqlx.Conn, *errors.ReconcileError) {
	acquireCtx, cancel := context.WithTimeout(ctx, c.opts.AcquireTimeout)
	defer cancel()

	conn, err := c.db.Connx(acquireCtx)
	if err != nil {
		return nil, errors.NewResourceError("could not acquire a database connection", err).
			WithOperation(string(kind)).
			WithStage(string(StateIdle))
	}
	return conn, nil
}

// begin opens the transaction and bounds lock waits and statement runtime
// for its lifetime.
func (c *Coordinator) begin(ctx context.Context, conn *sqlx.Conn, kind Kind, log *logging.Logger) (*sqlx.Tx, *errors.ReconcileError) {
	tx, err := conn.BeginTxx(ctx, &sql.TxOptions{Isolation: c.opts.Isolation})
	if err != nil {
		return nil, errors.NewResourceError("could not begin transaction", err).
			WithOperation(string(kind)).
			WithStage(string(StateIdle))
	}

	settings := []string{
		fmt.Sprintf("SET LOCAL lock_timeout = %d", c.opts.LockTimeout.Milliseconds()),
		fmt.Sprintf("SET LOCAL statement_timeout = %d", c.opts.StatementTimeout.Milliseconds()),
	}
	for _, stmt := range settings {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			c.rollback(tx, kind, log)
			return nil, errors.NewResourceError("could not configure transaction timeouts", err).
				WithOperation(string(kind)).
				WithStage(string(StateIdle))
		}
	}
	return tx, nil
}

// abort rolls tx back once and converts err for the caller.
func (c *Coordinator) abort(tx *sqlx.Tx, kind Kind, state State, err error, log *logging.Logger) *errors.ReconcileError {
	rerr := classify(kind, state, err)
	c.rollback(tx, kind, log)

	if rerr.Code == errors.CodeEmptyCandidateSet || rerr.Code == errors.CodeApplyRejected {
		log.Info("operation rolled back", "stage", state, "code", rerr.Code, "reason", rerr.Message)
	} else {
		log.ErrorReconcile("operation rolled back", err, "stage", state, "code", rerr.Code)
	}
	return rerr
}

func (c *Coordinator) rollback(tx *sqlx.Tx, kind Kind, log *logging.Logger) {
	if err := tx.Rollback(); err != nil && !stderrors.Is(err, sql.ErrTxDone) {
		log.ErrorReconcile("rollback failed", err)
	}
	c.metrics.IncrementRollbacks(string(kind))
}

// release tears down staging on the session that created it and returns
// the connection to the pool. Neither failure changes the outcome.
func (c *Coordinator) release(ctx context.Context, conn *sqlx.Conn, stage *Stage, log *logging.Logger) {
	teardownCtx, cancel := context.WithTimeout(ctx, c.opts.StatementTimeout)
	defer cancel()

	if err := stage.Teardown(teardownCtx, conn); err != nil {
		c.metrics.IncrementTeardownFailures()
		log.ErrorReconcile("staging teardown failed", err)
	}
	if err := conn.Close(); err != nil {
		log.Warn("failed to release connection", "error", err)
	}
}

func (c *Coordinator) observe(kind Kind, start time.Time, rerr *errors.ReconcileError) {
	outcome := string(StateCommitted)
	if rerr != nil {
		outcome = strings.ToLower(string(rerr.Code))
	}
	c.metrics.RecordOperation(string(kind), outcome, time.Since(start))
}

func (c *Coordinator) trackActive(delta int64) {
	n := c.active.Add(delta)
	if g, ok := c.metrics.(activeGauge); ok {
		g.SetActiveOperations(int(n))
	}
}

// classify converts any failure into the error kinds callers may see. Raw
// storage errors never leave this package.
func classify(kind Kind, state State, err error) *errors.ReconcileError {
	var rerr *errors.ReconcileError
	if stderrors.As(err, &rerr) {
		if rerr.Operation == "" {
			rerr.WithOperation(string(kind))
		}
		if rerr.Stage == "" {
			rerr.WithStage(string(state))
		}
		return rerr
	}

	var out *errors.ReconcileError
	var pqErr *pq.Error
	switch {
	case stderrors.As(err, &pqErr):
		out = classifyPQ(pqErr, err)
	case stderrors.Is(err, driver.ErrBadConn),
		stderrors.Is(err, sql.ErrConnDone),
		stderrors.Is(err, context.DeadlineExceeded):
		out = errors.NewResourceError("database connection unavailable", err)
	default:
		out = errors.NewUnexpectedFault(err)
	}
	return out.WithOperation(string(kind)).WithStage(string(state))
}

func classifyPQ(pqErr *pq.Error, err error) *errors.ReconcileError {
	switch {
	case pqErr.Code == "P0001", pqErr.Code.Class() == "23":
		return errors.NewApplyRejected(pqErr.Message, err)
	case pqErr.Code == "55P03", pqErr.Code == "57014":
		return errors.NewResourceError("lock or statement timeout exceeded", err)
	case pqErr.Code == "40001", pqErr.Code == "40P01":
		return errors.NewResourceError("concurrent update conflict, retry the operation", err)
	case pqErr.Code.Class() == "53", pqErr.Code.Class() == "08", pqErr.Code == "57P01":
		return errors.NewResourceError("database unavailable", err)
	default:
		return errors.NewUnexpectedFault(err)
	}
}
