// Package coordinator implements the node coordinator: the single writer
// view of the system. It owns the schema registry, transform engine,
// permission gate, atom store, and system-key store, and exposes the core
// API surface consumed by the HTTP/CLI layer.
package coordinator

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/datafold/datafold-core/pkg/atom"
	"github.com/datafold/datafold-core/pkg/bus"
	"github.com/datafold/datafold-core/pkg/executor"
	"github.com/datafold/datafold-core/pkg/faultkind"
	"github.com/datafold/datafold-core/pkg/merkle"
	"github.com/datafold/datafold-core/pkg/policy"
	"github.com/datafold/datafold-core/pkg/schema"
	"github.com/datafold/datafold-core/pkg/sigreq"
	"github.com/datafold/datafold-core/pkg/store"
	"github.com/datafold/datafold-core/pkg/syskey"
	"github.com/datafold/datafold-core/pkg/transform"
)

// State is the coordinator's lifecycle stage.
type State string

const (
	StateInit           State = "init"
	StateReady          State = "ready"
	StateShuttingDown   State = "shutting_down"
	StateStopped        State = "stopped"
)

// Request is the authenticated-request shape handed to VerifyAndExecute,
// matching sigreq.Request plus the decoded operation body.
type Request struct {
	sigreq.Request
	Operation Operation
}

// OperationKind tags what VerifyAndExecute should do once authenticated.
type OperationKind string

const (
	OpQuery  OperationKind = "query"
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
)

// Operation is the decoded request body: what to execute once the signed
// envelope verifies.
type Operation struct {
	Kind         OperationKind
	Schema       string
	Fields       []string
	Filter       *executor.Filter
	Values       map[string]json.RawMessage
	PaymentProof *policy.PaymentProof
}

// Metadata accompanies every result envelope.
type Metadata struct {
	ExecutionTime time.Duration `json:"execution_time"`
	RowsAffected  int           `json:"rows_affected"`
	TotalCost     float64       `json:"total_cost,omitempty"`
}

// Result is the response envelope every core API call returns.
type Result struct {
	Data     interface{} `json:"data,omitempty"`
	Errors   []string    `json:"errors,omitempty"`
	Metadata Metadata    `json:"metadata"`
}

// Config bundles the caller-supplied interfaces and process-wide settings
// needed to build a Coordinator.
type Config struct {
	ByteStore        store.ByteStore
	Trust            policy.TrustOracle
	Payments         policy.PaymentVerifier
	SecurityProfile  sigreq.Profile
	AuthorID         string // identity the transform engine writes outputs as
	Logger           *log.Logger
}

// Coordinator is the Node Coordinator (C9): the single writer view that
// glues C1-C8 together and exposes the core API.
type Coordinator struct {
	mu    sync.RWMutex
	state State

	bs        store.ByteStore
	bus       *bus.Bus
	atoms     *atom.Store
	schemas   *schema.Registry
	transforms *transform.Engine
	gate      *policy.Gate
	exec      *executor.Executor
	keys      *syskey.Store
	sigGate   *sigreq.Gate

	// writeLease serializes mutations so readers observe either a fully
	// applied mutation or the state before it, never a partial one.
	writeLease sync.Mutex

	logger *log.Logger
}

// New constructs a Coordinator in the init state. Call Start to make it
// ready for requests.
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[coordinator] ", log.LstdFlags)
	}

	b := bus.New()
	keys := syskey.New(cfg.ByteStore, b)
	atoms := atom.New(cfg.ByteStore, logger)
	transforms := transform.NewEngine(nil, nil, b, cfg.AuthorID, logger)
	schemas := schema.NewRegistry(cfg.ByteStore, transforms)
	g := policy.NewGate(cfg.Trust, cfg.Payments)
	exec := executor.New(cfg.ByteStore, atoms, schemas, g, b, logger)

	// The transform engine needs the executor as both Materializer and
	// OutputWriter, but the executor needs the schema registry, which the
	// engine must be constructed with first (schema.NewRegistry takes the
	// engine as its TransformValidator). Rewire after both exist.
	transforms.SetIO(exec, exec)

	profile := cfg.SecurityProfile
	if profile == "" {
		profile = sigreq.Standard
	}
	sigGate := sigreq.NewGate(profile, keys, b, logger)

	return &Coordinator{
		state:      StateInit,
		bs:         cfg.ByteStore,
		bus:        b,
		atoms:      atoms,
		schemas:    schemas,
		transforms: transforms,
		gate:       g,
		exec:       exec,
		keys:       keys,
		sigGate:    sigGate,
		logger:     logger,
	}
}

// Bus exposes the message bus for observers (metrics, logging sinks).
func (c *Coordinator) Bus() *bus.Bus { return c.bus }

// Start loads persisted state and transitions init -> ready, starting the
// transform engine's background scheduler.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInit {
		return faultkind.New(faultkind.Shutdown, "coordinator already started")
	}
	if err := c.keys.Load(); err != nil {
		return err
	}
	if err := c.transforms.Start(ctx); err != nil {
		return err
	}
	c.state = StateReady
	c.logger.Println("coordinator ready")
	return nil
}

// Shutdown stops the transform scheduler and releases the underlying store.
// Transform work still queued, and FieldChanged events the scheduler has not
// yet polled, are not processed before the store is closed.
func (c *Coordinator) Shutdown() error {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return nil
	}
	c.state = StateShuttingDown
	c.mu.Unlock()

	if err := c.transforms.Stop(); err != nil {
		return err
	}
	if closer, ok := c.bs.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			return faultkind.Wrap(faultkind.StorageFault, "shutdown", err)
		}
	}

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
	c.logger.Println("coordinator stopped")
	return nil
}

func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// VerifyAndExecute is the core API's single authenticated entry point:
// verify the signed envelope, then authorize and execute the decoded
// operation.
func (c *Coordinator) VerifyAndExecute(req Request) Result {
	start := time.Now()

	identity, err := c.sigGate.Verify(req.Request)
	if err != nil {
		return errorResult(err, start)
	}

	switch req.Operation.Kind {
	case OpQuery:
		res, err := c.exec.Query(executor.QueryRequest{
			Schema:       req.Operation.Schema,
			Fields:       req.Operation.Fields,
			Filter:       req.Operation.Filter,
			CallerID:     identity.KeyID,
			PaymentProof: req.Operation.PaymentProof,
		})
		if err != nil {
			return errorResult(err, start)
		}
		return Result{
			Data:     res.Records,
			Metadata: Metadata{ExecutionTime: time.Since(start), RowsAffected: res.RowsRead, TotalCost: res.TotalCost},
		}

	case OpCreate, OpUpdate, OpDelete:
		c.writeLease.Lock()
		defer c.writeLease.Unlock()

		mreq := executor.MutateRequest{
			Schema:       req.Operation.Schema,
			AuthorID:     identity.KeyID,
			Filter:       req.Operation.Filter,
			Values:       req.Operation.Values,
			CallerID:     identity.KeyID,
			PaymentProof: req.Operation.PaymentProof,
		}
		var res *executor.MutateResult
		switch req.Operation.Kind {
		case OpCreate:
			res, err = c.exec.Create(mreq)
		case OpUpdate:
			res, err = c.exec.Update(mreq)
		case OpDelete:
			res, err = c.exec.Delete(mreq)
		}
		if err != nil {
			return errorResult(err, start)
		}
		return Result{
			Data:     res.NewHeads,
			Metadata: Metadata{ExecutionTime: time.Since(start), RowsAffected: res.RowsAffected, TotalCost: res.TotalCost},
		}

	default:
		return errorResult(faultkind.New(faultkind.InvalidFilter, string(req.Operation.Kind)), start)
	}
}

// errorResult builds the error envelope. A PaymentRequired error surfaces
// the quoted amount via Metadata.TotalCost so the caller can retry with a
// matching payment proof; the invoice descriptor rides in the error text.
func errorResult(err error, start time.Time) Result {
	meta := Metadata{ExecutionTime: time.Since(start)}
	var fe *faultkind.Error
	if e, ok := err.(*faultkind.Error); ok {
		fe = e
	}
	if fe != nil && fe.Kind == faultkind.PaymentRequired {
		meta.TotalCost = fe.Amount
	}
	return Result{
		Errors:   []string{err.Error()},
		Metadata: meta,
	}
}

// Snapshot builds a Merkle root over every current head atom and returns a
// portable inclusion receipt per head. A backup made by copying the
// underlying store can later be checked against the root recorded here:
// each receipt re-verifies independently via its Validate method.
func (c *Coordinator) Snapshot() (string, map[atom.Handle]*merkle.SnapshotReceipt, error) {
	heads, err := c.exec.CurrentHeads()
	if err != nil {
		return "", nil, err
	}
	if len(heads) == 0 {
		return "", nil, faultkind.New(faultkind.NotFound, "no heads to snapshot")
	}
	return c.atoms.Snapshot(heads)
}

// SetSystemKey overwrites the system-wide verifying key.
func (c *Coordinator) SetSystemKey(pub ed25519.PublicKey) error { return c.keys.Set(pub) }

// GetSystemKey returns the current key, if any.
func (c *Coordinator) GetSystemKey() (ed25519.PublicKey, bool) { return c.keys.Get() }

// ClearSystemKey removes the system key.
func (c *Coordinator) ClearSystemKey() error { return c.keys.Clear() }

// RegisterSchema registers a new schema in Draft state.
func (c *Coordinator) RegisterSchema(s *schema.Schema) error {
	return c.schemas.Register(s)
}

// ApproveSchema transitions a schema to Approved and emits SchemaChanged.
func (c *Coordinator) ApproveSchema(name string) error {
	if err := c.schemas.Approve(name); err != nil {
		return err
	}
	c.bus.Publish(bus.SchemaChanged, bus.SchemaChangedPayload{Name: name, NewState: string(schema.Approved)})
	return nil
}

// BlockSchema transitions a schema to Blocked and emits SchemaChanged.
func (c *Coordinator) BlockSchema(name string) error {
	if err := c.schemas.Block(name); err != nil {
		return err
	}
	c.bus.Publish(bus.SchemaChanged, bus.SchemaChangedPayload{Name: name, NewState: string(schema.Blocked)})
	return nil
}

// UnloadSchema removes a schema from memory.
func (c *Coordinator) UnloadSchema(name string) error { return c.schemas.Unload(name) }

// ListSchemas returns every known schema.
func (c *Coordinator) ListSchemas() []*schema.Schema { return c.schemas.List() }

// RegisterTransform registers a standalone transform directly against the
// engine, outside any schema's field declarations.
func (c *Coordinator) RegisterTransform(d transform.Definition) error {
	return c.transforms.RegisterTransform(d)
}

// ListTransforms returns every registered transform definition.
func (c *Coordinator) ListTransforms() []transform.Definition { return c.transforms.ListTransforms() }

// CancelTransforms flushes schemaName's pending transform work; in-flight
// computation is allowed to finish.
func (c *Coordinator) CancelTransforms(schemaName string) { c.transforms.Cancel(schemaName) }
