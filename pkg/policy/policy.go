// Package policy implements the permission and payment gate: enforces field
// read/write policy using trust distance, explicit grants, and payment
// proof.
package policy

import (
	"sync"

	"github.com/datafold/datafold-core/pkg/faultkind"
	"github.com/datafold/datafold-core/pkg/schema"
)

// Operation distinguishes a read from a write for policy lookup.
type Operation string

const (
	Read  Operation = "read"
	Write Operation = "write"
)

// PaymentResult is the outcome of PaymentVerifier.Verify.
type PaymentResult string

const (
	PaymentOK          PaymentResult = "ok"
	PaymentBadProof    PaymentResult = "bad_proof"
	PaymentExpiredResult PaymentResult = "expired"
	PaymentUnavailable PaymentResult = "unavailable"
)

// PaymentProof is an opaque, collaborator-defined payment receipt.
type PaymentProof struct {
	Descriptor string
	Data       []byte
}

// PaymentVerifier checks a payment proof against a quoted amount; the
// settlement backend is supplied by the embedding process.
type PaymentVerifier interface {
	Verify(proof PaymentProof, amount float64, descriptor string) (PaymentResult, error)
}

// TrustOracle measures a caller's distance from the node's trust anchor.
type TrustOracle interface {
	Distance(publicKeyID string) int
}

// DecisionKind tags a Decision variant.
type DecisionKind string

const (
	Allow          DecisionKind = "allow"
	Deny           DecisionKind = "deny"
	RequirePayment DecisionKind = "require_payment"
)

// Decision is the outcome of Gate.Authorize.
type Decision struct {
	Kind    DecisionKind
	Reason  *faultkind.Error // set when Kind == Deny
	Amount  float64          // set when Kind == RequirePayment
	Invoice string           // set when Kind == RequirePayment
}

// FieldRequest is one field targeted by an operation, in caller-supplied
// order (field order in a Deny/RequirePayment decision mirrors this order).
type FieldRequest struct {
	Schema string
	Field  string
	Def    schema.FieldDef
}

// Gate is the permission and payment enforcement point.
type Gate struct {
	trust    TrustOracle
	verifier PaymentVerifier
	costs    *CostTracker
}

func NewGate(trust TrustOracle, verifier PaymentVerifier) *Gate {
	return &Gate{trust: trust, verifier: verifier, costs: NewCostTracker()}
}

// Authorize checks every field's policy before any payment accounting:
// permission failures outrank payment failures, and among permission
// failures the first one in request order is reported.
func (g *Gate) Authorize(op Operation, callerID string, fields []FieldRequest, proof *PaymentProof) Decision {
	d := 0
	if g.trust != nil {
		d = g.trust.Distance(callerID)
	}

	for _, f := range fields {
		policy := f.Def.Permission.ReadPolicy
		if op == Write {
			policy = f.Def.Permission.WritePolicy
		}
		if !satisfies(policy, callerID, d) {
			return Decision{Kind: Deny, Reason: faultkind.New(faultkind.PermissionDenied, f.Schema+"."+f.Field)}
		}
	}

	var total float64
	for _, f := range fields {
		total += f.Def.Payment.Cost(d)
	}
	g.costs.Record(total)

	if total <= 0 {
		return Decision{Kind: Allow}
	}

	descriptor := invoiceDescriptor(callerID, fields)
	if proof == nil {
		return Decision{Kind: RequirePayment, Amount: total, Invoice: descriptor}
	}

	if g.verifier == nil {
		return Decision{Kind: Deny, Reason: faultkind.New(faultkind.PaymentInvalid, descriptor)}
	}
	result, err := g.verifier.Verify(*proof, total, descriptor)
	if err != nil || result != PaymentOK {
		kind := faultkind.PaymentInvalid
		if result == PaymentExpiredResult {
			kind = faultkind.PaymentExpired
		}
		return Decision{Kind: Deny, Reason: faultkind.New(kind, descriptor)}
	}
	return Decision{Kind: Allow}
}

func satisfies(p schema.PermissionPolicy, callerID string, distance int) bool {
	switch p.Kind {
	case schema.NoRequirement:
		return true
	case schema.TrustDistance:
		return distance <= p.Distance
	case schema.Explicit:
		for _, id := range p.AllowedKeyIDs {
			if id == callerID {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func invoiceDescriptor(callerID string, fields []FieldRequest) string {
	desc := "payment-required:" + callerID
	for _, f := range fields {
		desc += ":" + f.Schema + "." + f.Field
	}
	return desc
}

// CostTracker is a mutex-guarded running accumulator of payment amounts
// charged by the gate.
type CostTracker struct {
	mu          sync.RWMutex
	totalCharged float64
	totalOps     int64
}

func NewCostTracker() *CostTracker {
	return &CostTracker{}
}

func (c *CostTracker) Record(amount float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalCharged += amount
	c.totalOps++
}

// Stats returns the accumulated total cost and operation count.
func (c *CostTracker) Stats() (totalCharged float64, totalOps int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totalCharged, c.totalOps
}
