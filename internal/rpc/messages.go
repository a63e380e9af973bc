package rpc

import (
	"time"

	"github.com/ppiankov/hivegate/internal/confirm"
	"github.com/ppiankov/hivegate/internal/gateway"
	"github.com/ppiankov/hivegate/internal/model"
	"github.com/ppiankov/hivegate/internal/policy"
	"github.com/ppiankov/hivegate/internal/receipt"
)

type (
	Result       = gateway.Result
	Override     = policy.TemporaryOverride
	Confirmation = confirm.Confirmation
)

type Empty struct{}

type SubmitRequest struct {
	Command model.Command `json:"command"`
}

type ResolveRequest struct {
	ConfirmationID string `json:"confirmation_id"`
	Approve        bool   `json:"approve"`
	OperatorID     string `json:"operator_id"`
	Signature      string `json:"signature"`
}

// Resolution converts the request for the gateway.
func (r *ResolveRequest) Resolution() confirm.Resolution {
	return confirm.Resolution{
		ConfirmationID: r.ConfirmationID,
		Approve:        r.Approve,
		OperatorID:     r.OperatorID,
		Signature:      r.Signature,
	}
}

type ListPendingRequest struct {
	// All includes resolved and expired confirmations.
	All bool `json:"all,omitempty"`
}

type ListPendingResponse struct {
	Confirmations []*Confirmation `json:"confirmations"`
}

type ReceiptsRequest struct {
	Issuer   string        `json:"issuer,omitempty"`
	Decision model.Verdict `json:"decision,omitempty"`
	From     *time.Time    `json:"from,omitempty"`
	To       *time.Time    `json:"to,omitempty"`
	Limit    int           `json:"limit,omitempty"`
}

// Query converts the request into a ledger query.
func (r *ReceiptsRequest) Query() receipt.Query {
	q := receipt.Query{Issuer: r.Issuer, Decision: r.Decision, Limit: r.Limit}
	if r.From != nil {
		q.From = *r.From
	}
	if r.To != nil {
		q.To = *r.To
	}
	return q
}

type ReceiptsResponse struct {
	Receipts []*receipt.Receipt `json:"receipts"`
}

type VerifyChainRequest struct {
	From uint64 `json:"from,omitempty"`
	To   uint64 `json:"to,omitempty"`
}

type VerifyChainResponse struct {
	receipt.VerifyResult
	HeadID   uint64 `json:"head_id"`
	HeadHash string `json:"head_hash"`
	Halted   string `json:"halted,omitempty"`
}

type MerkleRootRequest struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

type MerkleRootResponse struct {
	Root  string `json:"merkle_root"`
	Count int    `json:"count"`
}

type ProofRequest struct {
	ReceiptID uint64 `json:"receipt_id"`
}

type ProofResponse struct {
	Proof *receipt.Proof `json:"proof"`
	Batch *receipt.Batch `json:"batch"`
	Valid bool           `json:"valid"`
}

type SetOverrideRequest struct {
	Rule string `json:"rule"`
	// Value is parsed as YAML: "25", "12.5", "[a, b]".
	Value    string `json:"value"`
	Duration string `json:"duration"`
	Reason   string `json:"reason,omitempty"`
	SetBy    string `json:"set_by,omitempty"`
}

type ClearOverrideRequest struct {
	Rule string `json:"rule"`
}

type ListOverridesResponse struct {
	Overrides []Override `json:"overrides"`
}
