package main

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"escrowflow/escrow"
)

type disputeResponse struct {
	RaisedBy   string  `json:"raisedBy,omitempty"`
	RaisedAt   string  `json:"raisedAt"`
	Status     string  `json:"status"`
	Outcome    string  `json:"outcome,omitempty"`
	SellerBps  *uint16 `json:"sellerBps,omitempty"`
	ResolvedAt *string `json:"resolvedAt,omitempty"`
}

type agreementResponse struct {
	ID                      uint64           `json:"id"`
	Buyer                   string           `json:"buyer"`
	Seller                  string           `json:"seller"`
	Agent                   string           `json:"agent,omitempty"`
	Amount                  string           `json:"amount"`
	Escrowed                string           `json:"escrowed,omitempty"`
	Status                  string           `json:"status"`
	BuyerApproved           bool             `json:"buyerApproved"`
	SellerApproved          bool             `json:"sellerApproved"`
	ApprovalTimeoutSeconds  int64            `json:"approvalTimeoutSeconds"`
	ApprovalDeadline        *string          `json:"approvalDeadline,omitempty"`
	BuyerRequestedCancel    bool             `json:"buyerRequestedCancel"`
	SellerRequestedCancel   bool             `json:"sellerRequestedCancel"`
	BuyerRequestedComplete  bool             `json:"buyerRequestedComplete"`
	SellerRequestedComplete bool             `json:"sellerRequestedComplete"`
	DisputeRaised           bool             `json:"disputeRaised"`
	Dispute                 *disputeResponse `json:"dispute,omitempty"`
	CreatedAt               string           `json:"createdAt"`
	UpdatedAt               string           `json:"updatedAt"`
}

type timelineResponse struct {
	Seq       int             `json:"seq"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"createdAt"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func toAgreementResponse(a escrow.Agreement) agreementResponse {
	resp := agreementResponse{
		ID:                      a.ID,
		Buyer:                   a.Buyer.Hex(),
		Seller:                  a.Seller.Hex(),
		Amount:                  "0",
		Status:                  a.Status.String(),
		BuyerApproved:           a.BuyerApproved,
		SellerApproved:          a.SellerApproved,
		ApprovalTimeoutSeconds:  int64(a.ApprovalTimeout / time.Second),
		BuyerRequestedCancel:    a.BuyerRequestedCancel,
		SellerRequestedCancel:   a.SellerRequestedCancel,
		BuyerRequestedComplete:  a.BuyerRequestedComplete,
		SellerRequestedComplete: a.SellerRequestedComplete,
		DisputeRaised:           a.DisputeRaised,
		CreatedAt:               formatTime(a.CreatedAt),
		UpdatedAt:               formatTime(a.UpdatedAt),
	}
	if a.HasAgent() {
		resp.Agent = a.Agent.Hex()
	}
	if a.Amount != nil {
		resp.Amount = a.Amount.String()
	}
	if a.ApprovalDeadline != nil {
		d := formatTime(*a.ApprovalDeadline)
		resp.ApprovalDeadline = &d
	}
	if d := a.Dispute; d != nil {
		dr := &disputeResponse{
			RaisedAt: formatTime(d.RaisedAt),
			Status:   string(d.Status),
		}
		if d.RaisedBy != (common.Address{}) {
			dr.RaisedBy = d.RaisedBy.Hex()
		}
		if d.Outcome != nil {
			dr.Outcome = string(d.Outcome.Kind)
			bps := d.Outcome.SellerBps
			dr.SellerBps = &bps
		}
		if d.ResolvedAt != nil {
			at := formatTime(*d.ResolvedAt)
			dr.ResolvedAt = &at
		}
		resp.Dispute = dr
	}
	return resp
}
