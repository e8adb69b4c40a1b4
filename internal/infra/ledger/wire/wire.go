// Package wire holds the ledger gateway's JSON shapes and the helpers that
// normalize them into domain values. Shapes follow the contract ABI: integers
// travel as decimal strings, parallel id/quantity arrays stand in for lists of
// pairs, and resolved states are 0 (approved) or 1 (rejected).
package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"supplycore/pkg/domain"
)

// Subjects are appended to the configured prefix, e.g. "ledger.company.get".
const (
	SubjectCompany            = "company.get"
	SubjectHeadCompanies      = "company.heads"
	SubjectProduct            = "product.get"
	SubjectRecipe             = "product.recipe"
	SubjectSupply             = "supply.own"
	SubjectPrerequisiteSupply = "supply.prerequisite"
	SubjectPastSupply         = "supply.past"
	SubjectRequestEvents      = "events.requests"
	SubjectDeleteEvents       = "events.delete_requests"

	SubjectCreateCompany        = "tx.create_company"
	SubjectCreateProduct        = "tx.create_product"
	SubjectSendRequest          = "tx.send_request"
	SubjectApproveRequest       = "tx.approve_request"
	SubjectDeclineRequest       = "tx.decline_request"
	SubjectSendContract         = "tx.send_contract"
	SubjectApproveContract      = "tx.approve_contract"
	SubjectDeclineContract      = "tx.decline_contract"
	SubjectSendDeleteRequest    = "tx.send_delete_request"
	SubjectRespondDeleteRequest = "tx.respond_delete_request"
	SubjectConvertToSupply      = "tx.convert_to_supply"
	SubjectConvertPrerequisite  = "tx.convert_prerequisite_to_supply"
)

// Error codes carried in replies.
const (
	CodeNotFound = "not_found"
	CodeRejected = "rejected"
	CodeInternal = "internal"
)

const (
	stateApproved = 0
	stateRejected = 1
)

// Envelope wraps every gateway request.
type Envelope struct {
	Actor   string          `json:"actor,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply wraps every gateway response.
type Reply struct {
	Error   *ErrorBody      `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorBody describes a failed call.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Relationship is an upstream or downstream entry.
type Relationship struct {
	CompanyID string `json:"companyId"`
	ProductID string `json:"productId"`
}

// Request is a pending transfer request.
type Request struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	ProductID string `json:"productId"`
	Quantity  string `json:"quantity"`
}

// Contract is a pending contract.
type Contract struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	ProductID string `json:"productId"`
}

// DeleteRequest is a pending delete request.
type DeleteRequest struct {
	ID        string   `json:"id"`
	Owner     string   `json:"owner"`
	ProductID string   `json:"productId"`
	Approvals []string `json:"approvals"`
	Rejected  bool     `json:"rejected"`
}

// Company is the contract's company struct.
type Company struct {
	Owner                  string          `json:"owner"`
	Name                   string          `json:"name"`
	ListOfSupply           []string        `json:"listOfSupply"`
	ListOfPrerequisites    []string        `json:"listOfPrerequisites"`
	Upstream               []Relationship  `json:"upstream"`
	Downstream             []Relationship  `json:"downstream"`
	IncomingRequests       []Request       `json:"incomingRequests"`
	OutgoingRequests       []Request       `json:"outgoingRequests"`
	IncomingContract       []Contract      `json:"incomingContract"`
	OutgoingContract       []Contract      `json:"outgoingContract"`
	IncomingDeleteRequests []DeleteRequest `json:"incomingDeleteRequests"`
	OutgoingDeleteRequests []DeleteRequest `json:"outgoingDeleteRequests"`
}

// Product is the contract's product struct.
type Product struct {
	ProductID   string `json:"productId"`
	ProductName string `json:"productName"`
	Owner       string `json:"owner"`
}

// Recipe is the getRecipe return tuple.
type Recipe struct {
	Supply        string   `json:"supply"`
	Prerequisites []string `json:"prerequisites"`
	Quantities    []string `json:"quantities"`
}

// Supply is the getSupply / getPrerequisiteSupply return tuple.
type Supply struct {
	Total      string   `json:"total"`
	SupplyIDs  []string `json:"supplyId"`
	Quantities []string `json:"quantities"`
	Exist      bool     `json:"exist"`
}

// RequestEvent is a resolved "Requests" event.
type RequestEvent struct {
	RequestID   string `json:"requestId"`
	ContractID  string `json:"contractId"`
	From        string `json:"from"`
	To          string `json:"to"`
	ProductID   string `json:"productId"`
	Quantity    string `json:"quantity"`
	State       int    `json:"state"`
	Timestamp   string `json:"timestamp"`
	BlockNumber uint64 `json:"blockNumber"`
}

// DeleteRequestEvent is a resolved delete-request event.
type DeleteRequestEvent struct {
	RequestID   string `json:"requestId"`
	Owner       string `json:"owner"`
	Responder   string `json:"responder"`
	ProductID   string `json:"productId"`
	State       int    `json:"state"`
	Timestamp   string `json:"timestamp"`
	BlockNumber uint64 `json:"blockNumber"`
}

// Query payloads.
type (
	AddressQuery struct {
		Address string `json:"address"`
	}
	ProductQuery struct {
		ProductID string `json:"productId"`
	}
	SupplyQuery struct {
		ProductID string `json:"productId"`
		Holder    string `json:"holder"`
	}
	LotQuery struct {
		SupplyID string `json:"supplyId"`
	}
	EventQuery struct {
		From      string `json:"from,omitempty"`
		To        string `json:"to,omitempty"`
		RequestID string `json:"requestId,omitempty"`
		FromBlock uint64 `json:"fromBlock,omitempty"`
		ToBlock   uint64 `json:"toBlock,omitempty"`
	}
	LotList struct {
		SupplyIDs []string `json:"supplyIds"`
	}
	AddressList struct {
		Addresses []string `json:"addresses"`
	}
)

// Transaction payloads.
type (
	CreateCompanyTx struct {
		Owner string `json:"owner"`
		Name  string `json:"name"`
	}
	CreateProductTx struct {
		ProductID     string   `json:"productId"`
		ProductName   string   `json:"productName"`
		Owner         string   `json:"owner"`
		Prerequisites []string `json:"prerequisites"`
		Quantities    []string `json:"quantities"`
	}
	ApproveRequestTx struct {
		Request    Request  `json:"request"`
		SupplyIDs  []string `json:"supplyIds"`
		Quantities []string `json:"quantities"`
		Receipt    string   `json:"receiptId"`
	}
	DeleteRequestTx struct {
		ProductID string `json:"productId"`
	}
	RespondDeleteRequestTx struct {
		RequestID string `json:"requestId"`
		ProductID string `json:"productId"`
		From      string `json:"from"`
		Approve   bool   `json:"approve"`
	}
	ConversionTx struct {
		ProductID              string   `json:"productId"`
		Quantity               string   `json:"quantity"`
		SupplyID               string   `json:"supplyId"`
		PrerequisiteProductIDs []string `json:"prerequisiteProductIds,omitempty"`
		PrerequisiteSupplyIDs  []string `json:"prerequisiteSupplyIds,omitempty"`
		PrerequisiteQuantities []string `json:"prerequisiteQuantities,omitempty"`
	}
)

// Uint formats an unsigned integer as a decimal string.
func Uint[T ~uint64](v T) string { return strconv.FormatUint(uint64(v), 10) }

// ParseUint parses a decimal string field. Empty strings decode as zero.
func ParseUint[T ~uint64](field, raw string) (T, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode %s: %w", field, err)
	}
	return T(v), nil
}

func parseList[T ~uint64](field string, raw []string) ([]T, error) {
	out := make([]T, 0, len(raw))
	for i, r := range raw {
		v, err := ParseUint[T](fmt.Sprintf("%s[%d]", field, i), r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func formatList[T ~uint64](values []T) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, Uint(v))
	}
	return out
}

func addr(raw string) domain.Address { return domain.NormalizeAddress(raw) }

func decodeState(state int) domain.WorkflowState {
	if state == stateRejected {
		return domain.StateDeclined
	}
	return domain.StateApproved
}

func encodeState(state domain.WorkflowState) int {
	if state == domain.StateDeclined {
		return stateRejected
	}
	return stateApproved
}

func decodeTime(field, raw string) (time.Time, error) {
	secs, err := ParseUint[uint64](field, raw)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(secs), 0).UTC(), nil
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.Unix(), 10)
}
