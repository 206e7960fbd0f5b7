package ledgerrpc

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/lib/pq"
	"github.com/mbd888/giftescrow/internal/failure"
)

// remoteError is the JSON error body returned by the HTTP ledger.
type remoteError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Hint      string `json:"hint,omitempty"`
	Available string `json:"available,omitempty"`
	Currency  string `json:"currency,omitempty"`
}

// classifyTransport maps errors that happen before the ledger answered.
func classifyTransport(err error) error {
	if err == nil {
		return nil
	}
	var fe *failure.Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return failure.Transient(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return failure.Transient(err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return failure.Transient(err)
	}
	return err
}

// classifyRemote maps a ledger rejection reported through a code/message pair.
func classifyRemote(rpc string, status int, body remoteError, escrowID string) error {
	cause := errors.New(rpc + ": " + strings.TrimSpace(body.Code+" "+body.Message))
	code := strings.ToLower(body.Code)
	msg := strings.ToLower(body.Message)

	switch {
	case code == "insufficient_balance" || strings.Contains(msg, "insufficient"):
		return failure.InsufficientBalance(body.Available, body.Currency, cause)
	case code == "escrow_not_modifiable" || strings.Contains(msg, "not modifiable") || strings.Contains(msg, "already resolved"):
		return failure.EscrowNotModifiable(escrowID, cause)
	case code == "not_found" || status == http.StatusNotFound:
		return failure.New(failure.KindNotFound, "The requested record was not found.", cause)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return failure.New(failure.KindUnauthenticated, "Not authenticated", cause)
	case status == http.StatusConflict && (rpc == RPCReleaseEscrow || rpc == RPCRefundEscrow):
		return failure.EscrowNotModifiable(escrowID, cause)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return failure.New(failure.KindValidation, validationMessage(body), cause)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return failure.Transient(cause)
	default:
		return rejection(rpc, cause)
	}
}

// classifyPostgres maps errors raised by the ledger's stored procedures.
func classifyPostgres(rpc string, err error, escrowID string) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return classifyTransport(err)
	}

	code := string(pqErr.Code)
	msg := strings.ToLower(pqErr.Message)
	switch {
	case code == "P0001" && strings.Contains(msg, "insufficient"):
		return failure.InsufficientBalance(availableFromDetail(pqErr.Detail), "", err)
	case code == "P0001" && (strings.Contains(msg, "not modifiable") || strings.Contains(msg, "already resolved")):
		return failure.EscrowNotModifiable(escrowID, err)
	case code == "P0002" || (code == "P0001" && strings.Contains(msg, "not found")):
		return failure.New(failure.KindNotFound, "The requested record was not found.", err)
	case code == "28000" || code == "28P01" || code == "42501":
		return failure.New(failure.KindUnauthenticated, "Not authenticated", err)
	case strings.HasPrefix(code, "22") || strings.HasPrefix(code, "23"):
		return failure.New(failure.KindValidation, "The gift details were rejected. Please check the amount and recipient.", err)
	case code == "40001" || code == "40P01" || code == "55P03" || code == "57014":
		return failure.Transient(err)
	case strings.HasPrefix(code, "08") || strings.HasPrefix(code, "53") || strings.HasPrefix(code, "57P"):
		return failure.Transient(err)
	default:
		return rejection(rpc, err)
	}
}

// availableFromDetail extracts "available=12.50" style details.
func availableFromDetail(detail string) string {
	for _, part := range strings.FieldsFunc(detail, func(r rune) bool { return r == ',' || r == ' ' }) {
		if v, ok := strings.CutPrefix(part, "available="); ok {
			return v
		}
	}
	return ""
}

func validationMessage(body remoteError) string {
	if body.Hint != "" {
		return body.Hint
	}
	return "The gift details were rejected. Please check the amount and recipient."
}

// rejection is a permanent, generic backend refusal.
func rejection(rpc string, cause error) error {
	if rpc == RPCCreateEscrow {
		return failure.EscrowCreationFailed(cause)
	}
	return failure.TransferFailed(cause)
}
