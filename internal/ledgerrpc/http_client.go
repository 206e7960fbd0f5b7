package ledgerrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/giftescrow/internal/failure"
)

// HTTPClient calls a PostgREST-style ledger: procedures at POST /rpc/<name>,
// tables at GET /<table>?filters.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient creates a client for the ledger at baseURL.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// WithHTTPClient replaces the underlying http.Client.
func (c *HTTPClient) WithHTTPClient(hc *http.Client) *HTTPClient {
	c.httpClient = hc
	return c
}

func (c *HTTPClient) AtomicTransfer(ctx context.Context, p AtomicTransferParams) (*AtomicTransferResult, error) {
	var out AtomicTransferResult
	if err := c.call(ctx, RPCAtomicTransfer, p.IdempotencyKey, "", p, &out); err != nil {
		return nil, err
	}
	if out.SenderTxnID == "" {
		return nil, failure.TransferFailed(fmt.Errorf("%s: empty result", RPCAtomicTransfer))
	}
	return &out, nil
}

func (c *HTTPClient) CreateEscrowTransaction(ctx context.Context, p CreateEscrowParams) (*CreateEscrowResult, error) {
	var out CreateEscrowResult
	if err := c.call(ctx, RPCCreateEscrow, p.IdempotencyKey, "", p, &out); err != nil {
		return nil, err
	}
	if out.EscrowID == "" {
		return nil, failure.EscrowCreationFailed(fmt.Errorf("%s: empty result", RPCCreateEscrow))
	}
	return &out, nil
}

type successResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func (c *HTTPClient) ReleaseEscrow(ctx context.Context, escrowID string) error {
	var out successResult
	body := map[string]string{"p_escrow_id": escrowID}
	if err := c.call(ctx, RPCReleaseEscrow, "", escrowID, body, &out); err != nil {
		return err
	}
	if !out.Success {
		return failure.EscrowNotModifiable(escrowID, fmt.Errorf("%s: %s", RPCReleaseEscrow, out.Message))
	}
	return nil
}

func (c *HTTPClient) RefundEscrow(ctx context.Context, escrowID, reason string) error {
	var out successResult
	body := map[string]string{"p_escrow_id": escrowID}
	if reason != "" {
		body["p_reason"] = reason
	}
	if err := c.call(ctx, RPCRefundEscrow, "", escrowID, body, &out); err != nil {
		return err
	}
	if !out.Success {
		return failure.EscrowNotModifiable(escrowID, fmt.Errorf("%s: %s", RPCRefundEscrow, out.Message))
	}
	return nil
}

func (c *HTTPClient) ListEscrows(ctx context.Context, eq EscrowQuery) ([]EscrowRecord, error) {
	party := fmt.Sprintf("(sender_id.eq.%s,recipient_id.eq.%s)", eq.UserID, eq.UserID)
	q := url.Values{}
	if eq.After == nil {
		q.Set("or", party)
	} else {
		at := eq.After.CreatedAt.UTC().Format(time.RFC3339Nano)
		q.Set("and", fmt.Sprintf(`(or%s,or(created_at.lt."%s",and(created_at.eq."%s",id.lt."%s")))`,
			party, at, at, eq.After.ID))
	}
	if eq.Status != "" {
		q.Set("status", "eq."+eq.Status)
	}
	q.Set("order", "created_at.desc,id.desc")
	q.Set("limit", strconv.Itoa(eq.limit()))

	var out []EscrowRecord
	if err := c.get(ctx, RPCListEscrows, "/escrow_transactions?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) GetEscrow(ctx context.Context, escrowID string) (*EscrowRecord, error) {
	q := url.Values{}
	q.Set("id", "eq."+escrowID)
	q.Set("limit", "1")

	var rows []EscrowRecord
	if err := c.get(ctx, RPCGetEscrow, "/escrow_transactions?"+q.Encode(), &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, failure.NotFound("Escrow")
	}
	return &rows[0], nil
}

func (c *HTTPClient) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	q := url.Values{}
	q.Set("user_id", "eq."+userID)
	q.Set("select", "user_id,available,pending,currency")

	var rows []Balance
	if err := c.get(ctx, RPCGetBalance, "/wallets?"+q.Encode(), &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, failure.NotFound("Wallet")
	}
	return &rows[0], nil
}

func (c *HTTPClient) call(ctx context.Context, rpc, idemKey, escrowID string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return failure.New(failure.KindInternal, failure.GenericMessage, fmt.Errorf("marshal %s: %w", rpc, err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc/"+rpc, bytes.NewReader(payload))
	if err != nil {
		return failure.New(failure.KindInternal, failure.GenericMessage, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	return c.do(req, rpc, escrowID, out)
}

func (c *HTTPClient) get(ctx context.Context, rpc, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return failure.New(failure.KindInternal, failure.GenericMessage, err)
	}
	return c.do(req, rpc, "", out)
}

func (c *HTTPClient) do(req *http.Request, rpc, escrowID string, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport(fmt.Errorf("%s: %w", rpc, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return classifyTransport(fmt.Errorf("%s: read body: %w", rpc, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var re remoteError
		if len(body) > 0 {
			_ = json.Unmarshal(body, &re)
		}
		if re.Code == "" && re.Message == "" {
			re.Message = http.StatusText(resp.StatusCode)
		}
		return classifyRemote(rpc, resp.StatusCode, re, escrowID)
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return rejection(rpc, fmt.Errorf("%s: decode response: %w", rpc, err))
	}
	return nil
}
