package solana

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"solana-custody-engine/internal/errcode"
	"solana-custody-engine/internal/observability"
)

// Default configuration values.
const (
	DefaultTimeout       = 30 * time.Second
	DefaultMaxRetries    = 3
	DefaultRetryDelay    = 1 * time.Second
	DefaultMaxDelay      = 10 * time.Second
	DefaultBackoffMult   = 2.0
	DefaultConfirmPoll   = 2 * time.Second
	DefaultConfirmExpiry = 60 * time.Second
)

// Well-known program IDs.
const (
	SystemProgramID        = "11111111111111111111111111111111"
	TokenProgramID         = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	ComputeBudgetProgramID = "ComputeBudget111111111111111111111111111111"
)

// HTTPClient implements RPCClient using HTTP JSON-RPC 2.0.
type HTTPClient struct {
	endpoint      string
	client        *http.Client
	maxRetries    int
	retryDelay    time.Duration
	maxDelay      time.Duration
	backoffMult   float64
	confirmPoll   time.Duration
	confirmExpiry time.Duration
	requestID     atomic.Uint64
}

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = d
	}
}

// WithMaxRetries sets maximum retry attempts.
func WithMaxRetries(n int) ClientOption {
	return func(c *HTTPClient) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets initial retry delay.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.retryDelay = d
	}
}

// WithConfirmPoll sets the getSignatureStatuses polling interval.
func WithConfirmPoll(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.confirmPoll = d
	}
}

// WithConfirmExpiry bounds how long ConfirmTransaction waits by default.
func WithConfirmExpiry(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.confirmExpiry = d
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// NewHTTPClient creates a new Solana RPC HTTP client.
func NewHTTPClient(endpoint string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint:      endpoint,
		client:        &http.Client{Timeout: DefaultTimeout},
		maxRetries:    DefaultMaxRetries,
		retryDelay:    DefaultRetryDelay,
		maxDelay:      DefaultMaxDelay,
		backoffMult:   DefaultBackoffMult,
		confirmPoll:   DefaultConfirmPoll,
		confirmExpiry: DefaultConfirmExpiry,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ RPCClient = (*HTTPClient)(nil)

// rpcRequest represents a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// rpcResponse represents a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError represents a JSON-RPC 2.0 error.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// JSON-RPC method-not-found, used to surface missing endpoint capabilities
// as a typed unavailable error instead of a silent fallback.
const rpcCodeMethodNotFound = -32601

// call performs a JSON-RPC call with retries and exponential backoff.
// Rate limiting (429) is retried and, if exhausted, surfaced as
// errcode.RPCRateLimited so callers can apply their own backoff.
func (c *HTTPClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	raw, err := c.callRaw(ctx, method, params)
	if err != nil {
		return err
	}
	if result != nil && raw != nil {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return nil
}

// callRaw is call but returns the raw result JSON.
func (c *HTTPClient) callRaw(ctx context.Context, method string, params []interface{}) (raw json.RawMessage, err error) {
	start := time.Now()
	defer func() {
		observability.RecordRPCCall(method, time.Since(start).Seconds(), err)
	}()

	reqID := c.requestID.Add(1)
	reqBody := rpcRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	delay := c.retryDelay
	var lastErr error
	rateLimited := false

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, wrapCtxErr(ctx.Err(), method)
			case <-time.After(delay):
			}
			// Exponential backoff
			delay = time.Duration(float64(delay) * c.backoffMult)
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, wrapCtxErr(ctx.Err(), method)
			}
			lastErr = err
			rateLimited = false
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			rateLimited = false
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limited (429)")
			rateLimited = true
			continue
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
			rateLimited = false
			continue
		}

		var rpcResp rpcResponse
		if err := json.Unmarshal(respBody, &rpcResp); err != nil {
			lastErr = fmt.Errorf("unmarshal response: %w", err)
			rateLimited = false
			continue
		}

		if rpcResp.Error != nil {
			// RPC errors are not retried
			if rpcResp.Error.Code == rpcCodeMethodNotFound {
				return nil, errcode.Wrap(errcode.Unavailable, rpcResp.Error, "%s not supported by endpoint", method)
			}
			return nil, rpcResp.Error
		}

		return rpcResp.Result, nil
	}

	if rateLimited {
		return nil, errcode.Wrap(errcode.RPCRateLimited, lastErr, "%s: retries exhausted", method)
	}
	return nil, errcode.Wrap(errcode.RPCConnection, lastErr, "%s: retries exhausted", method)
}

func wrapCtxErr(err error, method string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errcode.Wrap(errcode.RPCTimeout, err, "%s timed out", method)
	}
	return err
}

// GetTransaction retrieves a transaction by signature with jsonParsed
// encoding. Returns nil if the transaction is not found.
func (c *HTTPClient) GetTransaction(ctx context.Context, signature string) (*Transaction, error) {
	params := []interface{}{
		signature,
		map[string]interface{}{
			"encoding":                       "jsonParsed",
			"commitment":                     CommitmentConfirmed,
			"maxSupportedTransactionVersion": 0,
		},
	}

	raw, err := c.callRaw(ctx, "getTransaction", params)
	if err != nil {
		return nil, err
	}
	if raw == nil || string(raw) == "null" {
		return nil, nil
	}

	var result getTransactionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}

	tx := &Transaction{
		Slot:      result.Slot,
		Signature: signature,
		Raw:       append([]byte(nil), raw...),
	}

	if result.BlockTime != nil {
		tx.BlockTime = *result.BlockTime
	}

	if result.Meta != nil {
		meta := &TransactionMeta{
			Err:          result.Meta.Err,
			Fee:          result.Meta.Fee,
			PreBalances:  result.Meta.PreBalances,
			PostBalances: result.Meta.PostBalances,
			LogMessages:  result.Meta.LogMessages,
		}
		meta.PreTokenBalances = convertTokenBalances(result.Meta.PreTokenBalances)
		meta.PostTokenBalances = convertTokenBalances(result.Meta.PostTokenBalances)
		tx.Meta = meta
	}

	if result.Transaction != nil && result.Transaction.Message != nil {
		msg := &TransactionMessage{}
		for _, k := range result.Transaction.Message.AccountKeys {
			msg.AccountKeys = append(msg.AccountKeys, k.Pubkey)
		}
		for _, in := range result.Transaction.Message.Instructions {
			msg.Instructions = append(msg.Instructions, convertInstruction(in))
		}
		tx.Message = msg
	}

	return tx, nil
}

func convertTokenBalances(in []rawTokenBalance) []TokenBalance {
	out := make([]TokenBalance, 0, len(in))
	for _, b := range in {
		amount, _ := strconv.ParseUint(b.UITokenAmount.Amount, 10, 64)
		out = append(out, TokenBalance{
			AccountIndex: b.AccountIndex,
			Mint:         b.Mint,
			Owner:        b.Owner,
			Amount:       amount,
		})
	}
	return out
}

func convertInstruction(in rawInstruction) ParsedInstruction {
	pi := ParsedInstruction{
		Program:   in.Program,
		ProgramID: in.ProgramID,
	}
	if in.Parsed != nil {
		pi.Type = in.Parsed.Type
		pi.Info = InstructionInfo{
			Source:      in.Parsed.Info.Source,
			Destination: in.Parsed.Info.Destination,
			Authority:   in.Parsed.Info.Authority,
			Mint:        in.Parsed.Info.Mint,
			Lamports:    in.Parsed.Info.Lamports,
		}
		// spl-token amounts arrive as either a string amount or a tokenAmount object
		if in.Parsed.Info.Amount != "" {
			pi.Info.Amount, _ = strconv.ParseUint(in.Parsed.Info.Amount, 10, 64)
		} else if in.Parsed.Info.TokenAmount != nil {
			pi.Info.Amount, _ = strconv.ParseUint(in.Parsed.Info.TokenAmount.Amount, 10, 64)
		}
	}
	return pi
}

// Raw RPC response shapes for getTransaction (jsonParsed).
type getTransactionResult struct {
	Slot        int64               `json:"slot"`
	BlockTime   *int64              `json:"blockTime"`
	Meta        *rawTransactionMeta `json:"meta"`
	Transaction *rawTransaction     `json:"transaction"`
}

type rawTransactionMeta struct {
	Err               interface{}       `json:"err"`
	Fee               uint64            `json:"fee"`
	PreBalances       []uint64          `json:"preBalances"`
	PostBalances      []uint64          `json:"postBalances"`
	PreTokenBalances  []rawTokenBalance `json:"preTokenBalances"`
	PostTokenBalances []rawTokenBalance `json:"postTokenBalances"`
	LogMessages       []string          `json:"logMessages"`
}

type rawTokenBalance struct {
	AccountIndex  int    `json:"accountIndex"`
	Mint          string `json:"mint"`
	Owner         string `json:"owner"`
	UITokenAmount struct {
		Amount   string `json:"amount"`
		Decimals int    `json:"decimals"`
	} `json:"uiTokenAmount"`
}

type rawTransaction struct {
	Message *rawMessage `json:"message"`
}

type rawMessage struct {
	AccountKeys  []rawAccountKey  `json:"accountKeys"`
	Instructions []rawInstruction `json:"instructions"`
}

type rawAccountKey struct {
	Pubkey   string `json:"pubkey"`
	Signer   bool   `json:"signer"`
	Writable bool   `json:"writable"`
}

type rawInstruction struct {
	Program   string     `json:"program"`
	ProgramID string     `json:"programId"`
	Parsed    *rawParsed `json:"parsed"`
}

type rawParsed struct {
	Type string `json:"type"`
	Info struct {
		Source      string          `json:"source"`
		Destination string          `json:"destination"`
		Authority   string          `json:"authority"`
		Mint        string          `json:"mint"`
		Lamports    uint64          `json:"lamports"`
		Amount      string          `json:"amount"`
		TokenAmount *rawTokenAmount `json:"tokenAmount"`
	} `json:"info"`
}

type rawTokenAmount struct {
	Amount   string `json:"amount"`
	Decimals int    `json:"decimals"`
}

// GetSignaturesForAddress retrieves signatures for an address with pagination.
func (c *HTTPClient) GetSignaturesForAddress(ctx context.Context, address string, opts *SignaturesOpts) ([]SignatureInfo, error) {
	config := make(map[string]interface{})
	if opts != nil {
		if opts.Before != "" {
			config["before"] = opts.Before
		}
		if opts.Until != "" {
			config["until"] = opts.Until
		}
		if opts.Limit > 0 {
			config["limit"] = opts.Limit
		}
	}

	params := []interface{}{address}
	if len(config) > 0 {
		params = append(params, config)
	}

	var result []getSignaturesResult
	if err := c.call(ctx, "getSignaturesForAddress", params, &result); err != nil {
		return nil, err
	}

	sigs := make([]SignatureInfo, len(result))
	for i, r := range result {
		sigs[i] = SignatureInfo{
			Signature: r.Signature,
			Slot:      r.Slot,
			BlockTime: r.BlockTime,
			Err:       r.Err,
		}
	}

	return sigs, nil
}

// getSignaturesResult is the raw RPC response item for getSignaturesForAddress.
type getSignaturesResult struct {
	Signature string      `json:"signature"`
	Slot      int64       `json:"slot"`
	BlockTime *int64      `json:"blockTime"`
	Err       interface{} `json:"err"`
}

// GetBalance retrieves the lamport balance of an address.
func (c *HTTPClient) GetBalance(ctx context.Context, address string) (uint64, error) {
	params := []interface{}{address}
	var result struct {
		Value uint64 `json:"value"`
	}
	if err := c.call(ctx, "getBalance", params, &result); err != nil {
		return 0, err
	}
	return result.Value, nil
}

// GetTokenAccountsByOwner retrieves token accounts held by owner for a mint.
func (c *HTTPClient) GetTokenAccountsByOwner(ctx context.Context, owner, mint string) ([]TokenAccount, error) {
	params := []interface{}{
		owner,
		map[string]interface{}{"mint": mint},
		map[string]interface{}{"encoding": "jsonParsed"},
	}

	var result getTokenAccountsResult
	if err := c.call(ctx, "getTokenAccountsByOwner", params, &result); err != nil {
		return nil, err
	}

	accounts := make([]TokenAccount, 0, len(result.Value))
	for _, v := range result.Value {
		info := v.Account.Data.Parsed.Info
		amount, _ := strconv.ParseUint(info.TokenAmount.Amount, 10, 64)
		accounts = append(accounts, TokenAccount{
			Address: v.Pubkey,
			Mint:    info.Mint,
			Owner:   info.Owner,
			Amount:  amount,
		})
	}
	return accounts, nil
}

type getTokenAccountsResult struct {
	Value []struct {
		Pubkey  string `json:"pubkey"`
		Account struct {
			Data struct {
				Parsed struct {
					Info struct {
						Mint        string         `json:"mint"`
						Owner       string         `json:"owner"`
						TokenAmount rawTokenAmount `json:"tokenAmount"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"account"`
	} `json:"value"`
}

// GetLatestBlockhash retrieves a recent blockhash.
func (c *HTTPClient) GetLatestBlockhash(ctx context.Context) (*Blockhash, error) {
	params := []interface{}{
		map[string]interface{}{"commitment": CommitmentFinalized},
	}
	var result struct {
		Value struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getLatestBlockhash", params, &result); err != nil {
		return nil, err
	}
	return &Blockhash{
		Blockhash:            result.Value.Blockhash,
		LastValidBlockHeight: result.Value.LastValidBlockHeight,
	}, nil
}

// SendTransaction submits a fully signed transaction. Preflight is left on;
// the orchestration layer simulates separately before signing.
func (c *HTTPClient) SendTransaction(ctx context.Context, serialized []byte) (string, error) {
	params := []interface{}{
		base64.StdEncoding.EncodeToString(serialized),
		map[string]interface{}{"encoding": "base64"},
	}
	var signature string
	if err := c.call(ctx, "sendTransaction", params, &signature); err != nil {
		return "", err
	}
	return signature, nil
}

// SimulateTransaction simulates a signed transaction without submitting.
func (c *HTTPClient) SimulateTransaction(ctx context.Context, serialized []byte) (*SimulationResult, error) {
	params := []interface{}{
		base64.StdEncoding.EncodeToString(serialized),
		map[string]interface{}{"encoding": "base64", "commitment": CommitmentConfirmed},
	}
	var result struct {
		Value struct {
			Err  interface{} `json:"err"`
			Logs []string    `json:"logs"`
		} `json:"value"`
	}
	if err := c.call(ctx, "simulateTransaction", params, &result); err != nil {
		return nil, err
	}
	return &SimulationResult{Err: result.Value.Err, Logs: result.Value.Logs}, nil
}

// GetSignatureStatuses retrieves confirmation status for signatures.
func (c *HTTPClient) GetSignatureStatuses(ctx context.Context, signatures []string) ([]*SignatureStatus, error) {
	params := []interface{}{
		signatures,
		map[string]interface{}{"searchTransactionHistory": true},
	}
	var result struct {
		Value []*struct {
			Slot               int64       `json:"slot"`
			Confirmations      *uint64     `json:"confirmations"`
			ConfirmationStatus string      `json:"confirmationStatus"`
			Err                interface{} `json:"err"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getSignatureStatuses", params, &result); err != nil {
		return nil, err
	}

	statuses := make([]*SignatureStatus, len(result.Value))
	for i, v := range result.Value {
		if v == nil {
			continue
		}
		statuses[i] = &SignatureStatus{
			Slot:               v.Slot,
			Confirmations:      v.Confirmations,
			ConfirmationStatus: v.ConfirmationStatus,
			Err:                v.Err,
		}
	}
	return statuses, nil
}

// ConfirmTransaction polls getSignatureStatuses until the signature reaches
// the commitment level. Bounded by ctx or the client's confirm expiry,
// whichever ends first. Timeout is surfaced as errcode.TxTimeout: the
// transaction may still confirm later and chain truth stays authoritative.
func (c *HTTPClient) ConfirmTransaction(ctx context.Context, signature, commitment string) error {
	if commitment == "" {
		commitment = CommitmentConfirmed
	}

	ctx, cancel := context.WithTimeout(ctx, c.confirmExpiry)
	defer cancel()

	ticker := time.NewTicker(c.confirmPoll)
	defer ticker.Stop()

	for {
		statuses, err := c.GetSignatureStatuses(ctx, []string{signature})
		if err == nil && len(statuses) > 0 && statuses[0] != nil {
			st := statuses[0]
			if st.Err != nil {
				return errcode.New(errcode.TxFailed, "transaction %s failed on-chain: %v", signature, st.Err)
			}
			if commitmentReached(st.ConfirmationStatus, commitment) {
				return nil
			}
		}
		// transient status errors fall through to the next poll

		select {
		case <-ctx.Done():
			return errcode.Wrap(errcode.TxTimeout, ctx.Err(), "confirmation wait for %s expired", signature)
		case <-ticker.C:
		}
	}
}

// commitmentReached reports whether got satisfies want, ordered
// processed < confirmed < finalized.
func commitmentReached(got, want string) bool {
	rank := map[string]int{
		CommitmentProcessed: 1,
		CommitmentConfirmed: 2,
		CommitmentFinalized: 3,
	}
	return rank[got] >= rank[want] && rank[got] > 0
}

// GetSlot retrieves the current slot.
func (c *HTTPClient) GetSlot(ctx context.Context) (int64, error) {
	var result int64
	if err := c.call(ctx, "getSlot", nil, &result); err != nil {
		return 0, err
	}
	return result, nil
}

// GetBlockTime retrieves the estimated production time of a block.
func (c *HTTPClient) GetBlockTime(ctx context.Context, slot int64) (*int64, error) {
	params := []interface{}{slot}
	var result *int64
	if err := c.call(ctx, "getBlockTime", params, &result); err != nil {
		return nil, err
	}
	return result, nil
}
