package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"pledger/pkg/domain"
	"pledger/pkg/platform/sentinel"
)

// HorizonClient talks to a horizon-style ledger REST API. Different driver
// versions return payments either as objects or associative maps; this
// client normalizes everything into the package's result types at the wire
// boundary.
type HorizonClient struct {
	baseURL string
	http    *http.Client
	breaker *breaker
}

// NewHorizonClient builds a client for the given endpoint.
func NewHorizonClient(baseURL string, timeout time.Duration) *HorizonClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HorizonClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: newBreaker(),
	}
}

type horizonAccount struct {
	ID       string `json:"id"`
	Sequence string `json:"sequence"`
	Balances []struct {
		AssetCode string `json:"asset_code"`
		Balance   string `json:"balance"`
	} `json:"balances"`
}

type horizonFeeStats struct {
	LastLedgerBaseFee string `json:"last_ledger_base_fee"`
	FeeCharged        struct {
		P10 string `json:"p10"`
		P50 string `json:"p50"`
		P90 string `json:"p90"`
	} `json:"fee_charged"`
}

type horizonSubmitResponse struct {
	Hash           string `json:"hash"`
	FeeCharged     int64  `json:"fee_charged"`
	OperationCount int    `json:"operation_count"`
	Successful     bool   `json:"successful"`
}

type horizonError struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
	Extras struct {
		ResultCode string `json:"result_code"`
	} `json:"extras"`
}

type horizonTxPage struct {
	Records []struct {
		Hash           string    `json:"hash"`
		SourceAccount  string    `json:"source_account"`
		Sequence       string    `json:"source_account_sequence"`
		Memo           string    `json:"memo"`
		FeeCharged     int64     `json:"fee_charged"`
		OperationCount int       `json:"operation_count"`
		Successful     bool      `json:"successful"`
		CreatedAt      time.Time `json:"created_at"`
	} `json:"records"`
	NextCursor string `json:"next_cursor"`
}

func (c *HorizonClient) AccountDetail(ctx context.Context, accountID string) (AccountDetail, error) {
	var acct horizonAccount
	if err := c.getJSON(ctx, "/accounts/"+url.PathEscape(accountID), &acct); err != nil {
		return AccountDetail{}, err
	}
	seq, err := strconv.ParseInt(acct.Sequence, 10, 64)
	if err != nil {
		return AccountDetail{}, fmt.Errorf("parse account sequence %q: %w", acct.Sequence, err)
	}
	detail := AccountDetail{AccountID: acct.ID, Sequence: seq}
	for _, b := range acct.Balances {
		amount, err := domain.ParseMoney(b.Balance, b.AssetCode)
		if err != nil {
			continue
		}
		detail.Balances = append(detail.Balances, Balance{Asset: b.AssetCode, Amount: amount})
	}
	return detail, nil
}

func (c *HorizonClient) FeeStats(ctx context.Context) (FeeStats, error) {
	// Fee stats are advisory; fail fast while the endpoint is degraded so
	// the advisor falls back to its static minimum.
	if c.breaker.isOpen() {
		return FeeStats{}, sentinel.ErrUnavailable
	}
	var stats horizonFeeStats
	if err := c.getJSON(ctx, "/fee_stats", &stats); err != nil {
		return FeeStats{}, err
	}
	out := FeeStats{
		LastBaseFee: parseFee(stats.LastLedgerBaseFee),
		P10:         parseFee(stats.FeeCharged.P10),
		P50:         parseFee(stats.FeeCharged.P50),
		P90:         parseFee(stats.FeeCharged.P90),
	}
	return out, nil
}

func parseFee(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (c *HorizonClient) Submit(ctx context.Context, env SignedEnvelope) (SubmitResult, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transactions", bytes.NewReader(body))
	if err != nil {
		return SubmitResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.recordFailure()
		return SubmitResult{}, &SubmitError{Kind: FailureNetworkTimeout, Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		c.breaker.recordSuccess()
		var out horizonSubmitResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return SubmitResult{}, fmt.Errorf("decode submit response: %w", err)
		}
		if !out.Successful {
			return SubmitResult{}, &SubmitError{Kind: FailureRejected, Detail: "ledger reported unsuccessful transaction"}
		}
		return SubmitResult{
			Hash:           out.Hash,
			FeeCharged:     out.FeeCharged,
			OperationCount: out.OperationCount,
		}, nil
	}

	if resp.StatusCode == http.StatusGatewayTimeout || resp.StatusCode == http.StatusServiceUnavailable {
		c.breaker.recordFailure()
		return SubmitResult{}, &SubmitError{Kind: FailureNetworkTimeout, Detail: resp.Status}
	}

	c.breaker.recordSuccess() // endpoint is up; the transaction was rejected
	var herr horizonError
	_ = json.NewDecoder(resp.Body).Decode(&herr)
	return SubmitResult{}, classifyResultCode(herr.Extras.ResultCode, herr.Detail)
}

// classifyResultCode maps horizon result codes onto the failure taxonomy.
func classifyResultCode(code, detail string) *SubmitError {
	if detail == "" {
		detail = code
	}
	switch code {
	case "tx_bad_seq":
		return &SubmitError{Kind: FailureSequenceStale, Detail: detail}
	case "tx_insufficient_fee":
		return &SubmitError{Kind: FailureInsufficientFee, Detail: detail}
	case "tx_insufficient_balance", "op_underfunded":
		return &SubmitError{Kind: FailureInsufficientBalance, Detail: detail}
	default:
		return &SubmitError{Kind: FailureRejected, Detail: detail}
	}
}

func (c *HorizonClient) TransactionsForAccount(ctx context.Context, accountID, cursor string, limit int) (TransactionPage, error) {
	if limit <= 0 {
		limit = 20
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("order", "desc")
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var page horizonTxPage
	path := "/accounts/" + url.PathEscape(accountID) + "/transactions?" + q.Encode()
	if err := c.getJSON(ctx, path, &page); err != nil {
		return TransactionPage{}, err
	}
	out := TransactionPage{NextCursor: page.NextCursor}
	for _, r := range page.Records {
		seq, _ := strconv.ParseInt(r.Sequence, 10, 64)
		out.Records = append(out.Records, TransactionInfo{
			Hash:           r.Hash,
			SourceAccount:  r.SourceAccount,
			Sequence:       seq,
			Memo:           r.Memo,
			FeeCharged:     r.FeeCharged,
			OperationCount: r.OperationCount,
			Successful:     r.Successful,
			CreatedAt:      r.CreatedAt,
		})
	}
	return out, nil
}

func (c *HorizonClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.recordFailure()
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return &SubmitError{Kind: FailureNetworkTimeout, Detail: err.Error()}
		}
		return fmt.Errorf("horizon %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		c.breaker.recordSuccess()
		return sentinel.ErrNotFound
	case resp.StatusCode >= 500:
		c.breaker.recordFailure()
		return &SubmitError{Kind: FailureNetworkTimeout, Detail: resp.Status}
	case resp.StatusCode != http.StatusOK:
		c.breaker.recordSuccess()
		return fmt.Errorf("horizon %s: unexpected status %s", path, resp.Status)
	}
	c.breaker.recordSuccess()
	return json.NewDecoder(resp.Body).Decode(out)
}
