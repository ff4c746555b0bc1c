package recordstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/AzimPower/investpro-sub001/settlement"
)

var _ settlement.RecordStore = (*Client)(nil)

// Client is a settlement.RecordStore over HTTP.
//
// Every call is independently durable once acknowledged. Transport errors,
// timeouts and 5xx answers become ErrStoreUnavailable: the write may or
// may not have been applied, and the coordinator's keys sort that out.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        logrus.FieldLogger
	observe    func(op string, seconds float64, err error)
}

// Config holds client configuration.
type Config struct {
	URL        string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     logrus.FieldLogger

	// Observe, if set, is called after every request with its latency.
	Observe func(op string, seconds float64, err error)
}

// New creates a new record store client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("record store URL is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid record store URL: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	log := cfg.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		httpClient: httpClient,
		log:        log,
		observe:    cfg.Observe,
	}, nil
}

// =============================================================================
// USERS
// =============================================================================

func (c *Client) GetUser(ctx context.Context, id settlement.UserID) (settlement.User, error) {
	var u User
	if err := c.call(ctx, "get_user", http.MethodGet, "/users/"+url.PathEscape(string(id)), nil, &u); err != nil {
		return settlement.User{}, err
	}
	return u.ToUser(), nil
}

func (c *Client) UpdateUser(ctx context.Context, upd settlement.UserUpdate) error {
	return c.call(ctx, "update_user", http.MethodPut, "/users", UpdateUserRequest{
		ID:              string(upd.ID),
		Balance:         upd.Balance,
		TotalEarned:     upd.TotalEarned,
		CreditKey:       upd.CreditKey,
		ExpectedVersion: upd.ExpectedVersion,
	}, nil)
}

func (c *Client) HasCredit(ctx context.Context, userID settlement.UserID, key string) (bool, error) {
	q := url.Values{}
	q.Set("userId", string(userID))
	q.Set("key", key)

	var st CreditStatus
	if err := c.call(ctx, "has_credit", http.MethodGet, "/credits?"+q.Encode(), nil, &st); err != nil {
		return false, err
	}
	return st.Applied, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (c *Client) AppendTransaction(ctx context.Context, tx settlement.Transaction) error {
	body := FromTransaction(tx)
	body.Action = ActionAdd
	return c.call(ctx, "append_transaction", http.MethodPost, "/transactions", body, nil)
}

func (c *Client) FindTransactionByKey(ctx context.Context, userID settlement.UserID, key string) (settlement.Transaction, bool, error) {
	q := url.Values{}
	q.Set("userId", string(userID))
	q.Set("idempotencyKey", key)

	var txs []Transaction
	if err := c.call(ctx, "find_transaction", http.MethodGet, "/transactions?"+q.Encode(), nil, &txs); err != nil {
		return settlement.Transaction{}, false, err
	}
	for _, tx := range txs {
		if tx.IdempotencyKey == key {
			return tx.ToTransaction(), true, nil
		}
	}
	return settlement.Transaction{}, false, nil
}

func (c *Client) ListTransactions(ctx context.Context, userID settlement.UserID) ([]settlement.Transaction, error) {
	q := url.Values{}
	q.Set("userId", string(userID))

	var txs []Transaction
	if err := c.call(ctx, "list_transactions", http.MethodGet, "/transactions?"+q.Encode(), nil, &txs); err != nil {
		return nil, err
	}
	result := make([]settlement.Transaction, len(txs))
	for i, tx := range txs {
		result[i] = tx.ToTransaction()
	}
	return result, nil
}

// =============================================================================
// LOT POSITIONS
// =============================================================================

func (c *Client) GetLotPosition(ctx context.Context, id settlement.LotPositionID) (settlement.LotPosition, error) {
	var p LotPosition
	if err := c.call(ctx, "get_lot_position", http.MethodGet, "/user_lots/"+url.PathEscape(string(id)), nil, &p); err != nil {
		return settlement.LotPosition{}, err
	}
	pos, err := p.ToLotPosition()
	if err != nil {
		return settlement.LotPosition{}, fmt.Errorf("%w: malformed lot position: %v", settlement.ErrStoreUnavailable, err)
	}
	return pos, nil
}

func (c *Client) UpdateLastEarning(ctx context.Context, upd settlement.LastEarningUpdate) error {
	return c.call(ctx, "update_last_earning", http.MethodPost, "/user_lots", UpdateLastEarningRequest{
		Action:                  ActionUpdateLastEarning,
		UserID:                  string(upd.UserID),
		LotID:                   string(upd.LotID),
		LastEarningDate:         upd.LastEarningDate.String(),
		ExpectedLastEarningDate: upd.ExpectedLastEarningDate.String(),
	}, nil)
}

// =============================================================================
// Internal Methods
// =============================================================================

// call sends one request. out receives the body of a 2xx answer; a write
// answering {success:false} is decoded into its sentinel error.
func (c *Client) call(ctx context.Context, op, method, path string, in, out any) (err error) {
	started := time.Now()
	defer func() {
		if c.observe != nil {
			c.observe(op, time.Since(started).Seconds(), err)
		}
	}()

	var body io.Reader
	if in != nil {
		data, merr := json.Marshal(in)
		if merr != nil {
			return fmt.Errorf("marshal %s request: %w", op, merr)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.WithError(err).WithField("op", op).Warn("record store request failed")
		return fmt.Errorf("%w: %s: %v", settlement.ErrStoreUnavailable, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %s: read response: %v", settlement.ErrStoreUnavailable, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeFailure(op, resp.StatusCode, data)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: %s: decode response: %v", settlement.ErrStoreUnavailable, op, err)
		}
		return nil
	}

	var res Result
	if len(data) > 0 {
		if err := json.Unmarshal(data, &res); err != nil {
			return fmt.Errorf("%w: %s: decode response: %v", settlement.ErrStoreUnavailable, op, err)
		}
		if !res.Success {
			return fmt.Errorf("%w: %s: %s", codeError(res.Error), op, res.Message)
		}
	}
	return nil
}

func decodeFailure(op string, status int, data []byte) error {
	var res Result
	_ = json.Unmarshal(data, &res)

	if status >= 500 && res.Error == "" {
		return fmt.Errorf("%w: %s: status %d", settlement.ErrStoreUnavailable, op, status)
	}
	code := res.Error
	if code == "" {
		switch status {
		case http.StatusNotFound:
			// a bare 404 on a lookup is a missing record of the looked-up kind
			if strings.Contains(op, "lot_position") {
				code = CodeLotPositionNotFound
			} else {
				code = CodeUserNotFound
			}
		case http.StatusConflict:
			code = CodeConcurrentModification
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			code = CodeValidation
		}
	}
	sentinel := codeError(code)
	if errors.Is(sentinel, settlement.ErrStoreUnavailable) && status < 500 {
		return fmt.Errorf("%w: %s: unexpected status %d", settlement.ErrStoreUnavailable, op, status)
	}
	if res.Message != "" {
		return fmt.Errorf("%w: %s: %s", sentinel, op, res.Message)
	}
	return fmt.Errorf("%w: %s", sentinel, op)
}
