package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/brokerx/brokerx/services/order/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

type HTTPConfig struct {
	AccountURL       string
	WalletURL        string
	Timeout          time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// HTTPGateway talks to the account and wallet services' REST APIs.
type HTTPGateway struct {
	client     *http.Client
	accountURL string
	walletURL  string
	timeout    time.Duration
	accounts   *circuitBreaker
	wallets    *circuitBreaker
	logger     *slog.Logger
	metrics    *Metrics
}

func NewHTTP(cfg HTTPConfig, client *http.Client, logger *slog.Logger, m *Metrics) *HTTPGateway {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	g := &HTTPGateway{
		client:     client,
		accountURL: strings.TrimRight(cfg.AccountURL, "/"),
		walletURL:  strings.TrimRight(cfg.WalletURL, "/"),
		timeout:    cfg.Timeout,
		accounts:   newCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		wallets:    newCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		logger:     logger,
		metrics:    m,
	}
	g.accounts.onChange = g.breakerChanged("account")
	g.wallets.onChange = g.breakerChanged("wallet")
	return g
}

func (g *HTTPGateway) breakerChanged(upstream string) func(bool) {
	return func(open bool) {
		if open {
			g.logger.Warn("gateway circuit opened", "upstream", upstream)
		} else {
			g.logger.Info("gateway circuit closed", "upstream", upstream)
		}
		if g.metrics != nil {
			v := 0.0
			if open {
				v = 1
			}
			g.metrics.Breakers.WithLabelValues(upstream).Set(v)
		}
	}
}

type userResponse struct {
	UserID string `json:"userId"`
}

type accountResponse struct {
	AccountID string `json:"accountId"`
	UserID    string `json:"userId"`
	Status    string `json:"status"`
}

type walletResponse struct {
	WalletID  string          `json:"walletId"`
	AccountID string          `json:"accountId"`
	Balance   decimal.Decimal `json:"balance"`
	Currency  string          `json:"currency"`
}

func (g *HTTPGateway) ResolveAccount(ctx context.Context, identity string) (acct *domain.Account, err error) {
	defer func(start time.Time) { g.metrics.observe("resolve_account", start, err) }(time.Now())

	var user userResponse
	if err := g.get(ctx, g.accounts, g.accountURL, "/users/email/"+url.PathEscape(identity), ErrAccountNotFound, &user); err != nil {
		return nil, err
	}
	userID, err := uuid.Parse(user.UserID)
	if err != nil {
		return nil, fmt.Errorf("user lookup returned malformed id %q: %w", user.UserID, ErrAccountNotFound)
	}

	var account accountResponse
	if err := g.get(ctx, g.accounts, g.accountURL, "/accounts/user/"+userID.String(), ErrAccountNotFound, &account); err != nil {
		return nil, err
	}
	if account.UserID == "" {
		account.UserID = userID.String()
	}
	return toAccount(account)
}

func (g *HTTPGateway) GetAccount(ctx context.Context, accountID uuid.UUID) (acct *domain.Account, err error) {
	defer func(start time.Time) { g.metrics.observe("get_account", start, err) }(time.Now())

	var account accountResponse
	if err := g.get(ctx, g.accounts, g.accountURL, "/accounts/"+accountID.String(), ErrAccountNotFound, &account); err != nil {
		return nil, err
	}
	if account.AccountID == "" {
		account.AccountID = accountID.String()
	}
	return toAccount(account)
}

func (g *HTTPGateway) GetWallet(ctx context.Context, accountID uuid.UUID) (w *domain.Wallet, err error) {
	defer func(start time.Time) { g.metrics.observe("get_wallet", start, err) }(time.Now())

	var wallet walletResponse
	if err := g.get(ctx, g.wallets, g.walletURL, "/wallets/account/"+accountID.String(), ErrWalletNotFound, &wallet); err != nil {
		return nil, err
	}
	walletID, err := uuid.Parse(wallet.WalletID)
	if err != nil {
		return nil, fmt.Errorf("wallet lookup returned malformed id %q: %w", wallet.WalletID, ErrWalletNotFound)
	}
	return &domain.Wallet{ID: walletID, AccountID: accountID, Balance: wallet.Balance, Currency: wallet.Currency}, nil
}

func toAccount(r accountResponse) (*domain.Account, error) {
	id, err := uuid.Parse(r.AccountID)
	if err != nil {
		return nil, fmt.Errorf("account lookup returned malformed id %q: %w", r.AccountID, ErrAccountNotFound)
	}
	userID, _ := uuid.Parse(r.UserID)
	return &domain.Account{ID: id, UserID: userID, Status: domain.AccountStatus(strings.ToUpper(r.Status))}, nil
}

// get performs one bounded GET. 404 maps to notFound; transport errors, timeouts
// and 5xx map to ErrUnavailable and count against the breaker.
func (g *HTTPGateway) get(ctx context.Context, breaker *circuitBreaker, base, path string, notFound error, out any) error {
	if !breaker.Allow() {
		return fmt.Errorf("%s%s: circuit open: %w", base, path, ErrUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := g.client.Do(req)
	if err != nil {
		breaker.RecordFailure()
		return fmt.Errorf("GET %s: %v: %w", path, err, ErrUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		breaker.RecordSuccess()
		_, _ = io.Copy(io.Discard, resp.Body)
		return notFound
	case resp.StatusCode >= 500:
		breaker.RecordFailure()
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("GET %s: status %d: %w", path, resp.StatusCode, ErrUnavailable)
	case resp.StatusCode != http.StatusOK:
		breaker.RecordSuccess()
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		breaker.RecordFailure()
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("GET %s: %v: %w", path, err, ErrUnavailable)
		}
		return fmt.Errorf("decode %s: %w", path, err)
	}
	breaker.RecordSuccess()
	return nil
}
