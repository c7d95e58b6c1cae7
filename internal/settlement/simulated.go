package settlement

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/solidcrowd/crowdledger/pkg/utils"
)

// SimulatedClient implements Client without touching any network. It keeps
// its account/balance state on the instance rather than in package-level
// globals, and exposes Reset so test suites can restore a known baseline.
// Balances are booked in the currency of record, one to one with request
// amounts; no rate conversion is simulated.
type SimulatedClient struct {
	mu       sync.Mutex
	accounts map[string]int64 // account id -> balance in currency of record
	txRefs   map[string]bool  // tx ref -> known
	calls    map[string]int   // operation -> invocation count
	logger   *logrus.Logger
}

// NewSimulatedClient creates a simulated settlement client
func NewSimulatedClient() *SimulatedClient {
	return &SimulatedClient{
		accounts: make(map[string]int64),
		txRefs:   make(map[string]bool),
		calls:    make(map[string]int),
		logger:   utils.GetLogger(),
	}
}

// Mode returns the client mode
func (c *SimulatedClient) Mode() string { return "simulated" }

// CreateAccount generates a plausible-looking account and secret
func (c *SimulatedClient) CreateAccount(ctx context.Context, initialBalance int64) (*Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["create_account"]++

	account := &Account{
		AccountID: utils.SimulatedAccountID(),
		Secret:    utils.SimulatedSecret(),
	}
	c.accounts[account.AccountID] = initialBalance

	c.logger.WithFields(logrus.Fields{
		"account_id": account.AccountID,
		"balance":    initialBalance,
	}).Debug("Simulated account created")

	return account, nil
}

// GetBalance returns the simulated balance, zero for unknown accounts
func (c *SimulatedClient) GetBalance(ctx context.Context, accountID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["get_balance"]++
	return c.accounts[accountID]
}

// Transfer records a transfer between simulated accounts. Transfers always
// succeed; unknown accounts are created on the fly so development flows do
// not depend on prior provisioning.
func (c *SimulatedClient) Transfer(ctx context.Context, req *TransferRequest) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["transfer"]++

	if req.Amount <= 0 {
		return "", false, nil
	}

	c.accounts[req.SenderAccount] -= req.Amount
	c.accounts[req.ReceiverAccount] += req.Amount

	txRef := utils.SimulatedTransactionRef()
	c.txRefs[txRef] = true

	c.logger.WithFields(logrus.Fields{
		"sender":   req.SenderAccount,
		"receiver": req.ReceiverAccount,
		"amount":   req.Amount,
		"tx_ref":   txRef,
	}).Debug("Simulated transfer executed")

	return txRef, true, nil
}

// VerifyTransaction reports whether the reference was issued by this client
func (c *SimulatedClient) VerifyTransaction(ctx context.Context, txRef string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["verify_transaction"]++
	return c.txRefs[txRef], nil
}

// CallCount returns how many times the given operation has been invoked
func (c *SimulatedClient) CallCount(operation string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[operation]
}

// SeedTransaction registers a transaction reference as known, for tests
// exercising the verification path
func (c *SimulatedClient) SeedTransaction(txRef string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txRefs[txRef] = true
}

// Reset restores the simulated network to an empty baseline
func (c *SimulatedClient) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accounts = make(map[string]int64)
	c.txRefs = make(map[string]bool)
	c.calls = make(map[string]int)
	c.logger.Info("Simulated settlement state reset")
}
