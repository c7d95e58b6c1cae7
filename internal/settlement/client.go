// Package settlement abstracts the external value-transfer network. Two
// implementations exist: a simulated client that never performs I/O and a
// live client that speaks to the network's HTTP gateway and mirror APIs.
// The variant is selected once at construction time, never per call.
package settlement

import (
	"context"
	"time"

	"github.com/solidcrowd/crowdledger/internal/config"
	"github.com/solidcrowd/crowdledger/pkg/utils"
)

// Account holds the result of provisioning a settlement account
type Account struct {
	AccountID string `json:"account_id"`
	Secret    string `json:"secret"`
	// Degraded marks accounts created through the local fallback path after
	// a remote failure; they need operator follow-up before live transfers.
	Degraded bool `json:"degraded"`
}

// TransferRequest describes a value transfer. Amount is in the platform's
// currency of record; each implementation decides how that maps onto the
// network it settles against (the live client converts to the network's
// smallest unit, the simulated client books it as-is).
type TransferRequest struct {
	SenderAccount   string `json:"sender_account"`
	SenderSecret    string `json:"-"`
	ReceiverAccount string `json:"receiver_account"`
	Amount          int64  `json:"amount"`
	Memo            string `json:"memo"`
}

// Client is the capability set of the settlement network. Transfer returns
// ok=false (with err=nil) for a clean remote rejection; err is reserved for
// transport-level failures such as timeouts and malformed responses.
type Client interface {
	CreateAccount(ctx context.Context, initialBalance int64) (*Account, error)
	GetBalance(ctx context.Context, accountID string) int64
	Transfer(ctx context.Context, req *TransferRequest) (txRef string, ok bool, err error)
	VerifyTransaction(ctx context.Context, txRef string) (bool, error)
	Mode() string
}

// ClientConfig holds settlement client configuration
type ClientConfig struct {
	Mode            string        `json:"mode"`
	GatewayURL      string        `json:"gateway_url"`
	MirrorURL       string        `json:"mirror_url"`
	OperatorAccount string        `json:"operator_account"`
	RequestTimeout  time.Duration `json:"request_timeout"`
	TransferFee     int64         `json:"transfer_fee"`
	RateSourceURL   string        `json:"rate_source_url"`
	FallbackRate    float64       `json:"fallback_rate"`
}

// NewClient creates a settlement client based on configuration
func NewClient(cfg *config.SettlementConfig) (Client, error) {
	clientCfg := &ClientConfig{
		Mode:            cfg.Mode,
		GatewayURL:      cfg.GatewayURL,
		MirrorURL:       cfg.MirrorURL,
		OperatorAccount: cfg.OperatorAccount,
		RequestTimeout:  cfg.RequestTimeout,
		TransferFee:     cfg.TransferFee,
		RateSourceURL:   cfg.RateSourceURL,
		FallbackRate:    cfg.FallbackRate,
	}

	switch cfg.Mode {
	case "simulated":
		return NewSimulatedClient(), nil
	case "live":
		return NewLiveClient(clientCfg), nil
	default:
		return nil, utils.NewAppError(utils.ErrCodeConfiguration,
			"Unsupported settlement mode", cfg.Mode)
	}
}
