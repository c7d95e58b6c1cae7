package settlement

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedCreateAccount(t *testing.T) {
	client := NewSimulatedClient()
	ctx := context.Background()

	account, err := client.CreateAccount(ctx, 5000)
	require.NoError(t, err)
	require.NotNil(t, account)
	assert.NotEmpty(t, account.AccountID)
	assert.NotEmpty(t, account.Secret)
	assert.False(t, account.Degraded)

	assert.Equal(t, int64(5000), client.GetBalance(ctx, account.AccountID))
	assert.Equal(t, 1, client.CallCount("create_account"))
}

func TestSimulatedTransfer(t *testing.T) {
	client := NewSimulatedClient()
	ctx := context.Background()

	sender, err := client.CreateAccount(ctx, 10000)
	require.NoError(t, err)
	receiver, err := client.CreateAccount(ctx, 0)
	require.NoError(t, err)

	txRef, ok, err := client.Transfer(ctx, &TransferRequest{
		SenderAccount:   sender.AccountID,
		SenderSecret:    sender.Secret,
		ReceiverAccount: receiver.AccountID,
		Amount:          3000,
		Memo:            "test transfer",
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, txRef)

	assert.Equal(t, int64(7000), client.GetBalance(ctx, sender.AccountID))
	assert.Equal(t, int64(3000), client.GetBalance(ctx, receiver.AccountID))

	executed, err := client.VerifyTransaction(ctx, txRef)
	require.NoError(t, err)
	assert.True(t, executed)
}

func TestSimulatedTransferRejectsNonPositiveAmount(t *testing.T) {
	client := NewSimulatedClient()
	ctx := context.Background()

	txRef, ok, err := client.Transfer(ctx, &TransferRequest{
		SenderAccount:   "0.0.sim1",
		ReceiverAccount: "0.0.sim2",
		Amount:          0,
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, txRef)
}

func TestSimulatedVerifyUnknownReference(t *testing.T) {
	client := NewSimulatedClient()

	executed, err := client.VerifyTransaction(context.Background(), "sim_tx_unknown")
	require.NoError(t, err)
	assert.False(t, executed)

	client.SeedTransaction("sim_tx_seeded")
	executed, err = client.VerifyTransaction(context.Background(), "sim_tx_seeded")
	require.NoError(t, err)
	assert.True(t, executed)
}

func TestSimulatedReset(t *testing.T) {
	client := NewSimulatedClient()
	ctx := context.Background()

	account, err := client.CreateAccount(ctx, 1000)
	require.NoError(t, err)
	require.Equal(t, 1, client.CallCount("create_account"))

	client.Reset()

	assert.Equal(t, int64(0), client.GetBalance(ctx, account.AccountID))
	assert.Equal(t, 0, client.CallCount("create_account"))
}

func TestSimulatedMode(t *testing.T) {
	assert.Equal(t, "simulated", NewSimulatedClient().Mode())
}
