package x402

import (
	"bytes"
	"context"
	"errors"
	"math"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ERC-20 Transfer(address,address,uint256) event topic and the
// transfer(address,uint256) function selector.
var (
	transferTopic    = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")
	transferSelector = []byte{0xa9, 0x05, 0x9c, 0xbb}
)

const usdcDecimals = 6

// Verification is the outcome of checking one payment transaction.
// Valid+unconfirmed means the transfer looks right in the mempool and was
// delivered optimistically; the settler revisits it until it mines.
type Verification struct {
	Valid     bool
	Confirmed bool
	Reason    string
}

// Verifier is satisfied by *SettlementClient.
// Decoupled here so handler and settler tests can use a mock chain.
type Verifier interface {
	VerifyTransfer(ctx context.Context, txHash string, amountUSD float64) (Verification, error)
}

// SettlementClient checks USDC transfers against the chain: mined
// transactions by their receipt logs, pending ones by decoding the raw
// transfer calldata.
type SettlementClient struct {
	eth       *ethclient.Client
	contract  common.Address
	recipient common.Address
}

func NewSettlementClient(rpcURL string, contract, recipient string) (*SettlementClient, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, err
	}
	return &SettlementClient{
		eth:       eth,
		contract:  common.HexToAddress(contract),
		recipient: common.HexToAddress(recipient),
	}, nil
}

// usdcAmount converts a USD price to the token's 6-decimal base units.
func usdcAmount(amountUSD float64) *big.Int {
	return big.NewInt(int64(math.Round(amountUSD * math.Pow10(usdcDecimals))))
}

// VerifyTransfer checks that txHash pays at least amountUSD of USDC to the
// oracle's address. A transaction error is returned only for transport
// failures; verdicts about the payment itself go in the Verification.
func (c *SettlementClient) VerifyTransfer(ctx context.Context, txHash string, amountUSD float64) (Verification, error) {
	hash := common.HexToHash(txHash)
	expected := usdcAmount(amountUSD)

	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return c.verifyPending(ctx, hash, expected)
	}
	if err != nil {
		return Verification{}, err
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return Verification{Valid: false, Confirmed: true, Reason: "transaction_reverted"}, nil
	}
	for _, entry := range receipt.Logs {
		if entry.Address != c.contract || len(entry.Topics) < 3 || entry.Topics[0] != transferTopic {
			continue
		}
		recipient := common.BytesToAddress(entry.Topics[2].Bytes())
		if recipient != c.recipient {
			continue
		}
		amount := new(big.Int).SetBytes(entry.Data)
		if amount.Cmp(expected) >= 0 {
			return Verification{Valid: true, Confirmed: true}, nil
		}
		return Verification{Valid: false, Confirmed: true, Reason: "insufficient_amount"}, nil
	}
	return Verification{Valid: false, Confirmed: true, Reason: "no_usdc_transfer_found"}, nil
}

// verifyPending decodes an unmined transfer's calldata for optimistic
// delivery.
func (c *SettlementClient) verifyPending(ctx context.Context, hash common.Hash, expected *big.Int) (Verification, error) {
	tx, _, err := c.eth.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return Verification{Valid: false, Confirmed: false, Reason: "transaction_not_found"}, nil
	}
	if err != nil {
		return Verification{}, err
	}

	if tx.To() == nil || *tx.To() != c.contract {
		return Verification{Valid: false, Confirmed: false, Reason: "not_usdc_contract"}, nil
	}
	data := tx.Data()
	if len(data) < 68 || !bytes.Equal(data[:4], transferSelector) {
		return Verification{Valid: false, Confirmed: false, Reason: "not_transfer_call"}, nil
	}
	recipient := common.BytesToAddress(data[4+12 : 36])
	if recipient != c.recipient {
		return Verification{Valid: false, Confirmed: false, Reason: "wrong_recipient"}, nil
	}
	amount := new(big.Int).SetBytes(data[36:68])
	if amount.Cmp(expected) < 0 {
		return Verification{Valid: false, Confirmed: false, Reason: "insufficient_amount"}, nil
	}
	return Verification{Valid: true, Confirmed: false}, nil
}

// Contract returns the settlement token address, checksummed.
func (c *SettlementClient) Contract() string { return c.contract.Hex() }

// Recipient returns the payment address, checksummed.
func (c *SettlementClient) Recipient() string { return c.recipient.Hex() }

// normalizeAddr lowercases a 0x address for use as a map or redis key.
func normalizeAddr(addr string) string { return strings.ToLower(addr) }
