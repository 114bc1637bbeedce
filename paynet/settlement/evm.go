package settlement

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/agentmarket/paynet/pkg/log"
	"github.com/agentmarket/paynet/pkg/payments"
	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ChannelContractABI is the subset of payment channel contract used for settlement.
const ChannelContractABI = `[
{"type":"function","name":"open","stateMutability":"payable","outputs":[],"inputs":[
 {"name":"channelId","type":"string"},{"name":"recipient","type":"address"},{"name":"token","type":"address"},
 {"name":"deposit","type":"uint256"},{"name":"duration","type":"uint64"}]},
{"type":"function","name":"close","stateMutability":"nonpayable","outputs":[],"inputs":[
 {"name":"channelId","type":"string"},{"name":"sequence","type":"uint64"},{"name":"amount","type":"uint64"},
 {"name":"cumulativeAmount","type":"uint64"},{"name":"resource","type":"string"},{"name":"recipient","type":"string"},
 {"name":"timestamp","type":"int64"},{"name":"signature","type":"bytes"}]},
{"type":"function","name":"forceClose","stateMutability":"nonpayable","outputs":[],"inputs":[
 {"name":"channelId","type":"string"},{"name":"sequence","type":"uint64"},{"name":"amount","type":"uint64"},
 {"name":"cumulativeAmount","type":"uint64"},{"name":"resource","type":"string"},{"name":"recipient","type":"string"},
 {"name":"timestamp","type":"int64"},{"name":"signature","type":"bytes"}]}
]`

// Backend is the part of ethclient.Client needed to submit transactions.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
}

var _ Backend = (*ethclient.Client)(nil)
var _ payments.Settlement = (*EVM)(nil)

type EVMConfig struct {
	Contract string
	// GasLimit is estimated when zero.
	GasLimit      uint64
	DisputeWindow time.Duration
}

// EVM submits open and close calls to a channel contract.
type EVM struct {
	backend  Backend
	key      *ecdsa.PrivateKey
	from     common.Address
	contract common.Address
	abi      abi.ABI

	gasLimit      uint64
	disputeWindow time.Duration
	chainID       *big.Int

	// serializes nonce usage
	mx sync.Mutex
}

func NewEVM(backend Backend, key *ecdsa.PrivateKey, cfg EVMConfig) (*EVM, error) {
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("incorrect contract address %q", cfg.Contract)
	}

	parsed, err := abi.JSON(strings.NewReader(ChannelContractABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract abi: %w", err)
	}

	window := cfg.DisputeWindow
	if window <= 0 {
		window = payments.DefaultDisputeWindow
	}

	return &EVM{
		backend:       backend,
		key:           key,
		from:          crypto.PubkeyToAddress(key.PublicKey),
		contract:      common.HexToAddress(cfg.Contract),
		abi:           parsed,
		gasLimit:      cfg.GasLimit,
		disputeWindow: window,
	}, nil
}

// DialEVM connects to rpc node, returned func closes connection.
func DialEVM(ctx context.Context, rpcURL string, key *ecdsa.PrivateKey, cfg EVMConfig) (*EVM, func(), error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to rpc node: %w", err)
	}

	e, err := NewEVM(client, key, cfg)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return e, client.Close, nil
}

func (e *EVM) Open(ctx context.Context, req payments.OpenRequest) (string, error) {
	if !common.IsHexAddress(req.Recipient) {
		return "", fmt.Errorf("recipient %q is not an evm address", req.Recipient)
	}

	var token common.Address
	value := new(big.Int)
	if req.Token == "" {
		// native coin deposit goes with the call
		value.SetUint64(req.Deposit)
	} else if common.IsHexAddress(req.Token) {
		token = common.HexToAddress(req.Token)
	} else {
		return "", fmt.Errorf("token %q is not an evm address", req.Token)
	}

	data, err := e.abi.Pack("open", req.ChannelID, common.HexToAddress(req.Recipient), token,
		new(big.Int).SetUint64(req.Deposit), uint64(req.Duration/time.Second))
	if err != nil {
		return "", fmt.Errorf("failed to pack open call: %w", err)
	}

	tx, err := e.send(ctx, value, data)
	if err != nil {
		return "", err
	}

	log.Info().Str("channel", req.ChannelID).Str("tx", tx).Str("network", req.Network).Msg("channel open transaction sent")
	return tx, nil
}

func (e *EVM) Close(ctx context.Context, req payments.CloseRequest) (payments.CloseReceipt, error) {
	method := "close"
	if req.Force {
		method = "forceClose"
	}

	c := req.Claim
	data, err := e.abi.Pack(method, req.ChannelID, c.Sequence, c.Amount, c.CumulativeAmount,
		c.Resource, c.Recipient, c.Timestamp.UnixMilli(), c.Signature)
	if err != nil {
		return payments.CloseReceipt{}, fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	tx, err := e.send(ctx, new(big.Int), data)
	if err != nil {
		return payments.CloseReceipt{}, err
	}

	rc := payments.CloseReceipt{TxID: tx, Final: !req.Force}
	if req.Force {
		rc.DisputeDeadline = time.Now().Add(e.disputeWindow)
	}
	return rc, nil
}

func (e *EVM) send(ctx context.Context, value *big.Int, data []byte) (string, error) {
	e.mx.Lock()
	defer e.mx.Unlock()

	if e.chainID == nil {
		id, err := e.backend.ChainID(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to get chain id: %w", err)
		}
		e.chainID = id
	}

	nonce, err := e.backend.PendingNonceAt(ctx, e.from)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price: %w", err)
	}

	gas := e.gasLimit
	if gas == 0 {
		gas, err = e.backend.EstimateGas(ctx, gethcore.CallMsg{
			From:  e.from,
			To:    &e.contract,
			Value: value,
			Data:  data,
		})
		if err != nil {
			return "", fmt.Errorf("failed to estimate gas: %w", err)
		}
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &e.contract,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(e.chainID), e.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign tx: %w", err)
	}

	if err = e.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("failed to send tx: %w", err)
	}
	return signed.Hash().Hex(), nil
}
