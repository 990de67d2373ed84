package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	apperrors "github.com/R3E-Network/settlement_layer/internal/errors"
)

const (
	// rpcCodePreflightFailure is returned by sendTransaction when simulation fails.
	rpcCodePreflightFailure = -32002
	rpcCodeInvalidParams    = -32602
)

// LedgerCode renders a ledger execution error as a stable string.
func LedgerCode(txErr interface{}) string {
	if txErr == nil {
		return ""
	}
	if s, ok := txErr.(string); ok {
		return s
	}
	b, err := json.Marshal(txErr)
	if err != nil {
		return fmt.Sprint(txErr)
	}
	return string(b)
}

// ClassifyExecutionError maps a ledger execution error onto the settlement
// taxonomy. Token program error 1 (InsufficientFunds) and system program
// error 1 (ResultWithNegativeLamports) are funds failures.
func ClassifyExecutionError(txID string, txErr interface{}) *apperrors.ServiceError {
	code := LedgerCode(txErr)

	switch v := txErr.(type) {
	case string:
		switch v {
		case "InsufficientFundsForFee", "InsufficientFundsForRent":
			return apperrors.InsufficientFunds("fee payer cannot cover %s", v).WithTxID(txID).WithLedgerCode(code)
		case "BlockhashNotFound":
			return apperrors.DeliveryExpired(txID).WithLedgerCode(code)
		}
	case map[string]interface{}:
		if custom, ok := instructionCustomCode(v); ok && custom == 1 {
			return apperrors.InsufficientFunds("instruction failed with insufficient funds").WithTxID(txID).WithLedgerCode(code)
		}
		if _, ok := v["InsufficientFundsForRent"]; ok {
			return apperrors.InsufficientFunds("account cannot cover rent").WithTxID(txID).WithLedgerCode(code)
		}
	}
	return apperrors.DeliveryRejected(txID, code)
}

// instructionCustomCode extracts N from {"InstructionError":[i,{"Custom":N}]}.
func instructionCustomCode(m map[string]interface{}) (int, bool) {
	raw, ok := m["InstructionError"].([]interface{})
	if !ok || len(raw) != 2 {
		return 0, false
	}
	inner, ok := raw[1].(map[string]interface{})
	if !ok {
		return 0, false
	}
	switch n := inner["Custom"].(type) {
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

// ClassifySendError inspects an error returned by sendTransaction. When the
// ledger rejected the transaction in simulation the error is classified like
// an execution error; otherwise ok is false and the error is a transport
// failure.
func ClassifySendError(txID string, err error) (classified *apperrors.ServiceError, ok bool) {
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) {
		return nil, false
	}
	if rpcErr.Code != rpcCodePreflightFailure {
		if strings.Contains(strings.ToLower(rpcErr.Message), "blockhash not found") {
			return apperrors.DeliveryExpired(txID).WithLedgerCode("BlockhashNotFound"), true
		}
		return nil, false
	}
	if data, isMap := rpcErr.Data.(map[string]interface{}); isMap {
		if txErr, has := data["err"]; has && txErr != nil {
			return ClassifyExecutionError(txID, txErr), true
		}
	}
	return apperrors.DeliveryRejected(txID, rpcErr.Message), true
}

func isAccountMissing(err error) bool {
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return rpcErr.Code == rpcCodeInvalidParams && strings.Contains(rpcErr.Message, "could not find account")
}
