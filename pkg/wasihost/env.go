package wasihost

import (
	"strconv"

	"github.com/cuemby/outlayer/pkg/types"
)

// EnvContext carries everything BuildEnv needs beyond the job's own
// resource limits: the execution-type-specific context keys and the
// project binding.
type EnvContext struct {
	ExecutionType types.ExecutionType

	NetworkID      string
	SenderID       string
	UserAccountID  string

	// Blockchain-mode-only fields.
	ContractID      string
	BlockHeight     uint64
	BlockTimestamp  int64
	TransactionHash string
	RequestID       string
	PaymentYocto    string
	AttachedUSD     string

	// HTTPS-mode-only fields.
	CallID     string
	USDPayment string

	// Project binding, set only when the job carries a project_id.
	Project *types.Project
}

// BuildEnv constructs the deterministic environment-variable table injected
// into every WASM execution: the always-set NEAR_* identity/limit
// variables, the mode-specific context block, the project-binding block
// when present, and finally one variable per decrypted secret key
// (secrets are written last, so a secret whose key matches a reserved
// name overwrites that variable; no collision check is made here).
func BuildEnv(limits types.ResourceLimits, ctx EnvContext, secrets map[string]string) map[string]string {
	env := map[string]string{
		"OUTLAYER_EXECUTION_TYPE":       string(ctx.ExecutionType),
		"NEAR_NETWORK_ID":               ctx.NetworkID,
		"NEAR_SENDER_ID":                ctx.SenderID,
		"NEAR_USER_ACCOUNT_ID":          ctx.UserAccountID,
		"NEAR_MAX_INSTRUCTIONS":         strconv.FormatUint(limits.MaxInstructions, 10),
		"NEAR_MAX_MEMORY_MB":            strconv.Itoa(limits.MaxMemoryMB),
		"NEAR_MAX_EXECUTION_SECONDS":    strconv.Itoa(limits.MaxExecutionSeconds),
	}

	switch ctx.ExecutionType {
	case types.ExecutionTypeNEAR:
		env["NEAR_CONTRACT_ID"] = ctx.ContractID
		env["NEAR_BLOCK_HEIGHT"] = strconv.FormatUint(ctx.BlockHeight, 10)
		env["NEAR_BLOCK_TIMESTAMP"] = strconv.FormatInt(ctx.BlockTimestamp, 10)
		env["NEAR_TRANSACTION_HASH"] = ctx.TransactionHash
		env["NEAR_REQUEST_ID"] = ctx.RequestID
		env["NEAR_PAYMENT_YOCTO"] = ctx.PaymentYocto
		env["ATTACHED_USD"] = ctx.AttachedUSD
	case types.ExecutionTypeHTTPS:
		env["OUTLAYER_CALL_ID"] = ctx.CallID
		env["USD_PAYMENT"] = ctx.USDPayment
	}

	if ctx.Project != nil {
		env["OUTLAYER_PROJECT_ID"] = ctx.Project.ID
		env["OUTLAYER_PROJECT_OWNER"] = ctx.Project.Owner
		env["OUTLAYER_PROJECT_NAME"] = ctx.Project.Name
		env["OUTLAYER_PROJECT_UUID"] = ctx.Project.ID
	}

	for k, v := range secrets {
		env[k] = v
	}

	return env
}
