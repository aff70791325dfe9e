package wasihost

import (
	"testing"

	"github.com/cuemby/outlayer/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestBuildEnvBlockchainMode(t *testing.T) {
	limits := types.ResourceLimits{MaxInstructions: 1000, MaxMemoryMB: 128, MaxExecutionSeconds: 60}
	env := BuildEnv(limits, EnvContext{
		ExecutionType:   types.ExecutionTypeNEAR,
		NetworkID:       "mainnet",
		SenderID:        "alice.near",
		UserAccountID:   "alice.near",
		ContractID:      "outlayer.near",
		BlockHeight:     12345,
		BlockTimestamp:  1700000000,
		TransactionHash: "txhash",
		RequestID:       "7",
		PaymentYocto:    "1000",
		AttachedUSD:     "2.00",
	}, nil)

	require.Equal(t, "NEAR", env["OUTLAYER_EXECUTION_TYPE"])
	require.Equal(t, "mainnet", env["NEAR_NETWORK_ID"])
	require.Equal(t, "1000", env["NEAR_MAX_INSTRUCTIONS"])
	require.Equal(t, "128", env["NEAR_MAX_MEMORY_MB"])
	require.Equal(t, "60", env["NEAR_MAX_EXECUTION_SECONDS"])
	require.Equal(t, "outlayer.near", env["NEAR_CONTRACT_ID"])
	require.Equal(t, "12345", env["NEAR_BLOCK_HEIGHT"])
	require.Equal(t, "7", env["NEAR_REQUEST_ID"])
	require.Equal(t, "1000", env["NEAR_PAYMENT_YOCTO"])
	require.Equal(t, "2.00", env["ATTACHED_USD"])

	// HTTPS-only variables are absent in blockchain mode.
	require.NotContains(t, env, "OUTLAYER_CALL_ID")
	require.NotContains(t, env, "USD_PAYMENT")
}

func TestBuildEnvHTTPSMode(t *testing.T) {
	limits := types.ResourceLimits{MaxInstructions: 1, MaxMemoryMB: 1, MaxExecutionSeconds: 1}
	env := BuildEnv(limits, EnvContext{
		ExecutionType: types.ExecutionTypeHTTPS,
		CallID:        "call-1",
		USDPayment:    "0.10",
	}, nil)

	require.Equal(t, "HTTPS", env["OUTLAYER_EXECUTION_TYPE"])
	require.Equal(t, "call-1", env["OUTLAYER_CALL_ID"])
	require.Equal(t, "0.10", env["USD_PAYMENT"])
	require.NotContains(t, env, "NEAR_CONTRACT_ID")
}

func TestBuildEnvProjectAndSecrets(t *testing.T) {
	limits := types.ResourceLimits{MaxInstructions: 1, MaxMemoryMB: 1, MaxExecutionSeconds: 1}
	env := BuildEnv(limits, EnvContext{
		ExecutionType: types.ExecutionTypeHTTPS,
		Project:       &types.Project{ID: "uuid-1", Owner: "acme", Name: "app"},
	}, map[string]string{"API_KEY": "shh"})

	require.Equal(t, "uuid-1", env["OUTLAYER_PROJECT_ID"])
	require.Equal(t, "acme", env["OUTLAYER_PROJECT_OWNER"])
	require.Equal(t, "app", env["OUTLAYER_PROJECT_NAME"])
	require.Equal(t, "uuid-1", env["OUTLAYER_PROJECT_UUID"])
	require.Equal(t, "shh", env["API_KEY"])
}
