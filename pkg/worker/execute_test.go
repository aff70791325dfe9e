package worker

import (
	"bytes"
	"testing"

	"github.com/cuemby/outlayer/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestTruncateOutputAtLimitIsVerbatim(t *testing.T) {
	out := bytes.Repeat([]byte("x"), outputLimitNEAR)
	require.Equal(t, out, truncateOutput(out, outputLimitNEAR))
}

func TestTruncateOutputOneByteOverGetsMarker(t *testing.T) {
	out := bytes.Repeat([]byte("x"), outputLimitNEAR+1)
	truncated := truncateOutput(out, outputLimitNEAR)

	require.Len(t, truncated, outputLimitNEAR)
	require.True(t, bytes.HasSuffix(truncated, truncationMarker))
	require.Equal(t, out[:outputLimitNEAR-len(truncationMarker)], truncated[:outputLimitNEAR-len(truncationMarker)])
}

func TestSinkOutputLimitByExecutionType(t *testing.T) {
	require.Equal(t, outputLimitNEAR, sinkOutputLimit(types.ExecutionTypeNEAR))
	require.Equal(t, outputLimitHTTPS, sinkOutputLimit(types.ExecutionTypeHTTPS))
}

func TestEnvContextFromJobBlockchainMode(t *testing.T) {
	job := &types.Job{
		RequestID: "42",
		ProjectID: "proj-uuid",
		Payment:   types.PaymentEnvelope{AttachedYocto: "1000", AttachedUSD: "1.50"},
		Context: types.ExecutionContext{
			ExecutionType:   types.ExecutionTypeNEAR,
			NetworkID:       "mainnet",
			SenderID:        "alice.near",
			ContractID:      "outlayer.near",
			BlockHeight:     777,
			TransactionHash: "txhash",
		},
	}

	ec := envContextFromJob(job)
	require.Equal(t, types.ExecutionTypeNEAR, ec.ExecutionType)
	require.Equal(t, "42", ec.RequestID)
	require.Equal(t, "outlayer.near", ec.ContractID)
	require.Equal(t, uint64(777), ec.BlockHeight)
	require.Equal(t, "1000", ec.PaymentYocto)
	require.Equal(t, "1.50", ec.AttachedUSD)
	require.NotNil(t, ec.Project)
	require.Equal(t, "proj-uuid", ec.Project.ID)
}

func TestEnvContextFromJobHTTPSMode(t *testing.T) {
	job := &types.Job{
		RequestID: "43",
		Payment:   types.PaymentEnvelope{AttachedUSD: "0.25"},
		Context: types.ExecutionContext{
			ExecutionType: types.ExecutionTypeHTTPS,
			CallID:        "call-9",
		},
	}

	ec := envContextFromJob(job)
	require.Equal(t, types.ExecutionTypeHTTPS, ec.ExecutionType)
	require.Equal(t, "call-9", ec.CallID)
	require.Equal(t, "0.25", ec.USDPayment)
	require.Nil(t, ec.Project)
}
