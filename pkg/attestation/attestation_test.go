package attestation

import (
	"crypto/ed25519"
	"encoding/json"
	"testing"
	"time"

	"github.com/cuemby/outlayer/pkg/apierr"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := GenerateSigningKey()
	require.NoError(t, err)

	raw, err := Sign("measurement-a", time.Hour, pub, priv)
	require.NoError(t, err)

	measurement, err := Verify(raw, []ed25519.PublicKey{pub}, map[string]bool{"measurement-a": true})
	require.NoError(t, err)
	require.Equal(t, "measurement-a", measurement)
}

func TestVerifyRejectsUntrustedRoot(t *testing.T) {
	pub, priv, err := GenerateSigningKey()
	require.NoError(t, err)
	otherPub, _, err := GenerateSigningKey()
	require.NoError(t, err)

	raw, err := Sign("measurement-a", time.Hour, pub, priv)
	require.NoError(t, err)

	_, err = Verify(raw, []ed25519.PublicKey{otherPub}, map[string]bool{"measurement-a": true})
	require.ErrorIs(t, err, apierr.ErrBadQuote)
}

func TestVerifyRejectsExpiredQuote(t *testing.T) {
	pub, priv, err := GenerateSigningKey()
	require.NoError(t, err)

	raw, err := Sign("measurement-a", -time.Minute, pub, priv)
	require.NoError(t, err)

	_, err = Verify(raw, []ed25519.PublicKey{pub}, map[string]bool{"measurement-a": true})
	require.ErrorIs(t, err, apierr.ErrBadQuote)
}

func TestVerifyRejectsUnknownMeasurement(t *testing.T) {
	pub, priv, err := GenerateSigningKey()
	require.NoError(t, err)

	raw, err := Sign("measurement-b", time.Hour, pub, priv)
	require.NoError(t, err)

	_, err = Verify(raw, []ed25519.PublicKey{pub}, map[string]bool{"measurement-a": true})
	require.ErrorIs(t, err, apierr.ErrMeasurementRejected)
}

func TestSignReportBindsReportData(t *testing.T) {
	pub, priv, err := GenerateSigningKey()
	require.NoError(t, err)

	report := []byte("execution-proof-preimage")
	raw, err := SignReport("measurement-a", report, time.Hour, pub, priv)
	require.NoError(t, err)

	// The untampered quote verifies and carries the report.
	q, err := ParseQuote(raw)
	require.NoError(t, err)
	require.Equal(t, report, q.Report)
	_, err = Verify(raw, []ed25519.PublicKey{pub}, map[string]bool{"measurement-a": true})
	require.NoError(t, err)

	// Swapping the report invalidates the signature.
	q.Report = []byte("a-different-preimage")
	tampered, err := json.Marshal(q)
	require.NoError(t, err)
	_, err = Verify(tampered, []ed25519.PublicKey{pub}, map[string]bool{"measurement-a": true})
	require.ErrorIs(t, err, apierr.ErrBadQuote)
}

func TestBuildPreimageIncludesV1FieldsByDefault(t *testing.T) {
	base := HashTuple{
		InputHash:  "in",
		WasmHash:   "wasm",
		OutputHash: "out",
		CreatedAt:  time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	withProject := base
	withProject.ProjectID = "acme/app"

	// Zero v1Since: the extension fields are part of the preimage.
	require.NotEqual(t, BuildPreimage(base, time.Time{}), BuildPreimage(withProject, time.Time{}))
}

func TestBuildPreimageActivationSwitchesAtInstant(t *testing.T) {
	v1Since := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	before := HashTuple{OutputHash: "out", ProjectID: "acme/app", CreatedAt: v1Since.Add(-time.Nanosecond)}
	beforeBare := before
	beforeBare.ProjectID = ""
	// Jobs created before the activation instant omit the extension fields.
	require.Equal(t, BuildPreimage(beforeBare, v1Since), BuildPreimage(before, v1Since))

	at := HashTuple{OutputHash: "out", ProjectID: "acme/app", CreatedAt: v1Since}
	atBare := at
	atBare.ProjectID = ""
	// At (and after) the instant, the fields are bound.
	require.NotEqual(t, BuildPreimage(atBare, v1Since), BuildPreimage(at, v1Since))
}
