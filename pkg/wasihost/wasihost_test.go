package wasihost

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
)

type fakeStorage struct {
	data map[string][]byte
}

func (f *fakeStorage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeStorage) Set(ctx context.Context, key string, value []byte) error {
	f.data[key] = value
	return nil
}

func (f *fakeStorage) SetIfEquals(ctx context.Context, key string, expected, value []byte) (bool, error) {
	cur, ok := f.data[key]
	if (!ok && expected != nil) || (ok && string(cur) != string(expected)) {
		return false, nil
	}
	f.data[key] = value
	return true, nil
}

type fakeHTTP struct {
	status   int
	respBody []byte
}

func (f *fakeHTTP) Do(ctx context.Context, method, url string, body []byte, timeout int) (int, []byte, error) {
	return f.status, f.respBody, nil
}

func TestRegisterInstallsHostModule(t *testing.T) {
	ctx := context.Background()
	runtime := wazero.NewRuntime(ctx)
	defer runtime.Close(ctx)

	storage := &fakeStorage{data: map[string][]byte{"k": []byte("v")}}
	httpHost := &fakeHTTP{status: 200, respBody: []byte("ok")}

	err := Register(ctx, runtime, storage, httpHost)
	require.NoError(t, err)
}

func TestRegisterToleratesNilCapabilities(t *testing.T) {
	ctx := context.Background()
	runtime := wazero.NewRuntime(ctx)
	defer runtime.Close(ctx)

	err := Register(ctx, runtime, nil, nil)
	require.NoError(t, err)
}
