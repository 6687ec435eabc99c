package device_test

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-verix/secsign/internal/device"
	"github.com/open-verix/secsign/internal/device/mock"
	"github.com/open-verix/secsign/internal/prompt"
)

func TestRegisterAndGet(t *testing.T) {
	device.Register("test-mock", mock.NewDriver(mock.NewCredential(nil, nil)))

	d, err := device.Get("test-mock")
	require.NoError(t, err)
	assert.Equal(t, "mock", d.Name())
	assert.Contains(t, device.List(), "test-mock")

	_, err = device.Get("nonexistent")
	var notFound *device.DriverNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "nonexistent", notFound.Name)
	assert.EqualError(t, err, "device driver not found: nonexistent")
}

func TestListSorted(t *testing.T) {
	device.Register("zz-driver", mock.NewDriver(nil))
	device.Register("aa-driver", mock.NewDriver(nil))

	names := device.List()
	for i := 1; i < len(names); i++ {
		assert.LessOrEqual(t, names[i-1], names[i])
	}
}

func TestAskPIN(t *testing.T) {
	ctx := context.Background()

	pin, err := device.AskPIN(ctx, device.Options{PIN: "preset"}, nil, prompt.PINRequest{})
	require.NoError(t, err)
	assert.Equal(t, "preset", pin)

	_, err = device.AskPIN(ctx, device.Options{PIN: "preset"}, nil, prompt.PINRequest{Retry: true})
	assert.True(t, errors.Is(err, prompt.ErrCanceled))

	pin, err = device.AskPIN(ctx, device.Options{}, &prompt.Static{PINValue: "asked"}, prompt.PINRequest{})
	require.NoError(t, err)
	assert.Equal(t, "asked", pin)
}
