package bt

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Logger {
	return log.New(&bytes.Buffer{}, "", 0)
}

func TestMockRadio_ScanReportsVisiblePeripherals(t *testing.T) {
	logger := testLogger()
	hr := NewMockPeripheral(logger, "00:11:22:33:44:01", "HR Strap", ServiceUUIDHeartRate)
	hidden := NewMockPeripheral(logger, "00:11:22:33:44:02", "Hidden", ServiceUUIDCyclingPower)
	hidden.SetAdvertising(false)
	radio := NewMockRadio(logger, hr, hidden)
	radio.SetScanInterval(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	seen := map[string]Advertisement{}
	done := make(chan error, 1)
	go func() {
		done <- radio.Scan(ctx, func(adv Advertisement) {
			mu.Lock()
			seen[adv.Address] = adv
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	adv := seen["00:11:22:33:44:01"]
	assert.Equal(t, "HR Strap", adv.DisplayName())
	assert.True(t, adv.HasServiceUUID(ServiceUUIDHeartRate))
}

func TestMockRadio_ScanError(t *testing.T) {
	radio := NewMockRadio(testLogger())
	radio.SetScanError(errors.New("adapter off"))

	err := radio.Scan(context.Background(), func(Advertisement) {})
	var de *DiscoveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "scan", de.Op)
}

func TestMockRadio_ConnectUnknown(t *testing.T) {
	radio := NewMockRadio(testLogger())
	_, err := radio.Connect(context.Background(), "aa:bb")
	var de *DiscoveryError
	assert.ErrorAs(t, err, &de)
}

func TestMockRadio_ConnectHonoursContext(t *testing.T) {
	logger := testLogger()
	p := NewMockPeripheral(logger, "aa", "Slow", ServiceUUIDHeartRate)
	p.SetConnectDelay(time.Second)
	radio := NewMockRadio(logger, p)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := radio.Connect(ctx, "aa")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, p.IsConnected())
}

func TestMockLink_NotificationsAndWrites(t *testing.T) {
	logger := testLogger()
	p := NewMockPeripheral(logger, "aa", "Trainer", ServiceUUIDFTMS)
	radio := NewMockRadio(logger, p)

	link, err := radio.Connect(context.Background(), "aa")
	require.NoError(t, err)
	assert.True(t, p.IsConnected())
	assert.Equal(t, 1, p.ConnectCount())

	services, err := link.DiscoverServices(context.Background())
	require.NoError(t, err)
	assert.True(t, services.Has(ServiceUUIDFTMS))

	var got []byte
	require.NoError(t, link.EnableNotifications(context.Background(), ServiceUUIDFTMS, CharUUIDFTMSControlPoint, func(b []byte) { got = b }))
	assert.True(t, p.Subscribed(ServiceUUIDFTMS, CharUUIDFTMSControlPoint))

	p.OnWrite(ServiceUUIDFTMS, CharUUIDFTMSControlPoint, func(data []byte) error {
		p.Notify(ServiceUUIDFTMS, CharUUIDFTMSControlPoint, []byte{0x80, data[0], 0x01})
		return nil
	})
	require.NoError(t, link.WriteCharacteristic(context.Background(), ServiceUUIDFTMS, CharUUIDFTMSControlPoint, []byte{0x00}))
	assert.Equal(t, []byte{0x80, 0x00, 0x01}, got)

	writes := p.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "00", writes[0].DataHex)
}

func TestMockLink_DropClosesDone(t *testing.T) {
	logger := testLogger()
	p := NewMockPeripheral(logger, "aa", "HR", ServiceUUIDHeartRate)
	radio := NewMockRadio(logger, p)
	link, err := radio.Connect(context.Background(), "aa")
	require.NoError(t, err)
	require.NoError(t, link.EnableNotifications(context.Background(), ServiceUUIDHeartRate, CharUUIDHeartRateMeasurement, func([]byte) {}))

	p.DropLink()

	select {
	case <-link.Done():
	case <-time.After(time.Second):
		t.Fatal("link Done not closed")
	}
	assert.False(t, p.IsConnected())
	assert.False(t, p.Subscribed(ServiceUUIDHeartRate, CharUUIDHeartRateMeasurement))
	_, err = link.ReadCharacteristic(context.Background(), ServiceUUIDHeartRate, CharUUIDHeartRateMeasurement)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestMockLink_ReadScript(t *testing.T) {
	logger := testLogger()
	p := NewMockPeripheral(logger, "aa", "Trainer", ServiceUUIDFTMS)
	p.SetRead(ServiceUUIDFTMS, CharUUIDFTMSFeature, []byte{1, 2})
	p.SetReadError(ServiceUUIDFTMS, CharUUIDSupportedPowerRange, errors.New("gatt error"))
	radio := NewMockRadio(logger, p)
	link, err := radio.Connect(context.Background(), "aa")
	require.NoError(t, err)

	data, err := link.ReadCharacteristic(context.Background(), ServiceUUIDFTMS, CharUUIDFTMSFeature)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, data)

	_, err = link.ReadCharacteristic(context.Background(), ServiceUUIDFTMS, CharUUIDSupportedPowerRange)
	assert.EqualError(t, err, "gatt error")
}

func TestRunWithContext_ReturnsEarly(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	release := make(chan struct{})
	defer close(release)
	err := runWithContext(ctx, func() error {
		<-release
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
