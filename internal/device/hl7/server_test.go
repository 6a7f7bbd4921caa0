package hl7_test

import (
	"bytes"
	"context"
	stderrors "errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vungocdu/actiwell-iot-sub000/internal/device"
	"github.com/vungocdu/actiwell-iot-sub000/internal/device/hl7"
	"github.com/vungocdu/actiwell-iot-sub000/internal/errors"
	"github.com/vungocdu/actiwell-iot-sub000/internal/measurement"
)

type events struct {
	mu      sync.Mutex
	records []*measurement.Record
	errors  []int
}

func (e *events) handler() device.Handler {
	return device.HandlerFuncs{
		Measurement: func(rec *measurement.Record) {
			e.mu.Lock()
			e.records = append(e.records, rec)
			e.mu.Unlock()
		},
		Error: func(_ string, _ error, count int) {
			e.mu.Lock()
			e.errors = append(e.errors, count)
			e.mu.Unlock()
		},
	}
}

func (e *events) recordCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.records)
}

func (e *events) record(i int) *measurement.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.records[i]
}

type ackCounter struct {
	mu      sync.Mutex
	accepts int
	acks    int
}

func (m *ackCounter) FrameAccepted(device.Kind)          { m.mu.Lock(); m.accepts++; m.mu.Unlock() }
func (m *ackCounter) FrameDiscarded(device.Kind, string) {}
func (m *ackCounter) AckSent(device.Kind)                { m.mu.Lock(); m.acks++; m.mu.Unlock() }

func (m *ackCounter) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepts, m.acks
}

func startServer(t *testing.T, cfg hl7.Config) (*hl7.Server, *events) {
	t.Helper()

	cfg.Host = "127.0.0.1"
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	cfg.Device.PollTimeout = 20 * time.Millisecond

	srv := hl7.New(cfg)
	ev := &events{}
	srv.SetHandler(ev.handler())

	require.NoError(t, srv.Connect(context.Background()))
	t.Cleanup(func() { _ = srv.Disconnect() })

	return srv, ev
}

func dial(t *testing.T, srv *hl7.Server) net.Conn {
	t.Helper()

	addrs := srv.Addrs()
	require.NotEmpty(t, addrs)

	conn, err := net.Dial("tcp", addrs[0].String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

// readAcks collects every ACK frame received until the connection is
// quiet for quiet.
func readAcks(t *testing.T, conn net.Conn, quiet time.Duration) []string {
	t.Helper()

	framer := hl7.NewFramer(0)
	var acks []string
	buf := make([]byte, 1024)
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(quiet)))
		n, err := conn.Read(buf)
		msgs, _ := framer.Feed(buf[:n])
		for _, m := range msgs {
			acks = append(acks, string(m))
		}
		if err != nil {
			var netErr net.Error
			require.True(t, stderrors.As(err, &netErr) && netErr.Timeout(), "unexpected read error: %v", err)
			return acks
		}
	}
}

func TestServerScenarioSplitReads(t *testing.T) {
	metrics := &ackCounter{}
	srv, ev := startServer(t, hl7.Config{NoCommandPort: true, Device: device.Options{Metrics: metrics}})
	conn := dial(t, srv)

	framed := hl7.Wrap([]byte(scenarioMessage))
	parts := [][]byte{framed[:10], framed[10:60], framed[60:]}
	for _, p := range parts {
		_, err := conn.Write(p)
		require.NoError(t, err)
		time.Sleep(30 * time.Millisecond)
	}

	acks := readAcks(t, conn, 300*time.Millisecond)
	require.Len(t, acks, 1)
	assert.True(t, strings.HasPrefix(acks[0], "MSH|^~\\&|ACTIWELL|GATEWAY|ANALYZER|CLINIC|"))
	assert.Contains(t, acks[0], "\rMSA|AA|MSG00001|Message accepted\r")

	require.Eventually(t, func() bool { return ev.recordCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	rec := ev.record(0)
	assert.Equal(t, "0987654321", rec.CustomerPhone)
	assert.InDelta(t, 68.2, rec.WeightKg, 1e-9)
	assert.Equal(t, srv.Address(), rec.DeviceID)

	accepts, sent := metrics.counts()
	assert.Equal(t, 1, accepts)
	assert.Equal(t, 1, sent)
	assert.Equal(t, uint64(1), srv.Stats().MeasurementsReceived)
}

func TestServerOneAckPerMessage(t *testing.T) {
	srv, ev := startServer(t, hl7.Config{NoCommandPort: true})
	conn := dial(t, srv)

	var batch []byte
	for _, id := range []string{"A1", "A2", "A3"} {
		msg := strings.Replace(scenarioMessage, "MSG00001", id, 1)
		batch = append(batch, hl7.Wrap([]byte(msg))...)
	}
	_, err := conn.Write(batch)
	require.NoError(t, err)

	acks := readAcks(t, conn, 300*time.Millisecond)
	require.Len(t, acks, 3)
	for i, id := range []string{"A1", "A2", "A3"} {
		assert.Contains(t, acks[i], "MSA|AA|"+id+"|")
	}

	require.Eventually(t, func() bool { return ev.recordCount() == 3 }, 2*time.Second, 10*time.Millisecond)
	for i, id := range []string{"A1", "A2", "A3"} {
		assert.Equal(t, id, ev.record(i).MessageID)
	}
}

func TestServerInvalidRecordStillDelivered(t *testing.T) {
	srv, ev := startServer(t, hl7.Config{NoCommandPort: true})
	conn := dial(t, srv)

	msg := strings.Replace(scenarioMessage, "68.2|kg", "0|kg", 1)
	_, err := conn.Write(hl7.Wrap([]byte(msg)))
	require.NoError(t, err)

	require.Len(t, readAcks(t, conn, 300*time.Millisecond), 1)
	require.Eventually(t, func() bool { return ev.recordCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, measurement.StatusError, ev.record(0).Status)
	assert.Equal(t, uint64(1), srv.Stats().MeasurementsFailed)
}

func TestServerRejectsMessageWithoutHeader(t *testing.T) {
	srv, ev := startServer(t, hl7.Config{NoCommandPort: true})
	conn := dial(t, srv)

	_, err := conn.Write(hl7.Wrap([]byte("PID||0987654321\r")))
	require.NoError(t, err)

	acks := readAcks(t, conn, 300*time.Millisecond)
	require.Len(t, acks, 1)
	assert.Contains(t, acks[0], "MSA|AR|")
	assert.Zero(t, ev.recordCount())
}

func TestServerCommandPort(t *testing.T) {
	srv, ev := startServer(t, hl7.Config{})
	addrs := srv.Addrs()
	require.Len(t, addrs, 2)

	conn, err := net.Dial("tcp", addrs[1].String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(hl7.Wrap([]byte(scenarioMessage)))
	require.NoError(t, err)

	require.Len(t, readAcks(t, conn, 300*time.Millisecond), 1)
	require.Eventually(t, func() bool { return ev.recordCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestServerCommandPortFailureTolerated(t *testing.T) {
	cfg := hl7.Config{
		CommandPort: 2580,
		Listen: func(network, address string) (net.Listener, error) {
			if strings.HasSuffix(address, ":2580") {
				return nil, stderrors.New("address already in use")
			}
			return net.Listen(network, address)
		},
	}
	srv, _ := startServer(t, cfg)

	assert.Len(t, srv.Addrs(), 1)
	assert.Equal(t, device.StateConnected, srv.State())
	assert.True(t, srv.ValidateConnection())
}

func TestServerPrimaryBindFailure(t *testing.T) {
	srv := hl7.New(hl7.Config{
		Host:          "127.0.0.1",
		NoCommandPort: true,
		Listen: func(string, string) (net.Listener, error) {
			return nil, stderrors.New("permission denied")
		},
	})
	ev := &events{}
	srv.SetHandler(ev.handler())

	err := srv.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, device.ErrConnectFailed))
	assert.Equal(t, device.StateError, srv.State())
	assert.False(t, srv.ValidateConnection())
	ev.mu.Lock()
	assert.Len(t, ev.errors, 1)
	ev.mu.Unlock()
}

// faultyListener wraps a bound listener, failing Accept or the I/O of
// accepted connections.
type faultyListener struct {
	net.Listener
	acceptErr error
	readErr   error
	writeErr  error
}

func (l *faultyListener) Accept() (net.Conn, error) {
	if l.acceptErr != nil {
		return nil, l.acceptErr
	}
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &faultyConn{Conn: conn, readErr: l.readErr, writeErr: l.writeErr}, nil
}

type faultyConn struct {
	net.Conn
	readErr  error
	writeErr error
}

func (c *faultyConn) Read(b []byte) (int, error) {
	if c.readErr != nil {
		return 0, c.readErr
	}
	return c.Conn.Read(b)
}

func (c *faultyConn) Write(b []byte) (int, error) {
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	return c.Conn.Write(b)
}

func listenFaulty(tmpl faultyListener) hl7.Listener {
	return func(network, address string) (net.Listener, error) {
		ln, err := net.Listen(network, address)
		if err != nil {
			return nil, err
		}
		l := tmpl
		l.Listener = ln
		return &l, nil
	}
}

func TestServerAcceptFailuresForceError(t *testing.T) {
	srv, ev := startServer(t, hl7.Config{
		NoCommandPort: true,
		PollInterval:  10 * time.Millisecond,
		Listen:        listenFaulty(faultyListener{acceptErr: stderrors.New("accept: too many open files")}),
	})

	require.Eventually(t, func() bool {
		return srv.State() == device.StateError
	}, 3*time.Second, 10*time.Millisecond)
	assert.False(t, srv.ValidateConnection())

	// Nothing fires again once the accept loop has given up.
	time.Sleep(50 * time.Millisecond)
	ev.mu.Lock()
	assert.Equal(t, []int{device.ErrorThreshold + 1}, ev.errors)
	ev.mu.Unlock()
	assert.Equal(t, uint64(device.ErrorThreshold+1), srv.Stats().TotalErrors)
}

func TestServerCountsClientFailures(t *testing.T) {
	tests := []struct {
		name     string
		listener faultyListener
		send     bool
	}{
		{"read", faultyListener{readErr: stderrors.New("read: connection reset by peer")}, false},
		{"ack write", faultyListener{writeErr: stderrors.New("write: broken pipe")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, ev := startServer(t, hl7.Config{NoCommandPort: true, Listen: listenFaulty(tt.listener)})
			conn := dial(t, srv)

			if tt.send {
				_, err := conn.Write(hl7.Wrap([]byte(scenarioMessage)))
				require.NoError(t, err)
			}

			require.Eventually(t, func() bool {
				return srv.Stats().TotalErrors == 1
			}, 2*time.Second, 10*time.Millisecond)
			assert.Equal(t, 1, srv.Stats().ErrorCount)
			assert.Equal(t, device.StateConnected, srv.State())
			assert.Zero(t, ev.recordCount())
		})
	}
}

func TestServerStartMeasurementAndDisconnect(t *testing.T) {
	srv, _ := startServer(t, hl7.Config{NoCommandPort: true})

	require.NoError(t, srv.StartMeasurement(context.Background(), "cust-1"))
	assert.Equal(t, device.StateReady, srv.State())
	require.NoError(t, srv.StartMeasurement(context.Background(), "cust-2"))
	assert.Equal(t, device.StateReady, srv.State())

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return srv.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, srv.Disconnect())
	assert.Equal(t, device.StateDisconnected, srv.State())
	assert.Zero(t, srv.ClientCount())
	assert.Empty(t, srv.Addrs())
	assert.False(t, srv.ValidateConnection())

	// The server closed the client.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err := conn.Read(make([]byte, 8))
	assert.Error(t, err)

	require.NoError(t, srv.Disconnect())
	assert.Error(t, srv.StartMeasurement(context.Background(), "cust-3"))
}

func TestServerReadMeasurementTimeout(t *testing.T) {
	srv := hl7.New(hl7.Config{Host: "127.0.0.1", NoCommandPort: true})

	rec, err := srv.ReadMeasurement(10 * time.Millisecond)
	assert.Nil(t, rec)
	assert.True(t, errors.HasCode(err, device.ErrNotConnected))
}

func TestServerResetConnection(t *testing.T) {
	cfg := hl7.Config{NoCommandPort: true}
	cfg.Device.ResetPause = 10 * time.Millisecond
	srv, _ := startServer(t, cfg)

	require.NoError(t, srv.ResetConnection(context.Background()))
	assert.Equal(t, device.StateConnected, srv.State())
	assert.Equal(t, uint64(2), srv.Stats().ConnectionAttempts)

	conn := dial(t, srv)
	_, err := conn.Write(hl7.Wrap([]byte(scenarioMessage)))
	require.NoError(t, err)
	acks := readAcks(t, conn, 300*time.Millisecond)
	require.Len(t, acks, 1)
	assert.True(t, bytes.Contains([]byte(acks[0]), []byte("MSG00001")))
}
