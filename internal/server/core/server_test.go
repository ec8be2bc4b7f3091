package core

import (
	"bytes"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/tturner/doipsim/internal/doip"
	"github.com/tturner/doipsim/internal/ecu"
	"github.com/tturner/doipsim/internal/entity"
	"github.com/tturner/doipsim/internal/logging"
	"github.com/tturner/doipsim/internal/metrics"
)

const (
	testerAddress = 0x0E00
	entityAddress = 0x1010
	engineAddress = 0x1011
	brakesAddress = 0x1012
	functionalAll = 0xE400
)

func createTestLogger() *logging.Logger {
	logger, _ := logging.NewLogger(logging.LogLevelError, "")
	return logger
}

func createTestConfig() *entity.Config {
	return &entity.Config{
		Name:                     "GATEWAY",
		LogicalAddress:           entityAddress,
		NodeType:                 entity.NodeTypeGateway,
		GID:                      bytes.Repeat([]byte{0x00}, entity.GIDLength),
		EID:                      []byte{0x10, 0x10, 0x10, 0x10, 0x10, 0x10},
		VIN:                      []byte("WVWZZZ1JZXW000001"),
		LocalAddress:             "127.0.0.1",
		RequireRoutingActivation: true,
		Ecus: []entity.EcuConfig{
			{Name: "ENGINE", LogicalAddress: engineAddress, FunctionalAddress: functionalAll},
			{Name: "BRAKES", LogicalAddress: brakesAddress, FunctionalAddress: functionalAll},
		},
	}
}

func createTestEcus(cfg *entity.Config, observer ecu.Observer) []*ecu.Ecu {
	ack := func(ctx *ecu.ResponseContext) error {
		ctx.Ack()
		return nil
	}
	ecus := make([]*ecu.Ecu, 0, len(cfg.Ecus))
	for _, id := range cfg.Ecus {
		ecus = append(ecus, ecu.New(ecu.Config{
			Identity:     id,
			NrcOnNoMatch: true,
			Requests: []*ecu.RequestMatcher{
				ecu.MustRequestMatcher("TesterPresent", []byte{0x3E, 0x00}, "", ack),
				ecu.MustRequestMatcher("ReadVIN", nil, "22F190", func(ctx *ecu.ResponseContext) error {
					ctx.Ack(cfg.VIN...)
					return nil
				}),
			},
		}, createTestLogger(), observer))
	}
	return ecus
}

func startTestServer(t *testing.T, mutate func(*entity.Config), opts Options) *Server {
	t.Helper()
	cfg := createTestConfig()
	if mutate != nil {
		mutate(cfg)
	}
	var observer ecu.Observer
	if opts.Sink != nil {
		observer = opts.Sink
	}
	srv, err := NewServer(cfg, createTestEcus(cfg, observer), createTestLogger(), opts)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func dialTester(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.TCPAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendMessage(t *testing.T, conn net.Conn, m doip.Message) {
	t.Helper()
	_, err := conn.Write(doip.EncodeMessage(m))
	require.NoError(t, err)
}

func readMessage(t *testing.T, conn net.Conn) doip.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	pkt, err := doip.ReadTCP(conn, 0)
	require.NoError(t, err)
	return pkt.Message
}

func activate(t *testing.T, conn net.Conn, source uint16) doip.RoutingActivationResponse {
	t.Helper()
	sendMessage(t, conn, doip.RoutingActivationRequest{SourceAddress: source, ActivationType: doip.ActivationDefault})
	resp, ok := readMessage(t, conn).(doip.RoutingActivationResponse)
	require.True(t, ok)
	return resp
}

type recordingSink struct {
	mu        sync.Mutex
	responses []recordedResponse
}

type recordedResponse struct {
	source, target uint16
	data           []byte
}

func (s *recordingSink) WriteDiagnostic(source, target uint16, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, recordedResponse{source, target, bytes.Clone(data)})
	return nil
}

func (s *recordingSink) snapshot() []recordedResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedResponse(nil), s.responses...)
}

func TestAddressBook(t *testing.T) {
	cfg := createTestConfig()
	book, err := NewAddressBook(createTestEcus(cfg, nil))
	require.NoError(t, err)

	engine, ok := book.Resolve(engineAddress, ecu.Physical)
	require.True(t, ok)
	require.Len(t, engine, 1)
	assert.Equal(t, "ENGINE", engine[0].Name())

	group, ok := book.Resolve(functionalAll, ecu.Functional)
	require.True(t, ok)
	assert.Len(t, group, 2)

	_, ok = book.Resolve(functionalAll, ecu.Physical)
	assert.False(t, ok)

	typ, ok := book.Classify(functionalAll)
	assert.True(t, ok)
	assert.Equal(t, ecu.Functional, typ)

	typ, ok = book.Classify(brakesAddress)
	assert.True(t, ok)
	assert.Equal(t, ecu.Physical, typ)

	assert.False(t, book.Exists(0x2000))
}

func TestAddressBookDuplicateLogicalAddress(t *testing.T) {
	cfg := createTestConfig()
	cfg.Ecus[1].LogicalAddress = cfg.Ecus[0].LogicalAddress
	_, err := NewAddressBook(createTestEcus(cfg, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0x1011")
}

func TestDispatcherFunctionalGroup(t *testing.T) {
	cfg := createTestConfig()
	book, err := NewAddressBook(createTestEcus(cfg, nil))
	require.NoError(t, err)
	d := NewDispatcher(book, createTestLogger())

	sink := &recordingSink{}
	routed := d.Route(&ecu.UdsMessage{SourceAddress: testerAddress, TargetAddress: functionalAll, Payload: []byte{0x3E, 0x00}, Sink: sink})
	require.True(t, routed)
	d.Wait()

	responses := sink.snapshot()
	require.Len(t, responses, 2)
	sources := []uint16{responses[0].source, responses[1].source}
	assert.ElementsMatch(t, []uint16{engineAddress, brakesAddress}, sources)
	for _, r := range responses {
		assert.Equal(t, uint16(testerAddress), r.target)
		assert.Equal(t, []byte{0x7E, 0x00}, r.data)
	}

	assert.False(t, d.Route(&ecu.UdsMessage{SourceAddress: testerAddress, TargetAddress: 0x2000, Payload: []byte{0x3E, 0x00}, Sink: sink}))
}

func TestRoutingActivationAndDiagnostic(t *testing.T) {
	srv := startTestServer(t, nil, Options{})
	conn := dialTester(t, srv)

	resp := activate(t, conn, testerAddress)
	assert.Equal(t, doip.RoutingSuccess, resp.Code)
	assert.Equal(t, uint16(testerAddress), resp.TesterAddress)
	assert.Equal(t, uint16(entityAddress), resp.EntityAddress)

	sendMessage(t, conn, doip.DiagnosticMessage{SourceAddress: testerAddress, TargetAddress: engineAddress, Data: []byte{0x22, 0xF1, 0x90}})

	ack, ok := readMessage(t, conn).(doip.DiagnosticMessageAck)
	require.True(t, ok)
	assert.Equal(t, doip.DiagAckConfirm, ack.Code)
	assert.Equal(t, uint16(engineAddress), ack.SourceAddress)
	assert.Equal(t, uint16(testerAddress), ack.TargetAddress)

	diag, ok := readMessage(t, conn).(doip.DiagnosticMessage)
	require.True(t, ok)
	assert.Equal(t, uint16(engineAddress), diag.SourceAddress)
	assert.Equal(t, uint16(testerAddress), diag.TargetAddress)
	assert.Equal(t, append([]byte{0x62, 0xF1, 0x90}, []byte("WVWZZZ1JZXW000001")...), diag.Data)
}

func TestNoMatchAnswersRequestOutOfRange(t *testing.T) {
	srv := startTestServer(t, nil, Options{})
	conn := dialTester(t, srv)
	activate(t, conn, testerAddress)

	sendMessage(t, conn, doip.DiagnosticMessage{SourceAddress: testerAddress, TargetAddress: brakesAddress, Data: []byte{0x31, 0x01}})
	_, ok := readMessage(t, conn).(doip.DiagnosticMessageAck)
	require.True(t, ok)

	diag, ok := readMessage(t, conn).(doip.DiagnosticMessage)
	require.True(t, ok)
	assert.Equal(t, []byte{0x7F, 0x31, 0x31}, diag.Data)
}

func TestDiagnosticNacks(t *testing.T) {
	tests := []struct {
		name     string
		activate bool
		source   uint16
		target   uint16
		wantCode byte
	}{
		{"routing not active", false, testerAddress, engineAddress, doip.DiagNackInvalidSourceAddress},
		{"source differs from activated", true, 0x0E01, engineAddress, doip.DiagNackInvalidSourceAddress},
		{"unknown target", true, testerAddress, 0x2000, doip.DiagNackUnknownTargetAddress},
	}

	srv := startTestServer(t, nil, Options{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dialTester(t, srv)
			if tt.activate {
				activate(t, conn, testerAddress)
			}
			sendMessage(t, conn, doip.DiagnosticMessage{SourceAddress: tt.source, TargetAddress: tt.target, Data: []byte{0x3E, 0x00}})

			nack, ok := readMessage(t, conn).(doip.DiagnosticMessageNack)
			require.True(t, ok)
			assert.Equal(t, tt.wantCode, nack.Code)
			assert.Equal(t, tt.target, nack.SourceAddress)
			assert.Equal(t, tt.source, nack.TargetAddress)
		})
	}
}

func TestDiagnosticWithoutRequiredActivation(t *testing.T) {
	srv := startTestServer(t, func(c *entity.Config) { c.RequireRoutingActivation = false }, Options{})
	conn := dialTester(t, srv)

	sendMessage(t, conn, doip.DiagnosticMessage{SourceAddress: testerAddress, TargetAddress: engineAddress, Data: []byte{0x3E, 0x00}})
	_, ok := readMessage(t, conn).(doip.DiagnosticMessageAck)
	require.True(t, ok)
	diag, ok := readMessage(t, conn).(doip.DiagnosticMessage)
	require.True(t, ok)
	assert.Equal(t, []byte{0x7E, 0x00}, diag.Data)
}

func TestRoutingActivationCodes(t *testing.T) {
	srv := startTestServer(t, nil, Options{})

	t.Run("unsupported type", func(t *testing.T) {
		conn := dialTester(t, srv)
		sendMessage(t, conn, doip.RoutingActivationRequest{SourceAddress: testerAddress, ActivationType: 0x02})
		resp, ok := readMessage(t, conn).(doip.RoutingActivationResponse)
		require.True(t, ok)
		assert.Equal(t, doip.RoutingUnsupportedActivationType, resp.Code)
	})

	t.Run("central security accepted", func(t *testing.T) {
		conn := dialTester(t, srv)
		sendMessage(t, conn, doip.RoutingActivationRequest{SourceAddress: testerAddress, ActivationType: doip.ActivationCentralSecurity})
		resp, ok := readMessage(t, conn).(doip.RoutingActivationResponse)
		require.True(t, ok)
		assert.Equal(t, doip.RoutingSuccess, resp.Code)
	})

	t.Run("different source on active socket", func(t *testing.T) {
		conn := dialTester(t, srv)
		require.Equal(t, doip.RoutingSuccess, activate(t, conn, testerAddress).Code)
		assert.Equal(t, doip.RoutingDifferentSourceAddress, activate(t, conn, 0x0E01).Code)
		assert.Equal(t, doip.RoutingSuccess, activate(t, conn, testerAddress).Code)
	})
}

func TestAliveCheck(t *testing.T) {
	srv := startTestServer(t, nil, Options{})
	conn := dialTester(t, srv)

	sendMessage(t, conn, doip.AliveCheckRequest{})
	resp, ok := readMessage(t, conn).(doip.AliveCheckResponse)
	require.True(t, ok)
	assert.Equal(t, uint16(entityAddress), resp.SourceAddress)
}

func TestHeaderErrorSendsNackAndCloses(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"incorrect pattern", []byte{0x02, 0x02, 0x00, 0x05, 0x00, 0x00, 0x00, 0x00}},
		{"udp-only payload type", []byte{0x02, 0xFD, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00}},
		{"invalid payload length", []byte{0x02, 0xFD, 0x00, 0x05, 0x00, 0x00, 0x00, 0x03, 0x0E, 0x00, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var closed atomic.Int32
			sink := metrics.NewSink()
			srv := startTestServer(t, nil, Options{
				Sink:               sink,
				OnConnectionClosed: func(net.Addr, error) { closed.Inc() },
			})
			conn := dialTester(t, srv)

			_, err := conn.Write(tt.frame)
			require.NoError(t, err)

			nack, ok := readMessage(t, conn).(doip.GenericHeaderNack)
			require.True(t, ok)
			assert.Equal(t, doip.NackTransportProtocolError, nack.Code)

			_, err = doip.ReadTCP(conn, 0)
			assert.ErrorIs(t, err, io.EOF)

			require.Eventually(t, func() bool { return srv.OpenSessions() == 0 }, 2*time.Second, 10*time.Millisecond)
			assert.Equal(t, int32(1), closed.Load())
			assert.Equal(t, 1, sink.GetSummary().HeaderNacks[doip.NackTransportProtocolError])
		})
	}
}

func TestPayloadLargerThanMaxDataSize(t *testing.T) {
	srv := startTestServer(t, func(c *entity.Config) { c.MaxDataSize = 16 }, Options{})
	conn := dialTester(t, srv)
	activate(t, conn, testerAddress)

	sendMessage(t, conn, doip.DiagnosticMessage{SourceAddress: testerAddress, TargetAddress: engineAddress, Data: make([]byte, 20)})
	nack, ok := readMessage(t, conn).(doip.GenericHeaderNack)
	require.True(t, ok)
	assert.Equal(t, doip.NackTransportProtocolError, nack.Code)
}

func TestConnectionClosedOnce(t *testing.T) {
	var closed atomic.Int32
	srv := startTestServer(t, nil, Options{OnConnectionClosed: func(net.Addr, error) { closed.Inc() }})

	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", srv.TCPAddr().String())
		require.NoError(t, err)
		activate(t, conn, testerAddress)
		require.NoError(t, conn.Close())
	}

	require.Eventually(t, func() bool { return closed.Load() == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, srv.OpenSessions())
}

func TestMaxOpenSockets(t *testing.T) {
	srv := startTestServer(t, func(c *entity.Config) { c.MaxOpenSockets = 1 }, Options{})
	first := dialTester(t, srv)
	activate(t, first, testerAddress)

	second := dialTester(t, srv)
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := doip.ReadTCP(second, 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestStopClosesSessions(t *testing.T) {
	var closed atomic.Int32
	cfg := createTestConfig()
	srv, err := NewServer(cfg, createTestEcus(cfg, nil), createTestLogger(), Options{
		OnConnectionClosed: func(net.Addr, error) { closed.Inc() },
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	conn := dialTester(t, srv)
	activate(t, conn, testerAddress)

	require.NoError(t, srv.Stop())
	assert.Equal(t, int32(1), closed.Load())
	assert.Equal(t, 0, srv.OpenSessions())

	_, err = doip.ReadTCP(conn, 0)
	assert.Error(t, err)
}

func TestSessionAcceptedDuringStopIsClosed(t *testing.T) {
	cfg := createTestConfig()
	srv, err := NewServer(cfg, createTestEcus(cfg, nil), createTestLogger(), Options{})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	require.NoError(t, srv.Stop())

	local, remote := net.Pipe()
	defer remote.Close()

	assert.False(t, srv.trackSession(newSession(srv, local)))
	assert.Equal(t, 0, srv.OpenSessions())
	_, err = local.Write([]byte{0})
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestStopWhileConnecting(t *testing.T) {
	cfg := createTestConfig()
	srv, err := NewServer(cfg, createTestEcus(cfg, nil), createTestLogger(), Options{})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	addr := srv.TCPAddr().String()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
				if err != nil {
					return
				}
				defer conn.Close()
			}
		}()
	}

	stopped := make(chan error, 1)
	go func() { stopped <- srv.Stop() }()
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return while clients were connecting")
	}
	wg.Wait()
	assert.Equal(t, 0, srv.OpenSessions())
}

func TestNewServerRejectsInvalidConfig(t *testing.T) {
	cfg := createTestConfig()
	cfg.VIN = []byte("SHORT")
	_, err := NewServer(cfg, nil, createTestLogger(), Options{})
	assert.ErrorIs(t, err, entity.ErrInvalidConfig)

	cfg = createTestConfig()
	cfg.TLS = entity.TLSOptions{Mode: entity.TLSOptional, CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"}
	_, err = NewServer(cfg, createTestEcus(cfg, nil), createTestLogger(), Options{})
	assert.Error(t, err)
}

func TestMetricsListener(t *testing.T) {
	sink := metrics.NewSink()
	srv := startTestServer(t, nil, Options{
		Sink:    sink,
		Metrics: MetricsOptions{Enable: true, ListenIP: "127.0.0.1", Port: 0},
	})
	conn := dialTester(t, srv)
	activate(t, conn, testerAddress)
	sendMessage(t, conn, doip.DiagnosticMessage{SourceAddress: testerAddress, TargetAddress: engineAddress, Data: []byte{0x3E, 0x00}})
	readMessage(t, conn)
	readMessage(t, conn)

	scrape := func() string {
		mc, err := net.Dial("tcp", srv.MetricsAddr().String())
		if err != nil {
			return ""
		}
		defer mc.Close()
		body, _ := io.ReadAll(mc)
		return string(body)
	}
	require.Eventually(t, func() bool {
		body := scrape()
		return strings.Contains(body, `doipsim_requests_total{ecu="ENGINE",outcome="responded"} 1`) &&
			strings.Contains(body, "doipsim_connections_open 1")
	}, 2*time.Second, 20*time.Millisecond)
}
