package agent

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/MattF42/htn-stratum-agent/src/gostratum"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const testTimeout = 5 * time.Second

func notifyLine(jobId string, clean bool) string {
	return fmt.Sprintf(`{"id":null,"method":"mining.notify","params":["%s","00000000aa","01000000","ffffffff",[],"20000000","1703a30c","65a0b1c2",%t]}`,
		jobId, clean)
}

// fakePool is a minimal upstream: it accepts any worker, hands out a fixed
// extranonce and accepts every share. With answerSubmits off, shares are held
// until release.
type fakePool struct {
	listener        net.Listener
	submits         chan []any
	extranonce2Size int
	answerSubmits   bool

	mu    sync.Mutex
	conns []net.Conn
	held  []heldSubmit
}

type heldSubmit struct {
	conn net.Conn
	id   any
}

func startFakePool(t *testing.T) *fakePool {
	t.Helper()
	return startFakePoolWith(t, 4, true)
}

func startFakePoolWith(t *testing.T, extranonce2Size int, answerSubmits bool) *fakePool {
	t.Helper()
	return startFakePoolAt(t, "127.0.0.1:0", extranonce2Size, answerSubmits)
}

func startFakePoolAt(t *testing.T, addr string, extranonce2Size int, answerSubmits bool) *fakePool {
	t.Helper()
	l, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("failed starting fake pool: %s", err)
	}
	fp := &fakePool{
		listener:        l,
		submits:         make(chan []any, 16),
		extranonce2Size: extranonce2Size,
		answerSubmits:   answerSubmits,
	}
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			fp.mu.Lock()
			fp.conns = append(fp.conns, c)
			fp.mu.Unlock()
			go fp.serve(c)
		}
	}()
	t.Cleanup(fp.kill)
	return fp
}

func (fp *fakePool) target() PoolTarget {
	addr := fp.listener.Addr().(*net.TCPAddr)
	return PoolTarget{Host: "127.0.0.1", Port: addr.Port, User: "account.agent"}
}

func (fp *fakePool) write(c net.Conn, v any) {
	line, _ := gostratum.EncodeLine(v)
	fp.writeRaw(c, string(line))
}

func (fp *fakePool) writeRaw(c net.Conn, line string) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	c.Write([]byte(line))
}

func (fp *fakePool) serve(c net.Conn) {
	gostratum.ReadLines(c, 0, func(line string) error {
		msg, err := gostratum.UnmarshalMessage(line)
		if err != nil {
			return err
		}
		switch msg.Method {
		case gostratum.StratumMethodSubscribe:
			fp.write(c, gostratum.NewResponse(msg.Id, []any{[]any{}, "08000002", fp.extranonce2Size}, nil))
		case gostratum.StratumMethodAuthorize:
			fp.write(c, gostratum.NewResponse(msg.Id, true, nil))
			fp.write(c, gostratum.NewEvent(nil, gostratum.StratumMethodSetDifficulty, 8))
			fp.writeRaw(c, notifyLine("j1", true)+"\n")
		case gostratum.StratumMethodSubmit:
			if !fp.answerSubmits {
				fp.mu.Lock()
				fp.held = append(fp.held, heldSubmit{conn: c, id: msg.Id})
				fp.mu.Unlock()
			}
			fp.submits <- msg.Params
			if fp.answerSubmits {
				fp.write(c, gostratum.NewResponse(msg.Id, true, nil))
			}
		}
		return nil
	})
}

func (fp *fakePool) broadcast(line string) {
	fp.mu.Lock()
	conns := append([]net.Conn{}, fp.conns...)
	fp.mu.Unlock()
	for _, c := range conns {
		fp.writeRaw(c, line+"\n")
	}
}

// release accepts every held share.
func (fp *fakePool) release() {
	fp.mu.Lock()
	held := fp.held
	fp.held = nil
	fp.mu.Unlock()
	for _, h := range held {
		fp.write(h.conn, gostratum.NewResponse(h.id, true, nil))
	}
}

func (fp *fakePool) kill() {
	fp.listener.Close()
	fp.mu.Lock()
	defer fp.mu.Unlock()
	for _, c := range fp.conns {
		c.Close()
	}
}

func testConfig(pools ...PoolTarget) AgentConfig {
	cfg := AgentConfig{
		Listen:              "127.0.0.1:0",
		Pools:               pools,
		DialTimeout:         time.Second,
		Backoff:             BackoffConfig{Policy: BackoffFixed, Min: 50 * time.Millisecond},
		AssignRetryInterval: 20 * time.Millisecond,
		AssignMaxAttempts:   100,
		DrainTimeout:        100 * time.Millisecond,
	}
	cfg.applyDefaults()
	return cfg
}

func startServer(t *testing.T, cfg AgentConfig) *Server {
	t.Helper()
	return startServerWithLogger(t, cfg, zap.NewNop().Sugar())
}

func startServerWithLogger(t *testing.T, cfg AgentConfig, logger *zap.SugaredLogger) *Server {
	t.Helper()
	server, err := NewServer(cfg, defaultFavorConfig(), logger)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := server.Setup(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	done := make(chan error, 1)
	go func() { done <- server.Run(context.Background()) }()
	t.Cleanup(func() {
		server.Stop()
		server.Stop()
		select {
		case <-done:
		case <-time.After(testTimeout):
			t.Error("server did not stop")
		}
	})
	return server
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type testMiner struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dialMiner(t *testing.T, server *Server) *testMiner {
	t.Helper()
	conn, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatalf("failed dialing agent: %s", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testMiner{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (m *testMiner) send(line string) {
	if _, err := m.conn.Write([]byte(line + "\n")); err != nil {
		m.t.Fatalf("failed writing to agent: %s", err)
	}
}

func (m *testMiner) readLine() string {
	m.t.Helper()
	m.conn.SetReadDeadline(time.Now().Add(testTimeout))
	line, err := m.reader.ReadString('\n')
	if err != nil {
		m.t.Fatalf("failed reading from agent: %s", err)
	}
	return line
}

func (m *testMiner) read() *gostratum.JsonRpcMessage {
	m.t.Helper()
	msg, err := gostratum.UnmarshalMessage(m.readLine())
	if err != nil {
		m.t.Fatalf("agent sent a malformed line: %s", err)
	}
	return msg
}

func (m *testMiner) expectClosed() {
	m.t.Helper()
	m.conn.SetReadDeadline(time.Now().Add(testTimeout))
	for {
		if _, err := m.reader.ReadString('\n'); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				m.t.Fatal("agent did not close the session")
			}
			return
		}
	}
}

func (m *testMiner) expectError(code int) {
	m.t.Helper()
	msg := m.read()
	tuple, ok := msg.Error.([]any)
	if !ok || len(tuple) < 2 || tuple[0] != float64(code) {
		m.t.Fatalf("expected error code %d, got %+v", code, msg)
	}
}

// subscribe runs the handshake and returns the extranonce1 the agent assigned.
func (m *testMiner) subscribe(worker string) string {
	m.t.Helper()
	m.send(`{"id":1,"method":"mining.subscribe","params":["test-miner/1.0"]}`)
	res := m.read()
	result, ok := res.Result.([]any)
	if !ok || len(result) != 3 {
		m.t.Fatalf("unexpected subscribe result %+v", res)
	}
	if result[2] != float64(2) {
		m.t.Errorf("expected extranonce2_size 2, got %v", result[2])
	}
	m.send(fmt.Sprintf(`{"id":2,"method":"mining.authorize","params":["%s","x"]}`, worker))
	if auth := m.read(); !auth.ResultTrue() {
		m.t.Fatalf("authorize failed: %+v", auth)
	}
	return result[1].(string)
}

func TestServer_RelaysJobsAndShares(t *testing.T) {
	fp := startFakePool(t)
	server := startServer(t, testConfig(fp.target()))
	waitFor(t, "pool ready", server.pools.Router().AnyReady)

	m1 := dialMiner(t, server)
	if en1 := m1.subscribe("w1"); en1 != "080000020000" {
		t.Errorf("unexpected extranonce1 %s", en1)
	}
	diff := m1.read()
	if diff.Method != gostratum.StratumMethodSetDifficulty || diff.Params[0] != float64(8) {
		t.Errorf("expected difficulty 8, got %+v", diff)
	}
	if line := m1.readLine(); line != notifyLine("j1", true)+"\n" {
		t.Errorf("unexpected first job %s", line)
	}

	m2 := dialMiner(t, server)
	if en1 := m2.subscribe("w2"); en1 != "080000020001" {
		t.Errorf("unexpected extranonce1 %s", en1)
	}
	m2.read()
	m2.readLine()

	fp.broadcast(notifyLine("j2", false))
	want := notifyLine("j2", false) + "\n"
	if got1, got2 := m1.readLine(), m2.readLine(); got1 != want || got2 != want {
		t.Errorf("job not relayed byte for byte:\n%s%s", got1, got2)
	}

	m1.send(`{"id":7,"method":"mining.submit","params":["w1","j2","abcd","65a0b1c2","00000001"]}`)
	select {
	case params := <-fp.submits:
		want := []any{"account.agent", "j2", "0000abcd", "65a0b1c2", "00000001"}
		if diff := cmp.Diff(want, params); diff != "" {
			t.Errorf("unexpected upstream submit (-want +got):\n%s", diff)
		}
	case <-time.After(testTimeout):
		t.Fatal("share never reached the pool")
	}
	res := m1.read()
	if id, _ := gostratum.IdUint64(res.Id); id != 7 || !res.ResultTrue() {
		t.Errorf("unexpected share result %+v", res)
	}

	m2.send(`{"id":8,"method":"mining.submit","params":["w2","nope","abcd","65a0b1c2","00000001"]}`)
	m2.expectError(gostratum.ErrCodeJobNotFound)
}

func TestServer_RejectsSharesWhilePoolDown(t *testing.T) {
	fp := startFakePool(t)
	server := startServer(t, testConfig(fp.target()))
	waitFor(t, "pool ready", server.pools.Router().AnyReady)

	m := dialMiner(t, server)
	m.subscribe("w1")
	m.read()
	m.readLine()

	fp.kill()
	waitFor(t, "pool failure", func() bool { return server.pools.Pool(0).State() != PoolReady })

	m.send(`{"id":9,"method":"mining.submit","params":["w1","j1","abcd","65a0b1c2","00000001"]}`)
	m.expectError(gostratum.ErrCodeOther)
}

func TestServer_NoPoolAvailable(t *testing.T) {
	l, _ := net.Listen("tcp", "127.0.0.1:0")
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	cfg := testConfig(PoolTarget{Host: "127.0.0.1", Port: port})
	cfg.AssignMaxAttempts = 2
	server := startServer(t, cfg)

	m := dialMiner(t, server)
	m.send(`{"id":1,"method":"mining.subscribe","params":[]}`)
	m.expectError(gostratum.ErrCodeOther)
	m.expectClosed()
	waitFor(t, "session id release", func() bool { return server.ids.InUse() == 0 })
}

func TestServer_OutOfSequenceRequests(t *testing.T) {
	fp := startFakePool(t)
	server := startServer(t, testConfig(fp.target()))
	waitFor(t, "pool ready", server.pools.Router().AnyReady)

	m := dialMiner(t, server)
	m.send(`{"id":1,"method":"mining.authorize","params":["w","x"]}`)
	m.expectError(gostratum.ErrCodeNotSubscribed)
	m.expectClosed()

	m = dialMiner(t, server)
	m.send(`{"id":1,"method":"mining.subscribe","params":[]}`)
	m.read()
	m.send(`{"id":2,"method":"mining.submit","params":["w","j1","abcd","65a0b1c2","00000001"]}`)
	m.expectError(gostratum.ErrCodeUnauthorized)
	m.expectClosed()

	m = dialMiner(t, server)
	m.send(`this is not json`)
	m.expectError(gostratum.ErrCodeOther)
	m.expectClosed()
}

func TestServer_MiscMethods(t *testing.T) {
	fp := startFakePool(t)
	server := startServer(t, testConfig(fp.target()))
	waitFor(t, "pool ready", server.pools.Router().AnyReady)

	m := dialMiner(t, server)
	m.send(`{"id":1,"method":"mining.configure","params":[["version-rolling"],{}]}`)
	res := m.read()
	if diff := cmp.Diff(map[string]any{"version-rolling": false}, res.Result); diff != "" {
		t.Errorf("unexpected configure result (-want +got):\n%s", diff)
	}
	m.send(`{"id":2,"method":"mining.extranonce.subscribe","params":[]}`)
	if !m.read().ResultTrue() {
		t.Error("extranonce.subscribe should be acknowledged")
	}
	m.send(`{"id":3,"method":"mining.suggest_difficulty","params":[1024]}`)
	if !m.read().ResultTrue() {
		t.Error("suggest_difficulty should be acknowledged")
	}
	m.send(`{"id":4,"method":"mining.bogus","params":[]}`)
	m.expectError(gostratum.ErrCodeOther)
}

func TestServer_FailoverRebindsSessions(t *testing.T) {
	fp0 := startFakePool(t)
	fp1 := startFakePool(t)
	cfg := testConfig(fp0.target(), fp1.target())
	cfg.FailoverAfter = 50 * time.Millisecond
	server := startServer(t, cfg)
	waitFor(t, "pools ready", func() bool { return server.pools.Router().Snapshot().ReadyCount() == 2 })

	m := dialMiner(t, server)
	m.subscribe("w1")
	m.read()
	m.readLine()
	session := server.session(0)
	b, _ := session.Binding()
	if b.ref.Index != 0 {
		t.Fatalf("expected the first draw to land on pool 0, got %d", b.ref.Index)
	}

	fp0.kill()
	diff := m.read()
	if diff.Method != gostratum.StratumMethodSetDifficulty {
		t.Fatalf("expected difficulty after failover, got %+v", diff)
	}
	job := m.read()
	if job.Method != gostratum.StratumMethodNotify || job.Params[0] != "j1" || job.Params[8] != true {
		t.Fatalf("expected a clean job after failover, got %+v", job)
	}
	if b, _ := session.Binding(); b.ref.Index != 1 {
		t.Errorf("session still bound to pool %d", b.ref.Index)
	}

	m.send(`{"id":5,"method":"mining.submit","params":["w1","j1","abcd","65a0b1c2","00000001"]}`)
	select {
	case params := <-fp1.submits:
		if params[2] != "0000abcd" {
			t.Errorf("unexpected upstream extranonce2 %v", params[2])
		}
	case <-time.After(testTimeout):
		t.Fatal("share never reached the failover pool")
	}
	if res := m.read(); !res.ResultTrue() {
		t.Errorf("unexpected share result %+v", res)
	}
}

func TestServer_ShareStaysWithSubmissionPool(t *testing.T) {
	fp0 := startFakePoolWith(t, 4, false)
	fp1 := startFakePool(t)
	server := startServer(t, testConfig(fp0.target(), fp1.target()))
	waitFor(t, "pools ready", func() bool { return server.pools.Router().Snapshot().ReadyCount() == 2 })

	m := dialMiner(t, server)
	m.subscribe("w1")
	m.read()
	m.readLine()
	session := server.session(0)
	if b, _ := session.Binding(); b.ref.Index != 0 {
		t.Fatalf("expected the first draw to land on pool 0, got %d", b.ref.Index)
	}

	m.send(`{"id":7,"method":"mining.submit","params":["w1","j1","abcd","65a0b1c2","00000001"]}`)
	select {
	case params := <-fp0.submits:
		if params[2] != "0000abcd" {
			t.Errorf("unexpected upstream extranonce2 %v", params[2])
		}
	case <-time.After(testTimeout):
		t.Fatal("share never reached pool 0")
	}

	server.rebind(session)
	if b, _ := session.Binding(); b.ref.Index != 1 {
		t.Fatalf("expected rebind to pool 1, got %d", b.ref.Index)
	}
	if diff := m.read(); diff.Method != gostratum.StratumMethodSetDifficulty {
		t.Fatalf("expected difficulty after rebind, got %+v", diff)
	}
	if job := m.read(); job.Method != gostratum.StratumMethodNotify || job.Params[8] != true {
		t.Fatalf("expected a clean job after rebind, got %+v", job)
	}

	fp0.release()
	res := m.read()
	if id, _ := gostratum.IdUint64(res.Id); id != 7 || !res.ResultTrue() {
		t.Errorf("unexpected share result %+v", res)
	}
	select {
	case params := <-fp1.submits:
		t.Errorf("share was resubmitted to the new pool: %v", params)
	default:
	}
}

func TestServer_SessionsSurvivePoolRestart(t *testing.T) {
	fp := startFakePool(t)
	addr := fp.listener.Addr().String()
	server := startServer(t, testConfig(fp.target()))
	waitFor(t, "pool ready", server.pools.Router().AnyReady)

	m := dialMiner(t, server)
	m.subscribe("w1")
	m.read()
	m.readLine()
	session := server.session(0)
	before, _ := session.Binding()

	fp.kill()
	waitFor(t, "pool failure", func() bool { return server.pools.Pool(0).State() != PoolReady })
	startFakePoolAt(t, addr, 4, true)

	if diff := m.read(); diff.Method != gostratum.StratumMethodSetDifficulty {
		t.Fatalf("expected difficulty after recovery, got %+v", diff)
	}
	job := m.read()
	if job.Method != gostratum.StratumMethodNotify || job.Params[0] != "j1" || job.Params[8] != true {
		t.Fatalf("expected a clean job after recovery, got %+v", job)
	}
	if server.session(0) != session {
		t.Fatal("session was replaced")
	}
	after, _ := session.Binding()
	if after.ref.Index != 0 || after.ref.Generation <= before.ref.Generation {
		t.Errorf("expected pool 0 under a newer generation, before %+v after %+v", before.ref, after.ref)
	}
	if after.extranonce1 != before.extranonce1 {
		t.Errorf("extranonce1 changed from %s to %s", before.extranonce1, after.extranonce1)
	}

	m.send(`{"id":5,"method":"mining.submit","params":["w1","j1","abcd","65a0b1c2","00000001"]}`)
	if res := m.read(); !res.ResultTrue() {
		t.Errorf("unexpected share result %+v", res)
	}
}

func TestServer_UpstreamExtranonceChange(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	fp := startFakePool(t)
	server := startServerWithLogger(t, testConfig(fp.target()), zap.New(core).Sugar())
	waitFor(t, "pool ready", server.pools.Router().AnyReady)

	following := dialMiner(t, server)
	following.send(`{"id":9,"method":"mining.extranonce.subscribe","params":[]}`)
	if !following.read().ResultTrue() {
		t.Fatal("extranonce.subscribe should be acknowledged")
	}
	following.subscribe("w1")
	following.read()
	following.readLine()

	legacy := dialMiner(t, server)
	legacy.subscribe("w2")
	legacy.read()
	legacy.readLine()

	fp.broadcast(`{"id":null,"method":"mining.set_extranonce","params":["09000003",6]}`)

	ext := following.read()
	if ext.Method != gostratum.StratumMethodSetExtranonce {
		t.Fatalf("expected set_extranonce, got %+v", ext)
	}
	if diff := cmp.Diff([]any{"090000030000", float64(4)}, ext.Params); diff != "" {
		t.Errorf("unexpected set_extranonce params (-want +got):\n%s", diff)
	}
	if diff := following.read(); diff.Method != gostratum.StratumMethodSetDifficulty {
		t.Fatalf("expected difficulty after extranonce change, got %+v", diff)
	}
	if job := following.read(); job.Method != gostratum.StratumMethodNotify || job.Params[8] != true {
		t.Fatalf("expected a clean job after extranonce change, got %+v", job)
	}

	legacy.expectClosed()
	waitFor(t, "closed session warning", func() bool {
		return logs.FilterMessage("closed sessions that could not be reattached").Len() == 1
	})
	entry := logs.FilterMessage("closed sessions that could not be reattached").All()[0]
	if diff := cmp.Diff(map[string]any{"closed": int64(1), "reattached": int64(1)}, filterFields(entry.ContextMap(), "closed", "reattached")); diff != "" {
		t.Errorf("unexpected warning fields (-want +got):\n%s", diff)
	}
}

func filterFields(fields map[string]any, keys ...string) map[string]any {
	out := map[string]any{}
	for _, k := range keys {
		if v, ok := fields[k]; ok {
			out[k] = v
		}
	}
	return out
}
