// Package session is the Session Protocol (C4): the /judge WebSocket
// state machine. Each session is strictly sequential — one inbound
// message is fully handled (including any sandboxed execution it
// triggers) before the next is read — so a single Job backs the
// connection for its entire lifetime.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/coderunr/judgesession/internal/config"
	"github.com/coderunr/judgesession/internal/job"
	"github.com/coderunr/judgesession/internal/metrics"
	"github.com/coderunr/judgesession/internal/runtime"
	"github.com/coderunr/judgesession/internal/sandbox"
	"github.com/coderunr/judgesession/internal/types"
)

// state is the session's position in the protocol grammar.
type state int

const (
	stateOpening state = iota
	stateCompiling
	stateReady
	stateClosed
)

// Close codes per the session protocol.
const (
	CloseAlreadyInitialized = 4000
	CloseInitTimeout        = 4001
	CloseNotifiedError      = 4002
	CloseNotYetInitialized  = 4003
	CloseCompileFailed      = 4006
	CloseSessionCompleted   = 4999
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server upgrades incoming /judge connections into Sessions.
type Server struct {
	provisioner *sandbox.Provisioner
	cfg         *config.Config
	logger      *logrus.Entry
}

// NewServer builds a Server bound to the process-wide identity pool.
func NewServer(provisioner *sandbox.Provisioner, cfg *config.Config) *Server {
	return &Server{
		provisioner: provisioner,
		cfg:         cfg,
		logger:      logrus.WithField("component", "session"),
	}
}

// HandleJudge upgrades the request and runs the session to completion.
func (s *Server) HandleJudge(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Error("websocket upgrade failed")
		return
	}

	sess := &Session{
		conn:        conn,
		provisioner: s.provisioner,
		cfg:         s.cfg,
		logger:      s.logger.WithField("session_id", fmt.Sprintf("%p", conn)),
		state:       stateOpening,
	}

	metrics.SessionOpened()
	defer metrics.SessionClosed()

	sess.run(r.Context())
}

// Session is one /judge connection's protocol state machine.
type Session struct {
	conn        *websocket.Conn
	provisioner *sandbox.Provisioner
	cfg         *config.Config
	logger      *logrus.Entry

	mu              sync.Mutex
	state           state
	job             *job.Job
	testIDCounter   int64 // last fallback test_id assigned when a request omitted one (spec.md §9)
	testCount       int64 // running count of tests executed, reported in done{}
	totalWallTimeMs int64 // running sum of per-test wall_time_ms, reported in done{}
}

// assignTestID echoes a client-supplied test_id verbatim, or assigns the
// next value of a monotonically increasing counter starting at 1 when
// the client omitted it (spec.md §9 Open Question, invariant 1).
func (sess *Session) assignTestID(provided interface{}) interface{} {
	if provided != nil {
		return provided
	}
	sess.mu.Lock()
	sess.testIDCounter++
	id := sess.testIDCounter
	sess.mu.Unlock()
	return id
}

// recordTests adds count tests and wallTimeMs to the session's running
// totals, later reported verbatim in done{total_tests,total_time}.
func (sess *Session) recordTests(count int64, wallTimeMs int64) {
	sess.mu.Lock()
	sess.testCount += count
	sess.totalWallTimeMs += wallTimeMs
	sess.mu.Unlock()
}

func (sess *Session) run(ctx context.Context) {
	defer sess.closeJob()

	initTimer := time.AfterFunc(sess.cfg.SessionInitTimeout, func() {
		sess.mu.Lock()
		opening := sess.state == stateOpening
		sess.mu.Unlock()
		if opening {
			sess.closeConn(CloseInitTimeout, "initialization timeout")
		}
	})
	defer initTimer.Stop()

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				sess.logger.WithError(err).Warn("websocket read error")
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			sess.sendError("invalid message JSON")
			continue
		}

		if sess.handleMessage(ctx, env.Type, data) {
			return
		}
	}
}

// handleMessage dispatches one inbound frame. It returns true when the
// read loop should stop (the session closed, for any reason).
func (sess *Session) handleMessage(ctx context.Context, msgType string, data []byte) bool {
	sess.mu.Lock()
	currentState := sess.state
	sess.mu.Unlock()

	// Known pre-init commands are rejected with 4003; truly unrecognized
	// types always just get an error and the session stays open.
	knownCommand := msgType == "run_test" || msgType == "run_batch" || msgType == "close"

	if currentState == stateOpening && msgType != "init" {
		if knownCommand {
			sess.closeConn(CloseNotYetInitialized, "not yet initialized")
			return true
		}
		sess.sendError("unknown message type: " + msgType)
		return false
	}

	switch msgType {
	case "init":
		return sess.handleInit(ctx, data)
	case "run_test":
		return sess.handleRunTest(ctx, data)
	case "run_batch":
		return sess.handleRunBatch(ctx, data)
	case "close":
		sess.closeConn(CloseSessionCompleted, "session completed")
		return true
	default:
		sess.sendError("unknown message type: " + msgType)
		return false
	}
}

func (sess *Session) handleInit(ctx context.Context, data []byte) bool {
	sess.mu.Lock()
	if sess.state != stateOpening {
		sess.mu.Unlock()
		sess.closeConn(CloseAlreadyInitialized, "already initialized")
		return true
	}
	sess.state = stateCompiling
	sess.mu.Unlock()

	var msg initMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		sess.sendError("invalid init message")
		sess.closeConn(CloseNotifiedError, "invalid init message")
		return true
	}

	if err := validateInit(&msg); err != nil {
		sess.sendError(err.Error())
		sess.closeConn(CloseNotifiedError, err.Error())
		return true
	}

	rt, err := runtime.Resolve(msg.Language, msg.Version)
	if err != nil {
		sess.sendError(fmt.Sprintf("runtime not found: %s-%s", msg.Language, msg.Version))
		sess.closeConn(CloseNotifiedError, "runtime not found")
		return true
	}

	compileOverride := msg.CompileLimits.toOverride()
	runOverride := msg.RunLimits.toOverride()
	if rejected, reason := exceedsConfiguredMax(compileOverride, rt.CompileMax()); rejected {
		sess.sendError("compile_limits " + reason)
		sess.closeConn(CloseNotifiedError, "compile_limits "+reason)
		return true
	}
	if rejected, reason := exceedsConfiguredMax(runOverride, rt.RunMax()); rejected {
		sess.sendError("run_limits " + reason)
		sess.closeConn(CloseNotifiedError, "run_limits "+reason)
		return true
	}

	compileLimits := types.ApplyOverride(rt.CompileMax(), compileOverride, rt.CompileMax())
	runLimits := types.ApplyOverride(rt.RunMax(), runOverride, rt.RunMax())

	j := job.New(sess.provisioner, sess.cfg, rt, msg.Files, compileLimits, runLimits)

	sess.send(readyMessage{Type: "ready", Language: rt.Language, Version: rt.Version.String(), Compiled: rt.Compiled})

	if err := j.Prime(ctx); err != nil {
		sess.sendError("sandbox setup failed: " + err.Error())
		sess.closeConn(CloseNotifiedError, "sandbox setup failed")
		return true
	}

	sess.mu.Lock()
	sess.job = j
	sess.mu.Unlock()

	compileResult, err := j.Compile(ctx)
	if err != nil {
		sess.sendError("compile failed: " + err.Error())
		sess.closeConn(CloseCompileFailed, "compile failed")
		return true
	}
	if compileResult != nil {
		metrics.CompileServed()
	}

	sess.send(newCompiledMessage(compileResult))
	if compileResult != nil && !compileResult.Success() {
		sess.closeConn(CloseCompileFailed, "compile failed")
		return true
	}

	sess.mu.Lock()
	sess.state = stateReady
	sess.mu.Unlock()
	return false
}

func (sess *Session) handleRunTest(ctx context.Context, data []byte) bool {
	var msg runTestMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		sess.sendError("invalid run_test message")
		return false
	}

	stdin, err := decodeStdin(msg.Stdin, msg.Encoding)
	if err != nil {
		sess.sendError("invalid stdin encoding: " + err.Error())
		return false
	}

	sess.mu.Lock()
	j := sess.job
	sess.mu.Unlock()

	testID := sess.assignTestID(msg.TestID)

	result, err := j.RunTest(ctx, stdin, msg.Limits.toOverride())
	if err != nil {
		sess.send(errorMessage{Type: "error", Message: "test execution failed: " + err.Error(), TestID: testID})
		return false
	}
	metrics.TestServed()
	sess.recordTests(1, result.WallTimeMs)

	sess.send(resultMessage{Type: "result", testResultWire: newTestResultWire(testID, result)})
	return false
}

func (sess *Session) handleRunBatch(ctx context.Context, data []byte) bool {
	var msg runBatchMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		sess.sendError("invalid run_batch message")
		return false
	}

	stdins := make([][]byte, len(msg.Cases))
	overrides := make([]types.LimitOverride, len(msg.Cases))
	testIDs := make([]interface{}, len(msg.Cases))
	for i, c := range msg.Cases {
		decoded, err := decodeStdin(c.Stdin, c.Encoding)
		if err != nil {
			sess.sendError("invalid stdin encoding in batch case " + fmt.Sprint(i))
			return false
		}
		stdins[i] = decoded
		overrides[i] = c.Limits.toOverride()
		testIDs[i] = sess.assignTestID(c.TestID)
	}

	sess.mu.Lock()
	j := sess.job
	sess.mu.Unlock()

	batch, err := j.RunBatch(ctx, stdins, overrides)
	if err != nil {
		sess.sendError("batch execution failed: " + err.Error())
		sess.closeConn(CloseNotifiedError, "batch execution failed")
		return true
	}
	metrics.AddTestsServed(len(batch.Results))
	sess.recordTests(int64(len(batch.Results)), batch.TotalTimeMs)

	wireResults := make([]testResultWire, len(batch.Results))
	for i, r := range batch.Results {
		wireResults[i] = newTestResultWire(testIDs[i], r)
	}

	sess.send(batchResultMessage{
		Type:         "batch_result",
		Results:      wireResults,
		TotalTests:   len(batch.Results),
		TotalTime:    batch.TotalTimeMs,
		TotalCPUTime: batch.TotalCPUMs,
		Memory:       batch.MemoryBytes,
		Success:      batch.Success,
		Stderr:       batch.Stderr,
	})
	return false
}

// fileLanguageSentinel is the language value that opts a submission out
// of the "at least one utf8 file" invariant (spec.md §3): the runtime
// is expected to operate on raw/binary files rather than source text.
const fileLanguageSentinel = "file"

func validateInit(msg *initMessage) error {
	if msg.Language == "" {
		return fmt.Errorf("%w: language is required", types.ErrValidation)
	}
	if msg.Version == "" {
		return fmt.Errorf("%w: version is required", types.ErrValidation)
	}
	if len(msg.Files) == 0 {
		return fmt.Errorf("%w: files array is required", types.ErrValidation)
	}
	hasUTF8 := false
	for i, f := range msg.Files {
		if f.Content == "" {
			return fmt.Errorf("%w: files[%d].content is missing", types.ErrValidation, i)
		}
		if f.Encoding == "" || f.Encoding == "utf8" {
			hasUTF8 = true
		}
	}
	if !hasUTF8 && msg.Language != fileLanguageSentinel {
		return fmt.Errorf("%w: at least one file must be utf8-encoded", types.ErrValidation)
	}
	return nil
}

// exceedsConfiguredMax strictly rejects an init-time override that is
// negative or exceeds the runtime's configured ceiling, rather than
// clamping it (clamping is reserved for per-test overrides in
// job.RunTest).
func exceedsConfiguredMax(override types.LimitOverride, max types.LimitSet) (bool, string) {
	if types.ExceedsMax(override.TimeoutMs, max.TimeoutMs) {
		return true, "timeout_ms must be non-negative and not exceed the runtime's configured maximum"
	}
	if types.ExceedsMax(override.CPUTimeMs, max.CPUTimeMs) {
		return true, "cpu_time_ms must be non-negative and not exceed the runtime's configured maximum"
	}
	if types.ExceedsMax(override.MemoryBytes, max.MemoryBytes) {
		return true, "memory_bytes must be non-negative and not exceed the runtime's configured maximum"
	}
	return false, ""
}

func (sess *Session) send(v interface{}) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state == stateClosed {
		return
	}
	sess.writeLocked(v)
}

func (sess *Session) writeLocked(v interface{}) {
	sess.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := sess.conn.WriteJSON(v); err != nil {
		sess.logger.WithError(err).Warn("failed to write message")
	}
}

func (sess *Session) sendError(message string) {
	sess.send(errorMessage{Type: "error", Message: message})
}

func (sess *Session) closeConn(code int, reason string) {
	sess.mu.Lock()
	if sess.state == stateClosed {
		sess.mu.Unlock()
		return
	}
	if code == CloseSessionCompleted {
		sess.writeLocked(doneMessage{
			Type:       "done",
			TotalTests: sess.testCount,
			TotalTime:  sess.totalWallTimeMs,
		})
	}
	sess.state = stateClosed
	sess.mu.Unlock()

	sess.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	sess.conn.Close()
}

func (sess *Session) closeJob() {
	sess.mu.Lock()
	j := sess.job
	sess.mu.Unlock()
	if j != nil {
		j.Close()
	}
}
