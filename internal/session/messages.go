package session

import (
	"encoding/base64"
	"encoding/hex"

	"github.com/coderunr/judgesession/internal/types"
)

// envelope is the minimal shape read off the wire to dispatch on Type
// before unmarshaling into the specific inbound message.
type envelope struct {
	Type string `json:"type"`
}

// initMessage is the single required first message on a session.
type initMessage struct {
	Type          string              `json:"type"`
	Language      string              `json:"language"`
	Version       string              `json:"version"`
	Files         []types.SourceFile  `json:"files"`
	CompileLimits *limitOverrideWire  `json:"compile_limits,omitempty"`
	RunLimits     *limitOverrideWire  `json:"run_limits,omitempty"`
}

// limitOverrideWire is the JSON shape of a LimitOverride: all fields
// optional, nil meaning "not supplied".
type limitOverrideWire struct {
	TimeoutMs   *int64 `json:"timeout_ms,omitempty"`
	CPUTimeMs   *int64 `json:"cpu_time_ms,omitempty"`
	MemoryBytes *int64 `json:"memory_bytes,omitempty"`
}

func (w *limitOverrideWire) toOverride() types.LimitOverride {
	if w == nil {
		return types.LimitOverride{}
	}
	return types.LimitOverride{
		TimeoutMs:   w.TimeoutMs,
		CPUTimeMs:   w.CPUTimeMs,
		MemoryBytes: w.MemoryBytes,
	}
}

// runTestMessage requests execution of a single test case against the
// already-compiled submission. TestID is carried as interface{} because
// clients may send it as a JSON string or a bare number (spec.md §8 S1
// sends test_id:1); a nil value means the client omitted it.
type runTestMessage struct {
	Type     string             `json:"type"`
	Stdin    string             `json:"stdin"`
	Encoding string             `json:"encoding,omitempty"` // utf8 (default) | base64 | hex
	Limits   *limitOverrideWire `json:"limits,omitempty"`
	TestID   interface{}        `json:"test_id,omitempty"`
}

// runBatchMessage requests execution of many test cases in one message.
type runBatchMessage struct {
	Type  string     `json:"type"`
	Cases []testCase `json:"cases"`
}

type testCase struct {
	Stdin    string             `json:"stdin"`
	Encoding string             `json:"encoding,omitempty"`
	Limits   *limitOverrideWire `json:"limits,omitempty"`
	TestID   interface{}        `json:"test_id,omitempty"`
}

// closeMessage requests a graceful session shutdown.
type closeMessage struct {
	Type string `json:"type"`
}

// Outbound message shapes.

type readyMessage struct {
	Type     string `json:"type"`
	Language string `json:"language"`
	Version  string `json:"version"`
	Compiled bool   `json:"compiled"`
}

// compiledMessage reports the compile stage's outcome as a flat object
// (spec.md §4.4: `compiled{success,time,stdout,stderr,error}`).
type compiledMessage struct {
	Type    string  `json:"type"`
	Success bool    `json:"success"`
	Time    int64   `json:"time"`
	Stdout  string  `json:"stdout"`
	Stderr  string  `json:"stderr"`
	Error   *string `json:"error"`
}

// newCompiledMessage builds the flat compiled{} reply. result is nil for
// an uncompiled runtime, which per the round-trip law reports an instant
// success with no output (spec.md §4.4 "Round-trip laws").
func newCompiledMessage(result *types.StageResult) compiledMessage {
	if result == nil {
		return compiledMessage{Type: "compiled", Success: true}
	}
	msg := compiledMessage{
		Type:    "compiled",
		Success: result.Success(),
		Time:    result.WallTimeMs,
		Stdout:  result.Stdout,
		Stderr:  result.Stderr,
	}
	if !msg.Success {
		errMsg := result.Message
		if errMsg == "" {
			errMsg = result.Status
		}
		msg.Error = &errMsg
	}
	return msg
}

// testResultWire is the flat per-test result shape shared by `result`
// and each entry of `batch_result.results` (spec.md §4.4, §8 S1/S4).
type testResultWire struct {
	TestID  interface{} `json:"test_id,omitempty"`
	Stdout  string      `json:"stdout"`
	Stderr  string      `json:"stderr"`
	Code    *int        `json:"code"`
	Signal  *string     `json:"signal,omitempty"`
	Message string      `json:"message,omitempty"`
	Status  string      `json:"status,omitempty"`
	Time    int64       `json:"time"`
	CPUTime int64       `json:"cpu_time"`
	Memory  int64       `json:"memory"`
}

func newTestResultWire(testID interface{}, r *types.StageResult) testResultWire {
	return testResultWire{
		TestID:  testID,
		Stdout:  r.Stdout,
		Stderr:  r.Stderr,
		Code:    r.ExitCode,
		Signal:  r.Signal,
		Message: r.Message,
		Status:  r.Status,
		Time:    r.WallTimeMs,
		CPUTime: r.CPUTimeMs,
		Memory:  r.MemoryBytes,
	}
}

type resultMessage struct {
	Type string `json:"type"`
	testResultWire
}

// batchResultMessage reports a run_batch outcome with the aggregates
// required by spec.md §4.3 runBatched: total_time/total_cpu_time summed
// across cases, memory maxed, success the conjunction of every case, and
// stderr the first non-empty case stderr.
type batchResultMessage struct {
	Type         string           `json:"type"`
	Results      []testResultWire `json:"results"`
	TotalTests   int              `json:"total_tests"`
	TotalTime    int64            `json:"total_time"`
	TotalCPUTime int64            `json:"total_cpu_time"`
	Memory       int64            `json:"memory"`
	Success      bool             `json:"success"`
	Stderr       string           `json:"stderr"`
}

type errorMessage struct {
	Type    string      `json:"type"`
	Message string      `json:"message"`
	TestID  interface{} `json:"test_id,omitempty"`
}

type doneMessage struct {
	Type       string `json:"type"`
	TotalTests int64  `json:"total_tests"`
	TotalTime  int64  `json:"total_time"`
}

func decodeStdin(raw, encoding string) ([]byte, error) {
	switch encoding {
	case "base64":
		return base64.StdEncoding.DecodeString(raw)
	case "hex":
		return hex.DecodeString(raw)
	default:
		return []byte(raw), nil
	}
}
