package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/coderunr/judgesession/internal/types"
)

func int64Ptr(v int64) *int64 { return &v }

func TestValidateInitRequiresLanguageVersionAndFiles(t *testing.T) {
	err := validateInit(&initMessage{})
	assert.ErrorIs(t, err, types.ErrValidation)

	err = validateInit(&initMessage{Language: "python"})
	assert.ErrorIs(t, err, types.ErrValidation)

	err = validateInit(&initMessage{Language: "python", Version: "3.10.0"})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestValidateInitAcceptsWellFormedMessage(t *testing.T) {
	msg := &initMessage{
		Language: "python",
		Version:  "3.10.0",
		Files:    []types.SourceFile{{Name: "main.py", Content: "print(1)"}},
	}
	assert.NoError(t, validateInit(msg))
}

func TestValidateInitRejectsFileWithMissingContentEvenWhenNamed(t *testing.T) {
	msg := &initMessage{
		Language: "python",
		Version:  "3.10.0",
		Files:    []types.SourceFile{{Name: "main.py"}},
	}
	assert.ErrorIs(t, validateInit(msg), types.ErrValidation)
}

func TestValidateInitRejectsAllFilesNonUTF8ForNonFileLanguage(t *testing.T) {
	msg := &initMessage{
		Language: "python",
		Version:  "3.10.0",
		Files:    []types.SourceFile{{Content: "cHJpbnQoMSk=", Encoding: "base64"}},
	}
	assert.ErrorIs(t, validateInit(msg), types.ErrValidation)
}

func TestValidateInitAllowsAllFilesNonUTF8ForFileSentinelLanguage(t *testing.T) {
	msg := &initMessage{
		Language: "file",
		Version:  "*",
		Files:    []types.SourceFile{{Content: "cHJpbnQoMSk=", Encoding: "base64"}},
	}
	assert.NoError(t, validateInit(msg))
}

func TestExceedsConfiguredMaxRejectsOverLimitOverride(t *testing.T) {
	max := types.LimitSet{TimeoutMs: 5000, CPUTimeMs: 5000, MemoryBytes: 256_000_000}

	rejected, reason := exceedsConfiguredMax(types.LimitOverride{TimeoutMs: int64Ptr(10_000)}, max)
	assert.True(t, rejected)
	assert.Contains(t, reason, "timeout_ms")
}

func TestExceedsConfiguredMaxAllowsWithinLimitOverride(t *testing.T) {
	max := types.LimitSet{TimeoutMs: 5000, CPUTimeMs: 5000, MemoryBytes: 256_000_000}

	rejected, _ := exceedsConfiguredMax(types.LimitOverride{TimeoutMs: int64Ptr(1000)}, max)
	assert.False(t, rejected)
}

func TestExceedsConfiguredMaxUnboundedCeilingAllowsAnyOverride(t *testing.T) {
	max := types.LimitSet{TimeoutMs: -1}
	rejected, _ := exceedsConfiguredMax(types.LimitOverride{TimeoutMs: int64Ptr(999_999)}, max)
	assert.False(t, rejected)
}

func TestExceedsConfiguredMaxRejectsNegativeOverrideEvenUnderUnboundedCeiling(t *testing.T) {
	max := types.LimitSet{TimeoutMs: -1, CPUTimeMs: -1, MemoryBytes: -1}

	rejected, reason := exceedsConfiguredMax(types.LimitOverride{TimeoutMs: int64Ptr(-1)}, max)
	assert.True(t, rejected)
	assert.Contains(t, reason, "timeout_ms")

	rejected, reason = exceedsConfiguredMax(types.LimitOverride{MemoryBytes: int64Ptr(-500)}, max)
	assert.True(t, rejected)
	assert.Contains(t, reason, "memory_bytes")
}

func TestAssignTestIDEchoesProvidedValue(t *testing.T) {
	sess := &Session{}
	assert.Equal(t, float64(7), sess.assignTestID(float64(7)))
	assert.Equal(t, "abc", sess.assignTestID("abc"))
}

func TestAssignTestIDFallsBackToMonotonicCounterStartingAtOne(t *testing.T) {
	sess := &Session{}
	assert.Equal(t, int64(1), sess.assignTestID(nil))
	assert.Equal(t, int64(2), sess.assignTestID(nil))
	assert.Equal(t, "client-id", sess.assignTestID("client-id"))
	assert.Equal(t, int64(3), sess.assignTestID(nil))
}

func TestDecodeStdinDefaultsToUTF8(t *testing.T) {
	out, err := decodeStdin("hello", "")
	assert.NoError(t, err)
	assert.Equal(t, "hello", string(out))
}

func TestDecodeStdinBase64(t *testing.T) {
	out, err := decodeStdin("aGVsbG8=", "base64")
	assert.NoError(t, err)
	assert.Equal(t, "hello", string(out))
}

func TestDecodeStdinHex(t *testing.T) {
	out, err := decodeStdin("68656c6c6f", "hex")
	assert.NoError(t, err)
	assert.Equal(t, "hello", string(out))
}

func TestDecodeStdinInvalidBase64Errors(t *testing.T) {
	_, err := decodeStdin("not-valid-base64!!", "base64")
	assert.Error(t, err)
}
