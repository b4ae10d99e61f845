// internal/protocol/answer.go
package protocol

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"psu-service/internal/model"
)

const valueAnswerLen = 5

// Status register bits of the STATUS? answer
const (
	statusCV     = 1 << 0
	statusBeep   = 1 << 4
	statusLock   = 1 << 5
	statusOutput = 1 << 6
)

// ParseValue decodes a five character numeric answer such as "12.34".
// Bytes past the fifth are ignored.
func ParseValue(answer []byte) (decimal.Decimal, error) {
	if len(answer) > valueAnswerLen {
		answer = answer[:valueAnswerLen]
	}
	s := strings.TrimRight(strings.TrimSpace(string(answer)), "\x00")
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse answer %q: %w", s, err)
	}
	return v, nil
}

// ParseStatus decodes the STATUS? register byte
func ParseStatus(answer []byte) (model.DeviceStatus, error) {
	if len(answer) < 1 {
		return model.DeviceStatus{}, fmt.Errorf("empty status answer")
	}
	b := answer[0]
	status := model.DeviceStatus{
		Raw:           b,
		Mode:          model.OutputModeCC,
		OutputEnabled: b&statusOutput != 0,
		Beep:          b&statusBeep != 0,
		Locked:        b&statusLock != 0,
	}
	if b&statusCV != 0 {
		status.Mode = model.OutputModeCV
	}
	return status, nil
}
