package protocol

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/serebryakov7/ls3-gauge/common"
)

// Checksum вычисляет контрольную сумму команды LS3: сумма всех пар
// шестнадцатеричных цифр (пробелы игнорируются) в нижнем регистре без
// ведущих нулей.
func Checksum(command string) (string, error) {
	digits := strings.ReplaceAll(command, " ", "")
	sum := 0
	for i := 0; i < len(digits); i += 2 {
		end := min(i+2, len(digits))
		v, err := strconv.ParseUint(digits[i:end], 16, 8)
		if err != nil {
			return "", fmt.Errorf("%w: неверный hex %q в команде %q", common.ErrProtocol, digits[i:end], command)
		}
		sum += int(v)
	}
	return strconv.FormatInt(int64(sum), 16), nil
}

// Build возвращает команду с добавленной контрольной суммой в верхнем регистре:
// "41 0D 0A" -> "41 0D 0A 58".
func Build(command string) (string, error) {
	crc, err := Checksum(command)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(command + " " + crc), nil
}

// DecodeHex преобразует строку вида "41 0D 0A 58" в байты.
func DecodeHex(s string) ([]byte, error) {
	digits := strings.Join(strings.Fields(s), "")
	b, err := hex.DecodeString(digits)
	if err != nil {
		return nil, fmt.Errorf("%w: неверный hex-код %q: %v", common.ErrProtocol, s, err)
	}
	return b, nil
}
