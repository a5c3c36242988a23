// Package ordernum содержит генерацию и проверку номеров заказов.
package ordernum

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const (
	prefix = "ORD-"
	// Без похожих символов (0/O, 1/I/L), чтобы номер удобно диктовать.
	charset    = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	bodyLength = 8
)

// Generate возвращает новый номер заказа вида ORD-XXXXXXXXC, где C —
// контрольный символ. Уникальность номера гарантирует не генератор,
// а уникальный индекс в БД: при коллизии генерируется новый номер.
func Generate() (string, error) {
	buf := make([]byte, bodyLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}

	body := make([]byte, bodyLength)
	for i, b := range buf {
		body[i] = charset[int(b)%len(charset)]
	}

	return prefix + string(body) + string(checkChar(body)), nil
}

// IsValid проверяет формат номера заказа и его контрольный символ.
func IsValid(number string) bool {
	if !strings.HasPrefix(number, prefix) {
		return false
	}

	rest := number[len(prefix):]
	if len(rest) != bodyLength+1 {
		return false
	}

	body := []byte(rest[:bodyLength])
	for _, ch := range body {
		if strings.IndexByte(charset, ch) < 0 {
			return false
		}
	}

	return rest[bodyLength] == checkChar(body)
}

// checkChar считает контрольный символ по схеме Луна над индексами
// символов в алфавите.
func checkChar(body []byte) byte {
	sum := 0
	double := true

	for i := len(body) - 1; i >= 0; i-- {
		v := strings.IndexByte(charset, body[i])
		if double {
			v *= 2
			if v >= len(charset) {
				v -= len(charset) - 1
			}
		}
		sum += v
		double = !double
	}

	return charset[sum%len(charset)]
}
