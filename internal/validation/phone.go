// Package validation содержит функции валидации входных данных.
package validation

import (
	"strings"
	"unicode"
)

// NormalizePhone приводит телефон к международному формату. Пробелы, дефисы
// и скобки отбрасываются, ведущий ноль заменяется на индонезийский код +62.
// Возвращает пустую строку, если после очистки номер некорректен.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for i, ch := range strings.TrimSpace(phone) {
		switch {
		case unicode.IsDigit(ch):
			b.WriteRune(ch)
		case ch == '+' && i == 0:
			b.WriteRune(ch)
		case ch == ' ' || ch == '-' || ch == '(' || ch == ')':
		default:
			return ""
		}
	}

	cleaned := b.String()
	switch {
	case cleaned == "":
		return ""
	case strings.HasPrefix(cleaned, "+"):
	case strings.HasPrefix(cleaned, "0"):
		cleaned = "+62" + cleaned[1:]
	default:
		cleaned = "+" + cleaned
	}

	// Код страны плюс минимум восемь цифр.
	if len(cleaned) < 10 || len(cleaned) > 16 {
		return ""
	}
	return cleaned
}

// IsValidOrderNumber проверяет формат номера заказа: PREFIX-YYYYMMDD-NNNN.
func IsValidOrderNumber(number string) bool {
	parts := strings.Split(number, "-")
	if len(parts) != 3 {
		return false
	}

	prefix, date, seq := parts[0], parts[1], parts[2]
	if prefix == "" || len(date) != 8 || len(seq) != 4 {
		return false
	}
	for _, ch := range prefix {
		if !unicode.IsUpper(ch) && !unicode.IsDigit(ch) {
			return false
		}
	}
	return allDigits(date) && allDigits(seq)
}

func allDigits(s string) bool {
	for _, ch := range s {
		if !unicode.IsDigit(ch) {
			return false
		}
	}
	return s != ""
}
