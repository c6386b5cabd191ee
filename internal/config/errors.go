package config

import "fmt"

// FieldError 指出出错的配置键及原因，check-config 直接打印。
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Reason
}

func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

func preloadField(idx int) string {
	return fmt.Sprintf("Preload[%d]", idx)
}
