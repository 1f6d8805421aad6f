package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// JsonColumn wraps a value which is stored as a JSONB column.
type JsonColumn[T any] struct {
	val T
}

func NewJsonColumn[T any](val T) JsonColumn[T] {
	return JsonColumn[T]{val: val}
}

func (j *JsonColumn[T]) Scan(src any) error {
	if src == nil {
		var zero T
		j.val = zero
		return nil
	}

	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New("unsupported source type for JSON column")
	}

	if err := json.Unmarshal(data, &j.val); err != nil {
		return fmt.Errorf("failed to unmarshal JSON column: %w", err)
	}

	return nil
}

func (j JsonColumn[T]) Value() (driver.Value, error) {
	return json.Marshal(j.val)
}

func (j *JsonColumn[T]) Get() *T {
	return &j.val
}
