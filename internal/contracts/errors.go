package contracts

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy for pipeline runs
var (
	// ErrInsufficientHistory 피처 계산 불가 (종목 단위 스킵)
	ErrInsufficientHistory = errors.New("insufficient history")
	// ErrModelInference 개별 모델 실패 (해당 모델만 제외)
	ErrModelInference = errors.New("model inference failure")
	// ErrStoreUnavailable 저장소 불가 (실행 전체 실패)
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrStaleData 실현가 미도착 (정상, 카운트만)
	ErrStaleData = errors.New("stale data")
)

// InsufficientHistoryError lists features that could not be derived
type InsufficientHistoryError struct {
	InstrumentID string
	Features     []string
	Observations int
}

func (e *InsufficientHistoryError) Error() string {
	return fmt.Sprintf("insufficient history for %s (%d observations): missing %s",
		e.InstrumentID, e.Observations, strings.Join(e.Features, ", "))
}

// Is matches ErrInsufficientHistory
func (e *InsufficientHistoryError) Is(target error) bool {
	return target == ErrInsufficientHistory
}

// ModelError wraps an adapter failure
type ModelError struct {
	Model  string
	Reason string // error, timeout, panic, invalid_output
	Err    error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model %s %s: %v", e.Model, e.Reason, e.Err)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// Is matches ErrModelInference
func (e *ModelError) Is(target error) bool {
	return target == ErrModelInference
}

// StoreError wraps a persistence failure
type StoreError struct {
	Op  string
	Err error
}

// NewStoreError returns nil when err is nil
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store unavailable: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is matches ErrStoreUnavailable
func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}
