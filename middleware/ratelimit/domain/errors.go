package domain

import (
	"errors"
	"fmt"
)

// ErrCode classifica os erros reconhecíveis do limiter.
type ErrCode int

const (
	// erro sem classificação
	Unknown ErrCode = iota

	// argumento inválido (política malformada, chave vazia)
	InvalidArgument

	// categoria/tier inexistente no registry; erro de programação
	InvalidCategory

	// operação administrativa chamada em produção
	ForbiddenEnvironment

	// connect/probe do store distribuído falhou ou expirou
	BackendUnavailable

	// cliente distribuído falhou ou foi fechado durante a operação
	BackendRuntimeFailure

	// item não encontrado
	NotFound
)

func (c ErrCode) String() string {
	switch c {
	case InvalidArgument:
		return "invalid_argument"
	case InvalidCategory:
		return "invalid_category"
	case ForbiddenEnvironment:
		return "forbidden_environment"
	case BackendUnavailable:
		return "backend_unavailable"
	case BackendRuntimeFailure:
		return "backend_runtime_failure"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error é o erro base com código.
type Error struct {
	Code ErrCode
	msg  string
	err  error
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Unwrap() error { return e.err }

// Wrap cria um erro com código.
func Wrap(code ErrCode, msg string) error {
	return &Error{Code: code, msg: msg}
}

// Wrapf cria um erro com código e mensagem formatada. Um %w no formato é
// preservado para errors.Is/As.
func Wrapf(code ErrCode, format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	return &Error{Code: code, msg: err.Error(), err: errors.Unwrap(err)}
}

// GetErrCode retorna o código do primeiro *Error na cadeia, ou Unknown.
func GetErrCode(err error) ErrCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}

func IsInvalidArgument(err error) bool       { return GetErrCode(err) == InvalidArgument }
func IsInvalidCategory(err error) bool       { return GetErrCode(err) == InvalidCategory }
func IsForbiddenEnvironment(err error) bool  { return GetErrCode(err) == ForbiddenEnvironment }
func IsBackendUnavailable(err error) bool    { return GetErrCode(err) == BackendUnavailable }
func IsBackendRuntimeFailure(err error) bool { return GetErrCode(err) == BackendRuntimeFailure }
func IsNotFound(err error) bool              { return GetErrCode(err) == NotFound }
