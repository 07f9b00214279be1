package service

import (
	"errors"
	"fmt"
)

var (
	// ErrDisconnected — сокет закрыт, все висящие запросы отклонены.
	ErrDisconnected = errors.New("deribit: disconnected")
	// ErrRequestTimeout — один RPC не уложился в дедлайн. Сам клиент не ретраит.
	ErrRequestTimeout = errors.New("deribit: request timeout")
	// ErrNotAuthenticated — приватный вызов до авторизации.
	ErrNotAuthenticated = errors.New("deribit: not authenticated")
)

// RPCError — error-ответ биржи ({id, error:{code,message}}).
type RPCError struct {
	Code    int
	Message string
	Method  string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("deribit rpc %s: code=%d msg=%s", e.Method, e.Code, e.Message)
}
