package logger

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	mu          sync.Mutex
	infoLogger  *zap.Logger
	serviceName = "default"
)

func SetServiceName(newName string) string {
	oldName := serviceName
	serviceName = newName

	return oldName
}

// Init подменяет логгер (например, на zap.NewNop() в тестах).
func Init(l *zap.Logger) {
	mu.Lock()
	infoLogger = l
	mu.Unlock()
}

func get() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if infoLogger == nil {
		// ленивый продакшн-логгер, чтобы не падать до fx-инициализации
		infoLogger, _ = zap.NewProduction(zap.AddCallerSkip(1))
	}
	return infoLogger
}

func Info(format string, args ...interface{}) {
	get().With(
		zap.String("service", serviceName),
	).Info(fmt.Sprintf(format, args...))
}

func Error(format string, args ...interface{}) {
	get().With(
		zap.String("service", serviceName),
	).Error(fmt.Sprintf(format, args...))
}

func Fatal(format string, args ...interface{}) {
	get().With(
		zap.String("service", serviceName),
	).Fatal(fmt.Sprintf(format, args...))
}
