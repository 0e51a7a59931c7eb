package orm

import (
	"context"
	"errors"
	"fmt"
	"time"

	logpkg "github.com/benvon/webglue/internal/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// zapGormLogger routes gorm's logger interface into zap. Statements are only
// logged at Info level, which OpenEngine selects when the echo option is set.
type zapGormLogger struct {
	log   *zap.Logger
	level gormlogger.LogLevel
}

func newZapGormLogger(log *zap.Logger, level gormlogger.LogLevel) gormlogger.Interface {
	return zapGormLogger{log: log.Named("orm"), level: level}
}

func (l zapGormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	l.level = level
	return l
}

func (l zapGormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Info {
		l.log.Info(fmt.Sprintf(msg, data...))
	}
}

func (l zapGormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.log.Warn(fmt.Sprintf(msg, data...))
	}
}

func (l zapGormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Error {
		l.log.Error(fmt.Sprintf(msg, data...))
	}
}

func (l zapGormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)

	switch {
	case err != nil && l.level >= gormlogger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		l.log.Error("orm_query_failed",
			zap.Duration("elapsed", elapsed),
			zap.String("sql", logpkg.SanitizeSQL(sql)),
			zap.Int64("rows", rows),
			zap.Error(err),
		)
	case elapsed > slowQueryThreshold && l.level >= gormlogger.Warn:
		sql, rows := fc()
		l.log.Warn("orm_slow_query",
			zap.Duration("elapsed", elapsed),
			zap.String("sql", logpkg.SanitizeSQL(sql)),
			zap.Int64("rows", rows),
		)
	case l.level >= gormlogger.Info:
		sql, rows := fc()
		l.log.Info("orm_query",
			zap.Duration("elapsed", elapsed),
			zap.String("sql", logpkg.SanitizeSQL(sql)),
			zap.Int64("rows", rows),
		)
	}
}
