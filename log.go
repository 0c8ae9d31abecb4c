package monetdriver

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger builds the connection trace logger. Tracing is off unless the
// debug parameter is set; with a logfile the trace goes there, otherwise to
// stderr.
func newLogger(t *Target) (*zap.Logger, error) {
	if !t.Debug {
		return zap.NewNop(), nil
	}

	conf := zap.NewDevelopmentConfig()
	conf.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	if t.Logfile != "" {
		conf.OutputPaths = []string{t.Logfile}
		conf.ErrorOutputPaths = []string{t.Logfile}
	}
	logger, err := conf.Build()
	if err != nil {
		return nil, configErrorf("logfile", "cannot open trace log: %v", err)
	}
	return logger.Named("mapi"), nil
}
