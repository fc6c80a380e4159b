package broker

import (
	"strings"

	"github.com/ethereum/go-ethereum/log"
)

// nsqdLogger wraps the log messages emitted by the embedded NSQ daemon into
// contextual logs of the member.
type nsqdLogger struct {
	logger log.Logger
}

// Output implements the lg.Logger interface used by NSQ.
func (l *nsqdLogger) Output(maxdepth int, s string) error {
	level, s := cutWord(s)

	// Daemon logs are optionally tagged with a "MODULE:" prefix
	logger := l.logger
	if module, rest := cutWord(s); strings.HasSuffix(module, ":") {
		logger, s = logger.New("module", strings.ToLower(strings.TrimSuffix(module, ":"))), rest
	}
	emit(logger, strings.TrimSuffix(level, ":"), "Broker server emitted log", s)
	return nil
}

// nsqProducerLogger wraps the log messages emitted by the NSQ producers.
type nsqProducerLogger struct {
	logger log.Logger
}

// Output implements the lg.Logger interface used by NSQ. Producer lines look
// like "INF    1 (127.0.0.1:4150) connecting to nsqd".
func (l *nsqProducerLogger) Output(maxdepth int, s string) error {
	level, id, target, msg := splitClientLine(s, "()")
	emit(l.logger.New("id", id, "nsqd", target), level, "Broker producer emitted log", msg)
	return nil
}

// nsqConsumerLogger wraps the log messages emitted by the NSQ consumers.
type nsqConsumerLogger struct {
	logger log.Logger
}

// Output implements the lg.Logger interface used by NSQ. Consumer lines look
// like "INF    1 [topic/channel] querying nsqlookupd".
func (l *nsqConsumerLogger) Output(maxdepth int, s string) error {
	level, id, sub, msg := splitClientLine(s, "[]")
	emit(l.logger.New("id", id, "sub", sub), level, "Broker consumer emitted log", msg)
	return nil
}

// cutWord splits the first space delimited word off a log line.
func cutWord(s string) (string, string) {
	s = strings.TrimLeft(s, " ")
	if idx := strings.IndexByte(s, ' '); idx >= 0 {
		return s[:idx], s[idx+1:]
	}
	return s, ""
}

// splitClientLine dissects a go-nsq client log line into its level, connection
// id, bracketed target and the message itself.
func splitClientLine(s string, brackets string) (level, id, target, msg string) {
	level, s = cutWord(s)
	id, s = cutWord(s)
	target, msg = cutWord(s)
	return level, id, strings.Trim(target, brackets), msg
}

// emit maps an NSQ log level onto the member logger. NSQ is chatty, so its info
// level is demoted to debug and its debug level to trace.
func emit(logger log.Logger, level string, what string, msg string) {
	switch level {
	case "DEBUG", "DBG":
		logger.Trace(what, "msg", msg)
	case "INFO", "INF":
		logger.Debug(what, "msg", msg)
	case "WARNING", "WRN":
		logger.Warn(what, "msg", msg)
	case "ERROR", "ERR", "FATAL":
		logger.Error(what, "msg", msg)
	default:
		logger.Error("Broker emitted unknown log", "level", level, "msg", msg)
	}
}
